/*
Package quota implements the reservation ledger for project resource limits.

Usage is tracked per project across resource dimensions: volume count,
total gigabytes, and per-volume-type variants of both. Updates follow a
strict three-phase protocol, never a direct increment:

	res, err := ledger.Reserve(projectID, deltas)  // usage moves to reserved
	err = ledger.Commit(res)                       // reserved becomes in-use
	err = ledger.Rollback(res)                     // reserved is released

Reserve checks every dimension against the project's limits and fails with
*OverQuotaError listing the exceeded dimensions; nothing is taken. A
reservation handle is consumed by exactly one Commit or Rollback; reuse
fails with ErrReservationConsumed.

Negative deltas skip the limit checks. They are the compensation path: a
volume that reached error status after its quota was committed is paid back
with a reserve-and-commit of the negated creation deltas.

Reserve/commit/rollback is serialized per project, so concurrent workflows
for the same project see consistent counters while different projects never
contend.

# See Also

  - pkg/flow for the reservation lifecycle inside the creation workflow
  - pkg/manager for delete and extend accounting
*/
package quota
