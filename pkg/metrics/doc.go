/*
Package metrics defines the Prometheus collectors for the control plane.

Collectors are registered at init via promauto and exported as package
variables: creation counts and durations by strategy, reschedule and quota
rejection counters, and gauges for volume status distribution and per-host
free capacity. The HTTP API serves them on /metrics.

NewTimer measures a creation attempt:

	timer := metrics.NewTimer(strategy)
	defer timer.ObserveDuration()
*/
package metrics
