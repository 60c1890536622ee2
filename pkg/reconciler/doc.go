/*
Package reconciler runs the background sweep loop for the control plane.

Each cycle it marks hosts down when their heartbeat has gone silent past
the grace period, flips volumes stuck in transitional statuses (creating,
downloading, attaching, detaching, extending, deleting) to error once they
have sat unchanged long enough to have been abandoned by a dead worker,
and refreshes the status and capacity gauges in pkg/metrics.

The sweep reads and repairs state only; it never calls a backend driver.

	recon := reconciler.New(store, 10*time.Second)
	recon.Start()
	defer recon.Stop()
*/
package reconciler
