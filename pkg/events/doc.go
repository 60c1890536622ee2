/*
Package events provides an in-memory broker for usage notifications.

Publishing is fire-and-forget: events go through a buffered channel and a
broadcast loop fans them out to subscriber channels. A slow or absent
consumer never blocks a publisher; full subscriber buffers drop the event.
Notification failures are by contract non-fatal everywhere in the control
plane.

Event types follow the volume lifecycle: volume.create.start / .end /
.error, volume.delete.start / .end, volume.resize.start / .end,
volume.attach, volume.detach, and scheduler.create_volume.no_valid_host.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Printf("%s %s\n", ev.Type, ev.VolumeID)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventVolumeCreateEnd,
		VolumeID: vol.ID,
	})

# See Also

  - pkg/flow and pkg/manager for the publishing sites
*/
package events
