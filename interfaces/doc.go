// Package interfaces defines the collaborators the streaming core talks to
// without owning: the capture source on the host, the presenter on the
// viewer, the host-side input injector, and an injectable clock.
//
// # Collaborators
//
// [CaptureSource] hands linear-light RGBA frames to the host pipeline as GPU
// leases. [Presenter] receives decoded frames on the viewer; it is never
// allowed to stall the core, which keeps only the newest frame when the
// presenter falls behind. [InputHandler] applies viewer input events that
// arrive over the control channel.
//
// # Time
//
// [TimeProvider] abstracts the clock so rate adaptation, jitter deadlines
// and keepalive logic can be tested deterministically:
//
//	clock := interfaces.NewManualTimeProvider(time.Unix(0, 0))
//	controller.SetTimeProvider(clock)
//	clock.Advance(500 * time.Millisecond)
package interfaces
