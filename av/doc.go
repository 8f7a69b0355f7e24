// Package av implements the host and viewer pipelines of a screen stream.
//
// # Architecture
//
// The host side is a [Sender]:
//
//	capture → Converter(forward) → FrameQueue → Encoder → Packetizer → Session
//
// The viewer side is a [Receiver]:
//
//	Session → JitterBuffer → Decoder → Converter(backward) → Mailbox → Presenter
//
// Each stage runs on its own goroutine under one errgroup. Stages exchange
// data only through the [FrameQueue], the session channels, the jitter
// buffer and the presentation [Mailbox]. GPU buffers move between stages as
// leases: a handle plus the fence of the work producing it.
//
// # Quality Adaptation
//
// The [QualityController] samples session loss, RTT and frame queue
// occupancy every interval and publishes [Tunables] snapshots: target bit
// rate, frame drop ratio and a keyframe epoch. The encode stage reads the
// current snapshot before each frame.
//
// # Pipeline Resets
//
// A pipeline stops on the first stage failure and reports it once through
// Resets:
//
//	select {
//	case err := <-sender.Resets():
//	    if errors.Is(err, av.ErrResourceFailure) {
//	        // rebuild on a new device, keep the session
//	    }
//	}
//
// ErrResourceFailure covers lost devices, exhausted arenas and codec
// failures. ErrSessionFailure means the session failed and is terminal. An
// orderly session close stops the pipeline without an error.
//
// # Sub-Packages
//
//   - av/video: color conversion and the dsv1 codec
//   - av/fragment: packetization, reassembly and the jitter buffer
package av
