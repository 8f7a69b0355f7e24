// Package gpu models the GPU resources used by the media pipeline.
//
// Buffers live in an Arena: a recyclable, index-addressed set of slots where
// every allocation is identified by a Handle carrying a generation counter, so
// a handle that outlived its allocation is rejected instead of aliasing a newer
// buffer.
//
// Work is submitted to a Device as a Command. Submission is asynchronous and
// returns a Fence that is signaled once the command has executed on the device
// timeline. Only the stage that needs the result waits on the fence:
//
//	dst, err := converter.Convert(src, video.ToYUV) // returns immediately
//	...
//	if err := dst.Wait(ctx); err != nil {           // encode stage blocks here
//	    return err
//	}
//
// Ownership between stages is transferred with a Lease (handle + fence). A
// lease is released exactly once, returning its slot to the arena.
//
// SoftwareDevice executes commands on a dedicated goroutine and is used by the
// host and viewer pipelines as well as by tests; Lose injects device loss.
package gpu
