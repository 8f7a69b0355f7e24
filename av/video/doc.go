// Package video provides the frame representation, color space conversion
// and the dsv1 codec used by the deskstream pipelines.
//
// The processing flow on each side of a stream:
//
//	host:   RGBA (linear) → Converter(Forward) → I420 → Encoder → EncodedUnit
//	viewer: EncodedUnit → Decoder → I420 → Converter(Backward) → RGBA
//
// # Frames and ownership
//
// A [Frame] wraps a [gpu.Lease]: a buffer handle plus the fence of the work
// that produces it. Exactly one stage owns a frame at a time. The owner waits
// on the fence before reading pixels and calls Release when it is done.
//
// # Color conversion
//
// [Converter] runs on a [gpu.Device]. Forward conversion maps linear RGBA8 to
// limited-range BT.709 I420 with 2x2 chroma averaging. Backward conversion
// inverts the matrix and applies a transfer [Curve]: CurvePerceptual
// approximates the sRGB encode curve, CurveLinear leaves values linear.
// Frame dimensions must be even.
//
//	conv := video.NewConverter(device, video.CurvePerceptual)
//	yuv, err := conv.Convert(captured, video.Forward)
//
// # Codec
//
// dsv1 is a small intra/inter codec. Keyframes quantize every sample; inter
// frames quantize the residual against the previous reconstruction. Coded
// samples are compressed with zstd. A quantizer of 1 is lossless.
//
// [Encoder] accepts bit rate changes and keyframe requests from any goroutine
// and applies them at the start of the next Encode. [Decoder] reports
// [ErrNeedKeyframe] when a unit is corrupt or its reference is missing, keeps
// the last good frame, and calls its keyframe requester at a bounded rate.
package video
