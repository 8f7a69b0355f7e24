package video

import "math"

// Curve selects the transfer function applied when converting back to RGB.
type Curve uint8

const (
	// CurvePerceptual encodes linear light with a polynomial approximation
	// of the sRGB curve.
	CurvePerceptual Curve = iota
	// CurveLinear leaves values in linear light.
	CurveLinear
)

// String returns the curve name.
func (c Curve) String() string {
	switch c {
	case CurvePerceptual:
		return "perceptual"
	case CurveLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// Apply maps a linear value in [0,1] through the curve.
func (c Curve) Apply(x float64) float64 {
	if c == CurveLinear {
		return saturate(x)
	}
	return perceptualEncode(x)
}

// perceptualEncode approximates the sRGB encode curve with three nested
// square roots. Maximum deviation from the exact curve is about 0.003.
// The end points are pinned to exactly 0 and 1.
func perceptualEncode(x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	s1 := math.Sqrt(x)
	s2 := math.Sqrt(s1)
	s3 := math.Sqrt(s2)
	return saturate(0.662002687*s1 + 0.684122060*s2 - 0.323583601*s3 - 0.0225411470*x)
}

// SRGBEncode is the exact piecewise sRGB encode curve.
func SRGBEncode(x float64) float64 {
	x = saturate(x)
	if x <= 0.0031308 {
		return 12.92 * x
	}
	return 1.055*math.Pow(x, 1/2.4) - 0.055
}

func saturate(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func quantize(x float64) byte {
	return byte(math.Round(saturate(x) * 255))
}
