package mapper

import "math"

// HSV is hue in degrees [0,360) and saturation as a percentage [0,100];
// it carries no value component. The mapper only ever produces hue/saturation from color
// conversions; value (brightness) is tracked separately on 0..255 per
// spec §4.1 "Color (light)".
type HSV struct {
	Hue        float64
	Saturation float64
}

// xyToHSV converts CIE 1931 xy chromaticity coordinates to hue/saturation,
// following the conversion Philips/HA use: xy -> XYZ -> linear sRGB ->
// gamma-corrected sRGB -> HSV. Brightness (Y) is held at 1.0 since the
// caller tracks brightness separately.
func xyToHSV(x, y float64) HSV {
	if y <= 0 {
		return HSV{}
	}
	const Y = 1.0
	z := 1.0 - x - y
	X := (Y / y) * x
	Z := (Y / y) * z

	r := X*1.656492 - Y*0.354851 - Z*0.255038
	g := -X*0.707196 + Y*1.655397 + Z*0.036152
	b := X*0.051713 - Y*0.121364 + Z*1.011530

	return HSV{}.fromLinearRGB(r, g, b)
}

// fromLinearRGB applies the sRGB transfer function to each channel, clamps
// negative components to zero, and — if any channel still exceeds 1 — scales
// all three down by the same factor so their ratio (hue and saturation) is
// preserved. Gamma-correcting first and only then rescaling by the shared
// max is what keeps hue/saturation stable; clamping each channel to 1
// independently distorts the ratio between channels and was the bug here.
func (HSV) fromLinearRGB(r, g, b float64) HSV {
	gamma := func(c float64) float64 {
		if c <= 0 {
			return 0
		}
		if c <= 0.0031308 {
			return 12.92 * c
		}
		return 1.055*math.Pow(c, 1.0/2.4) - 0.055
	}
	r, g, b = gamma(r), gamma(g), gamma(b)

	if max := math.Max(r, math.Max(g, b)); max > 1 {
		r, g, b = r/max, g/max, b/max
	}
	return rgbToHSV(r*255, g*255, b*255)
}

// rgbToHSV converts 0..255 RGB channels to hue [0,360) / saturation [0,100].
func rgbToHSV(r, g, b float64) HSV {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	var hue float64
	switch {
	case delta == 0:
		hue = 0
	case max == r:
		hue = 60 * math.Mod((g-b)/delta, 6)
	case max == g:
		hue = 60 * ((b-r)/delta + 2)
	default:
		hue = 60 * ((r-g)/delta + 4)
	}
	if hue < 0 {
		hue += 360
	}

	var sat float64
	if max > 0 {
		sat = (delta / max) * 100
	}

	return HSV{Hue: hue, Saturation: sat}
}

// hsToHSV passes through an HA hs_color [hue, saturation] pair unchanged —
// HA already reports it in the same units the Core expects.
func hsToHSV(hue, sat float64) HSV {
	return HSV{Hue: hue, Saturation: sat}
}

// hsvToHS converts a Core hue/saturation command back to HA's hs_color
// representation — the identity transform, kept distinct from hsToHSV so
// the decode/encode directions stay separately named per the spec's
// round-trip framing.
func hsvToHS(h HSV) [2]float64 {
	return [2]float64{h.Hue, h.Saturation}
}
