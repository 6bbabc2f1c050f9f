package imaging

import (
	"github.com/anthonynsimon/bild/blur"
)

// Unsharp mask parameters. They are tuned to offset the softening of
// bicubic enlargement and are deliberately not configurable.
const (
	// SharpenRadius is the Gaussian blur radius in pixels.
	SharpenRadius = 1.0

	// SharpenAmount is the weight of the high-frequency detail added back (150%).
	SharpenAmount = 1.5

	// SharpenThreshold is the minimum per-channel difference between the
	// original and blurred value for a channel to be sharpened. Smaller
	// differences are treated as flat areas and left untouched, which keeps
	// noise and JPEG artifacts from being amplified.
	SharpenThreshold = 3
)

// Sharpen applies an unsharp mask and returns a new raster of the same size.
//
// For each channel:
//
//	out = orig + SharpenAmount * (orig - blurred)
//
// where blurred is a Gaussian blur of radius SharpenRadius. Results are
// rounded and clamped to [0, 255].
func Sharpen(src *Raster) *Raster {
	blurred := blur.Gaussian(src.RGBA(), SharpenRadius)

	out := &Raster{Width: src.Width, Height: src.Height, Pix: make([]uint8, len(src.Pix))}
	for y := 0; y < src.Height; y++ {
		si := y * src.Width * Channels
		bi := blurred.PixOffset(0, y)
		for x := 0; x < src.Width; x++ {
			for c := 0; c < 3; c++ {
				o := int(src.Pix[si+c])
				diff := o - int(blurred.Pix[bi+c])
				if diff < SharpenThreshold && diff > -SharpenThreshold {
					out.Pix[si+c] = uint8(o)
					continue
				}
				out.Pix[si+c] = clampByte(float64(o) + SharpenAmount*float64(diff))
			}
			out.Pix[si+3] = 0xff
			si += Channels
			bi += 4
		}
	}
	return out
}
