package imaging

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// DefaultResampler is the resampler used when none is configured.
const DefaultResampler = "bicubic"

var resamplers = map[string]func() Resampler{
	"bicubic":    func() Resampler { return NewBicubic() },
	"lanczos":    func() Resampler { return lanczos{} },
	"catmullrom": func() Resampler { return catmullRom{} },
	"mitchell":   func() Resampler { return mitchell{} },
}

// NewResampler returns the resampler registered under name.
func NewResampler(name string) (Resampler, error) {
	if name == "" {
		name = DefaultResampler
	}
	ctor, ok := resamplers[name]
	if !ok {
		return nil, fmt.Errorf("unknown resampler %q (available: %v)", name, ResamplerNames())
	}
	return ctor(), nil
}

// ResamplerNames lists the registered resampler names in sorted order.
func ResamplerNames() []string {
	names := make([]string, 0, len(resamplers))
	for name := range resamplers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lanczos resamples with a Lanczos-3 filter.
type lanczos struct{}

func (lanczos) Name() string { return "lanczos" }

func (lanczos) Resample(_ context.Context, src *Raster, width, height int) (*Raster, error) {
	if err := checkTarget(src, width, height); err != nil {
		return nil, err
	}
	return FromImage(imaging.Resize(src.RGBA(), width, height, imaging.Lanczos), ""), nil
}

// catmullRom is the x/image/draw Catmull-Rom kernel, numerically the same
// family as Bicubic but with the library's own edge handling.
type catmullRom struct{}

func (catmullRom) Name() string { return "catmullrom" }

func (catmullRom) Resample(_ context.Context, src *Raster, width, height int) (*Raster, error) {
	if err := checkTarget(src, width, height); err != nil {
		return nil, err
	}
	dst := NewRaster(width, height)
	draw.CatmullRom.Scale(dst.RGBA(), image.Rect(0, 0, width, height), src.RGBA(), src.Bounds(), draw.Src, nil)
	return dst, nil
}

// mitchell uses the Mitchell-Netravali cubic, which rings less than
// Keys at the cost of slight softening.
type mitchell struct{}

func (mitchell) Name() string { return "mitchell" }

func (mitchell) Resample(_ context.Context, src *Raster, width, height int) (*Raster, error) {
	if err := checkTarget(src, width, height); err != nil {
		return nil, err
	}
	return FromImage(resize.Resize(uint(width), uint(height), src.RGBA(), resize.MitchellNetravali), ""), nil
}

func checkTarget(src *Raster, width, height int) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid target size %dx%d", width, height)
	}
	return nil
}
