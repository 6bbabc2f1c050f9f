package imaging

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Resampler produces a resized copy of a raster.
//
// Implementations must be deterministic: the same raster and target size
// always yield the same output bytes. The source raster is never modified.
type Resampler interface {
	Resample(ctx context.Context, src *Raster, width, height int) (*Raster, error)
	Name() string
}

// CubicA is the cubic convolution parameter (Keys, a = -0.5).
const CubicA = -0.5

// Bicubic is a separable cubic convolution resampler.
//
// The image is resampled horizontally into an intermediate raster, then
// vertically. Each output sample takes a 4-tap neighborhood per axis when
// enlarging; when the size is reduced the kernel is stretched by the
// reduction ratio so every source pixel still contributes. Sample positions
// outside the image are clamped to the nearest edge pixel, and every pass
// rounds and clamps channel values to [0, 255].
type Bicubic struct {
	// Parallelism is the number of row bands processed concurrently.
	// Zero means GOMAXPROCS. Output does not depend on this value.
	Parallelism int
}

// NewBicubic returns the default resampler.
func NewBicubic() *Bicubic {
	return &Bicubic{}
}

func (b *Bicubic) Name() string { return "bicubic" }

// Resample implements Resampler.
//
// The context is checked once between the two passes; pixel loops are never
// interrupted.
func (b *Bicubic) Resample(ctx context.Context, src *Raster, width, height int) (*Raster, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	xw := cubicWeights(src.Width, width)
	yw := cubicWeights(src.Height, height)

	// horizontal pass: src.Height rows of the target width
	tmp := &Raster{Width: width, Height: src.Height, Pix: make([]uint8, width*src.Height*Channels)}
	if err := b.bands(src.Height, func(y0, y1 int) {
		horizontalPass(src, tmp, xw, y0, y1)
	}); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Raster{Width: width, Height: height, Pix: make([]uint8, width*height*Channels)}
	if err := b.bands(height, func(y0, y1 int) {
		verticalPass(tmp, out, yw, y0, y1)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// bands splits [0, rows) into contiguous ranges and runs fn on each.
func (b *Bicubic) bands(rows int, fn func(y0, y1 int)) error {
	n := b.Parallelism
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	n = min(n, rows)
	step := (rows + n - 1) / n

	var g errgroup.Group
	for y0 := 0; y0 < rows; y0 += step {
		y0, y1 := y0, min(y0+step, rows)
		g.Go(func() error {
			fn(y0, y1)
			return nil
		})
	}
	return g.Wait()
}

// contrib lists the source indices and normalized weights for one output sample.
type contrib struct {
	idx []int
	w   []float64
}

// cubicWeights precomputes per-output-sample taps for resizing an axis of
// length in to length out.
func cubicWeights(in, out int) []contrib {
	scale := float64(out) / float64(in)
	filterScale := math.Max(1, 1/scale)
	support := 2 * filterScale

	res := make([]contrib, out)
	for o := 0; o < out; o++ {
		center := (float64(o) + 0.5) / scale
		lo := int(math.Floor(center - support))
		hi := int(math.Ceil(center + support))

		c := contrib{}
		var sum float64
		for i := lo; i <= hi; i++ {
			w := cubic((float64(i) + 0.5 - center) / filterScale)
			if w == 0 {
				continue
			}
			c.idx = append(c.idx, clamp(i, 0, in-1))
			c.w = append(c.w, w)
			sum += w
		}
		if sum != 0 {
			for k := range c.w {
				c.w[k] /= sum
			}
		}
		res[o] = c
	}
	return res
}

// cubic is the Keys cubic convolution kernel with parameter CubicA.
func cubic(x float64) float64 {
	const a = CubicA
	x = math.Abs(x)
	switch {
	case x < 1:
		return ((a+2)*x-(a+3))*x*x + 1
	case x < 2:
		return (((x-5)*x+8)*x - 4) * a
	}
	return 0
}

func horizontalPass(src, dst *Raster, weights []contrib, y0, y1 int) {
	for y := y0; y < y1; y++ {
		srow := src.Pix[y*src.Width*Channels:]
		di := y * dst.Width * Channels
		for x := 0; x < dst.Width; x++ {
			c := weights[x]
			var r, g, b float64
			for k, i := range c.idx {
				si := i * Channels
				w := c.w[k]
				r += w * float64(srow[si])
				g += w * float64(srow[si+1])
				b += w * float64(srow[si+2])
			}
			dst.Pix[di] = clampByte(r)
			dst.Pix[di+1] = clampByte(g)
			dst.Pix[di+2] = clampByte(b)
			dst.Pix[di+3] = 0xff
			di += Channels
		}
	}
}

func verticalPass(src, dst *Raster, weights []contrib, y0, y1 int) {
	stride := src.Width * Channels
	for y := y0; y < y1; y++ {
		c := weights[y]
		di := y * dst.Width * Channels
		for x := 0; x < dst.Width; x++ {
			col := x * Channels
			var r, g, b float64
			for k, i := range c.idx {
				si := i*stride + col
				w := c.w[k]
				r += w * float64(src.Pix[si])
				g += w * float64(src.Pix[si+1])
				b += w * float64(src.Pix[si+2])
			}
			dst.Pix[di] = clampByte(r)
			dst.Pix[di+1] = clampByte(g)
			dst.Pix[di+2] = clampByte(b)
			dst.Pix[di+3] = 0xff
			di += Channels
		}
	}
}

// clampByte rounds v to the nearest integer in [0, 255].
func clampByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// clamp constrains an integer value to the range [min, max].
// Used for edge handling in convolution.
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
