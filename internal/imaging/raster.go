package imaging

import (
	"fmt"
	"image"
	"image/color"
)

// Channels is the number of bytes stored per pixel in a Raster.
//
// Pixels are RGB plus an alpha byte that is always 255. Keeping the fourth
// byte lets a Raster be viewed as an *image.RGBA without copying, which the
// JPEG encoder and the blur/resize libraries all have fast paths for.
const Channels = 4

// Format identifies the encoding an image was decoded from.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// MIMEType returns the canonical content type for the format.
func (f Format) MIMEType() string {
	return "image/" + string(f)
}

// Raster is a decoded, fully opaque RGB image.
//
// Pix holds Height rows of Width pixels, Channels bytes each, with no
// padding between rows. A Raster is owned by exactly one request and is
// never shared or cached.
type Raster struct {
	// Width is the image width in pixels.
	Width int

	// Height is the image height in pixels.
	Height int

	// Pix is the row-major pixel data, R, G, B, A (A = 255) per pixel.
	Pix []uint8

	// Format is the source encoding. Empty for rasters produced by a transform.
	Format Format
}

// NewRaster allocates an opaque black raster of the given size.
func NewRaster(width, height int) *Raster {
	pix := make([]uint8, width*height*Channels)
	for i := 3; i < len(pix); i += Channels {
		pix[i] = 0xff
	}
	return &Raster{Width: width, Height: height, Pix: pix}
}

// Validate checks the structural invariant width*height*Channels == len(Pix).
func (r *Raster) Validate() error {
	if r == nil {
		return fmt.Errorf("nil raster")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", r.Width, r.Height)
	}
	if want := r.Width * r.Height * Channels; len(r.Pix) != want {
		return fmt.Errorf("raster length %d does not match %dx%dx%d", len(r.Pix), r.Width, r.Height, Channels)
	}
	return nil
}

// RGBA returns an *image.RGBA sharing the raster's pixel memory.
func (r *Raster) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Width * Channels,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// FromImage converts any image.Image into an opaque Raster.
//
// Transparent pixels are composited onto a white background. Grayscale and
// paletted sources are expanded to RGB.
func FromImage(img image.Image, format Format) *Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &Raster{Width: w, Height: h, Pix: make([]uint8, w*h*Channels), Format: format}

	switch src := img.(type) {
	case *image.RGBA:
		// premultiplied: c + (255 - a) composites over white
		for y := 0; y < h; y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := y * w * Channels
			for x := 0; x < w; x++ {
				bg := 255 - src.Pix[si+3]
				out.Pix[di] = src.Pix[si] + bg
				out.Pix[di+1] = src.Pix[si+1] + bg
				out.Pix[di+2] = src.Pix[si+2] + bg
				out.Pix[di+3] = 0xff
				si += 4
				di += Channels
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := y * w * Channels
			for x := 0; x < w; x++ {
				a := uint32(src.Pix[si+3])
				out.Pix[di] = overWhite(uint32(src.Pix[si]), a)
				out.Pix[di+1] = overWhite(uint32(src.Pix[si+1]), a)
				out.Pix[di+2] = overWhite(uint32(src.Pix[si+2]), a)
				out.Pix[di+3] = 0xff
				si += 4
				di += Channels
			}
		}
	default:
		di := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, a := img.At(x, y).RGBA()
				// 16-bit premultiplied
				bg := 0xffff - a
				out.Pix[di] = uint8((r + bg) >> 8)
				out.Pix[di+1] = uint8((g + bg) >> 8)
				out.Pix[di+2] = uint8((bl + bg) >> 8)
				out.Pix[di+3] = 0xff
				di += Channels
			}
		}
	}

	return out
}

// overWhite composites a non-premultiplied 8-bit channel onto white.
func overWhite(c, a uint32) uint8 {
	return uint8((c*a + 255*(255-a) + 127) / 255)
}

// At implements image.Image.
func (r *Raster) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return color.RGBA{}
	}
	i := (y*r.Width + x) * Channels
	return color.RGBA{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2], A: 0xff}
}

// Bounds implements image.Image.
func (r *Raster) Bounds() image.Rectangle { return image.Rect(0, 0, r.Width, r.Height) }

// ColorModel implements image.Image.
func (r *Raster) ColorModel() color.Model { return color.RGBAModel }
