package imaging

import (
	"bytes"
	"testing"
)

func TestSharpen_PreservesDimensions(t *testing.T) {
	sizes := [][2]int{{1, 1}, {1, 7}, {7, 1}, {2, 2}, {31, 17}, {64, 64}}

	for _, s := range sizes {
		src := createGradientRaster(s[0], s[1])
		out := Sharpen(src)
		if out.Width != src.Width || out.Height != src.Height {
			t.Errorf("%dx%d: got %dx%d", s[0], s[1], out.Width, out.Height)
		}
		if err := out.Validate(); err != nil {
			t.Errorf("%dx%d: output raster invalid: %v", s[0], s[1], err)
		}
	}
}

func TestSharpen_UniformUnchanged(t *testing.T) {
	src := FromImage(createInMemoryImage(16, 16, rgba(33, 99, 200)), FormatPNG)
	out := Sharpen(src)
	if !bytes.Equal(src.Pix, out.Pix) {
		t.Error("Sharpen changed a uniform image")
	}
}

func TestSharpen_BelowThresholdUnchanged(t *testing.T) {
	// 1-level checkerboard: every difference from the blur is under the threshold
	src := NewRaster(16, 16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			v := uint8(100 + (x+y)%2)
			i := (y*16 + x) * Channels
			src.Pix[i], src.Pix[i+1], src.Pix[i+2] = v, v, v
		}
	}

	out := Sharpen(src)
	if !bytes.Equal(src.Pix, out.Pix) {
		t.Error("Sharpen amplified sub-threshold noise")
	}
}

func TestSharpen_IncreasesEdgeContrast(t *testing.T) {
	// vertical edge between 80 and 170
	src := NewRaster(20, 5)
	for y := 0; y < 5; y++ {
		for x := 0; x < 20; x++ {
			v := uint8(80)
			if x >= 10 {
				v = 170
			}
			i := (y*20 + x) * Channels
			src.Pix[i], src.Pix[i+1], src.Pix[i+2] = v, v, v
		}
	}

	out := Sharpen(src)
	dark := out.Pix[(2*20+9)*Channels]
	bright := out.Pix[(2*20+10)*Channels]
	if dark >= 80 {
		t.Errorf("dark side of edge: got %d, want < 80", dark)
	}
	if bright <= 170 {
		t.Errorf("bright side of edge: got %d, want > 170", bright)
	}

	// far from the edge nothing changes
	if far := out.Pix[(2*20+1)*Channels]; far != 80 {
		t.Errorf("far dark pixel: got %d, want 80", far)
	}
}

func TestSharpen_OpaqueAndSourceUntouched(t *testing.T) {
	src := createGradientRaster(24, 24)
	orig := append([]uint8(nil), src.Pix...)

	out := Sharpen(src)
	if !bytes.Equal(orig, src.Pix) {
		t.Error("Sharpen modified its input")
	}
	for i := 3; i < len(out.Pix); i += Channels {
		if out.Pix[i] != 0xff {
			t.Fatalf("alpha at pixel %d: got %d, want 255", i/Channels, out.Pix[i])
		}
	}
}

func TestSharpen_Deterministic(t *testing.T) {
	src := createGradientRaster(40, 30)
	a := Sharpen(src)
	b := Sharpen(src)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("Sharpen is not deterministic")
	}
}
