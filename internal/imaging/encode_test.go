package imaging

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"math/rand"
	"testing"
)

// createNoiseRaster creates a raster that compresses poorly, so its JPEG
// spans several chunks.
func createNoiseRaster(width, height int) *Raster {
	rng := rand.New(rand.NewSource(7))
	r := NewRaster(width, height)
	for i := 0; i < len(r.Pix); i += Channels {
		r.Pix[i] = uint8(rng.Intn(256))
		r.Pix[i+1] = uint8(rng.Intn(256))
		r.Pix[i+2] = uint8(rng.Intn(256))
	}
	return r
}

func TestEncode_RoundTrip(t *testing.T) {
	src := createGradientRaster(120, 80)
	plan, err := PlanScale(60, 40, 2.0, 4000)
	if err != nil {
		t.Fatalf("PlanScale failed: %v", err)
	}

	s, err := Encode(context.Background(), src, MetadataFromPlan(plan))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	defer s.Close()

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if int(n) != s.Size() {
		t.Errorf("WriteTo wrote %d bytes, Size reports %d", n, s.Size())
	}

	img, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a valid JPEG: %v", err)
	}
	meta := s.Metadata()
	if img.Bounds().Dx() != meta.ProcessedSize.Width || img.Bounds().Dy() != meta.ProcessedSize.Height {
		t.Errorf("decoded %dx%d, metadata says %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), meta.ProcessedSize.Width, meta.ProcessedSize.Height)
	}
}

func TestEncode_Metadata(t *testing.T) {
	plan, err := PlanScale(3000, 3000, 2.0, 4000)
	if err != nil {
		t.Fatalf("PlanScale failed: %v", err)
	}

	s, err := Encode(context.Background(), createGradientRaster(16, 16), MetadataFromPlan(plan))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	defer s.Close()

	meta := s.Metadata()
	if meta.OriginalSize != (Size{3000, 3000}) {
		t.Errorf("original size: got %+v", meta.OriginalSize)
	}
	if meta.ProcessedSize != (Size{4000, 4000}) {
		t.Errorf("processed size: got %+v", meta.ProcessedSize)
	}
	if !meta.Clamped {
		t.Error("clamped: got false, want true")
	}
	if meta.RequestedScaleFactor != 2.0 {
		t.Errorf("requested factor: got %v, want 2", meta.RequestedScaleFactor)
	}
	if meta.ScaleFactor >= 2.0 {
		t.Errorf("effective factor: got %v, want < 2", meta.ScaleFactor)
	}
	if meta.Format != "JPEG" {
		t.Errorf("format: got %s, want JPEG", meta.Format)
	}
	if meta.FileSizeBytes <= 0 || meta.FileSizeBytes != s.Size() {
		t.Errorf("file size: got %d, Size() %d", meta.FileSizeBytes, s.Size())
	}
}

func TestStream_Chunks(t *testing.T) {
	s, err := Encode(context.Background(), createNoiseRaster(256, 256), Metadata{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	defer s.Close()

	if s.Size() <= ChunkSize {
		t.Fatalf("test image too small: %d bytes", s.Size())
	}

	total, chunks := 0, 0
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if len(chunk) == 0 || len(chunk) > ChunkSize {
			t.Fatalf("chunk %d has invalid length %d", chunks, len(chunk))
		}
		total += len(chunk)
		chunks++
	}

	if total != s.Size() {
		t.Errorf("chunks total %d, Size %d", total, s.Size())
	}
	if chunks < 2 {
		t.Errorf("got %d chunks, want several", chunks)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after drain: got %v, want io.EOF", err)
	}
}

func TestStream_Close(t *testing.T) {
	s, err := Encode(context.Background(), createGradientRaster(8, 8), Metadata{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := s.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next after Close: got %v, want ErrStreamClosed", err)
	}
	if _, err := s.WriteTo(io.Discard); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("WriteTo after Close: got %v, want ErrStreamClosed", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func TestStream_WriteToPropagatesWriterError(t *testing.T) {
	s, err := Encode(context.Background(), createGradientRaster(8, 8), Metadata{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	defer s.Close()

	if _, err := s.WriteTo(failingWriter{}); err == nil {
		t.Error("WriteTo should return the writer's error")
	}
}

func TestEncode_Errors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Encode(ctx, createGradientRaster(4, 4), Metadata{}); err == nil {
		t.Error("Encode should fail on a canceled context")
	}

	if _, err := Encode(context.Background(), &Raster{Width: 4, Height: 4}, Metadata{}); err == nil {
		t.Error("Encode should fail on a malformed raster")
	}
}
