package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"sync"
)

const (
	// JPEGQuality is the fixed output quality.
	JPEGQuality = 95

	// ChunkSize is the size of each chunk handed out by a Stream.
	ChunkSize = 32 * 1024

	// OutputFormat is the only output encoding.
	OutputFormat = "JPEG"

	// maxPooledBuffer keeps unusually large buffers out of the pool.
	maxPooledBuffer = 16 << 20
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Size is a width/height pair as reported in metadata.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Metadata describes a processed image. It is sent to the caller ahead of
// the encoded bytes.
type Metadata struct {
	OriginalSize         Size    `json:"original_size"`
	ProcessedSize        Size    `json:"processed_size"`
	ScaleFactor          float64 `json:"scale_factor"`
	RequestedScaleFactor float64 `json:"requested_scale_factor"`
	Clamped              bool    `json:"clamped"`
	Format               string  `json:"format"`
	FileSizeBytes        int     `json:"file_size_bytes"`
}

// MetadataFromPlan fills the geometry fields of a Metadata record.
func MetadataFromPlan(p ScalePlan) Metadata {
	return Metadata{
		OriginalSize:         Size{Width: p.OriginalWidth, Height: p.OriginalHeight},
		ProcessedSize:        Size{Width: p.TargetWidth, Height: p.TargetHeight},
		ScaleFactor:          p.EffectiveFactor,
		RequestedScaleFactor: p.RequestedFactor,
		Clamped:              p.Clamped,
		Format:               OutputFormat,
	}
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Stream hands out encoded output in ChunkSize pieces.
//
// The encoded bytes live in a pooled buffer until Close is called. A Stream
// is consumed by a single goroutine.
type Stream struct {
	buf    *bytes.Buffer
	off    int
	meta   Metadata
	closed bool
}

// Encode serializes r as a JPEG and returns a Stream over the result.
//
// meta's FileSizeBytes and Format are filled in from the encoded output.
// The caller may drop its reference to r as soon as Encode returns.
func Encode(ctx context.Context, r *Raster, meta Metadata) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := jpeg.Encode(buf, r.RGBA(), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		releaseBuffer(buf)
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	meta.Format = OutputFormat
	meta.FileSizeBytes = buf.Len()
	return &Stream{buf: buf, meta: meta}, nil
}

// Metadata returns the record describing the encoded image.
func (s *Stream) Metadata() Metadata { return s.meta }

// Size returns the total encoded length in bytes.
func (s *Stream) Size() int { return s.meta.FileSizeBytes }

// Next returns the next chunk, or io.EOF once all bytes were handed out.
// The returned slice is only valid until Close.
func (s *Stream) Next() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	data := s.buf.Bytes()
	if s.off >= len(data) {
		return nil, io.EOF
	}
	end := min(s.off+ChunkSize, len(data))
	chunk := data[s.off:end]
	s.off = end
	return chunk, nil
}

// WriteTo drains the remaining chunks into w. It implements io.WriterTo.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Close releases the encoded bytes. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	releaseBuffer(s.buf)
	s.buf = nil
	return nil
}

func releaseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
