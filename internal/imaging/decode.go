package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder

	_ "golang.org/x/image/webp" // Register WebP format decoder
)

// ImageInfo describes an encoded image without decoding its pixels.
type ImageInfo struct {
	// Width is the image width in pixels.
	Width int `json:"width"`

	// Height is the image height in pixels.
	Height int `json:"height"`

	// Format is the encoding reported by the registered decoder.
	Format Format `json:"format"`

	// SizeBytes is the length of the encoded payload.
	SizeBytes int `json:"size_bytes"`
}

// Pixels returns Width*Height as int64 so large headers cannot overflow.
func (i ImageInfo) Pixels() int64 {
	return int64(i.Width) * int64(i.Height)
}

// DecodeInfo reads only the image header.
//
// This is cheap compared to Decode and is used to reject oversized or
// malformed images before any pixel buffer is allocated.
func DecodeInfo(data []byte) (*ImageInfo, error) {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}
	format, err := parseFormat(name)
	if err != nil {
		return nil, err
	}
	return &ImageInfo{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
		SizeBytes: len(data),
	}, nil
}

// Decode fully decodes data into an opaque Raster.
//
// # Errors
//
//   - Returns error if the payload is not a JPEG, PNG or WebP image
//   - Returns error if the pixel data is truncated or corrupt
func Decode(data []byte) (*Raster, error) {
	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	format, err := parseFormat(name)
	if err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("decoded image has empty bounds %v", b)
	}
	return FromImage(img, format), nil
}

func parseFormat(name string) (Format, error) {
	switch name {
	case "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	}
	return "", fmt.Errorf("unsupported image format %q", name)
}
