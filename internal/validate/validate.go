// Package validate gates uploads before any pixel buffer is allocated.
//
// Checks run in a fixed order and the first failure wins:
//
//  1. payload size
//  2. declared content type
//  3. magic-byte sniff against the declared type
//  4. header decode and dimension bounds
//
// The validator never decodes pixels. A payload that passes here can still
// fail the full decode later; that is reported as DecodeFailed.
package validate

import (
	"fmt"
	"mime"
	"strings"

	"github.com/h2non/filetype"

	"github.com/ironsheep/image-upscaler/internal/apperr"
	"github.com/ironsheep/image-upscaler/internal/config"
	"github.com/ironsheep/image-upscaler/internal/imaging"
)

// sniffLen is how many leading bytes filetype needs to match any image type.
const sniffLen = 261

// Upload is a raw upload as received from the caller. It is owned by a
// single request.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Size returns the payload length in bytes.
func (u Upload) Size() int64 { return int64(len(u.Data)) }

// Limits bounds what the validator accepts.
type Limits struct {
	MaxUploadBytes    int64
	MaxInputDimension int
	MaxInputPixels    int64
}

// LimitsFromConfig copies the input limits out of the service configuration.
func LimitsFromConfig(c config.LimitsCfg) Limits {
	return Limits{
		MaxUploadBytes:    c.MaxUploadBytes,
		MaxInputDimension: c.MaxInputDimension,
		MaxInputPixels:    c.MaxInputPixels,
	}
}

// HeaderDecoder reads image dimensions without decoding pixels.
type HeaderDecoder func(data []byte) (*imaging.ImageInfo, error)

// Option configures a Validator.
type Option func(*Validator)

// WithHeaderDecoder replaces imaging.DecodeInfo.
func WithHeaderDecoder(fn HeaderDecoder) Option {
	return func(v *Validator) { v.decodeInfo = fn }
}

// Validator checks uploads. It is stateless and safe for concurrent use.
type Validator struct {
	limits     Limits
	decodeInfo HeaderDecoder
}

// New creates a Validator with the given limits.
func New(limits Limits, opts ...Option) *Validator {
	v := &Validator{limits: limits, decodeInfo: imaging.DecodeInfo}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limits returns the limits the validator enforces.
func (v *Validator) Limits() Limits { return v.limits }

// Validate runs every check against u and returns the decoded header on
// success. Failures are *apperr.Error values.
func (v *Validator) Validate(u Upload) (*imaging.ImageInfo, error) {
	if u.Size() > v.limits.MaxUploadBytes {
		return nil, apperr.New(apperr.PayloadTooLarge,
			fmt.Sprintf("File too large. Maximum size: %dMB", v.limits.MaxUploadBytes/config.MiB))
	}

	declared, ok := DeclaredFormat(u.ContentType)
	if !ok {
		return nil, apperr.New(apperr.UnsupportedType,
			fmt.Sprintf("Unsupported file format %q. Allowed: image/jpeg, image/png, image/webp", u.ContentType))
	}

	sniffed, err := sniff(u.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.ContentTypeMismatch, err)
	}
	if sniffed != declared {
		return nil, &apperr.Error{
			Reason: apperr.ContentTypeMismatch,
			Detail: fmt.Sprintf("File content is %s but was declared as %s", sniffed.MIMEType(), declared.MIMEType()),
		}
	}

	info, err := v.decodeInfo(u.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.CorruptImage, err)
	}
	if err := v.checkBounds(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (v *Validator) checkBounds(info *imaging.ImageInfo) error {
	if info.Width <= 0 || info.Height <= 0 {
		return apperr.New(apperr.CorruptImage, "Image has empty dimensions")
	}
	if info.Width > v.limits.MaxInputDimension || info.Height > v.limits.MaxInputDimension {
		return apperr.New(apperr.CorruptImage,
			fmt.Sprintf("Image dimensions %dx%d exceed the %d pixel limit", info.Width, info.Height, v.limits.MaxInputDimension))
	}
	if info.Pixels() > v.limits.MaxInputPixels {
		return apperr.New(apperr.CorruptImage,
			fmt.Sprintf("Image has %d pixels, limit is %d", info.Pixels(), v.limits.MaxInputPixels))
	}
	return nil
}

// DeclaredFormat maps a declared content type to a supported format.
// Parameters are ignored and image/jpg is accepted as an alias.
func DeclaredFormat(contentType string) (imaging.Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}
	switch mediaType {
	case "image/jpeg", "image/jpg":
		return imaging.FormatJPEG, true
	case "image/png":
		return imaging.FormatPNG, true
	case "image/webp":
		return imaging.FormatWebP, true
	}
	return "", false
}

func sniff(data []byte) (imaging.Format, error) {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if !filetype.IsImage(head) {
		return "", fmt.Errorf("unknown image signature")
	}
	t, err := filetype.Match(head)
	if err != nil {
		return "", fmt.Errorf("could not match file signature: %w", err)
	}
	switch t.MIME.Value {
	case "image/jpeg":
		return imaging.FormatJPEG, nil
	case "image/png":
		return imaging.FormatPNG, nil
	case "image/webp":
		return imaging.FormatWebP, nil
	}
	return "", fmt.Errorf("signature is %s", t.MIME.Value)
}
