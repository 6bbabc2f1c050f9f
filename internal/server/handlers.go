package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironsheep/image-upscaler/internal/apperr"
	"github.com/ironsheep/image-upscaler/internal/config"
	"github.com/ironsheep/image-upscaler/internal/pipeline"
	"github.com/ironsheep/image-upscaler/internal/ratelimit"
	"github.com/ironsheep/image-upscaler/internal/validate"
)

const (
	headerImageMetadata      = "X-Image-Metadata"
	headerOriginalFilename   = "X-Original-Filename"
	headerProcessingStatus   = "X-Processing-Status"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"

	formFieldFile  = "file"
	formFieldScale = "scale_factor"

	// multipartOverhead bounds the non-file bytes of an upload request.
	multipartOverhead = 1 << 20
	maxScaleFieldLen  = 64

	healthTimeout = 10 * time.Second
)

var supportedFormats = []string{"JPEG", "PNG", "WebP"}

// errorBody is the JSON body of every failure response.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
}

type scaleRange struct {
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

type rootResponse struct {
	Message          string     `json:"message"`
	Version          string     `json:"version"`
	Endpoints        []Endpoint `json:"endpoints"`
	MaxFileSizeMB    int64      `json:"max_file_size_mb"`
	MaxOutputDim     int        `json:"max_output_dimension"`
	SupportedFormats []string   `json:"supported_formats"`
	ScaleFactor      scaleRange `json:"scale_factor"`
}

type healthResponse struct {
	Status               string   `json:"status"`
	Service              string   `json:"service"`
	Version              string   `json:"version"`
	ProcessingCapability bool     `json:"processing_capability"`
	MaxFileSizeMB        int64    `json:"max_file_size_mb"`
	SupportedFormats     []string `json:"supported_formats"`
	Resampler            string   `json:"resampler"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, rootResponse{
		Message:          "Image Upscaler API",
		Version:          s.version,
		Endpoints:        EndpointDefinitions(s.cfg),
		MaxFileSizeMB:    s.cfg.Limits.MaxUploadBytes / config.MiB,
		MaxOutputDim:     s.cfg.Limits.MaxOutputDimension,
		SupportedFormats: supportedFormats,
		ScaleFactor:      scaleRange(s.cfg.Scale),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:               "healthy",
		Service:              ServiceName,
		Version:              s.version,
		ProcessingCapability: true,
		MaxFileSizeMB:        s.cfg.Limits.MaxUploadBytes / config.MiB,
		SupportedFormats:     supportedFormats,
		Resampler:            s.pipeline.Resampler().Name(),
	}
	status := http.StatusOK
	if err := s.pipeline.SelfTest(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("health self-test failed")
		resp.Status = "unhealthy"
		resp.ProcessingCapability = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// handleUpscale admits the client before touching the body, then parses the
// upload, runs the pipeline and streams the encoded result.
func (s *Server) handleUpscale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	d, err := s.pipeline.Admit(ctx, s.keyFn(r))
	setRateLimitHeaders(w, d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Limits.MaxUploadBytes+multipartOverhead)
	req, err := readUpload(r, s.cfg.Limits.MaxUploadBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.pipeline.Process(ctx, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer res.Close()

	meta, err := json.Marshal(res.Metadata())
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.InternalProcessingError, err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(res.Stream.Size()))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", outputFilename(res.Filename)))
	h.Set(headerOriginalFilename, headerSafe(res.Filename))
	h.Set(headerProcessingStatus, "success")
	h.Set(headerImageMetadata, string(meta))
	w.WriteHeader(http.StatusOK)

	if _, err := res.Stream.WriteTo(w); err != nil {
		log.Warn().Err(err).Msg("client went away while streaming")
		return
	}
	s.metrics.observeOutput(res.Stream.Size())
	s.pipeline.Sent(ctx)
}

// readUpload reads the multipart body. The file part is read through a
// limit of maxFile+1 bytes so an oversized upload is detected without
// buffering it whole.
func readUpload(r *http.Request, maxFile int64) (pipeline.Request, error) {
	var req pipeline.Request

	mr, err := r.MultipartReader()
	if err != nil {
		return req, &apperr.Error{Reason: apperr.InvalidRequest, Detail: "Expected a multipart/form-data upload", Err: err}
	}

	haveFile := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, bodyError(err)
		}

		switch part.FormName() {
		case formFieldFile:
			if haveFile {
				return req, apperr.New(apperr.InvalidRequest, "Only one file may be uploaded")
			}
			data, err := io.ReadAll(io.LimitReader(part, maxFile+1))
			if err != nil {
				return req, bodyError(err)
			}
			req.Upload = validate.Upload{
				Data:        data,
				ContentType: part.Header.Get("Content-Type"),
				Filename:    part.FileName(),
			}
			haveFile = true
		case formFieldScale:
			v, err := io.ReadAll(io.LimitReader(part, maxScaleFieldLen))
			if err != nil {
				return req, bodyError(err)
			}
			req.ScaleFactor = string(v)
		}
		part.Close()
	}

	if !haveFile {
		return req, apperr.New(apperr.InvalidRequest, "No file uploaded")
	}
	return req, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Wrap(apperr.PayloadTooLarge, err)
	}
	return &apperr.Error{Reason: apperr.InvalidRequest, Detail: "Malformed multipart body", Err: err}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set(headerRateLimitLimit, strconv.Itoa(d.Limit))
	w.Header().Set(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
}

// writeError maps err onto its status and JSON body. The wrapped cause is
// logged, never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	log := zerolog.Ctx(r.Context())

	var ev *zerolog.Event
	switch {
	case e.Reason == apperr.RateLimited:
		ev = log.Info()
	case e.Reason.CallerError():
		ev = log.Warn()
	default:
		ev = log.Error()
	}
	ev.Err(e.Err).Str("error_code", e.Reason.Code()).Str("detail", e.PublicDetail()).Msg("request failed")

	if e.Reason == apperr.RateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	s.metrics.observeError(e.Reason.Code())
	writeJSON(w, r, e.Reason.Status(), errorBody{ErrorCode: e.Reason.Code(), Detail: e.PublicDetail()})
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("failed to write response")
	}
}

// outputFilename derives "upscaled_<base>.jpg" from the uploaded name.
func outputFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		}
		return '_'
	}, base)
	if base == "" || base == "." {
		base = "image"
	}
	return "upscaled_" + base + ".jpg"
}

// headerSafe drops characters that cannot appear in a header value.
func headerSafe(s string) string {
	return strings.Map(func(c rune) rune {
		if c < 0x20 || c == 0x7f || c > 0x7e {
			return -1
		}
		return c
	}, s)
}
