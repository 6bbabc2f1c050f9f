package server

import (
	"net/http"

	"github.com/ironsheep/image-upscaler/internal/config"
)

// Field describes one multipart form field of an endpoint.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Endpoint describes one public route. The list is served by GET / so
// clients can discover the API.
type Endpoint struct {
	Method      string  `json:"method"`
	Path        string  `json:"path"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields,omitempty"`
}

const (
	pathRoot    = "/"
	pathHealth  = "/health"
	pathUpscale = "/upscale"
	pathMetrics = "/metrics"
)

// EndpointDefinitions returns every public route with limits taken from cfg.
func EndpointDefinitions(cfg *config.Config) []Endpoint {
	return []Endpoint{
		{
			Method:      http.MethodGet,
			Path:        pathRoot,
			Description: "Service status, limits and endpoint list.",
		},
		{
			Method:      http.MethodGet,
			Path:        pathHealth,
			Description: "Health check. Runs a small resample and encode to verify processing works.",
		},
		{
			Method:      http.MethodPost,
			Path:        pathUpscale,
			Description: "Upscale an image. Returns a JPEG with processing metadata in the X-Image-Metadata header.",
			Fields: []Field{
				{
					Name:        "file",
					Type:        "binary",
					Description: "JPEG, PNG or WebP image; the part's Content-Type must match the file content",
					Required:    true,
				},
				{
					Name:        "scale_factor",
					Type:        "number",
					Description: "Enlargement factor within the allowed range; reduced automatically when the output would exceed the maximum dimension",
					Default:     cfg.Scale.Default,
				},
			},
		},
		{
			Method:      http.MethodGet,
			Path:        pathMetrics,
			Description: "Prometheus metrics.",
		},
	}
}
