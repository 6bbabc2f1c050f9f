package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ironsheep/image-upscaler/internal/config"
	"github.com/ironsheep/image-upscaler/internal/pipeline"
	"github.com/ironsheep/image-upscaler/internal/ratelimit"
)

// ServiceName identifies the service in status responses.
const ServiceName = "image-upscaler"

// Options configures a Server. Metrics and KeyFunc are optional.
type Options struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Metrics  *Metrics
	KeyFunc  ratelimit.KeyFunc
	Version  string
	Logger   *zerolog.Logger
}

// Server is the HTTP surface of the upscaler.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	metrics  *Metrics
	keyFn    ratelimit.KeyFunc
	version  string
	log      zerolog.Logger
	handler  http.Handler
}

// New wires routes and middleware.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Pipeline == nil {
		return nil, errors.New("server: config and pipeline are required")
	}
	s := &Server{
		cfg:      opts.Config,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		keyFn:    opts.KeyFunc,
		version:  opts.Version,
		log:      log.Logger,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.keyFn == nil {
		s.keyFn = ratelimit.DefaultKeyFunc(opts.Config.RateLimit.TrustXForwardedFor)
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if s.version == "" {
		s.version = "dev"
	}

	router := mux.NewRouter()
	router.Use(s.metrics.middleware)
	router.HandleFunc(pathRoot, s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc(pathHealth, s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc(pathUpscale, s.handleUpscale).Methods(http.MethodPost)
	router.Handle(pathMetrics, s.metrics.Handler()).Methods(http.MethodGet)

	var h http.Handler = router
	h = s.recoverer(h)
	h = cors(opts.Config.CORS.AllowedOrigins)(h)
	h = securityHeaders(h)
	h = s.requestContext(h)
	s.handler = h
	return s, nil
}

// Handler returns the root handler including all middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// HTTPServer builds an http.Server with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	c := s.cfg.Server
	return &http.Server{
		Addr:              c.ListenAddr,
		Handler:           s.handler,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
	}
}
