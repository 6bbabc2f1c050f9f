// Package server implements the HTTP surface of the image upscaler.
//
// # Routes
//
//   - GET /: service status, limits and the endpoint list
//   - GET /health: runs a small resample and encode; 503 when it fails
//   - POST /upscale: multipart upload, returns the enlarged image as JPEG
//   - GET /metrics: Prometheus metrics
//
// Only /upscale is rate limited. The client is admitted before any of the
// body is read, so a denied request costs no parsing or buffering.
//
// # Responses
//
// A successful upscale streams the JPEG with these headers:
//
//	Content-Type: image/jpeg
//	Content-Disposition: attachment; filename=upscaled_<name>.jpg
//	X-Image-Metadata: {"original_size":{"width":w,"height":h},...}
//	X-Original-Filename, X-Processing-Status: success
//	X-RateLimit-Limit, X-RateLimit-Remaining
//
// Every failure is a JSON body {"error_code": ..., "detail": ...} with the
// status of its reason. Internal causes are logged with the request ID and
// never sent to the client. A 429 also carries Retry-After in seconds.
//
// # Middleware
//
// From the outside in: request ID and request-scoped logger, security
// headers, CORS, panic recovery, then the router with per-route metrics.
package server
