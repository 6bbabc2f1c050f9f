// Package pipeline sequences one upscale request: admission, scale-factor
// check, validation, decode, resample, sharpen and encode.
//
// Every failure is returned as an *apperr.Error and short-circuits the
// remaining stages. CPU-bound stages run under a weighted semaphore and a
// compute deadline; cancellation is checked between stages only.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ironsheep/image-upscaler/internal/apperr"
	"github.com/ironsheep/image-upscaler/internal/config"
	"github.com/ironsheep/image-upscaler/internal/imaging"
	"github.com/ironsheep/image-upscaler/internal/ratelimit"
	"github.com/ironsheep/image-upscaler/internal/validate"
)

// SelfTestSize is the edge length of the image encoded by SelfTest.
const SelfTestSize = 100

// Request is one upscale job.
type Request struct {
	// ScaleFactor is the raw form value; empty selects the default.
	ScaleFactor string
	Upload      validate.Upload
}

// Result owns the encoded output until Close.
type Result struct {
	Stream   *imaging.Stream
	Plan     imaging.ScalePlan
	Filename string
}

// Metadata returns the record sent ahead of the body.
func (r *Result) Metadata() imaging.Metadata { return r.Stream.Metadata() }

// Close releases the encoded bytes.
func (r *Result) Close() error { return r.Stream.Close() }

// Options configures a Pipeline. Limiter may be nil to disable admission
// control.
type Options struct {
	Limiter            ratelimit.Limiter
	Validator          *validate.Validator
	Resampler          imaging.Resampler
	Scale              config.ScaleCfg
	MaxOutputDimension int
	Timeout            time.Duration
	Workers            int
	Observer           Observer
	Clock              func() time.Time
}

// Pipeline is safe for concurrent use; it holds no per-request state.
type Pipeline struct {
	limiter   ratelimit.Limiter
	validator *validate.Validator
	resampler imaging.Resampler
	scale     config.ScaleCfg
	maxDim    int
	timeout   time.Duration
	workers   *semaphore.Weighted
	obs       Observer
	clock     func() time.Time
}

func New(opts Options) (*Pipeline, error) {
	if opts.Validator == nil {
		return nil, errors.New("pipeline: validator is required")
	}
	if opts.Resampler == nil {
		return nil, errors.New("pipeline: resampler is required")
	}
	if opts.Workers <= 0 || opts.Timeout <= 0 || opts.MaxOutputDimension <= 0 {
		return nil, fmt.Errorf("pipeline: workers (%d), timeout (%s) and max output dimension (%d) must be positive",
			opts.Workers, opts.Timeout, opts.MaxOutputDimension)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{
		limiter:   opts.Limiter,
		validator: opts.Validator,
		resampler: opts.Resampler,
		scale:     opts.Scale,
		maxDim:    opts.MaxOutputDimension,
		timeout:   opts.Timeout,
		workers:   semaphore.NewWeighted(int64(opts.Workers)),
		obs:       opts.Observer,
		clock:     opts.Clock,
	}, nil
}

// Resampler returns the configured resampler.
func (p *Pipeline) Resampler() imaging.Resampler { return p.resampler }

// Admit runs the rate-limit gate for clientID. It must be called before the
// request body is read. A denial is returned as a RateLimited error carrying
// RetryAfter alongside the decision.
//
// A limiter backend failure admits the request: losing rate limiting is
// preferable to rejecting every caller while the backend is down.
func (p *Pipeline) Admit(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	log := zerolog.Ctx(ctx)
	tr := newTracker(log, p.obs, Received)

	if p.limiter == nil {
		tr.enter(Admitted)
		return ratelimit.Decision{Allowed: true}, nil
	}

	d, err := p.limiter.Admit(ctx, clientID, p.clock())
	if err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("rate limiter unavailable, admitting request")
		tr.enter(Admitted)
		return ratelimit.Decision{Allowed: true}, nil
	}
	if !d.Allowed {
		tr.enter(Denied)
		return d, &apperr.Error{Reason: apperr.RateLimited, RetryAfter: d.RetryAfter}
	}
	tr.enter(Admitted)
	return d, nil
}

// ParseScale validates the raw scale_factor field.
func (p *Pipeline) ParseScale(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p.scale.Default, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, apperr.New(apperr.InvalidScaleFactor, "Scale factor must be a decimal number")
	}
	if f < p.scale.Min || f > p.scale.Max {
		return 0, apperr.New(apperr.InvalidScaleFactor,
			fmt.Sprintf("Scale factor must be between %g and %g", p.scale.Min, p.scale.Max))
	}
	return f, nil
}

// Process runs an admitted request through every stage. On success the
// caller owns the Result and must Close it.
func (p *Pipeline) Process(ctx context.Context, req Request) (res *Result, err error) {
	log := zerolog.Ctx(ctx)
	tr := newTracker(log, p.obs, Admitted)

	factor, err := p.ParseScale(req.ScaleFactor)
	if err != nil {
		tr.enter(Rejected)
		return nil, err
	}

	info, err := p.validator.Validate(req.Upload)
	if err != nil {
		tr.enter(Rejected)
		return nil, err
	}
	tr.enter(Validated)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.workers.Acquire(ctx, 1); err != nil {
		tr.enter(Failed)
		return nil, &apperr.Error{Reason: apperr.ProcessingTimeout, Detail: "Server is busy, try again later", Err: err}
	}
	defer p.workers.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("pipeline stage panicked")
			tr.enter(Failed)
			res, err = nil, apperr.Wrap(apperr.InternalProcessingError, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err = p.transform(ctx, tr, req.Upload, info, factor)
	if err != nil && !tr.state.Terminal() {
		tr.enter(Failed)
	}
	if res != nil {
		res.Filename = req.Upload.Filename
	}
	return res, err
}

// transform decodes, resamples, sharpens and encodes. Raster references are
// overwritten stage by stage so each buffer becomes collectable as soon as
// the next one exists.
func (p *Pipeline) transform(ctx context.Context, tr *tracker, up validate.Upload, info *imaging.ImageInfo, factor float64) (*Result, error) {
	plan, err := imaging.PlanScale(info.Width, info.Height, factor, p.maxDim)
	if err != nil {
		return nil, err
	}

	r, err := imaging.Decode(up.Data)
	if err != nil {
		tr.enter(DecodeFailed)
		return nil, apperr.Wrap(apperr.DecodeFailed, err)
	}
	tr.enter(Decoded)
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	r, err = p.resampler.Resample(ctx, r, plan.TargetWidth, plan.TargetHeight)
	if err != nil {
		return nil, stageError(ctx, "resample", err)
	}
	tr.enter(Resampled)
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	r = imaging.Sharpen(r)
	tr.enter(Sharpened)
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	stream, err := imaging.Encode(ctx, r, imaging.MetadataFromPlan(plan))
	if err != nil {
		return nil, stageError(ctx, "encode", err)
	}
	tr.enter(Encoded)

	zerolog.Ctx(ctx).Info().
		Int("original_width", plan.OriginalWidth).
		Int("original_height", plan.OriginalHeight).
		Int("width", plan.TargetWidth).
		Int("height", plan.TargetHeight).
		Float64("scale_factor", plan.EffectiveFactor).
		Bool("clamped", plan.Clamped).
		Int("bytes", stream.Size()).
		Msg("image processed")

	return &Result{Stream: stream, Plan: plan}, nil
}

// checkpoint converts an expired or canceled context into ProcessingTimeout.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.ProcessingTimeout, err)
	}
	return nil
}

func stageError(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.ProcessingTimeout, fmt.Errorf("%s: %w", stage, err))
	}
	return apperr.Wrap(apperr.InternalProcessingError, fmt.Errorf("%s: %w", stage, err))
}

// Sent records that the response body was fully written.
func (p *Pipeline) Sent(ctx context.Context) {
	newTracker(zerolog.Ctx(ctx), p.obs, Encoded).enter(Sent)
}

// SelfTest resamples, sharpens and encodes a small synthetic image.
func (p *Pipeline) SelfTest(ctx context.Context) error {
	src := imaging.NewRaster(SelfTestSize/2, SelfTestSize/2)
	for i := 0; i < len(src.Pix); i += imaging.Channels {
		src.Pix[i] = uint8(i)
		src.Pix[i+1] = uint8(i >> 8)
	}
	r, err := p.resampler.Resample(ctx, src, SelfTestSize, SelfTestSize)
	if err != nil {
		return fmt.Errorf("self-test resample failed: %w", err)
	}
	s, err := imaging.Encode(ctx, imaging.Sharpen(r), imaging.Metadata{})
	if err != nil {
		return fmt.Errorf("self-test encode failed: %w", err)
	}
	defer s.Close()
	if s.Size() == 0 {
		return errors.New("self-test produced no output")
	}
	return nil
}
