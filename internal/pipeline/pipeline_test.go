package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/image-upscaler/internal/apperr"
	"github.com/ironsheep/image-upscaler/internal/config"
	"github.com/ironsheep/image-upscaler/internal/imaging"
	"github.com/ironsheep/image-upscaler/internal/ratelimit"
	"github.com/ironsheep/image-upscaler/internal/validate"
)

type transition struct{ from, to State }

type recordingObserver struct {
	mu    sync.Mutex
	steps []transition
}

func (o *recordingObserver) ObserveTransition(from, to State, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, transition{from, to})
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.steps))
	for i, s := range o.steps {
		out[i] = s.to
	}
	return out
}

// stubResampler lets tests block or fail the resample stage.
type stubResampler struct {
	fn func(ctx context.Context, src *imaging.Raster, w, h int) (*imaging.Raster, error)
}

func (s stubResampler) Name() string { return "stub" }

func (s stubResampler) Resample(ctx context.Context, src *imaging.Raster, w, h int) (*imaging.Raster, error) {
	return s.fn(ctx, src, w, h)
}

type failingLimiter struct{}

func (failingLimiter) Admit(context.Context, string, time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("connection refused")
}

func testOptions(t *testing.T) Options {
	t.Helper()
	cfg := config.Default()
	return Options{
		Validator:          validate.New(validate.LimitsFromConfig(cfg.Limits)),
		Resampler:          imaging.NewBicubic(),
		Scale:              cfg.Scale,
		MaxOutputDimension: cfg.Limits.MaxOutputDimension,
		Timeout:            cfg.Processing.Timeout,
		Workers:            2,
	}
}

func newTestPipeline(t *testing.T, modify func(*Options)) *Pipeline {
	t.Helper()
	opts := testOptions(t)
	if modify != nil {
		modify(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func uniformImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 90, 140, 200, 255
	}
	return img
}

func noiseImage(w, h int) image.Image {
	rng := rand.New(rand.NewSource(11))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	return img
}

func pngUpload(t *testing.T, img image.Image) validate.Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return validate.Upload{Data: buf.Bytes(), ContentType: "image/png", Filename: "photo.png"}
}

func reasonOf(t *testing.T, err error) apperr.Reason {
	t.Helper()
	var e *apperr.Error
	require.True(t, errors.As(err, &e), "expected *apperr.Error, got %T: %v", err, err)
	return e.Reason
}

func decodeResult(t *testing.T, res *Result) image.Image {
	t.Helper()
	var buf bytes.Buffer
	_, err := res.Stream.WriteTo(&buf)
	require.NoError(t, err)
	img, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	return img
}

func TestProcess_Success(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPipeline(t, func(o *Options) { o.Observer = obs })

	res, err := p.Process(context.Background(), Request{ScaleFactor: "2.5", Upload: pngUpload(t, noiseImage(40, 20))})
	require.NoError(t, err)
	defer res.Close()

	meta := res.Metadata()
	assert.Equal(t, imaging.Size{Width: 40, Height: 20}, meta.OriginalSize)
	assert.Equal(t, imaging.Size{Width: 100, Height: 50}, meta.ProcessedSize)
	assert.Equal(t, 2.5, meta.ScaleFactor)
	assert.Equal(t, 2.5, meta.RequestedScaleFactor)
	assert.False(t, meta.Clamped)
	assert.Equal(t, "JPEG", meta.Format)
	assert.Equal(t, res.Stream.Size(), meta.FileSizeBytes)
	assert.Equal(t, "photo.png", res.Filename)

	img := decodeResult(t, res)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())

	assert.Equal(t, []State{Validated, Decoded, Resampled, Sharpened, Encoded}, obs.states())
}

func TestProcess_DefaultScale(t *testing.T) {
	p := newTestPipeline(t, nil)

	res, err := p.Process(context.Background(), Request{Upload: pngUpload(t, uniformImage(10, 6))})
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, imaging.Size{Width: 20, Height: 12}, res.Metadata().ProcessedSize)
	assert.Equal(t, 2.0, res.Metadata().RequestedScaleFactor)
}

func TestProcess_LargeBoundaries(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates multi-megapixel rasters")
	}

	tests := []struct {
		name      string
		w, h      int
		wantW     int
		wantH     int
		clamped   bool
		effective float64
	}{
		{"exactly at the ceiling", 2000, 1000, 4000, 2000, false, 2.0},
		{"clamped square", 3000, 3000, 4000, 4000, true, 4000.0 / 3000.0},
	}

	p := newTestPipeline(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Process(context.Background(), Request{ScaleFactor: "2.0", Upload: pngUpload(t, uniformImage(tt.w, tt.h))})
			require.NoError(t, err)
			defer res.Close()

			meta := res.Metadata()
			assert.Equal(t, imaging.Size{Width: tt.wantW, Height: tt.wantH}, meta.ProcessedSize)
			assert.Equal(t, tt.clamped, meta.Clamped)
			assert.InDelta(t, tt.effective, meta.ScaleFactor, 1e-9)
			assert.Equal(t, 2.0, meta.RequestedScaleFactor)
		})
	}
}

func TestProcess_InvalidScaleFactorBeforeImageAccess(t *testing.T) {
	calls := 0
	p := newTestPipeline(t, func(o *Options) {
		o.Validator = validate.New(validate.LimitsFromConfig(config.Default().Limits),
			validate.WithHeaderDecoder(func(data []byte) (*imaging.ImageInfo, error) {
				calls++
				return imaging.DecodeInfo(data)
			}))
	})

	for _, raw := range []string{"5.0", "1.4", "4.01", "0", "-2", "abc", "NaN", "Inf", "2,5"} {
		t.Run(raw, func(t *testing.T) {
			// an oversized payload would be rejected by validation if it ran first
			up := validate.Upload{Data: make([]byte, 11<<20), ContentType: "image/png"}
			_, err := p.Process(context.Background(), Request{ScaleFactor: raw, Upload: up})
			assert.Equal(t, apperr.InvalidScaleFactor, reasonOf(t, err))
		})
	}
	assert.Zero(t, calls)
}

func TestParseScale(t *testing.T) {
	p := newTestPipeline(t, nil)

	for raw, want := range map[string]float64{"": 2.0, " ": 2.0, "1.5": 1.5, "4": 4.0, " 3.25 ": 3.25} {
		got, err := p.ParseScale(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestProcess_Rejections(t *testing.T) {
	p := newTestPipeline(t, nil)
	valid := pngUpload(t, uniformImage(8, 8))

	tests := []struct {
		name   string
		upload validate.Upload
		want   apperr.Reason
	}{
		{"too large", validate.Upload{Data: make([]byte, 11<<20), ContentType: "image/png"}, apperr.PayloadTooLarge},
		{"png declared as jpeg", validate.Upload{Data: valid.Data, ContentType: "image/jpeg"}, apperr.ContentTypeMismatch},
		{"gif", validate.Upload{Data: valid.Data, ContentType: "image/gif"}, apperr.UnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			p.obs = obs
			_, err := p.Process(context.Background(), Request{Upload: tt.upload})
			assert.Equal(t, tt.want, reasonOf(t, err))
			assert.Equal(t, []State{Rejected}, obs.states())
		})
	}
}

func TestProcess_DecodeFailed(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPipeline(t, func(o *Options) { o.Observer = obs })

	// header intact, pixel data cut short
	up := pngUpload(t, noiseImage(64, 64))
	up.Data = up.Data[:len(up.Data)*6/10]

	_, err := p.Process(context.Background(), Request{Upload: up})
	assert.Equal(t, apperr.DecodeFailed, reasonOf(t, err))
	assert.Equal(t, 422, apperr.From(err).Reason.Status())
	assert.Equal(t, []State{Validated, DecodeFailed}, obs.states())
}

func TestProcess_ResamplerErrorIsInternal(t *testing.T) {
	p := newTestPipeline(t, func(o *Options) {
		o.Resampler = stubResampler{fn: func(context.Context, *imaging.Raster, int, int) (*imaging.Raster, error) {
			return nil, errors.New("/tmp/secret/path exploded")
		}}
	})

	_, err := p.Process(context.Background(), Request{Upload: pngUpload(t, uniformImage(8, 8))})
	e := apperr.From(err)
	assert.Equal(t, apperr.InternalProcessingError, e.Reason)
	assert.NotContains(t, e.PublicDetail(), "secret")
}

func TestProcess_PanicRecovered(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPipeline(t, func(o *Options) {
		o.Observer = obs
		o.Resampler = stubResampler{fn: func(context.Context, *imaging.Raster, int, int) (*imaging.Raster, error) {
			panic("index out of range")
		}}
	})

	res, err := p.Process(context.Background(), Request{Upload: pngUpload(t, uniformImage(8, 8))})
	assert.Nil(t, res)
	assert.Equal(t, apperr.InternalProcessingError, reasonOf(t, err))
	assert.Equal(t, Failed, obs.states()[len(obs.states())-1])

	// the worker slot was released
	p.resampler = imaging.NewBicubic()
	res, err = p.Process(context.Background(), Request{Upload: pngUpload(t, uniformImage(8, 8))})
	require.NoError(t, err)
	res.Close()
}

func TestProcess_Timeout(t *testing.T) {
	p := newTestPipeline(t, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.Resampler = stubResampler{fn: func(ctx context.Context, src *imaging.Raster, w, h int) (*imaging.Raster, error) {
			<-ctx.Done()
			return imaging.NewRaster(w, h), nil
		}}
	})

	_, err := p.Process(context.Background(), Request{Upload: pngUpload(t, uniformImage(8, 8))})
	assert.Equal(t, apperr.ProcessingTimeout, reasonOf(t, err))
	assert.Equal(t, 503, apperr.From(err).Reason.Status())
}

func TestProcess_WaitsForWorkerWithinTimeout(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	p := newTestPipeline(t, func(o *Options) {
		o.Workers = 1
		o.Timeout = 50 * time.Millisecond
		o.Resampler = stubResampler{fn: func(ctx context.Context, src *imaging.Raster, w, h int) (*imaging.Raster, error) {
			entered <- struct{}{}
			<-release
			return imaging.NewRaster(w, h), nil
		}}
	})

	up := pngUpload(t, uniformImage(8, 8))
	done := make(chan error, 1)
	go func() {
		res, err := p.Process(context.Background(), Request{Upload: up})
		if res != nil {
			res.Close()
		}
		done <- err
	}()
	<-entered

	// the only worker is busy for longer than the timeout
	_, err := p.Process(context.Background(), Request{Upload: up})
	assert.Equal(t, apperr.ProcessingTimeout, reasonOf(t, err))

	close(release)
	<-done
}

func TestProcess_CanceledContext(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, Request{Upload: pngUpload(t, uniformImage(8, 8))})
	assert.Equal(t, apperr.ProcessingTimeout, reasonOf(t, err))
}

func TestAdmit(t *testing.T) {
	t.Run("no limiter", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		d, err := p.Admit(context.Background(), "c")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("eleventh request denied", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		obs := &recordingObserver{}
		p := newTestPipeline(t, func(o *Options) {
			o.Limiter = ratelimit.NewMemoryStore(10, time.Minute)
			o.Clock = func() time.Time { return now }
			o.Observer = obs
		})

		for i := 0; i < 10; i++ {
			_, err := p.Admit(context.Background(), "1.2.3.4")
			require.NoError(t, err)
		}
		d, err := p.Admit(context.Background(), "1.2.3.4")
		require.Error(t, err)
		assert.False(t, d.Allowed)

		e := apperr.From(err)
		assert.Equal(t, apperr.RateLimited, e.Reason)
		assert.Equal(t, 429, e.Reason.Status())
		assert.Equal(t, time.Minute, e.RetryAfter)

		states := obs.states()
		assert.Equal(t, Denied, states[len(states)-1])

		// another client is unaffected
		_, err = p.Admit(context.Background(), "5.6.7.8")
		assert.NoError(t, err)
	})

	t.Run("limiter failure admits", func(t *testing.T) {
		p := newTestPipeline(t, func(o *Options) { o.Limiter = failingLimiter{} })
		d, err := p.Admit(context.Background(), "c")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestSelfTest(t *testing.T) {
	for _, name := range imaging.ResamplerNames() {
		t.Run(name, func(t *testing.T) {
			r, err := imaging.NewResampler(name)
			require.NoError(t, err)
			p := newTestPipeline(t, func(o *Options) { o.Resampler = r })
			assert.NoError(t, p.SelfTest(context.Background()))
		})
	}
}

func TestNew_Errors(t *testing.T) {
	opts := testOptions(t)
	opts.Validator = nil
	_, err := New(opts)
	assert.Error(t, err)

	opts = testOptions(t)
	opts.Workers = 0
	_, err = New(opts)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "decode_failed", DecodeFailed.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Sent.Terminal())
	assert.False(t, Resampled.Terminal())
}
