package imaging

import (
	"math"

	"github.com/ironsheep/image-upscaler/internal/apperr"
)

// ScalePlan is the resolved output geometry for one request.
type ScalePlan struct {
	OriginalWidth  int
	OriginalHeight int

	// TargetWidth and TargetHeight never exceed the configured maximum.
	TargetWidth  int
	TargetHeight int

	// RequestedFactor is the factor the caller asked for.
	RequestedFactor float64

	// EffectiveFactor is the factor actually applied. It is lower than
	// RequestedFactor only when Clamped is true.
	EffectiveFactor float64

	// Clamped reports that the requested factor would have exceeded maxDim.
	Clamped bool
}

// PlanScale computes target dimensions as round(dim*factor). When either
// axis would exceed maxDim, the factor is reduced to min(maxDim/w, maxDim/h)
// so both axes fit, preserving aspect ratio.
//
// Returns a ResourceExceeded error when no valid target exists, e.g. a very
// thin strip whose short side would round to zero after clamping.
func PlanScale(width, height int, factor float64, maxDim int) (ScalePlan, error) {
	plan := ScalePlan{
		OriginalWidth:   width,
		OriginalHeight:  height,
		RequestedFactor: factor,
		EffectiveFactor: factor,
	}
	if width <= 0 || height <= 0 || maxDim <= 0 || !(factor > 0) || math.IsInf(factor, 0) {
		return plan, apperr.New(apperr.ResourceExceeded, "Invalid image dimensions or scale factor")
	}

	plan.TargetWidth = roundDim(float64(width) * factor)
	plan.TargetHeight = roundDim(float64(height) * factor)

	if plan.TargetWidth > maxDim || plan.TargetHeight > maxDim {
		eff := math.Min(float64(maxDim)/float64(width), float64(maxDim)/float64(height))
		plan.EffectiveFactor = math.Min(eff, factor)
		plan.Clamped = true
		plan.TargetWidth = min(roundDim(float64(width)*plan.EffectiveFactor), maxDim)
		plan.TargetHeight = min(roundDim(float64(height)*plan.EffectiveFactor), maxDim)
	}

	if plan.TargetWidth < 1 || plan.TargetHeight < 1 ||
		plan.TargetWidth > maxDim || plan.TargetHeight > maxDim {
		return plan, apperr.New(apperr.ResourceExceeded, "Requested output exceeds processing limits")
	}
	return plan, nil
}

func roundDim(v float64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Round(v))
}
