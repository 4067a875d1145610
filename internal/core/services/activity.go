package services

import (
	"math"

	"mediasession/internal/core/domain"
)

// ActivityConfig tunes speaking detection and level smoothing.
type ActivityConfig struct {
	// Threshold is the mean byte energy above which a tick counts as loud.
	Threshold float64
	// HoldTicks is how many quiet ticks keep IsSpeaking true after the last
	// loud tick.
	HoldTicks int
	// NormalizationConstant maps energy to the 0..1 level target.
	NormalizationConstant float64
	// SmoothingFactor is the share of the gap to the target closed per tick.
	SmoothingFactor float64
	// BinStart and BinEnd restrict the energy mean to [BinStart, BinEnd).
	// BinEnd <= 0 means all bins.
	BinStart int
	BinEnd   int
}

func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		Threshold:             10,
		HoldTicks:             30,
		NormalizationConstant: 50,
		SmoothingFactor:       0.15,
	}
}

// ActivityTracker folds per-tick energy into an ActivityState. It is not
// safe for concurrent use; the owning monitor serialises calls.
type ActivityTracker struct {
	cfg   ActivityConfig
	state domain.ActivityState
}

func NewActivityTracker(cfg ActivityConfig) *ActivityTracker {
	return &ActivityTracker{cfg: cfg}
}

// Observe applies one sample tick.
func (t *ActivityTracker) Observe(energy float64) domain.ActivityState {
	if energy > t.cfg.Threshold {
		// the loud tick counts itself, then HoldTicks quiet ticks follow
		t.state.SpeakingHoldFrames = t.cfg.HoldTicks + 1
	} else if t.state.SpeakingHoldFrames > 0 {
		t.state.SpeakingHoldFrames--
	}
	t.state.IsSpeaking = t.state.SpeakingHoldFrames > 0

	target := LevelTarget(energy, t.cfg.NormalizationConstant)
	t.state.Level += (target - t.state.Level) * t.cfg.SmoothingFactor
	t.state.Level = clamp01(t.state.Level)

	return t.state
}

func (t *ActivityTracker) State() domain.ActivityState {
	return t.state
}

func (t *ActivityTracker) Reset() {
	t.state = domain.ActivityState{}
}

// MeanEnergy averages the configured bin range of a frequency snapshot.
func (t *ActivityTracker) MeanEnergy(bins []byte) float64 {
	return MeanEnergy(bins, t.cfg.BinStart, t.cfg.BinEnd)
}

// MeanEnergy is the arithmetic mean of bins[start:end]; end <= 0 or past
// the slice means the whole tail.
func MeanEnergy(bins []byte, start, end int) float64 {
	if end <= 0 || end > len(bins) {
		end = len(bins)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return 0
	}
	sum := 0
	for _, v := range bins[start:end] {
		sum += int(v)
	}
	return float64(sum) / float64(end-start)
}

func LevelTarget(energy, norm float64) float64 {
	if norm <= 0 || math.IsNaN(energy) {
		return 0
	}
	return clamp01(energy / norm)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
