// Package irt estimates latent ability from scored responses.
package irt

import (
	"fmt"
	"math"

	"github.com/pbaille/chccat/internal/domain"
)

// Epsilon bounds every response probability away from 0 and 1.
const Epsilon = 1e-9

// Observation is one scored response with the parameters of its item.
type Observation struct {
	Params domain.Params
	X      float64
}

// Estimator computes expected-a-posteriori ability over a fixed grid.
// It holds no mutable state and is safe for concurrent use.
type Estimator struct {
	grid []float64
}

// NewEstimator builds the grid min, min+step, ... up to and including max
// when step divides the range.
func NewEstimator(min, max, step float64) (*Estimator, error) {
	if step <= 0 || math.IsNaN(step) {
		return nil, fmt.Errorf("grid step must be positive, got %v", step)
	}
	if !(min < max) {
		return nil, fmt.Errorf("grid min %v must be below max %v", min, max)
	}

	// the last point never passes max when step does not divide the range
	n := int(math.Floor((max-min)/step+1e-9)) + 1
	grid := make([]float64, n)
	for i := range grid {
		// multiply instead of accumulate so points don't drift
		grid[i] = min + float64(i)*step
	}
	return &Estimator{grid: grid}, nil
}

// Grid returns a copy of the quadrature points.
func (e *Estimator) Grid() []float64 {
	return append([]float64(nil), e.grid...)
}

// Estimate returns the posterior mean and posterior standard deviation.
// With no observations it returns the prior unchanged.
func (e *Estimator) Estimate(obs []Observation, priorMean, priorSD float64) (theta, se float64) {
	if len(obs) == 0 {
		return priorMean, priorSD
	}

	logw := make([]float64, len(e.grid))
	peak := math.Inf(-1)
	for i, t := range e.grid {
		z := (t - priorMean) / priorSD
		lw := -0.5 * z * z
		for _, o := range obs {
			p := clamp(o.Params.Prob(t))
			lw += o.X*math.Log(p) + (1-o.X)*math.Log(1-p)
		}
		logw[i] = lw
		if lw > peak {
			peak = lw
		}
	}

	var sum, mean float64
	w := make([]float64, len(logw))
	for i, lw := range logw {
		w[i] = math.Exp(lw - peak)
		sum += w[i]
		mean += w[i] * e.grid[i]
	}
	mean /= sum

	var variance float64
	for i, t := range e.grid {
		d := t - mean
		variance += w[i] * d * d
	}
	variance /= sum

	return mean, math.Sqrt(math.Max(variance, 0))
}

func clamp(p float64) float64 {
	return math.Min(math.Max(p, Epsilon), 1-Epsilon)
}
