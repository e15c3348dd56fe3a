// Package simulate provides synthetic examinees that answer items from their
// model probabilities.
package simulate

import (
	"context"
	"math/rand/v2"

	"github.com/pbaille/chccat/internal/domain"
)

// Examinee answers every item at a fixed true ability. Runs with the same
// seed produce the same answers.
type Examinee struct {
	Theta map[domain.Domain]float64
	// Shift raises the difficulty of individual items for this examinee,
	// which is how simulated runs plant DIF.
	Shift map[string]float64
	rng   *rand.Rand
}

// NewExaminee draws answers at theta in every domain.
func NewExaminee(theta float64, seed uint64) *Examinee {
	e := &Examinee{
		Theta: make(map[domain.Domain]float64, len(domain.Domains)),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for _, d := range domain.Domains {
		e.Theta[d] = theta
	}
	return e
}

// Profile gives each domain its own true ability, drawn around g with the
// given spread. It stands in for an examinee with an uneven profile.
func Profile(g, spread float64, seed uint64) *Examinee {
	e := NewExaminee(g, seed)
	for _, d := range domain.Domains {
		e.Theta[d] = g + spread*e.rng.NormFloat64()
	}
	return e
}

// Respond scores it as correct with the model probability at the true theta.
func (e *Examinee) Respond(ctx context.Context, it domain.Item) (domain.Response, error) {
	if err := ctx.Err(); err != nil {
		return domain.Response{}, err
	}
	var x float64
	if e.rng.Float64() < it.Params.Prob(e.Theta[it.Domain]-e.Shift[it.ID]) {
		x = 1
	}
	return domain.Response{
		ItemID: it.ID,
		X:      x,
		RTMs:   1500 + e.rng.Int64N(7500),
	}, nil
}

// Population draws n true abilities from N(mean, sd).
func Population(n int, mean, sd float64, seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + sd*rng.NormFloat64()
	}
	return out
}
