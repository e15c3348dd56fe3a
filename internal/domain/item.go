package domain

import (
	"encoding/json"
	"math"
)

// Model names the item response model of an item
type Model string

const (
	Model2PL Model = "2PL"
	Model3PL Model = "3PL"
)

// Params are the calibrated parameters of one item response model
type Params interface {
	Model() Model
	Difficulty() float64
	// Prob is the probability of a correct response at ability theta.
	Prob(theta float64) float64
}

// TwoPL is the two-parameter logistic model
type TwoPL struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (p TwoPL) Model() Model        { return Model2PL }
func (p TwoPL) Difficulty() float64 { return p.B }

func (p TwoPL) Prob(theta float64) float64 {
	return logistic(p.A * (theta - p.B))
}

// ThreePL is the three-parameter logistic model with a guessing floor C
type ThreePL struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

func (p ThreePL) Model() Model        { return Model3PL }
func (p ThreePL) Difficulty() float64 { return p.B }

func (p ThreePL) Prob(theta float64) float64 {
	return p.C + (1-p.C)*logistic(p.A*(theta-p.B))
}

func logistic(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Discrimination returns the a parameter of either model
func Discrimination(p Params) float64 {
	switch v := p.(type) {
	case TwoPL:
		return v.A
	case ThreePL:
		return v.A
	}
	return 0
}

// Guessing returns the c parameter, or nil for models without one
func Guessing(p Params) *float64 {
	if v, ok := p.(ThreePL); ok {
		c := v.C
		return &c
	}
	return nil
}

// ItemRecord is the flat wire form of an item as stored in an item bank
type ItemRecord struct {
	ID      string          `json:"id" validate:"required"`
	Domain  Domain          `json:"domain" validate:"required"`
	Family  string          `json:"family" validate:"required"`
	Model   Model           `json:"model" validate:"required,oneof=2PL 3PL"`
	A       float64         `json:"a" validate:"gt=0"`
	B       float64         `json:"b"`
	C       *float64        `json:"c,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Record flattens the item back into its wire form
func (it Item) Record() ItemRecord {
	rec := ItemRecord{
		ID:      it.ID,
		Domain:  it.Domain,
		Family:  it.Family,
		Content: it.Content,
	}
	if it.Params != nil {
		rec.Model = it.Params.Model()
		rec.A = Discrimination(it.Params)
		rec.B = it.Params.Difficulty()
		rec.C = Guessing(it.Params)
	}
	return rec
}

func (it Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(it.Record())
}
