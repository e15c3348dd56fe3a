// Package itembank loads calibrated items and form assignments.
package itembank

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/pbaille/chccat/internal/domain"
)

var validate = validator.New()

// Bank is a read-only item pool grouped by domain.
type Bank struct {
	items    []domain.Item
	byID     map[string]domain.Item
	byDomain map[domain.Domain][]domain.Item
}

type bankFile struct {
	Items []domain.ItemRecord `json:"items"`
}

// Load reads an item bank JSON file.
func Load(path string) (*Bank, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open item bank: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads an item bank from r.
func Decode(r io.Reader) (*Bank, error) {
	var file bankFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode item bank: %w", err)
	}
	return New(file.Items)
}

// New resolves and validates records into a bank. Records keep their order.
func New(records []domain.ItemRecord) (*Bank, error) {
	b := &Bank{
		byID:     make(map[string]domain.Item, len(records)),
		byDomain: make(map[domain.Domain][]domain.Item),
	}
	for i, rec := range records {
		it, err := Resolve(rec)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if _, dup := b.byID[it.ID]; dup {
			return nil, fmt.Errorf("item %d: duplicate id %q", i, it.ID)
		}
		b.items = append(b.items, it)
		b.byID[it.ID] = it
		b.byDomain[it.Domain] = append(b.byDomain[it.Domain], it)
	}
	return b, nil
}

// Resolve turns a wire record into an item with its model's parameter variant.
func Resolve(rec domain.ItemRecord) (domain.Item, error) {
	if err := validate.Struct(rec); err != nil {
		return domain.Item{}, fmt.Errorf("invalid item %q: %w", rec.ID, err)
	}
	if !rec.Domain.Valid() {
		return domain.Item{}, fmt.Errorf("invalid item %q: unknown domain %q", rec.ID, rec.Domain)
	}

	it := domain.Item{
		ID:      rec.ID,
		Domain:  rec.Domain,
		Family:  rec.Family,
		Content: rec.Content,
	}
	switch rec.Model {
	case domain.Model2PL:
		it.Params = domain.TwoPL{A: rec.A, B: rec.B}
	case domain.Model3PL:
		if rec.C == nil || *rec.C < 0 || *rec.C >= 1 {
			return domain.Item{}, fmt.Errorf("invalid item %q: 3PL needs c in [0,1)", rec.ID)
		}
		it.Params = domain.ThreePL{A: rec.A, B: rec.B, C: *rec.C}
	}
	return it, nil
}

// Items returns every item in load order.
func (b *Bank) Items() []domain.Item {
	return append([]domain.Item(nil), b.items...)
}

// Domain returns the pool of one domain in load order.
func (b *Bank) Domain(d domain.Domain) []domain.Item {
	return append([]domain.Item(nil), b.byDomain[d]...)
}

// Item looks up an item by id.
func (b *Bank) Item(id string) (domain.Item, bool) {
	it, ok := b.byID[id]
	return it, ok
}

// Len is the number of items in the bank.
func (b *Bank) Len() int {
	return len(b.items)
}
