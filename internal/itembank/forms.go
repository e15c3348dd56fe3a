package itembank

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pbaille/chccat/internal/domain"
)

// DomainForm restricts one domain of an administration.
// A nil Allowed list means every item in the domain is eligible.
type DomainForm struct {
	Allowed []string `json:"allowed,omitempty"`
	Anchors []string `json:"anchors,omitempty"`
}

// Form is the per-domain allow-list and anchor designation of one form.
type Form struct {
	ID      string                       `json:"id"`
	Domains map[domain.Domain]DomainForm `json:"domains"`
}

// For returns the restriction of domain d; the zero value means no restriction.
func (f *Form) For(d domain.Domain) DomainForm {
	if f == nil {
		return DomainForm{}
	}
	return f.Domains[d]
}

// LoadForm reads a form JSON file.
func LoadForm(path string) (*Form, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}
	var f Form
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}
	return &f, nil
}

// CheckForm verifies that every id a form names exists in the bank under
// the same domain.
func (b *Bank) CheckForm(f *Form) error {
	if f == nil {
		return nil
	}
	for d, df := range f.Domains {
		for _, ids := range [][]string{df.Allowed, df.Anchors} {
			for _, id := range ids {
				it, ok := b.byID[id]
				if !ok {
					return fmt.Errorf("form %s: unknown item %q", f.ID, id)
				}
				if it.Domain != d {
					return fmt.Errorf("form %s: item %q belongs to %s, not %s", f.ID, id, it.Domain, d)
				}
			}
		}
	}
	return nil
}
