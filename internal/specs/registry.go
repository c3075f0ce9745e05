package specs

import (
	"fmt"
	"sort"

	apperrors "perp_backtester/pkg/errors"
)

// Registry is an immutable symbol -> ContractSpecs table. It is built
// once at simulator setup and passed explicitly to whoever needs it.
type Registry struct {
	specs map[string]*ContractSpecs
}

// NewRegistry builds a registry from validated contract specs.
// Duplicate symbols are a configuration error.
func NewRegistry(all ...*ContractSpecs) (*Registry, error) {
	m := make(map[string]*ContractSpecs, len(all))
	for _, s := range all {
		if _, exists := m[s.Symbol]; exists {
			return nil, fmt.Errorf("%w: duplicate specs for symbol %s", apperrors.ErrConfiguration, s.Symbol)
		}
		m[s.Symbol] = s
	}
	return &Registry{specs: m}, nil
}

// Get returns the specs for a symbol
func (r *Registry) Get(symbol string) (*ContractSpecs, error) {
	s, ok := r.specs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, symbol)
	}
	return s, nil
}

// Symbols returns the registered symbols in sorted order
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.specs))
	for s := range r.specs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
