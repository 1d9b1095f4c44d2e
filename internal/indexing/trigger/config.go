package trigger

import (
	"fmt"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Spec is the configured shape of a deployment's filter.
type Spec struct {
	Kinds     []string `yaml:"kinds"`
	Addresses []string `yaml:"addresses" validate:"dive,eth_addr"`
}

// Build turns a spec into a filter. An empty spec accepts everything.
func (s Spec) Build() (Filter, error) {
	var filters []Filter

	if len(s.Kinds) > 0 {
		kinds := make([]domain.TriggerKind, 0, len(s.Kinds))
		for _, name := range s.Kinds {
			k, err := domain.ParseTriggerKind(name)
			if err != nil {
				return nil, fmt.Errorf("failed to build trigger filter: %w", err)
			}
			kinds = append(kinds, k)
		}
		filters = append(filters, Kinds(kinds...))
	}
	if len(s.Addresses) > 0 {
		filters = append(filters, NewAddressFilter(s.Addresses...))
	}

	switch len(filters) {
	case 0:
		return Everything(), nil
	case 1:
		return filters[0], nil
	}
	return All(filters...), nil
}
