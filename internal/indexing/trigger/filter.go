// Package trigger matches a block's triggers against a deployment's filter.
package trigger

import (
	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Filter decides whether a deployment wants a trigger.
type Filter interface {
	Matches(t domain.Trigger) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(t domain.Trigger) bool

func (f FilterFunc) Matches(t domain.Trigger) bool { return f(t) }

// Match returns the triggers of block accepted by f, in block order. A nil
// filter accepts everything.
func Match(f Filter, block *domain.BlockWithTriggers) []domain.Trigger {
	if f == nil {
		out := make([]domain.Trigger, len(block.Triggers))
		copy(out, block.Triggers)
		return out
	}
	out := make([]domain.Trigger, 0, len(block.Triggers))
	for _, t := range block.Triggers {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// Everything accepts every trigger.
func Everything() Filter {
	return FilterFunc(func(domain.Trigger) bool { return true })
}

// EveryBlock accepts block/every triggers only.
func EveryBlock() Filter {
	return FilterFunc(func(t domain.Trigger) bool {
		return t.Kind == domain.TriggerKindBlock && t.BlockType == domain.BlockTriggerEvery
	})
}

// Kinds accepts triggers of the listed kinds.
func Kinds(kinds ...domain.TriggerKind) Filter {
	set := make(map[domain.TriggerKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return FilterFunc(func(t domain.Trigger) bool {
		_, ok := set[t.Kind]
		return ok
	})
}

// All accepts a trigger when every filter does.
func All(filters ...Filter) Filter {
	return FilterFunc(func(t domain.Trigger) bool {
		for _, f := range filters {
			if !f.Matches(t) {
				return false
			}
		}
		return true
	})
}

// Any accepts a trigger when at least one filter does.
func Any(filters ...Filter) Filter {
	return FilterFunc(func(t domain.Trigger) bool {
		for _, f := range filters {
			if f.Matches(t) {
				return true
			}
		}
		return false
	})
}
