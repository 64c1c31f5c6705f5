package decompose

import (
	"context"
	"fmt"
)

// RuleStrategy is the deterministic fallback strategy: a fixed ordered
// capability table, filtered to what is currently available. It keeps the
// rest of the system testable without an LLM in the loop.
type RuleStrategy struct {
	// Order is the preferred capability order. Capabilities available but
	// not listed here are appended after the ordered ones.
	Order []string
}

// DefaultOrder matches the canonical analysis pipeline.
var DefaultOrder = []string{"analyze", "retrieve", "evaluate", "finalize"}

func NewRuleStrategy(order []string) *RuleStrategy {
	if len(order) == 0 {
		order = DefaultOrder
	}
	return &RuleStrategy{Order: order}
}

func (s *RuleStrategy) Decompose(_ context.Context, objective string, available []string) ([]Draft, error) {
	availSet := make(map[string]struct{}, len(available))
	for _, c := range available {
		availSet[c] = struct{}{}
	}

	var drafts []Draft
	emit := func(cap string) {
		drafts = append(drafts, Draft{
			Command:     cap,
			Description: fmt.Sprintf("Execute capability %q for the objective.", cap),
			Payload:     map[string]any{"objective": objective},
		})
	}

	listed := make(map[string]struct{}, len(s.Order))
	for _, cap := range s.Order {
		listed[cap] = struct{}{}
		if _, ok := availSet[cap]; ok {
			emit(cap)
		}
	}
	for _, cap := range available {
		if _, ok := listed[cap]; !ok {
			emit(cap)
		}
	}
	return drafts, nil
}
