// Package decompose turns a natural-language objective plus the set of
// currently available capabilities into an ordered, capability-tagged list
// of subtasks. The reasoning itself is delegated to a pluggable strategy;
// this package owns the output-shape contract and the capability-coverage
// policy.
package decompose

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

// Draft is a strategy's raw proposal for one subtask, before the
// decomposer assigns ids and validates shape.
type Draft struct {
	SubID       string
	Command     string
	Description string
	Payload     map[string]any
}

// Strategy produces an ordered decomposition of the objective using only
// the supplied capabilities. Implementations may call an external LLM or
// apply a static rule table.
type Strategy interface {
	Decompose(ctx context.Context, objective string, available []string) ([]Draft, error)
}

// Policy states what happens when the objective needs a capability with no
// live worker.
type Policy string

const (
	// PolicyOmit drops uncovered subtasks; routing mode tolerates partial
	// coverage.
	PolicyOmit Policy = "omit"
	// PolicyFail rejects the objective when a mandatory capability is
	// missing.
	PolicyFail Policy = "fail"
)

type Decomposer struct {
	strategy  Strategy
	policy    Policy
	mandatory []string
}

func New(strategy Strategy, policy Policy, mandatory []string) (*Decomposer, error) {
	switch policy {
	case PolicyOmit, PolicyFail:
	default:
		return nil, fmt.Errorf("unknown coverage policy %q", policy)
	}
	return &Decomposer{
		strategy:  strategy,
		policy:    policy,
		mandatory: append([]string(nil), mandatory...),
	}, nil
}

// Decompose runs the strategy and validates its output shape. Shape
// violations are reported as malformed_decomposition and never silently
// repaired.
func (d *Decomposer) Decompose(ctx context.Context, task protocol.TaskObjective, available []string) ([]protocol.Subtask, error) {
	availSet := make(map[string]struct{}, len(available))
	for _, c := range available {
		availSet[c] = struct{}{}
	}

	if d.policy == PolicyFail {
		for _, cap := range d.mandatory {
			if _, ok := availSet[cap]; !ok {
				return nil, fault.New(fault.CodeUnsatisfiableObjective,
					"mandatory capability %q has no live worker", cap).
					WithDetail("capability", cap)
			}
		}
	}

	trivial := strings.TrimSpace(task.Objective) == ""
	if !trivial && len(available) == 0 {
		return nil, fault.New(fault.CodeNoCandidates,
			"no live worker covers any capability the objective requires")
	}

	drafts, err := d.strategy.Decompose(ctx, task.Objective, available)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		if trivial {
			return nil, nil
		}
		return nil, fault.New(fault.CodeMalformedDecomposition,
			"strategy produced no subtasks for a non-empty objective")
	}

	subtasks := make([]protocol.Subtask, 0, len(drafts))
	seen := make(map[string]struct{}, len(drafts))
	n := 0
	for _, draft := range drafts {
		if draft.Command == "" {
			return nil, fault.New(fault.CodeMalformedDecomposition,
				"strategy emitted a subtask with no command")
		}
		if _, ok := availSet[draft.Command]; !ok {
			// Uncovered capability: omit under the omit policy, reject a
			// mandatory one under the fail policy (non-mandatory uncovered
			// commands are omitted under both).
			if d.policy == PolicyFail && d.isMandatory(draft.Command) {
				return nil, fault.New(fault.CodeUnsatisfiableObjective,
					"mandatory capability %q has no live worker", draft.Command).
					WithDetail("capability", draft.Command)
			}
			continue
		}

		n++
		subID := draft.SubID
		if subID == "" {
			subID = fmt.Sprintf("%s-S%d", task.TaskID, n)
		}
		if _, dup := seen[subID]; dup {
			return nil, fault.New(fault.CodeMalformedDecomposition,
				"duplicate sub_id %q in decomposition", subID)
		}
		seen[subID] = struct{}{}

		subtasks = append(subtasks, protocol.Subtask{
			TaskID:      task.TaskID,
			SubID:       subID,
			Command:     draft.Command,
			Description: draft.Description,
			Payload:     draft.Payload,
			Status:      protocol.SubtaskPending,
		})
	}

	if len(subtasks) == 0 && !trivial {
		return nil, fault.New(fault.CodeNoCandidates,
			"no live worker covers any capability the objective requires")
	}
	return subtasks, nil
}

func (d *Decomposer) isMandatory(capability string) bool {
	for _, c := range d.mandatory {
		if c == capability {
			return true
		}
	}
	return false
}
