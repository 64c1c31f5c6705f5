package decompose

import (
	"context"
	"testing"

	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

// stubStrategy returns canned drafts.
type stubStrategy struct {
	drafts []Draft
	err    error
}

func (s stubStrategy) Decompose(context.Context, string, []string) ([]Draft, error) {
	return s.drafts, s.err
}

func objective(id, text string) protocol.TaskObjective {
	return protocol.TaskObjective{TaskID: id, Objective: text}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	if _, err := New(stubStrategy{}, Policy("maybe"), nil); err == nil {
		t.Fatal("New with unknown policy succeeded")
	}
}

func TestDecomposeAssignsSubIDs(t *testing.T) {
	d, err := New(stubStrategy{drafts: []Draft{
		{Command: "analyze"},
		{Command: "retrieve"},
	}}, PolicyOmit, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	subtasks, err := d.Decompose(context.Background(), objective("t1", "summarize the report"),
		[]string{"analyze", "retrieve"})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(subtasks) != 2 {
		t.Fatalf("subtasks = %v", subtasks)
	}
	if subtasks[0].SubID != "t1-S1" || subtasks[1].SubID != "t1-S2" {
		t.Errorf("sub ids = %s, %s", subtasks[0].SubID, subtasks[1].SubID)
	}
	for _, st := range subtasks {
		if st.Status != protocol.SubtaskPending {
			t.Errorf("status = %s, want pending", st.Status)
		}
		if st.TaskID != "t1" {
			t.Errorf("task id = %s", st.TaskID)
		}
	}
}

func TestDecomposeOmitsUncoveredCapabilities(t *testing.T) {
	d, _ := New(stubStrategy{drafts: []Draft{
		{Command: "analyze"},
		{Command: "translate"},
		{Command: "retrieve"},
	}}, PolicyOmit, nil)

	subtasks, err := d.Decompose(context.Background(), objective("t1", "do things"),
		[]string{"analyze", "retrieve"})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(subtasks) != 2 {
		t.Fatalf("subtasks = %v, want uncovered translate omitted", subtasks)
	}
	for _, st := range subtasks {
		if st.Command == "translate" {
			t.Error("uncovered capability survived the omit policy")
		}
	}
}

func TestDecomposeFailPolicy(t *testing.T) {
	t.Run("missing mandatory capability pre-check", func(t *testing.T) {
		d, _ := New(stubStrategy{}, PolicyFail, []string{"evaluate"})
		_, err := d.Decompose(context.Background(), objective("t1", "x"), []string{"analyze"})
		if !fault.IsCode(err, fault.CodeUnsatisfiableObjective) {
			t.Fatalf("err = %v, want unsatisfiable_objective", err)
		}
	})

	t.Run("uncovered mandatory draft", func(t *testing.T) {
		d, _ := New(stubStrategy{drafts: []Draft{
			{Command: "analyze"},
			{Command: "evaluate"},
		}}, PolicyFail, []string{"analyze"})

		// analyze is mandatory and covered; evaluate is not mandatory, so it
		// is omitted rather than failing the objective.
		subtasks, err := d.Decompose(context.Background(), objective("t1", "x"), []string{"analyze"})
		if err != nil {
			t.Fatalf("Decompose: %v", err)
		}
		if len(subtasks) != 1 || subtasks[0].Command != "analyze" {
			t.Fatalf("subtasks = %v", subtasks)
		}
	})
}

func TestDecomposeMalformedOutput(t *testing.T) {
	tests := []struct {
		name   string
		drafts []Draft
	}{
		{"empty command", []Draft{{Command: ""}}},
		{"duplicate sub ids", []Draft{
			{SubID: "dup", Command: "analyze"},
			{SubID: "dup", Command: "retrieve"},
		}},
		{"no subtasks for real objective", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := New(stubStrategy{drafts: tt.drafts}, PolicyOmit, nil)
			_, err := d.Decompose(context.Background(), objective("t1", "real objective"),
				[]string{"analyze", "retrieve"})
			if !fault.IsCode(err, fault.CodeMalformedDecomposition) {
				t.Fatalf("err = %v, want malformed_decomposition", err)
			}
		})
	}
}

func TestDecomposeTrivialObjective(t *testing.T) {
	d, _ := New(stubStrategy{}, PolicyOmit, nil)
	subtasks, err := d.Decompose(context.Background(), objective("t1", "  "), []string{"analyze"})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(subtasks) != 0 {
		t.Fatalf("subtasks = %v, want none for a trivial objective", subtasks)
	}
}

func TestDecomposeAllOmitted(t *testing.T) {
	d, _ := New(stubStrategy{drafts: []Draft{
		{Command: "translate"},
	}}, PolicyOmit, nil)

	_, err := d.Decompose(context.Background(), objective("t1", "translate this"), []string{"analyze"})
	if !fault.IsCode(err, fault.CodeNoCandidates) {
		t.Fatalf("err = %v, want no_candidates when nothing is coverable", err)
	}
}

func TestRuleStrategyOrder(t *testing.T) {
	s := NewRuleStrategy(nil)

	drafts, err := s.Decompose(context.Background(), "obj",
		[]string{"custom", "evaluate", "analyze"})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	// Listed capabilities come first in table order, then the unlisted ones.
	want := []string{"analyze", "evaluate", "custom"}
	if len(drafts) != len(want) {
		t.Fatalf("drafts = %v", drafts)
	}
	for i := range want {
		if drafts[i].Command != want[i] {
			t.Errorf("drafts[%d].Command = %s, want %s", i, drafts[i].Command, want[i])
		}
	}
	if drafts[0].Payload["objective"] != "obj" {
		t.Errorf("payload = %v", drafts[0].Payload)
	}
}
