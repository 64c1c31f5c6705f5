package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/internal/fault"
)

// TextGenerator is the reasoning collaborator behind the LLM strategy;
// satisfied by the llm gateway client.
type TextGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMStrategy asks an LLM to decompose the objective into a JSON subtask
// list. Any shape violation in the model's output is a
// malformed_decomposition error; it is never silently repaired.
type LLMStrategy struct {
	gen TextGenerator
}

func NewLLMStrategy(gen TextGenerator) *LLMStrategy {
	return &LLMStrategy{gen: gen}
}

const decomposeSystemPrompt = `You are a task decomposer for a multi-agent system.
Split the user's objective into ordered subtasks. Each subtask must use
exactly one of the available capabilities. Respond with ONLY a JSON object
of the form {"subtasks": [{"command": "<capability>", "description": "<what to do>"}]}.
Do not invent capabilities.`

type llmDecomposition struct {
	Subtasks []struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	} `json:"subtasks"`
}

func (s *LLMStrategy) Decompose(ctx context.Context, objective string, available []string) ([]Draft, error) {
	var sb strings.Builder
	sb.WriteString("Available capabilities:\n")
	for _, cap := range available {
		fmt.Fprintf(&sb, "- %s\n", cap)
	}
	sb.WriteString("\nObjective: ")
	sb.WriteString(objective)

	text, err := s.gen.Generate(ctx, decomposeSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("decomposition generate: %w", err)
	}

	var parsed llmDecomposition
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return nil, fault.Wrap(err, fault.CodeMalformedDecomposition,
			"decomposition output is not valid JSON")
	}
	if parsed.Subtasks == nil {
		return nil, fault.New(fault.CodeMalformedDecomposition,
			"decomposition output has no subtasks field")
	}

	drafts := make([]Draft, 0, len(parsed.Subtasks))
	for _, st := range parsed.Subtasks {
		drafts = append(drafts, Draft{
			Command:     st.Command,
			Description: st.Description,
			Payload:     map[string]any{"objective": objective},
		})
	}
	return drafts, nil
}

// extractJSON strips surrounding prose or markdown fences the model may
// wrap around the JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
