// Package protocol holds the wire contracts shared by the controller, the
// workers, and the CLI tooling. Keeping them in one place guarantees both
// sides agree on payload formats for HTTP requests and state-store records.
package protocol

import (
	"encoding/json"
	"time"
)

// SubtaskStatus tracks a subtask through its lifecycle.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskDispatched SubtaskStatus = "dispatched"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// WorkStatus is the outcome a worker reports for one unit of work.
type WorkStatus string

const (
	WorkSuccess WorkStatus = "success"
	WorkFailure WorkStatus = "failure"
)

// ReplyMode selects how a worker returns its output.
type ReplyMode string

const (
	// ReplySync: the worker computes the result inside the /work call.
	ReplySync ReplyMode = "sync"
	// ReplyAsync: the worker acknowledges immediately and posts the result
	// back to the controller's /result endpoint later.
	ReplyAsync ReplyMode = "async"
)

// TaskObjective is the high-level task received from an external client.
type TaskObjective struct {
	TaskID    string         `json:"task_id"`
	Objective string         `json:"objective"`
	Context   map[string]any `json:"context,omitempty"`
}

// MetricSnapshot carries operational metrics for an agent, consumed by the
// adaptive router.
type MetricSnapshot struct {
	Load           float64 `json:"load"`
	AvgLatencyMS   float64 `json:"avg_latency_ms,omitempty"`
	RecentFailures int     `json:"recent_failures"`
}

// Registration is the payload a worker submits to /register.
type Registration struct {
	AgentID      string          `json:"agent_id"`
	URL          string          `json:"url"`
	Capabilities []string        `json:"capabilities"`
	Description  string          `json:"description,omitempty"`
	Metrics      *MetricSnapshot `json:"metrics,omitempty"`
}

// Subtask is one decomposed unit of work tagged with the capability that
// must execute it.
type Subtask struct {
	TaskID      string         `json:"task_id"`
	SubID       string         `json:"sub_id"`
	Command     string         `json:"command"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      SubtaskStatus  `json:"status"`
}

// WorkRequest is the payload sent from the controller to a worker's /work.
type WorkRequest struct {
	TaskID    string         `json:"task_id"`
	SubID     string         `json:"sub_id"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	ReplyMode ReplyMode      `json:"reply_mode"`
}

// WorkResult is a worker's response to /work (sync mode) or the body it
// posts back to /result (async mode). Trace is opaque pass-through data.
type WorkResult struct {
	Status WorkStatus      `json:"status"`
	Output map[string]any  `json:"output,omitempty"`
	Trace  json.RawMessage `json:"trace,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ResultRecord is one entry of the results:<task_id> list.
type ResultRecord struct {
	TaskID  string          `json:"task_id"`
	SubID   string          `json:"sub_id"`
	AgentID string          `json:"agent_id"`
	Status  WorkStatus      `json:"status"`
	Output  map[string]any  `json:"output,omitempty"`
	Trace   json.RawMessage `json:"trace,omitempty"`
	Error   string          `json:"error,omitempty"`
	Metrics *MetricSnapshot `json:"metrics,omitempty"`
}

// RouteDecision is the append-only record of one routing choice.
type RouteDecision struct {
	Command       string             `json:"command"`
	SelectedAgent string             `json:"selected_agent"`
	Reason        string             `json:"reason"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// DispatchLogEntry is the compact per-dispatch record kept for auditing.
type DispatchLogEntry struct {
	TaskID      string    `json:"task_id"`
	SubID       string    `json:"sub_id"`
	AgentID     string    `json:"agent_id"`
	RouteReason string    `json:"route_reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecompositionResponse is returned by /task in routing mode.
type DecompositionResponse struct {
	TaskID   string    `json:"task_id"`
	Subtasks []Subtask `json:"subtasks"`
}

// StageResult is the outcome of one pipeline stage. ErrorCode carries the
// fault taxonomy code for a failed stage so callers can branch on it.
type StageResult struct {
	Stage     string         `json:"stage"`
	AgentID   string         `json:"agent_id"`
	SubID     string         `json:"sub_id"`
	Status    WorkStatus     `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// PipelineResponse is returned by /task in pipeline mode. On a failed run
// ErrorCode repeats the failing stage's code.
type PipelineResponse struct {
	TaskID      string         `json:"task_id"`
	Status      string         `json:"status"`
	Stages      []StageResult  `json:"stages"`
	FinalOutput map[string]any `json:"final_output,omitempty"`
	FailedStage string         `json:"failed_stage,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
}
