// Package dispatch is the façade tying the decomposer, router, pipeline
// controller, and registry together. It exposes the two execution modes to
// the transport layer: routing mode (per-subtask dispatch with
// asynchronous result collection) and pipeline mode (synchronous staged
// execution).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/decompose"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/health"
	"github.com/taskmesh/taskmesh/internal/pipeline"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/router"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/internal/worker"
)

type Mode string

const (
	ModeRouting  Mode = "routing"
	ModePipeline Mode = "pipeline"
)

// ParseMode validates the configured mode. Misconfiguration is a
// startup-time error, not a per-request one.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRouting, ModePipeline:
		return Mode(s), nil
	default:
		return "", fault.New(fault.CodeUnknownMode, "unknown dispatch mode %q", s)
	}
}

// Events is the sink for task lifecycle events. Nil disables publication.
type Events interface {
	PublishEvent(topic string, ev bus.Event) error
}

type Dispatcher struct {
	mode       Mode
	registry   *registry.Registry
	decomposer *decompose.Decomposer
	pipeline   *pipeline.Controller
	health     *health.Service
	invoker    worker.Invoker
	store      state.Store
	events     Events

	dispatchTimeout time.Duration
	now             func() time.Time
}

func New(mode string, reg *registry.Registry, dec *decompose.Decomposer, pipe *pipeline.Controller, h *health.Service, inv worker.Invoker, store state.Store, events Events, dispatchTimeout time.Duration) (*Dispatcher, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if m == ModePipeline && pipe == nil {
		return nil, fault.New(fault.CodeUnknownMode, "pipeline mode configured without a pipeline controller")
	}
	if dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}
	return &Dispatcher{
		mode:            m,
		registry:        reg,
		decomposer:      dec,
		pipeline:        pipe,
		health:          h,
		invoker:         inv,
		store:           store,
		events:          events,
		dispatchTimeout: dispatchTimeout,
		now:             time.Now,
	}, nil
}

func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// Register admits a worker into the registry and stores any initial
// metrics snapshot it reported.
func (d *Dispatcher) Register(ctx context.Context, reg protocol.Registration) error {
	if _, err := d.registry.Register(ctx, reg); err != nil {
		return err
	}
	if reg.Metrics != nil {
		if err := d.health.Record(ctx, reg.AgentID, *reg.Metrics); err != nil {
			return err
		}
	}
	return nil
}

// HandleTask accepts a new objective in routing mode: decompose against
// the live capability set, persist the subtasks, and fire each one at its
// router-selected worker without blocking on completion. Results arrive
// later through HandleResult.
func (d *Dispatcher) HandleTask(ctx context.Context, task protocol.TaskObjective) (*protocol.DecompositionResponse, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}

	task.Context = d.mergeGlobalContext(ctx, task.Context)

	available, err := d.registry.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	subtasks, err := d.decomposer.Decompose(ctx, task, available)
	if err != nil {
		return nil, err
	}

	for _, st := range subtasks {
		if err := d.storeSubtask(ctx, st); err != nil {
			return nil, err
		}
	}

	d.publishTask(task.TaskID, "task_accepted", map[string]any{
		"objective": task.Objective,
		"subtasks":  len(subtasks),
	})

	for i := range subtasks {
		work := protocol.WorkRequest{
			TaskID:    subtasks[i].TaskID,
			SubID:     subtasks[i].SubID,
			Command:   subtasks[i].Command,
			Payload:   subtasks[i].Payload,
			Context:   task.Context,
			ReplyMode: protocol.ReplyAsync,
		}
		if _, err := d.Dispatch(ctx, work); err != nil {
			// Coverage was checked at decomposition; a worker expiring in
			// between surfaces here. The subtask stays pending for
			// re-submission rather than failing the whole objective.
			slog.Warn("subtask dispatch failed", "task", task.TaskID, "sub", subtasks[i].SubID, "error", err)
			continue
		}
		subtasks[i].Status = protocol.SubtaskDispatched
	}

	return &protocol.DecompositionResponse{TaskID: task.TaskID, Subtasks: subtasks}, nil
}

// RunPipeline delegates an objective to the pipeline controller and
// returns its synchronous aggregate.
func (d *Dispatcher) RunPipeline(ctx context.Context, task protocol.TaskObjective) (*protocol.PipelineResponse, error) {
	if d.mode != ModePipeline {
		return nil, fault.New(fault.CodeUnknownMode, "controller is not in pipeline mode")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	task.Context = d.mergeGlobalContext(ctx, task.Context)
	return d.pipeline.Run(ctx, task)
}

// Dispatch routes one subtask: select a worker, record the decision and
// dispatch log entry, then fire the work request asynchronously. It never
// blocks on worker completion.
func (d *Dispatcher) Dispatch(ctx context.Context, work protocol.WorkRequest) (*protocol.RouteDecision, error) {
	work.Context = d.mergeGlobalContext(ctx, work.Context)

	candidates, err := d.registry.CandidatesFor(ctx, work.Command)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(candidates))
	urls := make(map[string]string, len(candidates))
	for i, w := range candidates {
		ids[i] = w.AgentID
		urls[w.AgentID] = w.URL
	}
	samples, err := d.health.Samples(ctx, ids)
	if err != nil {
		return nil, err
	}

	decision, err := router.Decide(work.Command, candidates, samples)
	if err != nil {
		return nil, err
	}

	record := decision.ToRecord(work.Command, d.now())
	if err := d.recordDecision(ctx, work, record); err != nil {
		return nil, err
	}
	d.markSubtask(ctx, work.TaskID, work.SubID, protocol.SubtaskDispatched)

	if work.ReplyMode == "" {
		work.ReplyMode = protocol.ReplyAsync
	}

	// Fire and expect a later /result callback.
	go d.fire(urls[decision.SelectedAgent], decision.SelectedAgent, work)

	d.publishTask(work.TaskID, "subtask_dispatched", map[string]any{
		"sub_id": work.SubID,
		"agent":  decision.SelectedAgent,
		"reason": decision.Reason,
	})
	return &record, nil
}

// fire delivers the work request in the background. Delivery failures are
// recorded as failed results since the worker will never call back;
// HandleResult folds the failure into the worker's health sample.
func (d *Dispatcher) fire(url, agentID string, work protocol.WorkRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), d.dispatchTimeout)
	defer cancel()

	if _, err := d.invoker.Invoke(ctx, url, work); err != nil {
		slog.Warn("work delivery failed", "task", work.TaskID, "sub", work.SubID, "agent", agentID, "error", err)
		_ = d.HandleResult(ctx, protocol.ResultRecord{
			TaskID:  work.TaskID,
			SubID:   work.SubID,
			AgentID: agentID,
			Status:  protocol.WorkFailure,
			Error:   err.Error(),
		})
	}
}

// HandleResult is the worker callback path: append the result to the
// task's result record, fold the outcome into the worker's health sample,
// and advance the subtask status.
func (d *Dispatcher) HandleResult(ctx context.Context, res protocol.ResultRecord) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result record: %w", err)
	}
	if err := d.store.RPush(ctx, state.KeyResults(res.TaskID), string(data)); err != nil {
		return fmt.Errorf("append result: %w", err)
	}

	if res.Metrics != nil {
		if err := d.health.Record(ctx, res.AgentID, *res.Metrics); err != nil {
			return err
		}
	} else if res.Status == protocol.WorkFailure {
		_ = d.health.ObserveFailure(ctx, res.AgentID)
	} else {
		_ = d.health.ObserveSuccess(ctx, res.AgentID, 0)
	}

	status := protocol.SubtaskCompleted
	if res.Status == protocol.WorkFailure {
		status = protocol.SubtaskFailed
	}
	d.markSubtask(ctx, res.TaskID, res.SubID, status)

	d.publishTask(res.TaskID, "result_recorded", map[string]any{
		"sub_id": res.SubID,
		"agent":  res.AgentID,
		"status": res.Status,
	})
	return nil
}

// Results returns the ordered result entries recorded for a task.
func (d *Dispatcher) Results(ctx context.Context, taskID string) ([]protocol.ResultRecord, error) {
	raw, err := d.store.LRange(ctx, state.KeyResults(taskID))
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ResultRecord, 0, len(raw))
	for _, item := range raw {
		var rec protocol.ResultRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode result record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// mergeGlobalContext overlays the externally maintained global:context
// hash under the caller-supplied context. Caller keys win on collision.
func (d *Dispatcher) mergeGlobalContext(ctx context.Context, local map[string]any) map[string]any {
	global, err := d.store.HGetAll(ctx, state.KeyGlobalContext)
	if err != nil {
		slog.Warn("global context read failed", "error", err)
		return local
	}
	if len(global) == 0 {
		return local
	}
	merged := make(map[string]any, len(global)+len(local))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	return merged
}

func (d *Dispatcher) storeSubtask(ctx context.Context, st protocol.Subtask) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal subtask: %w", err)
	}
	if err := d.store.RPush(ctx, state.KeySubtasks(st.TaskID), string(data)); err != nil {
		return fmt.Errorf("append subtask: %w", err)
	}
	if err := d.store.Set(ctx, state.KeySubtask(st.TaskID, st.SubID), string(data), 0); err != nil {
		return fmt.Errorf("store subtask: %w", err)
	}
	return nil
}

func (d *Dispatcher) markSubtask(ctx context.Context, taskID, subID string, status protocol.SubtaskStatus) {
	raw, ok, err := d.store.Get(ctx, state.KeySubtask(taskID, subID))
	if err != nil || !ok {
		return
	}
	var st protocol.Subtask
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return
	}
	st.Status = status
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = d.store.Set(ctx, state.KeySubtask(taskID, subID), string(data), 0)
}

func (d *Dispatcher) recordDecision(ctx context.Context, work protocol.WorkRequest, record protocol.RouteDecision) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal route decision: %w", err)
	}
	if err := d.store.Set(ctx, state.KeyRoute(work.TaskID, work.SubID), string(data), 0); err != nil {
		return fmt.Errorf("record route: %w", err)
	}

	entry := protocol.DispatchLogEntry{
		TaskID:      work.TaskID,
		SubID:       work.SubID,
		AgentID:     record.SelectedAgent,
		RouteReason: record.Reason,
		CreatedAt:   record.Timestamp,
	}
	logData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dispatch log entry: %w", err)
	}
	if err := d.store.RPush(ctx, state.KeyDispatchLog(work.TaskID), string(logData)); err != nil {
		return fmt.Errorf("append dispatch log: %w", err)
	}
	return nil
}

func (d *Dispatcher) publishTask(taskID, eventType string, data map[string]any) {
	if d.events == nil {
		return
	}
	err := d.events.PublishEvent(bus.TopicTaskEvents(taskID), bus.Event{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: d.now().UTC(),
		Data:      data,
	})
	if err != nil {
		slog.Warn("task event publish failed", "type", eventType, "task", taskID, "error", err)
	}
}
