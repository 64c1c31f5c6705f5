// Package pipeline drives the fixed-stage execution mode: a statically
// ordered list of mandatory stages plus optional stages whose inclusion is
// re-evaluated from the live registry at run start. Stage execution is
// synchronous; each stage's output feeds the next stage's input context.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/health"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/router"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// Status of a pipeline run.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Events is the sink for pipeline lifecycle events. Nil disables
// publication.
type Events interface {
	PublishEvent(topic string, ev bus.Event) error
}

type Controller struct {
	registry *registry.Registry
	health   *health.Service
	invoker  worker.Invoker
	store    state.Store
	events   Events

	mandatory    []string
	optional     []string
	stageTimeout time.Duration

	now func() time.Time
}

func New(reg *registry.Registry, h *health.Service, inv worker.Invoker, store state.Store, events Events, mandatory, optional []string, stageTimeout time.Duration) *Controller {
	if stageTimeout <= 0 {
		stageTimeout = 60 * time.Second
	}
	return &Controller{
		registry:     reg,
		health:       h,
		invoker:      inv,
		store:        store,
		events:       events,
		mandatory:    append([]string(nil), mandatory...),
		optional:     append([]string(nil), optional...),
		stageTimeout: stageTimeout,
		now:          time.Now,
	}
}

// ResolveStages computes the stage list for a run about to start: every
// mandatory stage (failing with no_candidates if one has no live worker)
// followed by each optional stage that currently has at least one live
// worker. The returned list is frozen for the run.
func (c *Controller) ResolveStages(ctx context.Context) ([]string, error) {
	stages := make([]string, 0, len(c.mandatory)+len(c.optional))
	for _, stage := range c.mandatory {
		live, err := c.registry.HasLiveWorker(ctx, stage)
		if err != nil {
			return nil, err
		}
		if !live {
			return nil, fault.New(fault.CodeNoCandidates,
				"no live worker for mandatory stage %q", stage).
				WithDetail("stage", stage)
		}
		stages = append(stages, stage)
	}
	for _, stage := range c.optional {
		live, err := c.registry.HasLiveWorker(ctx, stage)
		if err != nil {
			return nil, err
		}
		if live {
			stages = append(stages, stage)
		}
	}
	return stages, nil
}

// Run executes one pipeline run to completion or first failure. Stage
// membership is resolved once here; a worker joining or leaving mid-run
// does not alter this run's stage list.
func (c *Controller) Run(ctx context.Context, task protocol.TaskObjective) (*protocol.PipelineResponse, error) {
	stages, err := c.ResolveStages(ctx)
	if err != nil {
		return nil, err
	}

	slog.Info("pipeline run starting", "task", task.TaskID, "stages", stages)
	c.publish(task.TaskID, "pipeline_started", map[string]any{"stages": stages})

	resp := &protocol.PipelineResponse{
		TaskID: task.TaskID,
		Status: StatusRunning,
	}

	stageContext := make(map[string]any, len(task.Context))
	for k, v := range task.Context {
		stageContext[k] = v
	}
	var previousOutput map[string]any

	for idx, stage := range stages {
		subID := fmt.Sprintf("%s-P%d", task.TaskID, idx+1)
		result := c.runStage(ctx, task, stage, subID, stageContext, previousOutput)
		resp.Stages = append(resp.Stages, result)

		c.publish(task.TaskID, "pipeline_stage_completed", map[string]any{
			"stage":  stage,
			"agent":  result.AgentID,
			"status": result.Status,
		})

		if result.Status != protocol.WorkSuccess {
			resp.Status = StatusFailed
			resp.FailedStage = stage
			resp.ErrorCode = result.ErrorCode
			c.publish(task.TaskID, "pipeline_failed", map[string]any{
				"stage": stage,
				"error": result.Error,
			})
			slog.Warn("pipeline run failed", "task", task.TaskID, "stage", stage, "error", result.Error)
			return resp, nil
		}

		stageContext["stage_"+stage] = result.Output
		previousOutput = result.Output
	}

	resp.Status = StatusCompleted
	if n := len(resp.Stages); n > 0 {
		resp.FinalOutput = resp.Stages[n-1].Output
	}
	c.publish(task.TaskID, "pipeline_completed", map[string]any{
		"stages": len(resp.Stages),
	})
	slog.Info("pipeline run completed", "task", task.TaskID, "stages", len(resp.Stages))
	return resp, nil
}

// runStage selects a worker for the stage's capability, blocks on its
// result, and records the outcome. Any failure, including a worker
// becoming unreachable or the stage timing out, marks the stage failed;
// there is no automatic retry.
func (c *Controller) runStage(ctx context.Context, task protocol.TaskObjective, stage, subID string, stageContext, previousOutput map[string]any) protocol.StageResult {
	result := protocol.StageResult{Stage: stage, SubID: subID}

	candidates, err := c.registry.CandidatesFor(ctx, stage)
	if err != nil {
		result.Status = protocol.WorkFailure
		result.Error = err.Error()
		result.ErrorCode = string(fault.CodeOf(err))
		return result
	}

	ids := make([]string, len(candidates))
	urls := make(map[string]string, len(candidates))
	for i, w := range candidates {
		ids[i] = w.AgentID
		urls[w.AgentID] = w.URL
	}
	samples, err := c.health.Samples(ctx, ids)
	if err != nil {
		result.Status = protocol.WorkFailure
		result.Error = err.Error()
		result.ErrorCode = string(fault.CodeOf(err))
		return result
	}

	decision, err := router.Decide(stage, candidates, samples)
	if err != nil {
		// A worker that was live at resolution can expire before its stage.
		result.Status = protocol.WorkFailure
		result.Error = err.Error()
		result.ErrorCode = string(fault.CodeOf(err))
		return result
	}
	result.AgentID = decision.SelectedAgent
	c.recordDecision(ctx, task.TaskID, subID, stage, decision)

	work := protocol.WorkRequest{
		TaskID:  task.TaskID,
		SubID:   subID,
		Command: stage,
		Payload: map[string]any{
			"objective":       task.Objective,
			"previous_output": previousOutput,
		},
		Context:   stageContext,
		ReplyMode: protocol.ReplySync,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	defer cancel()

	start := c.now()
	workResult, err := c.invoker.Invoke(callCtx, urls[decision.SelectedAgent], work)
	latency := c.now().Sub(start)

	if err != nil {
		result.Status = protocol.WorkFailure
		result.Error = err.Error()
		result.ErrorCode = string(fault.CodeStageFailure)
		_ = c.health.ObserveFailure(ctx, decision.SelectedAgent)
		c.recordResult(ctx, task.TaskID, subID, decision.SelectedAgent, &protocol.WorkResult{
			Status: protocol.WorkFailure,
			Error:  err.Error(),
		})
		return result
	}

	result.Status = workResult.Status
	result.Output = workResult.Output
	result.Error = workResult.Error
	if workResult.Status != protocol.WorkSuccess {
		result.ErrorCode = string(fault.CodeStageFailure)
	}
	c.recordResult(ctx, task.TaskID, subID, decision.SelectedAgent, workResult)

	if workResult.Status == protocol.WorkSuccess {
		_ = c.health.ObserveSuccess(ctx, decision.SelectedAgent, latency)
	} else {
		_ = c.health.ObserveFailure(ctx, decision.SelectedAgent)
	}
	return result
}

func (c *Controller) recordDecision(ctx context.Context, taskID, subID, stage string, decision *router.Decision) {
	record := decision.ToRecord(stage, c.now())
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, state.KeyRoute(taskID, subID), string(data), 0); err != nil {
		slog.Warn("route record write failed", "task", taskID, "sub", subID, "error", err)
	}
}

func (c *Controller) recordResult(ctx context.Context, taskID, subID, agentID string, res *protocol.WorkResult) {
	record := protocol.ResultRecord{
		TaskID:  taskID,
		SubID:   subID,
		AgentID: agentID,
		Status:  res.Status,
		Output:  res.Output,
		Trace:   res.Trace,
		Error:   res.Error,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.store.RPush(ctx, state.KeyResults(taskID), string(data)); err != nil {
		slog.Warn("result record write failed", "task", taskID, "sub", subID, "error", err)
	}
}

func (c *Controller) publish(taskID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	err := c.events.PublishEvent(bus.TopicPipelineEvents(taskID), bus.Event{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: c.now().UTC(),
		Data:      data,
	})
	if err != nil {
		slog.Warn("pipeline event publish failed", "type", eventType, "task", taskID, "error", err)
	}
}
