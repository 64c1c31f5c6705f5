// Package scheduler submits recurring objectives declared in the
// configuration: each job carries a cron expression and an objective text
// that is handed to the dispatcher when due.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

type Scheduler struct {
	dispatcher   *dispatch.Dispatcher
	nats         *bus.Client
	jobs         []job
	pollInterval time.Duration
}

type job struct {
	cfg     config.ScheduledJob
	nextRun time.Time
}

func New(d *dispatch.Dispatcher, nc *bus.Client, cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{
		dispatcher:   d,
		nats:         nc,
		pollInterval: cfg.PollInterval,
	}

	checker := gronx.New()
	for _, jc := range cfg.Jobs {
		if !checker.IsValid(jc.Cron) {
			slog.Error("skipping job with invalid cron expression", "job", jc.Name, "cron", jc.Cron)
			continue
		}
		next, err := gronx.NextTick(jc.Cron, false)
		if err != nil {
			slog.Error("skipping job with uncomputable schedule", "job", jc.Name, "error", err)
			continue
		}
		s.jobs = append(s.jobs, job{cfg: jc, nextRun: next})
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) {
	if len(s.jobs) == 0 {
		slog.Info("scheduler idle, no jobs configured")
		return
	}
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "jobs", len(s.jobs), "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now()
	for i := range s.jobs {
		if now.Before(s.jobs[i].nextRun) {
			continue
		}
		s.execute(ctx, &s.jobs[i])
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	slog.Info("submitting scheduled objective", "job", j.cfg.Name)

	task := protocol.TaskObjective{
		TaskID:    uuid.New().String(),
		Objective: j.cfg.Objective,
		Context:   map[string]any{"scheduled_job": j.cfg.Name},
	}

	var err error
	if s.dispatcher.Mode() == dispatch.ModePipeline {
		_, err = s.dispatcher.RunPipeline(ctx, task)
	} else {
		_, err = s.dispatcher.HandleTask(ctx, task)
	}

	status := "submitted"
	if err != nil {
		status = "error"
		slog.Error("scheduled objective failed", "job", j.cfg.Name, "error", err)
	}
	s.publishJobEvent(j.cfg.Name, task.TaskID, status)

	next, nerr := gronx.NextTick(j.cfg.Cron, false)
	if nerr != nil {
		slog.Error("failed to compute next run", "job", j.cfg.Name, "error", nerr)
		// Push far out so the job stops firing every poll.
		next = time.Now().Add(24 * time.Hour)
	}
	j.nextRun = next
}

func (s *Scheduler) publishJobEvent(jobName, taskID, status string) {
	if s.nats == nil {
		return
	}
	err := s.nats.PublishEvent(bus.TopicSchedulerEvents(jobName), bus.Event{
		Type:   "scheduled_job_executed",
		Job:    jobName,
		TaskID: taskID,
		Data:   map[string]any{"status": status},
	})
	if err != nil {
		slog.Warn("scheduler event publish failed", "job", jobName, "error", err)
	}
}
