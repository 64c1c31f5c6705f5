// Package health maintains per-worker operational metrics: a normalized
// load scalar, a rolling average latency, and a bounded recent-failure
// counter. Workers push snapshots alongside registrations and results; the
// controller folds in its own observations from result callbacks. The
// adaptive router only ever reads these records.
package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/state"
)

// FailureWindowCap bounds the recent-failure counter so one bad streak
// cannot bury a worker forever.
const FailureWindowCap = 5

const (
	fieldLoad           = "load"
	fieldAvgLatencyMS   = "avg_latency_ms"
	fieldRecentFailures = "recent_failures"
)

type Service struct {
	store state.Store
}

func New(store state.Store) *Service {
	return &Service{store: store}
}

// Record replaces the stored snapshot for an agent. Load is clamped into
// the 0.0-1.0 range the router's weighting expects.
func (s *Service) Record(ctx context.Context, agentID string, snap protocol.MetricSnapshot) error {
	key := state.KeyMetrics(agentID)
	if snap.Load < 0 {
		snap.Load = 0
	} else if snap.Load > 1 {
		snap.Load = 1
	}
	if err := s.store.HSet(ctx, key, fieldLoad, formatFloat(snap.Load)); err != nil {
		return fmt.Errorf("record load: %w", err)
	}
	if err := s.store.HSet(ctx, key, fieldAvgLatencyMS, formatFloat(snap.AvgLatencyMS)); err != nil {
		return fmt.Errorf("record latency: %w", err)
	}
	if err := s.store.HSet(ctx, key, fieldRecentFailures, strconv.Itoa(min(snap.RecentFailures, FailureWindowCap))); err != nil {
		return fmt.Errorf("record failures: %w", err)
	}
	return nil
}

// Get returns the current snapshot, ok=false when the agent has none.
func (s *Service) Get(ctx context.Context, agentID string) (protocol.MetricSnapshot, bool, error) {
	fields, err := s.store.HGetAll(ctx, state.KeyMetrics(agentID))
	if err != nil {
		return protocol.MetricSnapshot{}, false, fmt.Errorf("get metrics: %w", err)
	}
	if len(fields) == 0 {
		return protocol.MetricSnapshot{}, false, nil
	}

	var snap protocol.MetricSnapshot
	if v, ok := fields[fieldLoad]; ok {
		snap.Load, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields[fieldAvgLatencyMS]; ok {
		snap.AvgLatencyMS, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields[fieldRecentFailures]; ok {
		snap.RecentFailures, _ = strconv.Atoi(v)
	}
	return snap, true, nil
}

// ObserveSuccess folds a successful result into the agent's record: the
// failure counter decays by one and the rolling latency average shifts
// toward the observed value.
func (s *Service) ObserveSuccess(ctx context.Context, agentID string, latency time.Duration) error {
	snap, _, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if snap.RecentFailures > 0 {
		snap.RecentFailures--
	}
	if obs := float64(latency.Milliseconds()); obs > 0 {
		if snap.AvgLatencyMS == 0 {
			snap.AvgLatencyMS = obs
		} else {
			snap.AvgLatencyMS = 0.8*snap.AvgLatencyMS + 0.2*obs
		}
	}
	return s.Record(ctx, agentID, snap)
}

// ObserveFailure bumps the bounded failure counter.
func (s *Service) ObserveFailure(ctx context.Context, agentID string) error {
	snap, _, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if snap.RecentFailures < FailureWindowCap {
		snap.RecentFailures++
	}
	return s.Record(ctx, agentID, snap)
}

// Samples fetches snapshots for a set of agents; agents without a record
// are simply absent from the map.
func (s *Service) Samples(ctx context.Context, agentIDs []string) (map[string]protocol.MetricSnapshot, error) {
	out := make(map[string]protocol.MetricSnapshot, len(agentIDs))
	for _, id := range agentIDs {
		snap, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = snap
		}
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
