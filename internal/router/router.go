// Package router implements the adaptive routing decision: given a
// capability's live candidate workers and their health samples, pick one
// worker and say why. It performs no I/O; callers supply snapshots, which
// keeps the decision deterministic and independently testable.
package router

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/health"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// Score weights. Recent failures outweigh load so a consistently failing
// worker is deprioritized even when momentarily idle.
const (
	failureWeight = 0.65
	loadWeight    = 0.35

	// neutralScore is used for candidates with no health sample yet; a
	// missing sample never disqualifies a candidate.
	neutralScore = 0.5
)

type Decision struct {
	SelectedAgent string
	Reason        string
	Scores        map[string]float64
}

// Decide selects one worker for the command. Candidates must already be
// liveness-filtered; an empty list is a no_candidates error, never a
// default selection.
func Decide(command string, candidates []registry.Worker, samples map[string]protocol.MetricSnapshot) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, fault.New(fault.CodeNoCandidates, "no live worker for capability %q", command)
	}

	scores := make(map[string]float64, len(candidates))
	for _, w := range candidates {
		scores[w.AgentID] = score(samples, w.AgentID)
	}

	ranked := append([]registry.Worker(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if scores[a.AgentID] != scores[b.AgentID] {
			return scores[a.AgentID] < scores[b.AgentID]
		}
		// Prefer specialists over generalists.
		if len(a.Capabilities) != len(b.Capabilities) {
			return len(a.Capabilities) < len(b.Capabilities)
		}
		// Finally fall back to registration order.
		return a.Seq < b.Seq
	})

	winner := ranked[0]
	return &Decision{
		SelectedAgent: winner.AgentID,
		Reason:        reason(winner, ranked, scores, samples),
		Scores:        scores,
	}, nil
}

func score(samples map[string]protocol.MetricSnapshot, agentID string) float64 {
	snap, ok := samples[agentID]
	if !ok {
		return neutralScore
	}
	failures := math.Min(float64(snap.RecentFailures), health.FailureWindowCap)
	return failureWeight*(failures/health.FailureWindowCap) + loadWeight*snap.Load
}

// reason builds the short human-readable justification that downstream
// auditing depends on. It always references the winning metric.
func reason(winner registry.Worker, ranked []registry.Worker, scores map[string]float64, samples map[string]protocol.MetricSnapshot) string {
	snap, hasSample := samples[winner.AgentID]
	n := len(ranked)

	if n == 1 {
		return "only live candidate for the capability"
	}
	if !hasSample {
		return fmt.Sprintf("no health sample recorded; neutral score %.2f was lowest of %d candidates", scores[winner.AgentID], n)
	}

	// Tied top score: the tie-break decided.
	runnerUp := ranked[1]
	if scores[winner.AgentID] == scores[runnerUp.AgentID] {
		if len(winner.Capabilities) < len(runnerUp.Capabilities) {
			return fmt.Sprintf("tied composite score %.2f; preferred as the more specialized worker (%d vs %d declared capabilities)",
				scores[winner.AgentID], len(winner.Capabilities), len(runnerUp.Capabilities))
		}
		return fmt.Sprintf("tied composite score %.2f; earliest registration wins", scores[winner.AgentID])
	}

	if snap.RecentFailures == 0 {
		if hasLowestLoad(winner, ranked, samples) {
			return fmt.Sprintf("zero recent failures and lowest load (%.2f) among %d candidates", snap.Load, n)
		}
		return fmt.Sprintf("zero recent failures; lowest composite score %.2f among %d candidates",
			scores[winner.AgentID], n)
	}
	return fmt.Sprintf("lowest composite score %.2f (%d recent failures, load %.2f) among %d candidates",
		scores[winner.AgentID], snap.RecentFailures, snap.Load, n)
}

// hasLowestLoad reports whether no other sampled candidate carries a
// strictly lower load than the winner.
func hasLowestLoad(winner registry.Worker, ranked []registry.Worker, samples map[string]protocol.MetricSnapshot) bool {
	load := samples[winner.AgentID].Load
	for _, w := range ranked {
		if w.AgentID == winner.AgentID {
			continue
		}
		if snap, ok := samples[w.AgentID]; ok && snap.Load < load {
			return false
		}
	}
	return true
}

// ToRecord converts a decision into the append-only log entry persisted
// per dispatch.
func (d *Decision) ToRecord(command string, at time.Time) protocol.RouteDecision {
	return protocol.RouteDecision{
		Command:       command,
		SelectedAgent: d.SelectedAgent,
		Reason:        d.Reason,
		Scores:        d.Scores,
		Timestamp:     at.UTC(),
	}
}
