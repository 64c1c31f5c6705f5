// Package registry tracks which workers exist, their addresses, declared
// capabilities, and liveness. It exclusively owns the routing hash, the
// per-capability index sets, and the heartbeat TTL markers; every other
// component only consumes read snapshots.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/state"
)

// DefaultTTL is the liveness window. A worker that misses a single
// heartbeat interval is still live; only once the full TTL lapses without
// renewal is it removed.
const DefaultTTL = 30 * time.Second

// Worker is the registry's record of one registered worker.
type Worker struct {
	AgentID      string    `json:"agent_id"`
	URL          string    `json:"url"`
	Capabilities []string  `json:"capabilities"`
	Description  string    `json:"description,omitempty"`
	Seq          int64     `json:"seq"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapability reports whether the worker declares the capability.
func (w Worker) HasCapability(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Events is the sink for worker lifecycle events. A nil sink disables
// publication.
type Events interface {
	PublishEvent(topic string, ev bus.Event) error
}

type Registry struct {
	store  state.Store
	events Events
	ttl    time.Duration

	// mu serializes mutations so two concurrent registrations of the same
	// agent cannot interleave into a capability index holding a mix of old
	// and new capability sets.
	mu  sync.Mutex
	now func() time.Time
}

func New(store state.Store, events Events, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store:  store,
		events: events,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Register upserts a worker record, refreshes its TTL, and updates the
// capability index. Re-registering with a different capability set
// atomically replaces the old index memberships with the new ones.
func (r *Registry) Register(ctx context.Context, reg protocol.Registration) (*Worker, error) {
	if reg.AgentID == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "registration missing agent_id")
	}
	if len(reg.Capabilities) == 0 {
		return nil, fault.New(fault.CodeInvalidArgument, "registration for %s declares no capabilities", reg.AgentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.lookup(ctx, reg.AgentID)
	if err != nil {
		return nil, err
	}

	w := Worker{
		AgentID:      reg.AgentID,
		URL:          reg.URL,
		Capabilities: append([]string(nil), reg.Capabilities...),
		Description:  reg.Description,
		RegisteredAt: r.now().UTC(),
	}
	if existing != nil {
		// Idempotent re-registration keeps its place in registration order.
		w.Seq = existing.Seq
		w.RegisteredAt = existing.RegisteredAt
	} else {
		seq, err := r.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		w.Seq = seq
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal worker record: %w", err)
	}
	if err := r.store.HSet(ctx, state.KeyRouting, w.AgentID, string(data)); err != nil {
		return nil, fmt.Errorf("save worker record: %w", err)
	}

	// Swap capability index memberships: remove stale, add new.
	if existing != nil {
		for _, cap := range existing.Capabilities {
			if !w.HasCapability(cap) {
				if err := r.store.SRem(ctx, state.KeyCapIndex(cap), w.AgentID); err != nil {
					return nil, fmt.Errorf("remove stale cap index %s: %w", cap, err)
				}
			}
		}
	}
	for _, cap := range w.Capabilities {
		if err := r.store.SAdd(ctx, state.KeyCapIndex(cap), w.AgentID); err != nil {
			return nil, fmt.Errorf("add cap index %s: %w", cap, err)
		}
	}

	if err := r.store.Set(ctx, state.KeyHeartbeat(w.AgentID), "1", r.ttl); err != nil {
		return nil, fmt.Errorf("set heartbeat: %w", err)
	}

	r.publish("agent_registered", w.AgentID, map[string]any{
		"url":          w.URL,
		"capabilities": w.Capabilities,
	})
	slog.Info("worker registered", "agent", w.AgentID, "capabilities", w.Capabilities)
	return &w, nil
}

// Heartbeat renews a worker's TTL. Unknown agents get not_found; the
// caller should re-register rather than retry.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.lookup(ctx, agentID)
	if err != nil {
		return err
	}
	if w == nil {
		return fault.New(fault.CodeNotFound, "agent %s is not registered", agentID)
	}
	if err := r.store.Set(ctx, state.KeyHeartbeat(agentID), "1", r.ttl); err != nil {
		return fmt.Errorf("renew heartbeat: %w", err)
	}
	return nil
}

// ExpireStale removes every worker whose TTL has fully lapsed and returns
// the removed agent ids. It runs lazily on every lookup and may also be
// driven by a periodic sweep for prompt event publication.
func (r *Registry) ExpireStale(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireStaleLocked(ctx)
}

func (r *Registry) expireStaleLocked(ctx context.Context) ([]string, error) {
	records, err := r.store.HGetAll(ctx, state.KeyRouting)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	var removed []string
	for agentID, raw := range records {
		_, alive, err := r.store.Get(ctx, state.KeyHeartbeat(agentID))
		if err != nil {
			return nil, fmt.Errorf("check heartbeat: %w", err)
		}
		if alive {
			continue
		}

		var w Worker
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			slog.Warn("dropping unreadable worker record", "agent", agentID, "error", err)
		}
		if err := r.store.HDel(ctx, state.KeyRouting, agentID); err != nil {
			return nil, fmt.Errorf("remove worker record: %w", err)
		}
		for _, cap := range w.Capabilities {
			if err := r.store.SRem(ctx, state.KeyCapIndex(cap), agentID); err != nil {
				return nil, fmt.Errorf("remove cap index %s: %w", cap, err)
			}
		}
		removed = append(removed, agentID)

		r.publish("agent_expired", agentID, map[string]any{
			"capabilities": w.Capabilities,
		})
		slog.Info("worker expired", "agent", agentID)
	}
	return removed, nil
}

// CandidatesFor returns the live workers declaring the capability, in
// registration order. Expired workers are never returned.
func (r *Registry) CandidatesFor(ctx context.Context, command string) ([]Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.expireStaleLocked(ctx); err != nil {
		return nil, err
	}

	members, err := r.store.SMembers(ctx, state.KeyCapIndex(command))
	if err != nil {
		return nil, fmt.Errorf("read cap index: %w", err)
	}

	workers := make([]Worker, 0, len(members))
	for _, agentID := range members {
		w, err := r.lookup(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if w != nil {
			workers = append(workers, *w)
		}
	}
	sortBySeq(workers)
	return workers, nil
}

// Workers returns every live worker in registration order.
func (r *Registry) Workers(ctx context.Context) ([]Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.expireStaleLocked(ctx); err != nil {
		return nil, err
	}

	records, err := r.store.HGetAll(ctx, state.KeyRouting)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]Worker, 0, len(records))
	for _, raw := range records {
		var w Worker
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("decode worker record: %w", err)
		}
		workers = append(workers, w)
	}
	sortBySeq(workers)
	return workers, nil
}

// Capabilities returns the sorted set of capabilities currently covered by
// at least one live worker.
func (r *Registry) Capabilities(ctx context.Context) ([]string, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, w := range workers {
		for _, c := range w.Capabilities {
			seen[c] = struct{}{}
		}
	}
	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, nil
}

// HasLiveWorker reports whether at least one live worker declares the
// capability.
func (r *Registry) HasLiveWorker(ctx context.Context, capability string) (bool, error) {
	candidates, err := r.CandidatesFor(ctx, capability)
	if err != nil {
		return false, err
	}
	return len(candidates) > 0, nil
}

// Lookup returns a live worker by id, or nil.
func (r *Registry) Lookup(ctx context.Context, agentID string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.expireStaleLocked(ctx); err != nil {
		return nil, err
	}
	return r.lookup(ctx, agentID)
}

func (r *Registry) lookup(ctx context.Context, agentID string) (*Worker, error) {
	raw, ok, err := r.store.HGet(ctx, state.KeyRouting, agentID)
	if err != nil {
		return nil, fmt.Errorf("get worker record: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var w Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode worker record: %w", err)
	}
	return &w, nil
}

func (r *Registry) nextSeq(ctx context.Context) (int64, error) {
	raw, ok, err := r.store.Get(ctx, state.KeyRoutingSeq)
	if err != nil {
		return 0, fmt.Errorf("read registration counter: %w", err)
	}
	var seq int64
	if ok {
		seq, _ = strconv.ParseInt(raw, 10, 64)
	}
	seq++
	if err := r.store.Set(ctx, state.KeyRoutingSeq, strconv.FormatInt(seq, 10), 0); err != nil {
		return 0, fmt.Errorf("write registration counter: %w", err)
	}
	return seq, nil
}

func (r *Registry) publish(eventType, agentID string, data map[string]any) {
	if r.events == nil {
		return
	}
	err := r.events.PublishEvent(bus.TopicAgentEvents, bus.Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: r.now().UTC(),
		Data:      data,
	})
	if err != nil {
		slog.Warn("agent event publish failed", "type", eventType, "agent", agentID, "error", err)
	}
}

func sortBySeq(workers []Worker) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Seq < workers[j].Seq
	})
}
