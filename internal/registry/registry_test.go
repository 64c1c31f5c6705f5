package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/state"
)

type eventSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *eventSink) PublishEvent(_ string, ev bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func registration(id string, caps ...string) protocol.Registration {
	return protocol.Registration{
		AgentID:      id,
		URL:          "http://" + id + ":9090",
		Capabilities: caps,
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore(), nil, time.Minute)

	_, err := reg.Register(ctx, protocol.Registration{Capabilities: []string{"analyze"}})
	if !fault.IsCode(err, fault.CodeInvalidArgument) {
		t.Errorf("Register without agent_id = %v, want invalid_argument", err)
	}
	_, err = reg.Register(ctx, protocol.Registration{AgentID: "a"})
	if !fault.IsCode(err, fault.CodeInvalidArgument) {
		t.Errorf("Register without capabilities = %v, want invalid_argument", err)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	sink := &eventSink{}
	reg := New(state.NewMemStore(), sink, time.Minute)

	w, err := reg.Register(ctx, registration("agent-1", "analyze", "retrieve"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.Seq != 1 {
		t.Errorf("Seq = %d, want 1", w.Seq)
	}

	got, err := reg.Lookup(ctx, "agent-1")
	if err != nil || got == nil {
		t.Fatalf("Lookup = (%v, %v)", got, err)
	}
	if got.URL != "http://agent-1:9090" || !got.HasCapability("retrieve") {
		t.Errorf("Lookup = %+v", got)
	}

	types := sink.types()
	if len(types) != 1 || types[0] != "agent_registered" {
		t.Errorf("published events = %v, want [agent_registered]", types)
	}
}

func TestRegistrationOrderPreserved(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore(), nil, time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := reg.Register(ctx, registration(id, "analyze")); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	// Re-registering keeps the original position.
	if _, err := reg.Register(ctx, registration("a", "analyze")); err != nil {
		t.Fatalf("re-register a: %v", err)
	}

	candidates, err := reg.CandidatesFor(ctx, "analyze")
	if err != nil {
		t.Fatalf("CandidatesFor: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(candidates) != len(want) {
		t.Fatalf("candidates = %v", candidates)
	}
	for i, w := range candidates {
		if w.AgentID != want[i] {
			t.Errorf("candidates[%d] = %s, want %s", i, w.AgentID, want[i])
		}
	}
}

func TestReregisterSwapsCapabilityIndex(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore(), nil, time.Minute)

	if _, err := reg.Register(ctx, registration("agent-1", "analyze", "retrieve")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register(ctx, registration("agent-1", "evaluate")); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	for cap, want := range map[string]int{"analyze": 0, "retrieve": 0, "evaluate": 1} {
		candidates, err := reg.CandidatesFor(ctx, cap)
		if err != nil {
			t.Fatalf("CandidatesFor %s: %v", cap, err)
		}
		if len(candidates) != want {
			t.Errorf("CandidatesFor(%s) = %d candidates, want %d", cap, len(candidates), want)
		}
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore(), nil, time.Minute)

	err := reg.Heartbeat(ctx, "ghost")
	if !fault.IsCode(err, fault.CodeNotFound) {
		t.Fatalf("Heartbeat unknown = %v, want not_found", err)
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	sink := &eventSink{}
	reg := New(state.NewMemStore(), sink, 40*time.Millisecond)

	if _, err := reg.Register(ctx, registration("stale", "analyze")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register(ctx, registration("fresh", "analyze")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Keep one worker alive across the TTL window.
	time.Sleep(25 * time.Millisecond)
	if err := reg.Heartbeat(ctx, "fresh"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	candidates, err := reg.CandidatesFor(ctx, "analyze")
	if err != nil {
		t.Fatalf("CandidatesFor: %v", err)
	}
	if len(candidates) != 1 || candidates[0].AgentID != "fresh" {
		t.Fatalf("candidates = %v, want only fresh", candidates)
	}

	// The stale worker is fully removed, not just filtered.
	if w, _ := reg.Lookup(ctx, "stale"); w != nil {
		t.Error("expired worker still present in routing hash")
	}
	if err := reg.Heartbeat(ctx, "stale"); !fault.IsCode(err, fault.CodeNotFound) {
		t.Errorf("Heartbeat after expiry = %v, want not_found", err)
	}

	expired := false
	for _, typ := range sink.types() {
		if typ == "agent_expired" {
			expired = true
		}
	}
	if !expired {
		t.Error("no agent_expired event published")
	}
}

func TestExpireStaleReturnsRemoved(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore(), nil, 20*time.Millisecond)

	if _, err := reg.Register(ctx, registration("gone", "analyze")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	removed, err := reg.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(removed) != 1 || removed[0] != "gone" {
		t.Fatalf("removed = %v, want [gone]", removed)
	}

	// A second sweep has nothing to do.
	removed, err = reg.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("second sweep removed = %v", removed)
	}
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore(), nil, time.Minute)

	if _, err := reg.Register(ctx, registration("a", "retrieve", "analyze")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register(ctx, registration("b", "analyze", "evaluate")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	caps, err := reg.Capabilities(ctx)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	want := []string{"analyze", "evaluate", "retrieve"}
	if len(caps) != len(want) {
		t.Fatalf("Capabilities = %v, want %v", caps, want)
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Errorf("Capabilities[%d] = %s, want %s", i, caps[i], want[i])
		}
	}

	live, err := reg.HasLiveWorker(ctx, "evaluate")
	if err != nil || !live {
		t.Errorf("HasLiveWorker(evaluate) = (%v, %v), want true", live, err)
	}
	live, err = reg.HasLiveWorker(ctx, "finalize")
	if err != nil || live {
		t.Errorf("HasLiveWorker(finalize) = (%v, %v), want false", live, err)
	}
}
