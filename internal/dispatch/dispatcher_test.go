package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/decompose"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/health"
	"github.com/taskmesh/taskmesh/internal/pipeline"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/state"
)

// fakeInvoker records deliveries and signals each one on a channel so
// tests can wait for the fire-and-forget goroutine.
type fakeInvoker struct {
	mu        sync.Mutex
	requests  []protocol.WorkRequest
	err       error
	delivered chan struct{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{delivered: make(chan struct{}, 16)}
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, work protocol.WorkRequest) (*protocol.WorkResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, work)
	err := f.err
	f.mu.Unlock()
	f.delivered <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &protocol.WorkResult{Status: protocol.WorkSuccess}, nil
}

func (f *fakeInvoker) waitDeliveries(t *testing.T, n int) []protocol.WorkRequest {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.WorkRequest(nil), f.requests...)
}

type fixture struct {
	store   *state.MemStore
	reg     *registry.Registry
	metrics *health.Service
	invoker *fakeInvoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   state.NewMemStore(),
		invoker: newFakeInvoker(),
	}
	f.reg = registry.New(f.store, nil, time.Minute)
	f.metrics = health.New(f.store)
	return f
}

func (f *fixture) register(t *testing.T, id string, caps ...string) {
	t.Helper()
	_, err := f.reg.Register(context.Background(), protocol.Registration{
		AgentID:      id,
		URL:          "http://" + id,
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) dispatcher(t *testing.T, mode string) *Dispatcher {
	t.Helper()
	dec, err := decompose.New(decompose.NewRuleStrategy(nil), decompose.PolicyOmit, nil)
	if err != nil {
		t.Fatalf("decomposer: %v", err)
	}
	var pipe *pipeline.Controller
	if mode == string(ModePipeline) {
		pipe = pipeline.New(f.reg, f.metrics, f.invoker, f.store, nil,
			[]string{"analyze"}, nil, time.Minute)
	}
	d, err := New(mode, f.reg, dec, pipe, f.metrics, f.invoker, f.store, nil, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestParseMode(t *testing.T) {
	for _, mode := range []string{"routing", "pipeline"} {
		if _, err := ParseMode(mode); err != nil {
			t.Errorf("ParseMode(%s) = %v", mode, err)
		}
	}
	_, err := ParseMode("broadcast")
	if !fault.IsCode(err, fault.CodeUnknownMode) {
		t.Errorf("ParseMode(broadcast) = %v, want unknown_mode", err)
	}
}

func TestNewValidatesConfiguration(t *testing.T) {
	f := newFixture(t)
	dec, _ := decompose.New(decompose.NewRuleStrategy(nil), decompose.PolicyOmit, nil)

	if _, err := New("teleport", f.reg, dec, nil, f.metrics, f.invoker, f.store, nil, 0); !fault.IsCode(err, fault.CodeUnknownMode) {
		t.Errorf("unknown mode: err = %v", err)
	}
	if _, err := New("pipeline", f.reg, dec, nil, f.metrics, f.invoker, f.store, nil, 0); err == nil {
		t.Error("pipeline mode without a controller succeeded")
	}
}

func TestRegisterStoresInitialMetrics(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, "routing")

	err := d.Register(context.Background(), protocol.Registration{
		AgentID:      "agent-1",
		URL:          "http://agent-1",
		Capabilities: []string{"analyze"},
		Metrics:      &protocol.MetricSnapshot{Load: 0.3},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	snap, ok, err := f.metrics.Get(context.Background(), "agent-1")
	if err != nil || !ok || snap.Load != 0.3 {
		t.Errorf("metrics = (%+v, %v, %v)", snap, ok, err)
	}
}

func TestHandleTaskDispatchesSubtasks(t *testing.T) {
	f := newFixture(t)
	f.register(t, "analyzer", "analyze")
	f.register(t, "retriever", "retrieve")
	d := f.dispatcher(t, "routing")

	resp, err := d.HandleTask(context.Background(), protocol.TaskObjective{
		TaskID:    "t1",
		Objective: "investigate the incident",
	})
	if err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if len(resp.Subtasks) != 2 {
		t.Fatalf("subtasks = %v", resp.Subtasks)
	}
	for _, st := range resp.Subtasks {
		if st.Status != protocol.SubtaskDispatched {
			t.Errorf("subtask %s status = %s, want dispatched", st.SubID, st.Status)
		}
	}

	reqs := f.invoker.waitDeliveries(t, 2)
	for _, r := range reqs {
		if r.ReplyMode != protocol.ReplyAsync {
			t.Errorf("ReplyMode = %s, want async", r.ReplyMode)
		}
	}

	// Subtasks are persisted both in the list and individually.
	items, err := f.store.LRange(context.Background(), state.KeySubtasks("t1"))
	if err != nil || len(items) != 2 {
		t.Errorf("subtask list = %v (%v)", items, err)
	}
}

func TestHandleTaskAssignsTaskID(t *testing.T) {
	f := newFixture(t)
	f.register(t, "analyzer", "analyze")
	d := f.dispatcher(t, "routing")

	resp, err := d.HandleTask(context.Background(), protocol.TaskObjective{Objective: "x"})
	if err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if resp.TaskID == "" {
		t.Error("no task id assigned")
	}
	f.invoker.waitDeliveries(t, 1)
}

func TestDispatchRecordsDecision(t *testing.T) {
	f := newFixture(t)
	f.register(t, "analyzer", "analyze")
	d := f.dispatcher(t, "routing")
	ctx := context.Background()

	decision, err := d.Dispatch(ctx, protocol.WorkRequest{
		TaskID:  "t1",
		SubID:   "t1-S1",
		Command: "analyze",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if decision.SelectedAgent != "analyzer" || decision.Reason == "" {
		t.Errorf("decision = %+v", decision)
	}
	f.invoker.waitDeliveries(t, 1)

	// The route record is retrievable per subtask.
	raw, ok, err := f.store.Get(ctx, state.KeyRoute("t1", "t1-S1"))
	if err != nil || !ok {
		t.Fatalf("route record missing: %v", err)
	}
	var rec protocol.RouteDecision
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode route record: %v", err)
	}
	if rec.SelectedAgent != "analyzer" || rec.Command != "analyze" {
		t.Errorf("route record = %+v", rec)
	}

	// And the dispatch log grew by one entry.
	entries, err := f.store.LRange(ctx, state.KeyDispatchLog("t1"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("dispatch log = %v (%v)", entries, err)
	}
	var entry protocol.DispatchLogEntry
	if err := json.Unmarshal([]byte(entries[0]), &entry); err != nil {
		t.Fatalf("decode dispatch log: %v", err)
	}
	if entry.AgentID != "analyzer" || entry.RouteReason == "" {
		t.Errorf("dispatch log entry = %+v", entry)
	}
}

func TestDispatchMergesGlobalContext(t *testing.T) {
	f := newFixture(t)
	f.register(t, "analyzer", "analyze")
	d := f.dispatcher(t, "routing")
	ctx := context.Background()

	if err := f.store.HSet(ctx, state.KeyGlobalContext, "tenant", "acme"); err != nil {
		t.Fatalf("seed global context: %v", err)
	}
	if err := f.store.HSet(ctx, state.KeyGlobalContext, "region", "eu"); err != nil {
		t.Fatalf("seed global context: %v", err)
	}

	if _, err := d.Dispatch(ctx, protocol.WorkRequest{
		TaskID:  "t1",
		SubID:   "t1-S1",
		Command: "analyze",
		Context: map[string]any{"region": "us"},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	reqs := f.invoker.waitDeliveries(t, 1)
	if reqs[0].Context["tenant"] != "acme" {
		t.Errorf("Context = %v, want global tenant merged in", reqs[0].Context)
	}
	// The caller-supplied value shadows the global one.
	if reqs[0].Context["region"] != "us" {
		t.Errorf("Context[region] = %v, want caller value kept", reqs[0].Context["region"])
	}
}

func TestDispatchNoCandidates(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, "routing")

	_, err := d.Dispatch(context.Background(), protocol.WorkRequest{
		TaskID:  "t1",
		SubID:   "t1-S1",
		Command: "analyze",
	})
	if !fault.IsCode(err, fault.CodeNoCandidates) {
		t.Fatalf("err = %v, want no_candidates", err)
	}
}

func TestDeliveryFailureRecordsFailedResult(t *testing.T) {
	f := newFixture(t)
	f.register(t, "flaky", "analyze")
	f.invoker.err = fault.New(fault.CodeWorkerUnreachable, "connection refused")
	d := f.dispatcher(t, "routing")
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, protocol.WorkRequest{
		TaskID:  "t1",
		SubID:   "t1-S1",
		Command: "analyze",
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f.invoker.waitDeliveries(t, 1)

	// The failed result lands asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		results, err := d.Results(ctx, "t1")
		if err != nil {
			t.Fatalf("Results: %v", err)
		}
		if len(results) == 1 {
			if results[0].Status != protocol.WorkFailure || results[0].AgentID != "flaky" {
				t.Fatalf("result = %+v", results[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no failed result recorded after delivery failure")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// One failed delivery is one failure, not one per observation path.
	snap, ok, err := f.metrics.Get(ctx, "flaky")
	if err != nil || !ok {
		t.Fatalf("metrics = (%+v, %v, %v)", snap, ok, err)
	}
	if snap.RecentFailures != 1 {
		t.Errorf("recent_failures = %d after one failed delivery, want 1", snap.RecentFailures)
	}
}

func TestHandleResult(t *testing.T) {
	f := newFixture(t)
	f.register(t, "analyzer", "analyze")
	d := f.dispatcher(t, "routing")
	ctx := context.Background()

	// Seed a stored subtask so the status transition is observable.
	st := protocol.Subtask{TaskID: "t1", SubID: "t1-S1", Command: "analyze", Status: protocol.SubtaskDispatched}
	data, _ := json.Marshal(st)
	if err := f.store.Set(ctx, state.KeySubtask("t1", "t1-S1"), string(data), 0); err != nil {
		t.Fatalf("seed subtask: %v", err)
	}

	err := d.HandleResult(ctx, protocol.ResultRecord{
		TaskID:  "t1",
		SubID:   "t1-S1",
		AgentID: "analyzer",
		Status:  protocol.WorkSuccess,
		Output:  map[string]any{"verdict": "ok"},
		Metrics: &protocol.MetricSnapshot{Load: 0.7},
	})
	if err != nil {
		t.Fatalf("HandleResult: %v", err)
	}

	results, err := d.Results(ctx, "t1")
	if err != nil || len(results) != 1 {
		t.Fatalf("Results = %v (%v)", results, err)
	}
	if results[0].Output["verdict"] != "ok" {
		t.Errorf("result = %+v", results[0])
	}

	// The attached metrics snapshot replaced the agent's record.
	snap, ok, _ := f.metrics.Get(ctx, "analyzer")
	if !ok || snap.Load != 0.7 {
		t.Errorf("metrics = %+v", snap)
	}

	// The subtask advanced to completed.
	raw, ok, _ := f.store.Get(ctx, state.KeySubtask("t1", "t1-S1"))
	if !ok {
		t.Fatal("subtask record gone")
	}
	var updated protocol.Subtask
	if err := json.Unmarshal([]byte(raw), &updated); err != nil {
		t.Fatalf("decode subtask: %v", err)
	}
	if updated.Status != protocol.SubtaskCompleted {
		t.Errorf("subtask status = %s, want completed", updated.Status)
	}
}

func TestHandleResultFailureBumpsFailures(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, "routing")
	ctx := context.Background()

	err := d.HandleResult(ctx, protocol.ResultRecord{
		TaskID:  "t1",
		SubID:   "t1-S1",
		AgentID: "analyzer",
		Status:  protocol.WorkFailure,
		Error:   "crashed",
	})
	if err != nil {
		t.Fatalf("HandleResult: %v", err)
	}

	snap, ok, _ := f.metrics.Get(ctx, "analyzer")
	if !ok || snap.RecentFailures != 1 {
		t.Errorf("metrics = %+v, want one recent failure", snap)
	}
}

func TestRunPipelineGuardsMode(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, "routing")

	_, err := d.RunPipeline(context.Background(), protocol.TaskObjective{Objective: "x"})
	if !fault.IsCode(err, fault.CodeUnknownMode) {
		t.Fatalf("err = %v, want unknown_mode", err)
	}
}

func TestRunPipelineDelegates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "analyzer", "analyze")
	d := f.dispatcher(t, "pipeline")

	resp, err := d.RunPipeline(context.Background(), protocol.TaskObjective{Objective: "x"})
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if resp.Status != pipeline.StatusCompleted || len(resp.Stages) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.TaskID == "" {
		t.Error("no task id assigned")
	}
}
