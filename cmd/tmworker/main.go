// tmworker is a reference worker agent: it registers its capabilities with
// the controller, keeps its heartbeat fresh, and serves /work requests in
// either reply mode. The default handler echoes the payload; set
// LLM_GATEWAY_URL to answer with generated text instead.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/llm"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

type workerConfig struct {
	AgentID           string
	Port              int
	AdvertiseURL      string
	ControllerURL     string
	AuthToken         string
	Capabilities      []string
	Description       string
	HeartbeatInterval time.Duration

	// Capacity is the in-flight work count treated as fully loaded; the
	// reported load is the in-flight share of it, capped at 1.
	Capacity int
}

func loadWorkerConfig() workerConfig {
	cfg := workerConfig{
		AgentID:           os.Getenv("TMWORKER_ID"),
		Port:              9090,
		ControllerURL:     os.Getenv("TMWORKER_CONTROLLER_URL"),
		AuthToken:         os.Getenv("TMWORKER_CONTROLLER_TOKEN"),
		Description:       os.Getenv("TMWORKER_DESCRIPTION"),
		HeartbeatInterval: 10 * time.Second,
		Capacity:          8,
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "worker-" + uuid.New().String()[:8]
	}
	if v := os.Getenv("TMWORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if cfg.ControllerURL == "" {
		cfg.ControllerURL = "http://localhost:8080"
	}
	cfg.AdvertiseURL = os.Getenv("TMWORKER_URL")
	if cfg.AdvertiseURL == "" {
		cfg.AdvertiseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	caps := os.Getenv("TMWORKER_CAPABILITIES")
	if caps == "" {
		caps = "analyze"
	}
	for _, c := range strings.Split(caps, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Capabilities = append(cfg.Capabilities, c)
		}
	}
	if v := os.Getenv("TMWORKER_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("TMWORKER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Capacity = n
		}
	}
	return cfg
}

// Handler computes the output for one work request.
type Handler interface {
	Handle(ctx context.Context, work protocol.WorkRequest) (map[string]any, error)
}

// echoHandler reflects the request back; useful for wiring tests and as a
// placeholder capability.
type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, work protocol.WorkRequest) (map[string]any, error) {
	return map[string]any{
		"command": work.Command,
		"echo":    work.Payload,
	}, nil
}

// llmHandler answers the stage's objective with generated text.
type llmHandler struct {
	client *llm.Client
}

func (h *llmHandler) Handle(ctx context.Context, work protocol.WorkRequest) (map[string]any, error) {
	objective, _ := work.Payload["objective"].(string)
	prompt := fmt.Sprintf("Capability: %s\nObjective: %s", work.Command, objective)
	if prev, ok := work.Payload["previous_output"]; ok && prev != nil {
		if data, err := json.Marshal(prev); err == nil {
			prompt += "\nPrevious stage output: " + string(data)
		}
	}
	text, err := h.client.Generate(ctx, "You are a worker agent in a multi-agent system. Perform the capability named below against the objective and reply with your result.", prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

type workerServer struct {
	cfg     workerConfig
	handler Handler
	httpc   *http.Client

	// inflight counts async work in progress; reported as load.
	inflight atomic.Int64
}

func main() {
	cfg := loadWorkerConfig()

	var handler Handler = echoHandler{}
	if gateway := os.Getenv("LLM_GATEWAY_URL"); gateway != "" {
		handler = &llmHandler{client: llm.NewClient(config.LLMConfig{
			GatewayURL: gateway,
			Provider:   os.Getenv("LLM_PROVIDER"),
		})}
	}

	ws := &workerServer{
		cfg:     cfg,
		handler: handler,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ws.register(ctx); err != nil {
		slog.Error("registration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("registered with controller", "agent", cfg.AgentID, "capabilities", cfg.Capabilities)

	go ws.heartbeatLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /work", ws.handleWork)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("worker listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("worker server failed", "error", err)
		os.Exit(1)
	}
}

func (ws *workerServer) register(ctx context.Context) error {
	reg := protocol.Registration{
		AgentID:      ws.cfg.AgentID,
		URL:          ws.cfg.AdvertiseURL,
		Capabilities: ws.cfg.Capabilities,
		Description:  ws.cfg.Description,
		Metrics:      &protocol.MetricSnapshot{},
	}
	return ws.post(ctx, "/register", reg, nil)
}

func (ws *workerServer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				ws.cfg.ControllerURL+"/heartbeat/"+ws.cfg.AgentID, nil)
			if err != nil {
				continue
			}
			ws.auth(req)
			resp, err := ws.httpc.Do(req)
			if err != nil {
				slog.Warn("heartbeat failed", "error", err)
				continue
			}
			resp.Body.Close()
			// A 404 means the registration lapsed; re-register.
			if resp.StatusCode == http.StatusNotFound {
				slog.Warn("registration expired, re-registering")
				if err := ws.register(ctx); err != nil {
					slog.Warn("re-registration failed", "error", err)
				}
			}
		}
	}
}

func (ws *workerServer) handleWork(w http.ResponseWriter, r *http.Request) {
	var work protocol.WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&work); err != nil {
		http.Error(w, "invalid work payload", http.StatusBadRequest)
		return
	}
	slog.Info("work received", "task", work.TaskID, "sub", work.SubID, "command", work.Command, "mode", work.ReplyMode)

	if work.ReplyMode == protocol.ReplySync {
		result := ws.execute(r.Context(), work)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
		return
	}

	// Async: acknowledge now, compute in the background, post the result to
	// the controller's callback endpoint.
	go ws.executeAsync(work)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (ws *workerServer) execute(ctx context.Context, work protocol.WorkRequest) protocol.WorkResult {
	ws.inflight.Add(1)
	defer ws.inflight.Add(-1)

	output, err := ws.handler.Handle(ctx, work)
	if err != nil {
		return protocol.WorkResult{Status: protocol.WorkFailure, Error: err.Error()}
	}
	return protocol.WorkResult{Status: protocol.WorkSuccess, Output: output}
}

func (ws *workerServer) executeAsync(work protocol.WorkRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	result := ws.execute(ctx, work)

	record := protocol.ResultRecord{
		TaskID:  work.TaskID,
		SubID:   work.SubID,
		AgentID: ws.cfg.AgentID,
		Status:  result.Status,
		Output:  result.Output,
		Trace:   result.Trace,
		Error:   result.Error,
		Metrics: &protocol.MetricSnapshot{
			Load:         ws.loadSnapshot(),
			AvgLatencyMS: float64(time.Since(start).Milliseconds()),
		},
	}
	if err := ws.post(ctx, "/result", record, nil); err != nil {
		slog.Error("result callback failed", "task", work.TaskID, "sub", work.SubID, "error", err)
	}
}

// loadSnapshot reports in-flight work as a 0.0-1.0 share of capacity.
func (ws *workerServer) loadSnapshot() float64 {
	capacity := ws.cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	load := float64(ws.inflight.Load()) / float64(capacity)
	if load > 1 {
		load = 1
	}
	return load
}

func (ws *workerServer) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.ControllerURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	ws.auth(req)

	resp, err := ws.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("controller returned %s for %s", resp.Status, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (ws *workerServer) auth(req *http.Request) {
	if ws.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+ws.cfg.AuthToken)
	}
}
