package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /task", s.handleTask)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("POST /result", s.handleResult)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /heartbeat/{agent}", s.handleHeartbeat)

	mux.HandleFunc("GET /results/{task}", s.handleResults)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("GET /status", s.handleStatus)
}

// handleTask accepts a new objective. In routing mode it returns the
// decomposition with subtasks already fired; in pipeline mode it blocks
// for the run's aggregate.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var task protocol.TaskObjective
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, fault.New(fault.CodeInvalidArgument, "invalid task payload"), http.StatusBadRequest)
		return
	}

	if s.dispatcher.Mode() == dispatch.ModePipeline {
		resp, err := s.dispatcher.RunPipeline(r.Context(), task)
		if err != nil {
			writeFault(w, err)
			return
		}
		jsonResponse(w, resp)
		return
	}

	resp, err := s.dispatcher.HandleTask(r.Context(), task)
	if err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, resp)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var work protocol.WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&work); err != nil {
		jsonError(w, fault.New(fault.CodeInvalidArgument, "invalid work payload"), http.StatusBadRequest)
		return
	}

	decision, err := s.dispatcher.Dispatch(r.Context(), work)
	if err != nil {
		writeFault(w, err)
		return
	}
	jsonResponse(w, decision)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var res protocol.ResultRecord
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		jsonError(w, fault.New(fault.CodeInvalidArgument, "invalid result payload"), http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.HandleResult(r.Context(), res); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg protocol.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		jsonError(w, fault.New(fault.CodeInvalidArgument, "invalid registration payload"), http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Register(r.Context(), reg); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "registered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	if err := s.registry.Heartbeat(r.Context(), agentID); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task")
	results, err := s.dispatcher.Results(r.Context(), taskID)
	if err != nil {
		writeFault(w, err)
		return
	}
	jsonResponse(w, map[string]any{"task_id": taskID, "results": results})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.Workers(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	jsonResponse(w, workers)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.Workers(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"version": s.version,
		"mode":    s.dispatcher.Mode(),
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"workers": len(workers),
	})
}

// writeFault maps the error taxonomy to HTTP statuses while preserving
// the originating code in the response body.
func writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		fe = fault.New(fault.CodeInternal, "%s", err.Error())
	}

	status := http.StatusInternalServerError
	switch fe.Code {
	case fault.CodeInvalidArgument:
		status = http.StatusBadRequest
	case fault.CodeNotFound:
		status = http.StatusNotFound
	case fault.CodeNoCandidates:
		status = http.StatusServiceUnavailable
	case fault.CodeUnsatisfiableObjective:
		status = http.StatusUnprocessableEntity
	case fault.CodeMalformedDecomposition, fault.CodeWorkerUnreachable, fault.CodeStageFailure:
		status = http.StatusBadGateway
	}
	jsonError(w, fe, status)
}
