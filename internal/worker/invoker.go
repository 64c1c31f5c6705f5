// Package worker holds the controller-side client for invoking a worker's
// /work endpoint. Transient network failures are reported as
// worker_unreachable and are not retried here; run semantics stay
// deterministic and retries remain a caller-level concern.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

type Invoker interface {
	// Invoke posts the work request to the worker at url and decodes its
	// response. The context deadline bounds the whole call.
	Invoke(ctx context.Context, url string, req protocol.WorkRequest) (*protocol.WorkResult, error)
}

type HTTPInvoker struct {
	httpc *http.Client
}

func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{httpc: &http.Client{}}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, url string, work protocol.WorkRequest) (*protocol.WorkResult, error) {
	body, err := json.Marshal(work)
	if err != nil {
		return nil, fmt.Errorf("marshal work request: %w", err)
	}

	endpoint := strings.TrimRight(url, "/") + "/work"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build work request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpc.Do(req)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeWorkerUnreachable,
			"worker call failed for %s/%s", work.TaskID, work.SubID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.New(fault.CodeWorkerUnreachable,
			"worker at %s returned %s", url, resp.Status)
	}

	var result protocol.WorkResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fault.Wrap(err, fault.CodeWorkerUnreachable,
			"undecodable worker response from %s", url)
	}
	return &result, nil
}
