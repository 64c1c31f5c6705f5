// tmsubmit is a small CLI client for the controller's HTTP API: submit
// objectives, fetch results, and inspect the live worker set.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  tmsubmit submit --objective "..." [--task-id "..."]`)
	fmt.Fprintln(os.Stderr, `  tmsubmit results --task "..."`)
	fmt.Fprintln(os.Stderr, "  tmsubmit workers")
	fmt.Fprintln(os.Stderr, "  tmsubmit status")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

type client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call controller: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var fe struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &fe) == nil && fe.Message != "" {
			return nil, fmt.Errorf("%s (%s)", fe.Message, fe.Code)
		}
		return nil, fmt.Errorf("controller returned %s", resp.Status)
	}
	return data, nil
}

func main() {
	baseURL := os.Getenv("TASKMESH_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	c := &client{
		baseURL: baseURL,
		token:   os.Getenv("TASKMESH_TOKEN"),
		httpc:   &http.Client{Timeout: 5 * time.Minute},
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "submit":
		args := parseArgs(rest)
		if args["objective"] == "" {
			fatal("--objective is required")
		}
		data, err := c.do(http.MethodPost, "/task", protocol.TaskObjective{
			TaskID:    args["task-id"],
			Objective: args["objective"],
		})
		if err != nil {
			fatal("%v", err)
		}
		printSubmission(data)

	case "results":
		args := parseArgs(rest)
		if args["task"] == "" {
			fatal("--task is required")
		}
		data, err := c.do(http.MethodGet, "/results/"+args["task"], nil)
		if err != nil {
			fatal("%v", err)
		}
		printResults(data)

	case "workers":
		data, err := c.do(http.MethodGet, "/workers", nil)
		if err != nil {
			fatal("%v", err)
		}
		printWorkers(data)

	case "status":
		data, err := c.do(http.MethodGet, "/status", nil)
		if err != nil {
			fatal("%v", err)
		}
		var status map[string]any
		if err := json.Unmarshal(data, &status); err != nil {
			fatal("decode status: %v", err)
		}
		fmt.Printf("version: %v\nmode:    %v\nuptime:  %v\nworkers: %v\n",
			status["version"], status["mode"], status["uptime"], status["workers"])

	default:
		fatal("unknown command: %s", command)
	}
}

// printSubmission handles both response shapes of POST /task: the subtask
// list of routing mode and the stage aggregate of pipeline mode.
func printSubmission(data []byte) {
	var pipeline protocol.PipelineResponse
	if err := json.Unmarshal(data, &pipeline); err == nil && pipeline.Status != "" {
		fmt.Printf("Task %s: %s\n", pipeline.TaskID, pipeline.Status)
		for _, stage := range pipeline.Stages {
			line := fmt.Sprintf("  %-12s %-20s %s", stage.Stage, stage.AgentID, stage.Status)
			if stage.Error != "" {
				line += "  " + stage.Error
			}
			fmt.Println(line)
		}
		return
	}

	var dec protocol.DecompositionResponse
	if err := json.Unmarshal(data, &dec); err != nil {
		fatal("decode response: %v", err)
	}
	fmt.Printf("Task %s accepted: %d subtasks\n", dec.TaskID, len(dec.Subtasks))
	for _, st := range dec.Subtasks {
		fmt.Printf("  %-16s %-12s %s\n", st.SubID, st.Command, st.Status)
	}
}

func printResults(data []byte) {
	var resp struct {
		TaskID  string                  `json:"task_id"`
		Results []protocol.ResultRecord `json:"results"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		fatal("decode results: %v", err)
	}
	if len(resp.Results) == 0 {
		fmt.Println("No results recorded yet.")
		return
	}
	for _, r := range resp.Results {
		line := fmt.Sprintf("  %-16s %-20s %s", r.SubID, r.AgentID, r.Status)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
}

func printWorkers(data []byte) {
	var workers []struct {
		AgentID      string   `json:"agent_id"`
		URL          string   `json:"url"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(data, &workers); err != nil {
		fatal("decode workers: %v", err)
	}
	if len(workers) == 0 {
		fmt.Println("No live workers.")
		return
	}
	for _, w := range workers {
		fmt.Printf("  %-20s %-28s %v\n", w.AgentID, w.URL, w.Capabilities)
	}
}
