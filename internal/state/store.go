// Package state defines the shared-state store the orchestration core is
// built on: key/value with TTL, hashes, sets, and append-only lists. Two
// implementations exist: an in-memory store and a sqlite-backed one.
//
// The key schema is an observable contract (other tooling reads it):
//
//	routing                hash: agent_id -> registration JSON
//	cap_index:<cap>        set of agent_id
//	heartbeat:<agent>      TTL marker
//	results:<task_id>      list of result entries
//	route:<task>:<sub>     routing decision JSON
//	dispatch_log:<task>    list of dispatch log entries
//	metrics:<agent>        hash of metric fields
//	subtasks:<task>        list of subtask JSON
//	subtask:<task>:<sub>   subtask JSON
//	global:context         hash of shared context
package state

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value for key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores a value. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)

	Close() error
}

// Well-known key builders.

const (
	KeyRouting       = "routing"
	KeyRoutingSeq    = "routing:seq"
	KeyGlobalContext = "global:context"
)

func KeyCapIndex(capability string) string { return "cap_index:" + capability }
func KeyHeartbeat(agentID string) string   { return "heartbeat:" + agentID }
func KeyResults(taskID string) string      { return "results:" + taskID }
func KeyMetrics(agentID string) string     { return "metrics:" + agentID }
func KeySubtasks(taskID string) string     { return "subtasks:" + taskID }
func KeyDispatchLog(taskID string) string  { return "dispatch_log:" + taskID }

func KeySubtask(taskID, subID string) string { return "subtask:" + taskID + ":" + subID }
func KeyRoute(taskID, subID string) string   { return "route:" + taskID + ":" + subID }
