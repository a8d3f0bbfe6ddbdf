package core

import (
	"encoding/json"
	"fmt"

	"github.com/searchktools/mini-server/core/pools"
)

// Stats is a point-in-time view of the engine
type Stats struct {
	Pool              pools.WorkerPoolStats `json:"pool"`
	ActiveConnections int                   `json:"active_connections"`
	Accepted          uint64                `json:"accepted"`
	Requests          uint64                `json:"requests"`
	ParseErrors       uint64                `json:"parse_errors"`
	BytesWritten      uint64                `json:"bytes_written"`
	Routes            int                   `json:"routes"`
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()

	s := Stats{
		ActiveConnections: e.conns.len(),
		Accepted:          e.stats.accepted.Load(),
		Requests:          e.stats.requests.Load(),
		ParseErrors:       e.stats.parseErrors.Load(),
		BytesWritten:      e.stats.bytesWritten.Load(),
		Routes:            e.router.Len(),
	}
	if pool != nil {
		s.Pool = pool.Stats()
	}
	return s
}

// StatsJSON returns engine statistics as an indented JSON string
func (e *Engine) StatsJSON() string {
	data, _ := json.MarshalIndent(e.Stats(), "", "  ")
	return string(data)
}

// StatsText returns engine statistics as human-readable text
func (e *Engine) StatsText() string {
	s := e.Stats()
	return fmt.Sprintf(`Engine Statistics
=================

Connections:
  Accepted:     %d
  Active:       %d
  Requests:     %d
  Parse errors: %d
  Bytes out:    %d

Worker Pool:
  Workers:   %d
  Queue:     %d/%d
  Busy:      %d
  Completed: %d
  Panics:    %d
`,
		s.Accepted, s.ActiveConnections, s.Requests, s.ParseErrors, s.BytesWritten,
		s.Pool.NumWorkers, s.Pool.Queued, s.Pool.QueueCapacity, s.Pool.Busy,
		s.Pool.TasksCompleted, s.Pool.Panics,
	)
}
