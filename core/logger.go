package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event describes one fully sent response
type Event struct {
	Method       string
	Path         string
	Status       int
	Duration     time.Duration
	PeerAddr     string
	ConnID       string
	BytesWritten int64
	Time         time.Time
}

// Logger receives an Event after every response the engine sends.
// Implementations must be safe for concurrent use.
type Logger interface {
	Record(Event)
}

// LoggerFunc adapts a function to Logger
type LoggerFunc func(Event)

// Record calls f(ev)
func (f LoggerFunc) Record(ev Event) { f(ev) }

// AccessLog writes one slog record per event. Writes are serialized so lines
// never interleave, whatever handler backs the logger.
type AccessLog struct {
	mu     sync.Mutex
	logger *slog.Logger
}

// NewAccessLog returns an access log writing to logger
func NewAccessLog(logger *slog.Logger) *AccessLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLog{logger: logger}
}

// Record writes ev at info level, or warn for 5xx responses
func (l *AccessLog) Record(ev Event) {
	level := slog.LevelInfo
	if ev.Status >= 500 {
		level = slog.LevelWarn
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.LogAttrs(context.Background(), level, "request",
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.Int("status", ev.Status),
		slog.Duration("duration", ev.Duration),
		slog.String("peer", ev.PeerAddr),
		slog.String("conn_id", ev.ConnID),
		slog.Int64("bytes", ev.BytesWritten),
	)
}

// MultiLogger fans an event out to several loggers in order
type MultiLogger []Logger

// Record forwards ev to every non-nil logger
func (m MultiLogger) Record(ev Event) {
	for _, l := range m {
		if l != nil {
			l.Record(ev)
		}
	}
}

type nopLogger struct{}

func (nopLogger) Record(Event) {}
