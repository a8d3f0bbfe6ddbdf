package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLogRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewAccessLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	l.Record(Event{
		Method:       "GET",
		Path:         "/home",
		Status:       200,
		Duration:     3 * time.Millisecond,
		PeerAddr:     "127.0.0.1:5000",
		ConnID:       "abc",
		BytesWritten: 120,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/home", line["path"])
	assert.Equal(t, float64(200), line["status"])
	assert.Equal(t, "abc", line["conn_id"])
	assert.Equal(t, float64(120), line["bytes"])
}

func TestAccessLogServerErrorsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	l := NewAccessLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	l.Record(Event{Method: "GET", Path: "/x", Status: 500})
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

// TestAccessLogNoInterleaving checks that concurrent records produce whole lines
func TestAccessLogNoInterleaving(t *testing.T) {
	var buf bytes.Buffer
	l := NewAccessLog(slog.New(slog.NewTextHandler(&buf, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Record(Event{Method: "GET", Path: "/p", Status: 200})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 800)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "time="), line)
		assert.Contains(t, line, "method=GET path=/p status=200")
	}
}

func TestMultiLogger(t *testing.T) {
	var a, b []Event
	m := MultiLogger{
		LoggerFunc(func(ev Event) { a = append(a, ev) }),
		nil,
		LoggerFunc(func(ev Event) { b = append(b, ev) }),
	}
	m.Record(Event{Status: 204})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, 204, b[0].Status)
}
