package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/mini-server/config"
	"github.com/searchktools/mini-server/core"
	"github.com/searchktools/mini-server/core/http"
	"github.com/searchktools/mini-server/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BindAddress = "127.0.0.1:0"
	cfg.ThreadPoolCount = 2
	cfg.ShutdownGracePeriod = time.Second
	cfg.AccessLog = false
	return cfg
}

// serve runs a on a loopback listener; the returned func cancels and waits
func serve(t *testing.T, a *App) (string, func() error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx, l) }()

	stop := func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("serve did not return")
		}
	}
	return "http://" + l.Addr().String(), stop
}

func TestAppServesRoutesAndStatic(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>hi</h1>"), 0o644))

	cfg := testConfig(t)
	cfg.StaticRoot = root

	a, err := New(cfg, logging.NewDiscardLogger())
	require.NoError(t, err)
	a.Engine().GET("/home", func(*http.Request) (*http.Response, error) {
		return http.Text(http.StatusOK, "Homepage"), nil
	})
	a.Engine().GET("/stats", a.StatsHandler())

	base, stop := serve(t, a)

	resp, err := nethttp.Get(base + "/home")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "Homepage", string(body))

	resp, err = nethttp.Get(base + "/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "<h1>hi</h1>", string(body))

	resp, err = nethttp.Get(base + "/stats")
	require.NoError(t, err)
	var stats struct {
		Engine  core.Stats `json:"engine"`
		Summary struct {
			Requests uint64 `json:"requests"`
		} `json:"summary"`
		Routes []struct {
			Key   string `json:"key"`
			Count uint64 `json:"count"`
		} `json:"routes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()

	// events are recorded after the response is written, so the earlier
	// requests may still be in flight here
	assert.LessOrEqual(t, stats.Summary.Requests, uint64(2))
	assert.Equal(t, 2, stats.Engine.Pool.NumWorkers)
	assert.Equal(t, 2, stats.Engine.Routes)

	require.NoError(t, stop())

	got, ok := a.Monitor().Route("GET /home")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Count)
}

func TestAppBadStaticRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.StaticRoot = filepath.Join(t.TempDir(), "missing")
	_, err := New(cfg, logging.NewDiscardLogger())
	assert.Error(t, err)
}

func TestAppGracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, logging.NewDiscardLogger())
	require.NoError(t, err)

	started := make(chan struct{})
	a.Engine().GET("/slow", func(*http.Request) (*http.Response, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return http.Text(http.StatusOK, "done"), nil
	})

	base, stop := serve(t, a)

	type result struct {
		body string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := nethttp.Get(base + "/slow")
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{string(b), err}
	}()

	<-started
	require.NoError(t, stop())

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "done", r.body)
}

func TestAppRunBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.BindAddress = busy.Addr().String()
	a, err := New(cfg, logging.NewDiscardLogger())
	require.NoError(t, err)

	err = a.Run(context.Background())
	var be *core.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, cfg.BindAddress, be.Addr)
}

func TestAppRunStopsOnContext(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, logging.NewDiscardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueCapacity = 11
	cfg.MaxConnections = 3
	cfg.ReusePort = true

	opts := EngineOptions(cfg, nil, nil)
	assert.Equal(t, 2, opts.Workers)
	assert.Equal(t, 11, opts.QueueCapacity)
	assert.Equal(t, 3, opts.MaxConnections)
	assert.True(t, opts.ReusePort)
	assert.Equal(t, cfg.ReadTimeout, opts.ReadTimeout)

	cfg.StaticRoot = "/srv"
	cfg.GzipStatic = true
	sc := StaticConfig(cfg)
	assert.Equal(t, "/srv", sc.Root)
	assert.True(t, sc.Gzip)
	assert.Equal(t, cfg.IndexFiles, sc.IndexFiles)
}
