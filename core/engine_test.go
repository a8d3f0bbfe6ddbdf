package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/mini-server/core/http"
	"github.com/searchktools/mini-server/core/static"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEngine serves e on a loopback port until the test ends
func startEngine(t *testing.T, opts Options, setup func(*Engine)) (*Engine, string) {
	t.Helper()
	if opts.Log == nil {
		opts.Log = discardLog()
	}
	e := NewEngineWithOptions(opts)
	if setup != nil {
		setup(e)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- e.Serve(l) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return e, l.Addr().String()
}

type result struct {
	*nethttp.Response
	body string
}

// roundTrip writes raw to a fresh connection and parses the reply with
// net/http, which doubles as a check of the wire format.
func roundTrip(t *testing.T, addr, raw string) result {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	method, _, _ := strings.Cut(raw, " ")
	resp, err := nethttp.ReadResponse(bufio.NewReader(conn), &nethttp.Request{Method: method})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return result{Response: resp, body: string(body)}
}

func get(t *testing.T, addr, path string) result {
	t.Helper()
	return roundTrip(t, addr, "GET "+path+" HTTP/1.1\r\nHost: test\r\n\r\n")
}

func homepage(*http.Request) (*http.Response, error) {
	return http.Text(http.StatusOK, "Homepage"), nil
}

func TestEngineHome(t *testing.T) {
	_, addr := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/home", homepage)
	})

	r := get(t, addr, "/home")
	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "Homepage", r.body)
	assert.Equal(t, int64(8), r.ContentLength)
	assert.True(t, r.Close, "Connection: close expected")
	assert.NotEmpty(t, r.Header.Get("Date"))
	assert.Equal(t, "text/plain; charset=utf-8", r.Header.Get("Content-Type"))

	_, err := uuid.Parse(r.Header.Get("X-Request-Id"))
	assert.NoError(t, err)

	// trailing slash is the same route
	assert.Equal(t, "Homepage", get(t, addr, "/home/").body)
}

func TestEngineHead(t *testing.T) {
	_, addr := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/home", homepage)
	})

	r := roundTrip(t, addr, "HEAD /home HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "8", r.Header.Get("Content-Length"))
	assert.Empty(t, r.body)
}

func TestEngineParamsAndForm(t *testing.T) {
	_, addr := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/users/:id", func(req *http.Request) (*http.Response, error) {
			return http.Text(200, "user "+req.Param("id")+" "+req.QueryValue("tab")), nil
		})
		e.POST("/form", func(req *http.Request) (*http.Response, error) {
			return http.Text(201, "hello "+req.FormValue("name")), nil
		})
	})

	assert.Equal(t, "user 42 posts", get(t, addr, "/users/42?tab=posts").body)

	body := "name=Ada+Lovelace"
	r := roundTrip(t, addr, fmt.Sprintf(
		"POST /form HTTP/1.1\r\nHost: t\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body))
	assert.Equal(t, 201, r.StatusCode)
	assert.Equal(t, "hello Ada Lovelace", r.body)
}

func TestEngineNotFound(t *testing.T) {
	_, addr := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/home", homepage)
	})

	r := get(t, addr, "/missing")
	assert.Equal(t, 404, r.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", r.Header.Get("Content-Type"))
	assert.Contains(t, r.body, "404 Not Found")

	// wrong method is a miss as well
	r = roundTrip(t, addr, "DELETE /home HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Equal(t, 404, r.StatusCode)
}

func TestEngineStatic(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "www")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>index</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "site.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0o644))

	_, addr := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/home", homepage)
		require.NoError(t, e.ServeStatic(root))
	})

	r := get(t, addr, "/")
	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "<h1>index</h1>", r.body)
	assert.Equal(t, "text/html; charset=utf-8", r.Header.Get("Content-Type"))
	assert.NotEmpty(t, r.Header.Get("Last-Modified"))

	// repeated requests yield identical bytes
	first := get(t, addr, "/css/site.css")
	second := get(t, addr, "/css/site.css")
	assert.Equal(t, "body{}", first.body)
	assert.Equal(t, first.body, second.body)
	assert.Equal(t, first.Header.Get("Content-Length"), second.Header.Get("Content-Length"))

	assert.Equal(t, 404, get(t, addr, "/missing").StatusCode)
	assert.Equal(t, 404, get(t, addr, "/../secret.txt").StatusCode)
	assert.Equal(t, 404, get(t, addr, "/%2e%2e/secret.txt").StatusCode)

	// routes take precedence over files
	assert.Equal(t, "Homepage", get(t, addr, "/home").body)

	// static serves GET and HEAD only
	r = roundTrip(t, addr, "POST /css/site.css HTTP/1.1\r\nHost: t\r\n\r\n")
	assert.Equal(t, 404, r.StatusCode)
}

func TestEngineHandlerFailures(t *testing.T) {
	_, addr := startEngine(t, Options{}, func(e *Engine) {
		e.GET("/panic", func(*http.Request) (*http.Response, error) {
			panic("handler exploded")
		})
		e.GET("/error", func(*http.Request) (*http.Response, error) {
			return nil, errors.New("database unavailable")
		})
		e.GET("/teapot", func(*http.Request) (*http.Response, error) {
			return nil, http.NewHTTPError(418, "short and stout")
		})
		e.GET("/nil", func(*http.Request) (*http.Response, error) {
			return nil, nil
		})
		e.GET("/ok", homepage)
	})

	r := get(t, addr, "/panic")
	assert.Equal(t, 500, r.StatusCode)
	assert.Equal(t, "Internal Server Error", r.body)

	r = get(t, addr, "/error")
	assert.Equal(t, 500, r.StatusCode)
	assert.NotContains(t, r.body, "database")

	r = get(t, addr, "/teapot")
	assert.Equal(t, 418, r.StatusCode)
	assert.Equal(t, "short and stout", r.body)

	r = get(t, addr, "/nil")
	assert.Equal(t, 204, r.StatusCode)

	// workers survive all of the above
	assert.Equal(t, "Homepage", get(t, addr, "/ok").body)
}

func TestEngineParseErrors(t *testing.T) {
	_, addr := startEngine(t, Options{Workers: 1, MaxHeaderBytes: 1024, MaxBodyBytes: 64}, func(e *Engine) {
		e.GET("/home", homepage)
		e.POST("/home", homepage)
	})

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"oversized header", "GET /home HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 4096) + "\r\n\r\n", 413},
		{"oversized body", "POST /home HTTP/1.1\r\nContent-Length: 100000\r\n\r\n" + strings.Repeat("b", 1000), 413},
		{"malformed request line", "GET /home\r\n\r\n", 400},
		{"bad version", "GET /home HTTP/2.0\r\n\r\n", 400},
		{"malformed header", "GET /home HTTP/1.1\r\nNoColon\r\n\r\n", 400},
		{"chunked", "POST /home HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n", 501},
		{"unknown method", "BREW /home HTTP/1.1\r\n\r\n", 501},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := roundTrip(t, addr, tt.raw)
			assert.Equal(t, tt.want, r.StatusCode)
			assert.True(t, r.Close)

			// the single worker is still available
			assert.Equal(t, "Homepage", get(t, addr, "/home").body)
		})
	}
}

func TestEngineClientGoneBeforeRequest(t *testing.T) {
	e, addr := startEngine(t, Options{Workers: 1}, func(e *Engine) {
		e.GET("/home", homepage)
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	assert.Equal(t, "Homepage", get(t, addr, "/home").body)
	assert.Eventually(t, func() bool { return e.Stats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEngineConcurrentClients(t *testing.T) {
	_, addr := startEngine(t, Options{Workers: 4, QueueCapacity: 8}, func(e *Engine) {
		e.GET("/echo/:id", func(req *http.Request) (*http.Response, error) {
			time.Sleep(time.Millisecond)
			return http.Text(200, req.Param("id")), nil
		})
	})

	const clients = 64
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprint(i)
			resp, err := nethttp.Get("http://" + addr + "/echo/" + want)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if string(body) != want {
				errs <- fmt.Errorf("client %d got %q", i, body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestEngineAccessLog(t *testing.T) {
	events := make(chan Event, 4)
	_, addr := startEngine(t, Options{AccessLog: LoggerFunc(func(ev Event) { events <- ev })}, func(e *Engine) {
		e.GET("/home", homepage)
	})

	r := get(t, addr, "/home?x=1")

	select {
	case ev := <-events:
		assert.Equal(t, "GET", ev.Method)
		assert.Equal(t, "/home", ev.Path)
		assert.Equal(t, 200, ev.Status)
		assert.Equal(t, r.Header.Get("X-Request-Id"), ev.ConnID)
		assert.NotEmpty(t, ev.PeerAddr)
		assert.Greater(t, ev.BytesWritten, int64(len("Homepage")))
	case <-time.After(2 * time.Second):
		t.Fatal("no access event")
	}
}

func TestEngineDynamicRegistration(t *testing.T) {
	e, addr := startEngine(t, Options{}, nil)

	assert.Equal(t, 404, get(t, addr, "/late").StatusCode)
	require.NoError(t, e.Handle("GET", "/late", http.HandlerFunc(homepage)))
	assert.Equal(t, 200, get(t, addr, "/late").StatusCode)
	assert.Equal(t, 1, e.Stats().Routes)
}

func TestEngineRegistrationPanics(t *testing.T) {
	e := NewEngineWithOptions(Options{Log: discardLog()})
	assert.Panics(t, func() { e.GET("no-slash", homepage) })
	assert.Panics(t, func() { e.GET("/x", nil) })

	e.GET("/dup", homepage)
	assert.Panics(t, func() { e.GET("/dup", homepage) })
	assert.Error(t, e.Handle("GET", "/dup/", http.HandlerFunc(homepage)))
}

func TestEngineGracefulShutdown(t *testing.T) {
	entered := make(chan struct{})
	e := NewEngineWithOptions(Options{Log: discardLog(), Workers: 2})
	e.GET("/slow", func(*http.Request) (*http.Response, error) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		return http.Text(200, "done"), nil
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	errc := make(chan error, 1)
	go func() { errc <- e.Serve(l) }()

	resc := make(chan result, 1)
	go func() { resc <- get(t, addr, "/slow") }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	r := <-resc
	assert.Equal(t, 200, r.StatusCode)
	assert.Equal(t, "done", r.body)
	assert.ErrorIs(t, <-errc, ErrServerClosed)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)

	// serving again is refused
	l2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, e.Serve(l2), ErrServerClosed)
}

func TestEngineShutdownForcesAfterGrace(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	e := NewEngineWithOptions(Options{Log: discardLog(), Workers: 1})
	e.GET("/stuck", func(*http.Request) (*http.Response, error) {
		close(entered)
		<-release
		return http.Text(200, "late"), nil
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	errc := make(chan error, 1)
	go func() { errc <- e.Serve(l) }()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "GET /stuck HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	<-entered

	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, <-errc, ErrServerClosed)

	// the socket was closed under the handler, so no response arrives
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _ := io.ReadAll(conn)
	assert.Empty(t, data)
}

func TestEngineBindError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	e := NewEngineWithOptions(Options{Log: discardLog()})
	err = e.ListenAndServe(l.Addr().String())

	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, l.Addr().String(), be.Addr)

	err = Serve(l.Addr().String(), []Route{{Method: "GET", Pattern: "/", Handler: http.HandlerFunc(homepage)}}, nil, Options{Log: discardLog()})
	assert.ErrorAs(t, err, &be)

	err = Serve(":0", []Route{{Method: "GET", Pattern: "bad", Handler: http.HandlerFunc(homepage)}}, nil, Options{Log: discardLog()})
	assert.Error(t, err)
	assert.False(t, errors.As(err, &be))

	err = Serve(":0", nil, &static.Config{Root: filepath.Join(t.TempDir(), "missing")}, Options{Log: discardLog()})
	assert.Error(t, err)
}

func TestEngineMaxConnections(t *testing.T) {
	e := NewEngineWithOptions(Options{Log: discardLog(), MaxConnections: 2, ReusePort: true})
	e.GET("/home", homepage)

	l, err := Listen("127.0.0.1:0", true, 2)
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- e.Serve(l) }()
	t.Cleanup(func() {
		e.Close()
		<-errc
	})

	assert.Equal(t, "Homepage", get(t, l.Addr().String(), "/home").body)
}

func TestEngineCloseBeforeServe(t *testing.T) {
	e := NewEngineWithOptions(Options{Log: discardLog()})
	require.NoError(t, e.Close())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, e.Serve(l), ErrServerClosed)
}

func TestEngineStatsText(t *testing.T) {
	e, addr := startEngine(t, Options{Workers: 3}, func(e *Engine) {
		e.GET("/home", homepage)
	})
	get(t, addr, "/home")

	assert.Eventually(t, func() bool { return e.Stats().Requests == 1 }, 2*time.Second, 10*time.Millisecond)
	s := e.Stats()
	assert.Equal(t, 3, s.Pool.NumWorkers)
	assert.GreaterOrEqual(t, s.Accepted, uint64(1))
	assert.Contains(t, e.StatsText(), "Workers:   3")
	assert.Contains(t, e.StatsJSON(), `"requests": 1`)
}

func TestDispatchMissLogsAtInfo(t *testing.T) {
	var buf strings.Builder
	e := NewEngineWithOptions(Options{Log: slog.New(slog.NewTextHandler(&buf, nil))})
	e.GET("/home", homepage)

	resp := e.dispatch(&http.Request{Method: "GET", Path: "/missing"})
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Contains(t, string(resp.Body), "404 Not Found")

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="not found"`)
	assert.Contains(t, out, "path=/missing")
}
