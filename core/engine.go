package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/mini-server/core/http"
	"github.com/searchktools/mini-server/core/pools"
	"github.com/searchktools/mini-server/core/router"
	"github.com/searchktools/mini-server/core/static"
)

// HandlerFunc is the function form of an http.Handler
type HandlerFunc = http.HandlerFunc

// Options configures an Engine
type Options struct {
	// Workers is the fixed worker pool width; <= 0 means runtime.NumCPU()
	Workers int
	// QueueCapacity bounds accepted connections waiting for a worker;
	// <= 0 means 64 per worker
	QueueCapacity int

	MaxHeaderBytes int
	MaxBodyBytes   int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxConnections caps open connections in ListenAndServe; 0 is unlimited
	MaxConnections int
	// ReusePort sets SO_REUSEPORT on the listening socket where supported
	ReusePort bool

	// AccessLog receives one Event per sent response
	AccessLog Logger
	// Log receives diagnostics; nil means slog.Default()
	Log *slog.Logger
}

// DefaultOptions returns the options used by NewEngine
func DefaultOptions() Options {
	return Options{
		Workers:        runtime.NumCPU(),
		MaxHeaderBytes: http.DefaultMaxHeaderBytes,
		MaxBodyBytes:   http.DefaultMaxBodyBytes,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// Engine accepts connections, hands each to the worker pool and answers
// exactly one request per connection.
type Engine struct {
	opts   Options
	router *router.Router
	parser http.Parser
	log    *slog.Logger
	access Logger

	staticMu sync.RWMutex
	static   *static.Resolver

	conns *connTracker

	mu       sync.Mutex
	listener net.Listener
	pool     *pools.WorkerPool
	cancel   context.CancelFunc
	served   chan struct{}
	done     chan struct{}

	stats struct {
		accepted     atomic.Uint64
		requests     atomic.Uint64
		parseErrors  atomic.Uint64
		bytesWritten atomic.Uint64
	}
}

// NewEngine creates an engine with DefaultOptions
func NewEngine() *Engine {
	return NewEngineWithOptions(DefaultOptions())
}

// NewEngineWithOptions creates an engine; zero fields fall back to defaults
func NewEngineWithOptions(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	access := opts.AccessLog
	if access == nil {
		access = nopLogger{}
	}

	return &Engine{
		opts:   opts,
		router: router.New(),
		parser: http.Parser{MaxHeaderBytes: opts.MaxHeaderBytes, MaxBodyBytes: opts.MaxBodyBytes},
		log:    opts.Log,
		access: access,
		conns:  newConnTracker(),
		done:   make(chan struct{}),
	}
}

// Router exposes the route table
func (e *Engine) Router() *router.Router { return e.router }

// Handle registers handler for method and pattern
func (e *Engine) Handle(method, pattern string, handler http.Handler) error {
	if err := e.router.Add(method, pattern, handler); err != nil {
		return err
	}
	e.log.Info("route registered", "method", method, "pattern", pattern)
	return nil
}

// mustHandle backs the method shorthands, which panic on bad patterns the
// way registration mistakes surface at startup.
func (e *Engine) mustHandle(method, pattern string, handler HandlerFunc) {
	if handler == nil {
		panic(fmt.Sprintf("core: nil handler for %s %s", method, pattern))
	}
	if err := e.Handle(method, pattern, handler); err != nil {
		panic(err)
	}
}

// GET registers a GET route
func (e *Engine) GET(pattern string, handler HandlerFunc) { e.mustHandle("GET", pattern, handler) }

// POST registers a POST route
func (e *Engine) POST(pattern string, handler HandlerFunc) { e.mustHandle("POST", pattern, handler) }

// PUT registers a PUT route
func (e *Engine) PUT(pattern string, handler HandlerFunc) { e.mustHandle("PUT", pattern, handler) }

// DELETE registers a DELETE route
func (e *Engine) DELETE(pattern string, handler HandlerFunc) {
	e.mustHandle("DELETE", pattern, handler)
}

// PATCH registers a PATCH route
func (e *Engine) PATCH(pattern string, handler HandlerFunc) { e.mustHandle("PATCH", pattern, handler) }

// HEAD registers a HEAD route
func (e *Engine) HEAD(pattern string, handler HandlerFunc) { e.mustHandle("HEAD", pattern, handler) }

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(pattern string, handler HandlerFunc) {
	e.mustHandle("OPTIONS", pattern, handler)
}

// ServeStatic serves files below root for GET and HEAD requests that match
// no route. indexFiles replaces the default index candidates when given.
func (e *Engine) ServeStatic(root string, indexFiles ...string) error {
	cfg := static.Config{Root: root}
	if len(indexFiles) > 0 {
		cfg.IndexFiles = indexFiles
	}
	return e.SetStatic(cfg)
}

// SetStatic installs a static resolver built from cfg
func (e *Engine) SetStatic(cfg static.Config) error {
	res, err := static.NewResolver(cfg)
	if err != nil {
		return err
	}

	e.staticMu.Lock()
	e.static = res
	e.staticMu.Unlock()

	e.log.Info("static root configured", "root", res.Root(), "index_files", res.Config().IndexFiles,
		"list_directories", cfg.ListDirectories, "gzip", cfg.Gzip)
	return nil
}

func (e *Engine) staticResolver() *static.Resolver {
	e.staticMu.RLock()
	defer e.staticMu.RUnlock()
	return e.static
}

// ListenAndServe binds addr and serves until Shutdown or Close. A bind
// failure is returned as *BindError.
func (e *Engine) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	l, err := Listen(addr, e.opts.ReusePort, e.opts.MaxConnections)
	if err != nil {
		return err
	}
	return e.Serve(l)
}

// Serve accepts connections on l until Shutdown or Close, after which it
// returns ErrServerClosed. l is closed on return.
func (e *Engine) Serve(l net.Listener) error {
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		l.Close()
		return ErrServerClosed
	default:
	}
	if e.listener != nil {
		e.mu.Unlock()
		return ErrAlreadyServing
	}
	e.listener = l
	e.pool = pools.NewWorkerPoolWithPanicHandler(e.opts.Workers, e.opts.QueueCapacity, e.onWorkerPanic)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.served = make(chan struct{})
	pool, served := e.pool, e.served
	e.mu.Unlock()

	defer close(served)
	defer l.Close()

	st := pool.Stats()
	e.log.Info("server listening", "addr", l.Addr().String(), "workers", st.NumWorkers, "queue", st.QueueCapacity)

	var retry uint
	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-e.done:
				return ErrServerClosed
			default:
			}
			if isTemporary(err) {
				delay := backoff(retry)
				e.log.Error("accept failed; retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				retry++
				continue
			}
			return fmt.Errorf("core: accept: %w", err)
		}
		retry = 0
		e.stats.accepted.Add(1)

		c := newConnection(nc)
		e.conns.add(c)

		// Submit blocks while the queue is full, which stalls accepting
		if err := pool.Submit(ctx, func() { e.serveConn(c) }); err != nil {
			e.conns.del(c)
			c.Close()
		}
	}
}

// Shutdown stops accepting, lets queued and in-flight connections finish
// until ctx ends, then force-closes what is left and joins the workers.
func (e *Engine) Shutdown(ctx context.Context) error {
	l, pool, cancel, served := e.stop()
	if l == nil {
		return nil
	}

	l.Close()
	cancel()
	<-served
	pool.Close()

	err := pool.Wait(ctx)
	if err != nil {
		n := e.conns.closeAll()
		e.log.Warn("shutdown grace period expired; closing connections", "open", n)
		pool.Wait(context.Background())
	}
	e.log.Info("server stopped")
	return err
}

// Close stops the engine immediately, closing every open connection
func (e *Engine) Close() error {
	l, pool, cancel, served := e.stop()
	if l == nil {
		return nil
	}

	err := l.Close()
	cancel()
	<-served
	e.conns.closeAll()
	pool.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// stop marks the engine done and returns what Serve started, if anything
func (e *Engine) stop() (net.Listener, *pools.WorkerPool, context.CancelFunc, chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
	default:
		close(e.done)
	}
	l := e.listener
	e.listener = nil
	return l, e.pool, e.cancel, e.served
}

// Addr returns the listening address, or nil before Serve
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Engine) onWorkerPanic(v any, stack []byte) {
	e.log.Error("worker panic", "panic", v, "stack", string(stack))
}

// Route is one entry of a route table passed to Serve
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler
}

// Serve builds an engine from routes and an optional static root, binds
// addr and serves until the engine is closed. staticCfg may be nil.
func Serve(addr string, routes []Route, staticCfg *static.Config, opts Options) error {
	e := NewEngineWithOptions(opts)
	for _, r := range routes {
		if err := e.Handle(r.Method, r.Pattern, r.Handler); err != nil {
			return err
		}
	}
	if staticCfg != nil {
		if err := e.SetStatic(*staticCfg); err != nil {
			return err
		}
	}
	return e.ListenAndServe(addr)
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// backoff doubles from 5ms up to 1s
func backoff(retry uint) time.Duration {
	const (
		initialDelay = 5 * time.Millisecond
		maxDelay     = time.Second
	)
	if retry > 8 {
		return maxDelay
	}
	d := initialDelay << retry
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
