// Package router maps (method, path) pairs to handlers.
//
// Patterns are matched segment by segment after empty segments (and so
// trailing slashes) are dropped from both the pattern and the path:
//
//	/users          matches /users and /users/
//	/users/:id      matches /users/42, capturing id=42
//	/files/*path    matches /files/a/b.txt, capturing path=a/b.txt
//
// A ":name" segment captures exactly one non-empty segment. A "*name"
// segment may only appear last and captures one or more segments. When
// several routes match, the one registered first wins; registration order is
// the only tie-break.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/mini-server/core/http"
)

var (
	ErrInvalidPattern = errors.New("router: invalid pattern")
	ErrInvalidMethod  = errors.New("router: invalid method")
	ErrDuplicateRoute = errors.New("router: duplicate route")
)

type segmentKind uint8

const (
	static   segmentKind = iota // literal segment
	param                       // :param
	catchAll                    // *param
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// Route is one registration
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler

	seq      int
	segments []segment
}

// Router is the route table. Lookups take a shared lock and registration an
// exclusive one, so routes may be added while serving.
type Router struct {
	mu     sync.RWMutex
	routes map[string][]*Route // method -> routes in registration order
	seq    int
}

// New creates an empty router
func New() *Router {
	return &Router{routes: make(map[string][]*Route)}
}

// Add registers handler for method and pattern
func (r *Router) Add(method, pattern string, handler http.Handler) error {
	method = strings.ToUpper(method)
	if method == "" || strings.IndexFunc(method, func(c rune) bool { return !httpguts.IsTokenRune(c) }) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s %s", ErrInvalidPattern, method, pattern)
	}

	segments, err := parsePattern(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.routes[method] {
		if sameSegments(existing.segments, segments) {
			return fmt.Errorf("%w: %s %s (already registered as %s)", ErrDuplicateRoute, method, pattern, existing.Pattern)
		}
	}

	r.routes[method] = append(r.routes[method], &Route{
		Method:   method,
		Pattern:  pattern,
		Handler:  handler,
		seq:      r.seq,
		segments: segments,
	})
	r.seq++
	return nil
}

// Find returns the first registered handler matching method and path, along
// with captured parameters. A HEAD request falls back to GET routes.
func (r *Router) Find(method, path string) (http.Handler, map[string]string, bool) {
	parts := splitPath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, params, ok := r.find(method, parts); ok {
		return h, params, true
	}
	if method == "HEAD" {
		return r.find("GET", parts)
	}
	return nil, nil, false
}

func (r *Router) find(method string, parts []string) (http.Handler, map[string]string, bool) {
	for _, route := range r.routes[method] {
		if params, ok := route.match(parts); ok {
			return route.Handler, params, true
		}
	}
	return nil, nil, false
}

// Routes returns all registrations in the order they were added
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Route, r.seq)
	for _, routes := range r.routes {
		for _, route := range routes {
			out[route.seq] = *route
		}
	}
	return out
}

// Len returns the number of registered routes
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

func (rt *Route) match(parts []string) (map[string]string, bool) {
	var params map[string]string

	for i, seg := range rt.segments {
		if seg.kind == catchAll {
			if i >= len(parts) {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[seg.value] = strings.Join(parts[i:], "/")
			return params, true
		}

		if i >= len(parts) {
			return nil, false
		}

		switch seg.kind {
		case static:
			if parts[i] != seg.value {
				return nil, false
			}
		case param:
			if params == nil {
				params = make(map[string]string, len(rt.segments))
			}
			params[seg.value] = parts[i]
		}
	}

	if len(parts) != len(rt.segments) {
		return nil, false
	}
	return params, true
}

func parsePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must begin with '/'", ErrInvalidPattern, pattern)
	}

	parts := splitPath(pattern)
	segments := make([]segment, 0, len(parts))
	names := make(map[string]bool)

	for i, part := range parts {
		switch part[0] {
		case ':', '*':
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("%w: %q: wildcards must be named", ErrInvalidPattern, pattern)
			}
			if strings.ContainsAny(name, ":*") {
				return nil, fmt.Errorf("%w: %q: only one wildcard per path segment is allowed", ErrInvalidPattern, pattern)
			}
			if names[name] {
				return nil, fmt.Errorf("%w: %q: duplicate parameter %q", ErrInvalidPattern, pattern, name)
			}
			names[name] = true

			kind := param
			if part[0] == '*' {
				if i != len(parts)-1 {
					return nil, fmt.Errorf("%w: %q: catch-all routes are only allowed at the end of the path", ErrInvalidPattern, pattern)
				}
				kind = catchAll
			}
			segments = append(segments, segment{kind: kind, value: name})
		default:
			if strings.ContainsAny(part, ":*") {
				return nil, fmt.Errorf("%w: %q: wildcard must start a segment", ErrInvalidPattern, pattern)
			}
			segments = append(segments, segment{kind: static, value: part})
		}
	}

	return segments, nil
}

// splitPath splits a path into its non-empty segments
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func sameSegments(a, b []segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
