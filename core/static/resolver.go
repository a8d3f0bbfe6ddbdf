// Package static maps request paths onto files below a document root.
//
// A resolver never hands out a file outside its root. Dot segments are
// collapsed without re-rooting, so "/../etc/passwd" is reported as a
// traversal rather than silently turned into "/etc/passwd", and symlinks
// are evaluated before the containment check.
package static

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultIndexFiles are tried, in order, when a directory is requested
var DefaultIndexFiles = []string{"index.html", "index.htm", "index.txt"}

// ErrorKind classifies resolution failures
type ErrorKind uint8

const (
	NotFound ErrorKind = iota
	PathTraversal
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case PathTraversal:
		return "path traversal"
	default:
		return "unknown"
	}
}

// Error is returned by Resolve. Err, when set, is the underlying cause and
// is meant for logs only.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("static: %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("static: %s: %s", e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTraversal reports whether err is a PathTraversal *Error
func IsTraversal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == PathTraversal
}

// Config describes a document root
type Config struct {
	Root            string
	IndexFiles      []string
	ListDirectories bool
	Gzip            bool
}

// ResolvedFile is a successful resolution. For a regular file File is open
// and the caller owns it. For a directory listing IsDir is set and File is
// nil.
type ResolvedFile struct {
	Path        string
	File        *os.File
	Size        int64
	ContentType string
	ModTime     time.Time
	IsDir       bool
}

// Close closes the file handle, if any
func (f *ResolvedFile) Close() error {
	if f.File == nil {
		return nil
	}
	return f.File.Close()
}

// Resolver resolves request paths against one root
type Resolver struct {
	cfg  Config
	root string // absolute, symlinks evaluated
}

// NewResolver validates cfg.Root, which must be an existing directory
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Root == "" {
		return nil, errors.New("static: empty root")
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("static: root %q: %w", cfg.Root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("static: root %q: %w", cfg.Root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("static: root %q: %w", cfg.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static: root %q is not a directory", cfg.Root)
	}

	if cfg.IndexFiles == nil {
		cfg.IndexFiles = DefaultIndexFiles
	}
	cfg.IndexFiles = append([]string(nil), cfg.IndexFiles...)

	return &Resolver{cfg: cfg, root: resolved}, nil
}

// Root returns the evaluated root directory
func (r *Resolver) Root() string { return r.root }

// Config returns the resolver configuration
func (r *Resolver) Config() Config { return r.cfg }

// Resolve is a one-shot resolution without a long-lived Resolver
func Resolve(root string, indexFiles []string, requested string) (*ResolvedFile, error) {
	r, err := NewResolver(Config{Root: root, IndexFiles: indexFiles})
	if err != nil {
		return nil, &Error{Kind: NotFound, Path: requested, Err: err}
	}
	return r.Resolve(requested)
}

// Resolve maps the decoded request path onto a file below the root
func (r *Resolver) Resolve(requested string) (*ResolvedFile, error) {
	rel, ok := collapse(requested)
	if !ok {
		return nil, &Error{Kind: PathTraversal, Path: requested}
	}
	if strings.IndexByte(rel, 0) >= 0 {
		return nil, &Error{Kind: NotFound, Path: requested, Err: errors.New("NUL byte in path")}
	}

	target, err := r.contain(filepath.Join(r.root, filepath.FromSlash(rel)), requested)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, &Error{Kind: NotFound, Path: requested, Err: err}
	}
	if info.IsDir() {
		return r.resolveDir(target, requested)
	}
	return openRegular(target, requested)
}

func (r *Resolver) resolveDir(dir, requested string) (*ResolvedFile, error) {
	for _, name := range r.cfg.IndexFiles {
		if name == "" || strings.ContainsAny(name, `/\`) {
			continue
		}
		candidate, err := r.contain(filepath.Join(dir, name), requested)
		if err != nil {
			if IsTraversal(err) {
				return nil, err
			}
			continue
		}
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		return openRegular(candidate, requested)
	}

	if r.cfg.ListDirectories {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, &Error{Kind: NotFound, Path: requested, Err: err}
		}
		return &ResolvedFile{
			Path:        dir,
			ContentType: contentTypes[".html"],
			ModTime:     info.ModTime(),
			IsDir:       true,
		}, nil
	}

	return nil, &Error{Kind: NotFound, Path: requested, Err: errors.New("no index file")}
}

// contain evaluates symlinks in p and checks the result stays below root
func (r *Resolver) contain(p, requested string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", &Error{Kind: NotFound, Path: requested, Err: err}
	}
	if !within(r.root, resolved) {
		return "", &Error{Kind: PathTraversal, Path: requested, Err: fmt.Errorf("resolves to %s", resolved)}
	}
	return resolved, nil
}

func openRegular(p, requested string) (*ResolvedFile, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, &Error{Kind: NotFound, Path: requested, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &Error{Kind: NotFound, Path: requested, Err: err}
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, &Error{Kind: NotFound, Path: requested, Err: fmt.Errorf("not a regular file: %s", info.Mode().Type())}
	}

	return &ResolvedFile{
		Path:        p,
		File:        f,
		Size:        info.Size(),
		ContentType: ContentType(p),
		ModTime:     info.ModTime(),
	}, nil
}

// collapse removes "." and ".." segments from a slash path. It reports
// false when a ".." would climb above the top.
func collapse(requested string) (string, bool) {
	var stack []string
	for _, seg := range strings.Split(requested, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
		default:
			// a backslash is a separator on some platforms
			if filepath.Separator != '/' && strings.ContainsRune(seg, filepath.Separator) {
				return "", false
			}
			stack = append(stack, seg)
		}
	}
	return strings.Join(stack, "/"), true
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
