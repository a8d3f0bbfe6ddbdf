package static

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/searchktools/mini-server/core/http"
)

// maxGzipSize bounds the files compressed in memory; larger files are
// streamed as is.
const maxGzipSize = 4 << 20

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// Serve resolves req.Path and builds a 200 response for it. Failures are
// returned as *Error; mapping them onto a status is left to the caller.
func (r *Resolver) Serve(req *http.Request) (*http.Response, error) {
	f, err := r.Resolve(req.Path)
	if err != nil {
		return nil, err
	}

	if f.IsDir {
		page, err := listing(f.Path, req.Path)
		if err != nil {
			return nil, &Error{Kind: NotFound, Path: req.Path, Err: err}
		}
		return http.Bytes(http.StatusOK, f.ContentType, page), nil
	}

	if r.cfg.Gzip && f.Size <= maxGzipSize && compressible(f.ContentType) &&
		acceptsGzip(req.Header.Get("Accept-Encoding")) {
		return gzipped(f, req.Path)
	}

	resp := http.Stream(http.StatusOK, f.ContentType, f.File, f.Size)
	resp.Header.Set("Last-Modified", f.ModTime.UTC().Format(http.TimeFormat))
	return resp, nil
}

// gzipped reads f fully into a compressed 200 response and closes it. A
// read failure is a NotFound like any other unreadable file.
func gzipped(f *ResolvedFile, requested string) (*http.Response, error) {
	defer f.Close()
	data, err := compress(f.File)
	if err != nil {
		return nil, &Error{Kind: NotFound, Path: requested, Err: fmt.Errorf("gzip %s: %w", f.Path, err)}
	}
	resp := http.Bytes(http.StatusOK, f.ContentType, data)
	resp.Header.Set("Content-Encoding", "gzip")
	resp.Header.Set("Vary", "Accept-Encoding")
	resp.Header.Set("Last-Modified", f.ModTime.UTC().Format(http.TimeFormat))
	return resp, nil
}

func compress(src io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)

	zw.Reset(&buf)
	if _, err := io.Copy(zw, src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// acceptsGzip reports whether an Accept-Encoding value allows gzip
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "gzip") && coding != "*" {
			continue
		}
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if q, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && q == 0 {
				return false
			}
		}
		return true
	}
	return false
}
