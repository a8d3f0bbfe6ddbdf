package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/mini-server/core/pools"
)

// TimeFormat is the layout of the Date header (RFC 7231 IMF-fixdate)
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// ErrShortBody reports a stream that ended before ContentLength bytes
var ErrShortBody = errors.New("http: response body shorter than Content-Length")

// WriteOptions tunes WriteResponse
type WriteOptions struct {
	// Now stamps the Date header; zero means time.Now()
	Now time.Time
	// OmitBody suppresses the body (HEAD) but keeps Content-Length
	OmitBody bool
}

// WriteResponse serializes resp onto w: status line, headers, blank line,
// body. Content-Length, Date and Connection are always set by the
// writer. The response is closed when WriteResponse returns.
//
// It returns the number of bytes written. A failed or short write is
// returned as an error and must not be retried.
func WriteResponse(w io.Writer, resp *Response, opts WriteOptions) (int64, error) {
	defer resp.Close()

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	status := resp.Status
	if status == 0 {
		status = StatusOK
	}

	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 4096)

	bw.WriteString("HTTP/1.1 ")
	bw.Write(appendInt(nil, status))
	bw.WriteByte(' ')
	bw.WriteString(StatusText(status))
	bw.WriteString("\r\n")

	h := resp.Header.Clone()
	h.Set("Content-Length", strconv.FormatInt(resp.Len(), 10))
	h.Set("Date", now.UTC().Format(TimeFormat))
	h.Set("Connection", "close")

	for _, key := range h.Keys() {
		if !httpguts.ValidHeaderFieldName(key) {
			continue
		}
		name := CanonicalKey(key)
		for _, v := range h[key] {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			bw.WriteString(name)
			bw.WriteString(": ")
			bw.WriteString(v)
			bw.WriteString("\r\n")
		}
	}
	bw.WriteString("\r\n")

	if !opts.OmitBody && resp.Stream == nil {
		bw.Write(resp.Body)
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("write response head: %w", err)
	}

	if opts.OmitBody || resp.Stream == nil {
		return cw.n, nil
	}

	buf := pools.GetCopyBuffer()
	defer pools.PutCopyBuffer(buf)

	n, err := io.CopyBuffer(cw, io.LimitReader(resp.Stream, resp.ContentLength), buf)
	if err != nil {
		return cw.n, fmt.Errorf("write response body: %w", err)
	}
	if n != resp.ContentLength {
		return cw.n, ErrShortBody
	}
	return cw.n, nil
}

// countingWriter hides any ReaderFrom on the destination so CopyBuffer
// uses the pooled buffer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
