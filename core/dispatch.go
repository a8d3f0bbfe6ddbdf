package core

import (
	"bufio"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/searchktools/mini-server/core/http"
	"github.com/searchktools/mini-server/core/static"
)

const readBufferSize = 4096

// serveConn runs on a worker: read one request, answer it, close.
func (e *Engine) serveConn(c *Connection) {
	defer e.conns.del(c)

	start := time.Now()
	if err := c.advance(StateReading); err != nil {
		// force-closed while queued
		c.Close()
		return
	}

	c.setReadDeadline(e.opts.ReadTimeout)
	br := bufio.NewReaderSize(c.conn, readBufferSize)

	req, err := e.parser.Parse(br)
	if err != nil {
		var pe *http.ParseError
		if !errors.As(err, &pe) {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				e.log.Debug("read request failed", "conn_id", c.ID, "peer", c.RemoteAddr, "error", err)
			}
			c.Close()
			return
		}

		e.stats.parseErrors.Add(1)
		e.log.Debug("bad request", "conn_id", c.ID, "peer", c.RemoteAddr, "kind", pe.Kind.String(), "error", pe)

		resp := http.Error(pe.Kind.Status())
		resp.Header.Set(HeaderRequestID, c.ID)
		n, err := e.write(c, resp, false)
		if err == nil {
			e.record(c, "", "", pe.Kind.Status(), n, start)
		}
		c.closeLinger()
		return
	}

	req.RemoteAddr = c.RemoteAddr
	req.ConnID = c.ID

	if c.advance(StateParsed) != nil || c.advance(StateDispatching) != nil {
		c.Close()
		return
	}

	resp := e.dispatch(req)
	resp.Header.Set(HeaderRequestID, c.ID)

	if err := c.advance(StateResponding); err != nil {
		resp.Close()
		c.Close()
		return
	}

	n, err := e.write(c, resp, req.Method == "HEAD")
	if err != nil {
		e.log.Debug("write response failed", "conn_id", c.ID, "peer", c.RemoteAddr, "error", err)
		c.Close()
		return
	}
	e.stats.requests.Add(1)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	e.record(c, req.Method, req.Path, status, n, start)

	// unread input, such as a pipelined request, would turn a plain close
	// into a reset that can destroy the response in flight
	if br.Buffered() > 0 {
		c.closeLinger()
		return
	}
	c.Close()
}

// dispatch produces the response for a parsed request: the matched route,
// else a static file for GET and HEAD, else 404.
func (e *Engine) dispatch(req *http.Request) *http.Response {
	if h, params, ok := e.router.Find(req.Method, req.Path); ok {
		req.Params = params
		return e.invoke(h, req)
	}

	if req.Method == "GET" || req.Method == "HEAD" {
		if res := e.staticResolver(); res != nil {
			resp, err := res.Serve(req)
			if err == nil {
				return resp
			}
			if !e.logStaticError(req, err) {
				return http.Error(http.StatusInternalServerError)
			}
		}
	}

	e.log.Info("not found", "method", req.Method, "path", req.Path)
	return http.NotFound()
}

// invoke runs the handler behind a failure boundary. A panic or a plain
// error becomes 500; an *http.HTTPError keeps its status; a nil response
// becomes 204.
func (e *Engine) invoke(h http.Handler, req *http.Request) (resp *http.Response) {
	defer func() {
		if v := recover(); v != nil {
			e.log.Error("handler panic", "method", req.Method, "path", req.Path, "conn_id", req.ConnID,
				"panic", v, "stack", string(debug.Stack()))
			resp = http.Error(http.StatusInternalServerError)
		}
	}()

	resp, err := h.Serve(req)
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		e.log.Warn("handler failed", "method", req.Method, "path", req.Path, "conn_id", req.ConnID, "error", err)
		return http.ErrorResponse(err)
	}
	if resp == nil {
		return http.NewResponse(http.StatusNoContent)
	}
	if resp.Header == nil {
		resp.Header = http.NewHeaders()
	}
	return resp
}

// logStaticError logs a failed static lookup and reports whether it maps
// to 404. Traversal attempts are answered as plain misses.
func (e *Engine) logStaticError(req *http.Request, err error) bool {
	var se *static.Error
	if !errors.As(err, &se) {
		e.log.Error("static file failed", "path", req.Path, "error", err)
		return false
	}
	if se.Kind == static.PathTraversal {
		e.log.Warn("path traversal rejected", "path", req.Path, "peer", req.RemoteAddr, "error", err)
	} else {
		e.log.Debug("static lookup failed", "path", req.Path, "error", err)
	}
	return true
}

func (e *Engine) write(c *Connection, resp *http.Response, omitBody bool) (int64, error) {
	c.setWriteDeadline(e.opts.WriteTimeout)
	n, err := http.WriteResponse(c.conn, resp, http.WriteOptions{OmitBody: omitBody})
	e.stats.bytesWritten.Add(uint64(n))
	return n, err
}

func (e *Engine) record(c *Connection, method, path string, status int, n int64, start time.Time) {
	e.access.Record(Event{
		Method:       method,
		Path:         path,
		Status:       status,
		Duration:     time.Since(start),
		PeerAddr:     c.RemoteAddr,
		ConnID:       c.ID,
		BytesWritten: n,
		Time:         start,
	})
}
