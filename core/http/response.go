package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
)

// Content types used by the response helpers
const (
	ContentTypeText     = "text/plain; charset=utf-8"
	ContentTypeHTML     = "text/html; charset=utf-8"
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeBinary   = "application/octet-stream"
)

// Response is produced by a handler or the static resolver and consumed
// exactly once by WriteResponse.
type Response struct {
	Status int
	Header Headers

	// Body is sent when Stream is nil
	Body []byte

	// Stream, when set, supplies exactly ContentLength bytes
	Stream        io.Reader
	ContentLength int64

	// closer is released after the response is written
	closer io.Closer
}

// NewResponse returns an empty response with the given status
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: NewHeaders()}
}

// Text returns a plain text response
func Text(status int, s string) *Response {
	return Bytes(status, ContentTypeText, []byte(s))
}

// HTML returns an HTML response
func HTML(status int, s string) *Response {
	return Bytes(status, ContentTypeHTML, []byte(s))
}

// Bytes returns a response carrying data with the given content type
func Bytes(status int, contentType string, data []byte) *Response {
	r := NewResponse(status)
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Body = data
	return r
}

// JSON marshals v into a JSON response
func JSON(status int, v any) (*Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json response: %w", err)
	}
	return Bytes(status, ContentTypeJSON, data), nil
}

// Proto marshals msg into a protobuf response
func Proto(status int, msg proto.Message) (*Response, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode protobuf response: %w", err)
	}
	return Bytes(status, ContentTypeProtobuf, data), nil
}

// Stream returns a response whose body is read from r. size must be the
// exact number of bytes r yields. If r is an io.Closer it is closed once
// the response has been written.
func Stream(status int, contentType string, r io.Reader, size int64) *Response {
	resp := NewResponse(status)
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	resp.Stream = r
	resp.ContentLength = size
	if c, ok := r.(io.Closer); ok {
		resp.closer = c
	}
	return resp
}

// Error returns a plain text response whose body is the status text
func Error(status int) *Response {
	return Text(status, StatusText(status))
}

// NotFound is the page served when neither a route nor a static file
// matches the request
func NotFound() *Response {
	return HTML(StatusNotFound, "<html><h1>404 Not Found</h1><hr>mini-server</html>")
}

// Len returns the number of body bytes the response carries
func (r *Response) Len() int64 {
	if r.Stream != nil {
		return r.ContentLength
	}
	return int64(len(r.Body))
}

// Close releases the body stream, if any. It is safe to call more than once.
func (r *Response) Close() error {
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}

// HTTPError lets a handler choose the status of its failure. Any other
// error returned by a handler is answered with 500.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return StatusText(e.Status)
	}
	return e.Message
}

// NewHTTPError returns an *HTTPError
func NewHTTPError(status int, message string) error {
	return &HTTPError{Status: status, Message: message}
}

// ErrorResponse maps a handler error onto a response
func ErrorResponse(err error) *Response {
	var he *HTTPError
	if errors.As(err, &he) && he.Status >= 400 && he.Status < 600 {
		if he.Message == "" {
			return Error(he.Status)
		}
		return Text(he.Status, he.Message)
	}
	return Error(StatusInternalServerError)
}

// Handler produces a Response from a Request
type Handler interface {
	Serve(req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(req *Request) (*Response, error)

// Serve calls f(req)
func (f HandlerFunc) Serve(req *Request) (*Response, error) {
	return f(req)
}
