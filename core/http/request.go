package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"

	"google.golang.org/protobuf/proto"
)

// Request is one parsed inbound HTTP message. It is owned by the worker
// serving its connection and discarded after the response is written.
type Request struct {
	Method string
	// Target is the raw request-target from the request line
	Target string
	// Path is the percent-decoded path component of Target
	Path     string
	RawQuery string
	Proto    string

	Header Headers

	// Query parameters; the first value wins for repeated keys
	Query map[string]string
	// Form holds parameters of an application/x-www-form-urlencoded body
	Form map[string]string
	// Params holds path parameters captured by the router
	Params map[string]string

	Body []byte

	// RemoteAddr and ConnID are filled in by the engine
	RemoteAddr string
	ConnID     string
}

// QueryValue returns a query parameter
func (r *Request) QueryValue(key string) string {
	if r.Query == nil {
		return ""
	}
	return r.Query[key]
}

// FormValue returns a form parameter, falling back to the query string
func (r *Request) FormValue(key string) string {
	if v, ok := r.Form[key]; ok {
		return v
	}
	return r.QueryValue(key)
}

// Param returns a path parameter
func (r *Request) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[key]
}

// ContentType returns the media type of the body without parameters
func (r *Request) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

// BindJSON decodes a JSON body into v
func (r *Request) BindJSON(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode json body: %w", err)
	}
	return nil
}

// BindProto decodes a protobuf body into msg
func (r *Request) BindProto(msg proto.Message) error {
	if err := proto.Unmarshal(r.Body, msg); err != nil {
		return fmt.Errorf("decode protobuf body: %w", err)
	}
	return nil
}
