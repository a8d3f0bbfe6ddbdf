package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Default parser limits
const (
	DefaultMaxHeaderBytes = 8 << 10
	DefaultMaxBodyBytes   = 1 << 20
)

// ParseErrorKind classifies why a request could not be parsed
type ParseErrorKind int

const (
	MalformedStartLine ParseErrorKind = iota
	MalformedHeader
	HeaderTooLarge
	BodyTooLarge
	UnsupportedTransferEncoding
	UnsupportedMethod
)

func (k ParseErrorKind) String() string {
	switch k {
	case MalformedStartLine:
		return "malformed start line"
	case MalformedHeader:
		return "malformed header"
	case HeaderTooLarge:
		return "header too large"
	case BodyTooLarge:
		return "body too large"
	case UnsupportedTransferEncoding:
		return "unsupported transfer-encoding"
	case UnsupportedMethod:
		return "unsupported method"
	default:
		return "unknown"
	}
}

// Status returns the response status the caller sends for this kind
func (k ParseErrorKind) Status() int {
	switch k {
	case HeaderTooLarge, BodyTooLarge:
		return StatusPayloadTooLarge
	case UnsupportedTransferEncoding, UnsupportedMethod:
		return StatusNotImplemented
	default:
		return StatusBadRequest
	}
}

// ParseError reports a request that cannot be served. The connection is
// closed after the error response.
type ParseError struct {
	Kind   ParseErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "http: " + e.Kind.String()
	}
	return "http: " + e.Kind.String() + ": " + e.Detail
}

func parseErr(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

var supportedMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"PATCH":   true,
	"OPTIONS": true,
	"CONNECT": true,
	"TRACE":   true,
}

// Parser reads one request from a connection
type Parser struct {
	// MaxHeaderBytes bounds the request line plus all header lines
	MaxHeaderBytes int
	// MaxBodyBytes bounds Content-Length
	MaxBodyBytes int64
}

// ParseRequest parses with the default limits
func ParseRequest(r io.Reader) (*Request, error) {
	return Parser{}.Parse(bufio.NewReader(r))
}

// Parse reads a request line, headers and a Content-Length body.
//
// An io.EOF before the first byte is returned as is: the peer went away
// and there is nobody to answer. Network errors are returned unwrapped as
// well; only *ParseError values warrant an error response.
func (p Parser) Parse(br *bufio.Reader) (*Request, error) {
	maxHeader := p.MaxHeaderBytes
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderBytes
	}
	maxBody := p.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	budget := maxHeader

	line, err := readLine(br, &budget)
	if err != nil {
		return nil, err
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	if err := readHeaders(br, &budget, req.Header); err != nil {
		return nil, err
	}

	if err := readBody(br, req, maxBody); err != nil {
		return nil, err
	}

	if req.ContentType() == "application/x-www-form-urlencoded" && len(req.Body) > 0 {
		req.Form = flattenValues(string(req.Body))
	}

	return req, nil
}

// readLine returns one line without its CRLF, charging its length against
// budget.
func readLine(br *bufio.Reader, budget *int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return "", parseErr(HeaderTooLarge, "limit exceeded")
		}
		line = append(line, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", parseErr(MalformedHeader, "unexpected EOF")
		}
		return "", err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, parseErr(MalformedStartLine, "%q", line)
	}
	method, target, proto := parts[0], parts[1], parts[2]

	if method == "" || strings.IndexFunc(method, func(r rune) bool { return !httpguts.IsTokenRune(r) }) >= 0 {
		return nil, parseErr(MalformedStartLine, "invalid method %q", method)
	}
	if !supportedMethods[method] {
		return nil, parseErr(UnsupportedMethod, "%s", method)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, parseErr(MalformedStartLine, "invalid version %q", proto)
	}

	req := &Request{
		Method: method,
		Target: target,
		Proto:  proto,
		Header: NewHeaders(),
	}

	if target == "*" {
		if method != "OPTIONS" {
			return nil, parseErr(MalformedStartLine, "asterisk target with %s", method)
		}
		req.Path = "*"
		return req, nil
	}
	if !strings.HasPrefix(target, "/") {
		return nil, parseErr(MalformedStartLine, "target must be origin-form: %q", target)
	}

	rawPath, rawQuery, _ := strings.Cut(target, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, parseErr(MalformedStartLine, "bad path escape: %v", err)
	}
	req.Path = path
	req.RawQuery = rawQuery
	if rawQuery != "" {
		req.Query = flattenValues(rawQuery)
	}
	return req, nil
}

func readHeaders(br *bufio.Reader, budget *int, h Headers) error {
	for {
		line, err := readLine(br, budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return parseErr(MalformedHeader, "unexpected EOF")
			}
			return err
		}
		if line == "" {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return parseErr(MalformedHeader, "obsolete line folding")
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return parseErr(MalformedHeader, "missing colon: %q", line)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return parseErr(MalformedHeader, "invalid field name %q", name)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return parseErr(MalformedHeader, "invalid value for %s", name)
		}
		h.Add(name, value)
	}
}

func readBody(br *bufio.Reader, req *Request, maxBody int64) error {
	if req.Header.Has("Transfer-Encoding") {
		return parseErr(UnsupportedTransferEncoding, "%s", req.Header.Get("Transfer-Encoding"))
	}

	values := req.Header.Values("Content-Length")
	if len(values) == 0 {
		return nil
	}
	for _, v := range values[1:] {
		if v != values[0] {
			return parseErr(MalformedHeader, "conflicting Content-Length values")
		}
	}
	if strings.Trim(values[0], "0123456789") != "" {
		return parseErr(MalformedHeader, "invalid Content-Length %q", values[0])
	}
	n, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return parseErr(MalformedHeader, "invalid Content-Length %q", values[0])
	}
	if n > maxBody {
		return parseErr(BodyTooLarge, "%d > %d", n, maxBody)
	}
	if n == 0 {
		return nil
	}

	req.Body = make([]byte, n)
	if _, err := io.ReadFull(br, req.Body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return parseErr(MalformedHeader, "body shorter than Content-Length")
		}
		return err
	}
	return nil
}

// flattenValues decodes a url-encoded string keeping the first value per key
func flattenValues(s string) map[string]string {
	// ParseQuery keeps every well-formed pair even when it reports an error
	values, _ := url.ParseQuery(s)
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}
