package core

import (
	"errors"
	"fmt"
	"time"
)

// Header names set by the engine
const (
	HeaderRequestID = "X-Request-Id"
	HeaderServer    = "Server"
)

// Defaults applied by DefaultOptions
const (
	DefaultAddr          = ":8080"
	DefaultReadTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultShutdownGrace = 5 * time.Second

	// lingerTimeout bounds the drain after a half-close
	lingerTimeout = 500 * time.Millisecond
	// lingerMaxBytes bounds how much unread input is discarded
	lingerMaxBytes = 256 << 10
)

// Error definitions
var (
	ErrServerClosed      = errors.New("core: server closed")
	ErrAlreadyServing    = errors.New("core: engine already serving")
	ErrInvalidTransition = errors.New("core: invalid connection state transition")
)

// BindError reports a failure to listen on an address. The process exits
// non-zero on it.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("core: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
