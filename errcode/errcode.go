// Package errcode implements the process-wide mapping from wire error codes
// to error kinds.
//
// When a handler fails, the serving side puts a code and message into the
// envelope instead of a payload. The calling side reconstructs an error of
// the registered kind, so errors.Is works across the network boundary.
// Applications register their own kinds at startup, before any traffic.
package errcode

import (
	"errors"
	"fmt"
	"sync"
)

// Codes reserved by the framework. Application codes should start at 1000.
const (
	CodeUnknown          int32 = 1
	CodeServiceNotFound  int32 = 100
	CodeMethodNotFound   int32 = 101
	CodeDecodeFailure    int32 = 102
	CodeHeartbeatTimeout int32 = 103
	CodeConnectionClosed int32 = 104
	CodeRateLimited      int32 = 105
	CodeDeadlineExceeded int32 = 106
)

var (
	ErrUnknown          = errors.New("chanrpc: remote error")
	ErrServiceNotFound  = errors.New("chanrpc: service not found")
	ErrMethodNotFound   = errors.New("chanrpc: method not found")
	ErrDecodeFailure    = errors.New("chanrpc: decode failure")
	ErrHeartbeatTimeout = errors.New("chanrpc: heartbeat timeout")
	ErrConnectionClosed = errors.New("chanrpc: connection closed")
	ErrRateLimited      = errors.New("chanrpc: rate limited")
	ErrDeadlineExceeded = errors.New("chanrpc: deadline exceeded")
)

// Error is a reconstructed remote failure. Unwrap yields the registered kind
// for the code, so callers match with errors.Is.
type Error struct {
	Code int32
	Text string
	kind error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Text)
}

func (e *Error) Unwrap() error {
	return e.kind
}

var (
	mu       sync.RWMutex
	registry = make(map[int32]error)
)

// Register binds a code to an error kind. Duplicate codes are a configuration
// error and rejected.
func Register(code int32, kind error) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[code]; ok {
		return fmt.Errorf("errcode: code %d already registered", code)
	}
	registry[code] = kind
	return nil
}

// MustRegister is Register for init-time wiring; it panics on duplicates.
func MustRegister(code int32, kind error) {
	if err := Register(code, kind); err != nil {
		panic(err)
	}
}

// New reconstructs an error from wire code and message. Unregistered codes
// fall back to ErrUnknown so the caller still gets the remote text.
func New(code int32, text string) error {
	mu.RLock()
	kind, ok := registry[code]
	mu.RUnlock()
	if !ok {
		kind = ErrUnknown
		code = CodeUnknown
	}
	return &Error{Code: code, Text: text, kind: kind}
}

// CodeOf resolves the wire code for an outgoing error. A reconstructed *Error
// keeps its code; otherwise the registered kinds are matched with errors.Is;
// anything else maps to CodeUnknown.
func CodeOf(err error) int32 {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}

	mu.RLock()
	defer mu.RUnlock()
	for code, kind := range registry {
		if errors.Is(err, kind) {
			return code
		}
	}
	return CodeUnknown
}

func init() {
	MustRegister(CodeUnknown, ErrUnknown)
	MustRegister(CodeServiceNotFound, ErrServiceNotFound)
	MustRegister(CodeMethodNotFound, ErrMethodNotFound)
	MustRegister(CodeDecodeFailure, ErrDecodeFailure)
	MustRegister(CodeHeartbeatTimeout, ErrHeartbeatTimeout)
	MustRegister(CodeConnectionClosed, ErrConnectionClosed)
	MustRegister(CodeRateLimited, ErrRateLimited)
	MustRegister(CodeDeadlineExceeded, ErrDeadlineExceeded)
}
