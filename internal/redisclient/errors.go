package redisclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Code is the transport error taxonomy exposed to callers.
type Code string

const (
	CodeConnection         Code = "CONNECTION_ERROR"
	CodeConnectionTimeout  Code = "CONNECTION_TIMEOUT"
	CodeConnectionRefused  Code = "CONNECTION_REFUSED"
	CodeProtocol           Code = "PROTOCOL_ERROR"
	CodeOperationFailed    Code = "OPERATION_FAILED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// Error wraps a Redis failure with its classification and the operation
// that produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("redis %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err carries the given classification.
func IsCode(err error, code Code) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}

// classify maps raw client errors onto the taxonomy. redis.Nil must be
// handled by callers before classification; it is a miss, not a failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	code := CodeOperationFailed
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		code = CodeServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeConnectionTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		code = CodeConnectionRefused
	case isTimeout(err):
		code = CodeConnectionTimeout
	case isConnection(err):
		code = CodeConnection
	case isProtocol(err):
		code = CodeProtocol
	}

	return &Error{Code: code, Op: op, Err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnection(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// isProtocol detects server-side command errors (wrong type, bad arguments).
// go-redis surfaces them as redis.Error values that are not redis.Nil.
func isProtocol(err error) bool {
	var re redis.Error
	return errors.As(err, &re) && !errors.Is(err, redis.Nil)
}

// retriable reports whether an operation may be retried safely. Protocol
// errors repeat deterministically and breaker rejections must fail fast.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isProtocol(err) {
		return false
	}
	return true
}
