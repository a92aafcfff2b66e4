package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network failures and 5xx responses.
	ErrTransient = errors.New("transient failure")
	// ErrConfig marks a missing or invalid setting detected at construction.
	ErrConfig = errors.New("invalid configuration")
	// ErrProtocol marks unexpected gateway payloads.
	ErrProtocol = errors.New("protocol violation")
	// ErrRateLimited marks a 429 response or an exhausted local limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound is returned by storage lookups and 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrReconnectExhausted is the supervisor fail-stop.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// AdapterError is a failed platform call. It never escapes the adapter that
// produced it except as a per-adapter outcome of a fan-out.
type AdapterError struct {
	Platform Platform
	Op       string
	Status   int
	Body     string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: HTTP %d: %s", e.Platform, e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch {
	case e.Status == 429:
		return ErrRateLimited
	case e.Status == 404:
		return ErrNotFound
	case e.Status >= 500:
		return ErrTransient
	}
	return nil
}

// NewAdapterError wraps err for platform p. Status and body are optional.
func NewAdapterError(p Platform, op string, status int, body string, err error) *AdapterError {
	return &AdapterError{Platform: p, Op: op, Status: status, Body: body, Err: err}
}
