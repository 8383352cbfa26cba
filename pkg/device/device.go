// Package device abstracts the host's position capability: a one-shot
// read, a continuous watch delivered as a subscription, and a permission probe.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/geotrack/geotrack/pkg"
)

// Options mirror the usual geolocation request knobs
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Fix is a raw position as reported by the device
type Fix struct {
	Lat       float64
	Lng       float64
	Accuracy  float64 // meters, 0 when unknown
	Timestamp time.Time
}

// Coordinate returns the fix position
func (f Fix) Coordinate() pkg.Coordinate {
	return pkg.Coordinate{Lat: f.Lat, Lng: f.Lng}
}

// Code classifies a device failure
type Code int

const (
	PermissionDenied Code = iota + 1
	PositionUnavailable
	Timeout
)

func (c Code) String() string {
	switch c {
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case PositionUnavailable:
		return "POSITION_UNAVAILABLE"
	case Timeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// PositionError is returned by locators and delivered on watch events
type PositionError struct {
	Code    Code
	Message string
}

func (e *PositionError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is maps codes onto the package sentinels so callers can use errors.Is
func (e *PositionError) Is(target error) bool {
	switch e.Code {
	case PermissionDenied:
		return target == pkg.ErrPermissionDenied
	case PositionUnavailable:
		return target == pkg.ErrPositionUnavailable
	case Timeout:
		return target == pkg.ErrTimeout
	}
	return false
}

// NewError builds a PositionError
func NewError(code Code, format string, args ...interface{}) *PositionError {
	return &PositionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Permission is the state reported by the host permission API
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionPrompt  Permission = "prompt"
	PermissionDeny    Permission = "denied"
)

// Event is one watch delivery: either a fix or an error
type Event struct {
	Fix Fix
	Err *PositionError
}

// Subscription is a running watch. Events is closed after Close returns or
// when the underlying source ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// IntervalHinter is implemented by subscriptions whose sampling period can
// follow the tracker's adaptive interval
type IntervalHinter interface {
	HintInterval(d time.Duration)
}

// Locator is the device position capability
type Locator interface {
	CurrentPosition(ctx context.Context, opts Options) (Fix, error)
	Watch(ctx context.Context, opts Options) (Subscription, error)
	Permission(ctx context.Context) (Permission, error)
}

// asPositionError converts context and unknown errors into a PositionError
func asPositionError(ctx context.Context, err error) *PositionError {
	if pe, ok := err.(*PositionError); ok {
		return pe
	}
	if ctx.Err() == context.DeadlineExceeded {
		return NewError(Timeout, "%v", err)
	}
	return NewError(PositionUnavailable, "%v", err)
}
