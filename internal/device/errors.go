package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// LinkErrorKind classifies failures that prevent a session from starting
type LinkErrorKind string

const (
	NotFound           LinkErrorKind = "device_not_found"
	UserCancelled      LinkErrorKind = "user_cancelled"
	PermissionDenied   LinkErrorKind = "permission_denied"
	AdapterUnavailable LinkErrorKind = "adapter_unavailable"
	ServiceNotFound    LinkErrorKind = "service_not_found"
)

// LinkError is returned by Connect and Discover. It is fatal to session start.
type LinkError struct {
	Kind LinkErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause
func (e *LinkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare LinkError values by Kind
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for link failures
var (
	ErrDeviceNotFound     = &LinkError{Kind: NotFound}
	ErrUserCancelled      = &LinkError{Kind: UserCancelled}
	ErrPermissionDenied   = &LinkError{Kind: PermissionDenied}
	ErrAdapterUnavailable = &LinkError{Kind: AdapterUnavailable}
	ErrServiceNotFound    = &LinkError{Kind: ServiceNotFound}
)

// NewLinkError builds a LinkError of the given kind
func NewLinkError(kind LinkErrorKind, msg string, err error) *LinkError {
	return &LinkError{Kind: kind, Msg: msg, Err: err}
}

// LinkErrorKindOf returns the kind of a LinkError in err's chain, or "" if there is none
func LinkErrorKindOf(err error) LinkErrorKind {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ""
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
)

// ConnectionError represents a problem with an already established session
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
)

// Link lifetime causes and operation errors
var (
	// ErrLinkLost is the cause reported by UnitUnderTest.Cause when the radio dropped the link.
	ErrLinkLost = errors.New("link lost")
	// ErrDisconnected is the cause reported after an explicit Disconnect.
	ErrDisconnected = errors.New("disconnected")
	ErrTimeout      = errors.New("timeout")
)
