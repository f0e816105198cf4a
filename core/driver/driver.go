// Package driver is the southbound gateway: a registry of one Driver per
// controller type, sessions opened per type per phase, and fan-out dispatch
// of per-entity requests over those sessions.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/physcoord/core/model"
)

var (
	// ErrNoDriver is returned when no driver is registered for a type.
	ErrNoDriver = errors.New("driver: no driver registered for controller type")
	// ErrSessionOpen wraps failures to establish a session with a driver.
	ErrSessionOpen = errors.New("driver: session open failed")
)

// ResultCode is the status a driver reports for one request.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultFailure
	ResultNotSupported
	ResultDisconnected
	ResultInvalidRequest
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultFailure:
		return "failure"
	case ResultNotSupported:
		return "not_supported"
	case ResultDisconnected:
		return "disconnected"
	case ResultInvalidRequest:
		return "invalid_request"
	default:
		return fmt.Sprintf("result(%d)", int(c))
	}
}

// RequestHeader frames every driver request.
type RequestHeader struct {
	Operation  model.Operation  `json:"operation"`
	Controller string           `json:"controller"`
	Domain     string           `json:"domain,omitempty"`
	Datastore  model.Datastore  `json:"datastore"`
	Kind       model.EntityKind `json:"kind"`
	SessionID  uint32           `json:"session_id"`
	ConfigID   uint32           `json:"config_id"`
	// Reconnect asks the driver to drop any cached connection to the
	// controller because its address changed.
	Reconnect bool `json:"reconnect,omitempty"`
}

// Payload is the entity a request is about. Commit versions are echoed to
// drivers that track them.
type Payload struct {
	Key       model.Key            `json:"key"`
	Value     model.Value          `json:"value"`
	OldCommit *model.CommitVersion `json:"old_commit,omitempty"`
	NewCommit *model.CommitVersion `json:"new_commit,omitempty"`
}

// Request is the wire form of header plus payload.
type Request struct {
	Header  RequestHeader `json:"header"`
	Payload Payload       `json:"payload"`
	Session string        `json:"session,omitempty"`
}

// Response carries the driver's verdict.
type Response struct {
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// ResultError reports a request the driver answered with a non-OK code.
type ResultError struct {
	Controller string
	Operation  model.Operation
	Code       ResultCode
	Message    string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("driver %s on %s: %s", e.Operation, e.Controller, e.Code)
	}
	return fmt.Sprintf("driver %s on %s: %s: %s", e.Operation, e.Controller, e.Code, e.Message)
}

// Session is a logical conversation with one driver for one phase.
type Session interface {
	Type() model.ControllerType
	Send(ctx context.Context, hdr RequestHeader, payload Payload) (Response, error)
	Close() error
}

// Driver opens sessions to the process serving one controller type.
type Driver interface {
	Type() model.ControllerType
	Open(ctx context.Context) (Session, error)
}
