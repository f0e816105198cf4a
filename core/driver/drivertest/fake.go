// Package drivertest provides an in-memory driver that records every request
// and can be told to fail, for tests of components that dispatch to drivers.
package drivertest

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/model"
)

// Fake is a driver.Driver backed by memory.
type Fake struct {
	ct model.ControllerType

	mu       sync.Mutex
	requests []driver.Request
	openErr  error
	failures map[string]driver.ResultCode
	opens    int
	closes   int
}

// New creates a fake for ct.
func New(ct model.ControllerType) *Fake {
	return &Fake{ct: ct, failures: make(map[string]driver.ResultCode)}
}

func (f *Fake) Type() model.ControllerType { return f.ct }

func (f *Fake) Open(ctx context.Context) (driver.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	return &session{f: f}, nil
}

// FailOpen makes every subsequent Open fail. A nil error heals the driver.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// FailController answers every request about controller with code.
func (f *Fake) FailController(controller string, code driver.ResultCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code == driver.ResultOK {
		delete(f.failures, controller)
		return
	}
	f.failures[controller] = code
}

// Requests returns a copy of everything sent so far.
func (f *Fake) Requests() []driver.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Request(nil), f.requests...)
}

// Ops returns the operation of every request about controller, in order.
func (f *Fake) Ops(controller string) []model.Operation {
	var ops []model.Operation
	for _, r := range f.Requests() {
		if r.Header.Controller == controller {
			ops = append(ops, r.Header.Operation)
		}
	}
	return ops
}

// Opens reports how many sessions were opened.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes reports how many sessions were closed.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Reset forgets recorded requests and counters, keeping failure settings.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
	f.opens, f.closes = 0, 0
}

type session struct {
	f      *Fake
	closed bool
}

func (s *session) Type() model.ControllerType { return s.f.ct }

func (s *session) Send(ctx context.Context, hdr driver.RequestHeader, payload driver.Payload) (driver.Response, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.closed {
		return driver.Response{}, errors.New("drivertest: session closed")
	}
	s.f.requests = append(s.f.requests, driver.Request{Header: hdr, Payload: payload})
	if code, ok := s.f.failures[hdr.Controller]; ok {
		return driver.Response{Code: code, Message: "injected failure"}, nil
	}
	return driver.Response{Code: driver.ResultOK}, nil
}

func (s *session) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.f.closes++
	}
	return nil
}
