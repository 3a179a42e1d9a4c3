// Copyright 2024 The Trussed SDK authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trussed

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/trussed-dev/go-trussed/transport"
)

// State of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateBusy
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

var (
	// ErrBusy is returned by TryExchange while another exchange is in
	// flight.
	ErrBusy = errors.New("trussed: session busy")
	// ErrFaulted is returned after an unrecoverable transport error;
	// the session must be reopened.
	ErrFaulted = errors.New("trussed: session faulted")
	// ErrDisconnected is returned after Close.
	ErrDisconnected = errors.New("trussed: session disconnected")
)

// Session is a serialized request/response channel over one exclusively
// owned Transport.  Frames carry a 16-bit little-endian length prefix.
//
// At most one exchange is in flight at a time: concurrent Exchange
// calls block, TryExchange fails fast with ErrBusy.  A session may be
// handed across goroutines.
type Session struct {
	mu    sync.Mutex
	tr    transport.Transport
	state atomic.Int32
}

// NewSession wraps an open transport.  The session takes exclusive
// ownership of the transport until Close.
func NewSession(tr transport.Transport) *Session {
	s := &Session{tr: tr}
	s.state.Store(int32(StateConnected))
	return s
}

// State reports the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Close releases the transport.  Further exchanges fail with
// ErrDisconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == StateDisconnected {
		return nil
	}
	s.state.Store(int32(StateDisconnected))
	return s.tr.Close()
}

// Exchange sends one framed request and awaits the framed response
// within the timeout.  A timed-out round trip is retried exactly once
// before surfacing transport.ErrTimeout; the single retry bounds
// worst-case update latency.  Any other transport error faults the
// session.
func (s *Session) Exchange(req []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeLocked(req, timeout)
}

// TryExchange is Exchange for callers that must not block: if another
// exchange is in flight it fails with ErrBusy.
func (s *Session) TryExchange(req []byte, timeout time.Duration) ([]byte, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()
	return s.exchangeLocked(req, timeout)
}

func (s *Session) exchangeLocked(req []byte, timeout time.Duration) ([]byte, error) {
	switch State(s.state.Load()) {
	case StateDisconnected:
		return nil, ErrDisconnected
	case StateFaulted:
		return nil, ErrFaulted
	}

	s.state.Store(int32(StateBusy))

	resp, err := s.roundTrip(req, timeout)
	if errors.Is(err, transport.ErrTimeout) {
		klog.V(2).Infof("exchange timed out, retrying once")
		resp, err = s.roundTrip(req, timeout)
	}

	switch {
	case err == nil:
		s.state.Store(int32(StateConnected))
		return resp, nil
	case errors.Is(err, transport.ErrTimeout):
		// Recoverable: the session stays usable.
		s.state.Store(int32(StateConnected))
		return nil, err
	default:
		s.state.Store(int32(StateFaulted))
		return nil, err
	}
}

func (s *Session) roundTrip(req []byte, timeout time.Duration) ([]byte, error) {
	frame := make([]byte, 2+len(req))
	binary.LittleEndian.PutUint16(frame, uint16(len(req)))
	copy(frame[2:], req)

	if _, err := s.tr.Write(frame); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)

	var header [2]byte
	if err := s.readFull(header[:], deadline); err != nil {
		return nil, err
	}
	resp := make([]byte, binary.LittleEndian.Uint16(header[:]))
	if err := s.readFull(resp, deadline); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Session) readFull(p []byte, deadline time.Time) error {
	for len(p) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.ErrTimeout
		}
		n, err := s.tr.Read(p, remaining)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
