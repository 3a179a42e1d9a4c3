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
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trussed-dev/go-trussed/transport"
)

// stubTransport scripts the device side of a framed session.  It
// asserts that writes never overlap an unconsumed response, which is
// how interleaved exchanges would manifest.
type stubTransport struct {
	mu      sync.Mutex
	respond func(req []byte) []byte

	timeouts   int // reads to fail with ErrTimeout before succeeding
	failReads  bool
	writes     int
	overlapped bool
	pending    []byte
	closed     bool
}

func frame(payload []byte) []byte {
	b := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(b, uint16(len(payload)))
	copy(b[2:], payload)
	return b
}

func (s *stubTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, transport.ErrClosed
	}
	if len(s.pending) > 0 {
		s.overlapped = true
	}
	s.writes++
	s.pending = frame(s.respond(p[2:]))
	return len(p), nil
}

func (s *stubTransport) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, transport.ErrClosed
	}
	if s.failReads {
		return 0, &transport.IOError{Op: "stub read", Err: errors.New("device unplugged")}
	}
	if s.timeouts > 0 {
		s.timeouts--
		s.pending = nil
		return 0, transport.ErrTimeout
	}
	if len(s.pending) == 0 {
		return 0, transport.ErrTimeout
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func echo(req []byte) []byte {
	return append([]byte("re:"), req...)
}

func TestExchange(t *testing.T) {
	s := NewSession(&stubTransport{respond: echo})
	defer s.Close()

	resp, err := s.Exchange([]byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if want := []byte("re:ping"); !bytes.Equal(resp, want) {
		t.Fatalf("Got response %q, want %q", resp, want)
	}
	if got := s.State(); got != StateConnected {
		t.Fatalf("Got state %v, want connected", got)
	}
}

func TestExchangeRetriesOnceOnTimeout(t *testing.T) {
	tr := &stubTransport{respond: echo, timeouts: 1}
	s := NewSession(tr)
	defer s.Close()

	resp, err := s.Exchange([]byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if want := []byte("re:ping"); !bytes.Equal(resp, want) {
		t.Fatalf("Got response %q, want %q", resp, want)
	}
	if tr.writes != 2 {
		t.Fatalf("Got %d writes, want 2 (one retry)", tr.writes)
	}
}

func TestExchangeSurfacesTimeoutAfterSingleRetry(t *testing.T) {
	tr := &stubTransport{respond: echo, timeouts: 5}
	s := NewSession(tr)
	defer s.Close()

	if _, err := s.Exchange([]byte("ping"), time.Second); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("Got err %v, want ErrTimeout", err)
	}
	if tr.writes != 2 {
		t.Fatalf("Got %d writes, want exactly 2", tr.writes)
	}
	// A timeout is recoverable.
	if got := s.State(); got != StateConnected {
		t.Fatalf("Got state %v, want connected", got)
	}
}

func TestExchangeFaultsOnIOError(t *testing.T) {
	tr := &stubTransport{respond: echo, failReads: true}
	s := NewSession(tr)
	defer s.Close()

	var ioErr *transport.IOError
	if _, err := s.Exchange([]byte("ping"), time.Second); !errors.As(err, &ioErr) {
		t.Fatalf("Got err %v, want IOError", err)
	}
	if got := s.State(); got != StateFaulted {
		t.Fatalf("Got state %v, want faulted", got)
	}
	if _, err := s.Exchange([]byte("ping"), time.Second); !errors.Is(err, ErrFaulted) {
		t.Fatalf("Got err %v, want ErrFaulted", err)
	}
}

func TestExchangeAfterClose(t *testing.T) {
	s := NewSession(&stubTransport{respond: echo})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Exchange([]byte("ping"), time.Second); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Got err %v, want ErrDisconnected", err)
	}
}

func TestConcurrentExchangesDoNotInterleave(t *testing.T) {
	tr := &stubTransport{respond: echo}
	s := NewSession(tr)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Exchange([]byte("ping"), time.Second); err != nil {
				t.Errorf("Exchange: %v", err)
			}
		}()
	}
	wg.Wait()

	if tr.overlapped {
		t.Fatal("writes interleaved with unconsumed responses")
	}
	if tr.writes != 8 {
		t.Fatalf("Got %d writes, want 8", tr.writes)
	}
}

func TestTryExchangeBusy(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})

	tr := &stubTransport{respond: func(req []byte) []byte {
		close(started)
		<-block
		return echo(req)
	}}
	s := NewSession(tr)
	defer s.Close()

	go s.Exchange([]byte("slow"), time.Second)
	<-started

	if _, err := s.TryExchange([]byte("fast"), time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("Got err %v, want ErrBusy", err)
	}
	close(block)
}
