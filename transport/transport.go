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

// Package transport provides the byte-channel abstraction over the HID
// and serial devices that Trussed hardware enumerates as, plus
// side-effect-free device discovery.
//
// Discovery produces immutable snapshots.  A snapshot is valid only
// until the next Enumerate call; opening a device from a superseded
// snapshot fails with ErrStaleHandle rather than racing the OS handle
// lifecycle.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Transport is an exclusively-owned byte channel to one device.
// Reads are bounded by the caller-supplied timeout; a timeout is
// recoverable, any other I/O failure is not.  After Close all
// operations fail with ErrClosed.
type Transport interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

var (
	ErrNotFound    = errors.New("transport: device not found")
	ErrTimeout     = errors.New("transport: read timed out")
	ErrClosed      = errors.New("transport: closed")
	ErrStaleHandle = errors.New("transport: device handle from superseded enumeration")
)

// IOError wraps an unrecoverable driver-level failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Kind discriminates the driver backing a DeviceInfo.
type Kind int

const (
	KindHID Kind = iota
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindHID:
		return "hid"
	case KindSerial:
		return "serial"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DeviceInfo identifies one enumerated device.  It is immutable; the
// identity is re-validated when the device is opened.
type DeviceInfo struct {
	VendorID  uint16
	ProductID uint16
	Path      string
	Serial    string
	Kind      Kind

	generation uint64
	open       func() (Transport, error)
}

func (d *DeviceInfo) String() string {
	return fmt.Sprintf("%04x:%04x (%s) at %s", d.VendorID, d.ProductID, d.Kind, d.Path)
}

// Filter restricts enumeration to one vendor/product pair.
type Filter struct {
	VendorID  uint16
	ProductID uint16
}

var (
	enumMu     sync.Mutex
	generation uint64

	// Swappable for tests.
	listHID    = hidDevices
	listSerial = serialDevices
)

// Enumerate returns a fresh snapshot of attached HID and serial
// devices, optionally restricted to the given vendor/product pairs.
// It holds no device handles and has no side effects beyond
// invalidating previous snapshots.
func Enumerate(filters ...Filter) ([]*DeviceInfo, error) {
	enumMu.Lock()
	defer enumMu.Unlock()

	generation++
	gen := generation

	hids, err := listHID()
	if err != nil {
		return nil, &IOError{Op: "hid enumeration", Err: err}
	}
	serials, err := listSerial()
	if err != nil {
		return nil, &IOError{Op: "serial enumeration", Err: err}
	}

	var out []*DeviceInfo
	for _, d := range append(hids, serials...) {
		if !matches(d, filters) {
			continue
		}
		// Each snapshot owns independent copies; stamping the lister's
		// objects in place would revalidate handles from earlier
		// snapshots when a lister returns the same pointers twice.
		info := *d
		info.generation = gen
		out = append(out, &info)
	}
	return out, nil
}

func matches(d *DeviceInfo, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if d.VendorID == f.VendorID && d.ProductID == f.ProductID {
			return true
		}
	}
	return false
}

// Open acquires an exclusive Transport for the device.  It fails with
// ErrStaleHandle if another Enumerate call has superseded the snapshot
// this DeviceInfo came from, and with ErrNotFound if the device has
// disappeared since enumeration.
func (d *DeviceInfo) Open() (Transport, error) {
	enumMu.Lock()
	stale := d.generation != generation
	enumMu.Unlock()
	if stale {
		return nil, ErrStaleHandle
	}
	if d.open == nil {
		return nil, ErrNotFound
	}
	return d.open()
}
