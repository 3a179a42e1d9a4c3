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

package transport

import (
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// The NRF52 bootloader enumerates as a CDC-ACM com port.
const serialBaudRate = 115200

func serialDevices() ([]*DeviceInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var out []*DeviceInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err := strconv.ParseUint(p.VID, 16, 16)
		if err != nil {
			continue
		}
		pid, err := strconv.ParseUint(p.PID, 16, 16)
		if err != nil {
			continue
		}
		name := p.Name
		out = append(out, &DeviceInfo{
			VendorID:  uint16(vid),
			ProductID: uint16(pid),
			Path:      name,
			Serial:    p.SerialNumber,
			Kind:      KindSerial,
			open:      func() (Transport, error) { return openSerial(name) },
		})
	}
	return out, nil
}

func openSerial(path string) (Transport, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: serialBaudRate})
	if err != nil {
		if portErr, ok := err.(*serial.PortError); ok && portErr.Code() == serial.PortNotFound {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "serial open", Err: err}
	}
	return &serialTransport{port: port}, nil
}

type serialTransport struct {
	mu     sync.Mutex
	port   serial.Port
	closed bool
}

func (t *serialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, &IOError{Op: "serial set timeout", Err: err}
	}
	n, err := t.port.Read(p)
	if err != nil {
		return 0, &IOError{Op: "serial read", Err: err}
	}
	// go.bug.st/serial signals an expired read timeout with n == 0.
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (t *serialTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, &IOError{Op: "serial write", Err: err}
	}
	return n, nil
}

func (t *serialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.closed = true
	return t.port.Close()
}
