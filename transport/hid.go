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
	"sync"
	"time"

	"github.com/flynn/hid"
)

func hidDevices() ([]*DeviceInfo, error) {
	devices, err := hid.Devices()
	if err != nil {
		return nil, err
	}

	var out []*DeviceInfo
	for _, d := range devices {
		d := d
		// flynn/hid does not expose the serial number string; it is
		// only available from the serial enumerator.
		out = append(out, &DeviceInfo{
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
			Path:      d.Path,
			Kind:      KindHID,
			open:      func() (Transport, error) { return openHID(d) },
		})
	}
	return out, nil
}

func openHID(info *hid.DeviceInfo) (Transport, error) {
	dev, err := info.Open()
	if err != nil {
		return nil, ErrNotFound
	}
	return &hidTransport{dev: dev}, nil
}

// hidTransport adapts a flynn/hid device to the Transport contract.
// HID input arrives in fixed-size reports; a partially consumed report
// is buffered for the next Read.
type hidTransport struct {
	mu     sync.Mutex
	dev    hid.Device
	rest   []byte
	closed bool
}

func (t *hidTransport) Read(p []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	if len(t.rest) > 0 {
		n := copy(p, t.rest)
		t.rest = t.rest[n:]
		return n, nil
	}

	select {
	case report, ok := <-t.dev.ReadCh():
		if !ok {
			if err := t.dev.ReadError(); err != nil {
				return 0, &IOError{Op: "hid read", Err: err}
			}
			return 0, ErrClosed
		}
		n := copy(p, report)
		t.rest = report[n:]
		return n, nil
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
}

func (t *hidTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if err := t.dev.Write(p); err != nil {
		return 0, &IOError{Op: "hid write", Err: err}
	}
	return len(p), nil
}

func (t *hidTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.closed = true
	t.dev.Close()
	return nil
}
