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
	"fmt"
	"sync"

	flynn_hid "github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"
	"k8s.io/klog/v2"
)

// App selects the Trussed application addressed by a vendor CTAPHID
// command.
type App byte

const (
	AppSecrets     App = 0x70
	AppProvisioner App = 0x71
	AppAdmin       App = 0x72
)

// ctapTypeInit is the initialization-packet bit set on every CTAPHID
// command byte on the wire.
const ctapTypeInit = 0x80

// Device is a firmware-mode Trussed device reached over CTAPHID.
// Exchanges are serialized; the device may be shared across goroutines.
type Device struct {
	mu    sync.Mutex
	dev   *u2fhid.Device
	model Model
	path  string

	// Admin exposes the device's admin application.
	Admin *AdminApp
}

// ListDevices opens every attached firmware-mode device of the given
// model.
func ListDevices(model Model) ([]*Device, error) {
	descriptors, err := flynn_hid.Devices()
	if err != nil {
		return nil, err
	}

	id := IdentityFor(model, ModeFirmware)

	var out []*Device
	for _, d := range descriptors {
		if d.VendorID != id.VendorID || d.ProductID != id.ProductID {
			continue
		}
		dev, err := newDevice(d, model)
		if err != nil {
			klog.Warningf("Skipping device at %s: %v", d.Path, err)
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

// OpenDevice opens the firmware-mode device at the given platform path,
// validating its USB identity against the expected model.
func OpenDevice(model Model, path string) (*Device, error) {
	descriptors, err := flynn_hid.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range descriptors {
		if d.Path == path {
			return newDevice(d, model)
		}
	}
	return nil, fmt.Errorf("trussed: no CTAPHID device at path %s", path)
}

func newDevice(info *flynn_hid.DeviceInfo, model Model) (*Device, error) {
	id := IdentityFor(model, ModeFirmware)
	if info.VendorID != id.VendorID || info.ProductID != id.ProductID {
		return nil, fmt.Errorf("trussed: not a %s device: expected VID:PID %04x:%04x, got %04x:%04x",
			model, id.VendorID, id.ProductID, info.VendorID, info.ProductID)
	}

	dev, err := u2fhid.Open(info)
	if err != nil {
		return nil, err
	}

	d := &Device{
		dev:   dev,
		model: model,
		path:  info.Path,
	}
	d.Admin = &AdminApp{device: d}
	return d, nil
}

// Model returns the device model.
func (d *Device) Model() Model {
	return d.model
}

// Path returns the platform-specific transport path.
func (d *Device) Path() string {
	return d.path
}

// Close releases the underlying HID handle.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dev.Close()
}

// call issues one CTAPHID command and returns the response payload.
func (d *Device) call(cmd byte, data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev.Command(ctapTypeInit|cmd, data)
}

// callApp issues a request to a Trussed application via its vendor
// command.
func (d *Device) callApp(app App, data []byte) ([]byte, error) {
	return d.call(byte(app), data)
}
