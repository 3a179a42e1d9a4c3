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

package update

import (
	"github.com/coreos/go-semver/semver"

	"github.com/trussed-dev/go-trussed/transport"
	"github.com/trussed-dev/go-trussed/trussed"
)

// Handler is the production DeviceHandler: it opens USB sessions for
// the first attached device of the model.
type Handler struct {
	Model trussed.Model
}

func (h Handler) Bootloader() (Bootloader, error) {
	infos, err := trussed.ListBootloaders(h.Model)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, transport.ErrNotFound
	}
	bl, err := trussed.OpenBootloader(h.Model, infos[0])
	if err != nil {
		return nil, err
	}
	return bl, nil
}

func (h Handler) Device() (Device, error) {
	devices, err := trussed.ListDevices(h.Model)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, transport.ErrNotFound
	}
	for _, d := range devices[1:] {
		d.Close()
	}
	return deviceSession{devices[0]}, nil
}

// WrapDevice adapts an open firmware-mode session to the orchestrator's
// Device interface.
func WrapDevice(dev *trussed.Device) Device {
	return deviceSession{dev}
}

type deviceSession struct {
	dev *trussed.Device
}

func (d deviceSession) Version() (*semver.Version, error) {
	return d.dev.Admin.Version()
}

func (d deviceSession) Status() (trussed.Status, error) {
	return d.dev.Admin.Status()
}

func (d deviceSession) RebootToBootloader() error {
	return d.dev.Admin.Reboot(trussed.BootBootrom)
}

func (d deviceSession) Close() error {
	d.dev.Close()
	return nil
}
