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

// Package trussed models the Trussed secure-element devices and their
// host sessions: discovery by USB identity, a serialized
// request/response session over a raw transport for bootloader mode,
// and the CTAPHID admin application for firmware mode.
package trussed

import (
	"fmt"

	"github.com/trussed-dev/go-trussed/transport"
)

// VendorID is the USB vendor ID shared by all supported devices.
const VendorID = 0x20a0

// Model is a supported device model.
type Model int

const (
	NK3 Model = iota
	NKPK
)

func (m Model) String() string {
	switch m {
	case NK3:
		return "Nitrokey 3"
	case NKPK:
		return "Nitrokey Passkey"
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// Models lists all supported device models.
func Models() []Model {
	return []Model{NK3, NKPK}
}

// Mode is the operating mode a physical device is in.  The available
// operations differ per mode, so each mode is exposed as a distinct
// session type (Device and Bootloader).
type Mode int

const (
	ModeFirmware Mode = iota
	ModeBootloader
)

func (m Mode) String() string {
	switch m {
	case ModeFirmware:
		return "firmware"
	case ModeBootloader:
		return "bootloader"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Identity is a USB vendor/product pair.  Firmware and bootloader mode
// enumerate under different product IDs.
type Identity struct {
	VendorID  uint16
	ProductID uint16
}

var identities = map[Model]map[Mode]Identity{
	NK3: {
		ModeFirmware:   {VendorID, 0x42b2},
		ModeBootloader: {VendorID, 0x42e8},
	},
	NKPK: {
		ModeFirmware:   {VendorID, 0x42f3},
		ModeBootloader: {VendorID, 0x42f4},
	},
}

// IdentityFor returns the USB identity a model enumerates under in the
// given mode.
func IdentityFor(model Model, mode Mode) Identity {
	return identities[model][mode]
}

// ModelFor resolves a USB identity back to a model and mode.
func ModelFor(vid, pid uint16) (Model, Mode, bool) {
	for model, modes := range identities {
		for mode, id := range modes {
			if id.VendorID == vid && id.ProductID == pid {
				return model, mode, true
			}
		}
	}
	return 0, 0, false
}

// Filter returns the transport enumeration filter for a model in the
// given mode.
func Filter(model Model, mode Mode) transport.Filter {
	id := IdentityFor(model, mode)
	return transport.Filter{VendorID: id.VendorID, ProductID: id.ProductID}
}
