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
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// AdminCommand is a command byte understood by the admin application.
type AdminCommand byte

const (
	// Legacy commands are issued directly as CTAPHID vendor commands.
	AdminUpdate  AdminCommand = 0x51
	AdminReboot  AdminCommand = 0x53
	AdminRNG     AdminCommand = 0x60
	AdminVersion AdminCommand = 0x61
	AdminUUID    AdminCommand = 0x62
	AdminLocked  AdminCommand = 0x63

	// Namespaced commands travel inside the admin app request.
	AdminStatus       AdminCommand = 0x80
	AdminGetConfig    AdminCommand = 0x82
	AdminSetConfig    AdminCommand = 0x83
	AdminFactoryReset AdminCommand = 0x84
)

func (c AdminCommand) legacy() bool {
	switch c {
	case AdminUpdate, AdminReboot, AdminRNG, AdminVersion, AdminUUID, AdminLocked:
		return true
	}
	return false
}

// BootMode selects the target of a reboot request.
type BootMode int

const (
	BootFirmware BootMode = iota
	BootBootrom
)

// Variant is the hardware variant reported by the admin status
// command.
type Variant int

const (
	VariantUnknown Variant = -1
	VariantUSBIP   Variant = 0
	VariantLPC55   Variant = 1
	VariantNRF52   Variant = 2
)

func (v Variant) String() string {
	switch v {
	case VariantUSBIP:
		return "usbip"
	case VariantLPC55:
		return "lpc55"
	case VariantNRF52:
		return "nrf52"
	}
	return "unknown"
}

// InitStatus is the bitset of initialization errors reported by the
// firmware.
type InitStatus uint8

const (
	InitNFCError            InitStatus = 1 << 0
	InitInternalFlashError  InitStatus = 1 << 1
	InitExternalFlashError  InitStatus = 1 << 2
	InitMigrationError      InitStatus = 1 << 3
	InitSE050Error          InitStatus = 1 << 4
	InitConfigError         InitStatus = 1 << 5
	InitRNGError            InitStatus = 1 << 6
	InitExtFlashNeedsFormat InitStatus = 1 << 7
)

var initStatusNames = map[InitStatus]string{
	InitNFCError:            "NFC_ERROR",
	InitInternalFlashError:  "INTERNAL_FLASH_ERROR",
	InitExternalFlashError:  "EXTERNAL_FLASH_ERROR",
	InitMigrationError:      "MIGRATION_ERROR",
	InitSE050Error:          "SE050_ERROR",
	InitConfigError:         "CONFIG_ERROR",
	InitRNGError:            "RNG_ERROR",
	InitExtFlashNeedsFormat: "EXT_FLASH_NEED_REFORMAT",
}

func (s InitStatus) String() string {
	if s == 0 {
		return "ok"
	}
	var names []string
	for bit := InitStatus(1); bit != 0; bit <<= 1 {
		if s&bit != 0 {
			names = append(names, initStatusNames[bit])
		}
	}
	return fmt.Sprintf("%s (%#x)", strings.Join(names, ", "), uint8(s))
}

// Status is the device state reported by the admin status command.
// IFSBlocks and EFSBlocks are -1 when the firmware predates them.
type Status struct {
	Init      InitStatus
	IFSBlocks int
	EFSBlocks int
	Variant   Variant
}

const (
	rngLen     = 57
	uuidLen    = 16
	versionLen = 4
)

// AdminApp drives the admin application of a firmware-mode device.
type AdminApp struct {
	device *Device
}

func (a *AdminApp) call(cmd AdminCommand, data []byte) ([]byte, error) {
	if cmd.legacy() {
		return a.device.call(byte(cmd), data)
	}
	return a.device.callApp(AppAdmin, append([]byte{byte(cmd)}, data...))
}

// Version queries the firmware version.  Newer firmware returns a full
// version string; older firmware returns a packed 32-bit encoding.
func (a *AdminApp) Version() (*semver.Version, error) {
	reply, err := a.call(AdminVersion, []byte{0x01})
	if err != nil {
		return nil, err
	}
	if len(reply) == versionLen {
		return VersionFromUint32(binary.BigEndian.Uint32(reply)), nil
	}
	return semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(string(reply)), "v"))
}

// VersionFromUint32 unpacks the 10/16/6-bit firmware version encoding
// used by the version command and by init packet metadata.
func VersionFromUint32(v uint32) *semver.Version {
	return &semver.Version{
		Major: int64(v >> 22),
		Minor: int64((v >> 6) & 0xffff),
		Patch: int64(v & 0x3f),
	}
}

// UUID queries the device UUID.  Firmware 1.0.0 does not support the
// command and reports an empty response; ok is false in that case.
func (a *AdminApp) UUID() (uuid.UUID, bool, error) {
	reply, err := a.call(AdminUUID, nil)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	if len(reply) == 0 {
		return uuid.UUID{}, false, nil
	}
	if len(reply) != uuidLen {
		return uuid.UUID{}, false, fmt.Errorf("trussed: UUID response has invalid length %d", len(reply))
	}
	id, err := uuid.FromBytes(reply)
	return id, err == nil, err
}

// Status queries the device initialization state.  parseStatus is kept
// separate for testing against captured responses.
func (a *AdminApp) Status() (Status, error) {
	reply, err := a.call(AdminStatus, nil)
	if err != nil {
		return Status{}, err
	}
	return parseStatus(reply)
}

func parseStatus(reply []byte) (Status, error) {
	if len(reply) == 0 {
		return Status{}, fmt.Errorf("trussed: the device returned an empty status")
	}
	status := Status{
		Init:      InitStatus(reply[0]),
		IFSBlocks: -1,
		EFSBlocks: -1,
		Variant:   VariantUnknown,
	}
	if len(reply) >= 4 {
		status.IFSBlocks = int(reply[1])
		status.EFSBlocks = int(binary.BigEndian.Uint16(reply[2:4]))
	}
	if len(reply) >= 5 && reply[4] <= byte(VariantNRF52) {
		status.Variant = Variant(reply[4])
	}
	return status, nil
}

// RNG reads one block of device entropy.
func (a *AdminApp) RNG() ([]byte, error) {
	reply, err := a.call(AdminRNG, nil)
	if err != nil {
		return nil, err
	}
	if len(reply) != rngLen {
		return nil, fmt.Errorf("trussed: RNG response has invalid length %d", len(reply))
	}
	return reply, nil
}

// IsLocked reports whether the firmware is locked down.
func (a *AdminApp) IsLocked() (bool, error) {
	reply, err := a.call(AdminLocked, nil)
	if err != nil {
		return false, err
	}
	if len(reply) != 1 {
		return false, fmt.Errorf("trussed: locked response has invalid length %d", len(reply))
	}
	return reply[0] == 1, nil
}

// Reboot asks the device to reboot into the given mode.  Rebooting
// into the bootrom requires a touch confirmation on the device.  The
// device drops off the bus during the reboot, so transport errors after
// a successful request are expected and ignored.
func (a *AdminApp) Reboot(mode BootMode) error {
	var err error
	switch mode {
	case BootFirmware:
		_, err = a.call(AdminReboot, nil)
	case BootBootrom:
		_, err = a.call(AdminUpdate, nil)
	default:
		return fmt.Errorf("trussed: unknown boot mode %d", mode)
	}
	if err != nil {
		klog.V(2).Infof("Ignoring transport error during reboot: %v", err)
	}
	return nil
}
