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

// Package update orchestrates a firmware update end to end: reboot into
// the bootloader, validate and transfer the image, finalize, and verify
// the device after it comes back.
package update

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/trussed-dev/go-trussed/trussed"
)

// Step identifies the phase of the update sequence an error occurred
// in.
type Step int

const (
	StepReboot Step = iota
	StepInit
	StepTransfer
	StepFinalize
	StepVerify
)

func (s Step) String() string {
	switch s {
	case StepReboot:
		return "reboot"
	case StepInit:
		return "init"
	case StepTransfer:
		return "transfer"
	case StepFinalize:
		return "finalize"
	case StepVerify:
		return "verify"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// StepError tags a failure with the update step it occurred in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("update: %s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}

var (
	// ErrRebootTimeout is returned when the bootloader does not
	// enumerate after a reboot request.  No firmware bytes have been
	// transmitted at that point.
	ErrRebootTimeout = errors.New("update: device did not reboot into the bootloader")
	// ErrAborted is returned when the user declines a warning.
	ErrAborted = errors.New("update: aborted")
	// ErrDowngrade is returned when the container carries an older
	// firmware version than the device runs.
	ErrDowngrade = errors.New("update: downgrade is not permitted")
)

// Warning is a non-fatal condition detected before the update.  Each
// warning must be confirmed by the user or explicitly ignored, and an
// unconfirmed warning aborts the update before any dependent command is
// sent to the device.
type Warning int

const (
	// WarningUpdateFromBootloader: the device is already in bootloader
	// mode, so its current state cannot be checked.
	WarningUpdateFromBootloader Warning = iota
	// WarningMissingStatus: the running firmware is too old to report
	// its status.
	WarningMissingStatus
	// WarningSDKVersion: the container requires a newer SDK.
	WarningSDKVersion
	// WarningIFSMigration: the update crosses an internal filesystem
	// migration and the filesystem may be too full to migrate.
	WarningIFSMigration
)

func (w Warning) String() string {
	switch w {
	case WarningUpdateFromBootloader:
		return "update-from-bootloader"
	case WarningMissingStatus:
		return "missing-status"
	case WarningSDKVersion:
		return "sdk-version"
	case WarningIFSMigration:
		return "ifs-migration"
	}
	return fmt.Sprintf("Warning(%d)", int(w))
}

// Message is the user-facing explanation of the warning.
func (w Warning) Message() string {
	switch w {
	case WarningUpdateFromBootloader:
		return "The current state of the device cannot be checked as it is already in bootloader mode. Please review the firmware release notes."
	case WarningMissingStatus:
		return "Could not determine the device state as the current firmware is too old. Please update to firmware version v1.3.1 first."
	case WarningSDKVersion:
		return "This SDK is older than the version required by the firmware release. Please update this program and try again."
	case WarningIFSMigration:
		return "Not enough space on the internal filesystem to perform the firmware update. See the release notes for more information."
	}
	return w.String()
}

// UI receives the interactive decisions of an update.  Confirm reports
// whether the user accepts the warning; a false return aborts the
// update.  ShowExtraInformation is only invoked with a non-empty list.
type UI interface {
	Confirm(w Warning) bool
	ShowExtraInformation(lines []string)
}

// Device is the firmware-mode surface the orchestrator needs.
type Device interface {
	Version() (*semver.Version, error)
	Status() (trussed.Status, error)
	RebootToBootloader() error
	Close() error
}

// Bootloader is the bootloader-mode surface the orchestrator needs.
type Bootloader interface {
	Variant() trussed.Variant
	SendInitPacket(ctx context.Context, data []byte) error
	SendFirmware(ctx context.Context, data []byte, progress trussed.ProgressFunc) (int, error)
	Finalize(ctx context.Context) error
	Close() error
}

// DeviceHandler opens device sessions during the update.  Both methods
// make a single attempt and return transport.ErrNotFound while the
// device is still rebooting; the orchestrator owns the retry policy.
type DeviceHandler interface {
	Bootloader() (Bootloader, error)
	Device() (Device, error)
}

// Result reports the outcome of a successful update.
type Result struct {
	// Version is the firmware version installed.
	Version *semver.Version
	// BytesSent is the number of firmware bytes transferred.
	BytesSent int
	// Warnings are non-fatal post-update findings.
	Warnings []string
}
