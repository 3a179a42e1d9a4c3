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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/trussed-dev/go-trussed/firmware"
	"github.com/trussed-dev/go-trussed/transport"
	"github.com/trussed-dev/go-trussed/trussed"
)

const (
	defaultRebootRetries = 60
	defaultRebootDelay   = 500 * time.Millisecond

	// migrationVerifyRetries replaces the default retry budget when
	// the update triggers a filesystem migration, which can keep the
	// device busy for minutes on first boot.
	migrationVerifyRetries = 500
)

// Option configures an Updater.
type Option func(*Updater)

// WithRebootRetries bounds the polling attempts while waiting for the
// device to change modes.
func WithRebootRetries(n int) Option {
	return func(u *Updater) { u.rebootRetries = n }
}

// WithRebootDelay sets the delay between polling attempts.
func WithRebootDelay(d time.Duration) Option {
	return func(u *Updater) { u.rebootDelay = d }
}

// WithIgnoreWarnings marks warnings to proceed past without asking the
// UI.
func WithIgnoreWarnings(ws ...Warning) Option {
	return func(u *Updater) {
		for _, w := range ws {
			u.ignore[w] = true
		}
	}
}

// WithProgress installs a callback for firmware transfer progress.
func WithProgress(fn trussed.ProgressFunc) Option {
	return func(u *Updater) { u.progress = fn }
}

// WithSignatureKeys overrides the signing keys images are validated
// against.  The default is the model's known vendor keys.
func WithSignatureKeys(keys []firmware.SignatureKey) Option {
	return func(u *Updater) { u.keys = keys }
}

// Updater drives the firmware update sequence.
type Updater struct {
	model   trussed.Model
	ui      UI
	handler DeviceHandler

	rebootRetries int
	rebootDelay   time.Duration
	ignore        map[Warning]bool
	progress      trussed.ProgressFunc
	keys          []firmware.SignatureKey
}

// New returns an Updater for the given model.
func New(model trussed.Model, ui UI, handler DeviceHandler, opts ...Option) *Updater {
	u := &Updater{
		model:         model,
		ui:            ui,
		handler:       handler,
		rebootRetries: defaultRebootRetries,
		rebootDelay:   defaultRebootDelay,
		ignore:        make(map[Warning]bool),
		keys:          firmware.SignatureKeys(model),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// confirm resolves a warning: ignored warnings are logged and passed,
// everything else is put to the UI.  A declined warning aborts.
func (u *Updater) confirm(w Warning) error {
	if u.ignore[w] {
		klog.Warningf("Ignoring update warning: %s", w.Message())
		return nil
	}
	if !u.ui.Confirm(w) {
		return fmt.Errorf("%w: %s", ErrAborted, w)
	}
	return nil
}

// Run updates a firmware-mode device to the firmware in container.  The
// device session is consumed: the device reboots into the bootloader,
// is flashed, and reboots again into the new firmware.
func (u *Updater) Run(ctx context.Context, device Device, container *firmware.Container) (*Result, error) {
	current, err := device.Version()
	if err != nil {
		return nil, fmt.Errorf("update: querying the current firmware version: %w", err)
	}
	klog.Infof("Firmware version before update: %s", current)

	variant := trussed.VariantUnknown
	status, statusErr := device.Status()
	if statusErr != nil {
		klog.V(1).Infof("Device status unavailable: %v", statusErr)
		if err := u.confirm(WarningMissingStatus); err != nil {
			return nil, err
		}
	} else {
		variant = status.Variant
	}

	if err := u.gate(container, current); err != nil {
		return nil, err
	}

	m := detectMigrations(u.model, variant, current, container.Version)
	if lines := m.notes(); len(lines) > 0 {
		u.ui.ShowExtraInformation(lines)
	}
	if m.ifsLayoutV2 && statusErr == nil && status.IFSBlocks >= 0 && status.IFSBlocks < 5 {
		if err := u.confirm(WarningIFSMigration); err != nil {
			return nil, err
		}
	}

	if err := device.RebootToBootloader(); err != nil {
		return nil, stepErr(StepReboot, err)
	}
	device.Close()

	bl, err := u.awaitBootloader(ctx)
	if err != nil {
		return nil, stepErr(StepReboot, err)
	}

	return u.install(ctx, bl, container, m.verifyRetries())
}

// RunFromBootloader updates a device that already sits in bootloader
// mode.  The device state cannot be inspected first, which the user has
// to acknowledge.
func (u *Updater) RunFromBootloader(ctx context.Context, bl Bootloader, container *firmware.Container) (*Result, error) {
	if err := u.confirm(WarningUpdateFromBootloader); err != nil {
		return nil, err
	}
	if err := u.gate(container, nil); err != nil {
		return nil, err
	}

	m := detectMigrations(u.model, bl.Variant(), nil, container.Version)
	if lines := m.notes(); len(lines) > 0 {
		u.ui.ShowExtraInformation(lines)
	}

	return u.install(ctx, bl, container, m.verifyRetries())
}

// gate enforces the pre-update policies that need no device commands:
// no downgrades, and the container's SDK version requirement.
func (u *Updater) gate(container *firmware.Container, current *semver.Version) error {
	if current != nil {
		core := semver.Version{Major: current.Major, Minor: current.Minor, Patch: current.Patch}
		if container.Version.LessThan(core) {
			return fmt.Errorf("%w: device runs %s, container carries %s", ErrDowngrade, current, container.Version)
		}
	}

	if err := container.CheckSDKVersion(); err != nil {
		if !errors.Is(err, firmware.ErrVersionTooLow) {
			return err
		}
		klog.Warning(err)
		if cerr := u.confirm(WarningSDKVersion); cerr != nil {
			return fmt.Errorf("%w: %w", cerr, err)
		}
	}
	return nil
}

func (u *Updater) install(ctx context.Context, bl Bootloader, container *firmware.Container, verifyRetries int) (*Result, error) {
	defer bl.Close()

	variant, err := firmware.VariantFromStatus(bl.Variant())
	if err != nil {
		return nil, stepErr(StepInit, err)
	}
	data, err := container.Image(variant)
	if err != nil {
		return nil, stepErr(StepInit, err)
	}
	image, err := firmware.ParseImage(data, u.keys)
	if err != nil {
		return nil, stepErr(StepInit, err)
	}
	if _, err := image.Validate(container.Version); err != nil {
		return nil, stepErr(StepInit, err)
	}

	klog.Infof("Installing firmware %s (%d bytes)", container.Version, len(image.Firmware))
	if err := bl.SendInitPacket(ctx, image.InitPacket); err != nil {
		return nil, stepErr(StepInit, err)
	}

	sent, err := bl.SendFirmware(ctx, image.Firmware, u.progress)
	if err != nil {
		return nil, stepErr(StepTransfer, err)
	}

	if err := bl.Finalize(ctx); err != nil {
		return nil, stepErr(StepFinalize, err)
	}
	bl.Close()

	result := &Result{Version: container.Version, BytesSent: sent}

	device, err := u.awaitDevice(ctx, verifyRetries)
	if err != nil {
		return nil, stepErr(StepVerify, err)
	}
	defer device.Close()

	version, err := device.Version()
	if err != nil {
		return nil, stepErr(StepVerify, err)
	}
	if !version.Equal(*container.Version) {
		// Some devices need one more manual reboot to pick up the
		// new firmware, so a mismatch here is not necessarily a
		// failed update.
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("the device reports version %s instead of %s after the update", version, container.Version))
	}
	return result, nil
}

func (u *Updater) awaitBootloader(ctx context.Context) (Bootloader, error) {
	for i := 0; i < u.rebootRetries; i++ {
		if err := sleepCtx(ctx, u.rebootDelay); err != nil {
			return nil, err
		}
		bl, err := u.handler.Bootloader()
		if err == nil {
			return bl, nil
		}
		if !errors.Is(err, transport.ErrNotFound) {
			klog.V(2).Infof("Opening the bootloader failed (attempt %d/%d): %v", i+1, u.rebootRetries, err)
		}
	}
	return nil, ErrRebootTimeout
}

func (u *Updater) awaitDevice(ctx context.Context, retries int) (Device, error) {
	for i := 0; i < retries; i++ {
		if err := sleepCtx(ctx, u.rebootDelay); err != nil {
			return nil, err
		}
		device, err := u.handler.Device()
		if err == nil {
			return device, nil
		}
		if !errors.Is(err, transport.ErrNotFound) {
			klog.V(2).Infof("Reopening the device failed (attempt %d/%d): %v", i+1, retries, err)
		}
	}
	return nil, ErrRebootTimeout
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// migrations describes filesystem migrations an update path crosses.
type migrations struct {
	// nrfIFS: journaling migration of the NRF52 internal filesystem,
	// introduced in v1.3.0.
	nrfIFS bool
	// ifsLayoutV2: migration to internal filesystem layout 2,
	// introduced in v1.8.2.
	ifsLayoutV2 bool
}

var (
	nrfIFSMigrationLast  = semver.Version{Major: 1, Minor: 2, Patch: 2}
	nrfIFSMigrationFirst = semver.Version{Major: 1, Minor: 3, Patch: 0}
	ifsLayoutV2First     = semver.Version{Major: 1, Minor: 8, Patch: 2}
)

func detectMigrations(model trussed.Model, variant trussed.Variant, current, target *semver.Version) migrations {
	var m migrations
	if model != trussed.NK3 {
		return m
	}

	if variant == trussed.VariantNRF52 {
		if (current == nil || !nrfIFSMigrationLast.LessThan(*current)) && !target.LessThan(nrfIFSMigrationFirst) {
			m.nrfIFS = true
		}
	}
	if current != nil && current.LessThan(ifsLayoutV2First) && !target.LessThan(ifsLayoutV2First) {
		m.ifsLayoutV2 = true
	}
	return m
}

func (m migrations) notes() []string {
	if !m.nrfIFS {
		return nil
	}
	return []string{
		"During this update process the internal filesystem will be migrated!",
		"- Migration will only work if the internal filesystem holds at most 45 resident keys. If you have more, please remove some.",
		"- After the update it might take up to 3 minutes for the first boot.",
		"Never unplug the device while the LED is active!",
	}
}

func (m migrations) verifyRetries() int {
	if m.nrfIFS {
		return migrationVerifyRetries
	}
	return defaultRebootRetries
}
