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

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/cheggaaa/pb/v3"

	"github.com/trussed-dev/go-trussed/firmware"
	"github.com/trussed-dev/go-trussed/trussed"
	"github.com/trussed-dev/go-trussed/update"
)

func openDevice(model trussed.Model) (*trussed.Device, error) {
	devices, err := trussed.ListDevices(model)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.New("no device found")
	}
	for _, d := range devices[1:] {
		d.Close()
	}
	return devices[0], nil
}

func list(model trussed.Model) error {
	devices, err := trussed.ListDevices(model)
	if err != nil {
		return err
	}
	for _, d := range devices {
		version, err := d.Admin.Version()
		if err != nil {
			log.Printf("%s %s (failed to query version: %v)", model, d.Path(), err)
		} else {
			log.Printf("%s %s firmware v%s", model, d.Path(), version)
		}
		d.Close()
	}

	bootloaders, err := trussed.ListBootloaders(model)
	if err != nil {
		return err
	}
	for _, b := range bootloaders {
		log.Printf("%s %s bootloader", model, b.Path)
	}

	if len(devices) == 0 && len(bootloaders) == 0 {
		log.Printf("no %s devices found", model)
	}
	return nil
}

func status(model trussed.Model) error {
	dev, err := openDevice(model)
	if err != nil {
		return err
	}
	defer dev.Close()

	version, err := dev.Admin.Version()
	if err != nil {
		return err
	}
	log.Printf("firmware version: v%s", version)

	if id, ok, err := dev.Admin.UUID(); err != nil {
		return err
	} else if ok {
		log.Printf("uuid:             %s", id)
	}

	s, err := dev.Admin.Status()
	if err != nil {
		return err
	}
	log.Printf("init status:      %s", s.Init)
	log.Printf("variant:          %s", s.Variant)
	if s.IFSBlocks >= 0 {
		log.Printf("free ifs blocks:  %d", s.IFSBlocks)
	}
	if s.EFSBlocks >= 0 {
		log.Printf("free efs blocks:  %d", s.EFSBlocks)
	}

	if locked, err := dev.Admin.IsLocked(); err == nil {
		log.Printf("locked:           %t", locked)
	}
	return nil
}

func rng(model trussed.Model) error {
	dev, err := openDevice(model)
	if err != nil {
		return err
	}
	defer dev.Close()

	block, err := dev.Admin.RNG()
	if err != nil {
		return err
	}
	log.Print(hex.EncodeToString(block))
	return nil
}

func reboot(model trussed.Model) error {
	dev, err := openDevice(model)
	if err != nil {
		return err
	}
	defer dev.Close()

	return dev.Admin.Reboot(trussed.BootFirmware)
}

// consoleUI resolves update warnings on the terminal.
type consoleUI struct{}

func (consoleUI) Confirm(w update.Warning) bool {
	log.Printf("WARNING: %s", w.Message())
	return confirm("Do you want to continue anyway?")
}

func (consoleUI) ShowExtraInformation(lines []string) {
	for _, line := range lines {
		log.Print(line)
	}
}

// transferBar adapts a terminal progress bar to the updater's progress
// callback.
type transferBar struct {
	bar *pb.ProgressBar
}

func (t *transferBar) update(sent, total int) {
	if t.bar == nil {
		t.bar = pb.Full.Start64(int64(total))
		t.bar.Set(pb.Bytes, true)
	}
	t.bar.SetCurrent(int64(sent))
	if sent >= total {
		t.bar.Finish()
	}
}

func runUpdate(model trussed.Model, path string, yes bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	container, err := firmware.ParseContainer(data, model)
	if err != nil {
		return err
	}

	opts := []update.Option{
		update.WithProgress((&transferBar{}).update),
	}
	if yes {
		opts = append(opts, update.WithIgnoreWarnings(
			update.WarningUpdateFromBootloader,
			update.WarningMissingStatus,
			update.WarningSDKVersion,
			update.WarningIFSMigration,
		))
	}
	updater := update.New(model, consoleUI{}, update.Handler{Model: model}, opts...)

	ctx := context.Background()

	var result *update.Result
	if dev, err := openDevice(model); err == nil {
		if !confirm(fmt.Sprintf("Update %s to firmware v%s?", model, container.Version)) {
			dev.Close()
			return errors.New("update cancelled")
		}
		log.Print("Please confirm the reboot with the touch button on the device.")
		result, err = updater.Run(ctx, update.WrapDevice(dev), container)
		if err != nil {
			return err
		}
	} else {
		bootloaders, err := trussed.ListBootloaders(model)
		if err != nil {
			return err
		}
		if len(bootloaders) == 0 {
			return errors.New("no device found")
		}
		bl, err := trussed.OpenBootloader(model, bootloaders[0])
		if err != nil {
			return err
		}
		result, err = updater.RunFromBootloader(ctx, bl, container)
		if err != nil {
			return err
		}
	}

	log.Printf("update to firmware v%s successful (%d bytes transferred)", result.Version, result.BytesSent)
	for _, warning := range result.Warnings {
		log.Printf("WARNING: %s", warning)
	}
	return nil
}
