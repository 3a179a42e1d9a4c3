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
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"k8s.io/klog/v2"

	"github.com/trussed-dev/go-trussed/dfu"
	"github.com/trussed-dev/go-trussed/transport"
)

const (
	// minMTU is the smallest negotiated frame size the session will
	// accept; write frames reserve one byte for the opcode, so anything
	// smaller cannot make progress.
	minMTU                 = 16
	defaultExchangeTimeout = 5 * time.Second

	// resetTimeoutMs is the delay the bootloader applies before
	// rebooting into the updated firmware.
	resetTimeoutMs = 100
)

// ProgressFunc reports transfer progress in bytes.
type ProgressFunc func(sent, total int)

// Bootloader is a bootloader-mode device session.  It owns the
// underlying transport exclusively via its Session and exposes the
// firmware transfer operations of the DFU protocol.
type Bootloader struct {
	session *Session
	model   Model
	path    string
	serial  string
	mtu     int
	timeout time.Duration
}

// ListBootloaders enumerates attached bootloader-mode devices of the
// given model.  The returned snapshot follows the transport package's
// staleness rules.
func ListBootloaders(model Model) ([]*transport.DeviceInfo, error) {
	return transport.Enumerate(Filter(model, ModeBootloader))
}

// OpenBootloader opens a bootloader session on an enumerated device,
// re-validating its USB identity.
func OpenBootloader(model Model, info *transport.DeviceInfo) (*Bootloader, error) {
	id := IdentityFor(model, ModeBootloader)
	if info.VendorID != id.VendorID || info.ProductID != id.ProductID {
		return nil, fmt.Errorf("trussed: not a %s bootloader: expected VID:PID %04x:%04x, got %04x:%04x",
			model, id.VendorID, id.ProductID, info.VendorID, info.ProductID)
	}

	tr, err := info.Open()
	if err != nil {
		return nil, err
	}
	return NewBootloader(tr, model, info.Path, info.Serial)
}

// NewBootloader wraps an open transport as a bootloader session and
// negotiates the frame size limit with the device.
func NewBootloader(tr transport.Transport, model Model, path, serial string) (*Bootloader, error) {
	b := &Bootloader{
		session: NewSession(tr),
		model:   model,
		path:    path,
		serial:  serial,
		timeout: defaultExchangeTimeout,
	}

	payload, err := b.request(dfu.GetMTURequest(), dfu.ReqGetMTU)
	if err != nil {
		b.session.Close()
		return nil, fmt.Errorf("trussed: mtu negotiation failed: %w", err)
	}
	mtu, err := dfu.ParseMTUResponse(payload)
	if err != nil {
		b.session.Close()
		return nil, fmt.Errorf("trussed: mtu negotiation failed: %w", err)
	}
	if mtu < minMTU {
		b.session.Close()
		return nil, fmt.Errorf("trussed: device reported mtu %d, need at least %d", mtu, minMTU)
	}
	b.mtu = mtu
	return b, nil
}

// Model returns the device model.
func (b *Bootloader) Model() Model { return b.model }

// Mode returns ModeBootloader.
func (b *Bootloader) Mode() Mode { return ModeBootloader }

// Path returns the transport path of the bootloader.
func (b *Bootloader) Path() string { return b.path }

// Serial returns the serial number reported during enumeration.
func (b *Bootloader) Serial() string { return b.serial }

// Variant returns the hardware variant served by this bootloader.
func (b *Bootloader) Variant() Variant { return VariantNRF52 }

// Close releases the session and its transport.
func (b *Bootloader) Close() error {
	return b.session.Close()
}

func (b *Bootloader) request(req []byte, op dfu.Request) ([]byte, error) {
	resp, err := b.session.Exchange(req, b.timeout)
	if err != nil {
		return nil, err
	}
	return dfu.ParseResponse(resp, op)
}

// SendInitPacket transfers the serialized init packet as the DFU
// command object and commits it.  The device validates the packet's
// signature before acknowledging the Execute.
func (b *Bootloader) SendInitPacket(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := b.request(dfu.SelectRequest(dfu.ObjectCommand), dfu.ReqSelect)
	if err != nil {
		return err
	}
	info, err := dfu.ParseSelectResponse(payload)
	if err != nil {
		return err
	}
	if uint32(len(data)) > info.MaxSize {
		return fmt.Errorf("trussed: init packet of %d bytes exceeds device limit %d", len(data), info.MaxSize)
	}

	if _, err := b.request(dfu.CreateObjectRequest(dfu.ObjectCommand, uint32(len(data))), dfu.ReqCreateObject); err != nil {
		return err
	}
	if err := b.writeObject(data); err != nil {
		return err
	}
	if err := b.checkObject(uint32(len(data)), crc32.ChecksumIEEE(data)); err != nil {
		return err
	}
	_, err = b.request(dfu.ExecuteRequest(), dfu.ReqExecute)
	return err
}

// SendFirmware streams the firmware image as DFU data objects.  Each
// object is acknowledged (offset and CRC confirmed) before the next one
// is created, bounding device-side buffering to a single object.
// Cancellation is honored at object boundaries only; aborting inside an
// object could leave the receive buffer corrupted.
func (b *Bootloader) SendFirmware(ctx context.Context, data []byte, progress ProgressFunc) (int, error) {
	payload, err := b.request(dfu.SelectRequest(dfu.ObjectData), dfu.ReqSelect)
	if err != nil {
		return 0, err
	}
	info, err := dfu.ParseSelectResponse(payload)
	if err != nil {
		return 0, err
	}
	if info.MaxSize == 0 {
		return 0, fmt.Errorf("trussed: device reported zero data object size")
	}

	total := len(data)
	if progress != nil {
		progress(0, total)
	}

	sent := 0
	var crc uint32
	for sent < total {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		chunk := data[sent:]
		if uint32(len(chunk)) > info.MaxSize {
			chunk = chunk[:info.MaxSize]
		}

		if _, err := b.request(dfu.CreateObjectRequest(dfu.ObjectData, uint32(len(chunk))), dfu.ReqCreateObject); err != nil {
			return sent, err
		}
		if err := b.writeObject(chunk); err != nil {
			return sent, err
		}

		sent += len(chunk)
		crc = crc32.Update(crc, crc32.IEEETable, chunk)
		if err := b.checkObject(uint32(sent), crc); err != nil {
			return sent, err
		}
		if _, err := b.request(dfu.ExecuteRequest(), dfu.ReqExecute); err != nil {
			return sent, err
		}

		klog.V(2).Infof("Transferred %d/%d firmware bytes", sent, total)
		if progress != nil {
			progress(sent, total)
		}
	}
	return sent, nil
}

// Finalize commits the transfer by sending a reset command object; the
// device validates the staged firmware and reboots into it.
func (b *Bootloader) Finalize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pkt := &dfu.Packet{
		Command: &dfu.Command{
			Op:    dfu.OpReset,
			Reset: &dfu.ResetCommand{Timeout: resetTimeoutMs},
		},
	}
	data, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}

	if _, err := b.request(dfu.CreateObjectRequest(dfu.ObjectCommand, uint32(len(data))), dfu.ReqCreateObject); err != nil {
		return err
	}
	if err := b.writeObject(data); err != nil {
		return err
	}
	if err := b.checkObject(uint32(len(data)), crc32.ChecksumIEEE(data)); err != nil {
		return err
	}
	_, err = b.request(dfu.ExecuteRequest(), dfu.ReqExecute)
	return err
}

// writeObject streams object data in frames bounded by the negotiated
// MTU.
func (b *Bootloader) writeObject(data []byte) error {
	frame := b.mtu - 1 // leave room for the opcode
	for off := 0; off < len(data); off += frame {
		end := off + frame
		if end > len(data) {
			end = len(data)
		}
		if _, err := b.request(dfu.WriteRequest(data[off:end]), dfu.ReqWrite); err != nil {
			return err
		}
	}
	return nil
}

// checkObject verifies the device's view of the transfer against the
// expected offset and CRC.
func (b *Bootloader) checkObject(wantOffset, wantCRC uint32) error {
	payload, err := b.request(dfu.CalcChecksumRequest(), dfu.ReqCalcChecksum)
	if err != nil {
		return err
	}
	info, err := dfu.ParseChecksumResponse(payload)
	if err != nil {
		return err
	}
	if info.Offset != wantOffset || info.CRC != wantCRC {
		return fmt.Errorf("trussed: transfer state mismatch: device reports offset %d crc %#x, want offset %d crc %#x",
			info.Offset, info.CRC, wantOffset, wantCRC)
	}
	return nil
}
