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

package dfu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"google.golang.org/protobuf/encoding/protowire"
)

func testInitCommand() *InitCommand {
	return &InitCommand{
		FwVersion: 0x010203,
		HwVersion: 52,
		SdReq:     []uint32{0x00, 0xb6},
		Type:      FwApplication,
		AppSize:   4096,
		Hash: &Hash{
			Type:   HashSHA256,
			Digest: bytes.Repeat([]byte{0x42}, 32),
		},
		BootValidation: []BootValidation{
			{Type: ValidationSHA256, Bytes: bytes.Repeat([]byte{0x17}, 32)},
		},
	}
}

func allowUnexported() cmp.Option {
	return cmp.AllowUnexported(
		Packet{}, Command{}, SignedCommand{}, InitCommand{}, ResetCommand{},
		Hash{}, BootValidation{},
	)
}

func TestPacketRoundTrip(t *testing.T) {
	for _, test := range []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "plain init command",
			pkt: &Packet{
				Command: &Command{Op: OpInit, Init: testInitCommand()},
			},
		}, {
			name: "plain reset command",
			pkt: &Packet{
				Command: &Command{Op: OpReset, Reset: &ResetCommand{Timeout: 500}},
			},
		}, {
			name: "signed init command",
			pkt: &Packet{
				SignedCommand: &SignedCommand{
					Command:       &Command{Op: OpInit, Init: testInitCommand()},
					SignatureType: SignatureECDSAP256SHA256,
					Signature:     bytes.Repeat([]byte{0xaa}, 64),
				},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b, err := test.pkt.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			got, err := UnmarshalPacket(b)
			if err != nil {
				t.Fatalf("UnmarshalPacket: %v", err)
			}
			if diff := cmp.Diff(test.pkt, got, allowUnexported(), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestSignedCommandRaw(t *testing.T) {
	pkt := &Packet{
		SignedCommand: &SignedCommand{
			Command:       &Command{Op: OpInit, Init: testInitCommand()},
			SignatureType: SignatureED25519,
			Signature:     bytes.Repeat([]byte{0x01}, 64),
		},
	}
	b, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := UnmarshalPacket(b)
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}

	want, err := pkt.SignedCommand.Command.marshal()
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if !bytes.Equal(got.SignedCommand.Raw(), want) {
		t.Fatalf("Raw() does not match the serialized command bytes")
	}
	// Marshalling records the signed byte span, so a signed packet
	// round-trips without a diff on the raw bytes.
	if !bytes.Equal(pkt.SignedCommand.Raw(), want) {
		t.Fatalf("Raw() not recorded during marshal")
	}
}

func TestMutualExclusion(t *testing.T) {
	cmdPkt, err := (&Packet{Command: &Command{Op: OpReset, Reset: &ResetCommand{}}}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	signedPkt, err := (&Packet{
		SignedCommand: &SignedCommand{
			Command:       &Command{Op: OpReset, Reset: &ResetCommand{}},
			SignatureType: SignatureED25519,
			Signature:     []byte{0x01},
		},
	}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	// A buffer with both envelope branches populated must be rejected.
	if _, err := UnmarshalPacket(append(cmdPkt, signedPkt...)); !errors.Is(err, ErrMutuallyExclusive) {
		t.Fatalf("Got err %v, want ErrMutuallyExclusive", err)
	}
}

func TestCommandBranchExclusion(t *testing.T) {
	pkt := &Packet{
		Command: &Command{
			Op:    OpInit,
			Init:  testInitCommand(),
			Reset: &ResetCommand{},
		},
	}
	b, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalPacket(b); !errors.Is(err, ErrMutuallyExclusive) {
		t.Fatalf("Got err %v, want ErrMutuallyExclusive", err)
	}
}

func TestUnrecognizedVariants(t *testing.T) {
	appendEnum := func(num protowire.Number, v uint64) []byte {
		var b []byte
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, v)
	}
	wrap := func(num protowire.Number, sub []byte) []byte {
		var b []byte
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, sub)
	}

	for _, test := range []struct {
		name string
		pkt  []byte
	}{
		{
			name: "op_code out of range",
			pkt:  wrap(packetFieldCommand, appendEnum(commandFieldOpCode, 7)),
		}, {
			name: "fw type out of range",
			pkt: wrap(packetFieldCommand,
				wrap(commandFieldInit, appendEnum(initFieldType, 99))),
		}, {
			name: "hash type out of range",
			pkt: wrap(packetFieldCommand,
				wrap(commandFieldInit,
					wrap(initFieldHash, appendEnum(hashFieldType, 5)))),
		}, {
			name: "signature type out of range",
			pkt:  wrap(packetFieldSignedCommand, appendEnum(signedFieldSignatureType, 2)),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := UnmarshalPacket(test.pkt)
			var uv *UnrecognizedVariantError
			if !errors.As(err, &uv) {
				t.Fatalf("Got err %v, want UnrecognizedVariantError", err)
			}
		})
	}
}

func TestUnknownFieldsPreserved(t *testing.T) {
	pkt := &Packet{Command: &Command{Op: OpReset, Reset: &ResetCommand{Timeout: 3}}}
	b, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a future schema revision adding field 15.
	extra := protowire.AppendTag(nil, 15, protowire.BytesType)
	extra = protowire.AppendBytes(extra, []byte("future"))
	b = append(b, extra...)

	got, err := UnmarshalPacket(b)
	if err != nil {
		t.Fatalf("UnmarshalPacket: %v", err)
	}
	out, err := got.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if !bytes.Contains(out, extra) {
		t.Fatalf("unknown field dropped during re-encode")
	}
}

func TestMalformed(t *testing.T) {
	for _, test := range []struct {
		name string
		in   []byte
	}{
		{name: "empty", in: nil},
		{name: "truncated varint", in: []byte{0x08, 0x80}},
		{name: "truncated length delimited", in: []byte{0x0a, 0x10, 0x01}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := UnmarshalPacket(test.in); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Got err %v, want ErrMalformed", err)
			}
		})
	}
}

func TestInitCommandValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		cmd     InitCommand
		wantErr bool
	}{
		{name: "application with size", cmd: InitCommand{Type: FwApplication, AppSize: 1}},
		{name: "application without size", cmd: InitCommand{Type: FwApplication}, wantErr: true},
		{name: "softdevice without size", cmd: InitCommand{Type: FwSoftdevice}, wantErr: true},
		{name: "bootloader with size", cmd: InitCommand{Type: FwBootloader, BlSize: 1}},
		{
			name:    "softdevice+bootloader missing one size",
			cmd:     InitCommand{Type: FwSoftdeviceBootloader, SdSize: 1},
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if gotErr := test.cmd.Validate() != nil; gotErr != test.wantErr {
				t.Fatalf("Got err %v, wantErr %t", test.cmd.Validate(), test.wantErr)
			}
		})
	}
}
