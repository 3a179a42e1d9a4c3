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

// Package dfu implements the device firmware update packet schema and the
// request/response framing spoken by the NRF52 bootloader.
//
// The packet schema follows the Nordic DFU dfu-cc layout: a top-level
// Packet envelope carrying either a plain Command or a SignedCommand,
// with field-numbered binary encoding for forward and backward
// compatible decoding.  Unknown fields survive a decode/re-encode
// cycle; unknown enum values and populated mutually-exclusive branches
// are decode errors.
package dfu

import (
	"errors"
	"fmt"
)

// OpCode discriminates the command carried by a Packet.
type OpCode uint32

const (
	OpReset OpCode = 0
	OpInit  OpCode = 1
)

func (op OpCode) String() string {
	switch op {
	case OpReset:
		return "RESET"
	case OpInit:
		return "INIT"
	}
	return fmt.Sprintf("OpCode(%d)", uint32(op))
}

// FwType identifies the firmware region targeted by an InitCommand.
type FwType uint32

const (
	FwApplication          FwType = 0
	FwSoftdevice           FwType = 1
	FwBootloader           FwType = 2
	FwSoftdeviceBootloader FwType = 3
	FwExternalApplication  FwType = 4
)

// HashType identifies the digest algorithm of a Hash.
type HashType uint32

const (
	HashNone   HashType = 0
	HashCRC    HashType = 1
	HashSHA128 HashType = 2
	HashSHA256 HashType = 3
	HashSHA512 HashType = 4
)

// ValidationType identifies the scheme of a boot validation rule.
type ValidationType uint32

const (
	ValidationNone            ValidationType = 0
	ValidationCRC             ValidationType = 1
	ValidationSHA256          ValidationType = 2
	ValidationECDSAP256SHA256 ValidationType = 3
)

// SignatureType identifies the scheme of a SignedCommand signature.
type SignatureType uint32

const (
	SignatureECDSAP256SHA256 SignatureType = 0
	SignatureED25519         SignatureType = 1
)

func (s SignatureType) String() string {
	switch s {
	case SignatureECDSAP256SHA256:
		return "ECDSA_P256_SHA256"
	case SignatureED25519:
		return "ED25519"
	}
	return fmt.Sprintf("SignatureType(%d)", uint32(s))
}

// Hash is a digest tagged with its algorithm.
type Hash struct {
	Type   HashType
	Digest []byte

	unknown []byte
}

// BootValidation is a post-update validation rule applied by the
// bootloader on every boot.
type BootValidation struct {
	Type  ValidationType
	Bytes []byte

	unknown []byte
}

// InitCommand describes the firmware transfer that follows it: target
// region and size, dependency requirements and the expected content
// hash.
type InitCommand struct {
	FwVersion      uint32
	HwVersion      uint32
	SdReq          []uint32
	Type           FwType
	SdSize         uint32
	BlSize         uint32
	AppSize        uint32
	Hash           *Hash
	IsDebug        bool
	BootValidation []BootValidation

	unknown []byte
}

// ResetCommand finalizes a transfer and triggers a reboot into the
// updated firmware after the given timeout in milliseconds.
type ResetCommand struct {
	Timeout uint32

	unknown []byte
}

// Command is the tagged union of the operations understood by the
// bootloader.  Exactly one of Init and Reset may be set, matching Op.
type Command struct {
	Op    OpCode
	Init  *InitCommand
	Reset *ResetCommand

	unknown []byte
}

// SignedCommand wraps a Command with a signature over its serialized
// form.  Raw returns the exact bytes the signature covers; signature
// verification itself is up to the caller.
type SignedCommand struct {
	Command       *Command
	SignatureType SignatureType
	Signature     []byte

	raw     []byte
	unknown []byte
}

// Raw returns the serialized Command bytes as they appeared on the
// wire, i.e. the message the signature was computed over.  Set when the
// packet is decoded or marshalled.
func (s *SignedCommand) Raw() []byte {
	return s.raw
}

// Packet is the top-level wire envelope.  Exactly one of Command and
// SignedCommand is present.
type Packet struct {
	Command       *Command
	SignedCommand *SignedCommand

	unknown []byte
}

// Errors surfaced by the wire codec.
var (
	ErrMalformed         = errors.New("dfu: malformed packet")
	ErrMutuallyExclusive = errors.New("dfu: mutually exclusive fields populated")
)

// UnrecognizedVariantError reports an enum discriminant outside the
// known range.  Out-of-range discriminants are never defaulted.
type UnrecognizedVariantError struct {
	Field string
	Value uint64
}

func (e *UnrecognizedVariantError) Error() string {
	return fmt.Sprintf("dfu: unrecognized %s variant %d", e.Field, e.Value)
}

// Validate checks the semantic constraints on an InitCommand: the size
// field matching the declared firmware type must be set and version
// fields must be in range.
func (c *InitCommand) Validate() error {
	switch c.Type {
	case FwApplication, FwExternalApplication:
		if c.AppSize == 0 {
			return fmt.Errorf("dfu: app_size must be set for firmware type %d", c.Type)
		}
	case FwSoftdevice:
		if c.SdSize == 0 {
			return errors.New("dfu: sd_size must be set for softdevice firmware")
		}
	case FwBootloader:
		if c.BlSize == 0 {
			return errors.New("dfu: bl_size must be set for bootloader firmware")
		}
	case FwSoftdeviceBootloader:
		if c.SdSize == 0 || c.BlSize == 0 {
			return errors.New("dfu: sd_size and bl_size must be set for softdevice+bootloader firmware")
		}
	}
	return nil
}

// InitCommand returns the init command carried by the packet,
// regardless of whether it travels signed or plain.
func (p *Packet) InitCommand() *InitCommand {
	if p.SignedCommand != nil && p.SignedCommand.Command != nil {
		return p.SignedCommand.Command.Init
	}
	if p.Command != nil {
		return p.Command.Init
	}
	return nil
}
