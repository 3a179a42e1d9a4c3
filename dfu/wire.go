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
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the dfu-cc schema.  These are wire format and must
// not change.
const (
	hashFieldType   = 1
	hashFieldDigest = 2

	bootValidationFieldType  = 1
	bootValidationFieldBytes = 2

	initFieldFwVersion      = 1
	initFieldHwVersion      = 2
	initFieldSdReq          = 3
	initFieldType           = 4
	initFieldSdSize         = 5
	initFieldBlSize         = 6
	initFieldAppSize        = 7
	initFieldHash           = 8
	initFieldIsDebug        = 9
	initFieldBootValidation = 10

	resetFieldTimeout = 1

	commandFieldOpCode = 1
	commandFieldInit   = 2
	commandFieldReset  = 3

	signedFieldCommand       = 1
	signedFieldSignatureType = 2
	signedFieldSignature     = 3

	packetFieldCommand       = 1
	packetFieldSignedCommand = 2
)

func malformed(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

// skipField consumes an unrecognized field and returns the raw bytes of
// the whole field (tag included) so it can be re-emitted on marshal.
func skipField(full []byte, tagLen int, num protowire.Number, typ protowire.Type) ([]byte, int, error) {
	n := protowire.ConsumeFieldValue(num, typ, full[tagLen:])
	if n < 0 {
		return nil, 0, malformed(n)
	}
	return full[:tagLen+n], tagLen + n, nil
}

// MarshalBinary serializes the packet in field number order, followed
// by any unknown fields retained from a previous decode.
func (p *Packet) MarshalBinary() ([]byte, error) {
	var b []byte
	if p.Command != nil {
		sub, err := p.Command.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, packetFieldCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if p.SignedCommand != nil {
		sub, err := p.SignedCommand.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, packetFieldSignedCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return append(b, p.unknown...), nil
}

// UnmarshalPacket decodes a top-level DFU packet.  It fails with
// ErrMutuallyExclusive if both envelope branches are populated, and
// with an UnrecognizedVariantError if any enum discriminant is out of
// range.
func UnmarshalPacket(b []byte) (*Packet, error) {
	p := &Packet{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == packetFieldCommand && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			cmd, err := unmarshalCommand(sub)
			if err != nil {
				return nil, err
			}
			p.Command = cmd
			b = b[tagLen+n:]
		case num == packetFieldSignedCommand && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			sc, err := unmarshalSignedCommand(sub)
			if err != nil {
				return nil, err
			}
			p.SignedCommand = sc
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			p.unknown = append(p.unknown, raw...)
			b = b[n:]
		}
	}
	if p.Command != nil && p.SignedCommand != nil {
		return nil, ErrMutuallyExclusive
	}
	if p.Command == nil && p.SignedCommand == nil {
		return nil, fmt.Errorf("%w: empty packet envelope", ErrMalformed)
	}
	return p, nil
}

func (c *Command) marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, commandFieldOpCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Op))
	if c.Init != nil {
		sub, err := c.Init.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, commandFieldInit, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if c.Reset != nil {
		b = protowire.AppendTag(b, commandFieldReset, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Reset.marshal())
	}
	return append(b, c.unknown...), nil
}

func unmarshalCommand(b []byte) (*Command, error) {
	c := &Command{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == commandFieldOpCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			if v > uint64(OpInit) {
				return nil, &UnrecognizedVariantError{Field: "command.op_code", Value: v}
			}
			c.Op = OpCode(v)
			b = b[tagLen+n:]
		case num == commandFieldInit && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			init, err := unmarshalInitCommand(sub)
			if err != nil {
				return nil, err
			}
			c.Init = init
			b = b[tagLen+n:]
		case num == commandFieldReset && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			reset, err := unmarshalResetCommand(sub)
			if err != nil {
				return nil, err
			}
			c.Reset = reset
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			c.unknown = append(c.unknown, raw...)
			b = b[n:]
		}
	}
	if c.Init != nil && c.Reset != nil {
		return nil, ErrMutuallyExclusive
	}
	return c, nil
}

func (c *InitCommand) marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, initFieldFwVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.FwVersion))
	b = protowire.AppendTag(b, initFieldHwVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.HwVersion))
	if len(c.SdReq) > 0 {
		var packed []byte
		for _, v := range c.SdReq {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, initFieldSdReq, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, initFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Type))
	b = protowire.AppendTag(b, initFieldSdSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.SdSize))
	b = protowire.AppendTag(b, initFieldBlSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.BlSize))
	b = protowire.AppendTag(b, initFieldAppSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.AppSize))
	if c.Hash != nil {
		b = protowire.AppendTag(b, initFieldHash, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Hash.marshal())
	}
	b = protowire.AppendTag(b, initFieldIsDebug, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(c.IsDebug))
	for i := range c.BootValidation {
		b = protowire.AppendTag(b, initFieldBootValidation, protowire.BytesType)
		b = protowire.AppendBytes(b, c.BootValidation[i].marshal())
	}
	return append(b, c.unknown...), nil
}

func unmarshalInitCommand(b []byte) (*InitCommand, error) {
	c := &InitCommand{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == initFieldFwVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.FwVersion = uint32(v)
			b = b[tagLen+n:]
		case num == initFieldHwVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.HwVersion = uint32(v)
			b = b[tagLen+n:]
		case num == initFieldSdReq && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, malformed(m)
				}
				c.SdReq = append(c.SdReq, uint32(v))
				packed = packed[m:]
			}
			b = b[tagLen+n:]
		case num == initFieldSdReq && typ == protowire.VarintType:
			// Unpacked encoding of the repeated field.
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.SdReq = append(c.SdReq, uint32(v))
			b = b[tagLen+n:]
		case num == initFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			if v > uint64(FwExternalApplication) {
				return nil, &UnrecognizedVariantError{Field: "init.type", Value: v}
			}
			c.Type = FwType(v)
			b = b[tagLen+n:]
		case num == initFieldSdSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.SdSize = uint32(v)
			b = b[tagLen+n:]
		case num == initFieldBlSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.BlSize = uint32(v)
			b = b[tagLen+n:]
		case num == initFieldAppSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.AppSize = uint32(v)
			b = b[tagLen+n:]
		case num == initFieldHash && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			h, err := unmarshalHash(sub)
			if err != nil {
				return nil, err
			}
			c.Hash = h
			b = b[tagLen+n:]
		case num == initFieldIsDebug && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			c.IsDebug = protowire.DecodeBool(v)
			b = b[tagLen+n:]
		case num == initFieldBootValidation && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			bv, err := unmarshalBootValidation(sub)
			if err != nil {
				return nil, err
			}
			c.BootValidation = append(c.BootValidation, *bv)
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			c.unknown = append(c.unknown, raw...)
			b = b[n:]
		}
	}
	return c, nil
}

func (r *ResetCommand) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, resetFieldTimeout, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timeout))
	return append(b, r.unknown...)
}

func unmarshalResetCommand(b []byte) (*ResetCommand, error) {
	r := &ResetCommand{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == resetFieldTimeout && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			r.Timeout = uint32(v)
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			r.unknown = append(r.unknown, raw...)
			b = b[n:]
		}
	}
	return r, nil
}

func (h *Hash) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, hashFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Type))
	b = protowire.AppendTag(b, hashFieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Digest)
	return append(b, h.unknown...)
}

func unmarshalHash(b []byte) (*Hash, error) {
	h := &Hash{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == hashFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			if v > uint64(HashSHA512) {
				return nil, &UnrecognizedVariantError{Field: "hash.hash_type", Value: v}
			}
			h.Type = HashType(v)
			b = b[tagLen+n:]
		case num == hashFieldDigest && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			h.Digest = append([]byte(nil), sub...)
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			h.unknown = append(h.unknown, raw...)
			b = b[n:]
		}
	}
	return h, nil
}

func (v *BootValidation) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, bootValidationFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Type))
	b = protowire.AppendTag(b, bootValidationFieldBytes, protowire.BytesType)
	b = protowire.AppendBytes(b, v.Bytes)
	return append(b, v.unknown...)
}

func unmarshalBootValidation(b []byte) (*BootValidation, error) {
	v := &BootValidation{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == bootValidationFieldType && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			if val > uint64(ValidationECDSAP256SHA256) {
				return nil, &UnrecognizedVariantError{Field: "boot_validation.type", Value: val}
			}
			v.Type = ValidationType(val)
			b = b[tagLen+n:]
		case num == bootValidationFieldBytes && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			v.Bytes = append([]byte(nil), sub...)
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			v.unknown = append(v.unknown, raw...)
			b = b[n:]
		}
	}
	return v, nil
}

func (s *SignedCommand) marshal() ([]byte, error) {
	var b []byte
	if s.Command == nil {
		return nil, fmt.Errorf("%w: signed command without command", ErrMalformed)
	}
	sub, err := s.Command.marshal()
	if err != nil {
		return nil, err
	}
	s.raw = sub
	b = protowire.AppendTag(b, signedFieldCommand, protowire.BytesType)
	b = protowire.AppendBytes(b, sub)
	b = protowire.AppendTag(b, signedFieldSignatureType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.SignatureType))
	b = protowire.AppendTag(b, signedFieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Signature)
	return append(b, s.unknown...), nil
}

func unmarshalSignedCommand(b []byte) (*SignedCommand, error) {
	s := &SignedCommand{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, malformed(tagLen)
		}
		switch {
		case num == signedFieldCommand && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			cmd, err := unmarshalCommand(sub)
			if err != nil {
				return nil, err
			}
			s.Command = cmd
			s.raw = append([]byte(nil), sub...)
			b = b[tagLen+n:]
		case num == signedFieldSignatureType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			if v > uint64(SignatureED25519) {
				return nil, &UnrecognizedVariantError{Field: "signed_command.signature_type", Value: v}
			}
			s.SignatureType = SignatureType(v)
			b = b[tagLen+n:]
		case num == signedFieldSignature && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, malformed(n)
			}
			s.Signature = append([]byte(nil), sub...)
			b = b[tagLen+n:]
		default:
			raw, n, err := skipField(b, tagLen, num, typ)
			if err != nil {
				return nil, err
			}
			s.unknown = append(s.unknown, raw...)
			b = b[n:]
		}
	}
	if s.Command == nil {
		return nil, fmt.Errorf("%w: signed command without command", ErrMalformed)
	}
	return s, nil
}
