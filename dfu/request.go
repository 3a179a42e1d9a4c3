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
	"encoding/binary"
	"fmt"
)

// Request is a bootloader transport opcode.  Values follow the Nordic
// DFU controller protocol.
type Request byte

const (
	ReqCreateObject     Request = 0x01
	ReqSetReceiptNotify Request = 0x02
	ReqCalcChecksum     Request = 0x03
	ReqExecute          Request = 0x04
	ReqSelect           Request = 0x06
	ReqGetMTU           Request = 0x07
	ReqWrite            Request = 0x08
	ReqPing             Request = 0x09
)

func (r Request) String() string {
	switch r {
	case ReqCreateObject:
		return "CREATE_OBJECT"
	case ReqSetReceiptNotify:
		return "SET_RECEIPT_NOTIFY"
	case ReqCalcChecksum:
		return "CALC_CHECKSUM"
	case ReqExecute:
		return "EXECUTE"
	case ReqSelect:
		return "SELECT"
	case ReqGetMTU:
		return "GET_MTU"
	case ReqWrite:
		return "WRITE"
	case ReqPing:
		return "PING"
	}
	return fmt.Sprintf("Request(0x%02x)", byte(r))
}

// Result is the status code carried in every bootloader response.
type Result byte

const (
	ResultInvalidCode           Result = 0x00
	ResultSuccess               Result = 0x01
	ResultNotSupported          Result = 0x02
	ResultInvalidParameter      Result = 0x03
	ResultInsufficientResources Result = 0x04
	ResultInvalidObject         Result = 0x05
	ResultUnsupportedType       Result = 0x07
	ResultOperationNotPermitted Result = 0x08
	ResultOperationFailed       Result = 0x0a
	ResultExtendedError         Result = 0x0b
)

func (r Result) String() string {
	switch r {
	case ResultInvalidCode:
		return "INVALID_CODE"
	case ResultSuccess:
		return "SUCCESS"
	case ResultNotSupported:
		return "NOT_SUPPORTED"
	case ResultInvalidParameter:
		return "INVALID_PARAMETER"
	case ResultInsufficientResources:
		return "INSUFFICIENT_RESOURCES"
	case ResultInvalidObject:
		return "INVALID_OBJECT"
	case ResultUnsupportedType:
		return "UNSUPPORTED_TYPE"
	case ResultOperationNotPermitted:
		return "OPERATION_NOT_PERMITTED"
	case ResultOperationFailed:
		return "OPERATION_FAILED"
	case ResultExtendedError:
		return "EXTENDED_ERROR"
	}
	return fmt.Sprintf("Result(0x%02x)", byte(r))
}

// Object types addressed by Select and CreateObject.
const (
	ObjectCommand byte = 0x01
	ObjectData    byte = 0x02
)

// responseMarker is the first byte of every bootloader response.
const responseMarker = 0x60

// RequestError reports a bootloader response with a non-success result.
type RequestError struct {
	Op     Request
	Result Result
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("dfu: %s request failed: %s", e.Op, e.Result)
}

// CreateObjectRequest selects and allocates a new object of the given
// type and size on the device.
func CreateObjectRequest(objType byte, size uint32) []byte {
	b := make([]byte, 6)
	b[0] = byte(ReqCreateObject)
	b[1] = objType
	binary.LittleEndian.PutUint32(b[2:], size)
	return b
}

// SelectRequest queries the device's receive state for an object type:
// maximum object size, current offset and running CRC.
func SelectRequest(objType byte) []byte {
	return []byte{byte(ReqSelect), objType}
}

// WriteRequest appends data to the currently created object.
func WriteRequest(data []byte) []byte {
	b := make([]byte, 1+len(data))
	b[0] = byte(ReqWrite)
	copy(b[1:], data)
	return b
}

// CalcChecksumRequest asks for the current offset and CRC of the
// object under transfer.  This is the per-chunk acknowledgement.
func CalcChecksumRequest() []byte {
	return []byte{byte(ReqCalcChecksum)}
}

// ExecuteRequest commits the completed object.
func ExecuteRequest() []byte {
	return []byte{byte(ReqExecute)}
}

// GetMTURequest queries the maximum frame size the device accepts.
func GetMTURequest() []byte {
	return []byte{byte(ReqGetMTU)}
}

// ParseResponse validates the response envelope for the given request
// opcode and returns the response payload.  A non-success result is
// surfaced as a RequestError.
func ParseResponse(b []byte, op Request) ([]byte, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("%w: response too short (%d bytes)", ErrMalformed, len(b))
	}
	if b[0] != responseMarker {
		return nil, fmt.Errorf("%w: bad response marker 0x%02x", ErrMalformed, b[0])
	}
	if Request(b[1]) != op {
		return nil, fmt.Errorf("%w: response for %s while awaiting %s", ErrMalformed, Request(b[1]), op)
	}
	if res := Result(b[2]); res != ResultSuccess {
		return nil, &RequestError{Op: op, Result: res}
	}
	return b[3:], nil
}

// ObjectInfo is the payload of a Select response and, without MaxSize,
// of a CalcChecksum response.
type ObjectInfo struct {
	MaxSize uint32
	Offset  uint32
	CRC     uint32
}

// ParseSelectResponse decodes max size, offset and CRC from a Select
// response payload.
func ParseSelectResponse(payload []byte) (ObjectInfo, error) {
	if len(payload) < 12 {
		return ObjectInfo{}, fmt.Errorf("%w: select response payload too short", ErrMalformed)
	}
	return ObjectInfo{
		MaxSize: binary.LittleEndian.Uint32(payload),
		Offset:  binary.LittleEndian.Uint32(payload[4:]),
		CRC:     binary.LittleEndian.Uint32(payload[8:]),
	}, nil
}

// ParseChecksumResponse decodes offset and CRC from a CalcChecksum
// response payload.
func ParseChecksumResponse(payload []byte) (ObjectInfo, error) {
	if len(payload) < 8 {
		return ObjectInfo{}, fmt.Errorf("%w: checksum response payload too short", ErrMalformed)
	}
	return ObjectInfo{
		Offset: binary.LittleEndian.Uint32(payload),
		CRC:    binary.LittleEndian.Uint32(payload[4:]),
	}, nil
}

// ParseMTUResponse decodes the device frame size limit from a GetMTU
// response payload.
func ParseMTUResponse(payload []byte) (int, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: mtu response payload too short", ErrMalformed)
	}
	return int(binary.LittleEndian.Uint16(payload)), nil
}
