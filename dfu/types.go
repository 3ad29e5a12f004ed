// Copyright (C) 2018 Rob Caelers <rob.caelers@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package dfu

import "fmt"

// ObjectType identifies which DFU object slot an operation addresses.
type ObjectType byte

const (
	ObjectTypeCommand ObjectType = 0x01
	ObjectTypeData    ObjectType = 0x02
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeCommand:
		return "init packet"
	case ObjectTypeData:
		return "firmware"
	default:
		return fmt.Sprintf("object(0x%02x)", byte(t))
	}
}

type opcode byte

const (
	opCreate       opcode = 0x01
	opSetPRN       opcode = 0x02
	opCalculateCRC opcode = 0x03
	opExecute      opcode = 0x04
	opSelect       opcode = 0x06
	opMTUGet       opcode = 0x07
	opWrite        opcode = 0x08
	opPing         opcode = 0x09
	opHardwareVer  opcode = 0x0A
	opFirmwareVer  opcode = 0x0B
	opAbort        opcode = 0x0C
	opResponse     opcode = 0x60
)

// resultCode is the DFU_RESULT byte carried in a control-point response.
type resultCode byte

const (
	resultInvalidCode           resultCode = 0x00
	resultSuccess               resultCode = 0x01
	resultOpCodeNotSupported    resultCode = 0x02
	resultInvalidParameter      resultCode = 0x03
	resultInsufficientResources resultCode = 0x04
	resultInvalidObject         resultCode = 0x05
	resultUnsupportedType       resultCode = 0x07
	resultOperationNotPermitted resultCode = 0x08
	resultOperationFailed       resultCode = 0x0A
)

func (r resultCode) String() string {
	switch r {
	case resultInvalidCode:
		return "INVALID_CODE"
	case resultSuccess:
		return "SUCCESS"
	case resultOpCodeNotSupported:
		return "OPCODE_NOT_SUPPORTED"
	case resultInvalidParameter:
		return "INVALID_PARAMETER"
	case resultInsufficientResources:
		return "INSUFFICIENT_RESOURCES"
	case resultInvalidObject:
		return "INVALID_OBJECT"
	case resultUnsupportedType:
		return "UNSUPPORTED_TYPE"
	case resultOperationNotPermitted:
		return "OPERATION_NOT_PERMITTED"
	case resultOperationFailed:
		return "OPERATION_FAILED"
	default:
		return fmt.Sprintf("result(0x%02x)", byte(r))
	}
}

const (
	// ServiceUUID is the Secure DFU GATT service.
	ServiceUUID = "fe59"
	// ControlPointUUID is the control-point characteristic.
	ControlPointUUID = "8ec90001-f315-4f60-9fb8-838830daea50"
	// PacketUUID is the packet (data) characteristic.
	PacketUUID = "8ec90002-f315-4f60-9fb8-838830daea50"
	// ButtonlessUnbondedUUID is the buttonless-DFU characteristic used on
	// devices that do not bond.
	ButtonlessUnbondedUUID = "8ec90003-f315-4f60-9fb8-838830daea50"
	// ButtonlessBondedUUID is the buttonless-DFU characteristic used on
	// devices that bond.
	ButtonlessBondedUUID = "8ec90004-f315-4f60-9fb8-838830daea50"
)

// SelectResponse describes the state of the last object of a given type,
// as reported by the target's SELECT command.
type SelectResponse struct {
	MaxSize uint32
	Offset  uint32
	Crc32   uint32
}

// Progress is the (offset, crc32) rolling state of a transfer, where
// offset is the number of payload bytes acknowledged so far.
type Progress struct {
	Offset uint32
	Crc32  uint32
}

// ErrKind classifies a DFU error for callers that want to branch on it
// (e.g. the controller's "stop after this slot" vs. "retry" decision).
type ErrKind int

const (
	ErrKindUnknown ErrKind = iota
	ErrKindNotificationStart
	ErrKindNotificationStop
	ErrKindNotificationTimeout
	ErrKindInvalidOffset
	ErrKindInvalidCRC
	ErrKindInitPacketTooLarge
	ErrKindTargetResult
	ErrKindAborted
	ErrKindPackageInvalid
	ErrKindVersionIncompatible
)

// Error is the error type returned by every dfu operation that fails for a
// reason the caller might want to branch on (retry policy, abort handling).
type Error struct {
	Kind   ErrKind
	Msg    string
	Result resultCode // only meaningful when Kind == ErrKindTargetResult
}

func (e *Error) Error() string {
	if e.Kind == ErrKindTargetResult {
		return fmt.Sprintf("%s: target reported %s", e.Msg, e.Result)
	}
	return e.Msg
}

func newErr(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func newTargetErr(result resultCode, msg string) *Error {
	return &Error{Kind: ErrKindTargetResult, Msg: msg, Result: result}
}

// IsAborted reports whether err is (or wraps) an ABORTED error.
func IsAborted(err error) bool {
	return errKind(err) == ErrKindAborted
}

// IsNotificationTimeout reports whether err is (or wraps) a
// NOTIFICATION_TIMEOUT error.
func IsNotificationTimeout(err error) bool {
	return errKind(err) == ErrKindNotificationTimeout
}

// IsInvalidOffset reports whether err is (or wraps) an offset-mismatch
// error from a PRN or CALCULATE_CRC check.
func IsInvalidOffset(err error) bool {
	return errKind(err) == ErrKindInvalidOffset
}

// IsInvalidCRC reports whether err is (or wraps) a crc-mismatch error from
// a PRN or CALCULATE_CRC check.
func IsInvalidCRC(err error) bool {
	return errKind(err) == ErrKindInvalidCRC
}

func errKind(err error) ErrKind {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		c, ok := err.(causer)
		if !ok {
			return ErrKindUnknown
		}
		err = c.Cause()
	}
	return ErrKindUnknown
}
