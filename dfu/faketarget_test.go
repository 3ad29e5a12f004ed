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

import (
	"encoding/binary"
	"hash/crc32"
)

// fakeTarget simulates a Secure DFU bootloader well enough to exercise
// Transport end to end: it answers control-point requests and accumulates
// packet-characteristic writes into whichever object was last selected.
type fakeTarget struct {
	maxSize uint32

	// Per object-type persisted state, as if surviving a prior partial
	// transfer (spec §4.3's "select reports the last known object").
	// *committed* only advances on a successful EXECUTE; a Data CREATE rolls
	// the working value back to it, discarding bytes written by a failed
	// attempt at the same object. A Command CREATE starts a new init
	// packet at offset 0.
	commandOffset, commandCommitted uint32
	commandCrc, commandCommittedCrc uint32
	dataOffset, dataCommitted       uint32
	dataCrc, dataCommittedCrc       uint32

	prn      uint16
	sincePRN int

	active ObjectType

	createCalls  []ObjectType
	executeCalls []ObjectType

	// failExecuteTimes makes the next N EXECUTE calls fail transiently,
	// to exercise createAndWrite's retry policy.
	failExecuteTimes int

	controlChar *fakeCharacteristic
	packetChar  *fakeCharacteristic
}

func newFakeTarget(maxSize uint32) *fakeTarget {
	ft := &fakeTarget{
		maxSize:     maxSize,
		controlChar: newFakeCharacteristic(ControlPointUUID),
		packetChar:  newFakeCharacteristic(PacketUUID),
	}
	ft.controlChar.onWrite = ft.handleControl
	ft.packetChar.onWrite = ft.handlePacket
	return ft
}

func (ft *fakeTarget) peripheral() *fakePeripheral {
	p := newFakePeripheral()
	p.chars[ControlPointUUID] = ft.controlChar
	p.chars[PacketUUID] = ft.packetChar
	return p
}

func (ft *fakeTarget) reply(op opcode, body ...byte) {
	resp := append([]byte{byte(opResponse), byte(op), byte(resultSuccess)}, body...)
	ft.controlChar.notify(resp)
}

func (ft *fakeTarget) fail(op opcode, result resultCode) {
	ft.controlChar.notify([]byte{byte(opResponse), byte(op), byte(result)})
}

func (ft *fakeTarget) handleControl(data []byte, withResponse bool, notify func([]byte)) {
	op := opcode(data[0])
	switch op {
	case opCreate:
		t := ObjectType(data[1])
		ft.createCalls = append(ft.createCalls, t)
		ft.active = t
		ft.sincePRN = 0
		if t == ObjectTypeCommand {
			ft.commandOffset, ft.commandCrc = 0, 0
			// A validated init packet always starts a new image transfer:
			// the real bootloader resets the data object's offset to 0.
			ft.dataOffset, ft.dataCrc = 0, 0
			ft.dataCommitted, ft.dataCommittedCrc = 0, 0
		} else {
			ft.dataOffset, ft.dataCrc = ft.dataCommitted, ft.dataCommittedCrc
		}
		ft.reply(op)
	case opSetPRN:
		ft.prn = binary.LittleEndian.Uint16(data[1:3])
		ft.reply(op)
	case opSelect:
		t := ObjectType(data[1])
		ft.active = t
		body := make([]byte, 12)
		binary.LittleEndian.PutUint32(body[0:], ft.maxSize)
		if t == ObjectTypeCommand {
			binary.LittleEndian.PutUint32(body[4:], ft.commandOffset)
			binary.LittleEndian.PutUint32(body[8:], ft.commandCrc)
		} else {
			binary.LittleEndian.PutUint32(body[4:], ft.dataOffset)
			binary.LittleEndian.PutUint32(body[8:], ft.dataCrc)
		}
		ft.reply(op, body...)
	case opCalculateCRC:
		var offset, crc uint32
		if ft.active == ObjectTypeCommand {
			offset, crc = ft.commandOffset, ft.commandCrc
		} else {
			offset, crc = ft.dataOffset, ft.dataCrc
		}
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:], offset)
		binary.LittleEndian.PutUint32(body[4:], crc)
		ft.reply(op, body...)
	case opExecute:
		if ft.failExecuteTimes > 0 {
			ft.failExecuteTimes--
			ft.fail(op, resultOperationFailed)
			return
		}
		ft.executeCalls = append(ft.executeCalls, ft.active)
		if ft.active == ObjectTypeCommand {
			ft.commandCommitted, ft.commandCommittedCrc = ft.commandOffset, ft.commandCrc
		} else {
			ft.dataCommitted, ft.dataCommittedCrc = ft.dataOffset, ft.dataCrc
		}
		ft.reply(op)
	case opHardwareVer:
		ft.reply(op, 1, 0, 0)
	case opFirmwareVer:
		ft.reply(op, 2, 1, 0)
	default:
		ft.reply(op)
	}
}

func (ft *fakeTarget) handlePacket(data []byte, withResponse bool, notify func([]byte)) {
	if ft.active == ObjectTypeCommand {
		ft.commandOffset += uint32(len(data))
		ft.commandCrc = crc32.Update(ft.commandCrc, crc32.IEEETable, data)
	} else {
		ft.dataOffset += uint32(len(data))
		ft.dataCrc = crc32.Update(ft.dataCrc, crc32.IEEETable, data)
	}

	if ft.prn == 0 {
		return
	}
	ft.sincePRN++
	if ft.sincePRN == int(ft.prn) {
		ft.sincePRN = 0
		var offset, crc uint32
		if ft.active == ObjectTypeCommand {
			offset, crc = ft.commandOffset, ft.commandCrc
		} else {
			offset, crc = ft.dataOffset, ft.dataCrc
		}
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:], offset)
		binary.LittleEndian.PutUint32(body[4:], crc)
		ft.controlChar.notify(body)
	}
}
