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
	"fmt"
	"hash/crc32"
	"time"

	"github.com/nrf-dfu/dfu-client/ble"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// transportState is the explicit per-object state machine called out in
// spec §9: "Promise chains -> explicit state machine". It exists purely
// for observability (attached to each progress debug log line) — it is not itself a
// control-flow mechanism, the Go code below is.
type transportState int

const (
	stateClosed transportState = iota
	stateSelecting
	stateCreating
	stateWriting
	stateValidating
	stateExecuting
	stateDone
)

func (s transportState) String() string {
	switch s {
	case stateClosed:
		return "Closed"
	case stateSelecting:
		return "Selecting"
	case stateCreating:
		return "Creating"
	case stateWriting:
		return "Writing"
	case stateValidating:
		return "Validating"
	case stateExecuting:
		return "Executing"
	case stateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// ProgressUpdate is emitted by Transport as a transfer advances.
type ProgressUpdate struct {
	Stage  string
	Offset uint32
}

// maxCreateAttempts bounds create-and-write retry per spec §4.3/§7.
const maxCreateAttempts = 3

// Transport executes the DFU protocol for one payload of a given object
// type on one connected device, per spec §4.3. It owns an objectWriter and
// a controlPointService.
type Transport struct {
	peripheral ble.Peripheral
	controlID  string
	packetID   string

	cp     *controlPointService
	writer *objectWriter

	open    bool
	state   transportState
	onEvent func(ProgressUpdate)

	timeout    time.Duration
	prn        uint16
	pendingMTU int
}

// NewTransport creates a Transport bound to a connected peripheral and its
// control-point/packet characteristic UUIDs. It starts Closed.
func NewTransport(peripheral ble.Peripheral, controlUUID, packetUUID string, timeout time.Duration) *Transport {
	return &Transport{
		peripheral: peripheral,
		controlID:  controlUUID,
		packetID:   packetUUID,
		timeout:    timeout,
	}
}

// OnProgress registers the callback invoked for every ProgressUpdate.
func (t *Transport) OnProgress(f func(ProgressUpdate)) {
	t.onEvent = f
}

func (t *Transport) emit(stage string, offset uint32) {
	if t.onEvent != nil {
		t.onEvent(ProgressUpdate{Stage: stage, Offset: offset})
	}
	if t.writer != nil {
		jww.DEBUG.Printf("dfu: [%s] %s offset=%d", t.state, stage, offset)
	}
}

// ensureOpen enables control-point notifications, constructing the
// controlPointService/objectWriter pair the first time it's needed, and
// moves the transport from Closed to Open (spec §3 "Lifecycles").
func (t *Transport) ensureOpen() error {
	if t.open {
		return nil
	}

	controlChar := t.peripheral.FindCharacteristic(t.controlID)
	if controlChar == nil {
		return newErr(ErrKindNotificationStart, "control-point characteristic not found")
	}
	packetChar := t.peripheral.FindCharacteristic(t.packetID)
	if packetChar == nil {
		return newErr(ErrKindNotificationStart, "packet characteristic not found")
	}

	t.cp = newControlPointService(controlChar, t.timeout)
	t.writer = newObjectWriter(packetChar, t.cp, t.timeout)
	t.writer.onPacket = func(p PacketProgress) {
		t.emit(fmt.Sprintf("Transferring %s", p.Type), p.Offset)
	}

	if err := controlChar.EnableNotifications(false, t.cp.onNotification); err != nil {
		return &Error{Kind: ErrKindNotificationStart, Msg: errors.Wrap(err, "failed to enable control-point notifications").Error()}
	}

	t.open = true
	t.state = stateSelecting

	if t.prn != 0 {
		if err := t.cp.setPRN(t.prn); err != nil {
			return err
		}
		t.writer.setPRN(t.prn)
	}

	return nil
}

// Close disables control-point notifications. Idempotent.
func (t *Transport) Close() error {
	if !t.open {
		return nil
	}

	controlChar := t.peripheral.FindCharacteristic(t.controlID)
	var err error
	if controlChar != nil {
		if derr := controlChar.DisableNotifications(false); derr != nil {
			err = &Error{Kind: ErrKindNotificationStop, Msg: errors.Wrap(derr, "failed to disable control-point notifications").Error()}
		}
	}

	t.open = false
	t.state = stateClosed
	return err
}

// SetPRN sets the Packet Receipt Notification period both on the target
// and on the local writer, opening the transport if needed.
func (t *Transport) SetPRN(n uint16) error {
	t.prn = n
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if err := t.cp.setPRN(n); err != nil {
		return err
	}
	t.writer.setPRN(n)
	return nil
}

// SetMTU configures the writer's packet size. Purely local.
func (t *Transport) SetMTU(size int) {
	if t.writer != nil {
		t.writer.setMTU(size)
		return
	}
	// Applied lazily by SendInitPacket/SendFirmware once the writer exists.
	t.pendingMTU = size
}

// Versions reads the target's reported firmware and hardware version,
// opening the transport if needed. Used by Controller's VersionGate check
// (SPEC_FULL.md §4.8); most packages never trigger it.
func (t *Transport) Versions() (fw string, hw string, err error) {
	if err = t.ensureOpen(); err != nil {
		return "", "", err
	}
	fw, err = t.cp.firmwareVersion()
	if err != nil {
		return "", "", err
	}
	hw, err = t.cp.hardwareVersion()
	if err != nil {
		return "", "", err
	}
	return fw, hw, nil
}

// Abort sets the abort flag observed at the next packet boundary.
func (t *Transport) Abort() {
	if t.writer != nil {
		t.writer.abort()
	}
}

func crcOf(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SendInitPacket runs the Command flow of spec §4.3.
func (t *Transport) SendInitPacket(initPacket []byte) (Progress, error) {
	if err := t.ensureOpen(); err != nil {
		return Progress{}, err
	}
	if t.pendingMTU > 0 {
		t.writer.setMTU(t.pendingMTU)
		t.pendingMTU = 0
	}

	t.state = stateSelecting
	sel, err := t.cp.selectObject(ObjectTypeCommand)
	if err != nil {
		return Progress{}, err
	}

	if uint32(len(initPacket)) > sel.MaxSize {
		return Progress{}, newErr(ErrKindInitPacketTooLarge, "init packet exceeds target maximum object size")
	}

	if sel.Offset > 0 && sel.Offset <= uint32(len(initPacket)) && sel.Crc32 == crcOf(initPacket[:sel.Offset]) {
		t.emit(fmt.Sprintf("Resuming %s transfer", ObjectTypeCommand), sel.Offset)
		return t.writeObjectRetrying(ObjectTypeCommand, initPacket[sel.Offset:], sel.Offset, sel.Crc32, false)
	}

	t.emit(fmt.Sprintf("Initializing %s", ObjectTypeCommand), 0)
	return t.createAndWrite(ObjectTypeCommand, initPacket, 0, 0)
}

// SendFirmware runs the Data flow of spec §4.3.
func (t *Transport) SendFirmware(firmware []byte) (Progress, error) {
	if err := t.ensureOpen(); err != nil {
		return Progress{}, err
	}
	if t.pendingMTU > 0 {
		t.writer.setMTU(t.pendingMTU)
		t.pendingMTU = 0
	}

	t.state = stateSelecting
	sel, err := t.cp.selectObject(ObjectTypeData)
	if err != nil {
		return Progress{}, err
	}
	maxSize := int(sel.MaxSize)
	if maxSize <= 0 {
		return Progress{}, newErr(ErrKindUnknown, "target reported zero maximum object size")
	}

	startOffset, startCrc, partial, objects := firmwareState(firmware, sel, maxSize)

	var progress Progress
	if len(partial) > 0 {
		t.emit(fmt.Sprintf("Resuming %s transfer", ObjectTypeData), startOffset)
		progress, err = t.writeObjectRetrying(ObjectTypeData, partial, startOffset, startCrc, false)
		if err != nil {
			return Progress{}, err
		}
	} else {
		progress = Progress{Offset: startOffset, Crc32: startCrc}
		t.emit(fmt.Sprintf("Initializing %s", ObjectTypeData), startOffset)
	}

	for _, obj := range objects {
		progress, err = t.createAndWrite(ObjectTypeData, obj, progress.Offset, progress.Crc32)
		if err != nil {
			return Progress{}, err
		}
	}

	t.state = stateDone
	return progress, nil
}

// firmwareState computes (start_offset, start_crc, partial, objects) per
// spec §4.3 Data-flow step 2. max_size is assumed stable for the lifetime
// of one Transport (spec §9 open question 3) — the rollback arithmetic
// below is only sound under that assumption.
func firmwareState(firmware []byte, sel SelectResponse, maxSize int) (startOffset uint32, startCrc uint32, partial []byte, objects [][]byte) {
	offset := sel.Offset
	size := uint32(len(firmware))

	remainder := int(offset) % maxSize
	if offset != 0 && offset != size && remainder != 0 {
		end := int(offset) + maxSize - remainder
		if end > len(firmware) {
			end = len(firmware)
		}
		partial = firmware[offset:end]
	}

	if len(partial) > 0 && sel.Crc32 != crcOf(firmware[:offset]) {
		startOffset = offset - uint32(maxSize) + uint32(len(partial))
		startCrc = crcOf(firmware[:startOffset])
		partial = nil
	} else {
		startOffset = offset
		startCrc = sel.Crc32
	}

	rest := firmware[int(startOffset)+len(partial):]
	objects = splitChunks(rest, maxSize)
	return
}

func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// createAndWrite issues CREATE followed by the write-object procedure,
// retrying per spec §4.3 ("Create-and-write with retry"): up to 3
// attempts, never retrying ABORTED or NOTIFICATION_TIMEOUT.
func (t *Transport) createAndWrite(objType ObjectType, data []byte, offsetIn, crcIn uint32) (Progress, error) {
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		t.state = stateCreating
		if err := t.cp.create(objType, uint32(len(data))); err != nil {
			lastErr = err
		} else {
			progress, err := t.writeObjectOnce(objType, data, offsetIn, crcIn)
			if err == nil {
				return progress, nil
			}
			lastErr = err
		}

		if IsAborted(lastErr) || IsNotificationTimeout(lastErr) {
			return Progress{}, lastErr
		}
		if attempt == maxCreateAttempts {
			return Progress{}, lastErr
		}
		jww.WARN.Printf("dfu: object create/write attempt %d failed: %v, retrying", attempt, lastErr)
	}
	return Progress{}, lastErr
}

// writeObjectRetrying runs the write-object procedure for an object that
// already exists on the target (resume path), optionally under the same
// retry policy as createAndWrite.
func (t *Transport) writeObjectRetrying(objType ObjectType, data []byte, offsetIn, crcIn uint32, retry bool) (Progress, error) {
	if !retry {
		return t.writeObjectOnce(objType, data, offsetIn, crcIn)
	}
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		progress, err := t.writeObjectOnce(objType, data, offsetIn, crcIn)
		if err == nil {
			return progress, nil
		}
		lastErr = err
		if IsAborted(lastErr) || IsNotificationTimeout(lastErr) || attempt == maxCreateAttempts {
			return Progress{}, lastErr
		}
	}
	return Progress{}, lastErr
}

// writeObjectOnce is the shared write-object procedure of spec §4.3:
// stream bytes, validate cumulative CRC, execute.
func (t *Transport) writeObjectOnce(objType ObjectType, data []byte, offsetIn, crcIn uint32) (Progress, error) {
	t.state = stateWriting
	progress, err := t.writer.write(objType, data, offsetIn, crcIn)
	if err != nil {
		return Progress{}, err
	}

	t.state = stateValidating
	check, err := t.cp.calculateCRC()
	if err != nil {
		return Progress{}, err
	}
	if check.Offset != progress.Offset {
		return Progress{}, newErr(ErrKindInvalidOffset, "cumulative offset mismatch after object write")
	}
	if check.Crc32 != progress.Crc32 {
		return Progress{}, newErr(ErrKindInvalidCRC, "cumulative crc mismatch after object write")
	}

	t.state = stateExecuting
	if err := t.cp.execute(); err != nil {
		return Progress{}, err
	}

	return progress, nil
}
