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
	"bytes"
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.com/nrf-dfu/dfu-client/ble"
	"github.com/pkg/errors"
)

// DefaultNotificationTimeout is used when a ControlPointService is created
// without an explicit timeout.
const DefaultNotificationTimeout = 20 * time.Second

// controlPointService is a single-outstanding-request engine: it serializes
// one request at a time to the control-point characteristic and pairs the
// next matching RESPONSE notification to it. PRN notifications (which are
// CALCULATE_CRC-shaped but not requested by this service) are routed by
// onNotification to the PRN sink — see objectWriter.handlePRNNotification.
type controlPointService struct {
	char    ble.Characteristic
	timeout time.Duration

	mu      sync.Mutex
	pending opcode
	armed   bool
	replyCh chan []byte

	prnSink func([]byte) bool // returns true if it consumed the notification
}

func newControlPointService(char ble.Characteristic, timeout time.Duration) *controlPointService {
	if timeout <= 0 {
		timeout = DefaultNotificationTimeout
	}
	return &controlPointService{
		char:    char,
		timeout: timeout,
		replyCh: make(chan []byte, 1),
	}
}

// onNotification demultiplexes a control-point characteristicValueChanged
// event: if this service has a request outstanding, it is the reply;
// otherwise it is handed to the PRN sink (if armed), and failing that,
// discarded, per spec §4.1/§5 ("discipline: demultiplex by is-a-request-
// pending, not solely by opcode").
func (s *controlPointService) onNotification(data []byte) {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()

	if armed {
		s.replyCh <- data
		return
	}

	if s.prnSink != nil && s.prnSink(data) {
		return
	}
	// Notification with nothing pending: discarded per spec §4.1.
}

func (s *controlPointService) setPRNSink(sink func([]byte) bool) {
	s.mu.Lock()
	s.prnSink = sink
	s.mu.Unlock()
}

func (s *controlPointService) request(op opcode, body []byte) ([]byte, error) {
	s.mu.Lock()
	s.pending = op
	s.armed = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.armed = false
		s.mu.Unlock()
	}()

	frame := append([]byte{byte(op)}, body...)
	if err := s.char.Write(frame, true); err != nil {
		return nil, errors.Wrap(err, "failed to write control-point request")
	}

	select {
	case resp := <-s.replyCh:
		return s.decode(op, resp)
	case <-time.After(s.timeout):
		return nil, newErr(ErrKindNotificationTimeout, "control-point response timed out")
	}
}

func (s *controlPointService) decode(op opcode, resp []byte) ([]byte, error) {
	if len(resp) < 3 {
		return nil, newErr(ErrKindUnknown, "control-point response too short")
	}
	if opcode(resp[0]) != opResponse {
		return nil, newErr(ErrKindUnknown, "received incorrect response code")
	}
	if opcode(resp[1]) != op {
		return nil, newErr(ErrKindUnknown, "received response for incorrect operation")
	}
	result := resultCode(resp[2])
	if result != resultSuccess {
		return nil, newTargetErr(result, "control-point operation failed")
	}
	return resp[3:], nil
}

func (s *controlPointService) create(t ObjectType, size uint32) error {
	body := make([]byte, 5)
	body[0] = byte(t)
	binary.LittleEndian.PutUint32(body[1:], size)
	_, err := s.request(opCreate, body)
	return errors.Wrap(err, "failed to create object")
}

func (s *controlPointService) setPRN(prn uint16) error {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, prn)
	_, err := s.request(opSetPRN, body)
	return errors.Wrap(err, "failed to set packet receipt notification value")
}

func (s *controlPointService) calculateCRC() (Progress, error) {
	resp, err := s.request(opCalculateCRC, nil)
	if err != nil {
		return Progress{}, errors.Wrap(err, "failed to calculate crc")
	}
	return decodeProgress(resp)
}

func (s *controlPointService) execute() error {
	_, err := s.request(opExecute, nil)
	return errors.Wrap(err, "failed to execute object")
}

func (s *controlPointService) selectObject(t ObjectType) (SelectResponse, error) {
	var sel SelectResponse
	resp, err := s.request(opSelect, []byte{byte(t)})
	if err != nil {
		return sel, errors.Wrap(err, "failed to select object")
	}
	if len(resp) < 12 {
		return sel, newErr(ErrKindUnknown, "select response too short")
	}
	r := bytes.NewReader(resp)
	if err := binary.Read(r, binary.LittleEndian, &sel); err != nil {
		return sel, errors.Wrap(err, "failed to decode select response")
	}
	return sel, nil
}

// hardwareVersion and firmwareVersion read the target's version opcodes
// (present in the wire format but unused by the base spec's transfer path;
// wired into VersionGate per SPEC_FULL.md §4.1 expansion). Both decode a
// 3-byte (major, minor, patch) triple into a semver-parseable string.
func (s *controlPointService) hardwareVersion() (string, error) {
	resp, err := s.request(opHardwareVer, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to read hardware version")
	}
	return decodeVersionTriple(resp)
}

func (s *controlPointService) firmwareVersion() (string, error) {
	resp, err := s.request(opFirmwareVer, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to read firmware version")
	}
	return decodeVersionTriple(resp)
}

func decodeVersionTriple(resp []byte) (string, error) {
	if len(resp) < 3 {
		return "", newErr(ErrKindUnknown, "version response too short")
	}
	return fmtVersionTriple(resp[0], resp[1], resp[2]), nil
}

func fmtVersionTriple(major, minor, patch byte) string {
	return strconv.Itoa(int(major)) + "." + strconv.Itoa(int(minor)) + "." + strconv.Itoa(int(patch))
}

func decodeProgress(resp []byte) (Progress, error) {
	var p Progress
	if len(resp) < 8 {
		return p, newErr(ErrKindUnknown, "checksum response too short")
	}
	r := bytes.NewReader(resp)
	if err := binary.Read(r, binary.LittleEndian, &p); err != nil {
		return p, errors.Wrap(err, "failed to decode checksum response")
	}
	return p, nil
}
