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
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/nrf-dfu/dfu-client/ble"
	"github.com/pkg/errors"
)

// DefaultMTU is the default number of bytes written per packet-
// characteristic write-without-response.
const DefaultMTU = 20

// PacketProgress is emitted once per packet written.
type PacketProgress struct {
	Offset uint32
	Type   ObjectType
}

// objectWriter streams one object's bytes to the packet characteristic,
// pacing on PRN and maintaining rolling (offset, crc32) state, per spec
// §4.2.
type objectWriter struct {
	char ble.Characteristic
	cp   *controlPointService

	mtu     int
	prn     uint16
	timeout time.Duration

	aborted int32

	onPacket func(PacketProgress)

	prnCh chan Progress
}

func newObjectWriter(char ble.Characteristic, cp *controlPointService, timeout time.Duration) *objectWriter {
	w := &objectWriter{
		char:    char,
		cp:      cp,
		mtu:     DefaultMTU,
		timeout: timeout,
		prnCh:   make(chan Progress, 1),
	}
	cp.setPRNSink(w.handlePRNNotification)
	return w
}

func (w *objectWriter) setMTU(size int) {
	if size > 0 {
		w.mtu = size
	}
}

func (w *objectWriter) setPRN(prn uint16) {
	w.prn = prn
}

// abort sets the level-triggered abort flag observed at the next packet
// boundary (spec §5 "Cancellation").
func (w *objectWriter) abort() {
	atomic.StoreInt32(&w.aborted, 1)
}

func (w *objectWriter) resetAbort() {
	atomic.StoreInt32(&w.aborted, 0)
}

func (w *objectWriter) isAborted() bool {
	return atomic.LoadInt32(&w.aborted) != 0
}

// handlePRNNotification is wired as the controlPointService's PRN sink: a
// notification is PRN-shaped (offset+crc32, CALCULATE_CRC's body shape)
// whenever no control-point request is outstanding.
func (w *objectWriter) handlePRNNotification(data []byte) bool {
	p, err := decodeProgress(data)
	if err != nil {
		return false
	}
	select {
	case w.prnCh <- p:
		return true
	default:
		return true
	}
}

// write streams data to the packet characteristic starting from
// (offsetIn, crcIn), returning the final (offset, crc32) once every packet
// has been written and any outstanding PRN acknowledged.
func (w *objectWriter) write(objType ObjectType, data []byte, offsetIn, crcIn uint32) (Progress, error) {
	offset := offsetIn
	crc := crcIn
	sincePRN := 0

	for i := 0; i < len(data); i += w.mtu {
		if w.isAborted() {
			return Progress{}, newErr(ErrKindAborted, "object write aborted")
		}

		end := i + w.mtu
		if end > len(data) {
			end = len(data)
		}
		packet := data[i:end]

		if err := w.char.Write(packet, false); err != nil {
			return Progress{}, errors.Wrap(err, "failed to write to packet characteristic")
		}

		offset += uint32(len(packet))
		crc = crc32.Update(crc, crc32.IEEETable, packet)
		sincePRN++

		if w.onPacket != nil {
			w.onPacket(PacketProgress{Offset: offset, Type: objType})
		}

		if w.prn != 0 && sincePRN == int(w.prn) {
			sincePRN = 0
			if err := w.awaitPRN(Progress{Offset: offset, Crc32: crc}); err != nil {
				return Progress{}, err
			}
		}
	}

	return Progress{Offset: offset, Crc32: crc}, nil
}

func (w *objectWriter) awaitPRN(expect Progress) error {
	select {
	case got := <-w.prnCh:
		if got.Offset != expect.Offset {
			return newErr(ErrKindInvalidOffset, "packet receipt notification offset mismatch")
		}
		if got.Crc32 != expect.Crc32 {
			return newErr(ErrKindInvalidCRC, "packet receipt notification crc mismatch")
		}
		return nil
	case <-time.After(w.timeout):
		return newErr(ErrKindNotificationTimeout, "packet receipt notification timed out")
	}
}
