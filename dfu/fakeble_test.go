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
	"sync"
	"time"

	"github.com/nrf-dfu/dfu-client/ble"
)

// fakeCharacteristic is an in-memory stand-in for a GATT characteristic,
// good enough to drive controlPointService and objectWriter without a real
// radio. Writes are fed to an optional handler that can push notifications
// back via notify.
type fakeCharacteristic struct {
	uuid string

	mu      sync.Mutex
	onValue func([]byte)
	writes  [][]byte

	onWrite func(data []byte, withResponse bool, notify func([]byte))
}

var _ ble.Characteristic = (*fakeCharacteristic)(nil)

func newFakeCharacteristic(uuid string) *fakeCharacteristic {
	return &fakeCharacteristic{uuid: uuid}
}

func (c *fakeCharacteristic) UUID() string { return c.uuid }

func (c *fakeCharacteristic) Write(data []byte, withResponse bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	c.mu.Lock()
	c.writes = append(c.writes, cp)
	handler := c.onWrite
	c.mu.Unlock()

	if handler != nil {
		handler(cp, withResponse, c.notify)
	}
	return nil
}

func (c *fakeCharacteristic) notify(data []byte) {
	c.mu.Lock()
	f := c.onValue
	c.mu.Unlock()
	if f != nil {
		f(data)
	}
}

func (c *fakeCharacteristic) EnableNotifications(indication bool, onValue func([]byte)) error {
	c.mu.Lock()
	c.onValue = onValue
	c.mu.Unlock()
	return nil
}

func (c *fakeCharacteristic) DisableNotifications(indication bool) error {
	c.mu.Lock()
	c.onValue = nil
	c.mu.Unlock()
	return nil
}

func (c *fakeCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// fakePeripheral implements ble.Peripheral directly against a flat map of
// characteristics; Transport only ever looks characteristics up by UUID, so
// FindService is never exercised and returns nil.
type fakePeripheral struct {
	addr       string
	chars      map[string]*fakeCharacteristic
	disconnect int
}

var _ ble.Peripheral = (*fakePeripheral)(nil)

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{addr: "00:11:22:33:44:55", chars: map[string]*fakeCharacteristic{}}
}

func (p *fakePeripheral) Addr() string { return p.addr }

func (p *fakePeripheral) Disconnect() error {
	p.disconnect++
	return nil
}

func (p *fakePeripheral) FindService(uuid string) ble.Service {
	return nil
}

func (p *fakePeripheral) FindCharacteristic(uuid string) ble.Characteristic {
	c, ok := p.chars[uuid]
	if !ok {
		return nil
	}
	return c
}

const fakeTimeout = 2 * time.Second
