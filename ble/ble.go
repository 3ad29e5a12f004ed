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

// Package ble defines the GATT adapter contract the dfu package is driven
// through, and a concrete binding to github.com/go-ble/ble. Radio-level BLE
// transport itself is out of scope for this module (spec §1 non-goal); this
// package is the thin seam between the protocol engine and an actual radio.
package ble

import "time"

// AdvertisementHandler is invoked once per advertisement seen during Scan.
type AdvertisementHandler func(adv Advertisement)

// Advertisement is a discovered peripheral's advertising data.
type Advertisement struct {
	Addr     string
	Name     string
	Services []string
}

// Client discovers and connects to peripherals.
type Client interface {
	ConnectName(name string, timeout time.Duration) (Peripheral, error)
	ConnectAddress(address string, timeout time.Duration) (Peripheral, error)
	Scan(duration time.Duration, handler AdvertisementHandler) error
}

// Peripheral is a connected device whose GATT profile has been discovered.
type Peripheral interface {
	Addr() string

	Disconnect() error

	FindService(uuid string) Service
	FindCharacteristic(uuid string) Characteristic
}

// Service is a GATT service exposed by a Peripheral.
type Service interface {
	UUID() string
	FindCharacteristic(uuid string) Characteristic
}

// Characteristic is the GattAdapter contract the dfu package drives
// directly: writes and characteristicValueChanged-shaped notifications.
type Characteristic interface {
	UUID() string

	// Write sends data to the characteristic. withResponse selects a
	// GATT "write request" (acked) vs. "write command" (unacked); the
	// packet characteristic is written without response, the
	// control-point characteristic with response.
	Write(data []byte, withResponse bool) error

	// EnableNotifications arms delivery of characteristicValueChanged
	// events to onValue. indication selects GATT indications (acked,
	// used by the buttonless-DFU characteristic) over notifications
	// (unacked, used by control-point and PRN).
	EnableNotifications(indication bool, onValue func([]byte)) error

	// DisableNotifications reverses EnableNotifications. Idempotent.
	DisableNotifications(indication bool) error
}
