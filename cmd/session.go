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

package cmd

import (
	"context"
	"math/rand"
	"regexp"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/nrf-dfu/dfu-client/ble"
	"github.com/nrf-dfu/dfu-client/devicecache"
	"github.com/nrf-dfu/dfu-client/dfu"
)

// hexAddressRE matches a raw BLE address, as opposed to an advertised
// device name.
var hexAddressRE = regexp.MustCompile(`^[0-9a-fA-F:]+$`)

// resolveAddress returns addrOrName unchanged if it already looks like a raw
// BLE address. Otherwise it runs a short scan, populating a devicecache.Cache
// with what it sees, and resolves addrOrName as a previously-advertised
// device name - the cache hit lets "dfu --address MyDevice" work without the
// caller ever having to look up the address by hand.
func resolveAddress(bleClient ble.Client, addrOrName string, scanTimeout time.Duration) (string, error) {
	if hexAddressRE.MatchString(addrOrName) {
		return addrOrName, nil
	}

	jww.INFO.Printf("'%s' is not a BLE address, scanning to resolve it as a device name\n", addrOrName)
	cache := devicecache.New()
	err := bleClient.Scan(scanTimeout, func(adv ble.Advertisement) {
		cache.Observe(adv)
	})
	if err != nil && errors.Cause(err) != context.DeadlineExceeded {
		return "", errors.Wrap(err, "failed to scan for device name")
	}

	address, ok := cache.ResolveName(addrOrName)
	if !ok {
		return "", errors.Errorf("no device named '%s' seen during scan", addrOrName)
	}
	jww.INFO.Printf("resolved known device '%s' to address %s\n", addrOrName, address)
	return address, nil
}

// connectForDFU connects to address and, if the device isn't already
// running the Secure DFU bootloader, triggers the buttonless service to
// reboot it into one and reconnects. Connection/reconnection management
// lives here, at the CLI boundary, rather than in the dfu package.
func connectForDFU(bleClient ble.Client, address string, timeout time.Duration) (ble.Peripheral, error) {
	peripheral, control, packet, err := dialDFU(bleClient, address, timeout)
	if err != nil {
		return nil, err
	}
	if control != nil && packet != nil {
		return peripheral, nil
	}

	jww.INFO.Println("DFU characteristics not found. Attempting to reboot into bootloader.")
	if err := enterBootloader(peripheral, address); err != nil {
		peripheral.Disconnect()
		return nil, errors.Wrap(err, "failed to enter bootloader")
	}

	tries := 5
	for {
		time.Sleep(1 * time.Second)
		peripheral, control, packet, err = dialDFU(bleClient, address, timeout)
		if err == nil && control != nil && packet != nil {
			return peripheral, nil
		}
		tries--
		if tries == 0 {
			return nil, errors.Wrap(err, "failed to reconnect after bootloader reboot")
		}
	}
}

func dialDFU(bleClient ble.Client, address string, timeout time.Duration) (ble.Peripheral, ble.Characteristic, ble.Characteristic, error) {
	peripheral, err := bleClient.ConnectAddress(address, timeout)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to connect to device")
	}

	service := peripheral.FindService(dfu.ServiceUUID)
	if service == nil {
		return peripheral, nil, nil, nil
	}

	control := service.FindCharacteristic(dfu.ControlPointUUID)
	packet := service.FindCharacteristic(dfu.PacketUUID)
	return peripheral, control, packet, nil
}

// enterBootloader drives the buttonless-DFU characteristic: subscribe for
// its response, optionally randomize the post-reboot advertising name (only
// the unbonded variant changes address/name across the reboot), then
// request entry into the bootloader.
func enterBootloader(peripheral ble.Peripheral, address string) error {
	service := peripheral.FindService(dfu.ServiceUUID)
	if service == nil {
		return errors.New("DFU service not found")
	}

	bonded := service.FindCharacteristic(dfu.ButtonlessBondedUUID)
	unbonded := service.FindCharacteristic(dfu.ButtonlessUnbondedUUID)

	boot := bonded
	unbondedVariant := false
	if boot == nil {
		boot = unbonded
		unbondedVariant = true
	}
	if boot == nil {
		return errors.New("no buttonless DFU characteristic found")
	}

	replyCh := make(chan []byte, 1)
	onValue := func(data []byte) {
		select {
		case replyCh <- data:
		default:
		}
	}
	if err := boot.EnableNotifications(false, onValue); err != nil {
		return errors.Wrap(err, "failed to subscribe to buttonless characteristic")
	}
	if err := boot.EnableNotifications(true, onValue); err != nil {
		return errors.Wrap(err, "failed to subscribe to buttonless characteristic indications")
	}

	if unbondedVariant {
		name := randomDeviceName()
		jww.INFO.Printf("Setting bootloader advertising name to '%s'\n", name)
		if err := sendButtonless(boot, replyCh, append([]byte{0x02, byte(len(name))}, []byte(name)...)); err != nil {
			return errors.Wrap(err, "failed to set bootloader advertising name")
		}
	}

	if err := sendButtonless(boot, replyCh, []byte{0x01}); err != nil {
		return errors.Wrap(err, "failed to request bootloader entry")
	}

	return nil
}

func sendButtonless(char ble.Characteristic, replyCh chan []byte, request []byte) error {
	if err := char.Write(request, true); err != nil {
		return errors.Wrap(err, "failed to write to buttonless characteristic")
	}

	select {
	case resp := <-replyCh:
		if len(resp) < 3 {
			return errors.New("buttonless response too short")
		}
		if resp[0] != 0x20 {
			return errors.New("received incorrect buttonless response code")
		}
		if resp[1] != request[0] {
			return errors.New("received buttonless response for incorrect operation")
		}
		if resp[2] != 0x01 {
			return errors.Errorf("buttonless operation failed with result 0x%02x", resp[2])
		}
		return nil
	case <-time.After(20 * time.Second):
		return errors.New("buttonless response timed out")
	}
}

func randomDeviceName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 10)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "Dfu" + string(b)
}
