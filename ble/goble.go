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

package ble

import (
	"context"
	"strings"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/pkg/errors"
)

// GoBleInitFunc constructs the platform-specific go-ble device (e.g.
// linux.NewDevice or darwin.NewDevice). The caller supplies it so this
// file stays free of platform imports; the build-tag-gated NewClient in
// device_linux.go / device_darwin.go supplies the platform default.
type GoBleInitFunc func() (goble.Device, error)

type client struct {
	device *goble.Device
}

type peripheral struct {
	address string
	client  goble.Client
	profile *goble.Profile
}

type service struct {
	client  goble.Client
	service *goble.Service
}

type characteristic struct {
	client         goble.Client
	characteristic *goble.Characteristic
}

var currentDevice *goble.Device

// NewClientWithDevice creates a Client backed by go-ble, initializing the
// default device at most once per process. Most callers want the
// platform-default NewClient() instead.
func NewClientWithDevice(init GoBleInitFunc) (Client, error) {
	if currentDevice == nil {
		device, err := init()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create new BLE device")
		}
		goble.SetDefaultDevice(device)
		currentDevice = &device
	}
	return &client{device: currentDevice}, nil
}

func (c *client) ConnectName(name string, timeout time.Duration) (Peripheral, error) {
	ctx := goble.WithSigHandler(context.WithTimeout(context.Background(), timeout))

	cl, err := goble.Connect(ctx, func(a goble.Advertisement) bool {
		return strings.EqualFold(a.LocalName(), name)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to device")
	}

	profile, err := cl.DiscoverProfile(true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover device profile")
	}

	return &peripheral{address: cl.Addr().String(), client: cl, profile: profile}, nil
}

func (c *client) ConnectAddress(address string, timeout time.Duration) (Peripheral, error) {
	ctx := goble.WithSigHandler(context.WithTimeout(context.Background(), timeout))

	cl, err := goble.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to device")
	}

	profile, err := cl.DiscoverProfile(true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover device profile")
	}

	return &peripheral{address: address, client: cl, profile: profile}, nil
}

func (c *client) Scan(duration time.Duration, handler AdvertisementHandler) error {
	ctx := goble.WithSigHandler(context.WithTimeout(context.Background(), duration))

	err := goble.Scan(ctx, false, adaptHandler(handler), nil)
	switch errors.Cause(err) {
	case context.DeadlineExceeded, context.Canceled:
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to start BLE scan")
	}
	return nil
}

func adaptHandler(handler AdvertisementHandler) goble.AdvHandler {
	return func(a goble.Advertisement) {
		services := make([]string, 0, len(a.Services()))
		for _, s := range a.Services() {
			services = append(services, s.String())
		}
		handler(Advertisement{Name: a.LocalName(), Addr: a.Addr().String(), Services: services})
	}
}

func (p *peripheral) Addr() string { return p.address }

func (p *peripheral) Disconnect() error {
	return p.client.CancelConnection()
}

func (p *peripheral) FindService(uuid string) Service {
	id, err := goble.Parse(uuid)
	if err != nil {
		return nil
	}
	if s := p.profile.FindService(goble.NewService(id)); s != nil {
		return &service{client: p.client, service: s}
	}
	return nil
}

func (p *peripheral) FindCharacteristic(uuid string) Characteristic {
	id, err := goble.Parse(uuid)
	if err != nil {
		return nil
	}
	if c := p.profile.FindCharacteristic(goble.NewCharacteristic(id)); c != nil {
		return &characteristic{client: p.client, characteristic: c}
	}
	return nil
}

func (s *service) UUID() string { return s.service.UUID.String() }

func (s *service) FindCharacteristic(uuid string) Characteristic {
	id, err := goble.Parse(uuid)
	if err != nil {
		return nil
	}
	ref := goble.NewCharacteristic(id)
	for _, c := range s.service.Characteristics {
		if c.UUID.Equal(ref.UUID) {
			return &characteristic{client: s.client, characteristic: c}
		}
	}
	return nil
}

func (c *characteristic) UUID() string { return c.characteristic.UUID.String() }

func (c *characteristic) Write(data []byte, withResponse bool) error {
	err := c.client.WriteCharacteristic(c.characteristic, data, !withResponse)
	if err != nil {
		return errors.Wrap(err, "failed to write to BLE characteristic")
	}
	return nil
}

func (c *characteristic) EnableNotifications(indication bool, onValue func([]byte)) error {
	err := c.client.Subscribe(c.characteristic, indication, onValue)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to BLE characteristic value changes")
	}
	return nil
}

func (c *characteristic) DisableNotifications(indication bool) error {
	err := c.client.Unsubscribe(c.characteristic, indication)
	if err != nil {
		return errors.Wrap(err, "failed to unsubscribe from BLE characteristic value changes")
	}
	return nil
}
