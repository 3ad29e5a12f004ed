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
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Controller drives the full update sequence across the manifest's update
// slots, per spec §4.4.
type Controller struct {
	transport *Transport
	gate      VersionGate

	onProgress func(ProgressUpdate)
}

// NewController binds a Controller to a Transport, which opens itself on
// first use.
func NewController(transport *Transport) *Controller {
	c := &Controller{transport: transport}
	transport.OnProgress(func(p ProgressUpdate) {
		if c.onProgress != nil {
			c.onProgress(p)
		}
	})
	return c
}

// OnProgress registers the progress callback forwarded from the Transport.
func (c *Controller) OnProgress(f func(ProgressUpdate)) {
	c.onProgress = f
}

// Abort forwards to the underlying Transport.
func (c *Controller) Abort() {
	c.transport.Abort()
}

// Run loads pkg's manifest and, for each present slot in canonical order,
// sends the init packet then the firmware. It stops at the first fatal
// error without attempting subsequent slots (spec §7).
func (c *Controller) Run(pkg *UpdatePackage) error {
	updates, err := pkg.Updates()
	if err != nil {
		return errors.Wrap(err, "failed to read update package")
	}

	for _, u := range updates {
		if err := c.checkVersion(pkg, u); err != nil {
			return errors.Wrapf(err, "version check failed for %s", u.Slot)
		}

		jww.INFO.Printf("dfu: sending init packet for %s (%d bytes)\n", u.Slot, len(u.InitPacket))
		if _, err := c.transport.SendInitPacket(u.InitPacket); err != nil {
			return errors.Wrapf(err, "failed to send init packet for %s", u.Slot)
		}

		jww.INFO.Printf("dfu: sending firmware for %s (%d bytes)\n", u.Slot, len(u.Firmware))
		if _, err := c.transport.SendFirmware(u.Firmware); err != nil {
			return errors.Wrapf(err, "failed to send firmware for %s", u.Slot)
		}
	}

	return nil
}

// checkVersion is a no-op unless pkg declares a package-level VersionRange
// or u carries per-slot fw_version/hw_version metadata, per spec §3
// expansion. Per-slot versions gate as a minimum: the target must already be
// running at least that firmware/hardware revision for this slot's update to
// apply.
func (c *Controller) checkVersion(pkg *UpdatePackage, u Update) error {
	if pkg.VersionRange == nil && u.FWVersion == "" && u.HWVersion == "" {
		return nil
	}

	fw, hw, err := c.transport.Versions()
	if err != nil {
		return err
	}

	if pkg.VersionRange != nil {
		if err := c.gate.Check(pkg.VersionRange, hw); err != nil {
			return err
		}
	}

	if u.HWVersion != "" {
		if err := c.gate.Check(&VersionRange{Min: u.HWVersion}, hw); err != nil {
			return errors.Wrap(err, "hardware version requirement not met")
		}
	}

	if u.FWVersion != "" {
		if err := c.gate.Check(&VersionRange{Min: u.FWVersion}, fw); err != nil {
			return errors.Wrap(err, "firmware version requirement not met")
		}
	}

	return nil
}
