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
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/nrf-dfu/dfu-client/ble"
	"github.com/nrf-dfu/dfu-client/dfu"
)

type dfuCommand struct {
	*baseCommand

	timeout          time.Duration
	address          string
	firmwareFilename string
}

func newDfuCommand() *dfuCommand {
	c := &dfuCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "dfu",
		Short: "Perform device firmware upgrade",
		Args:  cobra.NoArgs,
		Long: `This command can be used to perform a firmware upgrade of an nRF51 or nRF52
device. If the device supports the Buttonless DFU service, this service will
be used to first reboot the device into DFU mode.`,
		Example: `nrf-dfu dfu --address 4b668b2e16e41429fca7af1b0dc50644 --firmware FW.zip
nrf-dfu dfu --address 4b668b2e16e41429fca7af1b0dc50644 --firmware FW.zip --timeout=20s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDfu()
		},
	})

	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 30*time.Second, "Timeout for connecting to device")
	c.cmd.Flags().StringVarP(&c.firmwareFilename, "firmware", "f", "", "Filename of the firmware archive")
	c.cmd.Flags().StringVarP(&c.address, "address", "a", "", "Address (or previously-scanned device name) of device to be upgraded")
	return c
}

func (c *dfuCommand) runDfu() error {
	if c.address == "" {
		return errors.New("No address specified. Use --address to specify device address.")
	}
	if c.firmwareFilename == "" {
		return errors.New("No firmware filename specified. Use --firmware to specify firmware archive filename.")
	}

	bleClient, err := ble.NewClient()
	if err != nil {
		return errors.Wrap(err, "failed to create new BLE client")
	}

	address, err := resolveAddress(bleClient, c.address, c.timeout)
	if err != nil {
		return errors.Wrap(err, "failed to resolve device address")
	}

	jww.INFO.Printf("Upgrading firmware of device '%s' with '%s'\n", address, c.firmwareFilename)

	pkg, err := dfu.OpenUpdatePackage(c.firmwareFilename)
	if err != nil {
		return errors.Wrap(err, "failed to open firmware update package")
	}
	defer pkg.Close()

	updates, err := pkg.Updates()
	if err != nil {
		return errors.Wrap(err, "failed to read firmware update package")
	}

	var totalBytes int64
	for _, u := range updates {
		totalBytes += int64(len(u.InitPacket)) + int64(len(u.Firmware))
	}

	peripheral, err := connectForDFU(bleClient, address, c.timeout)
	if err != nil {
		return errors.Wrap(err, "failed to connect to device")
	}
	defer peripheral.Disconnect()

	transport := dfu.NewTransport(peripheral, dfu.ControlPointUUID, dfu.PacketUUID, c.timeout)
	defer transport.Close()

	controller := dfu.NewController(transport)

	var bar *pb.ProgressBar
	progress := newDfuProgressTracker()

	controller.OnProgress(func(p dfu.ProgressUpdate) {
		if bar == nil {
			bar = pb.ProgressBarTemplate(`{{ white "DFU:" }} {{bar . | green}} {{speed . "%s byte/s" | white }}`).Start64(totalBytes)
		}
		bar.SetCurrent(progress.advance(p))
		jww.DEBUG.Printf("%s\n", p.Stage)
	})

	err = controller.Run(pkg)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return errors.Wrap(err, "failed to upgrade device firmware")
	}

	return nil
}

// dfuProgressTracker turns the per-object-type offsets reported by
// dfu.Controller into a single monotonically increasing byte count spanning
// every slot of the update, for driving a single progress bar.
type dfuProgressTracker struct {
	base            int64
	lastLocalOffset int64
	lastKind        string
}

func newDfuProgressTracker() *dfuProgressTracker {
	return &dfuProgressTracker{}
}

func (t *dfuProgressTracker) advance(p dfu.ProgressUpdate) int64 {
	kind := "init"
	if strings.Contains(p.Stage, "firmware") {
		kind = "firmware"
	}
	if kind != t.lastKind {
		t.base += t.lastLocalOffset
		t.lastLocalOffset = 0
		t.lastKind = kind
	}
	if int64(p.Offset) > t.lastLocalOffset {
		t.lastLocalOffset = int64(p.Offset)
	}
	return t.base + t.lastLocalOffset
}
