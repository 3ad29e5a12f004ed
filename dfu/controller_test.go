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
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerRunSendsSlotsInCanonicalOrder(t *testing.T) {
	m := map[string]interface{}{
		"manifest": map[string]interface{}{
			"application": map[string]interface{}{"bin_file": "app.bin", "dat_file": "app.dat"},
			"bootloader":  map[string]interface{}{"bin_file": "bl.bin", "dat_file": "bl.dat"},
			"softdevice":  map[string]interface{}{"bin_file": "sd.bin", "dat_file": "sd.dat"},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	path := buildPackage(t, data, map[string][]byte{
		"app.bin": []byte("application firmware"),
		"app.dat": []byte("application init"),
		"bl.bin":  []byte("bootloader firmware"),
		"bl.dat":  []byte("bootloader init"),
		"sd.bin":  []byte("softdevice firmware"),
		"sd.dat":  []byte("softdevice init"),
	})

	pkg, err := OpenUpdatePackage(path)
	require.NoError(t, err)
	defer pkg.Close()

	ft := newFakeTarget(4096)
	transport := NewTransport(ft.peripheral(), ControlPointUUID, PacketUUID, fakeTimeout)
	controller := NewController(transport)

	var initStages []string
	controller.OnProgress(func(p ProgressUpdate) {
		if strings.Contains(p.Stage, "init packet") && strings.HasPrefix(p.Stage, "Initializing") {
			initStages = append(initStages, p.Stage)
		}
	})

	require.NoError(t, controller.Run(pkg))

	// softdevice, then bootloader, then application: one fresh Command
	// object per slot, each paired with one fresh Data object.
	assert.Equal(t, []ObjectType{
		ObjectTypeCommand, ObjectTypeData,
		ObjectTypeCommand, ObjectTypeData,
		ObjectTypeCommand, ObjectTypeData,
	}, ft.executeCalls)

	assert.Len(t, initStages, 3, "one fresh init-packet transfer per slot")
}

func TestControllerRunStopsAtFirstFailure(t *testing.T) {
	m := map[string]interface{}{
		"manifest": map[string]interface{}{
			"softdevice":  map[string]interface{}{"bin_file": "sd.bin", "dat_file": "sd.dat"},
			"application": map[string]interface{}{"bin_file": "app.bin", "dat_file": "app.dat"},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	path := buildPackage(t, data, map[string][]byte{
		"sd.bin":  []byte("softdevice firmware"),
		"sd.dat":  []byte("softdevice init"),
		"app.bin": []byte("application firmware"),
		"app.dat": []byte("application init"),
	})

	pkg, err := OpenUpdatePackage(path)
	require.NoError(t, err)
	defer pkg.Close()

	ft := newFakeTarget(4096)
	ft.failExecuteTimes = 3 // every attempt for the first object fails
	transport := NewTransport(ft.peripheral(), ControlPointUUID, PacketUUID, fakeTimeout)
	controller := NewController(transport)

	err = controller.Run(pkg)
	require.Error(t, err)
	assert.Equal(t, ErrKindTargetResult, errKind(err))

	// Never got past the softdevice slot's init packet.
	assert.NotContains(t, ft.executeCalls, ObjectTypeData)
}

func TestControllerChecksVersionBeforeEachSlot(t *testing.T) {
	m := map[string]interface{}{
		"manifest": map[string]interface{}{
			"application": map[string]interface{}{"bin_file": "app.bin", "dat_file": "app.dat"},
		},
		"dfu_version_range": map[string]interface{}{"min": "5.0.0"},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	path := buildPackage(t, data, map[string][]byte{
		"app.bin": []byte("application firmware"),
		"app.dat": []byte("application init"),
	})

	pkg, err := OpenUpdatePackage(path)
	require.NoError(t, err)
	defer pkg.Close()

	// The fake's hardwareVersion always reports 1.0.0, below the package's
	// declared minimum of 5.0.0.
	ft := newFakeTarget(4096)
	transport := NewTransport(ft.peripheral(), ControlPointUUID, PacketUUID, fakeTimeout)
	controller := NewController(transport)

	err = controller.Run(pkg)
	require.Error(t, err)
	assert.Equal(t, ErrKindVersionIncompatible, errKind(err))
	assert.Empty(t, ft.createCalls, "version gate must reject before any object is created")
}

func TestControllerChecksPerSlotFirmwareVersion(t *testing.T) {
	m := map[string]interface{}{
		"manifest": map[string]interface{}{
			"application": map[string]interface{}{
				"bin_file": "app.bin",
				"dat_file": "app.dat",
				"info_read_only_metadata": map[string]interface{}{
					"fw_version": "9.9.9",
				},
			},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	path := buildPackage(t, data, map[string][]byte{
		"app.bin": []byte("application firmware"),
		"app.dat": []byte("application init"),
	})

	pkg, err := OpenUpdatePackage(path)
	require.NoError(t, err)
	defer pkg.Close()

	// The fake's firmwareVersion always reports 2.1.0, below the slot's
	// required minimum of 9.9.9.
	ft := newFakeTarget(4096)
	transport := NewTransport(ft.peripheral(), ControlPointUUID, PacketUUID, fakeTimeout)
	controller := NewController(transport)

	err = controller.Run(pkg)
	require.Error(t, err)
	assert.Equal(t, ErrKindVersionIncompatible, errKind(err))
	assert.Empty(t, ft.createCalls, "per-slot version gate must reject before any object is created")
}

func TestControllerAllowsCompatiblePerSlotHardwareVersion(t *testing.T) {
	m := map[string]interface{}{
		"manifest": map[string]interface{}{
			"application": map[string]interface{}{
				"bin_file": "app.bin",
				"dat_file": "app.dat",
				"info_read_only_metadata": map[string]interface{}{
					"hw_version": "1.0.0",
				},
			},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	path := buildPackage(t, data, map[string][]byte{
		"app.bin": []byte("application firmware"),
		"app.dat": []byte("application init"),
	})

	pkg, err := OpenUpdatePackage(path)
	require.NoError(t, err)
	defer pkg.Close()

	// The fake's hardwareVersion reports 1.0.0, which meets the slot's
	// required minimum exactly.
	ft := newFakeTarget(4096)
	transport := NewTransport(ft.peripheral(), ControlPointUUID, PacketUUID, fakeTimeout)
	controller := NewController(transport)

	require.NoError(t, controller.Run(pkg))
	assert.Contains(t, ft.executeCalls, ObjectTypeData)
}
