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
	"archive/zip"
	"encoding/json"
	"io/ioutil"

	"github.com/pkg/errors"
)

// SlotName identifies one of the four fixed manifest slots.
type SlotName string

const (
	SlotSoftdevice            SlotName = "softdevice"
	SlotBootloader            SlotName = "bootloader"
	SlotSoftdeviceBootloader  SlotName = "softdevice_bootloader"
	SlotApplication           SlotName = "application"
)

// slotOrder is the fixed application order of spec §3: "Updates are
// applied in that fixed order; application last."
var slotOrder = []SlotName{
	SlotSoftdevice,
	SlotBootloader,
	SlotSoftdeviceBootloader,
	SlotApplication,
}

// manifestEntry mirrors one slot of manifest.json.
type manifestEntry struct {
	BinFile  string `json:"bin_file"`
	DatFile  string `json:"dat_file"`
	InfoMeta *struct {
		BlSize     uint32 `json:"bl_size"`
		SdSize     uint32 `json:"sd_size"`
		FWVersion  string `json:"fw_version"`
		HWVersion  string `json:"hw_version"`
	} `json:"info_read_only_metadata,omitempty"`
}

type manifestFile struct {
	Manifest struct {
		Softdevice           *manifestEntry `json:"softdevice"`
		Bootloader           *manifestEntry `json:"bootloader"`
		SoftdeviceBootloader *manifestEntry `json:"softdevice_bootloader"`
		Application          *manifestEntry `json:"application"`
	} `json:"manifest"`
	// DFUVersionRange is an expansion beyond the Nordic manifest format:
	// an optional "min,max" semver range the bootloader must satisfy
	// before accepting this package. Absent in ordinary packages.
	DFUVersionRange *struct {
		Min string `json:"min"`
		Max string `json:"max"`
	} `json:"dfu_version_range,omitempty"`
}

// Update is a single slot's init packet + firmware payload pair. Both
// fields are plain bytes, never a closure — see DESIGN.md's resolution of
// the "updates[i].initPacket looks like a function" open question.
type Update struct {
	Slot       SlotName
	InitPacket []byte
	Firmware   []byte
	FWVersion  string
	HWVersion  string
}

// VersionRange is the optional manifest-level semver gate (§3/§4.8
// expansion).
type VersionRange struct {
	Min string
	Max string
}

// UpdatePackage reads a Nordic-style DFU ZIP container: manifest.json at
// the root plus the binary payloads it names.
type UpdatePackage struct {
	zr           *zip.ReadCloser
	files        map[string]*zip.File
	manifest     manifestFile
	VersionRange *VersionRange
}

// OpenUpdatePackage opens and validates filename, per spec §4.5: missing
// manifest.json, invalid JSON, or a manifest entry naming files absent
// from the archive all fail with PACKAGE_INVALID.
func OpenUpdatePackage(filename string) (*UpdatePackage, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, &Error{Kind: ErrKindPackageInvalid, Msg: errors.Wrap(err, "failed to open update package").Error()}
	}

	pkg := &UpdatePackage{zr: zr, files: map[string]*zip.File{}}
	for _, f := range zr.File {
		pkg.files[f.Name] = f
	}

	manifestFileEntry, ok := pkg.files["manifest.json"]
	if !ok {
		zr.Close()
		return nil, newErr(ErrKindPackageInvalid, "update package is missing manifest.json")
	}

	rc, err := manifestFileEntry.Open()
	if err != nil {
		zr.Close()
		return nil, &Error{Kind: ErrKindPackageInvalid, Msg: errors.Wrap(err, "failed to open manifest.json").Error()}
	}
	data, err := ioutil.ReadAll(rc)
	rc.Close()
	if err != nil {
		zr.Close()
		return nil, &Error{Kind: ErrKindPackageInvalid, Msg: errors.Wrap(err, "failed to read manifest.json").Error()}
	}

	if err := json.Unmarshal(data, &pkg.manifest); err != nil {
		zr.Close()
		return nil, &Error{Kind: ErrKindPackageInvalid, Msg: errors.Wrap(err, "invalid manifest.json").Error()}
	}

	if pkg.manifest.DFUVersionRange != nil {
		pkg.VersionRange = &VersionRange{
			Min: pkg.manifest.DFUVersionRange.Min,
			Max: pkg.manifest.DFUVersionRange.Max,
		}
	}

	if err := pkg.validateEntries(); err != nil {
		zr.Close()
		return nil, err
	}

	return pkg, nil
}

func (p *UpdatePackage) entries() map[SlotName]*manifestEntry {
	return map[SlotName]*manifestEntry{
		SlotSoftdevice:           p.manifest.Manifest.Softdevice,
		SlotBootloader:           p.manifest.Manifest.Bootloader,
		SlotSoftdeviceBootloader: p.manifest.Manifest.SoftdeviceBootloader,
		SlotApplication:          p.manifest.Manifest.Application,
	}
}

func (p *UpdatePackage) validateEntries() error {
	for slot, entry := range p.entries() {
		if entry == nil {
			continue
		}
		if _, ok := p.files[entry.DatFile]; !ok {
			return newErr(ErrKindPackageInvalid, "manifest references missing dat_file for "+string(slot))
		}
		if _, ok := p.files[entry.BinFile]; !ok {
			return newErr(ErrKindPackageInvalid, "manifest references missing bin_file for "+string(slot))
		}
	}
	return nil
}

// Updates returns the present slots' updates in the canonical application
// order (softdevice, bootloader, softdevice_bootloader, application),
// skipping absent slots. Unknown manifest keys are ignored (spec §4.5).
func (p *UpdatePackage) Updates() ([]Update, error) {
	entries := p.entries()
	var updates []Update
	for _, slot := range slotOrder {
		entry := entries[slot]
		if entry == nil {
			continue
		}

		initPacket, err := p.readFile(entry.DatFile)
		if err != nil {
			return nil, err
		}
		firmware, err := p.readFile(entry.BinFile)
		if err != nil {
			return nil, err
		}

		u := Update{Slot: slot, InitPacket: initPacket, Firmware: firmware}
		if entry.InfoMeta != nil {
			u.FWVersion = entry.InfoMeta.FWVersion
			u.HWVersion = entry.InfoMeta.HWVersion
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (p *UpdatePackage) readFile(name string) ([]byte, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, newErr(ErrKindPackageInvalid, "update package is missing referenced file "+name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &Error{Kind: ErrKindPackageInvalid, Msg: errors.Wrap(err, "failed to open "+name).Error()}
	}
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, &Error{Kind: ErrKindPackageInvalid, Msg: errors.Wrap(err, "failed to read "+name).Error()}
	}
	return data, nil
}

// Close releases the underlying ZIP reader.
func (p *UpdatePackage) Close() error {
	return p.zr.Close()
}
