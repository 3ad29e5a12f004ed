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

// Package devicecache is a convenience cache of recently scanned
// peripherals, each tagged with whether it advertises the DFU service. It is never a correctness dependency of the dfu package —
// the control-point SELECT response remains the sole source of truth for
// resume state — it only helps the CLI avoid re-printing duplicate scan
// lines and resolve a bare device name to its most recently seen address.
package devicecache

import (
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nrf-dfu/dfu-client/ble"
)

// Size is the maximum number of distinct addresses remembered.
const Size = 64

// Entry is a cached scan result.
type Entry struct {
	Advertisement ble.Advertisement
	DFUCapable    bool
}

// Cache remembers the most recent Entry seen per BLE address.
type Cache struct {
	lru *lru.Cache
}

// New creates a Cache bounded to Size entries.
func New() *Cache {
	l, err := lru.New(Size)
	if err != nil {
		// lru.New only fails for a non-positive size, which Size never is.
		panic(err)
	}
	return &Cache{lru: l}
}

// Observe records adv, returning the previous Entry for its address (if
// any) and whether this is the first time the address has been seen.
func (c *Cache) Observe(adv ble.Advertisement) (previous Entry, isNew bool) {
	dfuCapable := false
	for _, s := range adv.Services {
		if strings.EqualFold(s, "fe59") {
			dfuCapable = true
			break
		}
	}

	entry := Entry{Advertisement: adv, DFUCapable: dfuCapable}

	if v, ok := c.lru.Get(adv.Addr); ok {
		c.lru.Add(adv.Addr, entry)
		return v.(Entry), false
	}

	c.lru.Add(adv.Addr, entry)
	return Entry{}, true
}

// ResolveName returns the most recently seen address advertising name,
// for callers that accept a device name instead of an address.
func (c *Cache) ResolveName(name string) (address string, ok bool) {
	keys := c.lru.Keys() // oldest to newest
	for i := len(keys) - 1; i >= 0; i-- {
		v, present := c.lru.Peek(keys[i])
		if !present {
			continue
		}
		entry := v.(Entry)
		if strings.EqualFold(entry.Advertisement.Name, name) {
			return entry.Advertisement.Addr, true
		}
	}
	return "", false
}
