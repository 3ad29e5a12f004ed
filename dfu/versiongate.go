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

// VersionGate is an expansion beyond spec.md: it lets a package declare a
// semver range the target's reported firmware/hardware version must fall
// within, so an incompatible update is rejected before any bytes are
// transferred rather than after the bootloader refuses EXECUTE. Grounded
// on kryptco-kr's use of blang/semver for the same kind of "is the other
// side compatible" check.
package dfu

import (
	"github.com/blang/semver"
)

// VersionGate checks a manifest's VersionRange against a reported version
// string.
type VersionGate struct{}

// Check returns nil if reported satisfies rng, or a *Error of kind
// ErrKindVersionIncompatible otherwise. A nil
// rng, or an empty reported string, is always satisfied — the gate is
// opt-in per spec §3 expansion.
func (VersionGate) Check(rng *VersionRange, reported string) error {
	if rng == nil || reported == "" {
		return nil
	}

	v, err := semver.Parse(reported)
	if err != nil {
		return newErr(ErrKindVersionIncompatible, "target reported an unparseable version: "+reported)
	}

	if rng.Min != "" {
		min, err := semver.Parse(rng.Min)
		if err != nil {
			return newErr(ErrKindVersionIncompatible, "manifest has an unparseable minimum version: "+rng.Min)
		}
		if v.LT(min) {
			return newErr(ErrKindVersionIncompatible, "target version "+reported+" is below the package's minimum "+rng.Min)
		}
	}

	if rng.Max != "" {
		max, err := semver.Parse(rng.Max)
		if err != nil {
			return newErr(ErrKindVersionIncompatible, "manifest has an unparseable maximum version: "+rng.Max)
		}
		if v.GT(max) {
			return newErr(ErrKindVersionIncompatible, "target version "+reported+" is above the package's maximum "+rng.Max)
		}
	}

	return nil
}
