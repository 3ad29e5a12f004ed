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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionGateNilRangeAlwaysPasses(t *testing.T) {
	var gate VersionGate
	require.NoError(t, gate.Check(nil, "1.0.0"))
}

func TestVersionGateEmptyReportedAlwaysPasses(t *testing.T) {
	var gate VersionGate
	require.NoError(t, gate.Check(&VersionRange{Min: "1.0.0"}, ""))
}

func TestVersionGateWithinRange(t *testing.T) {
	var gate VersionGate
	require.NoError(t, gate.Check(&VersionRange{Min: "1.0.0", Max: "2.0.0"}, "1.5.0"))
}

func TestVersionGateBelowMinimum(t *testing.T) {
	var gate VersionGate
	err := gate.Check(&VersionRange{Min: "1.0.0"}, "0.9.0")
	require.Error(t, err)
	assert.Equal(t, ErrKindVersionIncompatible, errKind(err))
}

func TestVersionGateAboveMaximum(t *testing.T) {
	var gate VersionGate
	err := gate.Check(&VersionRange{Max: "2.0.0"}, "2.0.1")
	require.Error(t, err)
	assert.Equal(t, ErrKindVersionIncompatible, errKind(err))
}

func TestVersionGateUnparseableReported(t *testing.T) {
	var gate VersionGate
	err := gate.Check(&VersionRange{Min: "1.0.0"}, "not-a-version")
	require.Error(t, err)
	assert.Equal(t, ErrKindVersionIncompatible, errKind(err))
}

func TestVersionGateOnlyMinSet(t *testing.T) {
	var gate VersionGate
	require.NoError(t, gate.Check(&VersionRange{Min: "1.0.0"}, "99.0.0"))
}
