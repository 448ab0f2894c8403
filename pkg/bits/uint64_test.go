// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bits

import (
	"testing"
)

func TestTrailingZeros64(t *testing.T) {
	for i := 0; i <= 64; i++ {
		n := uint64(1) << uint(i)
		if got, want := TrailingZeros64(n), i; got != want {
			t.Errorf("TrailingZeros64(%#x): got %d, wanted %d", n, got, want)
		}
	}
}

func TestIsPowerOfTwo64(t *testing.T) {
	for _, tc := range []struct {
		v    uint64
		want bool
	}{
		{0, false},
		{1, true},
		{3, false},
		{0x1000, true},
		{0x1000 + 1, false},
		{1 << 63, true},
	} {
		if got := IsPowerOfTwo64(tc.v); got != tc.want {
			t.Errorf("IsPowerOfTwo64(%#x): got %v, wanted %v", tc.v, got, tc.want)
		}
	}
}

func TestLog2Ceil64(t *testing.T) {
	for _, tc := range []struct {
		v    uint64
		want int
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 2},
		{8192, 13},
		{8193, 14},
	} {
		if got := Log2Ceil64(tc.v); got != tc.want {
			t.Errorf("Log2Ceil64(%d): got %d, wanted %d", tc.v, got, tc.want)
		}
	}
}

func TestAlign64(t *testing.T) {
	if got, want := AlignUp64(0x1001, 0x1000), uint64(0x2000); got != want {
		t.Errorf("AlignUp64: got %#x, wanted %#x", got, want)
	}
	if got, want := AlignDown64(0x3fffff, 0x200000), uint64(0x200000); got != want {
		t.Errorf("AlignDown64: got %#x, wanted %#x", got, want)
	}
	if !IsOn64(0x7, 0x5) || IsOn64(0x5, 0x7) || !IsAnyOn64(0x5, 0x6) {
		t.Errorf("IsOn64/IsAnyOn64 mismatch")
	}
	if got, want := Mask64(0, 3, 63), uint64(0x8000000000000009); got != want {
		t.Errorf("Mask64: got %#x, wanted %#x", got, want)
	}
}
