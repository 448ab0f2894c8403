// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(200)
	for _, i := range []uint32{0, 5, 64, 190} {
		b.Add(i)
	}
	b.Add(5)
	if got, want := b.GetNumOnes(), uint32(4); got != want {
		t.Errorf("GetNumOnes() got %d, wanted %d", got, want)
	}
	b.Remove(5)
	b.Remove(6)
	if b.Contains(5) || !b.Contains(64) {
		t.Errorf("Contains() mismatch after Remove")
	}
	var got []uint32
	b.ForEach(0, 200, func(i uint32) bool {
		got = append(got, i)
		return true
	})
	if diff := cmp.Diff([]uint32{0, 64, 190}, got); diff != "" {
		t.Errorf("ForEach() mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstZero(t *testing.T) {
	b := New(130)
	for i := uint32(0); i < 128; i++ {
		b.Add(i)
	}
	if bit, err := b.FirstZero(3); err != nil || bit != 128 {
		t.Errorf("FirstZero(3) got (%d, %v), wanted 128", bit, err)
	}
	b.Add(128)
	b.Add(129)
	if _, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on a full bitmap succeeded")
	}
}

func TestAllocateWraps(t *testing.T) {
	b := New(8)
	var got []uint32
	for i := 0; i < 7; i++ {
		bit, err := b.Allocate(1, 6)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		got = append(got, bit)
	}
	if diff := cmp.Diff([]uint32{6, 7, 1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("Allocate order mismatch (-want +got):\n%s", diff)
	}
	if _, err := b.Allocate(1, 1); err == nil {
		t.Errorf("Allocate on an exhausted range succeeded")
	}
	if b.Contains(0) {
		t.Errorf("Allocate handed out a bit below low")
	}
}
