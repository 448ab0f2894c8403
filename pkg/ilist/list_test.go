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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testEntry struct {
	Entry[*testEntry]
	value int
}

func values(l *List[*testEntry]) []int {
	var got []int
	for e := l.Front(); e != nil; e = e.Next() {
		got = append(got, e.value)
	}
	return got
}

func TestPushRemove(t *testing.T) {
	var l List[*testEntry]
	if !l.Empty() {
		t.Fatalf("new list is not empty")
	}
	es := make([]*testEntry, 5)
	for i := range es {
		es[i] = &testEntry{value: i}
	}
	l.PushBack(es[1])
	l.PushBack(es[2])
	l.PushFront(es[0])
	l.PushBack(es[3])
	l.PushBack(es[4])
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	l.Remove(es[0])
	l.Remove(es[2])
	l.Remove(es[4])
	if diff := cmp.Diff([]int{1, 3}, values(&l)); diff != "" {
		t.Errorf("list mismatch after Remove (-want +got):\n%s", diff)
	}
	if l.Len() != 2 || l.Front() != es[1] || l.Back() != es[3] {
		t.Errorf("Len/Front/Back = %d/%v/%v", l.Len(), l.Front(), l.Back())
	}

	l.Reset()
	if !l.Empty() || l.Len() != 0 {
		t.Errorf("list not empty after Reset")
	}
}
