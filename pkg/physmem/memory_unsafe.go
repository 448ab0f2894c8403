// Copyright 2026 The gVisor Authors.
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

package physmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"gvisor.dev/pmap/pkg/hostarch"
)

// Memory is the backing store for physical memory. Physical address p is
// byte p of the host mapping.
type Memory struct {
	data []byte
}

// NewMemory maps size bytes of zeroed host memory.
func NewMemory(size uint64) (*Memory, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("physical memory size %#x is not a positive multiple of the page size", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of physical memory: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Release unmaps the memory. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the number of bytes of backing.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) check(p hostarch.PhysAddr, length uint64) {
	if uint64(p)+length > uint64(len(m.data)) || uint64(p)+length < uint64(p) {
		panic(fmt.Sprintf("physical access [%#x, %#x) beyond memory of %#x bytes", uint64(p), uint64(p)+length, len(m.data)))
	}
}

// Word returns a pointer to the 8-byte aligned word at p. The word is in
// host byte order; callers storing hardware visible values convert them.
func (m *Memory) Word(p hostarch.PhysAddr) *uint64 {
	if p&7 != 0 {
		panic(fmt.Sprintf("unaligned physical word access at %#x", uint64(p)))
	}
	m.check(p, 8)
	return (*uint64)(unsafe.Pointer(&m.data[p]))
}

// Words returns the n consecutive words starting at p.
func (m *Memory) Words(p hostarch.PhysAddr, n int) []uint64 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(m.Word(p), n)
}

// Bytes returns the bytes [p, p+length).
func (m *Memory) Bytes(p hostarch.PhysAddr, length uint64) []byte {
	m.check(p, length)
	return m.data[p : uint64(p)+length]
}

// Zero clears [p, p+length). Host page aligned spans are returned to the
// host, which zero fills them on the next touch.
func (m *Memory) Zero(p hostarch.PhysAddr, length uint64) {
	b := m.Bytes(p, length)
	hostPage := uint64(unix.Getpagesize())
	if uint64(p)%hostPage == 0 && length%hostPage == 0 && length >= hostPage {
		if err := unix.Madvise(b, unix.MADV_DONTNEED); err == nil {
			return
		}
	}
	clear(b)
}

// Copy copies one page from src to dst.
func (m *Memory) Copy(dst, src hostarch.PhysAddr) {
	copy(m.Bytes(dst, hostarch.PageSize), m.Bytes(src, hostarch.PageSize))
}
