// Copyright 2019 The gVisor Authors.
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

package sync

import (
	"sync"
)

// Mutex is a mutual exclusion lock. The zero value for a Mutex is an unlocked
// mutex.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	m sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *Mutex) Lock() {
	m.m.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *Mutex) Unlock() {
	m.m.Unlock()
}

// TryLock tries to acquire the mutex. It returns true if it succeeds and false
// otherwise. TryLock does not block.
// +checklocksignore
func (m *Mutex) TryLock() bool {
	return m.m.TryLock()
}

// RWMutex is a reader/writer mutual exclusion lock. The zero value for an
// RWMutex is an unlocked mutex.
//
// A RWMutex must not be copied after first use.
type RWMutex struct {
	m sync.RWMutex
}

// RLock locks rw for reading.
// +checklocksignore
func (rw *RWMutex) RLock() {
	rw.m.RLock()
}

// RUnlock undoes a single RLock call.
// +checklocksignore
func (rw *RWMutex) RUnlock() {
	rw.m.RUnlock()
}

// Lock locks rw for writing.
// +checklocksignore
func (rw *RWMutex) Lock() {
	rw.m.Lock()
}

// Unlock unlocks rw for writing.
// +checklocksignore
func (rw *RWMutex) Unlock() {
	rw.m.Unlock()
}

// TryLock locks rw for writing if it is free, without blocking.
// +checklocksignore
func (rw *RWMutex) TryLock() bool {
	return rw.m.TryLock()
}
