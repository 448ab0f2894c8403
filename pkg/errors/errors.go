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

// Package errors holds the standardized error definition for the physical
// map engine.
package errors

import "fmt"

// Code is a kernel return code, as handed back to the virtual memory layer
// by mapping operations.
type Code uint8

// Kernel return codes.
const (
	Success Code = iota
	InvalidAddress
	ProtectionFailure
	NoSpace
	InvalidArgument
	Failure
	ResourceShortage
	NotReceiver
	NoAccess
	OutOfBounds

	// AlreadyExists is reported by the mapping record layer when a record
	// for the same address is present. It never leaves the engine.
	AlreadyExists
)

var codeNames = [...]string{
	Success:           "KERN_SUCCESS",
	InvalidAddress:    "KERN_INVALID_ADDRESS",
	ProtectionFailure: "KERN_PROTECTION_FAILURE",
	NoSpace:           "KERN_NO_SPACE",
	InvalidArgument:   "KERN_INVALID_ARGUMENT",
	Failure:           "KERN_FAILURE",
	ResourceShortage:  "KERN_RESOURCE_SHORTAGE",
	NotReceiver:       "KERN_NOT_RECEIVER",
	NoAccess:          "KERN_NO_ACCESS",
	OutOfBounds:       "KERN_OUT_OF_BOUNDS",
	AlreadyExists:     "EEXIST",
}

// String implements fmt.Stringer.String.
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", c)
}

// Error represents a kernel return code with a message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the kernel return code.
func (e *Error) Code() Code { return e.code }
