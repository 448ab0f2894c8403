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

// Package kernerr contains the sentinel errors returned by mapping
// operations and helpers to translate arbitrary errors back into kernel
// return codes.
package kernerr

import (
	goerrors "errors"

	"gvisor.dev/pmap/pkg/errors"
)

var (
	// ErrInvalidAddress is returned for addresses outside the space.
	ErrInvalidAddress = errors.New(errors.InvalidAddress, "invalid address")

	// ErrProtectionFailure is returned when access is denied by protection.
	ErrProtectionFailure = errors.New(errors.ProtectionFailure, "protection failure")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New(errors.InvalidArgument, "invalid argument")

	// ErrFailure is returned when a mapping already exists and the caller
	// asked for it not to be replaced.
	ErrFailure = errors.New(errors.Failure, "mapping conflict")

	// ErrResourceShortage is returned when a page table page or mapping
	// record could not be allocated without sleeping. The caller may retry.
	ErrResourceShortage = errors.New(errors.ResourceShortage, "resource shortage")

	// ErrNoSpace is returned when an identifier space is exhausted.
	ErrNoSpace = errors.New(errors.NoSpace, "no space")

	// ErrAlreadyExists is returned by the record layer on duplicate insert.
	ErrAlreadyExists = errors.New(errors.AlreadyExists, "record already exists")

	// ErrNoEntry is returned when an operation on an existing mapping finds
	// none.
	ErrNoEntry = errors.New(errors.InvalidAddress, "no mapping")
)

// ToCode returns the kernel return code for err. A nil error is Success and
// errors that do not wrap an *errors.Error are Failure.
func ToCode(err error) errors.Code {
	if err == nil {
		return errors.Success
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Code()
	}
	return errors.Failure
}

// IsRetryable reports whether the operation that returned err may succeed
// if retried after memory is freed.
func IsRetryable(err error) bool {
	return ToCode(err) == errors.ResourceShortage
}
