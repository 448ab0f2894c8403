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

package kernerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"gvisor.dev/pmap/pkg/errors"
)

func TestToCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want errors.Code
	}{
		{"nil", nil, errors.Success},
		{"shortage", ErrResourceShortage, errors.ResourceShortage},
		{"wrapped", fmt.Errorf("enter 0x1000: %w", ErrFailure), errors.Failure},
		{"foreign", goerrors.New("boom"), errors.Failure},
		{"exists", ErrAlreadyExists, errors.AlreadyExists},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := ToCode(tc.err); got != tc.want {
				t.Errorf("ToCode(%v) got %v, wanted %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("pv chunk: %w", ErrResourceShortage)) {
		t.Errorf("wrapped shortage is not retryable")
	}
	if IsRetryable(ErrFailure) {
		t.Errorf("conflict reported as retryable")
	}
	if !goerrors.Is(fmt.Errorf("x: %w", ErrFailure), ErrFailure) {
		t.Errorf("errors.Is does not see through wrapping")
	}
	if got, want := errors.Failure.String(), "KERN_FAILURE"; got != want {
		t.Errorf("String() got %q, wanted %q", got, want)
	}
}
