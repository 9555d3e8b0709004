// Copyright 2022 The telemetrybus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnectivity broker unreachable, or connection handle invalid. Recoverable
	// by reconnecting.
	ErrConnectivity = errors.New("bus connectivity fault")
	// ErrSerialization malformed payload
	ErrSerialization = errors.New("serialization fault")
	// ErrConfiguration missing or invalid settings
	ErrConfiguration = errors.New("configuration fault")
	// ErrMalformedEntry stream entry does not carry the expected fields
	ErrMalformedEntry = errors.New("malformed stream entry")
	// ErrClosed component was already closed
	ErrClosed = errors.New("component closed")
	// ErrOverflow work dropped because a buffer was full
	ErrOverflow = errors.New("buffer overflow")
)

// Fault wrap a fault category with additional context
func Fault(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// WrapFault attach a fault category to a causing error
func WrapFault(kind error, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return Fault(kind, format, args...)
	}
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}

// IsCancellation whether the error is the result of context cancellation
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
