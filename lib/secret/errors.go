/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secret

import (
	"fmt"

	"github.com/gravitational/trace"
)

// IsIntegrityError returns true if the error indicates a sealed blob
// failed authentication, i.e. was tampered with or sealed under a
// different key.
func IsIntegrityError(err error) bool {
	_, ok := trace.Unwrap(err).(*integrityError)
	return ok
}

// integrityError indicates the authenticated open of a sealed blob
// failed. It deliberately carries no blob contents.
type integrityError struct {
	detail string
}

func newIntegrityError(format string, args ...interface{}) error {
	return &integrityError{detail: fmt.Sprintf(format, args...)}
}

func (e *integrityError) Error() string {
	return fmt.Sprintf("credential integrity check failed: %v", e.detail)
}
