// Copyright (C) 2025 Chartwell Analytics, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package querycache

import (
	"context"
	"errors"
	"fmt"
)

// ErrCacheUnavailable indicates the external cache store could not be
// reached. The orchestrator treats it as a universal cache miss and falls
// through to the backing store; it is never surfaced to callers.
var ErrCacheUnavailable = errors.New("cache store unavailable")

// ErrEntryTooLarge is returned by a Store when an entry exceeds the
// configured maximum encoded size. The entry is rejected, never truncated.
var ErrEntryTooLarge = errors.New("cache entry exceeds maximum size")

// ValidationError reports malformed caller input. It is raised before any
// I/O and maps to a 4xx response at the API layer.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Error kinds reported for failed dimension-expansion sub-fetches.
const (
	ErrorKindValidation   = "validation"
	ErrorKindBackingStore = "backing_store"
	ErrorKindCancelled    = "cancelled"
)

// errorKind classifies a sub-fetch failure for fan-out reporting.
func errorKind(err error) string {
	switch {
	case IsValidation(err):
		return ErrorKindValidation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCancelled
	default:
		return ErrorKindBackingStore
	}
}
