// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports field-level problems with an event under
// construction or persistence. Callers can inspect Causes to map
// individual fields to protocol error bodies:
//
//	var validationErr *event.ValidationError
//	if errors.As(err, &validationErr) {
//	    for field, problem := range validationErr.Causes { ... }
//	}
type ValidationError struct {
	// Causes maps a field name (e.g., "room_id", "membership") to a
	// description of what is wrong with it.
	Causes map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Causes) == 0 {
		return "event validation failed"
	}
	fields := make([]string, 0, len(e.Causes))
	for field := range e.Causes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("event validation failed: ")
	for i, field := range fields {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", field, e.Causes[field])
	}
	return b.String()
}

// newValidationError builds a ValidationError from field/problem
// pairs collected during construction.
func newValidationError(causes map[string]string) *ValidationError {
	return &ValidationError{Causes: causes}
}
