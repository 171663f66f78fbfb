// SPDX-License-Identifier: MIT

// Package room normalizes and generates meeting room names. Two inputs
// with the same normalization refer to the same session.
package room

import (
	"errors"
	"strings"
)

// ErrInvalidName indicates the input is empty after normalization
// (e.g. punctuation-only or whitespace-only input).
var ErrInvalidName = errors.New("room name empty after normalization")

const maxNameLength = 64

// Normalize converts a user-supplied room name to its canonical form:
// lowercase, ASCII alphanumerics and '-' only, leading/trailing dashes
// stripped. Normalization is idempotent.
func Normalize(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-':
			b.WriteRune(r)
		}
	}

	name := strings.Trim(b.String(), "-")
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "-")
	}
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}
