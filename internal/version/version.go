// SPDX-License-Identifier: MIT

// Package version carries the build identity stamped via ldflags.
package version

var (
	// Version is the current application version.
	// Populated by the build system (ldflags); the fallback tracks the
	// latest tagged release.
	Version = "v0.4.1"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
