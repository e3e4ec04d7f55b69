// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

const redactedString = "<redacted>"

// RedactString replaces non-empty secrets with a fixed placeholder for JSON output.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedString
}

// IsRedactedString reports whether a submitted value is the placeholder and
// therefore must not overwrite the stored secret.
func IsRedactedString(s string) bool {
	return s == redactedString
}
