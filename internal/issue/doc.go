// SPDX-License-Identifier: MPL-2.0

// Package issue provides user-facing error reporting: structured errors
// carrying the failed operation, the resource involved, and fix suggestions,
// plus rendered guidance pages for the common failure modes.
package issue
