// SPDX-License-Identifier: MPL-2.0

// Package buildspec defines the immutable build specification for a kiln
// computation and the deterministic fingerprinting used as the image cache
// key.
//
// A BuildSpec declares everything that shapes the execution environment:
// language version, system and language packages, build-time shell commands,
// and files bundled into the image. Fingerprinting canonicalizes the spec
// (lists sorted, file contents hashed by value) so that an identical spec
// always yields an identical Fingerprint, on any machine, while any semantic
// change yields a different one.
package buildspec
