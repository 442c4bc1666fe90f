// SPDX-License-Identifier: MPL-2.0

// Package image turns a build specification into a cached, content-addressed
// container image.
//
// The Manager is the cache authority: Ensure computes the spec's fingerprint,
// returns the cached image when both its record and the engine-local image
// still exist, and otherwise renders a build plan and invokes the engine —
// with concurrent builds of the same fingerprint coalesced through a
// single-flight group so exactly one engine build runs per key. Records are
// committed only after a successful build; a failed build leaves the cache
// untouched and surfaces a BuildError carrying the engine's log tail.
//
// Two plan shapes exist: dev plans bake the channel runner and receive the
// execution payload over the channel at call time, deploy plans additionally
// bake the payload into the image so the container needs no external channel
// to run. Deploy images are pinned and survive Prune; everything else is
// subject to the retention sweep, which never touches images backing running
// containers or builds in flight.
package image
