// SPDX-License-Identifier: MPL-2.0

// Package dispatch executes payloads against built images and streams their
// output as typed events.
//
// Two transports exist. The interactive channel keeps containers warm: the
// first call for an image starts a container, opens a WebSocket to the
// runner baked into the image, waits for its readiness handshake, and then
// sends payloads over the channel. Warm containers are reused, one in-flight
// call each; a background reaper terminates the idle ones after a grace
// period. The standalone transport starts a fresh container whose image
// already carries the payload; the container executes it directly and the
// dispatcher relays its log output.
//
// Execution failures surface as a terminal error event on the stream, so
// output already delivered stays valid. Teardown caused by caller
// cancellation is benign cleanup, never an execution failure.
package dispatch
