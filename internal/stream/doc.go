// SPDX-License-Identifier: MPL-2.0

// Package stream implements the component streaming codec.
//
// A computation yields an ordered sequence of Items: plain text fragments and
// typed component values, some marked atomic. The Encoder turns that sequence
// into a wire protocol of component lifecycle events (Start/Delta/Close/
// Complete) with at most one component open at a time, closed by a terminal
// sentinel. The Decoder mirrors it, accumulating deltas into finalized
// Component records: text-shaped kinds concatenate their content, table rows
// append to a growing list, and every other property is last-write-wins.
//
// Decoding the encoding of any item sequence yields the same ordered record
// list as run-length-grouping consecutive same-kind non-atomic items, with
// atomic items kept as singleton records in their original position.
package stream
