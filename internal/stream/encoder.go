// SPDX-License-Identifier: MPL-2.0

package stream

import "github.com/google/uuid"

// Encoder turns an ordered item sequence into lifecycle events. Its only
// state is the currently open (kind, componentId) pair, or none: consecutive
// non-atomic items of the same kind become deltas on one component, a kind
// switch closes the previous component and starts a new one, and atomic items
// pass through as self-contained Complete events.
type Encoder struct {
	openID   string
	openKind Kind
	newID    func() string
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithIDGenerator overrides componentId generation, used by tests for
// deterministic ids.
func WithIDGenerator(f func() string) EncoderOption {
	return func(e *Encoder) { e.newID = f }
}

// NewEncoder creates an Encoder.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{newID: uuid.NewString}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encode consumes one item and returns the events it produces, in order.
// Items with an empty property bag produce nothing.
//
// Unrecognized kinds travel the wire verbatim so consumers see the raw name;
// the decoder normalizes on its side. They also never coalesce with each
// other: the open-component comparison uses the raw kind.
func (e *Encoder) Encode(item Item) []Event {
	if len(item.Props) == 0 {
		return nil
	}
	kind := item.Kind
	if kind == "" {
		kind = KindUnknown
	}

	if item.Atomic {
		events := e.closeOpen()
		return append(events, Event{Op: OpComplete, Kind: kind, Props: item.Props.clone()})
	}

	if e.openID != "" && kind == e.openKind {
		return []Event{{Op: OpDelta, ComponentID: e.openID, Props: item.Props.clone()}}
	}

	events := e.closeOpen()
	e.openID = e.newID()
	e.openKind = kind
	return append(events, Event{
		Op:          OpStart,
		ComponentID: e.openID,
		Kind:        kind,
		Props:       item.Props.clone(),
	})
}

// Flush ends the sequence: it closes the open component, if any, and emits
// the terminal sentinel. The encoder is reusable afterwards.
func (e *Encoder) Flush() []Event {
	return append(e.closeOpen(), Event{Op: OpDone})
}

// Fail ends the sequence with a terminal error event, closing the open
// component first so everything streamed so far remains valid.
func (e *Encoder) Fail(message string) []Event {
	return append(e.closeOpen(), Event{Op: OpError, Message: message})
}

func (e *Encoder) closeOpen() []Event {
	if e.openID == "" {
		return nil
	}
	ev := Event{Op: OpClose, ComponentID: e.openID}
	e.openID = ""
	e.openKind = ""
	return []Event{ev}
}
