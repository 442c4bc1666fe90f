// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// OpStart opens a new component: ["+", id, kind, props].
	OpStart Op = "+"
	// OpDelta patches the open component: ["~", id, patch].
	OpDelta Op = "~"
	// OpClose finalizes the open component: ["-", id].
	OpClose Op = "-"
	// OpComplete carries a self-contained component: ["=", kind, props].
	OpComplete Op = "="
	// OpError is a terminal failure event: ["!", message].
	OpError Op = "!"
	// OpDone is the terminal sentinel: ["*"].
	OpDone Op = "*"
)

// ErrProtocol is the sentinel error wrapped by ProtocolError.
var ErrProtocol = errors.New("stream protocol error")

type (
	// Op tags a stream event variant.
	Op string

	// Event is one discrete message of the wire protocol. Each event is
	// transmitted as a single JSON array, tag first, positional fields
	// after, in production order.
	Event struct {
		Op          Op
		ComponentID string
		Kind        Kind
		Props       Props
		// Message carries the diagnostic for OpError events.
		Message string
	}

	// ProtocolError reports a malformed or out-of-order event. The decoder
	// keeps consuming after reporting it; a stream is never aborted for a
	// single bad event.
	ProtocolError struct {
		Op     Op
		Reason string
	}
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream protocol: op %q: %s", e.Op, e.Reason)
}

// Unwrap returns ErrProtocol so callers can use errors.Is.
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// MarshalJSON renders the event in its positional wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	var fields []any
	switch e.Op {
	case OpStart:
		fields = []any{e.Op, e.ComponentID, e.Kind, e.propsOrEmpty()}
	case OpDelta:
		fields = []any{e.Op, e.ComponentID, e.propsOrEmpty()}
	case OpClose:
		fields = []any{e.Op, e.ComponentID}
	case OpComplete:
		fields = []any{e.Op, e.Kind, e.propsOrEmpty()}
	case OpError:
		fields = []any{e.Op, e.Message}
	case OpDone:
		fields = []any{e.Op}
	default:
		return nil, &ProtocolError{Op: e.Op, Reason: "unknown event op"}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON parses the positional wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return &ProtocolError{Reason: "event is not a JSON array"}
	}
	if len(fields) == 0 {
		return &ProtocolError{Reason: "empty event array"}
	}

	var op Op
	if err := json.Unmarshal(fields[0], &op); err != nil {
		return &ProtocolError{Reason: "event tag is not a string"}
	}

	*e = Event{Op: op}
	switch op {
	case OpStart:
		if len(fields) != 4 {
			return &ProtocolError{Op: op, Reason: "start event needs [op, id, kind, props]"}
		}
		return e.decodeFields(fields[1:], &e.ComponentID, &e.Kind, &e.Props)
	case OpDelta:
		if len(fields) != 3 {
			return &ProtocolError{Op: op, Reason: "delta event needs [op, id, patch]"}
		}
		return e.decodeFields(fields[1:], &e.ComponentID, &e.Props)
	case OpClose:
		if len(fields) != 2 {
			return &ProtocolError{Op: op, Reason: "close event needs [op, id]"}
		}
		return e.decodeFields(fields[1:], &e.ComponentID)
	case OpComplete:
		if len(fields) != 3 {
			return &ProtocolError{Op: op, Reason: "complete event needs [op, kind, props]"}
		}
		return e.decodeFields(fields[1:], &e.Kind, &e.Props)
	case OpError:
		if len(fields) != 2 {
			return &ProtocolError{Op: op, Reason: "error event needs [op, message]"}
		}
		return e.decodeFields(fields[1:], &e.Message)
	case OpDone:
		if len(fields) != 1 {
			return &ProtocolError{Op: op, Reason: "done event carries no fields"}
		}
		return nil
	default:
		return &ProtocolError{Op: op, Reason: "unknown event op"}
	}
}

func (e *Event) decodeFields(raw []json.RawMessage, targets ...any) error {
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return &ProtocolError{Op: e.Op, Reason: fmt.Sprintf("field %d: %v", i+1, err)}
		}
	}
	return nil
}

func (e Event) propsOrEmpty() Props {
	if e.Props == nil {
		return Props{}
	}
	return e.Props
}
