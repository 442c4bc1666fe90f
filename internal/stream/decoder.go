// SPDX-License-Identifier: MPL-2.0

package stream

// Decoder mirrors the Encoder: it folds lifecycle events back into an
// ordered list of finalized Component records, holding at most one open
// accumulator at a time.
//
// Malformed sequences are reported as *ProtocolError but never abort
// decoding: an orphan delta implicitly opens an unknown-kind accumulator,
// and an orphan close is dropped.
type Decoder struct {
	cur   *Component
	curID string
	out   []Component
	done  bool
	// failure holds the message of a terminal error event, if one arrived.
	failure string
	failed  bool
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one event. The returned error, always a *ProtocolError when
// non-nil, is diagnostic: the decoder has already recovered and can keep
// consuming events.
func (d *Decoder) Feed(ev Event) error {
	switch ev.Op {
	case OpStart:
		d.finalize()
		d.curID = ev.ComponentID
		d.cur = &Component{Kind: ev.Kind.Normalize(), Props: Props{}}
		d.seed(ev.Props)
		return nil

	case OpDelta:
		if d.cur == nil {
			// Recover: open an accumulator rather than dropping data.
			d.curID = ev.ComponentID
			d.cur = &Component{Kind: KindUnknown, Props: Props{}}
			mergeProps(d.cur.Props, ev.Props, d.cur.Kind)
			return &ProtocolError{Op: OpDelta, Reason: "delta with no open component"}
		}
		mergeProps(d.cur.Props, ev.Props, d.cur.Kind)
		return nil

	case OpClose:
		if d.cur == nil {
			return &ProtocolError{Op: OpClose, Reason: "close with no open component"}
		}
		d.finalize()
		return nil

	case OpComplete:
		// Self-contained: never touches the open accumulator.
		d.out = append(d.out, Component{Kind: ev.Kind.Normalize(), Props: ev.Props.clone()})
		return nil

	case OpError:
		d.finalize()
		d.failed = true
		d.failure = ev.Message
		d.done = true
		return nil

	case OpDone:
		d.finalize()
		d.done = true
		return nil

	default:
		return &ProtocolError{Op: ev.Op, Reason: "unknown event op"}
	}
}

// Components returns the ordered finalized records decoded so far.
func (d *Decoder) Components() []Component {
	return d.out
}

// Done reports whether a terminal sentinel or error event has arrived.
func (d *Decoder) Done() bool { return d.done }

// Failure returns the terminal error message and whether the stream ended
// with an error event. Records streamed before the failure remain valid.
func (d *Decoder) Failure() (string, bool) {
	return d.failure, d.failed
}

// seed applies initial props through the accumulate rule so a Start carrying
// a growth element (e.g., a first table row) lands in its list.
func (d *Decoder) seed(props Props) {
	if listProp, _, ok := d.cur.Kind.growth(); ok {
		d.cur.Props[listProp] = []any{}
	}
	mergeProps(d.cur.Props, props, d.cur.Kind)
}

func (d *Decoder) finalize() {
	if d.cur == nil {
		return
	}
	d.out = append(d.out, *d.cur)
	d.cur = nil
	d.curID = ""
}
