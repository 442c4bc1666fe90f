// SPDX-License-Identifier: MPL-2.0

package stream

import (
	"slices"

	"golang.org/x/exp/maps"
)

const (
	// KindText is a plain text fragment; bare strings are normalized to it.
	KindText Kind = "text"
	// KindThinking is a streaming thinking bubble.
	KindThinking Kind = "thinking"
	// KindStatus is a streaming status indicator.
	KindStatus Kind = "status"
	// KindCode is a streaming code block.
	KindCode Kind = "code"
	// KindTable streams headers first, then one row per delta.
	KindTable Kind = "table"
	// KindCallout is an alert box, emitted atomically.
	KindCallout Kind = "callout"
	// KindImage is an image reference, emitted atomically.
	KindImage Kind = "image"
	// KindUnknown carries the raw property bag of an unrecognized kind so
	// new kinds degrade gracefully instead of failing dispatch.
	KindUnknown Kind = "unknown"
)

type (
	// Kind tags a component type.
	Kind string

	// Props is a component property bag.
	Props map[string]any

	// Item is one yielded output value: a property bag tagged with a kind.
	// Atomic items are self-contained and bypass the open-component state.
	Item struct {
		Kind   Kind  `json:"kind"`
		Props  Props `json:"props,omitempty"`
		Atomic bool  `json:"atomic,omitempty"`
	}

	// Component is a finalized, fully-accumulated output record.
	Component struct {
		Kind  Kind  `json:"kind"`
		Props Props `json:"props,omitempty"`
	}
)

// Known reports whether k is one of the closed set of component kinds.
func (k Kind) Known() bool {
	switch k {
	case KindText, KindThinking, KindStatus, KindCode, KindTable, KindCallout, KindImage:
		return true
	default:
		return false
	}
}

// Normalize maps unrecognized kinds to KindUnknown.
func (k Kind) Normalize() Kind {
	if k.Known() {
		return k
	}
	return KindUnknown
}

// Textual reports whether the kind accumulates its "content" property by
// concatenation.
func (k Kind) Textual() bool {
	switch k {
	case KindText, KindThinking, KindStatus, KindCode:
		return true
	default:
		return false
	}
}

// growth returns the kind's list-growth mapping: deltas carrying the elem
// property append one element to the list property of the accumulator.
func (k Kind) growth() (listProp, elemProp string, ok bool) {
	if k == KindTable {
		return "rows", "row", true
	}
	return "", "", false
}

// mergeProps folds a delta patch into dst according to the kind's accumulate
// rule: textual content appends, the growth element pushes onto its list,
// and everything else overwrites. Repeated scalar properties are deliberately
// last-write-wins.
func mergeProps(dst Props, patch Props, kind Kind) {
	listProp, elemProp, hasGrowth := kind.growth()
	keys := maps.Keys(patch)
	slices.Sort(keys)
	for _, key := range keys {
		value := patch[key]
		switch {
		case kind.Textual() && key == "content":
			prev, _ := dst["content"].(string)
			next, _ := value.(string)
			dst["content"] = prev + next
		case hasGrowth && key == elemProp:
			list, _ := dst[listProp].([]any)
			dst[listProp] = append(list, value)
		default:
			dst[key] = value
		}
	}
}

// clone returns a shallow copy so accumulators never alias caller-owned maps.
func (p Props) clone() Props {
	out := make(Props, len(p))
	maps.Copy(out, p)
	return out
}

// --- Item constructors, mirroring the component vocabulary ---

// Text wraps a plain string fragment.
func Text(content string) Item {
	return Item{Kind: KindText, Props: Props{"content": content}}
}

// Thinking streams a thinking-bubble fragment.
func Thinking(content string) Item {
	return Item{Kind: KindThinking, Props: Props{"content": content}}
}

// Status streams a status-indicator fragment.
func Status(content string) Item {
	return Item{Kind: KindStatus, Props: Props{"content": content}}
}

// Code streams a code-block fragment.
func Code(content, language string) Item {
	props := Props{"content": content}
	if language != "" {
		props["language"] = language
	}
	return Item{Kind: KindCode, Props: props}
}

// TableHeaders opens a table with its column headers.
func TableHeaders(headers ...any) Item {
	return Item{Kind: KindTable, Props: Props{"headers": headers}}
}

// TableRow streams one table row.
func TableRow(cells ...any) Item {
	return Item{Kind: KindTable, Props: Props{"row": cells}}
}

// Callout emits a complete alert box.
func Callout(content, style, title string) Item {
	props := Props{"content": content, "style": style}
	if title != "" {
		props["title"] = title
	}
	return Item{Kind: KindCallout, Props: props, Atomic: true}
}

// ImageRef emits a complete image reference.
func ImageRef(src, alt, caption string) Item {
	props := Props{"src": src}
	if alt != "" {
		props["alt"] = alt
	}
	if caption != "" {
		props["caption"] = caption
	}
	return Item{Kind: KindImage, Props: props, Atomic: true}
}
