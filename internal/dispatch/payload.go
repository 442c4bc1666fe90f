// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"encoding/json"
	"fmt"
)

// Payload is a portable unit of execution: a named entry point plus explicit
// serialized arguments. Nothing implicit travels with it; anything the
// computation needs must be named here or baked into the image.
type Payload struct {
	// Entrypoint names the function inside the image to invoke, in
	// "module:function" form.
	Entrypoint string `json:"entrypoint"`
	// Args is the serialized argument set passed to the entry point.
	Args json.RawMessage `json:"args,omitempty"`
}

// Validate checks that the payload can be dispatched.
func (p Payload) Validate() error {
	if p.Entrypoint == "" {
		return fmt.Errorf("payload: entrypoint is required")
	}
	if len(p.Args) > 0 && !json.Valid(p.Args) {
		return fmt.Errorf("payload: args is not valid JSON")
	}
	return nil
}

// Marshal renders the payload in the form baked into standalone images and
// sent over the interactive channel.
func (p Payload) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}
