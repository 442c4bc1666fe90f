// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"encoding/json"
	"testing"
)

func TestPayloadValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"valid", Payload{Entrypoint: "app:main", Args: json.RawMessage(`{"x":1}`)}, false},
		{"no args", Payload{Entrypoint: "app:main"}, false},
		{"missing entrypoint", Payload{Args: json.RawMessage(`{}`)}, true},
		{"malformed args", Payload{Entrypoint: "app:main", Args: json.RawMessage(`{"x":`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.payload.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPayloadMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	p := Payload{Entrypoint: "reports:generate", Args: json.RawMessage(`{"year":2026}`)}
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Payload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Entrypoint != p.Entrypoint || string(got.Args) != string(p.Args) {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}
