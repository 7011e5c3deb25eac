package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/projecteru2/vmcpd/types"
)

// Frame types on the wire.
const (
	frameAction = "action"
	frameResult = "result"
	frameEvent  = "event"
	frameError  = "error"
)

// request is an incoming action frame.
type request struct {
	Type string        `json:"type"`
	Name string        `json:"name"`
	ID   string        `json:"id"`
	Data types.Payload `json:"data"`
}

// response covers the three outgoing frame shapes.
type response struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// UnmarshalJSON accepts numeric request IDs, which some clients send.
func (r *request) UnmarshalJSON(b []byte) error {
	type plain request
	var raw struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = request(raw.plain)
	if len(raw.ID) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.ID, &s); err == nil {
		r.ID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.ID, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	r.ID = n.String()
	return nil
}
