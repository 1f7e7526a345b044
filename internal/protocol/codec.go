package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned by Decode for frames that are not envelopes.
var ErrMalformed = errors.New("malformed envelope")

func errMissing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, field)
}

// Encode serializes an Envelope into a JSON frame.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Type == "" {
		return nil, errMissing("type")
	}
	return json.Marshal(env)
}

// Decode deserializes a JSON frame into an Envelope. The frame must be a JSON
// object with a non-empty type. Unknown types are accepted here; routing
// decides what to do with them.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, errMissing("type")
	}
	return &env, nil
}

// MessageID is a chat message identifier. Servers assign numeric ids while
// locally-sent messages carry a uuid, so both JSON forms are accepted. The
// REST API reuses it for user and conversation ids, which have the same
// duality.
type MessageID string

// UnmarshalJSON accepts a JSON string or number.
func (id *MessageID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}
	if string(b) == "null" {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// MarshalJSON emits numeric-looking ids as numbers and everything else as
// strings, so ids round-trip in the form the server used.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}
