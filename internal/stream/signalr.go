package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SignalR JSON protocol framing: every record ends with a 0x1e separator.
// One websocket message can carry several records.
const recordSeparator = 0x1e

// Message types from the SignalR hub protocol. We only speak the subset the
// gateway uses: invocations, pings and close.
const (
	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7
)

type hubMessage struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect *bool             `json:"allowReconnect,omitempty"`
}

var handshakeRequest = append([]byte(`{"protocol":"json","version":1}`), recordSeparator)

var pingFrame = append([]byte(`{"type":6}`), recordSeparator)

// encodeInvocation builds a non-blocking (fire and forget) invocation frame.
func encodeInvocation(target string, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	b, err := json.Marshal(hubMessage{Type: msgInvocation, Target: target, Arguments: raw})
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

// splitRecords separates a websocket payload into individual JSON records,
// dropping the trailing empty slice after the final separator.
func splitRecords(payload []byte) [][]byte {
	parts := bytes.Split(payload, []byte{recordSeparator})
	records := parts[:0]
	for _, p := range parts {
		if len(p) > 0 {
			records = append(records, p)
		}
	}
	return records
}

// checkHandshakeResponse validates the server's reply to our handshake. An
// empty JSON object means success; anything with an "error" key is fatal.
func checkHandshakeResponse(record []byte) error {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(record, &resp); err != nil {
		return fmt.Errorf("malformed handshake response %q: %w", record, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}
