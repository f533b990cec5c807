package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyBatch indicates a syntactically valid but empty JSON array body.
var ErrEmptyBatch = errors.New("jsonrpc: empty batch")

// DecodeMessages parses a request body that is either a single JSON-RPC
// message or a batch (JSON array) of them. The returned batch flag tells the
// caller whether the wire form was an array, which matters for framing the
// responses.
func DecodeMessages(body []byte) (msgs []*AnyMessage, batch bool, err error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty request body")
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, true, fmt.Errorf("invalid JSON batch: %w", err)
		}
		if len(raw) == 0 {
			return nil, true, ErrEmptyBatch
		}
		msgs = make([]*AnyMessage, 0, len(raw))
		for i, item := range raw {
			var msg AnyMessage
			if err := json.Unmarshal(item, &msg); err != nil {
				return nil, true, fmt.Errorf("invalid message at index %d: %w", i, err)
			}
			msgs = append(msgs, &msg)
		}
		return msgs, true, nil
	}

	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false, err
	}
	return []*AnyMessage{&msg}, false, nil
}
