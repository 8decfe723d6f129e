package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codewandler/shardr-go/core/sharding"
)

type messageTyper interface{ MessageType() string }

// Request marshals payload, sends it to addr and decodes the reply into OUT.
// The payload must implement MessageType().
func Request[OUT any](ctx context.Context, t ClientTransport, from, to sharding.RegionID, payload messageTyper) (*OUT, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", payload.MessageType(), err)
	}
	res, err := t.Request(ctx, Envelope{
		To:   to,
		From: from,
		Type: payload.MessageType(),
		Data: data,
	})
	if err != nil {
		return nil, err
	}
	out := new(OUT)
	if len(res) > 0 {
		if err := json.Unmarshal(res, out); err != nil {
			return nil, fmt.Errorf("decode %s reply: %w", payload.MessageType(), err)
		}
	}
	return out, nil
}
