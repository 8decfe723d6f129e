// Package transport defines the point-to-point envelope transport between
// regions and the coordinator. Delivery is at-least-once; receivers must be
// idempotent. An in-memory implementation lives here, a NATS-backed one in
// adapters/nats.
package transport

import (
	"context"
	"errors"

	"github.com/codewandler/shardr-go/core/sharding"
)

// CoordinatorAddress is the well-known address the coordinator listens on.
const CoordinatorAddress sharding.RegionID = "coordinator"

var (
	ErrClosed       = errors.New("transport closed")
	ErrNoSubscriber = errors.New("no subscriber for address")
)

type (
	// Envelope is the wire unit between sharding peers.
	Envelope struct {
		To      sharding.RegionID `json:"to"`
		From    sharding.RegionID `json:"from,omitempty"`
		Type    string            `json:"type"`
		Data    []byte            `json:"data"`
		ReplyTo string            `json:"reply_to,omitempty"`
	}

	// HandlerFunc processes an inbound envelope and returns the reply payload.
	HandlerFunc = func(ctx context.Context, env Envelope) ([]byte, error)

	Subscription interface {
		Unsubscribe() error
	}

	ClientTransport interface {
		// Request sends an envelope and waits for the reply.
		Request(ctx context.Context, env Envelope) ([]byte, error)

		Close() error
	}

	ServerTransport interface {
		// Subscribe delivers envelopes addressed to addr.
		Subscribe(ctx context.Context, addr sharding.RegionID, h HandlerFunc) (Subscription, error)

		Close() error
	}

	// Transport sends envelopes and receives those addressed to you.
	Transport interface {
		ClientTransport
		ServerTransport
	}
)
