// Package transport defines the contract of the backing realtime event
// source. The library only depends on this interface; a concrete websocket
// implementation lives in the ws subpackage.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// SubscriptionStatus is delivered to a subscription's status callback.
type SubscriptionStatus string

const (
	// Subscribed means the server acknowledged the subscription.
	Subscribed SubscriptionStatus = "subscribed"
	// ChannelError means the subscription failed or was lost.
	ChannelError SubscriptionStatus = "channel_error"
	// TimedOut means the server stopped responding on this subscription.
	TimedOut SubscriptionStatus = "timed_out"
	// Closed means the subscription was torn down locally.
	Closed SubscriptionStatus = "closed"
)

// EventKind tags a delivered payload.
type EventKind string

const (
	// EventInsert carries one new chat message row.
	EventInsert EventKind = "insert"
	// EventSync carries a full presence roster snapshot.
	EventSync EventKind = "sync"
	// EventJoin carries one presence roster entry that came online.
	EventJoin EventKind = "join"
	// EventLeave carries the identifier of a roster entry that went offline.
	EventLeave EventKind = "leave"
	// EventTrack is published by the client to assert its own liveness.
	EventTrack EventKind = "track"
)

// Event is one payload on a topic.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an event of the given kind.
func NewEvent(kind EventKind, topic string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Topic: topic, Payload: raw}, nil
}

// SubscribeOptions carries the callbacks for one subscription. Both
// callbacks are invoked from the transport's delivery goroutine; handlers
// must not block.
type SubscribeOptions struct {
	// OnStatus receives subscription lifecycle changes. The error is
	// non-nil for ChannelError and TimedOut.
	OnStatus func(SubscriptionStatus, error)
	// OnEvent receives payloads in the order the transport delivers them.
	OnEvent func(Event)
}

// Client is the realtime transport consumed by the channels. Implementations
// must support concurrent use.
type Client interface {
	// Subscribe opens a subscription to topic and returns an unsubscribe
	// function. Acknowledgment arrives asynchronously via OnStatus.
	Subscribe(topic string, opts SubscribeOptions) (func(), error)
	// Publish delivers evt to topic without waiting for a server reply.
	Publish(ctx context.Context, topic string, evt Event) error
	// Request delivers evt to topic and waits for the server's reply event,
	// e.g. the confirmed row of an insert.
	Request(ctx context.Context, topic string, evt Event) (Event, error)
	// UpdateToken hot-swaps the bearer credential used for subsequent
	// operations without tearing down open subscriptions.
	UpdateToken(token string)
	// Close tears down the connection and all subscriptions.
	Close() error
}
