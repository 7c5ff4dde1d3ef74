package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/transport"
)

// ackMode controls how the fake transport answers a subscribe handshake.
type ackMode int

const (
	ackAuto ackMode = iota // acknowledge synchronously
	ackReject
	ackSilent // never answer, forces the handshake timeout
)

// fakeTransport implements transport.Client for channel tests.
type fakeTransport struct {
	mu             sync.Mutex
	mode           ackMode
	subs           []*fakeSub
	subscribeCount int
	subscribeErr   error

	requests   []transport.Event
	requestErr error

	publishes  []transport.Event
	publishErr error

	token  string
	nextID int
}

type fakeSub struct {
	topic  string
	opts   transport.SubscribeOptions
	active bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Subscribe(topic string, opts transport.SubscribeOptions) (func(), error) {
	f.mu.Lock()
	f.subscribeCount++
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return nil, err
	}
	sub := &fakeSub{topic: topic, opts: opts, active: true}
	f.subs = append(f.subs, sub)
	mode := f.mode
	f.mu.Unlock()

	switch mode {
	case ackAuto:
		opts.OnStatus(transport.Subscribed, nil)
	case ackReject:
		opts.OnStatus(transport.ChannelError, fmt.Errorf("forbidden"))
	case ackSilent:
	}

	return func() {
		f.mu.Lock()
		sub.active = false
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) Publish(_ context.Context, _ string, evt transport.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.publishes = append(f.publishes, evt)
	return nil
}

func (f *fakeTransport) Request(_ context.Context, topic string, evt transport.Event) (transport.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return transport.Event{}, f.requestErr
	}
	f.requests = append(f.requests, evt)

	var out outboundMessage
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		return transport.Event{}, err
	}
	f.nextID++
	confirmed := chat.Message{
		ID:         fmt.Sprintf("srv-%d", f.nextID),
		Content:    out.Content,
		SenderID:   out.SenderID,
		SenderName: out.SenderName,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	raw, err := json.Marshal(confirmed)
	if err != nil {
		return transport.Event{}, err
	}
	return transport.Event{Kind: transport.EventInsert, Topic: topic, Payload: raw}, nil
}

func (f *fakeTransport) UpdateToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error { return nil }

// activeSub returns the most recent still-active subscription.
func (f *fakeTransport) activeSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].active {
			return f.subs[i]
		}
	}
	return nil
}

func (f *fakeTransport) subscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCount
}

func (f *fakeTransport) sentRequests() []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Event, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeTransport) sentPublishes() []transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Event, len(f.publishes))
	copy(out, f.publishes)
	return out
}

func (f *fakeTransport) setMode(m ackMode) {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

var testAuth = chat.AuthContext{UserID: "u1", Username: "alice", AccessToken: "tok-1"}

// fastConfig keeps backoff delays short for tests.
func fastConfig() Config {
	return Config{
		HandshakeTimeout: 100 * time.Millisecond,
		ResubscribeBase:  5 * time.Millisecond,
		MaxResubscribes:  3,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
