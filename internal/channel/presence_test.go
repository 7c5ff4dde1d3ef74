package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/transport"
)

func newPresenceChannel(ft *fakeTransport, heartbeat time.Duration) *Presence {
	return NewPresence(ft, heartbeat, fastConfig(), nil)
}

func syncEvent(t *testing.T, users []chat.OnlineUser) transport.Event {
	t.Helper()
	raw, err := json.Marshal(users)
	if err != nil {
		t.Fatal(err)
	}
	return transport.Event{Kind: transport.EventSync, Payload: raw}
}

func joinEvent(t *testing.T, user chat.OnlineUser) transport.Event {
	t.Helper()
	raw, err := json.Marshal(user)
	if err != nil {
		t.Fatal(err)
	}
	return transport.Event{Kind: transport.EventJoin, Payload: raw}
}

func leaveEvent(t *testing.T, userID string) transport.Event {
	t.Helper()
	raw, err := json.Marshal(presenceRef{UserID: userID})
	if err != nil {
		t.Fatal(err)
	}
	return transport.Event{Kind: transport.EventLeave, Payload: raw}
}

// TestInitializeTracksImmediately verifies local presence is asserted right
// after the subscription is acknowledged, not only at the first heartbeat.
func TestInitializeTracksImmediately(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	defer c.Disconnect()

	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	pubs := ft.sentPublishes()
	if len(pubs) != 1 || pubs[0].Kind != transport.EventTrack {
		t.Fatalf("publishes = %v, want one track event", pubs)
	}
	var self chat.OnlineUser
	if err := json.Unmarshal(pubs[0].Payload, &self); err != nil {
		t.Fatal(err)
	}
	if self.UserID != "u1" || !self.Online || self.LastSeen.IsZero() {
		t.Errorf("tracked self = %+v, want online u1 with fresh last-seen", self)
	}
	if !c.IsUserOnline("u1") {
		t.Error("own roster entry missing after initialize")
	}
}

func TestSyncReplacesRosterWholesale(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}

	sub := ft.activeSub()
	sub.opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "stale", Username: "old", Online: true}))

	sub.opts.OnEvent(syncEvent(t, []chat.OnlineUser{
		{UserID: "u2", Username: "bob", Online: true},
		{UserID: "u3", Username: "carol", Online: true},
	}))

	users := c.OnlineUsers()
	if len(users) != 2 {
		t.Fatalf("roster size = %d, want 2 (sync replaces, not merges)", len(users))
	}
	if users[0].UserID != "u2" || users[1].UserID != "u3" {
		t.Errorf("roster = %v, want [u2 u3] sorted by id", users)
	}
	if c.IsUserOnline("stale") {
		t.Error("pre-sync entry survived a full sync")
	}
}

// TestJoinUpsertsWithoutDuplicates verifies a join for an existing key
// replaces the entry instead of appending a duplicate.
func TestJoinUpsertsWithoutDuplicates(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}

	sub := ft.activeSub()
	sub.opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "u2", Username: "bob", Online: true}))
	sub.opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "u2", Username: "bobby", Online: true}))

	count := 0
	for _, u := range c.OnlineUsers() {
		if u.UserID == "u2" {
			count++
			if u.Username != "bobby" {
				t.Errorf("username = %q, want bobby (join replaces)", u.Username)
			}
		}
	}
	if count != 1 {
		t.Errorf("u2 appears %d times, want 1", count)
	}
}

func TestLeaveRemovesEntry(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}

	sub := ft.activeSub()
	sub.opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "u2", Username: "bob", Online: true}))
	if !c.IsUserOnline("u2") {
		t.Fatal("u2 not online after join")
	}

	sub.opts.OnEvent(leaveEvent(t, "u2"))
	if c.IsUserOnline("u2") {
		t.Error("u2 still online after leave")
	}

	// Leaving an unknown user is a no-op, not an error.
	sub.opts.OnEvent(leaveEvent(t, "ghost"))
}

// TestOnUsersChangeImmediateReplay verifies the listener receives the full
// current roster once immediately on subscribe.
func TestOnUsersChangeImmediateReplay(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}
	ft.activeSub().opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "u2", Username: "bob", Online: true}))

	var got [][]chat.OnlineUser
	defer c.OnUsersChange(func(users []chat.OnlineUser) { got = append(got, users) })()

	if len(got) != 1 {
		t.Fatalf("immediate replay fired %d times, want 1", len(got))
	}
	if len(got[0]) != 2 { // self + u2
		t.Errorf("replayed roster size = %d, want 2", len(got[0]))
	}
}

func TestOnlineUserCount(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}

	ft.activeSub().opts.OnEvent(syncEvent(t, []chat.OnlineUser{
		{UserID: "u2", Online: true},
		{UserID: "u3", Online: true},
	}))
	if c.OnlineUserCount() != 2 {
		t.Errorf("OnlineUserCount() = %d, want 2", c.OnlineUserCount())
	}
}

// TestHeartbeatRepublishes verifies presence is re-published at the
// configured interval with fresh timestamps.
func TestHeartbeatRepublishes(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, 10*time.Millisecond)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}

	if !waitFor(func() bool { return len(ft.sentPublishes()) >= 3 }, 2*time.Second) {
		t.Fatalf("got %d publishes, want >= 3 heartbeats", len(ft.sentPublishes()))
	}

	pubs := ft.sentPublishes()
	var first, later chat.OnlineUser
	if err := json.Unmarshal(pubs[0].Payload, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(pubs[len(pubs)-1].Payload, &later); err != nil {
		t.Fatal(err)
	}
	if !later.LastSeen.After(first.LastSeen) {
		t.Error("heartbeats do not carry fresh last-seen timestamps")
	}
}

// TestHeartbeatFailureReportsConnectionError verifies a failed heartbeat
// publish is surfaced as a connection error, not silently ignored.
func TestHeartbeatFailureReportsConnectionError(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, 10*time.Millisecond)
	defer c.Disconnect()
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var errs []*chat.Error
	defer c.OnError(func(e *chat.Error) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	})()

	ft.setPublishErr(errors.New("write failed"))

	if !waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 2*time.Second) {
		t.Fatal("heartbeat failure was not reported")
	}

	mu.Lock()
	defer mu.Unlock()
	if errs[0].Kind != chat.KindConnectionFailed {
		t.Errorf("error kind = %s, want connection_failed", errs[0].Kind)
	}
}

func TestDisconnectClearsRoster(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}
	ft.activeSub().opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "u2", Online: true}))

	c.Disconnect()
	if c.OnlineUserCount() != 0 {
		t.Errorf("roster size = %d after Disconnect, want 0", c.OnlineUserCount())
	}
	// Idempotent.
	c.Disconnect()
}

// TestDisconnectNotifiesEmptyRoster verifies listeners receive an empty
// slice when the roster is cleared, the same shape every other roster
// change delivers.
func TestDisconnectNotifiesEmptyRoster(t *testing.T) {
	ft := newFakeTransport()
	c := newPresenceChannel(ft, time.Hour)
	if err := c.Initialize(context.Background(), testAuth); err != nil {
		t.Fatal(err)
	}
	ft.activeSub().opts.OnEvent(joinEvent(t, chat.OnlineUser{UserID: "u2", Online: true}))

	var mu sync.Mutex
	var last []chat.OnlineUser
	defer c.OnUsersChange(func(users []chat.OnlineUser) {
		mu.Lock()
		last = users
		mu.Unlock()
	})()

	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if last == nil {
		t.Fatal("roster listener got nil after Disconnect, want empty slice")
	}
	if len(last) != 0 {
		t.Errorf("roster after Disconnect = %v, want empty", last)
	}
}
