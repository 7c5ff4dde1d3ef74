package channel

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pedrolmn/chatlink/internal/bus"
	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/transport"
	"go.uber.org/zap"
)

// DefaultHeartbeat is the interval at which local presence is re-asserted.
const DefaultHeartbeat = 30 * time.Second

// presenceRef identifies a roster entry in a leave event.
type presenceRef struct {
	UserID string `json:"user_id"`
}

// Presence is the presence channel: it publishes the local user's liveness
// via periodic heartbeat and maintains a roster of other online users
// reconciled from server broadcasts. The server's liveness timeout is the
// source of truth; the client never computes roster membership itself.
type Presence struct {
	link
	heartbeat time.Duration

	rosterMu sync.RWMutex
	roster   map[string]chat.OnlineUser

	usersChanges *bus.Emitter[[]chat.OnlineUser]
	hbCancel     context.CancelFunc
}

// NewPresence creates a presence channel. heartbeat <= 0 selects the
// default interval.
func NewPresence(t transport.Client, heartbeat time.Duration, cfg Config, logger *zap.Logger) *Presence {
	if cfg.Topic == "" {
		cfg.Topic = "presence"
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		link:         newLink(t, cfg, logger.Named("presence")),
		heartbeat:    heartbeat,
		roster:       make(map[string]chat.OnlineUser),
		usersChanges: bus.NewEmitter[[]chat.OnlineUser](logger),
	}
}

// Initialize opens the presence subscription and, once acknowledged,
// begins tracking local presence.
func (c *Presence) Initialize(ctx context.Context, auth chat.AuthContext) error {
	if c.isInitialized() {
		return nil
	}
	if err := c.open(ctx, auth, c.handleEvent); err != nil {
		return err
	}

	// Assert liveness immediately; the heartbeat keeps re-asserting it.
	c.track(ctx)

	hbCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.hbCancel = cancel
	c.mu.Unlock()
	go c.heartbeatLoop(hbCtx)
	return nil
}

// OnUsersChange registers a listener invoked with the full current roster
// every time it changes, and once immediately on subscribe.
func (c *Presence) OnUsersChange(fn func([]chat.OnlineUser)) func() {
	unsub := c.usersChanges.Subscribe(fn)
	fn(c.OnlineUsers())
	return unsub
}

// OnlineUsers returns the cached roster, sorted by user id.
func (c *Presence) OnlineUsers() []chat.OnlineUser {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()
	return c.snapshotLocked()
}

// OnlineUserCount returns the current roster size.
func (c *Presence) OnlineUserCount() int {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()
	return len(c.roster)
}

// IsUserOnline reports whether id is in the roster and flagged online.
func (c *Presence) IsUserOnline(id string) bool {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()
	u, ok := c.roster[id]
	return ok && u.Online
}

// Disconnect tears the channel down and clears the roster. Idempotent;
// safe before Initialize.
func (c *Presence) Disconnect() {
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	c.mu.Unlock()

	c.close()

	c.rosterMu.Lock()
	hadUsers := len(c.roster) > 0
	c.roster = make(map[string]chat.OnlineUser)
	c.rosterMu.Unlock()
	if hadUsers {
		c.usersChanges.Emit([]chat.OnlineUser{})
	}
}

func (c *Presence) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.Connected() {
				c.track(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// track publishes the local user's presence with a fresh last-seen
// timestamp. A failed publish is a connection error, not a silent skip:
// a missed heartbeat can get the user evicted from the server's roster.
func (c *Presence) track(ctx context.Context) {
	auth := c.currentAuth()
	self := chat.OnlineUser{
		UserID:   auth.UserID,
		Username: auth.Username,
		Online:   true,
		LastSeen: time.Now(),
	}

	evt, err := transport.NewEvent(transport.EventTrack, c.cfg.Topic, self)
	if err != nil {
		c.logger.Error("encode presence track", zap.Error(err))
		return
	}
	if err := c.transport.Publish(ctx, c.cfg.Topic, evt); err != nil {
		c.logger.Warn("heartbeat publish failed", zap.Error(err))
		c.failCurrent(chat.ConnectionFailed("heartbeat publish failed", err))
		return
	}

	// Keep our own roster entry fresh between server syncs.
	c.upsert(self)
}

func (c *Presence) handleEvent(evt transport.Event) {
	switch evt.Kind {
	case transport.EventSync:
		var users []chat.OnlineUser
		if err := json.Unmarshal(evt.Payload, &users); err != nil {
			c.logger.Warn("malformed roster sync", zap.Error(err))
			return
		}
		c.replaceAll(users)
	case transport.EventJoin:
		var user chat.OnlineUser
		if err := json.Unmarshal(evt.Payload, &user); err != nil {
			c.logger.Warn("malformed join event", zap.Error(err))
			return
		}
		c.upsert(user)
	case transport.EventLeave:
		var ref presenceRef
		if err := json.Unmarshal(evt.Payload, &ref); err != nil {
			c.logger.Warn("malformed leave event", zap.Error(err))
			return
		}
		c.remove(ref.UserID)
	}
}

// replaceAll swaps the entire roster for the server's snapshot.
func (c *Presence) replaceAll(users []chat.OnlineUser) {
	next := make(map[string]chat.OnlineUser, len(users))
	for _, u := range users {
		next[u.UserID] = u
	}

	c.rosterMu.Lock()
	c.roster = next
	snapshot := c.snapshotLocked()
	c.rosterMu.Unlock()
	c.usersChanges.Emit(snapshot)
}

// upsert replaces the entry for the user's id; a join for an existing key
// never duplicates.
func (c *Presence) upsert(user chat.OnlineUser) {
	if user.UserID == "" {
		return
	}
	c.rosterMu.Lock()
	c.roster[user.UserID] = user
	snapshot := c.snapshotLocked()
	c.rosterMu.Unlock()
	c.usersChanges.Emit(snapshot)
}

func (c *Presence) remove(id string) {
	c.rosterMu.Lock()
	if _, ok := c.roster[id]; !ok {
		c.rosterMu.Unlock()
		return
	}
	delete(c.roster, id)
	snapshot := c.snapshotLocked()
	c.rosterMu.Unlock()
	c.usersChanges.Emit(snapshot)
}

func (c *Presence) snapshotLocked() []chat.OnlineUser {
	out := make([]chat.OnlineUser, 0, len(c.roster))
	for _, u := range c.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
