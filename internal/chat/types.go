package chat

import "time"

// AuthContext carries the identity and credential the client authenticates
// with. It is supplied once at initialize time and kept by the connection
// manager so automatic reconnects never re-prompt the caller.
type AuthContext struct {
	UserID      string
	Username    string
	AccessToken string
}

// Message is a chat message as confirmed by the server. Immutable once
// persisted; the client may hold an ephemeral local copy before the server
// acknowledges it.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// QueuedMessage is an outbound message held by the offline queue. Owned
// exclusively by the queue; removed exactly once, either after a confirmed
// send or after exhausting its retries.
type QueuedMessage struct {
	TempID     string    `json:"temp_id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	QueuedAt   time.Time `json:"queued_at"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"max_retries"`
}

// OnlineUser is one roster entry, keyed by UserID.
type OnlineUser struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// NetworkStatus is the network monitor's view of host connectivity.
// The hint fields are best-effort and may be zero.
type NetworkStatus struct {
	Online       bool
	ConnType     string
	DownlinkKbps int
	RTT          time.Duration
}

// ConnectionHealth is the aggregated, continuously-recomputed snapshot the
// UI layer reads. Derived, never set directly from outside.
type ConnectionHealth struct {
	Status            string
	LastConnectedAt   *time.Time
	ReconnectAttempts int
	MaxReconnects     int
	NextRetryDelay    time.Duration
	QueueEnabled      bool
	QueuePersistent   bool
	QueuedMessages    int
	LastError         *Error
}

// ConnectionStats is the per-channel breakdown behind a health snapshot.
type ConnectionStats struct {
	MessageConnected  bool
	PresenceConnected bool
	ReconnectAttempts int
	Healthy           bool
	Authenticated     bool
}
