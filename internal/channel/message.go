package channel

import (
	"context"
	"encoding/json"

	"github.com/pedrolmn/chatlink/internal/bus"
	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/transport"
	"github.com/pedrolmn/chatlink/internal/validate"
	"go.uber.org/zap"
)

// outboundMessage is the payload submitted to the transport for an insert.
type outboundMessage struct {
	TempID     string `json:"temp_id,omitempty"`
	Content    string `json:"content"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

// Message is the message channel: it delivers inbound chat messages to
// listeners and accepts outbound sends, independent of presence concerns.
type Message struct {
	link
	validator validate.Validator
	limiter   validate.RateLimiter
	messages  *bus.Emitter[chat.Message]
}

// NewMessage creates a message channel over the given transport. validator
// and limiter gate outbound sends before any network attempt.
func NewMessage(t transport.Client, validator validate.Validator, limiter validate.RateLimiter, cfg Config, logger *zap.Logger) *Message {
	if cfg.Topic == "" {
		cfg.Topic = "messages"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Message{
		link:      newLink(t, cfg, logger.Named("message")),
		validator: validator,
		limiter:   limiter,
		messages:  bus.NewEmitter[chat.Message](logger),
	}
}

// Initialize opens the message subscription. It resolves once the server
// acknowledges the subscription and fails with a connection error on
// timeout or handshake failure.
func (c *Message) Initialize(ctx context.Context, auth chat.AuthContext) error {
	return c.open(ctx, auth, c.handleEvent)
}

// OnMessage registers a listener invoked once per inbound message, in
// arrival order. Returns an unsubscribe function.
func (c *Message) OnMessage(fn func(chat.Message)) func() {
	return c.messages.Subscribe(fn)
}

// Send validates, sanitizes, and submits content, returning the
// server-confirmed message. Validation and rate-limit rejections fail
// before any network I/O. Must not be called before a successful
// Initialize.
func (c *Message) Send(ctx context.Context, content string) (chat.Message, error) {
	if !c.isInitialized() {
		return chat.Message{}, chat.Errorf(chat.KindConnectionFailed, "message channel is not initialized")
	}

	sanitized, err := c.validator.Sanitize(content)
	if err != nil {
		return chat.Message{}, err
	}

	auth := c.currentAuth()
	if c.limiter != nil {
		if retryAfter, ok := c.limiter.Allow(auth.UserID); !ok {
			return chat.Message{}, chat.RateLimited(auth.UserID, retryAfter)
		}
	}

	return c.submit(ctx, outboundMessage{
		Content:    sanitized,
		SenderID:   auth.UserID,
		SenderName: auth.Username,
	})
}

// SendQueued replays one offline-queued message. The payload carries the
// message's temp id so the server side can deduplicate at-least-once
// replays. Replay bypasses the rate limiter; it is not user-initiated send
// frequency.
func (c *Message) SendQueued(ctx context.Context, m chat.QueuedMessage) (chat.Message, error) {
	if !c.isInitialized() {
		return chat.Message{}, chat.Errorf(chat.KindConnectionFailed, "message channel is not initialized")
	}

	sanitized, err := c.validator.Sanitize(m.Content)
	if err != nil {
		return chat.Message{}, err
	}

	return c.submit(ctx, outboundMessage{
		TempID:     m.TempID,
		Content:    sanitized,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
	})
}

// Disconnect tears the channel down. Idempotent; safe before Initialize.
func (c *Message) Disconnect() {
	c.close()
}

func (c *Message) submit(ctx context.Context, out outboundMessage) (chat.Message, error) {
	evt, err := transport.NewEvent(transport.EventInsert, c.cfg.Topic, out)
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindSendFailed, "encode message", err)
	}

	reply, err := c.transport.Request(ctx, c.cfg.Topic, evt)
	if err != nil {
		return chat.Message{}, chat.NewError(chat.KindSendFailed, "transport rejected message", err)
	}

	var confirmed chat.Message
	if err := json.Unmarshal(reply.Payload, &confirmed); err != nil {
		return chat.Message{}, chat.NewError(chat.KindSendFailed, "decode server confirmation", err)
	}
	c.logger.Debug("message sent", zap.String("id", confirmed.ID))
	return confirmed, nil
}

func (c *Message) handleEvent(evt transport.Event) {
	if evt.Kind != transport.EventInsert {
		return
	}
	var msg chat.Message
	if err := json.Unmarshal(evt.Payload, &msg); err != nil {
		c.logger.Warn("malformed inbound message", zap.Error(err))
		return
	}
	c.messages.Emit(msg)
}
