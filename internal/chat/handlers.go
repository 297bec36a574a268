package chat

import (
	"context"
	"log"
	"time"

	"github.com/wejdan/chat-app/internal/protocol"
)

// collaboratorTimeout bounds calls to external collaborators (Postgres,
// Redis, NATS) so a slow backend cannot stall the event loop workers.
const collaboratorTimeout = 3 * time.Second

// MessageStore is the persistence collaborator for chat messages.
type MessageStore interface {
	Insert(ctx context.Context, userID int64, userName, content string) error
}

// PresenceStore mirrors online users for the HTTP API. Refresh extends the
// entry's TTL; the refresher goroutine calls it for every identified session
// so connected users do not expire out of the mirror.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID int64, userName string) error
	SetOffline(ctx context.Context, userID int64) error
	Refresh(ctx context.Context, userID int64) error
}

// EventTap publishes room events for external consumers (monitoring,
// analytics). It is not part of client delivery.
type EventTap interface {
	PublishEvent(eventType string, data []byte) error
}

// RateLimiter throttles chat messages per session.
type RateLimiter interface {
	AllowMessage(ctx context.Context, sessionID string) (bool, error)
}

// Options configures which broadcast events exclude the originating session.
// A single parameterized implementation replaces the per-deployment handler
// variants that differed only in their exclusion choices.
type Options struct {
	TypingExcludesSender bool // sender never sees its own typing echo
	JoinExcludesSender   bool // user_joined is not echoed to the joiner
}

// DefaultOptions matches the behavior the web client expects.
func DefaultOptions() Options {
	return Options{
		TypingExcludesSender: true,
		JoinExcludesSender:   true,
	}
}

// Handlers wires the registry and broadcaster to inbound client events. All
// collaborators except the registry and broadcaster are optional; a nil
// collaborator disables that side effect.
type Handlers struct {
	registry *Registry
	bcast    *Broadcaster
	opts     Options
	recent   *MessageBuffer

	store    MessageStore
	presence PresenceStore
	tap      EventTap
	limiter  RateLimiter
}

// NewHandlers creates the event handlers for one chat room.
func NewHandlers(registry *Registry, bcast *Broadcaster, opts Options) *Handlers {
	return &Handlers{
		registry: registry,
		bcast:    bcast,
		opts:     opts,
		recent:   NewMessageBuffer(),
	}
}

// WithMessageStore attaches the persistence collaborator.
func (h *Handlers) WithMessageStore(s MessageStore) *Handlers { h.store = s; return h }

// WithPresenceStore attaches the online-user mirror.
func (h *Handlers) WithPresenceStore(p PresenceStore) *Handlers { h.presence = p; return h }

// WithEventTap attaches the external event publisher.
func (h *Handlers) WithEventTap(t EventTap) *Handlers { h.tap = t; return h }

// WithRateLimiter attaches the message rate limiter.
func (h *Handlers) WithRateLimiter(l RateLimiter) *Handlers { h.limiter = l; return h }

// Recent returns the in-memory buffer of recent messages.
func (h *Handlers) Recent() *MessageBuffer { return h.recent }

// StartPresenceRefresher keeps the mirror's TTLs alive for every identified
// session and returns a stop function. Without it, a user who stays connected
// longer than the mirror TTL without re-identifying expires out of the online
// roster. No-op when no presence store is attached.
func (h *Handlers) StartPresenceRefresher(interval time.Duration) func() {
	if h.presence == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.refreshPresence()
			}
		}
	}()
	return func() { close(done) }
}

// refreshPresence extends the mirror TTL once per distinct identified user.
func (h *Handlers) refreshPresence() {
	seen := make(map[int64]bool)
	for _, s := range h.registry.All() {
		userID, _, identified := h.registry.Identity(s.ID)
		if !identified || seen[userID] {
			continue
		}
		seen[userID] = true

		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		err := h.presence.Refresh(ctx, userID)
		cancel()
		if err != nil {
			log.Printf("chat: presence refresh user=%d: %v", userID, err)
		}
	}
}

// Connect registers a newly accepted connection. A failure means the process
// is shutting down; the transport layer closes the connection.
func (h *Handlers) Connect(sessionID string, conn Sender) error {
	_, err := h.registry.Register(sessionID, conn)
	return err
}

// Disconnect tears down the session: typing state is cleared and, if the
// session had identified, offline presence and user_left are broadcast.
func (h *Handlers) Disconnect(sessionID string) {
	s, identified, ok := h.registry.Remove(sessionID)
	if !ok {
		return
	}
	if !identified {
		return
	}

	h.broadcastAndTap(protocol.TypePresence, protocol.PresenceMsg{
		UserID:   s.UserID,
		UserName: s.UserName,
		Status:   protocol.StatusOffline,
	})
	h.broadcastAndTap(protocol.TypeUserLeft, protocol.UserLeftMsg{
		UserID:   s.UserID,
		UserName: s.UserName,
	})

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()
		if err := h.presence.SetOffline(ctx, s.UserID); err != nil {
			log.Printf("chat: presence offline user=%d: %v", s.UserID, err)
		}
	}
}

// Identify records the session's user identity (last write wins) and
// announces the user: presence online goes to everyone, user_joined to
// everyone or everyone-but-the-joiner per Options.
func (h *Handlers) Identify(sessionID string, msg protocol.IdentifyMsg) {
	if !h.registry.Identify(sessionID, msg.UserID, msg.UserName) {
		return
	}

	h.broadcastAndTap(protocol.TypePresence, protocol.PresenceMsg{
		UserID:   msg.UserID,
		UserName: msg.UserName,
		Status:   protocol.StatusOnline,
	})

	joined := protocol.UserJoinedMsg{UserID: msg.UserID, UserName: msg.UserName}
	if h.opts.JoinExcludesSender {
		_ = h.bcast.BroadcastExcept(protocol.TypeUserJoined, joined, sessionID)
	} else {
		_ = h.bcast.BroadcastAll(protocol.TypeUserJoined, joined)
	}

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		defer cancel()
		if err := h.presence.SetOnline(ctx, msg.UserID, msg.UserName); err != nil {
			log.Printf("chat: presence online user=%d: %v", msg.UserID, err)
		}
	}

	log.Printf("chat: identify session=%s user=%d name=%q", sessionID, msg.UserID, msg.UserName)
}

// Message validates and fans a chat message out to every session, including
// the sender (the client renders its own message from the echo, stamped with
// the server timestamp). Persistence happens off the hot path.
func (h *Handlers) Message(sessionID string, msg protocol.ChatMsg) {
	s := h.registry.Get(sessionID)
	if s == nil {
		return
	}

	if err := ValidateMessage(msg.Content); err != nil {
		h.sendError(s, "invalid_message", err.Error())
		return
	}

	if h.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		allowed, _ := h.limiter.AllowMessage(ctx, sessionID)
		cancel()
		if !allowed {
			h.sendError(s, "rate_limited", "too many messages, slow down")
			return
		}
	}

	userID, userName, identified := h.registry.Identity(sessionID)
	if !identified {
		userName = "Anonymous"
	}

	out := protocol.ServerChatMsg{
		Content:    msg.Content,
		SenderID:   userID,
		SenderName: userName,
	}
	h.broadcastAndTap(protocol.TypeMessage, out)
	h.recent.Add(RecentMessage{
		SenderID:   userID,
		SenderName: userName,
		Content:    msg.Content,
		Ts:         time.Now().Unix(),
	})

	if h.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
			defer cancel()
			if err := h.store.Insert(ctx, userID, userName, msg.Content); err != nil {
				log.Printf("chat: persist message session=%s: %v", sessionID, err)
			}
		}()
	}
}

// Typing updates the user's typing state and relays the indicator, excluding
// the sender per Options.
func (h *Handlers) Typing(sessionID string, msg protocol.TypingMsg) {
	userID, userName, identified := h.registry.Identity(sessionID)
	if !identified {
		return
	}

	h.registry.SetTyping(userID, msg.IsTyping)

	out := protocol.ServerTypingMsg{
		UserID:   userID,
		UserName: userName,
		IsTyping: msg.IsTyping,
	}
	if h.opts.TypingExcludesSender {
		_ = h.bcast.BroadcastExcept(protocol.TypeTyping, out, sessionID)
	} else {
		_ = h.bcast.BroadcastAll(protocol.TypeTyping, out)
	}
}

// broadcastAndTap broadcasts to all sessions and forwards the event to the
// external tap when one is configured.
func (h *Handlers) broadcastAndTap(msgType string, payload interface{}) {
	_ = h.bcast.BroadcastAll(msgType, payload)

	if h.tap != nil {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			return
		}
		if err := h.tap.PublishEvent(msgType, data); err != nil {
			log.Printf("chat: event tap %s: %v", msgType, err)
		}
	}
}

func (h *Handlers) sendError(s *Session, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := s.Send(data); err != nil {
		log.Printf("chat: send error frame session=%s: %v", s.ID, err)
	}
}
