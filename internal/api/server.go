// Package api implements the HTTP surface of the chat server: AI completion
// endpoints (blocking and SSE streaming), message history, the online-user
// roster, and token login. Routes are mounted on the WebSocket server's mux
// so the whole service listens on one port.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/wejdan/chat-app/internal/ai"
	"github.com/wejdan/chat-app/internal/auth"
	"github.com/wejdan/chat-app/internal/chat"
	"github.com/wejdan/chat-app/internal/history"
	"github.com/wejdan/chat-app/internal/presence"
)

// RateLimiter throttles AI completion requests per caller.
type RateLimiter interface {
	AllowAI(ctx context.Context, identifier string) (bool, error)
}

// Server holds the handler dependencies. History, presence, auth, and rate
// limiting are optional; their routes degrade or disappear when the backing
// service is not configured.
type Server struct {
	orchestrator *ai.Orchestrator
	registry     *chat.Registry
	recent       *chat.MessageBuffer
	store        *history.Store
	presence     *presence.Store
	issuer       *auth.Issuer
	limiter      RateLimiter
}

// NewServer creates an API server with the required core dependencies.
func NewServer(orchestrator *ai.Orchestrator, registry *chat.Registry, recent *chat.MessageBuffer) *Server {
	return &Server{
		orchestrator: orchestrator,
		registry:     registry,
		recent:       recent,
	}
}

// WithHistory enables the persistent message endpoints.
func (s *Server) WithHistory(store *history.Store) *Server {
	s.store = store
	return s
}

// WithPresence backs the online-user roster with Redis instead of the local
// registry.
func (s *Server) WithPresence(store *presence.Store) *Server {
	s.presence = store
	return s
}

// WithAuth enables login and protects the history endpoints.
func (s *Server) WithAuth(issuer *auth.Issuer) *Server {
	s.issuer = issuer
	return s
}

// WithRateLimiter throttles the AI completion endpoints per client address.
func (s *Server) WithRateLimiter(limiter RateLimiter) *Server {
	s.limiter = limiter
	return s
}

// Register mounts all API routes through the given mount function. The
// WebSocket server owns /ws and /health.
func (s *Server) Register(mount func(pattern string, handler http.Handler)) {
	mount("/api/chat", http.HandlerFunc(s.handleChat))
	mount("/api/chat/stream", http.HandlerFunc(s.handleChatStream))
	mount("/api/models", http.HandlerFunc(s.handleModels))
	mount("/api/messages", http.HandlerFunc(s.handleMessages))
	mount("/api/messages/recent", http.HandlerFunc(s.handleRecentMessages))
	mount("/api/users/online", http.HandlerFunc(s.handleOnlineUsers))
	if s.issuer != nil {
		mount("/api/auth/login", http.HandlerFunc(s.handleLogin))
	}
}

// chatRequest is the body for /api/chat and /api/chat/stream. Either a full
// messages array or the single-message shorthand is accepted.
type chatRequest struct {
	Model    string       `json:"model,omitempty"`
	Messages []ai.Message `json:"messages,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// toAIRequest normalizes the body into an orchestrator request.
func (r *chatRequest) toAIRequest() (ai.Request, error) {
	messages := r.Messages
	if r.Message != "" {
		messages = append(messages, ai.Message{Role: ai.RoleUser, Content: r.Message})
	}
	if len(messages) == 0 {
		return ai.Request{}, errors.New("message or messages is required")
	}
	return ai.Request{Model: r.Model, Messages: messages}, nil
}

// handleChat runs one blocking AI completion.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := body.toAIRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allowAI(w, r) {
		return
	}

	resp, err := s.orchestrator.Send(r.Context(), req)
	if err != nil {
		s.writeAIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream relays AI output as server-sent events. Each fragment is
// one data line; the stream ends with a [DONE] sentinel. Errors after the
// stream has started are reported in-band because the status line is already
// committed.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := body.toAIRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allowAI(w, r) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	fragments, err := s.orchestrator.Stream(r.Context(), req)
	if err != nil {
		s.writeAIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for f := range fragments {
		if f.Err != nil {
			writeSSE(w, map[string]interface{}{"error": f.Err.Error(), "done": true})
			flusher.Flush()
			return
		}
		writeSSE(w, map[string]interface{}{"content": f.Content, "done": false})
		flusher.Flush()
	}

	if _, err := w.Write([]byte("data: [DONE]\n\n")); err == nil {
		flusher.Flush()
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": s.orchestrator.Directory().AvailableModels(),
	})
}

// handleMessages serves persisted history: GET lists with pagination, POST
// inserts on behalf of the authenticated user. Both require a valid token
// when auth is configured.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "message history is not configured")
		return
	}

	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		messages, err := s.store.List(r.Context(), limit, offset)
		if err != nil {
			log.Printf("api: list messages: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})

	case http.MethodPost:
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := chat.ValidateMessage(body.Content); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		userID, userName := int64(0), "Anonymous"
		if claims != nil {
			userID, userName = claims.UserID, claims.UserName
		}
		if err := s.store.Insert(r.Context(), userID, userName, body.Content); err != nil {
			log.Printf("api: insert message: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to store message")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRecentMessages returns the in-memory ring buffer, no auth required.
func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": s.recent.Get(),
	})
}

// handleOnlineUsers lists who is online, from Redis when configured and
// otherwise from the local registry.
func (s *Server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type onlineUser struct {
		UserID   int64  `json:"userId"`
		UserName string `json:"userName"`
	}

	var users []onlineUser
	if s.presence != nil {
		records, err := s.presence.List(r.Context())
		if err != nil {
			log.Printf("api: presence list: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load online users")
			return
		}
		users = make([]onlineUser, 0, len(records))
		for _, rec := range records {
			users = append(users, onlineUser{UserID: rec.UserID, UserName: rec.UserName})
		}
	} else {
		sessions := s.registry.All()
		users = make([]onlineUser, 0, len(sessions))
		seen := make(map[int64]bool)
		for _, sess := range sessions {
			userID, userName, identified := s.registry.Identity(sess.ID)
			if !identified || seen[userID] {
				continue
			}
			seen[userID] = true
			users = append(users, onlineUser{UserID: userID, UserName: userName})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// handleLogin issues a token for the posted identity.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		UserID   int64  `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserID == 0 || body.UserName == "" {
		writeError(w, http.StatusBadRequest, "userId and userName are required")
		return
	}

	token, err := s.issuer.Issue(body.UserID, body.UserName)
	if err != nil {
		log.Printf("api: issue token user=%d: %v", body.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// allowAI applies the AI rate limit when configured, keyed by client host.
// Limiter errors fail open. It writes the 429 itself; callers stop on false.
func (s *Server) allowAI(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	allowed, err := s.limiter.AllowAI(r.Context(), host)
	if err != nil {
		log.Printf("api: AI rate limit check: %v", err)
		return true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// authenticate checks the bearer token when auth is configured. It writes
// the error response itself; callers stop on ok=false. With auth disabled it
// returns nil claims and ok=true.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	if s.issuer == nil {
		return nil, true
	}

	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	claims, err := s.issuer.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "token expired")
		} else {
			writeError(w, http.StatusUnauthorized, "invalid token")
		}
		return nil, false
	}
	return claims, true
}

// writeAIError maps orchestrator errors to HTTP statuses: no qualifying
// provider is 503, an upstream provider failure is 502.
func (s *Server) writeAIError(w http.ResponseWriter, err error) {
	var callErr *ai.CallError
	switch {
	case errors.Is(err, ai.ErrNoProvider):
		writeError(w, http.StatusServiceUnavailable, "no AI provider available for this request")
	case errors.As(err, &callErr):
		log.Printf("api: provider %s call failed: status=%d", callErr.Provider, callErr.Status)
		writeError(w, http.StatusBadGateway, "AI provider request failed")
	default:
		log.Printf("api: AI request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "AI request failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSSE writes one JSON payload as a server-sent event data line.
func writeSSE(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
