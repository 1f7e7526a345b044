// Package relay is a development counterpart of the collaborator service: a
// REST API for users, tokens and message history, plus the websocket
// channel that fans chat, typing and call signals out to a conversation.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/parley/internal/chat"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	serviceName       = "parley-relay"
	defaultListLimit  = 50
	maxListLimit      = 500
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Terminal clients send no Origin; the channel token is the credential.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Options configures a Server.
type Options struct {
	Store  Store
	Tokens *Tokens
	// APIKey, when set, is required as a bearer token on the REST API.
	APIKey string
	Debug  bool
}

// Server serves the REST API under /api and the channel under /ws.
type Server struct {
	store  Store
	tokens *Tokens
	apiKey string
	hub    *hub
	engine *gin.Engine

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("relay: token issuer is required")
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  opts.Store,
		tokens: opts.Tokens,
		apiKey: opts.APIKey,
		hub:    newHub(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)

	chatAPI := api.Group("/chat", apiKeyAuth(s.apiKey))
	{
		chatAPI.POST("/users/", s.handleCreateUser)
		chatAPI.GET("/users/:id/", s.handleGetUser)
		chatAPI.POST("/websocket-token/", s.handleIssueToken)
		chatAPI.POST("/messages/", s.handlePostMessage)
		chatAPI.GET("/conversations/", s.handleListConversations)
		chatAPI.GET("/conversations/:id/messages/", s.handleListMessages)
		chatAPI.DELETE("/conversations/:id/", s.handleArchiveConversation)
	}

	r.GET("/ws/chat/:conversation/:token/", s.handleChannel)
	return r
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully and
// disconnects every channel.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("relay listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay: %w", err)

	case <-ctx.Done():
		util.LogInfo("relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websockets are not tracked by Shutdown.
		s.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay shutdown: %w", err)
		}
		return nil
	}
}

// Close disconnects every channel. It does not close the store.
func (s *Server) Close() {
	s.cancel()
	s.hub.closeAll()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func apiKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}
		if parts[1] != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("[relay] %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// ---------------------------------------------------------------------------
// REST handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": serviceName})
}

type createUserRequest struct {
	Username string         `json:"username"`
	Settings map[string]any `json:"settings"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	u, err := s.store.CreateUser(c.Request.Context(), strings.TrimSpace(req.Username), req.Settings)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleGetUser(c *gin.Context) {
	u, err := s.store.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleIssueToken(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if _, err := s.store.GetUser(c.Request.Context(), userID); err != nil {
		s.storeError(c, err)
		return
	}

	token, expires, err := s.tokens.Issue(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires.UTC()})
}

type postMessageRequest struct {
	Content        string             `json:"content"`
	ConversationID protocol.MessageID `json:"conversation_id"`
	Sender         protocol.Sender    `json:"sender"`
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	content, err := chat.Sanitize(req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	switch req.Sender {
	case "":
		req.Sender = protocol.SenderUser
	case protocol.SenderUser, protocol.SenderAssistant, protocol.SenderSystem:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sender"})
		return
	}

	msg, err := s.store.SaveMessage(c.Request.Context(), string(req.ConversationID), content, req.Sender)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleListMessages(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}

	msgs, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.store.ListConversations(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleArchiveConversation(c *gin.Context) {
	if err := s.store.ArchiveConversation(c.Request.Context(), c.Param("id")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	util.LogError("[relay] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

func (s *Server) handleChannel(c *gin.Context) {
	room := c.Param("conversation")
	claims, err := s.tokens.Parse(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	fresh, err := s.store.ConsumeToken(c.Request.Context(), claims.ID, s.tokens.TTL())
	if err != nil {
		s.storeError(c, err)
		return
	}
	if !fresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token already used"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("[relay] upgrade failed: %v", err)
		return
	}

	p := newPeer(s.ctx, ws, room, claims.UserID)
	if prev := s.hub.join(p); prev != nil {
		util.LogInfo("[relay] user %s reconnected to %s, dropping previous channel", p.userID, room)
		prev.cancel()
	}
	util.LogInfo("[relay] user %s joined %s", p.userID, room)

	go p.writePump()
	p.deliver(&protocol.Envelope{Type: protocol.TypeConnectionEstablished, SessionID: uuid.NewString()})

	p.readPump(s.handleFrame)

	if s.hub.leave(p) {
		// Clear any typing state the user left behind.
		stopped := false
		s.hub.broadcast(room, &protocol.Envelope{Type: protocol.TypeTypingIndicator, UserID: p.userID, IsTyping: &stopped}, p.userID)
	}
	util.LogInfo("[relay] user %s left %s", p.userID, room)
}

func (s *Server) handleFrame(p *peer, data []byte) {
	util.Stats.AddRecv()

	env, err := protocol.Decode(data)
	if err != nil {
		util.Stats.AddDropped()
		p.deliver(errorEnvelope("Invalid message format"))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		p.deliver(&protocol.Envelope{Type: protocol.TypePong})

	case protocol.TypeChatMessage:
		s.relayChat(p, env)

	case protocol.TypeTyping:
		typing := env.Typing()
		s.hub.broadcast(p.room, &protocol.Envelope{Type: protocol.TypeTypingIndicator, UserID: p.userID, IsTyping: &typing}, p.userID)

	case protocol.TypeWebRTCSignal:
		s.relaySignal(p, env)

	default:
		p.deliver(errorEnvelope(fmt.Sprintf("Unknown message type: %s", env.Type)))
	}
}

// relayChat echoes a chat message to the whole room, sender included, so the
// sender can reconcile its optimistic copy by id.
func (s *Server) relayChat(p *peer, env *protocol.Envelope) {
	text, err := env.Text()
	if err != nil {
		p.deliver(errorEnvelope("Invalid message format"))
		return
	}
	content, err := chat.Sanitize(text)
	if err != nil {
		p.deliver(errorEnvelope(err.Error()))
		return
	}

	id := env.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(protocol.ChatMessage{
		ID:        protocol.MessageID(id),
		Content:   content,
		Sender:    protocol.SenderUser,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		util.LogError("[relay] encode chat message: %v", err)
		return
	}
	s.hub.broadcast(p.room, &protocol.Envelope{Type: protocol.TypeChatMessage, Message: raw}, "")
}

// relaySignal forwards a call signal to its target, or to everyone else in
// the room when it has none. The flat and nested forms are both accepted.
func (s *Server) relaySignal(p *peer, env *protocol.Envelope) {
	sig := protocol.Signal{Type: env.SignalType, Data: env.Data}
	target := env.TargetUser
	if env.Signal != nil && sig.Type == "" {
		sig.Type, sig.Data = env.Signal.Type, env.Signal.Data
		target = env.Signal.TargetUser
	}
	if sig.Type == "" {
		p.deliver(errorEnvelope("Signal type is required"))
		return
	}
	sig.FromUser = p.userID
	util.Stats.AddSignal()

	out := &protocol.Envelope{Type: protocol.TypeWebRTCSignal, Signal: &sig}
	switch {
	case target == "":
		s.hub.broadcast(p.room, out, p.userID)
	case target == p.userID:
		p.deliver(errorEnvelope("Cannot signal yourself"))
	case !s.hub.sendTo(p.room, target, out):
		p.deliver(errorEnvelope(fmt.Sprintf("User %s is not connected", target)))
	}
}

func errorEnvelope(msg string) *protocol.Envelope {
	raw, _ := json.Marshal(msg)
	return &protocol.Envelope{Type: protocol.TypeError, Message: raw}
}
