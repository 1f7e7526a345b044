package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/relay"
)

func newTestClient(t *testing.T, serverKey, clientKey string) *Client {
	t.Helper()
	srv, err := relay.New(relay.Options{
		Store:  relay.NewMemoryStore(),
		Tokens: relay.NewTokens("secret", time.Minute),
		APIKey: serverKey,
	})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return NewClient(ts.URL+"/api/", clientKey)
}

func TestHealthAndUsers(t *testing.T) {
	c := newTestClient(t, "key", "key")
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	u, err := c.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" || u.Username != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	got, err := c.GetUser(ctx, string(u.ID))
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.ID != u.ID || got.Settings["username"] != "alice" {
		t.Fatalf("GetUser = %+v", got)
	}

	if _, err := c.GetUser(ctx, "404"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIssueChannelToken(t *testing.T) {
	c := newTestClient(t, "", "")
	ctx := context.Background()

	u, err := c.CreateUser(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	first, err := c.IssueChannelToken(ctx, string(u.ID))
	if err != nil {
		t.Fatalf("IssueChannelToken: %v", err)
	}
	second, err := c.IssueChannelToken(ctx, string(u.ID))
	if err != nil {
		t.Fatalf("IssueChannelToken: %v", err)
	}
	if first == "" || first == second {
		t.Fatal("tokens should be fresh on every call")
	}

	if _, err := c.IssueChannelToken(ctx, "999"); !IsNotFound(err) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestMessageHistory(t *testing.T) {
	c := newTestClient(t, "", "")
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		if err := c.PostMessage(ctx, "12", text, protocol.SenderUser); err != nil {
			t.Fatalf("PostMessage(%q): %v", text, err)
		}
	}

	msgs, err := c.ListMessages(ctx, "12", 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	cm := msgs[1].ChatMessage()
	if cm.Content != "third" || cm.Sender != protocol.SenderUser || cm.ID == "" || cm.Timestamp.IsZero() {
		t.Fatalf("unexpected timeline entry: %+v", cm)
	}
	if msgs[1].ConversationID != "12" {
		t.Fatalf("conversation id = %q", msgs[1].ConversationID)
	}

	convs, err := c.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "12" || convs[0].MessageCount != 3 {
		t.Fatalf("unexpected conversations: %+v", convs)
	}

	if err := c.ArchiveConversation(ctx, "12"); err != nil {
		t.Fatalf("ArchiveConversation: %v", err)
	}
	if convs, _ := c.ListConversations(ctx); len(convs) != 0 {
		t.Fatalf("archived conversation still listed: %+v", convs)
	}

	if _, err := c.ListMessages(ctx, "13", 0); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusErrors(t *testing.T) {
	c := newTestClient(t, "key", "wrong")

	err := c.PostMessage(context.Background(), "1", "hi", protocol.SenderUser)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusUnauthorized || se.Message != "Invalid API key" {
		t.Fatalf("unexpected status error: %+v", se)
	}

	c = newTestClient(t, "", "")
	err = c.PostMessage(context.Background(), "1", "   ", protocol.SenderUser)
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Message == "" {
		t.Fatalf("expected 400 with message, got %v", err)
	}
}

func TestDetailErrorsAndTransportFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"database unavailable"}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "")
	err := c.Health(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "database unavailable" {
		t.Fatalf("expected detail message, got %v", err)
	}

	ts.Close()
	if err := c.Health(context.Background()); err == nil || errors.As(err, &se) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
