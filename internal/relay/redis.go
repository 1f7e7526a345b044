package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "parley:"

// RedisStore is a Store backed by Redis. Records are JSON values; message
// history is a list per conversation.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// ConnectRedis dials Redis and verifies the connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, now: time.Now}, nil
}

const convSetKey = keyPrefix + "convs"

func userKey(id string) string     { return keyPrefix + "user:" + id }
func convKey(id string) string     { return keyPrefix + "conv:" + id }
func messagesKey(id string) string { return keyPrefix + "conv:" + id + ":messages" }
func tokenKey(jti string) string   { return keyPrefix + "jti:" + jti }

func (s *RedisStore) allocID(ctx context.Context) (protocol.MessageID, error) {
	n, err := s.client.Incr(ctx, keyPrefix+"seq").Result()
	if err != nil {
		return "", err
	}
	return protocol.MessageID(strconv.FormatInt(n, 10)), nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) CreateUser(ctx context.Context, username string, settings map[string]any) (User, error) {
	id, err := s.allocID(ctx)
	if err != nil {
		return User{}, err
	}
	u := User{ID: id, Username: username, Settings: maps.Clone(settings)}
	if u.Settings == nil {
		u.Settings = map[string]any{}
	}
	if err := s.setJSON(ctx, userKey(string(id)), u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	if err := s.getJSON(ctx, userKey(id), &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *RedisStore) SaveMessage(ctx context.Context, conversationID, content string, sender protocol.Sender) (Message, error) {
	now := s.now().UTC()
	meta := Conversation{ID: protocol.MessageID(conversationID), CreatedAt: now, IsActive: true}
	data, err := json.Marshal(meta)
	if err != nil {
		return Message{}, err
	}
	created, err := s.client.SetNX(ctx, convKey(conversationID), data, 0).Result()
	if err != nil {
		return Message{}, err
	}
	if created {
		if err := s.client.SAdd(ctx, convSetKey, conversationID).Err(); err != nil {
			return Message{}, err
		}
	}

	id, err := s.allocID(ctx)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             id,
		Content:        content,
		Sender:         sender,
		Timestamp:      now,
		ConversationID: protocol.MessageID(conversationID),
	}
	data, err = json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	if err := s.client.RPush(ctx, messagesKey(conversationID), data).Err(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *RedisStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	n, err := s.client.Exists(ctx, convKey(conversationID)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := s.client.LRange(ctx, messagesKey(conversationID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	ids, err := s.client.SMembers(ctx, convSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := []Conversation{}
	for _, id := range ids {
		var conv Conversation
		if err := s.getJSON(ctx, convKey(id), &conv); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if conv.IsArchived {
			continue
		}
		count, err := s.client.LLen(ctx, messagesKey(id)).Result()
		if err != nil {
			return nil, err
		}
		conv.MessageCount = int(count)
		out = append(out, conv)
	}
	sortConversations(out)
	return out, nil
}

func (s *RedisStore) ArchiveConversation(ctx context.Context, id string) error {
	var conv Conversation
	if err := s.getJSON(ctx, convKey(id), &conv); err != nil {
		return err
	}
	conv.IsArchived = true
	conv.IsActive = false
	return s.setJSON(ctx, convKey(id), conv)
}

func (s *RedisStore) ConsumeToken(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, tokenKey(jti), 1, ttl).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
