package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"startuplab/pkg/aiinterface"
)

// ConversationStore 会话消息存储
// 对调用方只追加；Reset 是唯一的整体替换入口（新对话）
type ConversationStore interface {
	// Messages 返回会话的全部消息，会话不存在时返回 ErrSessionNotFound
	Messages(ctx context.Context, sessionID string) ([]aiinterface.Message, error)
	// Append 追加消息，会话不存在时创建
	Append(ctx context.Context, sessionID string, messages ...aiinterface.Message) error
	// Reset 用给定消息替换整个会话
	Reset(ctx context.Context, sessionID string, messages ...aiinterface.Message) error
	// Delete 删除会话
	Delete(ctx context.Context, sessionID string) error
}

// InMemoryConversationStore 内存会话存储
type InMemoryConversationStore struct {
	mu       sync.RWMutex
	sessions map[string][]aiinterface.Message
}

var _ ConversationStore = (*InMemoryConversationStore)(nil)

func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		sessions: make(map[string][]aiinterface.Message),
	}
}

func (s *InMemoryConversationStore) Messages(ctx context.Context, sessionID string) ([]aiinterface.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(msgs), nil
}

func (s *InMemoryConversationStore) Append(ctx context.Context, sessionID string, messages ...aiinterface.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], messages...)
	return nil
}

func (s *InMemoryConversationStore) Reset(ctx context.Context, sessionID string, messages ...aiinterface.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = slices.Clone(messages)
	return nil
}

func (s *InMemoryConversationStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// RedisConversationStore Redis 会话存储
// 每个会话是一个 list，元素为 JSON 编码的消息
type RedisConversationStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ConversationStore = (*RedisConversationStore)(nil)

func NewRedisConversationStore(client *redis.Client, ttl time.Duration) *RedisConversationStore {
	return &RedisConversationStore{
		client: client,
		ttl:    ttl,
	}
}

func conversationKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func (s *RedisConversationStore) Messages(ctx context.Context, sessionID string) ([]aiinterface.Message, error) {
	items, err := s.client.LRange(ctx, conversationKey(sessionID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrSessionNotFound
	}

	msgs := make([]aiinterface.Message, 0, len(items))
	for _, item := range items {
		var m aiinterface.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("解析会话消息失败: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisConversationStore) Append(ctx context.Context, sessionID string, messages ...aiinterface.Message) error {
	if len(messages) == 0 {
		return nil
	}
	values, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	key := conversationKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入会话失败: %w", err)
	}
	return nil
}

func (s *RedisConversationStore) Reset(ctx context.Context, sessionID string, messages ...aiinterface.Message) error {
	values, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	key := conversationKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("重置会话失败: %w", err)
	}
	return nil
}

func (s *RedisConversationStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, conversationKey(sessionID)).Err()
}

func encodeMessages(messages []aiinterface.Message) ([]any, error) {
	values := make([]any, len(messages))
	for i, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("序列化会话消息失败: %w", err)
		}
		values[i] = string(data)
	}
	return values, nil
}
