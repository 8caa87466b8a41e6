package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-chat-relay/internal/chat"
)

// MemoryBackend keeps every topic log in process. Used for tests and for
// single-node runs without a database.
type MemoryBackend struct {
	mu     sync.RWMutex
	topics map[chat.Topic]*memoryLog
	now    func() time.Time
}

type memoryLog struct {
	mu       sync.RWMutex
	messages []chat.Message
	byID     map[string]int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		topics: make(map[chat.Topic]*memoryLog),
		now:    time.Now,
	}
}

// log returns the topic log, creating it on first reference when create is set.
func (b *MemoryBackend) log(topic chat.Topic, create bool) *memoryLog {
	b.mu.RLock()
	l, ok := b.topics[topic]
	b.mu.RUnlock()
	if ok || !create {
		return l
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok = b.topics[topic]; ok {
		return l
	}
	l = &memoryLog{byID: make(map[string]int)}
	b.topics[topic] = l
	return l
}

func (b *MemoryBackend) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	l := b.log(msg.Topic, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byID[msg.ID]; dup {
		return chat.Message{}, fmt.Errorf("duplicate message id %s", msg.ID)
	}

	msg.Seq = int64(len(l.messages)) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now().UTC()
	}
	l.byID[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	return msg, nil
}

func (b *MemoryBackend) Range(ctx context.Context, topic chat.Topic, after int64, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := b.log(topic, false)
	if l == nil {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := sort.Search(len(l.messages), func(i int) bool { return l.messages[i].Seq > after })
	end := min(start+limit, len(l.messages))
	if start >= end {
		return nil, nil
	}
	return append([]chat.Message(nil), l.messages[start:end]...), nil
}

func (b *MemoryBackend) Latest(ctx context.Context, topic chat.Topic, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := b.log(topic, false)
	if l == nil {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := max(len(l.messages)-limit, 0)
	if start >= len(l.messages) {
		return nil, nil
	}
	return append([]chat.Message(nil), l.messages[start:]...), nil
}

func (b *MemoryBackend) Get(ctx context.Context, topic chat.Topic, id string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	l := b.log(topic, false)
	if l == nil {
		return chat.Message{}, chat.ErrNotFound
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return l.messages[idx], nil
}

func (b *MemoryBackend) Tombstone(ctx context.Context, topic chat.Topic, id string, at time.Time) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	l := b.log(topic, false)
	if l == nil {
		return chat.Message{}, chat.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	if l.messages[idx].Deleted {
		return l.messages[idx], nil
	}
	l.messages[idx] = l.messages[idx].Tombstone(at)
	return l.messages[idx], nil
}
