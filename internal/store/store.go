// Package store owns the per-topic message log: it validates and authorizes
// writes, serializes them per topic, and hands each durable result to the
// fan-out path in sequence order.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/membership"
	"go-chat-relay/internal/metrics"
)

const (
	DefaultAppendTimeout = 5 * time.Second
	DefaultPageLimit     = 100
)

// Deliverer receives every appended message and every tombstone. Store calls
// it while holding the topic's write lock, so calls for one topic arrive in
// strictly increasing Seq order. Deliver must not block.
type Deliverer interface {
	Deliver(ev chat.Event)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ev chat.Event)

func (f DelivererFunc) Deliver(ev chat.Event) { f(ev) }

// Deliverers hands each event to every element in order.
type Deliverers []Deliverer

func (ds Deliverers) Deliver(ev chat.Event) {
	for _, d := range ds {
		if d != nil {
			d.Deliver(ev)
		}
	}
}

type Options struct {
	Limits        chat.Limits
	AppendTimeout time.Duration
	PageLimit     int
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Now           func() time.Time
}

type Store struct {
	backend Backend
	members membership.Service
	deliver Deliverer
	locks   sync.Map // chat.Topic -> *sync.Mutex

	limits        chat.Limits
	appendTimeout time.Duration
	pageLimit     int
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
}

func New(backend Backend, members membership.Service, deliver Deliverer, opts Options) *Store {
	s := &Store{
		backend:       backend,
		members:       members,
		deliver:       deliver,
		limits:        opts.Limits,
		appendTimeout: opts.AppendTimeout,
		pageLimit:     opts.PageLimit,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
	}
	if s.deliver == nil {
		s.deliver = DelivererFunc(func(chat.Event) {})
	}
	if s.appendTimeout <= 0 {
		s.appendTimeout = DefaultAppendTimeout
	}
	if s.pageLimit <= 0 {
		s.pageLimit = DefaultPageLimit
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = s.log.Named("store")
	return s
}

// lock returns the single-writer lock of topic. Topics are never merged or
// removed, so the lock lives as long as the store.
func (s *Store) lock(topic chat.Topic) *sync.Mutex {
	if mu, ok := s.locks.Load(topic); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.locks.LoadOrStore(topic, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WithTopicLock runs fn while no append or delete can run on topic. The
// gateway uses it to replay history and register a subscriber atomically.
func (s *Store) WithTopicLock(topic chat.Topic, fn func() error) error {
	mu := s.lock(topic)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Append validates, authorizes and durably appends a message, then delivers
// it. Success means the append is durable, not that anyone received it.
func (s *Store) Append(ctx context.Context, topic chat.Topic, authorID, content, attachmentRef string) (chat.Message, error) {
	if err := topic.Validate(); err != nil {
		return chat.Message{}, err
	}
	if err := s.limits.ValidateContent(content, attachmentRef); err != nil {
		return chat.Message{}, err
	}
	if err := s.authorize(ctx, topic, authorID); err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		ID:            uuid.NewString(),
		Topic:         topic,
		AuthorID:      authorID,
		Content:       content,
		AttachmentRef: attachmentRef,
		CreatedAt:     s.now().UTC(),
	}

	mu := s.lock(topic)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	stored, err := s.backend.Append(actx, msg)
	cancel()
	if err != nil {
		s.metrics.ObserveAppend("error", time.Since(start))
		s.log.Warn("append failed", zap.String("topic", topic.String()), zap.Error(err))
		return chat.Message{}, unavailable("append", err)
	}
	s.metrics.ObserveAppend("ok", time.Since(start))

	s.deliver.Deliver(chat.MessageEvent(stored))
	return stored, nil
}

func (s *Store) authorize(ctx context.Context, topic chat.Topic, userID string) error {
	ok, err := s.members.IsMember(ctx, topic, userID)
	if err != nil {
		return unavailable("membership", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a member of %s", chat.ErrUnauthorized, userID, topic)
	}
	return nil
}

// ReadRange returns messages with Seq > after, oldest first. Restart a read by
// calling again with the last Seq seen.
func (s *Store) ReadRange(ctx context.Context, topic chat.Topic, after int64, limit int) ([]chat.Message, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if after < 0 {
		after = 0
	}

	rctx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()
	messages, err := s.backend.Range(rctx, topic, after, s.clampLimit(limit))
	if err != nil {
		return nil, unavailable("read range", err)
	}
	return messages, nil
}

// History lazily walks topic from after, one page at a time. The sequence
// ends at the current tail or at the first error, which is yielded.
func (s *Store) History(ctx context.Context, topic chat.Topic, after int64, pageSize int) iter.Seq2[chat.Message, error] {
	pageSize = s.clampLimit(pageSize)
	return func(yield func(chat.Message, error) bool) {
		cursor := after
		for {
			page, err := s.ReadRange(ctx, topic, cursor, pageSize)
			if err != nil {
				yield(chat.Message{}, err)
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
				cursor = msg.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Latest returns the newest limit messages, oldest first.
func (s *Store) Latest(ctx context.Context, topic chat.Topic, limit int) ([]chat.Message, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()
	messages, err := s.backend.Latest(rctx, topic, s.clampLimit(limit))
	if err != nil {
		return nil, unavailable("latest", err)
	}
	return messages, nil
}

// Delete tombstones a message. Only its author or an owner of the topic may
// delete it. The sequence slot is kept so replays stay stable.
func (s *Store) Delete(ctx context.Context, topic chat.Topic, messageID, requesterID string) error {
	if err := topic.Validate(); err != nil {
		return err
	}

	mu := s.lock(topic)
	mu.Lock()
	defer mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()

	msg, err := s.backend.Get(dctx, topic, messageID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
		}
		return unavailable("get", err)
	}

	if msg.AuthorID != requesterID {
		owner, err := s.members.IsOwner(dctx, topic, requesterID)
		if err != nil {
			return unavailable("membership", err)
		}
		if !owner {
			return fmt.Errorf("%w: %s may not delete %s", chat.ErrForbidden, requesterID, messageID)
		}
	}
	if msg.Deleted {
		return nil
	}

	tomb, err := s.backend.Tombstone(dctx, topic, messageID, s.now())
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
		}
		return unavailable("tombstone", err)
	}

	s.deliver.Deliver(chat.DeletedEvent(tomb))
	return nil
}

func (s *Store) clampLimit(limit int) int {
	if limit <= 0 || limit > s.pageLimit {
		return s.pageLimit
	}
	return limit
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, chat.ErrStoreUnavailable, err)
}
