// Package registry tracks which live sessions are subscribed to which topics.
// State is partitioned by topic and by session so lookups on one topic never
// wait on writes to another.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/membership"
	"go-chat-relay/internal/metrics"
)

const shardCount = 64

// Subscriber is the part of a session the registry and the router need.
type Subscriber interface {
	ID() string
	UserID() string
	Push(ev chat.Event) error
	Close(reason error) bool
	Done() <-chan struct{}
}

type entry struct {
	sub       Subscriber
	grantedAt time.Time
}

type topicShard struct {
	mu     sync.RWMutex
	topics map[chat.Topic]map[string]entry
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]map[chat.Topic]struct{}
}

type Options struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

type Registry struct {
	members  membership.Service
	topics   [shardCount]topicShard
	sessions [shardCount]sessionShard

	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func New(members membership.Service, opts Options) *Registry {
	r := &Registry{
		members: members,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	for i := range r.topics {
		r.topics[i].topics = make(map[chat.Topic]map[string]entry)
	}
	for i := range r.sessions {
		r.sessions[i].sessions = make(map[string]map[chat.Topic]struct{})
	}
	return r
}

func (r *Registry) topicShard(topic chat.Topic) *topicShard {
	return &r.topics[xxhash.Sum64String(string(topic))%shardCount]
}

func (r *Registry) sessionShard(sessionID string) *sessionShard {
	return &r.sessions[xxhash.Sum64String(sessionID)%shardCount]
}

// Subscribe adds sub to topic after checking that its user is a member. It
// reports whether the subscription is new; subscribing twice keeps the first
// grant.
//
// Lock order is session shard, then topic shard. Holding the session shard
// while checking Done means a subscription can never be added after
// RemoveSession has swept the session.
func (r *Registry) Subscribe(ctx context.Context, sub Subscriber, topic chat.Topic) (chat.Subscription, bool, error) {
	if err := topic.Validate(); err != nil {
		return chat.Subscription{}, false, err
	}

	ok, err := r.members.IsMember(ctx, topic, sub.UserID())
	if err != nil {
		return chat.Subscription{}, false, fmt.Errorf("membership lookup: %w: %w", chat.ErrStoreUnavailable, err)
	}
	if !ok {
		return chat.Subscription{}, false, fmt.Errorf("subscribe %s: %w", topic, chat.ErrUnauthorized)
	}

	ss := r.sessionShard(sub.ID())
	ss.mu.Lock()
	defer ss.mu.Unlock()

	select {
	case <-sub.Done():
		return chat.Subscription{}, false, chat.ErrSessionClosed
	default:
	}

	ts := r.topicShard(topic)
	ts.mu.Lock()
	subs, ok := ts.topics[topic]
	if !ok {
		subs = make(map[string]entry)
		ts.topics[topic] = subs
	}
	e, exists := subs[sub.ID()]
	if !exists {
		e = entry{sub: sub, grantedAt: r.now()}
		subs[sub.ID()] = e
	}
	ts.mu.Unlock()

	if !exists {
		topics, ok := ss.sessions[sub.ID()]
		if !ok {
			topics = make(map[chat.Topic]struct{})
			ss.sessions[sub.ID()] = topics
		}
		topics[topic] = struct{}{}
		r.metrics.SubscriptionAdded()
		r.log.Debug("subscribed",
			zap.String("session_id", sub.ID()),
			zap.String("user_id", sub.UserID()),
			zap.String("topic", string(topic)),
		)
	}

	return chat.Subscription{SessionID: sub.ID(), Topic: topic, GrantedAt: e.grantedAt}, !exists, nil
}

// Unsubscribe removes one subscription. It reports whether one existed.
func (r *Registry) Unsubscribe(sessionID string, topic chat.Topic) bool {
	ss := r.sessionShard(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	topics, ok := ss.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := topics[topic]; !ok {
		return false
	}
	delete(topics, topic)
	if len(topics) == 0 {
		delete(ss.sessions, sessionID)
	}
	r.dropFromTopic(sessionID, topic)
	r.metrics.SubscriptionsRemoved(1)
	return true
}

// RemoveSession drops every subscription of sessionID and returns the topics
// it held. It is the only path that garbage-collects subscriptions and is
// safe to call more than once.
func (r *Registry) RemoveSession(sessionID string) []chat.Topic {
	ss := r.sessionShard(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	topics, ok := ss.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(ss.sessions, sessionID)

	removed := make([]chat.Topic, 0, len(topics))
	for topic := range topics {
		r.dropFromTopic(sessionID, topic)
		removed = append(removed, topic)
	}
	slices.Sort(removed)
	r.metrics.SubscriptionsRemoved(len(removed))
	return removed
}

func (r *Registry) dropFromTopic(sessionID string, topic chat.Topic) {
	ts := r.topicShard(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	subs := ts.topics[topic]
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(ts.topics, topic)
	}
}

// Subscribers returns the sessions currently subscribed to topic.
func (r *Registry) Subscribers(topic chat.Topic) []Subscriber {
	ts := r.topicShard(topic)
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	subs := ts.topics[topic]
	out := make([]Subscriber, 0, len(subs))
	for _, e := range subs {
		out = append(out, e.sub)
	}
	return out
}

// SubscribersOf returns the ids of the sessions subscribed to topic, sorted.
func (r *Registry) SubscribersOf(topic chat.Topic) []string {
	ts := r.topicShard(topic)
	ts.mu.RLock()
	ids := make([]string, 0, len(ts.topics[topic]))
	for id := range ts.topics[topic] {
		ids = append(ids, id)
	}
	ts.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// TopicsOf returns the topics sessionID is subscribed to, sorted.
func (r *Registry) TopicsOf(sessionID string) []chat.Topic {
	ss := r.sessionShard(sessionID)
	ss.mu.Lock()
	topics := make([]chat.Topic, 0, len(ss.sessions[sessionID]))
	for topic := range ss.sessions[sessionID] {
		topics = append(topics, topic)
	}
	ss.mu.Unlock()

	slices.Sort(topics)
	return topics
}

func (r *Registry) IsSubscribed(sessionID string, topic chat.Topic) bool {
	ss := r.sessionShard(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.sessions[sessionID][topic]
	return ok
}
