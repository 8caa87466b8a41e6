// Package fanout pushes stored events to the sessions subscribed to their
// topic, and relays them between nodes.
package fanout

import (
	"errors"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/metrics"
	"go-chat-relay/internal/registry"
)

const lockStripes = 64

// Source is the registry view the router reads at delivery time.
type Source interface {
	Subscribers(topic chat.Topic) []registry.Subscriber
	TopicsOf(sessionID string) []chat.Topic
}

type Options struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Router delivers events to local sessions. For any one topic, events are
// pushed one Deliver call at a time, so a subscriber sees them in the order
// they were handed in.
type Router struct {
	source  Source
	stripes [lockStripes]sync.Mutex
	evictWG sync.WaitGroup

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRouter(source Source, opts Options) *Router {
	r := &Router{
		source:  source,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named("fanout")
	return r
}

func (r *Router) stripe(topic chat.Topic) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(string(topic))%lockStripes]
}

// Deliver pushes ev to every current subscriber of its topic. It never
// blocks on a session: a full queue gets that session evicted instead.
func (r *Router) Deliver(ev chat.Event) {
	r.deliver(ev.Topic, ev)
}

// NotifyPresence pushes a presence delta to each of topics.
func (r *Router) NotifyPresence(rec chat.PresenceRecord, topics []chat.Topic) {
	for _, topic := range topics {
		r.deliver(topic, chat.PresenceEvent(topic, rec))
	}
}

// TopicsOf returns the distinct topics the given sessions are subscribed to.
func (r *Router) TopicsOf(sessionIDs ...string) []chat.Topic {
	var topics []chat.Topic
	for _, id := range sessionIDs {
		topics = append(topics, r.source.TopicsOf(id)...)
	}
	slices.Sort(topics)
	return slices.Compact(topics)
}

func (r *Router) deliver(topic chat.Topic, ev chat.Event) {
	mu := r.stripe(topic)
	mu.Lock()
	subs := r.source.Subscribers(topic)
	var (
		delivered int
		slow      []registry.Subscriber
	)
	for _, sub := range subs {
		err := sub.Push(ev)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, chat.ErrSlowConsumer):
			slow = append(slow, sub)
		}
	}
	mu.Unlock()

	r.metrics.Delivered(string(ev.Type), delivered)

	// Closing runs the session's teardown, which may deliver presence
	// deltas of its own; keep it off the caller's stack.
	for _, sub := range slow {
		r.evictWG.Add(1)
		go r.evict(sub, topic)
	}
}

func (r *Router) evict(sub registry.Subscriber, topic chat.Topic) {
	defer r.evictWG.Done()
	if sub.Close(chat.ErrSlowConsumer) {
		r.log.Warn("evicted slow consumer",
			zap.String("session_id", sub.ID()),
			zap.String("user_id", sub.UserID()),
			zap.String("topic", topic.String()),
		)
	}
}

// Wait blocks until pending evictions have finished.
func (r *Router) Wait() {
	r.evictWG.Wait()
}
