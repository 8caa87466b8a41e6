// Package presence derives each user's online/idle/offline status from the
// heartbeats of their live sessions and announces every change.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/metrics"
)

const (
	DefaultIdleAfter     = 30 * time.Second
	DefaultDeadAfter     = 90 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Notifier carries presence deltas to the topics a user's sessions are
// subscribed to. The fan-out router implements it.
type Notifier interface {
	NotifyPresence(rec chat.PresenceRecord, topics []chat.Topic)
	TopicsOf(sessionIDs ...string) []chat.Topic
}

type Options struct {
	IdleAfter time.Duration
	DeadAfter time.Duration
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type user struct {
	sessions map[string]time.Time // session id -> last heartbeat
	record   chat.PresenceRecord
}

// Tracker holds node-local presence. A transition and its announcement
// happen under one lock, so deltas for a user go out in the order they
// were computed.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*user

	notify    Notifier
	idleAfter time.Duration
	deadAfter time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewTracker(notify Notifier, opts Options) *Tracker {
	t := &Tracker{
		users:     make(map[string]*user),
		notify:    notify,
		idleAfter: opts.IdleAfter,
		deadAfter: opts.DeadAfter,
		now:       opts.Now,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	if t.idleAfter <= 0 {
		t.idleAfter = DefaultIdleAfter
	}
	if t.deadAfter <= t.idleAfter {
		t.deadAfter = 3 * t.idleAfter
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	t.log = t.log.Named("presence")
	return t
}

// Connect starts tracking a session; its user is online from now on.
func (t *Tracker) Connect(userID, sessionID string) chat.PresenceRecord {
	return t.Heartbeat(userID, sessionID)
}

// Heartbeat records activity on a session, promoting its user to online.
func (t *Tracker) Heartbeat(userID, sessionID string) chat.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	u := t.user(userID)
	u.sessions[sessionID] = now
	t.recompute(userID, u, now, nil)
	return u.record
}

// Disconnect stops tracking a session. topics are the subscriptions it held,
// so its own topics hear about the user going offline. Repeated calls are
// harmless.
func (t *Tracker) Disconnect(userID, sessionID string, topics []chat.Topic) chat.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok {
		return offline(userID, time.Time{})
	}
	delete(u.sessions, sessionID)
	t.recompute(userID, u, t.now(), topics)
	return u.record
}

// Sweep re-derives every user's status from heartbeat age. Sessions past the
// dead threshold stop being tracked here and are returned; the caller closes
// whichever of them are still open.
func (t *Tracker) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var dead []string
	for userID, u := range t.users {
		var expired []string
		for sessionID, seen := range u.sessions {
			if now.Sub(seen) >= t.deadAfter {
				expired = append(expired, sessionID)
				delete(u.sessions, sessionID)
			}
		}

		var extra []chat.Topic
		if len(expired) > 0 && t.notify != nil {
			extra = t.notify.TopicsOf(expired...)
		}
		t.recompute(userID, u, now, extra)
		dead = append(dead, expired...)
	}
	return dead
}

// Status returns the user's current record; unknown users are offline.
func (t *Tracker) Status(userID string) chat.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if u, ok := t.users[userID]; ok {
		return u.record
	}
	return offline(userID, time.Time{})
}

func (t *Tracker) user(userID string) *user {
	u, ok := t.users[userID]
	if !ok {
		u = &user{
			sessions: make(map[string]time.Time),
			record:   offline(userID, time.Time{}),
		}
		t.users[userID] = u
	}
	return u
}

func (t *Tracker) sessionStatus(lastSeen, now time.Time) chat.Status {
	switch age := now.Sub(lastSeen); {
	case age < t.idleAfter:
		return chat.StatusOnline
	case age < t.deadAfter:
		return chat.StatusIdle
	default:
		return chat.StatusOffline
	}
}

// recompute takes the most online status across the user's sessions and
// announces it when it changed. Must hold t.mu.
func (t *Tracker) recompute(userID string, u *user, now time.Time, extra []chat.Topic) {
	status := chat.StatusOffline
	for _, seen := range u.sessions {
		if s := t.sessionStatus(seen, now); s.MoreOnline(status) {
			status = s
		}
	}
	if status == u.record.Status {
		if len(u.sessions) == 0 {
			delete(t.users, userID)
		}
		return
	}

	u.record = chat.PresenceRecord{UserID: userID, Status: status, LastChangeAt: now}
	t.metrics.PresenceChanged(string(status))
	t.log.Debug("presence changed", zap.String("user_id", userID), zap.String("status", string(status)))

	if t.notify != nil {
		sessionIDs := make([]string, 0, len(u.sessions))
		for id := range u.sessions {
			sessionIDs = append(sessionIDs, id)
		}
		topics := t.notify.TopicsOf(sessionIDs...)
		if len(extra) > 0 {
			topics = mergeTopics(topics, extra)
		}
		t.notify.NotifyPresence(u.record, topics)
	}
}

func mergeTopics(a, b []chat.Topic) []chat.Topic {
	seen := make(map[chat.Topic]struct{}, len(a)+len(b))
	out := make([]chat.Topic, 0, len(a)+len(b))
	for _, list := range [][]chat.Topic{a, b} {
		for _, topic := range list {
			if _, dup := seen[topic]; dup {
				continue
			}
			seen[topic] = struct{}{}
			out = append(out, topic)
		}
	}
	return out
}

func offline(userID string, at time.Time) chat.PresenceRecord {
	return chat.PresenceRecord{UserID: userID, Status: chat.StatusOffline, LastChangeAt: at}
}
