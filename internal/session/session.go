// Package session models one authenticated client connection: its bounded
// outbound queue, its close lifecycle and its per-topic delivery cursor.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"go-chat-relay/internal/chat"
)

const (
	DefaultQueueSize    = 256
	DefaultRateBurst    = 5
	DefaultRateInterval = time.Second
)

// State is the connection state reported for a session.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

type Options struct {
	QueueSize    int
	RateBurst    int
	RateInterval time.Duration
	Now          func() time.Time
}

// Session is owned by its connection; other sessions never touch it. The
// router only calls Push, the gateway drives everything else.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	mu            sync.Mutex
	queue         chan chat.Event
	limit         int
	closed        bool
	overflowed    bool
	reason        error
	lastSeq       map[chat.Topic]int64
	lastHeartbeat time.Time
	onClose       []func(*Session, error)

	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	now     func() time.Time
}

// New opens a session for userID. Cancelling parent closes nothing by itself;
// the gateway calls Close.
func New(parent context.Context, userID string, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.RateInterval <= 0 {
		opts.RateInterval = DefaultRateInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(parent)
	now := opts.Now()
	return &Session{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: now,
		// One extra slot so the closing event always fits.
		queue:         make(chan chat.Event, opts.QueueSize+1),
		limit:         opts.QueueSize,
		lastSeq:       make(map[chat.Topic]int64),
		lastHeartbeat: now,
		ctx:           ctx,
		cancel:        cancel,
		limiter:       rate.NewLimiter(rate.Every(opts.RateInterval/time.Duration(opts.RateBurst)), opts.RateBurst),
		now:           opts.Now,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) UserID() string       { return s.userID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Push enqueues ev without blocking. It returns chat.ErrSessionClosed after
// Close and chat.ErrSlowConsumer when the queue is full. Once the queue has
// overflowed every later Push fails the same way, so nothing is delivered past
// a dropped event.
//
// A message whose Seq is not past the last one delivered on its topic is
// dropped silently, which keeps delivery monotonic and at most once per
// message. A message that skips ahead of the cursor is preceded by a gap
// event naming the missing range.
func (s *Session) Push(ev chat.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chat.ErrSessionClosed
	}
	if s.overflowed {
		return chat.ErrSlowConsumer
	}

	var gap *chat.Event
	if ev.Type == chat.EventMessage && ev.Message != nil {
		last := s.lastSeq[ev.Topic]
		if ev.Message.Seq <= last {
			return nil
		}
		if last > 0 && ev.Message.Seq > last+1 {
			g := chat.GapEvent(ev.Topic, last, ev.Message.Seq)
			gap = &g
		}
	}

	need := 1
	if gap != nil {
		need = 2
	}
	if len(s.queue)+need > s.limit {
		s.overflowed = true
		return chat.ErrSlowConsumer
	}

	if gap != nil {
		s.queue <- *gap
	}
	s.queue <- ev
	if ev.Type == chat.EventMessage && ev.Message != nil {
		s.lastSeq[ev.Topic] = ev.Message.Seq
	}
	return nil
}

// Events is the inbound push stream. It ends with a single EventClosed and is
// then closed.
func (s *Session) Events() <-chan chat.Event {
	return s.queue
}

// LastSeq returns the highest message Seq pushed on topic.
func (s *Session) LastSeq(topic chat.Topic) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[topic]
}

// ResetTopic forgets the delivery cursor of topic so a later subscription can
// replay it.
func (s *Session) ResetTopic(topic chat.Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeq, topic)
}

// Touch records a heartbeat.
func (s *Session) Touch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = s.now()
	return s.lastHeartbeat
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// AllowPublish applies the per-session publish rate limit.
func (s *Session) AllowPublish() bool {
	return s.limiter.Allow()
}

// OnClose registers fn to run once when the session closes. Hooks run in
// registration order on the goroutine that calls Close. Registering on a
// closed session runs fn immediately.
func (s *Session) OnClose(fn func(*Session, error)) {
	s.mu.Lock()
	if !s.closed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	reason := s.reason
	s.mu.Unlock()
	fn(s, reason)
}

// Close tears the session down with reason. It is idempotent; only the first
// call emits EventClosed and runs the hooks. It reports whether this call
// closed the session.
func (s *Session) Close(reason error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if reason == nil {
		reason = chat.ErrSessionClosed
	}
	s.closed = true
	s.reason = reason
	s.queue <- chat.ClosedEvent(reason)
	close(s.queue)
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.cancel()
	for _, fn := range hooks {
		fn(s, reason)
	}
	return true
}

// Context is cancelled when the session closes; in-flight work tied to the
// session should use it.
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err returns the close reason, or nil while open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateClosed
	}
	return StateOpen
}

// Pending reports how many events wait in the outbound queue.
func (s *Session) Pending() int {
	return len(s.queue)
}
