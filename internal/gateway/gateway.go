// Package gateway is the boundary the transport talks to: it authenticates
// connections, owns the live sessions and routes their requests to the store,
// the registry and the presence tracker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/identity"
	"go-chat-relay/internal/membership"
	"go-chat-relay/internal/metrics"
	"go-chat-relay/internal/presence"
	"go-chat-relay/internal/registry"
	"go-chat-relay/internal/session"
	"go-chat-relay/internal/store"
)

const DefaultCatchupMax = 100

// Deps are the collaborators a gateway routes to.
type Deps struct {
	Verifier identity.Verifier
	Members  membership.Service
	Store    *store.Store
	Registry *registry.Registry
	Presence *presence.Tracker
}

type Options struct {
	Session    session.Options
	CatchupMax int
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// CatchUp describes what a subscribe replayed. Complete is false when the
// backlog was larger than the replay window; the client pages the rest with
// FetchHistory starting at its own cursor.
type CatchUp struct {
	Replayed int   `json:"replayed"`
	FromSeq  int64 `json:"from_seq,omitempty"`
	Complete bool  `json:"complete"`
}

type Gateway struct {
	verifier identity.Verifier
	members  membership.Service
	store    *store.Store
	registry *registry.Registry
	presence *presence.Tracker

	mu       sync.Mutex
	sessions map[string]*session.Session
	closing  atomic.Bool

	sessionOpts session.Options
	catchupMax  int
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func New(deps Deps, opts Options) *Gateway {
	g := &Gateway{
		verifier:    deps.Verifier,
		members:     deps.Members,
		store:       deps.Store,
		registry:    deps.Registry,
		presence:    deps.Presence,
		sessions:    make(map[string]*session.Session),
		sessionOpts: opts.Session,
		catchupMax:  opts.CatchupMax,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
	if g.catchupMax <= 0 {
		g.catchupMax = DefaultCatchupMax
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	g.log = g.log.Named("gateway")
	return g
}

// Connect verifies token and opens a session for its user. A failed
// verification creates nothing.
func (g *Gateway) Connect(ctx context.Context, token string) (*session.Session, error) {
	if g.closing.Load() {
		return nil, chat.ErrShutdown
	}

	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, chat.ErrAuth) {
			err = fmt.Errorf("%w: %w", chat.ErrAuth, err)
		}
		return nil, err
	}

	s := session.New(context.WithoutCancel(ctx), userID, g.sessionOpts)

	g.mu.Lock()
	g.sessions[s.ID()] = s
	g.mu.Unlock()

	s.OnClose(g.teardown)
	g.presence.Connect(userID, s.ID())
	g.metrics.SessionOpened()
	g.log.Info("session opened", zap.String("session_id", s.ID()), zap.String("user_id", userID))

	// Shutdown may have swept the table between the check above and the
	// insert.
	if g.closing.Load() {
		s.Close(chat.ErrShutdown)
		return nil, chat.ErrShutdown
	}
	return s, nil
}

// teardown runs once per session, after it closed: registry cleanup first,
// then the presence recompute that may announce the user offline.
func (g *Gateway) teardown(s *session.Session, reason error) {
	g.mu.Lock()
	delete(g.sessions, s.ID())
	g.mu.Unlock()

	topics := g.registry.RemoveSession(s.ID())
	g.presence.Disconnect(s.UserID(), s.ID(), topics)
	g.metrics.SessionClosed(chat.Code(reason))
	g.log.Info("session closed",
		zap.String("session_id", s.ID()),
		zap.String("user_id", s.UserID()),
		zap.Int("subscriptions", len(topics)),
		zap.Error(reason),
	)
}

func live(s *session.Session) error {
	if s == nil || s.State() == session.StateClosed {
		return chat.ErrSessionClosed
	}
	return nil
}

// Subscribe registers s on topic from now on.
func (g *Gateway) Subscribe(ctx context.Context, s *session.Session, topic chat.Topic) (chat.Subscription, error) {
	if err := live(s); err != nil {
		return chat.Subscription{}, err
	}
	sub, created, err := g.registry.Subscribe(ctx, s, topic)
	if err != nil {
		return chat.Subscription{}, err
	}
	if created {
		// A fresh subscription starts its own cursor.
		s.ResetTopic(topic)
	}
	return sub, nil
}

// SubscribeFrom registers s on topic and replays what it missed after seq
// after. Both happen under the topic's write lock, so no append can slip
// between the replay and live delivery.
func (g *Gateway) SubscribeFrom(ctx context.Context, s *session.Session, topic chat.Topic, after int64) (chat.Subscription, CatchUp, error) {
	if err := live(s); err != nil {
		return chat.Subscription{}, CatchUp{}, err
	}

	var (
		sub     chat.Subscription
		catchUp CatchUp
	)
	err := g.store.WithTopicLock(topic, func() error {
		var (
			created bool
			err     error
		)
		sub, created, err = g.registry.Subscribe(ctx, s, topic)
		if err != nil {
			return err
		}

		// An existing subscription never replays what it already delivered.
		cursor := after
		if created {
			s.ResetTopic(topic)
		} else if last := s.LastSeq(topic); last > cursor {
			cursor = last
		}

		// Newest window only; an older gap is the client's to page.
		backlog, err := g.store.Latest(ctx, topic, g.catchupMax)
		if err != nil {
			return err
		}
		catchUp.Complete = len(backlog) < g.catchupMax

		for _, msg := range backlog {
			if msg.Seq <= cursor {
				catchUp.Complete = true
				continue
			}
			if err := s.Push(chat.MessageEvent(msg)); err != nil {
				return err
			}
			if catchUp.Replayed == 0 {
				catchUp.FromSeq = msg.Seq
			}
			catchUp.Replayed++
		}
		return nil
	})
	if errors.Is(err, chat.ErrSlowConsumer) {
		s.Close(chat.ErrSlowConsumer)
	}
	if err != nil {
		return chat.Subscription{}, CatchUp{}, err
	}
	return sub, catchUp, nil
}

func (g *Gateway) Unsubscribe(s *session.Session, topic chat.Topic) error {
	if err := live(s); err != nil {
		return err
	}
	g.registry.Unsubscribe(s.ID(), topic)
	return nil
}

// Publish appends content to topic on behalf of s. The session must be
// subscribed to the topic. Closing the session cancels the append.
func (g *Gateway) Publish(ctx context.Context, s *session.Session, topic chat.Topic, content, attachmentRef string) (chat.Message, error) {
	if err := live(s); err != nil {
		return chat.Message{}, err
	}
	if !g.registry.IsSubscribed(s.ID(), topic) {
		return chat.Message{}, fmt.Errorf("publish %s: not subscribed: %w", topic, chat.ErrUnauthorized)
	}
	if !s.AllowPublish() {
		return chat.Message{}, chat.ErrRateLimited
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.Context(), cancel)
	defer stop()

	msg, err := g.store.Append(ctx, topic, s.UserID(), content, attachmentRef)
	if err != nil && s.State() == session.StateClosed {
		return chat.Message{}, chat.ErrSessionClosed
	}
	return msg, err
}

// FetchHistory returns up to limit messages of topic after seq after, for a
// member of the topic.
func (g *Gateway) FetchHistory(ctx context.Context, userID string, topic chat.Topic, after int64, limit int) ([]chat.Message, error) {
	if err := g.authorizeRead(ctx, userID, topic); err != nil {
		return nil, err
	}
	return g.store.ReadRange(ctx, topic, after, limit)
}

// Latest returns the newest limit messages of topic, oldest first.
func (g *Gateway) Latest(ctx context.Context, userID string, topic chat.Topic, limit int) ([]chat.Message, error) {
	if err := g.authorizeRead(ctx, userID, topic); err != nil {
		return nil, err
	}
	return g.store.Latest(ctx, topic, limit)
}

func (g *Gateway) authorizeRead(ctx context.Context, userID string, topic chat.Topic) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	ok, err := g.members.IsMember(ctx, topic, userID)
	if err != nil {
		return fmt.Errorf("membership: %w: %w", chat.ErrStoreUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("read %s: %w", topic, chat.ErrUnauthorized)
	}
	return nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, s *session.Session, topic chat.Topic, messageID string) error {
	if err := live(s); err != nil {
		return err
	}
	return g.Delete(ctx, s.UserID(), topic, messageID)
}

// Delete tombstones a message on behalf of userID.
func (g *Gateway) Delete(ctx context.Context, userID string, topic chat.Topic, messageID string) error {
	return g.store.Delete(ctx, topic, messageID, userID)
}

func (g *Gateway) Heartbeat(s *session.Session) error {
	if err := live(s); err != nil {
		return err
	}
	s.Touch()
	g.presence.Heartbeat(s.UserID(), s.ID())

	// Close may have run its presence teardown between the check above and
	// the heartbeat; take the session back out.
	if err := live(s); err != nil {
		g.presence.Disconnect(s.UserID(), s.ID(), g.registry.TopicsOf(s.ID()))
		return err
	}
	return nil
}

func (g *Gateway) Presence(userID string) chat.PresenceRecord {
	return g.presence.Status(userID)
}

// Close tears s down. It is idempotent.
func (g *Gateway) Close(s *session.Session, reason error) {
	s.Close(reason)
}

// Session looks up a live session by id.
func (g *Gateway) Session(id string) (*session.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// RunSweeper periodically re-derives presence and closes sessions that
// stopped heartbeating past the dead threshold.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = presence.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Sweep runs one presence pass and expires dead sessions.
func (g *Gateway) Sweep() int {
	expired := 0
	for _, id := range g.presence.Sweep() {
		s, ok := g.Session(id)
		if !ok {
			continue
		}
		if s.Close(chat.ErrHeartbeatTimeout) {
			expired++
			g.log.Warn("heartbeat timeout", zap.String("session_id", id), zap.String("user_id", s.UserID()))
		}
	}
	return expired
}

// Shutdown refuses new connections and closes every session with
// chat.ErrShutdown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)

	g.mu.Lock()
	sessions := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Close(chat.ErrShutdown)
	}
	g.log.Info("gateway shut down", zap.Int("sessions", len(sessions)))
	return nil
}
