package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/fanout"
	"go-chat-relay/internal/identity"
	"go-chat-relay/internal/membership"
	"go-chat-relay/internal/presence"
	"go-chat-relay/internal/registry"
	"go-chat-relay/internal/session"
	"go-chat-relay/internal/store"
)

var general = chat.ChannelTopic("srv", "general")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	gw     *Gateway
	jwt    *identity.JWT
	roster *membership.Static
	reg    *registry.Registry
	router *fanout.Router
	clock  *clock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	c := &clock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}

	roster := membership.NewStatic()
	for _, user := range []string{"alice", "bob", "carol"} {
		roster.Grant(general, user, membership.RoleMember)
	}
	roster.Grant(general, "owner", membership.RoleOwner)
	members := membership.Direct(roster)

	reg := registry.New(members, registry.Options{Logger: logger})
	router := fanout.NewRouter(reg, fanout.Options{Logger: logger})
	tracker := presence.NewTracker(router, presence.Options{
		IdleAfter: 30 * time.Second,
		DeadAfter: 90 * time.Second,
		Now:       c.Now,
		Logger:    logger,
	})
	st := store.New(store.NewMemoryBackend(), members, router, store.Options{Logger: logger})

	if opts.Session.QueueSize == 0 {
		opts.Session.QueueSize = 64
	}
	if opts.Session.RateBurst == 0 {
		opts.Session.RateBurst = 1000
	}
	opts.Logger = logger

	jwt := identity.NewJWT("test-secret", "")
	gw := New(Deps{
		Verifier: jwt,
		Members:  members,
		Store:    st,
		Registry: reg,
		Presence: tracker,
	}, opts)
	return &harness{gw: gw, jwt: jwt, roster: roster, reg: reg, router: router, clock: c}
}

func (h *harness) connect(t *testing.T, user string) *session.Session {
	t.Helper()
	token, err := h.jwt.Issue(user, user, time.Hour)
	require.NoError(t, err)
	s, err := h.gw.Connect(context.Background(), token)
	require.NoError(t, err)
	return s
}

// nextMessage skips presence deltas and returns the next message-bearing
// event.
func nextMessage(t *testing.T, s *session.Session) chat.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "stream ended")
			if ev.Type == chat.EventPresence {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return chat.Event{}
		}
	}
}

func TestGateway_ConnectRejectsBadTokens(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.gw.Connect(context.Background(), "garbage")
	assert.ErrorIs(t, err, chat.ErrAuth)
	_, err = h.gw.Connect(context.Background(), "")
	assert.ErrorIs(t, err, chat.ErrAuth)
	assert.Zero(t, h.gw.Len())
	assert.Equal(t, chat.StatusOffline, h.gw.Presence("alice").Status)
}

func TestGateway_PublishReachesOtherMember(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	for _, s := range []*session.Session{alice, bob} {
		_, err := h.gw.Subscribe(ctx, s, general)
		require.NoError(t, err)
	}

	hi, err := h.gw.Publish(ctx, alice, general, "hi", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hi.Seq)
	_, err = h.gw.Publish(ctx, alice, general, "again", "")
	require.NoError(t, err)

	ev := nextMessage(t, bob)
	require.Equal(t, chat.EventMessage, ev.Type)
	assert.Equal(t, int64(1), ev.Message.Seq)
	assert.Equal(t, "hi", ev.Message.Content)
	assert.Equal(t, int64(2), nextMessage(t, bob).Message.Seq)

	// The author sees its own messages too.
	assert.Equal(t, int64(1), nextMessage(t, alice).Message.Seq)
}

func TestGateway_UnauthorizedRequestsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	mallory := h.connect(t, "mallory")

	_, err := h.gw.Subscribe(ctx, mallory, general)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	_, err = h.gw.Publish(ctx, mallory, general, "spam", "")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
	assert.Equal(t, session.StateOpen, mallory.State())

	// Members must subscribe before publishing.
	alice := h.connect(t, "alice")
	_, err = h.gw.Publish(ctx, alice, general, "hello", "")
	assert.ErrorIs(t, err, chat.ErrUnauthorized)

	history, err := h.gw.FetchHistory(ctx, "alice", general, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = h.gw.FetchHistory(ctx, "mallory", general, 0, 10)
	assert.ErrorIs(t, err, chat.ErrUnauthorized)
}

func TestGateway_InvalidContent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	_, err := h.gw.Subscribe(ctx, alice, general)
	require.NoError(t, err)

	_, err = h.gw.Publish(ctx, alice, general, "   ", "")
	assert.ErrorIs(t, err, chat.ErrInvalidContent)
	assert.Equal(t, session.StateOpen, alice.State())
}

func TestGateway_ReconnectCatchesUpWithoutGapsOrDuplicates(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	_, err := h.gw.Subscribe(ctx, alice, general)
	require.NoError(t, err)

	bob := h.connect(t, "bob")
	_, err = h.gw.Subscribe(ctx, bob, general)
	require.NoError(t, err)

	publish := func(content string) {
		_, err := h.gw.Publish(ctx, alice, general, content, "")
		require.NoError(t, err)
	}
	publish("one")
	publish("two")
	publish("three")

	var lastSeen int64
	for i := 0; i < 3; i++ {
		lastSeen = nextMessage(t, bob).Message.Seq
	}
	require.Equal(t, int64(3), lastSeen)

	h.gw.Close(bob, nil)
	publish("four")
	publish("five")

	missed, err := h.gw.FetchHistory(ctx, "bob", general, lastSeen, 100)
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(4), missed[0].Seq)
	assert.Equal(t, "five", missed[1].Content)

	// Same thing over a fresh subscription with replay.
	bob = h.connect(t, "bob")
	_, catchUp, err := h.gw.SubscribeFrom(ctx, bob, general, lastSeen)
	require.NoError(t, err)
	assert.Equal(t, CatchUp{Replayed: 2, FromSeq: 4, Complete: true}, catchUp)
	publish("six")

	for want := int64(4); want <= 6; want++ {
		assert.Equal(t, want, nextMessage(t, bob).Message.Seq)
	}
}

func TestGateway_CatchUpWindow(t *testing.T) {
	h := newHarness(t, Options{CatchupMax: 2})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	_, err := h.gw.Subscribe(ctx, alice, general)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := h.gw.Publish(ctx, alice, general, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}

	bob := h.connect(t, "bob")
	_, catchUp, err := h.gw.SubscribeFrom(ctx, bob, general, 1)
	require.NoError(t, err)
	assert.Equal(t, CatchUp{Replayed: 2, FromSeq: 4, Complete: false}, catchUp)
	assert.Equal(t, int64(4), nextMessage(t, bob).Message.Seq)
	assert.Equal(t, int64(5), nextMessage(t, bob).Message.Seq)
}

func TestGateway_ResubscribeFromNeverRedelivers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	for _, s := range []*session.Session{alice, bob} {
		_, err := h.gw.Subscribe(ctx, s, general)
		require.NoError(t, err)
	}

	publish := func(content string) {
		_, err := h.gw.Publish(ctx, alice, general, content, "")
		require.NoError(t, err)
	}
	publish("one")
	publish("two")
	publish("three")

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		seen[nextMessage(t, bob).Message.ID] = true
	}

	// Same grant, stale cursor: nothing already delivered comes back.
	_, catchUp, err := h.gw.SubscribeFrom(ctx, bob, general, 1)
	require.NoError(t, err)
	assert.Equal(t, CatchUp{Replayed: 0, Complete: true}, catchUp)
	assert.Equal(t, int64(3), bob.LastSeq(general))

	publish("four")
	ev := nextMessage(t, bob)
	assert.Equal(t, int64(4), ev.Message.Seq)
	assert.False(t, seen[ev.Message.ID])
}

func TestGateway_ConcurrentPublishersStayOrdered(t *testing.T) {
	h := newHarness(t, Options{Session: session.Options{QueueSize: 1024}})
	ctx := context.Background()
	watcher := h.connect(t, "carol")
	_, err := h.gw.Subscribe(ctx, watcher, general)
	require.NoError(t, err)

	const publishers, each = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		user := fmt.Sprintf("writer-%d", i)
		h.roster.Grant(general, user, membership.RoleMember)
		s := h.connect(t, user)
		_, err := h.gw.Subscribe(ctx, s, general)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_, err := h.gw.Publish(ctx, s, general, "x", "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	var last int64
	for i := 0; i < publishers*each; i++ {
		ev := nextMessage(t, watcher)
		assert.Greater(t, ev.Message.Seq, last)
		assert.False(t, seen[ev.Message.ID])
		seen[ev.Message.ID] = true
		last = ev.Message.Seq
	}
	assert.Equal(t, int64(publishers*each), last)
}

func TestGateway_PresenceAcrossTwoSessions(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	bob := h.connect(t, "bob")
	_, err := h.gw.Subscribe(ctx, bob, general)
	require.NoError(t, err)

	phone := h.connect(t, "alice")
	laptop := h.connect(t, "alice")
	for _, s := range []*session.Session{phone, laptop} {
		_, err := h.gw.Subscribe(ctx, s, general)
		require.NoError(t, err)
	}
	assert.Equal(t, chat.StatusOnline, h.gw.Presence("alice").Status)

	// The phone stops heartbeating; the laptop keeps going.
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.gw.Heartbeat(laptop))
	h.clock.Advance(20 * time.Second)
	h.gw.Sweep()
	assert.Equal(t, chat.StatusOnline, h.gw.Presence("alice").Status)

	// Now the laptop goes quiet as well.
	h.clock.Advance(20 * time.Second)
	h.gw.Sweep()
	assert.Equal(t, chat.StatusIdle, h.gw.Presence("alice").Status)

	// Bob heard about it on the shared topic.
	var last chat.PresenceRecord
	for bob.Pending() > 0 {
		ev := <-bob.Events()
		if ev.Type == chat.EventPresence && ev.Presence.UserID == "alice" {
			last = *ev.Presence
		}
	}
	assert.Equal(t, chat.StatusIdle, last.Status)

	h.gw.Close(phone, nil)
	h.gw.Close(laptop, nil)
	assert.Equal(t, chat.StatusOffline, h.gw.Presence("alice").Status)

	ev := <-bob.Events()
	require.Equal(t, chat.EventPresence, ev.Type)
	assert.Equal(t, chat.StatusOffline, ev.Presence.Status)
}

func TestGateway_CloseCascades(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	_, err := h.gw.Subscribe(ctx, alice, general)
	require.NoError(t, err)
	require.Equal(t, 1, h.gw.Len())

	h.gw.Close(alice, nil)
	h.gw.Close(alice, chat.ErrShutdown)

	assert.Zero(t, h.gw.Len())
	assert.Empty(t, h.reg.SubscribersOf(general))
	assert.Empty(t, h.reg.TopicsOf(alice.ID()))
	assert.Equal(t, chat.StatusOffline, h.gw.Presence("alice").Status)
	assert.ErrorIs(t, alice.Err(), chat.ErrSessionClosed)

	_, err = h.gw.Subscribe(ctx, alice, general)
	assert.ErrorIs(t, err, chat.ErrSessionClosed)
	_, err = h.gw.Publish(ctx, alice, general, "hi", "")
	assert.ErrorIs(t, err, chat.ErrSessionClosed)
	assert.ErrorIs(t, h.gw.Heartbeat(alice), chat.ErrSessionClosed)
	assert.ErrorIs(t, h.gw.Unsubscribe(alice, general), chat.ErrSessionClosed)
}

func TestGateway_SweepExpiresDeadSessions(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.clock.Advance(60 * time.Second)
	require.NoError(t, h.gw.Heartbeat(bob))
	h.clock.Advance(40 * time.Second)

	assert.Equal(t, 1, h.gw.Sweep())
	assert.ErrorIs(t, alice.Err(), chat.ErrHeartbeatTimeout)
	assert.Equal(t, session.StateOpen, bob.State())
	assert.Equal(t, chat.StatusOffline, h.gw.Presence("alice").Status)
	assert.Equal(t, 1, h.gw.Len())
}

func TestGateway_LateHeartbeatLeavesNoGhostPresence(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.connect(t, "alice")

	h.gw.Close(alice, nil)
	assert.ErrorIs(t, h.gw.Heartbeat(alice), chat.ErrSessionClosed)
	assert.Equal(t, chat.StatusOffline, h.gw.Presence("alice").Status)

	// A heartbeat that passed the liveness check just before the close.
	h.gw.presence.Heartbeat("alice", alice.ID())
	require.Equal(t, chat.StatusOnline, h.gw.Presence("alice").Status)

	h.clock.Advance(90 * time.Second)
	assert.Zero(t, h.gw.Sweep(), "nothing left to close")
	assert.Equal(t, chat.StatusOffline, h.gw.Presence("alice").Status)

	h.clock.Advance(5 * time.Second)
	assert.Zero(t, h.gw.Sweep())
	assert.Empty(t, h.gw.presence.Sweep())
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t, Options{Session: session.Options{RateBurst: 2, RateInterval: time.Hour}})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	_, err := h.gw.Subscribe(ctx, alice, general)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := h.gw.Publish(ctx, alice, general, "hi", "")
		require.NoError(t, err)
	}
	_, err = h.gw.Publish(ctx, alice, general, "hi", "")
	assert.ErrorIs(t, err, chat.ErrRateLimited)
	assert.True(t, chat.Retryable(err))
	assert.Equal(t, session.StateOpen, alice.State())
}

func TestGateway_DeleteMessage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	for _, s := range []*session.Session{alice, bob} {
		_, err := h.gw.Subscribe(ctx, s, general)
		require.NoError(t, err)
	}

	msg, err := h.gw.Publish(ctx, alice, general, "oops", "")
	require.NoError(t, err)

	assert.ErrorIs(t, h.gw.DeleteMessage(ctx, bob, general, msg.ID), chat.ErrForbidden)
	require.NoError(t, h.gw.DeleteMessage(ctx, alice, general, msg.ID))

	assert.Equal(t, chat.EventMessage, nextMessage(t, bob).Type)
	ev := nextMessage(t, bob)
	assert.Equal(t, chat.EventMessageDeleted, ev.Type)
	assert.Equal(t, msg.ID, ev.Message.ID)

	history, err := h.gw.FetchHistory(ctx, "bob", general, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Deleted)
	assert.Equal(t, msg.Seq, history[0].Seq)
}

func TestGateway_Shutdown(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	require.NoError(t, h.gw.Shutdown(context.Background()))

	for _, s := range []*session.Session{alice, bob} {
		assert.ErrorIs(t, s.Err(), chat.ErrShutdown)
	}
	assert.Zero(t, h.gw.Len())

	token, err := h.jwt.Issue("carol", "", time.Hour)
	require.NoError(t, err)
	_, err = h.gw.Connect(context.Background(), token)
	assert.ErrorIs(t, err, chat.ErrShutdown)
}
