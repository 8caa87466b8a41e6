package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_Kinds(t *testing.T) {
	tests := []struct {
		name  string
		topic Topic
		kind  Kind
	}{
		{name: "channel", topic: ChannelTopic("srv1", "general"), kind: KindChannel},
		{name: "conversation", topic: ConversationTopic("abc"), kind: KindConversation},
		{name: "direct", topic: DirectTopic("bob", "alice"), kind: KindConversation},
		{name: "missing channel", topic: Topic("channel:srv1/"), kind: KindInvalid},
		{name: "missing separator", topic: Topic("channel:srv1"), kind: KindInvalid},
		{name: "empty conversation", topic: Topic("dm:"), kind: KindInvalid},
		{name: "unknown prefix", topic: Topic("room:1"), kind: KindInvalid},
		{name: "empty", topic: Topic(""), kind: KindInvalid},
		{name: "whitespace", topic: Topic("dm:a b"), kind: KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.topic.Kind())
		})
	}
}

func TestTopic_Accessors(t *testing.T) {
	ch := ChannelTopic("srv1", "general")
	assert.Equal(t, "channel:srv1/general", ch.String())
	assert.Equal(t, "srv1", ch.ServerID())
	assert.Equal(t, "general", ch.ChannelID())
	assert.Empty(t, ch.ConversationID())

	dm := DirectTopic("zed", "amy")
	assert.Equal(t, Topic("dm:amy_zed"), dm)
	assert.Equal(t, DirectTopic("amy", "zed"), dm)
	a, b, ok := dm.Participants()
	require.True(t, ok)
	assert.Equal(t, "amy", a)
	assert.Equal(t, "zed", b)

	_, _, ok = ConversationTopic("group-7").Participants()
	assert.False(t, ok)
	_, _, ok = DirectTopic("same", "same").Participants()
	assert.False(t, ok)
}

func TestDirectTopicEscapesUserIDs(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"user_1", "zed"},
		{"a_b", "a"},
		{"50%_off", "x/y"},
		{"%5F", "_"},
	}
	for _, tt := range tests {
		dm := DirectTopic(tt.a, tt.b)
		require.NoError(t, dm.Validate(), dm)
		assert.Equal(t, DirectTopic(tt.b, tt.a), dm)

		a, b, ok := dm.Participants()
		require.True(t, ok, dm)
		assert.ElementsMatch(t, []string{tt.a, tt.b}, []string{a, b})
	}

	assert.Equal(t, Topic("dm:user%5F1_zed"), DirectTopic("zed", "user_1"))

	// Ambiguous or non-canonical spellings name nobody.
	for _, raw := range []string{"dm:user_1_zed", "dm:user%5f1_zed", "dm:zed_amy", "dm:team_a"} {
		_, _, ok := Topic(raw).Participants()
		assert.False(t, ok, raw)
	}
}

func TestParseTopic(t *testing.T) {
	got, err := ParseTopic("channel:s/c")
	require.NoError(t, err)
	assert.Equal(t, ChannelTopic("s", "c"), got)

	_, err = ParseTopic("nonsense")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestLimits_ValidateContent(t *testing.T) {
	limits := Limits{MaxContentBytes: 10, MaxAttachmentBytes: 40}

	tests := []struct {
		name       string
		content    string
		attachment string
		wantErr    bool
	}{
		{name: "plain text", content: "hi"},
		{name: "blank", content: "   ", wantErr: true},
		{name: "too long", content: strings.Repeat("x", 11), wantErr: true},
		{name: "invalid utf8", content: string([]byte{0xff, 0xfe}), wantErr: true},
		{name: "nul byte", content: "a\x00b", wantErr: true},
		{name: "image only", attachment: "https://cdn.example.com/a.png"},
		{name: "relative attachment", attachment: "/a.png", wantErr: true},
		{name: "long attachment", attachment: "https://cdn.example.com/" + strings.Repeat("a", 40), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := limits.ValidateContent(tt.content, tt.attachment)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContent)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCodeAndRetryable(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{err: ErrAuth, code: "auth"},
		{err: fmt.Errorf("subscribe: %w", ErrUnauthorized), code: "unauthorized"},
		{err: ErrInvalidTopic, code: "invalid_content"},
		{err: ErrForbidden, code: "forbidden"},
		{err: fmt.Errorf("append: %w", ErrStoreUnavailable), code: "store_unavailable", retryable: true},
		{err: context.DeadlineExceeded, code: "store_unavailable", retryable: true},
		{err: ErrSessionClosed, code: "session_closed"},
		{err: ErrRateLimited, code: "rate_limited", retryable: true},
		{err: ErrSlowConsumer, code: "slow_consumer"},
		{err: ErrHeartbeatTimeout, code: "heartbeat_timeout"},
		{err: ErrShutdown, code: "shutdown"},
		{err: fmt.Errorf("boom"), code: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
	assert.Empty(t, Code(nil))
}

func TestMessage_Tombstone(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	m := Message{ID: "m1", Topic: ChannelTopic("s", "c"), AuthorID: "u1", Content: "secret", AttachmentRef: "https://x.y/z", Seq: 7}

	ts := m.Tombstone(now)

	assert.True(t, ts.Deleted)
	assert.Empty(t, ts.Content)
	assert.Empty(t, ts.AttachmentRef)
	assert.Equal(t, int64(7), ts.Seq)
	assert.Equal(t, "u1", ts.AuthorID)
	require.NotNil(t, ts.DeletedAt)
	assert.Equal(t, now, *ts.DeletedAt)
	assert.Equal(t, "secret", m.Content, "original must be untouched")
}

func TestStatus_MoreOnline(t *testing.T) {
	assert.True(t, StatusOnline.MoreOnline(StatusIdle))
	assert.True(t, StatusIdle.MoreOnline(StatusOffline))
	assert.False(t, StatusIdle.MoreOnline(StatusOnline))
	assert.False(t, StatusOffline.MoreOnline(StatusOffline))
}

func TestEvents(t *testing.T) {
	m := Message{ID: "m1", Topic: ConversationTopic("c"), Seq: 1}
	ev := MessageEvent(m)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, m.Topic, ev.Topic)
	require.NotNil(t, ev.Message)

	closed := ClosedEvent(ErrSlowConsumer)
	assert.Equal(t, EventClosed, closed.Type)
	assert.Equal(t, ErrSlowConsumer.Error(), closed.Reason)
}
