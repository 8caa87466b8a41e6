package chat

import (
	"fmt"
	"strings"
)

// Topic addresses one message stream: a server channel or a conversation.
// The zero value is not a valid topic.
//
//	channel:<serverID>/<channelID>
//	dm:<conversationID>
type Topic string

const (
	channelPrefix      = "channel:"
	conversationPrefix = "dm:"
	directSeparator    = "_"
)

// Kind distinguishes channel topics from conversation topics.
type Kind int

const (
	KindInvalid Kind = iota
	KindChannel
	KindConversation
)

// ChannelTopic returns the topic of channelID inside serverID.
func ChannelTopic(serverID, channelID string) Topic {
	return Topic(channelPrefix + serverID + "/" + channelID)
}

// ConversationTopic returns the topic of a conversation.
func ConversationTopic(conversationID string) Topic {
	return Topic(conversationPrefix + conversationID)
}

var (
	userIDEscaper   = strings.NewReplacer("%", "%25", directSeparator, "%5F", "/", "%2F")
	userIDUnescaper = strings.NewReplacer("%25", "%", "%5F", directSeparator, "%2F", "/")
)

// DirectTopic returns the conversation between two users. The id is built
// from the sorted pair so both sides derive the same topic. User ids are
// escaped, so an id containing the separator still splits back unambiguously.
func DirectTopic(userA, userB string) Topic {
	if userB < userA {
		userA, userB = userB, userA
	}
	return ConversationTopic(userIDEscaper.Replace(userA) + directSeparator + userIDEscaper.Replace(userB))
}

// ParseTopic validates a topic key received from the wire.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func (t Topic) String() string { return string(t) }

// Kind reports what the topic identifies.
func (t Topic) Kind() Kind {
	s := string(t)
	switch {
	case strings.HasPrefix(s, channelPrefix):
		server, channel, ok := strings.Cut(s[len(channelPrefix):], "/")
		if !ok || !validPart(server) || !validPart(channel) {
			return KindInvalid
		}
		return KindChannel
	case strings.HasPrefix(s, conversationPrefix):
		if !validPart(s[len(conversationPrefix):]) {
			return KindInvalid
		}
		return KindConversation
	default:
		return KindInvalid
	}
}

// Validate returns ErrInvalidTopic for malformed keys.
func (t Topic) Validate() error {
	if t.Kind() == KindInvalid {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, string(t))
	}
	return nil
}

// ServerID returns the server part of a channel topic, or "".
func (t Topic) ServerID() string {
	if t.Kind() != KindChannel {
		return ""
	}
	server, _, _ := strings.Cut(string(t)[len(channelPrefix):], "/")
	return server
}

// ChannelID returns the channel part of a channel topic, or "".
func (t Topic) ChannelID() string {
	if t.Kind() != KindChannel {
		return ""
	}
	_, channel, _ := strings.Cut(string(t)[len(channelPrefix):], "/")
	return channel
}

// ConversationID returns the conversation id of a conversation topic, or "".
func (t Topic) ConversationID() string {
	if t.Kind() != KindConversation {
		return ""
	}
	return string(t)[len(conversationPrefix):]
}

// Participants returns the two users of a direct conversation built with
// DirectTopic. ok is false for every other topic.
func (t Topic) Participants() (a, b string, ok bool) {
	parts := strings.Split(t.ConversationID(), directSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	a, b = userIDUnescaper.Replace(parts[0]), userIDUnescaper.Replace(parts[1])
	// Only the canonical spelling names the pair.
	if a == b || DirectTopic(a, b) != t {
		return "", "", false
	}
	return a, b, true
}

func validPart(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "/ \t\r\n")
}
