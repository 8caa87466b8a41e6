package chat

// EventType tags the variant carried by an Event.
type EventType string

const (
	EventMessage        EventType = "message"
	EventMessageDeleted EventType = "message_deleted"
	EventPresence       EventType = "presence"
	EventGap            EventType = "gap"
	EventClosed         EventType = "closed"
)

// Event is pushed to a session's inbound stream. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type     EventType       `json:"type"`
	Topic    Topic           `json:"topic,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	Presence *PresenceRecord `json:"presence,omitempty"`
	Gap      *Gap            `json:"gap,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

func MessageEvent(m Message) Event {
	return Event{Type: EventMessage, Topic: m.Topic, Message: &m}
}

// DeletedEvent carries the tombstoned message.
func DeletedEvent(m Message) Event {
	return Event{Type: EventMessageDeleted, Topic: m.Topic, Message: &m}
}

func PresenceEvent(topic Topic, rec PresenceRecord) Event {
	return Event{Type: EventPresence, Topic: topic, Presence: &rec}
}

// Gap names messages a session skipped: every seq strictly between After and
// Before. Clients page them with history starting at After.
type Gap struct {
	After  int64 `json:"after"`
	Before int64 `json:"before"`
}

func GapEvent(topic Topic, after, before int64) Event {
	return Event{Type: EventGap, Topic: topic, Gap: &Gap{After: after, Before: before}}
}

// ClosedEvent is always the last event of a session.
func ClosedEvent(reason error) Event {
	ev := Event{Type: EventClosed}
	if reason != nil {
		ev.Reason = reason.Error()
	}
	return ev
}
