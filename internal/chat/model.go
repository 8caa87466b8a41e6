package chat

import "time"

// ---------------------------------------------
// 🗄️ Durable Models
// ---------------------------------------------

// Message is one entry in a topic's append log. Seq is assigned exactly once by
// the store and is the only ordering key; CreatedAt is advisory.
type Message struct {
	ID            string     `json:"id"`
	Topic         Topic      `json:"topic"`
	AuthorID      string     `json:"author_id"`
	Content       string     `json:"content"`
	AttachmentRef string     `json:"attachment_ref,omitempty"`
	Seq           int64      `json:"seq"`
	CreatedAt     time.Time  `json:"created_at"`
	Deleted       bool       `json:"deleted,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Tombstone returns a copy of m with its body cleared. The id, author and
// sequence slot survive so replays keep their shape.
func (m Message) Tombstone(at time.Time) Message {
	at = at.UTC()
	m.Content = ""
	m.AttachmentRef = ""
	m.Deleted = true
	m.DeletedAt = &at
	return m
}

// ---------------------------------------------
// ⚡ Live State
// ---------------------------------------------

// Status is a user's derived presence.
type Status string

const (
	StatusOffline Status = "offline"
	StatusIdle    Status = "idle"
	StatusOnline  Status = "online"
)

// rank orders statuses so the "most online" session wins.
func (s Status) rank() int {
	switch s {
	case StatusOnline:
		return 2
	case StatusIdle:
		return 1
	default:
		return 0
	}
}

// MoreOnline reports whether s beats other (online > idle > offline).
func (s Status) MoreOnline(other Status) bool {
	return s.rank() > other.rank()
}

// PresenceRecord is recomputed from a user's live sessions; it is never
// written directly.
type PresenceRecord struct {
	UserID       string    `json:"user_id"`
	Status       Status    `json:"status"`
	LastChangeAt time.Time `json:"last_change_at"`
}

// Subscription links one session to one topic for as long as the session lives.
type Subscription struct {
	SessionID string    `json:"session_id"`
	Topic     Topic     `json:"topic"`
	GrantedAt time.Time `json:"granted_at"`
}
