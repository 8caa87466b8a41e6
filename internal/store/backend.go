package store

import (
	"context"
	"time"

	"go-chat-relay/internal/chat"
)

// Backend is the durable append-only log beneath Store. Implementations assign
// Seq inside Append; Store guarantees at most one in-flight Append per topic on
// this node, the backend must still refuse duplicate slots across nodes.
type Backend interface {
	// Append persists msg, stamping Seq (last+1 for the topic) and CreatedAt.
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)

	// Range returns messages with Seq > after in ascending order, at most limit.
	Range(ctx context.Context, topic chat.Topic, after int64, limit int) ([]chat.Message, error)

	// Latest returns the newest limit messages in ascending order.
	Latest(ctx context.Context, topic chat.Topic, limit int) ([]chat.Message, error)

	// Get returns chat.ErrNotFound when the message does not exist in topic.
	Get(ctx context.Context, topic chat.Topic, id string) (chat.Message, error)

	// Tombstone clears the body of a message and returns the result. Deleting a
	// tombstone again keeps the first DeletedAt.
	Tombstone(ctx context.Context, topic chat.Topic, id string, at time.Time) (chat.Message, error)
}
