package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"go-chat-relay/internal/chat"
)

// PostgresBackend stores topic logs in the schema created by db.AutoMigrate.
// The sequence comes from an upsert on topics.last_seq, which takes a row lock
// and so serializes writers across nodes too.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const messageColumns = `id, topic_id, seq, author_id, content, COALESCE(attachment_ref, ''), created_at, deleted_at`

func (r *PostgresBackend) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	nextSeq := `
		INSERT INTO topics (id, last_seq) VALUES ($1, 1)
		ON CONFLICT (id) DO UPDATE SET last_seq = topics.last_seq + 1
		RETURNING last_seq
	`
	if err := tx.QueryRowContext(ctx, nextSeq, msg.Topic.String()).Scan(&msg.Seq); err != nil {
		return chat.Message{}, fmt.Errorf("assign seq: %w", err)
	}

	insert := `
		INSERT INTO messages (id, topic_id, seq, author_id, content, attachment_ref)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING created_at
	`
	err = tx.QueryRowContext(ctx, insert,
		msg.ID, msg.Topic.String(), msg.Seq, msg.AuthorID, msg.Content, msg.AttachmentRef,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit append: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (r *PostgresBackend) Range(ctx context.Context, topic chat.Topic, after int64, limit int) ([]chat.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE topic_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`
	return r.query(ctx, query, topic.String(), after, limit)
}

func (r *PostgresBackend) Latest(ctx context.Context, topic chat.Topic, limit int) ([]chat.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE topic_id = $1
		ORDER BY seq DESC
		LIMIT $2`
	messages, err := r.query(ctx, query, topic.String(), limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (r *PostgresBackend) Get(ctx context.Context, topic chat.Topic, id string) (chat.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return chat.Message{}, chat.ErrNotFound
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE topic_id = $1 AND id = $2`
	return r.queryOne(ctx, query, topic.String(), id)
}

func (r *PostgresBackend) Tombstone(ctx context.Context, topic chat.Topic, id string, at time.Time) (chat.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return chat.Message{}, chat.ErrNotFound
	}
	query := `
		UPDATE messages
		SET content = '', attachment_ref = NULL, deleted_at = COALESCE(deleted_at, $3)
		WHERE topic_id = $1 AND id = $2
		RETURNING ` + messageColumns
	return r.queryOne(ctx, query, topic.String(), id, at.UTC())
}

func (r *PostgresBackend) query(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (r *PostgresBackend) queryOne(ctx context.Context, query string, args ...any) (chat.Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, chat.ErrNotFound
	}
	return msg, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (chat.Message, error) {
	var (
		msg       chat.Message
		topic     string
		deletedAt sql.NullTime
	)
	err := row.Scan(&msg.ID, &topic, &msg.Seq, &msg.AuthorID, &msg.Content, &msg.AttachmentRef, &msg.CreatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Topic = chat.Topic(topic)
	msg.CreatedAt = msg.CreatedAt.UTC()
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		msg.Deleted = true
		msg.DeletedAt = &t
	}
	return msg, nil
}
