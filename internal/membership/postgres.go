package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-chat-relay/internal/chat"
)

// Postgres reads the topic_members table created by db.AutoMigrate.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) role(ctx context.Context, topic chat.Topic, userID string) (Role, error) {
	var role string
	query := "SELECT role FROM topic_members WHERE topic_id = $1 AND user_id = $2"

	err := p.db.QueryRowContext(ctx, query, topic.String(), userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup membership: %w", err)
	}
	return Role(role), nil
}

func (p *Postgres) IsMember(ctx context.Context, topic chat.Topic, userID string) (bool, error) {
	role, err := p.role(ctx, topic, userID)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

func (p *Postgres) IsOwner(ctx context.Context, topic chat.Topic, userID string) (bool, error) {
	role, err := p.role(ctx, topic, userID)
	if err != nil {
		return false, err
	}
	return role == RoleOwner, nil
}

// Grant upserts a roster row. The roster is owned by server management; this
// exists for the migrate/seed tooling and tests.
func (p *Postgres) Grant(ctx context.Context, topic chat.Topic, userID string, role Role) error {
	query := `
		INSERT INTO topic_members (topic_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (topic_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`
	if _, err := p.db.ExecContext(ctx, query, topic.String(), userID, string(role)); err != nil {
		return fmt.Errorf("grant membership: %w", err)
	}
	return nil
}
