// Package membership answers who may read, write and moderate a topic. The
// roster itself is maintained elsewhere; this core only consults it.
package membership

import (
	"context"
	"sync"

	"go-chat-relay/internal/chat"
)

// Role of a user within a topic.
type Role string

const (
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

// Service is the read-only view of the roster used by the store and registry.
type Service interface {
	IsMember(ctx context.Context, topic chat.Topic, userID string) (bool, error)
	IsOwner(ctx context.Context, topic chat.Topic, userID string) (bool, error)
}

// Static is an in-memory roster. It backs tests and single-node dev setups.
type Static struct {
	mu    sync.RWMutex
	roles map[chat.Topic]map[string]Role
}

func NewStatic() *Static {
	return &Static{roles: make(map[chat.Topic]map[string]Role)}
}

// Grant adds (or re-roles) userID on topic.
func (s *Static) Grant(topic chat.Topic, userID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.roles[topic]
	if !ok {
		members = make(map[string]Role)
		s.roles[topic] = members
	}
	members[userID] = role
}

// Revoke removes userID from topic. Open subscriptions are left alone.
func (s *Static) Revoke(topic chat.Topic, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[topic], userID)
}

func (s *Static) IsMember(_ context.Context, topic chat.Topic, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roles[topic][userID]
	return ok, nil
}

func (s *Static) IsOwner(_ context.Context, topic chat.Topic, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[topic][userID] == RoleOwner, nil
}

// Direct wraps next so that both participants of a direct conversation are
// members without a roster entry. Direct conversations have no owner.
func Direct(next Service) Service {
	return direct{next: next}
}

type direct struct {
	next Service
}

func (d direct) IsMember(ctx context.Context, topic chat.Topic, userID string) (bool, error) {
	if a, b, ok := topic.Participants(); ok {
		return userID == a || userID == b, nil
	}
	if d.next == nil {
		return false, nil
	}
	return d.next.IsMember(ctx, topic, userID)
}

func (d direct) IsOwner(ctx context.Context, topic chat.Topic, userID string) (bool, error) {
	if _, _, ok := topic.Participants(); ok {
		return false, nil
	}
	if d.next == nil {
		return false, nil
	}
	return d.next.IsOwner(ctx, topic, userID)
}
