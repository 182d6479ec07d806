// Package auth supplies the acting identity and the creator-or-admin rule.
package auth

import (
	"context"
	"fmt"

	"live-quiz-engine/internal/domain"
)

// Role of an acting identity.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleOperator    Role = "operator"
	RoleAdmin       Role = "admin"
	// RoleSystem is used by the scheduler and the session timer.
	RoleSystem Role = "system"
)

// Identity is who is performing an operation.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// System is the identity of unattended transitions.
func System() Identity {
	return Identity{UserID: "system", Name: "scheduler", Role: RoleSystem}
}

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// CreatorOrAdmin allows quiz management to the quiz creator, administrators
// and the system identity.
type CreatorOrAdmin struct{}

func (CreatorOrAdmin) CanManage(_ context.Context, actor Identity, quiz domain.Quiz) error {
	switch {
	case actor.Role == RoleSystem, actor.Role == RoleAdmin:
		return nil
	case actor.UserID != "" && actor.UserID == quiz.CreatedBy:
		return nil
	}
	return fmt.Errorf("%w: user %s on quiz %s", domain.ErrNotAuthorized, actor.UserID, quiz.ID)
}
