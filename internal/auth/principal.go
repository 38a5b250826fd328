package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser   Role = "USER"
	RoleDoctor Role = "DOCTOR"
	RoleAdmin  Role = "ADMIN"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID   uuid.UUID
	Role Role
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsDoctor reports whether p is the doctor identified by doctorID.
func (p Principal) IsDoctor(doctorID uuid.UUID) bool {
	return p.Role == RoleDoctor && p.ID == doctorID
}

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleUser, RoleDoctor, RoleAdmin:
		return r, nil
	case "":
		return RoleUser, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
