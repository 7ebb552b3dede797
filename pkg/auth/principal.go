// Package auth defines Kernel's caller-identity model: the Principal
// interface, context propagation, and a development-only deriver. Kernel
// does not issue or validate credentials itself — callers authenticate
// upstream (service mesh mTLS, a gateway) and Kernel trusts the principal it
// is handed, the same way it trusts signer and approver identities by ID.
package auth

import (
	"context"
	"errors"
)

// Principal is the entity making a request to Kernel.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is the default Principal implementation.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string      { return b.ID }
func (b *BasePrincipal) GetRoles() []string { return b.Roles }

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// ErrNoPrincipal is returned when no Principal has been attached to the
// context.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// GetPrincipal retrieves the Principal attached to ctx.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// MustGetPrincipal panics if ctx carries no Principal. Use only where
// middleware guarantees one is present.
func MustGetPrincipal(ctx context.Context) Principal {
	p, err := GetPrincipal(ctx)
	if err != nil {
		panic(err)
	}
	return p
}
