// Package policy decides whether an authenticated principal may perform a privileged
// operation. The built-in RoleEngine checks role membership; RegoEngine delegates the same
// decision to an OPA policy.
package policy

import (
	"context"
	"slices"
)

// Input is what a decision is made on.
type Input struct {
	Subject      string         `json:"subject"`
	Roles        []string       `json:"roles"`
	RequiredRole string         `json:"required_role"`
	Claims       map[string]any `json:"claims,omitempty"`
}

func (in Input) asMap() map[string]any {
	roles := make([]any, len(in.Roles))
	for i, r := range in.Roles {
		roles[i] = r
	}
	m := map[string]any{
		"subject":       in.Subject,
		"roles":         roles,
		"required_role": in.RequiredRole,
	}
	if in.Claims != nil {
		m["claims"] = in.Claims
	}
	return m
}

// Engine returns allow/deny for an Input. An error means no decision could be made.
type Engine interface {
	Allow(ctx context.Context, in Input) (bool, error)
}

// RoleEngine allows when RequiredRole is one of Roles.
type RoleEngine struct{}

func (RoleEngine) Allow(_ context.Context, in Input) (bool, error) {
	return slices.Contains(in.Roles, in.RequiredRole), nil
}
