package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Query is the rule a policy must define.
const Query = "data.nodesense.authz.allow"

// DefaultRolePolicy is the Rego equivalent of RoleEngine.
const DefaultRolePolicy = `package nodesense.authz

default allow := false

allow if {
	some role in input.roles
	role == input.required_role
}
`

// RegoEngine evaluates a prepared OPA query for every decision.
type RegoEngine struct {
	prepared rego.PreparedEvalQuery
}

// NewRegoEngine compiles module source. name is only used in compile errors.
func NewRegoEngine(ctx context.Context, name, module string) (*RegoEngine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	return &RegoEngine{prepared: pq}, nil
}

// LoadRego compiles the policy file at path.
func LoadRego(ctx context.Context, path string) (*RegoEngine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewRegoEngine(ctx, filepath.Base(path), string(src))
}

// Allow is true only when the query yields exactly true. Undefined results deny.
func (e *RegoEngine) Allow(ctx context.Context, in Input) (bool, error) {
	rs, err := e.prepared.Eval(ctx, rego.EvalInput(in.asMap()))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}
