// Package policy holds the hooks run after a commit unit is durably published.
// Hooks may run again for the same partition when a job is retried, so every
// implementation here tolerates re-invocation.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/platform/auditlog"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

const (
	KindSuccessFile = "success-file"
	KindAudit       = "audit"
)

// Policy is one post-commit hook.
type Policy interface {
	Name() string
	OnCommit(ctx context.Context, action domain.CommitPolicyAction) error
}

type funcPolicy struct {
	name string
	fn   func(ctx context.Context, action domain.CommitPolicyAction) error
}

// Func adapts fn into a Policy.
func Func(name string, fn func(ctx context.Context, action domain.CommitPolicyAction) error) Policy {
	return funcPolicy{name: name, fn: fn}
}

func (p funcPolicy) Name() string {
	return p.name
}

func (p funcPolicy) OnCommit(ctx context.Context, action domain.CommitPolicyAction) error {
	return p.fn(ctx, action)
}

// Deps are the collaborators a named policy may need.
type Deps struct {
	FS              fs.FileSystem
	AuditDB         auditlog.QueryRower
	SuccessFileName string
	Actor           string
	RunID           string
}

// Build instantiates policies by name, preserving order.
func Build(names []string, deps Deps) ([]Policy, error) {
	out := make([]Policy, 0, len(names))
	var issues []string
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[name]; dup {
			issues = append(issues, fmt.Sprintf("duplicate policy %q", name))
			continue
		}
		seen[name] = struct{}{}

		switch name {
		case KindSuccessFile:
			p, err := NewSuccessFile(deps.FS, deps.SuccessFileName)
			if err != nil {
				issues = append(issues, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			out = append(out, p)
		case KindAudit:
			p, err := NewAudit(deps.AuditDB, deps.Actor, deps.RunID)
			if err != nil {
				issues = append(issues, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			out = append(out, p)
		default:
			issues = append(issues, fmt.Sprintf("unknown policy %q", raw))
		}
	}
	if len(issues) > 0 {
		return nil, errors.New("build commit policies: " + strings.Join(issues, "; "))
	}
	return out, nil
}
