package policy

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/platform/auditlog"
)

// Audit records one commit_audit_events row per published unit.
type Audit struct {
	db    auditlog.QueryRower
	actor string
	runID string
}

func NewAudit(db auditlog.QueryRower, actor, runID string) (*Audit, error) {
	if db == nil {
		return nil, errors.New("audit database is required")
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "tablecommit"
	}
	return &Audit{db: db, actor: actor, runID: strings.TrimSpace(runID)}, nil
}

func (p *Audit) Name() string {
	return KindAudit
}

func (p *Audit) OnCommit(ctx context.Context, action domain.CommitPolicyAction) error {
	_, err := auditlog.Insert(ctx, p.db, auditEvent(action, p.actor, p.runID))
	return err
}

func auditEvent(action domain.CommitPolicyAction, actor, runID string) auditlog.Event {
	payload := map[string]any{
		"table":       action.Table.String(),
		"path":        action.Path,
		"mode":        action.Mode.String(),
		"files_moved": action.FilesMoved,
	}
	event := auditlog.Event{
		OccurredAt:   action.CommittedAt,
		Actor:        actor,
		Action:       "table.commit",
		ResourceType: "table",
		ResourceID:   action.Table.String(),
		RunID:        runID,
		Payload:      payload,
	}
	if action.Spec != nil {
		payload["partition"] = *action.Spec
		event.Action = "partition.commit"
		event.ResourceType = "table_partition"
		event.ResourceID = action.Table.String() + "/" + action.Spec.String()
	}
	return event
}
