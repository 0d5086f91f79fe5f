package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Append inserts one audit entry; it is the only mutation the log exposes.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *ApprovalAuditEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
	}

	query := `
		INSERT INTO approval_audit_log
		    (workflow_id, step_id, entity_type, entity_id,
		     action, performed_by, performed_at,
		     status_before, status_after, approval_level,
		     metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10,
		        $11)
		RETURNING id
	`

	err = r.db.QueryRow(ctx, query,
		entry.WorkflowID,
		entry.StepID,
		entry.EntityType,
		entry.EntityID,
		string(entry.Action),
		entry.PerformedBy,
		entry.PerformedAt,
		statusText(entry.StatusBefore),
		statusText(entry.StatusAfter),
		entry.ApprovalLevel,
		metadataJSON,
	).Scan(&entry.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByWorkflow returns the audit trail of a workflow, oldest first.
func (r *ApprovalAuditRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalAuditEntry, error) {
	if _, err := uuid.Parse(workflowID); err != nil {
		return nil, nil
	}
	query := `
		SELECT id, workflow_id, step_id, entity_type, entity_id,
		       action, performed_by, performed_at,
		       status_before, status_after, approval_level, metadata
		FROM approval_audit_log
		WHERE workflow_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	var entries []*ApprovalAuditEntry
	for rows.Next() {
		e := &ApprovalAuditEntry{}
		var action string
		var before, after *string
		var metadataJSON []byte

		if err := rows.Scan(
			&e.ID,
			&e.WorkflowID,
			&e.StepID,
			&e.EntityType,
			&e.EntityID,
			&action,
			&e.PerformedBy,
			&e.PerformedAt,
			&before,
			&after,
			&e.ApprovalLevel,
			&metadataJSON,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		e.Action = AuditAction(action)
		e.StatusBefore = statusPtr(before)
		e.StatusAfter = statusPtr(after)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	return entries, nil
}

func statusText(s *WorkflowStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func statusPtr(s *string) *WorkflowStatus {
	if s == nil {
		return nil
	}
	v := WorkflowStatus(*s)
	return &v
}
