package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ApprovalEvent is what leaves the service after a transition commits.
// Recipients are the users expected to act next, if any.
type ApprovalEvent struct {
	Entry      repository.ApprovalAuditEntry
	Recipients []string
}

// EventPublisher delivers approval events. Publishing is best effort; a
// failure never affects the transition that produced the event.
type EventPublisher interface {
	PublishApprovalEvent(ctx context.Context, event ApprovalEvent)
}

type nopPublisher struct{}

func (nopPublisher) PublishApprovalEvent(context.Context, ApprovalEvent) {}

// AuditEmitter is the single place audit events are produced. Entries are
// appended to the audit log inside the caller's transaction and published
// only after that transaction commits.
type AuditEmitter struct {
	publisher EventPublisher
	log       *logger.Logger
}

// NewAuditEmitter creates an emitter. A nil publisher drops events.
func NewAuditEmitter(publisher EventPublisher, log *logger.Logger) *AuditEmitter {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &AuditEmitter{publisher: publisher, log: log}
}

// Begin starts a batch for one unit of work.
func (e *AuditEmitter) Begin() *AuditBatch {
	return &AuditBatch{emitter: e}
}

// AuditBatch collects the events of one transaction.
type AuditBatch struct {
	emitter *AuditEmitter
	events  []ApprovalEvent
}

// Record appends entry through tx and queues it for publishing.
func (b *AuditBatch) Record(ctx context.Context, tx repository.Store, entry *repository.ApprovalAuditEntry, recipients ...string) error {
	if err := tx.Audit().Append(ctx, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	b.events = append(b.events, ApprovalEvent{Entry: *entry, Recipients: recipients})
	return nil
}

// Reset drops queued events. Called before a retried transaction runs again.
func (b *AuditBatch) Reset() {
	b.events = b.events[:0]
}

// Flush publishes the queued events in order.
func (b *AuditBatch) Flush(ctx context.Context) {
	for _, ev := range b.events {
		b.emitter.publisher.PublishApprovalEvent(ctx, ev)
	}
	if len(b.events) > 0 {
		b.emitter.log.Debug().Int("events", len(b.events)).Msg("Approval events published")
	}
	b.events = nil
}

// Len reports how many events are queued.
func (b *AuditBatch) Len() int { return len(b.events) }

func entryFor(wf *repository.EntityApprovalWorkflow, action repository.AuditAction, actor string) *repository.ApprovalAuditEntry {
	return &repository.ApprovalAuditEntry{
		WorkflowID:  wf.ID,
		EntityType:  wf.EntityType,
		EntityID:    wf.EntityID,
		Action:      action,
		PerformedBy: actor,
		Metadata:    map[string]any{},
	}
}

func statusRef(s repository.WorkflowStatus) *repository.WorkflowStatus { return &s }

func intRef(n int) *int { return &n }
