package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// NotificationPublisher publishes committed approval audit events to NATS
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<entity_type>.<action>, e.g.
// approvals.events.purchase_order.level_activated
//
// Publishing is non-fatal: errors are logged and never reach the engine,
// because the audit row is already committed.
type NotificationPublisher struct {
	conn   natsConn
	prefix string
	log    *logger.Logger
}

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType     string         `json:"event_type"`
	WorkflowID    string         `json:"workflow_id"`
	StepID        string         `json:"step_id,omitempty"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	ActorID       string         `json:"actor_id"`
	Recipients    []string       `json:"recipients,omitempty"`
	ApprovalLevel *int           `json:"approval_level,omitempty"`
	StatusBefore  string         `json:"status_before,omitempty"`
	StatusAfter   string         `json:"status_after,omitempty"`
	IsActionable  bool           `json:"is_actionable,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ConnectNotificationPublisher dials NATS. An empty url returns a publisher
// that drops every event.
func ConnectNotificationPublisher(url, name, prefix string, log *logger.Logger) (*NotificationPublisher, error) {
	log = log.Component("notifications")
	if url == "" {
		log.Info().Msg("NATS_URL not set, approval events will not be published")
		return &NotificationPublisher{prefix: prefix, log: log}, nil
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return newNotificationPublisher(nc, prefix, log), nil
}

func newNotificationPublisher(conn natsConn, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// PublishApprovalEvent publishes one audit event.
func (p *NotificationPublisher) PublishApprovalEvent(_ context.Context, ev service.ApprovalEvent) {
	if p.conn == nil {
		return
	}

	event := toNotificationEvent(ev)
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := p.subject(ev.Entry.EntityType, event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_id", event.WorkflowID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", event.WorkflowID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

// Close drains pending messages.
func (p *NotificationPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func (p *NotificationPublisher) subject(entityType, action string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(entityType), action)
}

// subjectToken keeps entity types from introducing extra subject levels or
// wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

func toNotificationEvent(ev service.ApprovalEvent) *NotificationEvent {
	e := ev.Entry
	out := &NotificationEvent{
		EventType:     string(e.Action),
		WorkflowID:    e.WorkflowID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		ActorID:       e.PerformedBy,
		Recipients:    ev.Recipients,
		ApprovalLevel: e.ApprovalLevel,
		IsActionable:  len(ev.Recipients) > 0 && actionable(e.Action),
		OccurredAt:    e.PerformedAt,
		Payload:       e.Metadata,
	}
	if e.StepID != nil {
		out.StepID = *e.StepID
	}
	if e.StatusBefore != nil {
		out.StatusBefore = string(*e.StatusBefore)
	}
	if e.StatusAfter != nil {
		out.StatusAfter = string(*e.StatusAfter)
	}
	return out
}

// actionable events put a step in someone's inbox.
func actionable(action repository.AuditAction) bool {
	switch action {
	case repository.AuditInstantiated, repository.AuditLevelActivated, repository.AuditDelegated:
		return true
	}
	return false
}
