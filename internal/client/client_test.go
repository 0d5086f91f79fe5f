package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apperrors "github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/common/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Drain() error { return nil }

func TestNotificationPublisher_PublishesEvent(t *testing.T) {
	conn := &fakeConn{}
	pub := newNotificationPublisher(conn, "approvals.events.", logger.Nop())

	level := 2
	step := "step-1"
	after := repository.WorkflowPending
	pub.PublishApprovalEvent(context.Background(), service.ApprovalEvent{
		Entry: repository.ApprovalAuditEntry{
			WorkflowID:    "wf-1",
			StepID:        &step,
			EntityType:    "purchase.order",
			EntityID:      "po-1",
			Action:        repository.AuditLevelActivated,
			PerformedBy:   "u-1",
			PerformedAt:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			StatusAfter:   &after,
			ApprovalLevel: &level,
			Metadata:      map[string]any{"approvers": []string{"u-2"}},
		},
		Recipients: []string{"u-2"},
	})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "approvals.events.purchase_order.level_activated", conn.subjects[0])

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &ev))
	assert.Equal(t, "level_activated", ev.EventType)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.Equal(t, "step-1", ev.StepID)
	assert.Equal(t, []string{"u-2"}, ev.Recipients)
	assert.True(t, ev.IsActionable)
	assert.Equal(t, "pending", ev.StatusAfter)
	require.NotNil(t, ev.ApprovalLevel)
	assert.Equal(t, 2, *ev.ApprovalLevel)
}

func TestNotificationPublisher_FailuresAreSwallowed(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	pub := newNotificationPublisher(conn, "approvals.events", logger.Nop())

	assert.NotPanics(t, func() {
		pub.PublishApprovalEvent(context.Background(), service.ApprovalEvent{
			Entry: repository.ApprovalAuditEntry{WorkflowID: "wf-1", EntityType: "po", Action: repository.AuditCompleted},
		})
	})
}

func TestConnectNotificationPublisher_DisabledWithoutURL(t *testing.T) {
	pub, err := ConnectNotificationPublisher("", "test", "approvals.events", logger.Nop())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		pub.PublishApprovalEvent(context.Background(), service.ApprovalEvent{})
	})
	assert.NoError(t, pub.Close())
}

func TestEntityClient_EntityAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u-7", r.Header.Get(middleware.HeaderActor))
		switch r.URL.Path {
		case "/orders/po-1":
			_, _ = w.Write([]byte(`{"amount": 1250.50, "supplier": {"category": "capex"}}`))
		case "/orders/po-2":
			_, _ = w.Write([]byte(`{"attributes": {"amount": 10}}`))
		case "/orders/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewEntityClient(srv.URL+"/orders/", time.Second)
	ctx := middleware.WithActor(context.Background(), "u-7")

	attrs, err := c.EntityAttributes(ctx, "purchase_order", "po-1")
	require.NoError(t, err)
	amount, ok := attrs.Lookup("amount")
	require.True(t, ok)
	assert.Equal(t, json.Number("1250.50"), amount)
	category, ok := attrs.Lookup("supplier.category")
	require.True(t, ok)
	assert.Equal(t, "capex", category)

	attrs, err = c.EntityAttributes(ctx, "purchase_order", "po-2")
	require.NoError(t, err)
	assert.Equal(t, rules.Attributes{"amount": json.Number("10")}, attrs)

	attrs, err = c.EntityAttributes(ctx, "purchase_order", "missing")
	require.NoError(t, err)
	assert.Nil(t, attrs)

	_, err = c.EntityAttributes(ctx, "purchase_order", "broken")
	assert.Error(t, err)
}

func TestRegisterEntitySources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	reg := service.NewEntityRegistry()
	RegisterEntitySources(reg, map[string]string{"purchase_order": srv.URL}, time.Second)
	assert.True(t, reg.Registered("purchase_order"))

	_, err := reg.Lookup(context.Background(), "purchase_order", "po-404")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestActorInterceptor(t *testing.T) {
	md := metadata.Pairs(MetadataActor, " u-9 ", MetadataRequestID, "req-1")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var seen context.Context
	_, err := ActorInterceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
		seen = ctx
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "u-9", middleware.GetActor(seen))
	assert.Equal(t, "req-1", middleware.GetRequestID(seen))

	_, err = ActorInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
		seen = ctx
		return nil, nil
	})
	require.NoError(t, err)
	assert.Empty(t, middleware.GetActor(seen))
	assert.NotEmpty(t, middleware.GetRequestID(seen))
}
