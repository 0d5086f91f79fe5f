package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func newGRPCConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	store := memory.New()
	engine := service.NewApprovalEngine(store, service.Options{}, logger.Nop())
	matrices := service.NewMatrixService(store, logger.Nop())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(client.ActorInterceptor))
	NewGRPCHandler(engine, matrices, logger.Nop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, "/"+GRPCServiceName+"/"+method, req, out)
	return out, err
}

func asActor(user string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), client.MetadataActor, user)
}

func TestGRPC_SubmitAndApprove(t *testing.T) {
	conn := newGRPCConn(t)

	matrix := map[string]any{
		"module_name":     "procurement",
		"entity_type":     "purchase_order",
		"approval_levels": 1,
		"approvers": []any{
			map[string]any{"user_id": "u-1", "approval_level": 1, "is_primary": true},
		},
	}
	created, err := invoke(asActor("admin"), conn, "CreateMatrix", matrix)
	require.NoError(t, err)
	assert.NotEmpty(t, created.GetFields()["id"].GetStringValue())

	submitted, err := invoke(asActor("u-initiator"), conn, "SubmitWorkflow", map[string]any{
		"module_name": "procurement",
		"entity_type": "purchase_order",
		"entity_id":   "po-1",
		"attributes":  map[string]any{"amount": 250},
	})
	require.NoError(t, err)
	assert.True(t, submitted.GetFields()["approval_required"].GetBoolValue())
	wf := submitted.GetFields()["workflow"].GetStructValue()
	wfID := wf.GetFields()["id"].GetStringValue()
	require.NotEmpty(t, wfID)

	approved, err := invoke(asActor("u-1"), conn, "ProcessAction", map[string]any{
		"workflow_id": wfID,
		"action":      "approve",
	})
	require.NoError(t, err)
	state := approved.GetFields()["workflow"].GetStructValue().GetFields()["current_status"].GetStringValue()
	assert.Equal(t, "approved", state)
}

func TestGRPC_ErrorStatuses(t *testing.T) {
	conn := newGRPCConn(t)

	_, err := invoke(context.Background(), conn, "GetWorkflow", map[string]any{"id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(context.Background(), conn, "CancelWorkflow", map[string]any{"workflow_id": "missing"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invoke(asActor("u-1"), conn, "ProcessAction", map[string]any{"workflow_id": "missing", "action": "escalate"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCCode(t *testing.T) {
	tests := []struct {
		code errors.Code
		want codes.Code
	}{
		{errors.ErrCodeInvalidInput, codes.InvalidArgument},
		{errors.ErrCodeNotFound, codes.NotFound},
		{errors.ErrCodeUnauthorized, codes.PermissionDenied},
		{errors.ErrCodeInvalidState, codes.FailedPrecondition},
		{errors.ErrCodeConfiguration, codes.FailedPrecondition},
		{errors.ErrCodeDeadlinePassed, codes.FailedPrecondition},
		{errors.ErrCodeInternal, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, grpcCode(tt.code))
		})
	}
}

func TestMapErrorToGRPC_HidesInternalDetail(t *testing.T) {
	h := NewGRPCHandler(nil, nil, logger.Nop())
	err := h.mapErrorToGRPC("/x", errors.Wrap(assert.AnError, errors.ErrCodeInternal, "query failed"))
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal server error", st.Message())

	err = h.mapErrorToGRPC("/x", errors.InvalidState("workflow %s is approved", "wf-1"))
	st, _ = status.FromError(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "workflow wf-1 is approved", st.Message())
}
