package handler

import (
	"bytes"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/common/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// GRPCServiceName is the fully qualified name callers dial.
const GRPCServiceName = "approvals.v1.ApprovalEngine"

// GRPCHandler exposes the engine over gRPC. Every method takes and returns a
// google.protobuf.Struct whose fields match the REST JSON bodies, so both
// transports share one set of DTOs.
type GRPCHandler struct {
	engine   *service.ApprovalEngine
	matrices *service.MatrixService
	log      *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, matrices *service.MatrixService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:   engine,
		matrices: matrices,
		log:      log.Component("grpc"),
	}
}

type rpcMethod struct {
	name string
	call func(ctx context.Context, req *structpb.Struct) (any, error)
}

func (h *GRPCHandler) methods() []rpcMethod {
	return []rpcMethod{
		{"CreateMatrix", h.CreateMatrix},
		{"GetMatrix", h.GetMatrix},
		{"ListMatrices", h.ListMatrices},
		{"DeleteMatrix", h.DeleteMatrix},
		{"ResolveMatrix", h.ResolveMatrix},
		{"SubmitWorkflow", h.SubmitWorkflow},
		{"GetWorkflow", h.GetWorkflow},
		{"ProcessAction", h.ProcessAction},
		{"CancelWorkflow", h.CancelWorkflow},
		{"ListPending", h.ListPending},
		{"GetStatistics", h.GetStatistics},
		{"CreateDelegation", h.CreateDelegation},
		{"RevokeDelegation", h.RevokeDelegation},
	}
}

// Register installs the service on srv.
func (h *GRPCHandler) Register(srv grpc.ServiceRegistrar) {
	desc := &grpc.ServiceDesc{
		ServiceName: GRPCServiceName,
		HandlerType: (*any)(nil),
		Metadata:    "approvals/v1/approvals.proto",
	}
	for _, m := range h.methods() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.name,
			Handler:    h.unary(m),
		})
	}
	srv.RegisterService(desc, h)
}

func (h *GRPCHandler) unary(m rpcMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	info := &grpc.UnaryServerInfo{Server: h, FullMethod: "/" + GRPCServiceName + "/" + m.name}
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			out, err := m.call(ctx, req.(*structpb.Struct))
			if err != nil {
				return nil, h.mapErrorToGRPC(info.FullMethod, err)
			}
			return toStruct(out)
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, info, call)
	}
}

// ── Matrices ──────────────────────────────────────────────────────────────────

func (h *GRPCHandler) CreateMatrix(ctx context.Context, req *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var body MatrixRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	body.ID = ""
	m, err := body.toMatrix()
	if err != nil {
		return nil, err
	}
	saved, err := h.matrices.Create(ctx, m, actor)
	if err != nil {
		return nil, err
	}
	return matrixResponse(saved), nil
}

func (h *GRPCHandler) GetMatrix(ctx context.Context, req *structpb.Struct) (any, error) {
	m, err := h.matrices.Get(ctx, field(req, "id"))
	if err != nil {
		return nil, err
	}
	return matrixResponse(m), nil
}

func (h *GRPCHandler) ListMatrices(ctx context.Context, req *structpb.Struct) (any, error) {
	list, err := h.matrices.List(ctx, repository.MatrixFilter{
		ModuleName: field(req, "module_name"),
		EntityType: field(req, "entity_type"),
		ActiveOnly: req.GetFields()["active_only"].GetBoolValue(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]MatrixRequest, 0, len(list))
	for _, m := range list {
		out = append(out, matrixResponse(m))
	}
	return map[string]any{"matrices": out, "total": len(out)}, nil
}

func (h *GRPCHandler) DeleteMatrix(ctx context.Context, req *structpb.Struct) (any, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if err := h.matrices.Delete(ctx, field(req, "id")); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (h *GRPCHandler) ResolveMatrix(ctx context.Context, req *structpb.Struct) (any, error) {
	var body ResolveRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	res, err := h.engine.ResolveMatrix(ctx, body.ModuleName, body.EntityType, body.Attributes)
	if err != nil {
		return nil, err
	}
	return resolveResponse(res), nil
}

// ── Workflows ─────────────────────────────────────────────────────────────────

func (h *GRPCHandler) SubmitWorkflow(ctx context.Context, req *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var body SubmitRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	res, err := h.engine.Submit(ctx, service.SubmitRequest{
		ModuleName: body.ModuleName,
		EntityType: body.EntityType,
		EntityID:   body.EntityID,
		ScopeID:    body.ScopeID,
		Attributes: body.Attributes,
		Initiator:  actor,
	})
	if err != nil {
		return nil, err
	}
	if !res.ApprovalRequired {
		return SubmitResponse{Reason: res.Resolution.Reason}, nil
	}
	return SubmitResponse{
		ApprovalRequired: true,
		Workflow:         workflowJSON(res.Workflow.Workflow, res.Workflow.Steps),
	}, nil
}

func (h *GRPCHandler) GetWorkflow(ctx context.Context, req *structpb.Struct) (any, error) {
	view, err := h.engine.GetWorkflow(ctx, field(req, "id"))
	if err != nil {
		return nil, err
	}
	return workflowJSON(view.Workflow, view.Steps), nil
}

func (h *GRPCHandler) ProcessAction(ctx context.Context, req *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var body ActionRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	action, err := service.ParseAction(body.Action)
	if err != nil {
		return nil, err
	}
	res, err := h.engine.ProcessAction(ctx, field(req, "workflow_id"), actor, action, body.payload())
	if err != nil {
		return nil, err
	}
	return actionResponse(res), nil
}

func (h *GRPCHandler) CancelWorkflow(ctx context.Context, req *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.engine.CancelWorkflow(ctx, field(req, "workflow_id"), actor, field(req, "reason")); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func (h *GRPCHandler) ListPending(ctx context.Context, _ *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	items, err := h.engine.PendingSteps(ctx, actor)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": pendingJSON(items), "total": len(items)}, nil
}

func (h *GRPCHandler) GetStatistics(ctx context.Context, req *structpb.Struct) (any, error) {
	return h.engine.Statistics(ctx, repository.StatsFilter{
		UserID:     field(req, "user_id"),
		ScopeID:    field(req, "scope_id"),
		ModuleName: field(req, "module_name"),
		EntityType: field(req, "entity_type"),
	})
}

// ── Delegations ───────────────────────────────────────────────────────────────

func (h *GRPCHandler) CreateDelegation(ctx context.Context, req *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	var body DelegationRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	d, err := h.engine.CreateDelegation(ctx, actor, service.DelegationRequest{
		ApproverID:          body.ApproverID,
		DelegateFromUserID:  body.DelegateFromUserID,
		DelegateToUserID:    body.DelegateToUserID,
		Reason:              body.Reason,
		StartDate:           body.StartDate,
		EndDate:             body.EndDate,
		MaxDelegationAmount: body.MaxDelegationAmount,
		CanFurtherDelegate:  body.CanFurtherDelegate,
	})
	if err != nil {
		return nil, err
	}
	return delegationJSON(d), nil
}

func (h *GRPCHandler) RevokeDelegation(ctx context.Context, req *structpb.Struct) (any, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	d, err := h.engine.RevokeDelegation(ctx, actor, field(req, "id"))
	if err != nil {
		return nil, err
	}
	return delegationJSON(d), nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func requireActor(ctx context.Context) (string, error) {
	actor := middleware.GetActor(ctx)
	if actor == "" {
		return "", status.Error(codes.Unauthenticated, "x-user-id metadata is required")
	}
	return actor, nil
}

func field(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

// fromStruct decodes a Struct into a DTO through its JSON form.
func fromStruct(req *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return errors.InvalidInput("body", "invalid request: "+err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidInput("body", "invalid request: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// mapErrorToGRPC converts coded service errors to gRPC status errors.
// Errors that already carry a status pass through unchanged.
func (h *GRPCHandler) mapErrorToGRPC(method string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := grpcCode(errors.CodeOf(err))
	msg := err.Error()
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if code == codes.Internal {
		h.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		msg = "internal server error"
	}
	return status.Error(code, msg)
}

func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeUnauthorized:
		return codes.PermissionDenied
	case errors.ErrCodeInvalidState, errors.ErrCodeConfiguration, errors.ErrCodeDeadlinePassed:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
