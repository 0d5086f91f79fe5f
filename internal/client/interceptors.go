package client

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-plt-approvals/internal/common/middleware"
)

// Metadata keys carried by gRPC callers, mirroring the HTTP headers.
const (
	MetadataActor     = "x-user-id"
	MetadataRequestID = "x-request-id"
)

// ActorInterceptor is a gRPC unary server interceptor that copies the
// gateway-set user ID and request ID from incoming metadata into the
// context, the same way the HTTP middleware does for headers.
func ActorInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(withCallerMetadata(ctx), req)
}

func withCallerMetadata(ctx context.Context) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)
	if actor := first(md, MetadataActor); actor != "" {
		ctx = middleware.WithActor(ctx, actor)
	}
	id := first(md, MetadataRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	return middleware.WithRequestID(ctx, id)
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
