// ABOUTME: gRPC interceptor authenticating ingress calls with bearer credentials
// ABOUTME: Reads the authorization metadata key and populates the Identity in context

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(ctx context.Context, logger *slog.Logger, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor authenticates every unary call except those whose full
// method name starts with one of skipPrefixes (health checks).
func UnaryInterceptor(verifier TokenVerifier, logger *slog.Logger, skipPrefixes ...string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		for _, prefix := range skipPrefixes {
			if strings.HasPrefix(info.FullMethod, prefix) {
				return handler(ctx, req)
			}
		}

		id, err := authenticateGRPC(ctx, verifier, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

func authenticateGRPC(ctx context.Context, verifier TokenVerifier, logger *slog.Logger) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(ctx, logger, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(ctx, logger, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(values[0])
	if errMsg != "" {
		logAuthFailure(ctx, logger, "bad_authorization_format")
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	id, err := verifier.Verify(token)
	if err != nil {
		logAuthFailure(ctx, logger, "invalid_token", "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return id, nil
}
