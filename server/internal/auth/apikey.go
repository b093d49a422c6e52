package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ModeAPIKey enables API key checks. Any other mode lets every call through.
const ModeAPIKey = "apikey"

// DefaultHeader carries the key on both the gRPC and the HTTP surface.
const DefaultHeader = "x-api-key"

// APIKey checks a shared secret presented in a request header or gRPC
// metadata entry.
type APIKey struct {
	header string
	key    []byte
}

// NewAPIKey returns a checker for key in header. When mode is not "apikey" or
// key is empty the checker is disabled and allows everything.
func NewAPIKey(mode, header, key string) *APIKey {
	if header == "" {
		header = DefaultHeader
	}
	a := &APIKey{header: strings.ToLower(header)}
	if mode == ModeAPIKey && key != "" {
		a.key = []byte(key)
	}
	return a
}

// Enabled reports whether calls are checked.
func (a *APIKey) Enabled() bool { return len(a.key) > 0 }

func (a *APIKey) valid(presented string) bool {
	return presented != "" && subtle.ConstantTimeCompare([]byte(presented), a.key) == 1
}

// UnaryInterceptor rejects gRPC calls whose metadata lacks the correct key
// with codes.Unauthenticated.
func (a *APIKey) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !a.Enabled() {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get(a.header)
		if len(vals) == 0 || !a.valid(vals[0]) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}

		return handler(ctx, req)
	}
}

// Middleware rejects HTTP requests without the correct key with 401 and a
// JSON error body.
func (a *APIKey) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.valid(r.Header.Get(a.header)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid api key"}` + "\n")) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}
