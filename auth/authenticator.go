package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// User represents an authenticated user with their associated role.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// contextKey is a private type to avoid context key collisions.
type contextKey string

const (
	// UserContextKey is the key used to store the User object in the context.
	UserContextKey = contextKey("user")
	// RoleReader allows history and configuration queries.
	RoleReader = "reader"
	// RoleWriter allows every call, including archiving and logger placement.
	RoleWriter = "writer"
)

// IAuthenticator guards the gRPC services.
type IAuthenticator interface {
	Authenticate(ctx context.Context) (context.Context, error)
	Authorize(ctx context.Context, requiredRole string) error
	UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)
	StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error
}

// Authenticator handles basic authentication against the user file and
// role-based authorization per gRPC method.
type Authenticator struct {
	usersByUsername map[string]User
	readOnly        map[string]bool // full method names a reader may call
	logger          *slog.Logger
}

var _ IAuthenticator = (*Authenticator)(nil)

// NewAuthenticator loads the user file. readOnlyMethods are the full gRPC method
// names open to RoleReader; every other method requires RoleWriter.
func NewAuthenticator(userFilePath string, readOnlyMethods []string, logger *slog.Logger) (*Authenticator, error) {
	records, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("user database %s has no users", userFilePath)
	}
	userMap := make(map[string]User, len(records))
	for _, u := range records {
		userMap[u.Username] = User{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role}
	}
	readOnly := make(map[string]bool, len(readOnlyMethods))
	for _, m := range readOnlyMethods {
		readOnly[m] = true
	}
	return &Authenticator{
		usersByUsername: userMap,
		readOnly:        readOnly,
		logger:          logger.With("component", "Authenticator"),
	}, nil
}

func (a *Authenticator) checkAuthentication(username, password string) (User, error) {
	user, ok := a.usersByUsername[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return User{}, status.Error(codes.Unauthenticated, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return User{}, status.Error(codes.Unauthenticated, "invalid username or password")
	}
	return user, nil
}

// Authenticate extracts Basic Auth credentials from the gRPC context, validates them,
// and returns a new context with the authenticated user's information.
func (a *Authenticator) Authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	authHeader := values[0]
	if !strings.HasPrefix(authHeader, "Basic ") {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid base64 in authorization header")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid basic auth format")
	}
	user, err := a.checkAuthentication(username, password)
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, UserContextKey, user), nil
}

// Authorize checks if the user in the context has the required role.
func (a *Authenticator) Authorize(ctx context.Context, requiredRole string) error {
	user, ok := ctx.Value(UserContextKey).(User)
	if !ok {
		return status.Error(codes.Internal, "no user information in context")
	}
	if user.Role == RoleWriter || (user.Role == RoleReader && requiredRole == RoleReader) {
		return nil
	}
	return status.Error(codes.PermissionDenied, fmt.Sprintf("user '%s' with role '%s' is not authorized for this operation (requires role '%s')", user.Username, user.Role, requiredRole))
}

func (a *Authenticator) requiredRole(fullMethod string) string {
	if a.readOnly[fullMethod] {
		return RoleReader
	}
	return RoleWriter
}

// UnaryInterceptor authenticates the caller and authorizes the method.
func (a *Authenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	newCtx, err := a.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(newCtx, a.requiredRole(info.FullMethod)); err != nil {
		return nil, err
	}
	return handler(newCtx, req)
}

// StreamInterceptor is a gRPC stream server interceptor for authentication.
func (a *Authenticator) StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	newCtx, err := a.Authenticate(ss.Context())
	if err != nil {
		return err
	}
	if err := a.Authorize(newCtx, a.requiredRole(info.FullMethod)); err != nil {
		return err
	}
	return handler(srv, &wrappedServerStream{ServerStream: ss, newCtx: newCtx})
}

// wrappedServerStream wraps an existing grpc.ServerStream with a new context.
type wrappedServerStream struct {
	grpc.ServerStream
	newCtx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.newCtx
}

// BasicCredentials attaches basic auth to every outgoing call. The manager uses
// it to reach secured worker hosts.
type BasicCredentials struct {
	Username string
	Password string
	// AllowInsecure permits sending credentials over a plaintext connection.
	AllowInsecure bool
}

var _ credentials.PerRPCCredentials = BasicCredentials{}

func (c BasicCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return map[string]string{"authorization": "Basic " + token}, nil
}

func (c BasicCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}

// UserFromContext returns the user Authenticate stored in ctx.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(UserContextKey).(User)
	return user, ok
}

// allowAll lets every call through. It is used when security is disabled.
type allowAll struct{}

func NewNonAuthenticator() IAuthenticator { return allowAll{} }

func (allowAll) Authenticate(ctx context.Context) (context.Context, error) { return ctx, nil }

func (allowAll) Authorize(context.Context, string) error { return nil }

func (allowAll) UnaryInterceptor(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}

func (allowAll) StreamInterceptor(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return handler(srv, ss)
}
