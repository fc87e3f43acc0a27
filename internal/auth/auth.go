// Package auth verifies Firebase ID tokens and attaches the caller's account
// record to the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
)

type userKey struct{}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user followlytics.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the user stored by RequireUser.
func UserFrom(ctx context.Context) (followlytics.User, bool) {
	user, ok := ctx.Value(userKey{}).(followlytics.User)
	return user, ok
}

// DevVerifier accepts a fixed token→uid table. It is meant for local runs and tests.
type DevVerifier struct {
	tokens map[string]string
}

// NewDevVerifier builds a DevVerifier from token→uid pairs.
func NewDevVerifier(tokens map[string]string) *DevVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &DevVerifier{tokens: cp}
}

// Verify resolves token to its configured uid.
func (v *DevVerifier) Verify(_ context.Context, token string) (followlytics.Identity, error) {
	uid, ok := v.tokens[token]
	if !ok || token == "" {
		return followlytics.Identity{}, followlytics.ErrUnauthenticated
	}
	return followlytics.Identity{UID: uid, Email: uid + "@dev.followlytics.local"}, nil
}

// Middleware authenticates requests and loads (or creates) the account record.
type Middleware struct {
	verifier followlytics.TokenVerifier
	users    followlytics.UserStore
	clock    followlytics.Clock
	logger   *zap.Logger
}

// NewMiddleware wires the middleware dependencies.
func NewMiddleware(
	verifier followlytics.TokenVerifier,
	users followlytics.UserStore,
	clock followlytics.Clock,
	logger *zap.Logger,
) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{verifier: verifier, users: users, clock: clock, logger: logger}
}

// RequireUser rejects requests without a valid bearer token with 401.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		ident, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token verification failed", zap.Error(err))
			unauthorized(w, "invalid token")
			return
		}
		user, err := m.loadUser(r.Context(), ident)
		if err != nil {
			m.logger.Error("failed to load user", zap.String("uid", ident.UID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load account")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *Middleware) loadUser(ctx context.Context, ident followlytics.Identity) (followlytics.User, error) {
	user, err := m.users.GetUser(ctx, ident.UID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, followlytics.ErrNotFound) {
		return followlytics.User{}, fmt.Errorf("get user: %w", err)
	}
	now := m.clock.Now()
	user = followlytics.User{
		UID:       ident.UID,
		Email:     ident.Email,
		Tier:      followlytics.TierFree,
		Usage:     map[string]int{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.users.CreateUser(ctx, user); err != nil {
		// Concurrent first requests race to create the record.
		if errors.Is(err, followlytics.ErrAlreadyExists) {
			return m.users.GetUser(ctx, ident.UID)
		}
		return followlytics.User{}, fmt.Errorf("create user: %w", err)
	}
	m.logger.Info("created account", zap.String("uid", user.UID))
	return user, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="followlytics"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
