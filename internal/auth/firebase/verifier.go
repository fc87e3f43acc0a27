// Package firebase verifies Firebase Auth ID tokens with the Admin SDK.
package firebase

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Config selects the Firebase project and credentials.
type Config struct {
	ProjectID string
	// CredentialsFile is optional; Application Default Credentials are used otherwise.
	CredentialsFile string
}

// tokenVerifier is the part of *auth.Client used here.
type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// Verifier implements followlytics.TokenVerifier.
type Verifier struct {
	client tokenVerifier
}

// New initializes the Admin SDK auth client.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return &Verifier{client: client}, nil
}

// Verify checks the ID token signature, audience and expiry.
func (v *Verifier) Verify(ctx context.Context, idToken string) (followlytics.Identity, error) {
	tok, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return followlytics.Identity{}, fmt.Errorf("%w: %v", followlytics.ErrUnauthenticated, err)
	}
	email, _ := tok.Claims["email"].(string)
	return followlytics.Identity{UID: tok.UID, Email: email}, nil
}
