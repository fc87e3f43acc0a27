// Package session seals captured X.com browser sessions so extractors can act
// on a user's behalf without the server ever storing cookies in clear text.
package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// Session errors.
var (
	ErrNoSession      = errors.New("no captured session")
	ErrMissingCookies = errors.New("session must include auth_token and ct0 cookies")
	ErrDisabled       = errors.New("session capture is not configured")
)

// RequiredCookies must be present in every captured session.
var RequiredCookies = []string{"auth_token", "ct0"}

// CaptureRequest is a browser session submitted by the user.
type CaptureRequest struct {
	XUsername    string
	Cookies      []followlytics.Cookie
	LocalStorage map[string]string
}

// Status describes a stored session without exposing secrets.
type Status struct {
	XUsername   string   `json:"x_username"`
	CookieNames []string `json:"cookie_names"`
	CapturedAt  string   `json:"captured_at"`
}

// Service captures, inspects and opens sealed sessions.
type Service struct {
	store  followlytics.SessionStore
	clock  followlytics.Clock
	aead   cipher.AEAD
	logger *zap.Logger
}

// NewService builds a Service from a base64 32-byte key. An empty key
// yields a Service whose operations return ErrDisabled.
func NewService(
	store followlytics.SessionStore,
	clock followlytics.Clock,
	encodedKey string,
	logger *zap.Logger,
) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{store: store, clock: clock, logger: logger}
	if encodedKey == "" {
		return s, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	s.aead = aead
	return s, nil
}

// Enabled reports whether a key is configured.
func (s *Service) Enabled() bool {
	return s.aead != nil
}

// Capture validates and seals req as the session of uid, replacing any previous one.
func (s *Service) Capture(ctx context.Context, uid string, req CaptureRequest) (Status, error) {
	if !s.Enabled() {
		return Status{}, ErrDisabled
	}
	names := cookieNames(req.Cookies)
	for _, required := range RequiredCookies {
		if !contains(names, required) {
			return Status{}, fmt.Errorf("%w: missing %s", ErrMissingCookies, required)
		}
	}
	plain, err := json.Marshal(followlytics.SessionData{Cookies: req.Cookies, LocalStorage: req.LocalStorage})
	if err != nil {
		return Status{}, fmt.Errorf("marshal session: %w", err)
	}
	sealed, err := s.seal(plain, []byte(uid))
	if err != nil {
		return Status{}, err
	}
	sess := followlytics.Session{
		UID:         uid,
		XUsername:   strings.TrimPrefix(strings.TrimSpace(req.XUsername), "@"),
		CookieNames: names,
		Sealed:      sealed,
		CapturedAt:  s.clock.Now(),
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return Status{}, fmt.Errorf("store session: %w", err)
	}
	s.logger.Info("session captured", zap.String("uid", uid), zap.Int("cookies", len(names)))
	return toStatus(sess), nil
}

// Status returns metadata of the stored session of uid.
func (s *Service) Status(ctx context.Context, uid string) (Status, error) {
	sess, err := s.get(ctx, uid)
	if err != nil {
		return Status{}, err
	}
	return toStatus(sess), nil
}

// Delete removes the stored session of uid.
func (s *Service) Delete(ctx context.Context, uid string) error {
	if err := s.store.DeleteSession(ctx, uid); err != nil {
		if errors.Is(err, followlytics.ErrNotFound) {
			return ErrNoSession
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Open decrypts the stored session of uid for an extractor.
func (s *Service) Open(ctx context.Context, uid string) (followlytics.SessionData, error) {
	if !s.Enabled() {
		return followlytics.SessionData{}, ErrDisabled
	}
	sess, err := s.get(ctx, uid)
	if err != nil {
		return followlytics.SessionData{}, err
	}
	plain, err := s.open(sess.Sealed, []byte(uid))
	if err != nil {
		return followlytics.SessionData{}, err
	}
	var data followlytics.SessionData
	if err := json.Unmarshal(plain, &data); err != nil {
		return followlytics.SessionData{}, fmt.Errorf("decode session: %w", err)
	}
	return data, nil
}

func (s *Service) get(ctx context.Context, uid string) (followlytics.Session, error) {
	sess, err := s.store.GetSession(ctx, uid)
	if err != nil {
		if errors.Is(err, followlytics.ErrNotFound) {
			return followlytics.Session{}, ErrNoSession
		}
		return followlytics.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// seal prepends the random nonce to the ciphertext. The uid is bound as
// additional data so a sealed blob cannot be replayed under another account.
func (s *Service) seal(plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, aad), nil
}

func (s *Service) open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("sealed session too short")
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt session: %w", err)
	}
	return plain, nil
}

func cookieNames(cookies []followlytics.Cookie) []string {
	seen := make(map[string]struct{}, len(cookies))
	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Value == "" {
			continue
		}
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func contains(sorted []string, name string) bool {
	i := sort.SearchStrings(sorted, name)
	return i < len(sorted) && sorted[i] == name
}

func toStatus(sess followlytics.Session) Status {
	return Status{
		XUsername:   sess.XUsername,
		CookieNames: sess.CookieNames,
		CapturedAt:  sess.CapturedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
