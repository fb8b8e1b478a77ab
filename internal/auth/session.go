// Package auth keeps the user's credential for the realtime backend. It
// signs in and refreshes through the Lyo REST API and persists the
// credential pair in a CredentialStore.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/lyo-realtime/internal/errors"
	"github.com/alexjbarnes/lyo-realtime/internal/models"
	"github.com/cenkalti/backoff/v5"
)

const (
	// credentialKey is the store key for the JSON-encoded credential.
	credentialKey = "lyo_credential"

	// refreshMaxTries bounds attempts for one refresh, including the
	// first.
	refreshMaxTries = 4

	// refreshMaxElapsed bounds the total time spent retrying a refresh.
	refreshMaxElapsed = 20 * time.Second
)

// CredentialStore is the persistence the session needs. state.State
// satisfies it.
type CredentialStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// Session holds the current credential and implements the connection's
// auth provider.
type Session struct {
	client *Client
	store  CredentialStore
	logger *slog.Logger

	now     func() time.Time
	backoff func() backoff.BackOff

	// refreshMu serializes refreshes so a refresh token is only spent
	// once.
	refreshMu sync.Mutex

	mu   sync.RWMutex
	cred models.Credential
}

// NewSession loads any stored credential. A corrupt entry is logged and
// discarded.
func NewSession(client *Client, store CredentialStore, logger *slog.Logger) (*Session, error) {
	s := &Session{
		client: client,
		store:  store,
		logger: logger,
		now:    time.Now,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}

	data, err := store.Get(credentialKey)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	if data != nil {
		if err := json.Unmarshal(data, &s.cred); err != nil {
			logger.Warn("discarding unreadable stored credential", slog.String("error", err.Error()))
			s.cred = models.Credential{}
		}
	}

	return s, nil
}

// IsAuthenticated reports whether a connection attempt makes sense: the
// access token is unexpired, or it can be refreshed.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cred.AccessToken == "" {
		return false
	}

	return s.cred.Valid(s.now()) || s.cred.RefreshToken != ""
}

// CurrentToken returns the access token, or "".
func (s *Session) CurrentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cred.AccessToken
}

// Credential returns a copy of the held credential.
func (s *Session) Credential() models.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cred
}

// Seed stores an externally supplied credential, replacing the current
// one.
func (s *Session) Seed(accessToken, refreshToken string) error {
	return s.save(models.Credential{AccessToken: accessToken, RefreshToken: refreshToken})
}

// SignIn exchanges email and password for a credential.
func (s *Session) SignIn(ctx context.Context, email, password string) error {
	resp, err := s.client.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	if err := s.save(s.credentialFrom(resp, "")); err != nil {
		return err
	}

	s.logger.Info("signed in", slog.String("email", email))

	return nil
}

// SignOut forgets the credential.
func (s *Session) SignOut() error {
	s.mu.Lock()
	s.cred = models.Credential{}
	s.mu.Unlock()

	if err := s.store.Delete(credentialKey); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	return nil
}

// RefreshToken trades the refresh token for a new pair. Transient
// failures are retried with exponential backoff. A rejected refresh
// token clears the credential, since only a new sign-in can recover.
func (s *Session) RefreshToken(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	refreshToken := s.Credential().RefreshToken
	if refreshToken == "" {
		return &apperrors.AuthError{Err: apperrors.ErrNoRefreshToken}
	}

	op := func() (*TokenResponse, error) {
		resp, err := s.client.Refresh(ctx, refreshToken)
		if err != nil && !apperrors.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}

		return resp, err
	}

	notify := func(err error, d time.Duration) {
		s.logger.Warn("token refresh failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", d),
		)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(refreshMaxTries),
		backoff.WithMaxElapsedTime(refreshMaxElapsed),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if apperrors.IsAuth(err) {
			s.logger.Warn("refresh token rejected, clearing credential")

			if clearErr := s.SignOut(); clearErr != nil {
				s.logger.Warn("clearing credential", slog.String("error", clearErr.Error()))
			}

			return err
		}

		return &apperrors.AuthError{Err: fmt.Errorf("refreshing token: %w", err)}
	}

	if err := s.save(s.credentialFrom(resp, refreshToken)); err != nil {
		return err
	}

	s.logger.Info("token refreshed")

	return nil
}

// credentialFrom builds a credential from a token response. Servers that
// do not rotate refresh tokens omit it, so the previous one is kept.
func (s *Session) credentialFrom(resp *TokenResponse, prevRefresh string) models.Credential {
	cred := models.Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	if cred.RefreshToken == "" {
		cred.RefreshToken = prevRefresh
	}

	if resp.ExpiresIn > 0 {
		cred.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}

	return cred
}

func (s *Session) save(cred models.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	if err := s.store.Put(credentialKey, data); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	return nil
}
