package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/lyo-realtime/internal/errors"
)

// refreshTimeout bounds one credential refresh.
const refreshTimeout = 30 * time.Second

// AuthProvider is the authentication collaborator. CurrentToken returns
// "" when no token is held.
type AuthProvider interface {
	IsAuthenticated() bool
	CurrentToken() string
	RefreshToken(ctx context.Context) error
}

// AuthBinder gates connection attempts on credential availability and
// runs refreshes after the server rejects the credential.
type AuthBinder struct {
	provider AuthProvider
	logger   *slog.Logger
}

// NewAuthBinder wraps provider.
func NewAuthBinder(provider AuthProvider, logger *slog.Logger) *AuthBinder {
	return &AuthBinder{provider: provider, logger: logger}
}

// CurrentCredential returns the bearer token, or false when the user is
// not authenticated and no connection should be attempted.
func (b *AuthBinder) CurrentCredential() (string, bool) {
	if !b.provider.IsAuthenticated() {
		return "", false
	}

	token := b.provider.CurrentToken()

	return token, token != ""
}

// Refresh asks the provider for a new credential. Every failure comes
// back as an AuthError.
func (b *AuthBinder) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	b.logger.Info("refreshing credential")

	if err := b.provider.RefreshToken(ctx); err != nil {
		if apperrors.IsAuth(err) {
			return err
		}

		return &apperrors.AuthError{Err: err}
	}

	return nil
}

// connectTarget builds the dial URL and headers for token. The token is
// carried both as a bearer header and as a query parameter since some
// proxies strip upgrade headers.
func connectTarget(base, token, device, version string) (string, http.Header, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("parsing websocket url: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", nil, fmt.Errorf("websocket url must be ws:// or wss://, got %q", u.Scheme)
	}

	q := u.Query()
	q.Set("token", token)
	q.Set("client", clientName)
	q.Set("version", version)

	if device != "" {
		q.Set("device", device)
	}

	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("User-Agent", clientName+"/"+version)

	return u.String(), header, nil
}
