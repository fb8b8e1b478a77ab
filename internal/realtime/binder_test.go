package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"testing"

	apperrors "github.com/alexjbarnes/lyo-realtime/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthBinder_CurrentCredential(t *testing.T) {
	auth := &fakeAuth{authenticated: true, token: "tok"}
	b := NewAuthBinder(auth, slog.Default())

	tok, ok := b.CurrentCredential()
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)

	auth.setAuthenticated(false)
	_, ok = b.CurrentCredential()
	assert.False(t, ok)

	auth.setAuthenticated(true)
	auth.setToken("")
	_, ok = b.CurrentCredential()
	assert.False(t, ok, "authenticated without a token still cannot connect")
}

func TestAuthBinder_RefreshWrapsErrors(t *testing.T) {
	auth := &fakeAuth{authenticated: true, token: "tok", refreshErr: fmt.Errorf("network down")}
	b := NewAuthBinder(auth, slog.Default())

	err := b.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))
	assert.ErrorContains(t, err, "network down")

	auth.refreshErr = &apperrors.AuthError{Err: apperrors.ErrNoRefreshToken}
	err = b.Refresh(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
}

func TestAuthBinder_RefreshSuccess(t *testing.T) {
	auth := &fakeAuth{authenticated: true, token: "old", refreshedToken: "new"}
	b := NewAuthBinder(auth, slog.Default())

	require.NoError(t, b.Refresh(context.Background()))

	tok, _ := b.CurrentCredential()
	assert.Equal(t, "new", tok)
}

func TestConnectTarget(t *testing.T) {
	raw, header, err := connectTarget("wss://rt.lyo.example/ws?region=eu", "abc", "laptop", "1.2.0")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/ws", u.Path)

	q := u.Query()
	assert.Equal(t, "abc", q.Get("token"))
	assert.Equal(t, clientName, q.Get("client"))
	assert.Equal(t, "1.2.0", q.Get("version"))
	assert.Equal(t, "laptop", q.Get("device"))
	assert.Equal(t, "eu", q.Get("region"))

	assert.Equal(t, "Bearer abc", header.Get("Authorization"))
	assert.Equal(t, "lyo-realtime/1.2.0", header.Get("User-Agent"))
}

func TestConnectTarget_RejectsHTTP(t *testing.T) {
	_, _, err := connectTarget("https://rt.lyo.example/ws", "abc", "", "1")
	assert.ErrorContains(t, err, "ws:// or wss://")

	_, _, err = connectTarget("://bad", "abc", "", "1")
	assert.Error(t, err)
}
