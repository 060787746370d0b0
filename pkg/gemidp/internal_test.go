package gemidp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckNumericDates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		iat   time.Time
		exp   time.Time
		valid bool
	}{
		{"fresh", now, now.Add(24 * time.Hour), true},
		{"expired within skew", now.Add(-time.Hour), now.Add(-30 * time.Second), true},
		{"expired", now.Add(-time.Hour), now.Add(-61 * time.Second), false},
		{"expires exactly at skew", now.Add(-time.Hour), now.Add(-allowedClockSkew), false},
		{"issued 24h ago", now.Add(-24 * time.Hour), now.Add(time.Hour), true},
		{"issued too long ago", now.Add(-24*time.Hour - 2*time.Minute), now.Add(time.Hour), false},
		{"expiry 24h plus skew ahead", now, now.Add(24*time.Hour + allowedClockSkew), true},
		{"expiry too far ahead", now, now.Add(24*time.Hour + 2*time.Minute), false},
		{"missing iat", time.Unix(0, 0), now.Add(time.Hour), false},
		{"missing exp", now, time.Unix(0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkNumericDates(tt.iat, tt.exp, now)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrConfigInvalid)
			}
		})
	}
}

func TestRewriteEndpoint(t *testing.T) {
	assert.Equal(t,
		"https://idp.app.ti-dienste.de/sign_response",
		rewriteEndpoint("https://idp.zentral.idp.splitdns.ti-dienste.de/sign_response"),
	)
	assert.Equal(t,
		"https://idp-ref.app.ti-dienste.de:8443/token?x=1",
		rewriteEndpoint("https://idp-ref.zentral.idp.splitdns.ti-dienste.de:8443/token?x=1"),
	)
	assert.Equal(t,
		"https://idp.app.ti-dienste.de/token",
		rewriteEndpoint("https://idp.app.ti-dienste.de/token"),
	)
}

func TestCodeChallenge(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	assert.Len(t, verifier, 80)

	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, expected, CodeChallenge(verifier))
	assert.Equal(t, CodeChallenge(verifier), CodeChallenge(verifier))
	assert.NotContains(t, CodeChallenge(verifier), "=")

	other, err := GenerateCodeVerifier()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, other)
}

func TestStateAndNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := NewState()
		require.NoError(t, err)
		nonce, err := NewNonce()
		require.NoError(t, err)
		for _, v := range []string{state, nonce} {
			assert.Len(t, v, 32)
			assert.False(t, strings.ContainsAny(v, "+/="), v)
			assert.False(t, seen[v])
			seen[v] = true
		}
	}

	key, err := GenerateAES256Key()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestEnsureCryptoReadyConcurrent(t *testing.T) {
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			EnsureCryptoReady()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{fmt.Errorf("%w: expired", ErrConfigInvalid), KindConfigInvalid},
		{fmt.Errorf("stage: %w", fmt.Errorf("%w: state", ErrIntegrity)), KindIntegrity},
		{&Error{HttpCode: http.StatusUnauthorized}, KindAuthorizationDenied},
		{&Error{HttpCode: http.StatusForbidden}, KindAuthorizationDenied},
		{&Error{HttpCode: http.StatusBadRequest}, KindAuthorizationDenied},
		{&Error{HttpCode: http.StatusInternalServerError}, KindTransient},
		{errors.New("connection refused"), KindTransient},
		{context.DeadlineExceeded, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.kind, ErrorKind(tt.err))
		})
	}
	assert.Equal(t, "integrity", KindIntegrity.String())
}

func TestParseErrorResponse(t *testing.T) {
	body := `{"error":"invalid_request","gematik_error_text":"client_id ist ungültig","gematik_timestamp":1713603116,"gematik_uuid":"c0e2a77c-dfae-4b93-9baf-f170683962cb","gematik_code":"2012"}`
	err := parseErrorResponse(http.StatusBadRequest, strings.NewReader(body))

	var idpErr *Error
	require.ErrorAs(t, err, &idpErr)
	assert.Equal(t, http.StatusBadRequest, idpErr.HttpCode)
	assert.Equal(t, "2012", idpErr.GematikCode)
	assert.Equal(t, "400 invalid_request: client_id ist ungültig (2012)", idpErr.Error())

	err = parseErrorResponse(http.StatusUnauthorized, bytes.NewReader([]byte("<html>")))
	require.ErrorAs(t, err, &idpErr)
	assert.Equal(t, http.StatusUnauthorized, idpErr.HttpCode)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestRefreshFlowError(t *testing.T) {
	cause := fmt.Errorf("%w: rejected", ErrAuthorizationDenied)
	err := error(&RefreshFlowError{UserActionRequired: true, Scope: ScopeDefault, Err: cause})
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Contains(t, err.Error(), "user action required")

	wrapped := error(&RefreshFlowError{Err: &ConfigError{Err: fmt.Errorf("%w: expired", ErrConfigInvalid)}})
	var configErr *ConfigError
	assert.ErrorAs(t, wrapped, &configErr)
	assert.Equal(t, KindConfigInvalid, ErrorKind(wrapped))
}

func TestMemoryStoreRetainsScope(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	token, err := store.SingleSignOnToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, token)
	require.NoError(t, store.InvalidateSingleSignOnTokenRetainingScope(ctx))

	require.NoError(t, store.SetSingleSignOnToken(ctx, SingleSignOnToken{Token: "sso", Scope: ScopeBiometricPairing}))
	require.NoError(t, store.SetDecryptedAccessToken(ctx, "at"))

	repo := NewDefaultRepository(nil, store)
	require.NoError(t, repo.InvalidateSingleSignOnTokenRetainingScope(ctx))

	token, err = repo.SingleSignOnToken(ctx)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Empty(t, token.Token)
	assert.Equal(t, ScopeBiometricPairing, token.Scope)

	scope, err := repo.SingleSignOnTokenScope(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScopeBiometricPairing, scope)

	accessToken, err := repo.DecryptedAccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, accessToken)
}
