package mockidp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/gematik/erp-idp/pkg/mockidp"
	"github.com/gematik/erp-idp/pkg/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*mockidp.Server, *httptest.Server) {
	t.Helper()
	mock, err := mockidp.New(mockidp.Config{})
	require.NoError(t, err)
	server := httptest.NewServer(mock.Echo())
	t.Cleanup(server.Close)
	return mock, server
}

func get(t *testing.T, rawURL string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestDiscoveryDocument(t *testing.T) {
	mock, server := newServer(t)

	resp, body := get(t, server.URL+mockidp.PathDiscovery)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, mock.DiscoveryFetches())

	config, err := gemidp.ParseDiscoveryDocument(body)
	require.NoError(t, err)
	assert.Equal(t, server.URL+mockidp.PathAuthorization, config.AuthorizationEndpoint)
	assert.Equal(t, server.URL+mockidp.PathToken, config.TokenEndpoint)
	assert.Equal(t, server.URL+mockidp.PathPukEnc, config.PukIdpEncEndpoint)
	assert.True(t, config.ExpiresAt.After(config.IssuedAt))

	anchors, err := trust.ParseCertificatesPEM(mock.TrustAnchorPEM())
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.True(t, anchors[0].Equal(mock.TrustAnchor()))

	ts, err := trust.NewTrustStore(trust.WithAnchors(anchors...))
	require.NoError(t, err)
	assert.NoError(t, ts.CheckIdpCertificate(context.Background(), config.Certificate))
}

func TestChallengeEndpointRejectsUnknownClient(t *testing.T) {
	_, server := newServer(t)

	params := url.Values{}
	params.Set("client_id", "someApp")
	params.Set("redirect_uri", gemidp.DefaultRedirectURI)
	params.Set("state", "state")
	params.Set("nonce", "nonce")
	params.Set("code_challenge", "challenge")
	params.Set("code_challenge_method", "S256")
	params.Set("response_type", "code")
	params.Set("scope", "e-rezept openid")

	resp, body := get(t, server.URL+mockidp.PathAuthorization+"?"+params.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var idpErr gemidp.Error
	require.NoError(t, json.Unmarshal(body, &idpErr))
	assert.Equal(t, "invalid_request", idpErr.ErrorCode)
	assert.Equal(t, "2012", idpErr.GematikCode)
}

func TestTokenEndpointRejectsUnknownCode(t *testing.T) {
	_, server := newServer(t)

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", "unknown")
	form.Set("client_id", gemidp.DefaultClientID)
	form.Set("redirect_uri", gemidp.DefaultRedirectURI)
	form.Set("key_verifier", "x.y.z.v.w")

	resp, err := http.Post(server.URL+mockidp.PathToken, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var idpErr gemidp.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&idpErr))
	assert.Equal(t, "invalid_grant", idpErr.ErrorCode)
}

func TestSSORejectFault(t *testing.T) {
	mock, server := newServer(t)
	mock.SetFaults(mockidp.Faults{SSORejectStatus: http.StatusForbidden})

	resp, err := http.PostForm(server.URL+mockidp.PathSSO, url.Values{"ssotoken": {"x"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNewTestCard(t *testing.T) {
	card, err := mockidp.NewTestCard()
	require.NoError(t, err)

	der, err := card.Certificate(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, der)

	sig, err := card.Sign(context.Background(), make([]byte, 32))
	require.NoError(t, err)
	assert.Len(t, sig, 64)
}

func TestPairingEndpointsRequireAccessToken(t *testing.T) {
	mock, server := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
	}{
		{"register without token", http.MethodPost, mockidp.PathPairing, ""},
		{"list without token", http.MethodGet, mockidp.PathPairing, ""},
		{"delete without token", http.MethodDelete, mockidp.PathPairing + "/unknown", ""},
		{"list with garbage token", http.MethodGet, mockidp.PathPairing, "Bearer a.b.c.d.e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, server.URL+tt.path, nil)
			require.NoError(t, err)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)

			var idpErr gemidp.Error
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&idpErr))
			assert.Equal(t, "4001", idpErr.GematikCode)
		})
	}
	assert.Equal(t, 0, mock.PairedDevices())
}

func TestAlternateAuthenticationRejectsGarbage(t *testing.T) {
	_, server := newServer(t)

	resp, err := http.PostForm(server.URL+mockidp.PathAuthPair, url.Values{"encrypted_signed_authentication_data": {"x.y.z"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
