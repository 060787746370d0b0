package gemidp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gematik/zero-lab/go/brainpool"
)

const (
	discoveryPath = "/.well-known/openid-configuration"
	// internal hostnames of the IDP-Dienst announced in the discovery document
	splitDNSSuffix = ".zentral.idp.splitdns.ti-dienste.de"
	publicSuffix   = ".app.ti-dienste.de"
)

// CodeRedirect is the Location the IDP-Dienst redirects to after a
// successful authentication.
type CodeRedirect struct {
	*url.URL
	Code     string
	State    string
	SSOToken string
}

// RemoteDataSource talks HTTP to the gematik IDP-Dienst. Redirects are never
// followed since the code is read from the Location header.
type RemoteDataSource struct {
	config     ClientConfig
	baseURL    string
	httpClient *http.Client
}

// NewRemoteDataSource creates a client for the IDP-Dienst. httpClient may be
// nil, its transport is wrapped to set the configured User-Agent.
func NewRemoteDataSource(config ClientConfig, httpClient *http.Client) (*RemoteDataSource, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport
	if httpClient != nil && httpClient.Transport != nil {
		transport = httpClient.Transport
	}
	client := &http.Client{
		Transport: &transportAddUserAgent{transport, config.UserAgent},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if httpClient != nil {
		client.Timeout = httpClient.Timeout
		client.Jar = httpClient.Jar
	}

	return &RemoteDataSource{
		config:     config,
		baseURL:    config.ResolvedBaseURL(),
		httpClient: client,
	}, nil
}

func (r *RemoteDataSource) Config() ClientConfig {
	return r.config
}

// FetchDiscoveryDocument returns the compact JWS served at the well-known
// location.
func (r *RemoteDataSource) FetchDiscoveryDocument(ctx context.Context) (string, error) {
	discoveryURL := r.baseURL + discoveryPath
	slog.Debug("Fetching discovery document", "url", discoveryURL)

	body, err := r.get(ctx, discoveryURL)
	if err != nil {
		return "", fmt.Errorf("fetching discovery document: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// FetchKey fetches a JWK of the IDP-Dienst.
func (r *RemoteDataSource) FetchKey(ctx context.Context, keyURL string) (*brainpool.JSONWebKey, error) {
	slog.Debug("Fetching key", "url", keyURL)

	body, err := r.get(ctx, keyURL)
	if err != nil {
		return nil, fmt.Errorf("fetching key: %w", err)
	}

	key := new(brainpool.JSONWebKey)
	if err := json.Unmarshal(body, key); err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return key, nil
}

// FetchChallenge starts the authorization request.
func (r *RemoteDataSource) FetchChallenge(ctx context.Context, authURL, codeChallenge, state, nonce string, scope Scope) (*Challenge, error) {
	query := url.Values{}
	query.Add("client_id", r.config.ClientID)
	query.Add("response_type", "code")
	query.Add("redirect_uri", r.config.RedirectURI)
	query.Add("state", state)
	query.Add("code_challenge", codeChallenge)
	query.Add("code_challenge_method", "S256")
	query.Add("scope", scope.requestScope())
	query.Add("nonce", nonce)

	slog.Debug("Fetching challenge", "url", authURL, "scope", scope)

	body, err := r.get(ctx, fmt.Sprintf("%s?%s", authURL, query.Encode()))
	if err != nil {
		return nil, fmt.Errorf("fetching challenge: %w", err)
	}

	challenge := new(Challenge)
	if err := json.Unmarshal(body, challenge); err != nil {
		return nil, fmt.Errorf("decoding challenge: %w", err)
	}
	if challenge.Challenge == "" {
		return nil, fmt.Errorf("decoding challenge: empty challenge")
	}
	return challenge, nil
}

// PostSignedChallenge posts the encrypted signed challenge to the
// authorization endpoint.
func (r *RemoteDataSource) PostSignedChallenge(ctx context.Context, authURL, signedChallenge string) (*CodeRedirect, error) {
	form := url.Values{
		"signed_challenge": {signedChallenge},
	}
	redirect, err := r.postForRedirect(ctx, authURL, form)
	if err != nil {
		return nil, fmt.Errorf("posting signed challenge: %w", err)
	}
	return redirect, nil
}

// PostUnsignedChallengeWithSSO answers a challenge with the SSO token.
func (r *RemoteDataSource) PostUnsignedChallengeWithSSO(ctx context.Context, ssoURL, ssoToken, unsignedChallenge string) (*CodeRedirect, error) {
	form := url.Values{
		"ssotoken":           {ssoToken},
		"unsigned_challenge": {unsignedChallenge},
	}
	redirect, err := r.postForRedirect(ctx, ssoURL, form)
	if err != nil {
		return nil, fmt.Errorf("posting unsigned challenge: %w", err)
	}
	return redirect, nil
}

// PostToken exchanges the code. The tokens of the response are still
// encrypted.
func (r *RemoteDataSource) PostToken(ctx context.Context, tokenURL, keyVerifier, code string) (*TokenResponse, error) {
	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("client_id", r.config.ClientID)
	params.Set("code", code)
	params.Set("key_verifier", keyVerifier)
	params.Set("redirect_uri", r.config.RedirectURI)

	slog.Debug("Exchanging code for token", "url", tokenURL)

	resp, err := r.postForm(ctx, tokenURL, params)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange code for token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp.StatusCode, resp.Body)
	}

	tokenResponse, err := unmarshalTokenResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	return tokenResponse, nil
}

// PostPairing registers a device. encryptedAccessToken is an access token
// of the pairing scope encrypted for the IDP-Dienst.
func (r *RemoteDataSource) PostPairing(ctx context.Context, pairingURL, encryptedAccessToken, encryptedRegistrationData string) (*PairingEntry, error) {
	form := url.Values{
		"encrypted_registration_data": {encryptedRegistrationData},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pairingURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+encryptedAccessToken)

	slog.Debug("Registering device", "url", pairingURL)

	body, err := r.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}
	entry := new(PairingEntry)
	if err := json.Unmarshal(body, entry); err != nil {
		return nil, fmt.Errorf("decoding pairing entry: %w", err)
	}
	return entry, nil
}

// FetchPairings lists the devices registered for the insurant of the
// access token.
func (r *RemoteDataSource) FetchPairings(ctx context.Context, pairingURL, encryptedAccessToken string) (*PairingEntries, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pairingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+encryptedAccessToken)

	body, err := r.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("fetching pairings: %w", err)
	}
	entries := new(PairingEntries)
	if err := json.Unmarshal(body, entries); err != nil {
		return nil, fmt.Errorf("decoding pairings: %w", err)
	}
	return entries, nil
}

// DeletePairing removes the device with keyIdentifier.
func (r *RemoteDataSource) DeletePairing(ctx context.Context, pairingURL, encryptedAccessToken, keyIdentifier string) error {
	target, err := url.JoinPath(pairingURL, keyIdentifier)
	if err != nil {
		return fmt.Errorf("building pairing URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+encryptedAccessToken)

	if _, err := r.do(req, http.StatusNoContent, http.StatusOK); err != nil {
		return fmt.Errorf("deleting pairing: %w", err)
	}
	return nil
}

// PostAuthenticationData answers a challenge with the key of a registered
// device.
func (r *RemoteDataSource) PostAuthenticationData(ctx context.Context, authURL, encryptedSignedAuthenticationData string) (*CodeRedirect, error) {
	form := url.Values{
		"encrypted_signed_authentication_data": {encryptedSignedAuthenticationData},
	}
	redirect, err := r.postForRedirect(ctx, authURL, form)
	if err != nil {
		return nil, fmt.Errorf("posting authentication data: %w", err)
	}
	return redirect, nil
}

// do sends req and returns the body if the status is one of expected.
func (r *RemoteDataSource) do(req *http.Request, expected ...int) ([]byte, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !slices.Contains(expected, resp.StatusCode) {
		return nil, parseErrorResponse(resp.StatusCode, resp.Body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

func (r *RemoteDataSource) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return r.do(req, http.StatusOK)
}

func (r *RemoteDataSource) postForm(ctx context.Context, target string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r.httpClient.Do(req)
}

func (r *RemoteDataSource) postForRedirect(ctx context.Context, target string, form url.Values) (*CodeRedirect, error) {
	resp, err := r.postForm(ctx, target, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return nil, parseErrorResponse(resp.StatusCode, resp.Body)
	}

	location, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("getting code redirect URL: %w", err)
	}

	query := location.Query()
	if query.Has("error") {
		return nil, &Error{
			HttpCode:         resp.StatusCode,
			ErrorCode:        query.Get("error"),
			GematikErrorText: query.Get("error_description"),
			GematikCode:      query.Get("gematik_code"),
			GematikUUID:      query.Get("gematik_uuid"),
		}
	}

	return &CodeRedirect{
		URL:      location,
		Code:     query.Get("code"),
		State:    query.Get("state"),
		SSOToken: query.Get("ssotoken"),
	}, nil
}

// rewriteEndpoint replaces the internal split DNS host of the IDP-Dienst by
// its public name.
func rewriteEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || !strings.HasSuffix(u.Hostname(), splitDNSSuffix) {
		return endpoint
	}
	host := strings.TrimSuffix(u.Hostname(), splitDNSSuffix) + publicSuffix
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}
	u.Host = host
	return u.String()
}

type transportAddUserAgent struct {
	Transport http.RoundTripper
	UserAgent string
}

func (t *transportAddUserAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", t.UserAgent)
	return t.Transport.RoundTrip(req)
}

func unmarshalTokenResponse(r io.Reader) (*TokenResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	tokenResponse := new(TokenResponse)
	if err = json.Unmarshal(data, tokenResponse); err != nil {
		return nil, fmt.Errorf("unmarshalling token response: %w", err)
	}

	return tokenResponse, nil
}
