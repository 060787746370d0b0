package gemidp

import (
	"context"
	"fmt"
	"time"

	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/erp-idp/pkg/util"
	"github.com/gematik/zero-lab/go/brainpool"
)

// Repository is everything the flows need from the outside world: the
// IDP-Dienst and local storage of configuration and tokens.
type Repository interface {
	// LoadUncheckedIdpConfiguration returns the cached configuration or
	// fetches it. The signature of the discovery document is verified,
	// trust and validity are not.
	LoadUncheckedIdpConfiguration(ctx context.Context) (*Configuration, error)
	InvalidateConfig(ctx context.Context) error
	FetchIdpPukSig(ctx context.Context, url string) (*brainpool.JSONWebKey, error)
	FetchIdpPukEnc(ctx context.Context, url string) (*brainpool.JSONWebKey, error)
	FetchChallenge(ctx context.Context, url, codeChallenge, state, nonce string, isDeviceRegistration bool) (*Challenge, error)
	PostSignedChallenge(ctx context.Context, url, signedChallenge string) (*CodeRedirect, error)
	PostUnsignedChallengeWithSSO(ctx context.Context, url, ssoToken, unsignedChallenge string) (*CodeRedirect, error)
	PostToken(ctx context.Context, url, keyVerifier, code string) (*TokenResponse, error)

	PostPairing(ctx context.Context, url, encryptedAccessToken, encryptedRegistrationData string) (*PairingEntry, error)
	FetchPairings(ctx context.Context, url, encryptedAccessToken string) (*PairingEntries, error)
	DeletePairing(ctx context.Context, url, encryptedAccessToken, keyIdentifier string) error
	PostAuthenticationData(ctx context.Context, url, encryptedSignedAuthenticationData string) (*CodeRedirect, error)

	// SingleSignOnToken returns nil if no token was ever stored.
	SingleSignOnToken(ctx context.Context) (*SingleSignOnToken, error)
	SetSingleSignOnToken(ctx context.Context, token SingleSignOnToken) error
	// InvalidateSingleSignOnTokenRetainingScope drops the token and the
	// cached access token. The scope stays for the next authentication.
	InvalidateSingleSignOnTokenRetainingScope(ctx context.Context) error
	SingleSignOnTokenScope(ctx context.Context) (Scope, error)

	// DecryptedAccessToken returns "" if no token is cached.
	DecryptedAccessToken(ctx context.Context) (string, error)
	SetDecryptedAccessToken(ctx context.Context, token string) error
	InvalidateDecryptedAccessToken(ctx context.Context) error
}

// LocalDataSource stores configuration and tokens.
type LocalDataSource interface {
	Configuration(ctx context.Context) (*Configuration, error)
	SetConfiguration(ctx context.Context, config *Configuration) error
	InvalidateConfiguration(ctx context.Context) error
	SingleSignOnToken(ctx context.Context) (*SingleSignOnToken, error)
	SetSingleSignOnToken(ctx context.Context, token SingleSignOnToken) error
	InvalidateSingleSignOnTokenRetainingScope(ctx context.Context) error
	DecryptedAccessToken(ctx context.Context) (string, error)
	SetDecryptedAccessToken(ctx context.Context, token string) error
	InvalidateDecryptedAccessToken(ctx context.Context) error
}

// DiscoveryDocument is the payload of the signed discovery document.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer" validate:"required,url"`
	AuthorizationEndpoint string `json:"authorization_endpoint" validate:"required,url"`
	SSOEndpoint           string `json:"sso_endpoint" validate:"required,url"`
	TokenEndpoint         string `json:"token_endpoint" validate:"required,url"`
	PairingEndpoint       string `json:"uri_pair" validate:"omitempty,url"`
	AuthPairEndpoint      string `json:"auth_pair_endpoint" validate:"omitempty,url"`
	PukIdpEncURI          string `json:"uri_puk_idp_enc" validate:"required,url"`
	PukIdpSigURI          string `json:"uri_puk_idp_sig" validate:"required,url"`
	JwksURI               string `json:"jwks_uri,omitempty"`
	IssuedAt              int64  `json:"iat" validate:"required"`
	ExpiresAt             int64  `json:"exp" validate:"required"`
}

// DefaultRepository combines the IDP-Dienst client with a local store.
type DefaultRepository struct {
	remote *RemoteDataSource
	local  LocalDataSource
}

func NewDefaultRepository(remote *RemoteDataSource, local LocalDataSource) *DefaultRepository {
	return &DefaultRepository{remote: remote, local: local}
}

func (r *DefaultRepository) LoadUncheckedIdpConfiguration(ctx context.Context) (*Configuration, error) {
	cached, err := r.local.Configuration(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading cached configuration: %w", err)
	}
	if cached != nil {
		return cached, nil
	}

	raw, err := r.remote.FetchDiscoveryDocument(ctx)
	if err != nil {
		return nil, err
	}

	config, err := ParseDiscoveryDocument([]byte(raw))
	if err != nil {
		return nil, err
	}

	if err := r.local.SetConfiguration(ctx, config); err != nil {
		return nil, fmt.Errorf("caching configuration: %w", err)
	}
	return config, nil
}

// ParseDiscoveryDocument verifies the discovery document with the key of its
// x5c certificate and maps it to a Configuration. Internal split DNS
// endpoints are rewritten to their public names.
func ParseDiscoveryDocument(raw []byte) (*Configuration, error) {
	token, err := brainpool.ParseToken(raw, jose.WithX5C())
	if err != nil {
		return nil, fmt.Errorf("%w: discovery document: %w", ErrConfigInvalid, err)
	}
	cert, err := jose.LeafCertificate(token.Headers)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery document: %w", ErrConfigInvalid, err)
	}

	doc, err := util.UnmarshalAndValidate[DiscoveryDocument](token.PayloadJson, newValidator())
	if err != nil {
		return nil, fmt.Errorf("%w: discovery document: %w", ErrConfigInvalid, err)
	}

	return &Configuration{
		Issuer:                 doc.Issuer,
		AuthorizationEndpoint:  rewriteEndpoint(doc.AuthorizationEndpoint),
		SSOEndpoint:            rewriteEndpoint(doc.SSOEndpoint),
		TokenEndpoint:          rewriteEndpoint(doc.TokenEndpoint),
		PairingEndpoint:        rewriteEndpoint(doc.PairingEndpoint),
		AuthenticationEndpoint: rewriteEndpoint(doc.AuthPairEndpoint),
		PukIdpEncEndpoint:      rewriteEndpoint(doc.PukIdpEncURI),
		PukIdpSigEndpoint:      rewriteEndpoint(doc.PukIdpSigURI),
		IssuedAt:               time.Unix(doc.IssuedAt, 0),
		ExpiresAt:              time.Unix(doc.ExpiresAt, 0),
		Certificate:            cert,
	}, nil
}

func (r *DefaultRepository) InvalidateConfig(ctx context.Context) error {
	return r.local.InvalidateConfiguration(ctx)
}

func (r *DefaultRepository) FetchIdpPukSig(ctx context.Context, url string) (*brainpool.JSONWebKey, error) {
	return r.remote.FetchKey(ctx, url)
}

func (r *DefaultRepository) FetchIdpPukEnc(ctx context.Context, url string) (*brainpool.JSONWebKey, error) {
	return r.remote.FetchKey(ctx, url)
}

func (r *DefaultRepository) FetchChallenge(ctx context.Context, url, codeChallenge, state, nonce string, isDeviceRegistration bool) (*Challenge, error) {
	scope := ScopeDefault
	if isDeviceRegistration {
		scope = ScopeBiometricPairing
	}
	return r.remote.FetchChallenge(ctx, url, codeChallenge, state, nonce, scope)
}

func (r *DefaultRepository) PostSignedChallenge(ctx context.Context, url, signedChallenge string) (*CodeRedirect, error) {
	return r.remote.PostSignedChallenge(ctx, url, signedChallenge)
}

func (r *DefaultRepository) PostUnsignedChallengeWithSSO(ctx context.Context, url, ssoToken, unsignedChallenge string) (*CodeRedirect, error) {
	return r.remote.PostUnsignedChallengeWithSSO(ctx, url, ssoToken, unsignedChallenge)
}

func (r *DefaultRepository) PostToken(ctx context.Context, url, keyVerifier, code string) (*TokenResponse, error) {
	return r.remote.PostToken(ctx, url, keyVerifier, code)
}

func (r *DefaultRepository) PostPairing(ctx context.Context, url, encryptedAccessToken, encryptedRegistrationData string) (*PairingEntry, error) {
	return r.remote.PostPairing(ctx, url, encryptedAccessToken, encryptedRegistrationData)
}

func (r *DefaultRepository) FetchPairings(ctx context.Context, url, encryptedAccessToken string) (*PairingEntries, error) {
	return r.remote.FetchPairings(ctx, url, encryptedAccessToken)
}

func (r *DefaultRepository) DeletePairing(ctx context.Context, url, encryptedAccessToken, keyIdentifier string) error {
	return r.remote.DeletePairing(ctx, url, encryptedAccessToken, keyIdentifier)
}

func (r *DefaultRepository) PostAuthenticationData(ctx context.Context, url, encryptedSignedAuthenticationData string) (*CodeRedirect, error) {
	return r.remote.PostAuthenticationData(ctx, url, encryptedSignedAuthenticationData)
}

func (r *DefaultRepository) SingleSignOnToken(ctx context.Context) (*SingleSignOnToken, error) {
	return r.local.SingleSignOnToken(ctx)
}

func (r *DefaultRepository) SetSingleSignOnToken(ctx context.Context, token SingleSignOnToken) error {
	return r.local.SetSingleSignOnToken(ctx, token)
}

func (r *DefaultRepository) InvalidateSingleSignOnTokenRetainingScope(ctx context.Context) error {
	if err := r.local.InvalidateSingleSignOnTokenRetainingScope(ctx); err != nil {
		return err
	}
	return r.local.InvalidateDecryptedAccessToken(ctx)
}

func (r *DefaultRepository) SingleSignOnTokenScope(ctx context.Context) (Scope, error) {
	token, err := r.local.SingleSignOnToken(ctx)
	if err != nil || token == nil {
		return "", err
	}
	return token.Scope, nil
}

func (r *DefaultRepository) DecryptedAccessToken(ctx context.Context) (string, error) {
	return r.local.DecryptedAccessToken(ctx)
}

func (r *DefaultRepository) SetDecryptedAccessToken(ctx context.Context, token string) error {
	return r.local.SetDecryptedAccessToken(ctx, token)
}

func (r *DefaultRepository) InvalidateDecryptedAccessToken(ctx context.Context) error {
	return r.local.InvalidateDecryptedAccessToken(ctx)
}
