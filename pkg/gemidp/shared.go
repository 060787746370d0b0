package gemidp

import (
	"crypto/x509"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
)

// Scope of a single sign on token.
type Scope string

const (
	ScopeDefault          Scope = "default"
	ScopeBiometricPairing Scope = "biometric_pairing"
)

// OAuth2 scope sent to the authorization endpoint.
func (s Scope) requestScope() string {
	if s == ScopeBiometricPairing {
		return "pairing openid"
	}
	return "e-rezept openid"
}

// Configuration is the content of the verified discovery document.
type Configuration struct {
	// iss of every token signed by the IDP-Dienst
	Issuer                 string
	AuthorizationEndpoint  string
	SSOEndpoint            string
	TokenEndpoint          string
	PairingEndpoint        string
	AuthenticationEndpoint string
	PukIdpEncEndpoint      string
	PukIdpSigEndpoint      string
	IssuedAt               time.Time
	ExpiresAt              time.Time
	// signer of the discovery document, taken from its x5c header
	Certificate *x509.Certificate
}

// InitialData holds everything one flow attempt needs. It is built once by
// InitializeConfigurationAndKeys and never modified afterwards.
type InitialData struct {
	Config        Configuration
	PukSig        *brainpool.JSONWebKey
	PukEnc        *brainpool.JSONWebKey
	State         string
	Nonce         string
	CodeVerifier  string
	CodeChallenge string
}

// UnsignedChallenge is a challenge whose IDP signature has been verified.
type UnsignedChallenge struct {
	// compact JWS as received, forwarded unchanged
	SignedChallenge string
	Payload         ChallengePayload
	Expires         int64
}

type ChallengeFlowResult struct {
	Scope     Scope
	Challenge UnsignedChallenge
}

type AuthFlowResult struct {
	AccessToken                string
	ExpiresOn                  time.Time
	SSOToken                   string
	IDTokenInsuranceIdentifier string
	OrganizationIdentifier     string
	IDTokenInsuranceName       string
	IDTokenInsurantName        string
}

type RefreshFlowResult struct {
	Scope       Scope
	AccessToken string
	ExpiresOn   time.Time
}

// SingleSignOnToken is the long lived credential issued after a health
// card authentication. An invalidated token keeps its scope.
type SingleSignOnToken struct {
	Token                 string
	Scope                 Scope
	HealthCardCertificate []byte
}

// Challenge sent from the gematik IDP-Dienst to the authenticator
type Challenge struct {
	Challenge   string      `json:"challenge"`
	UserConsent UserConsent `json:"user_consent"`
}

// User consent of the challenge sent from the gematik IDP-Dienst to the authenticator
type UserConsent struct {
	RequestedScopes map[string]string `json:"requested_scopes"`
	RequestedClaims map[string]string `json:"requested_claims"`
}

// Nested JWT claims used during the challenge response flow
type Njwt struct {
	Njwt string `json:"njwt"`
}

// Payload of the signed challenge token sent from the gematik IDP-Dienst to the authenticator
type ChallengePayload struct {
	Iss                 string `json:"iss"`
	Iat                 int64  `json:"iat"`
	Exp                 int64  `json:"exp"`
	TokenType           string `json:"token_type"`
	Jti                 string `json:"jti"`
	Snc                 string `json:"snc"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ResponseType        string `json:"response_type"`
	RedirectURI         string `json:"redirect_uri"`
	ClientID            string `json:"client_id"`
	State               string `json:"state"`
	Nonce               string `json:"nonce"`
}

// Payload of the token key sent from the client to the gematik IDP-Dienst
// to encrypt the token(s) when exchanging the authorization code
type TokenKeyPayload struct {
	TokenKey     string `json:"token_key"`
	CodeVerifier string `json:"code_verifier"`
}

// TokenResponse of the token endpoint. Both tokens are JWE encrypted with
// the token key.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// claims of the ID token used by this client
type idTokenClaims struct {
	Nonce            string `json:"nonce"`
	GivenName        string `json:"given_name"`
	FamilyName       string `json:"family_name"`
	IDNummer         string `json:"idNummer"`
	OrganizationIK   string `json:"organizationIK"`
	OrganizationName string `json:"organizationName"`
}
