// Package mockidp emulates the endpoints of the gematik IDP-Dienst used by
// the E-Rezept app. Keys are P-256 and generated on startup; the signing
// certificate is issued by a self-signed CA returned by TrustAnchor.
package mockidp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/segmentio/ksuid"
	"golang.org/x/oauth2"
)

const (
	PathDiscovery     = "/.well-known/openid-configuration"
	PathAuthorization = "/sign_response"
	PathSSO           = "/sso_response"
	PathToken         = "/token"
	PathPairing       = "/pairings"
	PathAuthPair      = "/alt_response"
	PathPukSig        = "/idpSig/jwk.json"
	PathPukEnc        = "/idpEnc/jwk.json"

	challengeLifetime = 5 * time.Minute
	tokenLifetime     = 5 * time.Minute
)

var (
	oidSurname      = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidSerialNumber = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidGivenName    = asn1.ObjectIdentifier{2, 5, 4, 42}
)

// Faults switch deliberate misbehavior on.
type Faults struct {
	// challenge payload carries a different state
	TamperState bool
	// challenge payload carries a different nonce
	TamperNonce bool
	// ID token carries a different nonce
	TamperIDTokenNonce bool
	// redirect carries a different state
	TamperRedirectState bool
	// SSO endpoint answers with this status if not 0
	SSORejectStatus int
	// discovery document is expired
	StaleDiscovery bool
	// puk_idp_sig carries the coordinates of a key other than its x5c
	PukSigMismatch bool
	// challenge is signed by a key unknown to the client
	ForeignChallengeKey bool
	// challenge payload has no exp
	OmitChallengeExp bool
	// ID token is issued for another client
	TamperIDTokenAudience bool
	// ID token names another issuer
	TamperIDTokenIssuer bool
}

type Config struct {
	ClientID       string
	RedirectURI    string
	OrganizationIK string
	Now            func() time.Time
}

type session struct {
	clientID      string
	redirectURI   string
	state         string
	nonce         string
	codeChallenge string
	scope         string
	subject       *x509.Certificate
}

type Server struct {
	config Config

	caCert  *x509.Certificate
	caKey   *ecdsa.PrivateKey
	sigCert *x509.Certificate
	sigKey  *ecdsa.PrivateKey
	encKey  *ecdsa.PrivateKey

	// signs whatever a fault wants signed by someone else
	foreignKey *ecdsa.PrivateKey

	mu         sync.Mutex
	faults     Faults
	challenges map[string]*session
	codes      *codeService
	ssoTokens  map[string]*x509.Certificate
	pairings   map[string]*pairing

	discoveryFetches atomic.Int64
}

func New(config Config) (*Server, error) {
	if config.ClientID == "" {
		config.ClientID = gemidp.DefaultClientID
	}
	if config.RedirectURI == "" {
		config.RedirectURI = gemidp.DefaultRedirectURI
	}
	if config.OrganizationIK == "" {
		config.OrganizationIK = "109500969"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Server{
		config:     config,
		challenges: make(map[string]*session),
		ssoTokens:  make(map[string]*x509.Certificate),
		pairings:   make(map[string]*pairing),
	}

	var err error
	if s.codes, err = newCodeService(); err != nil {
		return nil, err
	}
	now := config.Now()
	if s.caKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	if s.caCert, err = issueCertificate("GEM.RCA MOCK TEST-ONLY", true, &s.caKey.PublicKey, nil, s.caKey, now); err != nil {
		return nil, err
	}
	if s.sigKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if s.sigCert, err = issueCertificate("IDP Sig mock", false, &s.sigKey.PublicKey, s.caCert, s.caKey, now); err != nil {
		return nil, err
	}
	if s.encKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if s.foreignKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, fmt.Errorf("generate foreign key: %w", err)
	}

	return s, nil
}

func issueCertificate(cn string, isCA bool, pub *ecdsa.PublicKey, parent *x509.Certificate, signer *ecdsa.PrivateKey, now time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"gematik GmbH NOT-VALID"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign
	}
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate %s: %w", cn, err)
	}
	return x509.ParseCertificate(der)
}

// TrustAnchor is the root of the signing certificate.
func (s *Server) TrustAnchor() *x509.Certificate {
	return s.caCert
}

// TrustAnchorPEM is TrustAnchor encoded for trust store files.
func (s *Server) TrustAnchorPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
}

func (s *Server) SetFaults(faults Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = faults
}

func (s *Server) currentFaults() Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// DiscoveryFetches counts requests of the discovery document.
func (s *Server) DiscoveryFetches() int64 {
	return s.discoveryFetches.Load()
}

// Echo returns a ready to serve echo instance.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.MountRoutes(e.Group(""))
	return e
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod: true,
			LogURI:    true,
			LogStatus: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				slog.Debug("mock IDP request", "method", v.Method, "uri", v.URI, "status", v.Status)
				return nil
			},
		}),
	)

	group.GET(PathDiscovery, s.DiscoveryEndpoint)
	group.GET(PathPukSig, s.PukSigEndpoint)
	group.GET(PathPukEnc, s.PukEncEndpoint)
	group.GET(PathAuthorization, s.ChallengeEndpoint)
	group.POST(PathAuthorization, s.SignedChallengeEndpoint)
	group.POST(PathSSO, s.SSOEndpoint)
	group.POST(PathToken, s.TokenEndpoint)
	group.POST(PathPairing, s.RegisterPairingEndpoint)
	group.GET(PathPairing, s.ListPairingsEndpoint)
	group.DELETE(PathPairing+"/:key_identifier", s.DeletePairingEndpoint)
	group.POST(PathAuthPair, s.AlternateAuthenticationEndpoint)
}

func baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

func (s *Server) sign(payload interface{}, extraHeaders map[string]interface{}) (string, error) {
	return signWith(s.sigKey, payload, extraHeaders)
}

func signWith(key *ecdsa.PrivateKey, payload interface{}, extraHeaders map[string]interface{}) (string, error) {
	claims, err := jose.ClaimsOf(payload)
	if err != nil {
		return "", err
	}
	builder := brainpool.NewJWTBuilder().
		Header("alg", brainpool.AlgorithmNameES256).
		Header("typ", "JWT").
		Header("kid", "puk_idp_sig")
	for k, v := range extraHeaders {
		builder.Header(k, v)
	}
	for k, v := range claims {
		builder.Claim(k, v)
	}
	signed, err := builder.Sign(sha256.New(), brainpool.SignFuncPrivateKey(key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (s *Server) DiscoveryEndpoint(c echo.Context) error {
	s.discoveryFetches.Add(1)
	base := baseURL(c)
	now := s.config.Now()

	iat, exp := now, now.Add(24*time.Hour)
	if s.currentFaults().StaleDiscovery {
		iat, exp = now.Add(-48*time.Hour), now.Add(-25*time.Hour)
	}

	doc := gemidp.DiscoveryDocument{
		Issuer:                base,
		AuthorizationEndpoint: base + PathAuthorization,
		SSOEndpoint:           base + PathSSO,
		TokenEndpoint:         base + PathToken,
		PairingEndpoint:       base + PathPairing,
		AuthPairEndpoint:      base + PathAuthPair,
		PukIdpEncURI:          base + PathPukEnc,
		PukIdpSigURI:          base + PathPukSig,
		IssuedAt:              iat.Unix(),
		ExpiresAt:             exp.Unix(),
	}

	signed, err := s.sign(doc, map[string]interface{}{
		"x5c": []string{base64.StdEncoding.EncodeToString(s.sigCert.Raw)},
	})
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/jwt", []byte(signed))
}

func (s *Server) PukSigEndpoint(c echo.Context) error {
	key := &s.sigKey.PublicKey
	if s.currentFaults().PukSigMismatch {
		key = &s.foreignKey.PublicKey
	}
	return c.JSON(http.StatusOK, &brainpool.JSONWebKey{
		Key:          key,
		KeyID:        "puk_idp_sig",
		Use:          "sig",
		Certificates: []*x509.Certificate{s.sigCert},
	})
}

func (s *Server) PukEncEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, &brainpool.JSONWebKey{
		Key:   &s.encKey.PublicKey,
		KeyID: "puk_idp_enc",
		Use:   "enc",
	})
}

func (s *Server) ChallengeEndpoint(c echo.Context) error {
	params := c.QueryParams()
	for _, name := range []string{"client_id", "state", "nonce", "code_challenge", "redirect_uri", "scope"} {
		if params.Get(name) == "" {
			return idpError(c, http.StatusBadRequest, "invalid_request", fmt.Sprintf("%s fehlt", name), "1000")
		}
	}
	if params.Get("client_id") != s.config.ClientID {
		return idpError(c, http.StatusBadRequest, "invalid_request", "client_id ist ungültig", "2012")
	}
	if params.Get("redirect_uri") != s.config.RedirectURI {
		return idpError(c, http.StatusBadRequest, "invalid_request", "redirect_uri ist ungültig", "1020")
	}
	if params.Get("response_type") != "code" {
		return idpError(c, http.StatusBadRequest, "unsupported_response_type", "response_type wird nicht unterstützt", "2004")
	}
	if params.Get("code_challenge_method") != "S256" {
		return idpError(c, http.StatusBadRequest, "invalid_request", "code_challenge_method ist ungültig", "2008")
	}
	scope := params.Get("scope")
	if scope != "e-rezept openid" && scope != "openid e-rezept" && scope != "pairing openid" {
		return idpError(c, http.StatusBadRequest, "invalid_scope", "Fehlerhafter Scope", "1022")
	}

	sess := &session{
		clientID:      params.Get("client_id"),
		redirectURI:   params.Get("redirect_uri"),
		state:         params.Get("state"),
		nonce:         params.Get("nonce"),
		codeChallenge: params.Get("code_challenge"),
		scope:         scope,
	}

	faults := s.currentFaults()
	now := s.config.Now()
	payload := gemidp.ChallengePayload{
		Iss:                 baseURL(c),
		Iat:                 now.Unix(),
		Exp:                 now.Add(challengeLifetime).Unix(),
		TokenType:           "challenge",
		Jti:                 ksuid.New().String(),
		Snc:                 ksuid.New().String(),
		Scope:               scope,
		CodeChallenge:       sess.codeChallenge,
		CodeChallengeMethod: "S256",
		ResponseType:        "code",
		RedirectURI:         sess.redirectURI,
		ClientID:            sess.clientID,
		State:               sess.state,
		Nonce:               sess.nonce,
	}
	if faults.TamperState {
		payload.State = ksuid.New().String()
	}
	if faults.TamperNonce {
		payload.Nonce = ksuid.New().String()
	}
	if faults.OmitChallengeExp {
		payload.Exp = 0
	}
	signer := s.sigKey
	if faults.ForeignChallengeKey {
		signer = s.foreignKey
	}

	challenge, err := signWith(signer, payload, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.challenges[payload.Jti] = sess
	s.mu.Unlock()

	return c.JSON(http.StatusOK, gemidp.Challenge{
		Challenge: challenge,
		UserConsent: gemidp.UserConsent{
			RequestedScopes: map[string]string{
				"openid":   "Zugriff auf den ID-Token",
				"e-rezept": "Zugriff auf die E-Rezept-Funktionalität",
			},
			RequestedClaims: map[string]string{
				"given_name":       "Zustimmung zur Verarbeitung des Vornamens",
				"family_name":      "Zustimmung zur Verarbeitung des Nachnamens",
				"organizationName": "Zustimmung zur Verarbeitung der Organisationszugehörigkeit",
				"idNummer":         "Zustimmung zur Verarbeitung der Kranken-/Pflegeversichertennummer",
			},
		},
	})
}

// verifyChallenge checks that challenge was issued by this server and
// returns its session.
func (s *Server) verifyChallenge(challenge string) (*session, string, error) {
	token, err := brainpool.ParseToken([]byte(challenge), jose.WithPublicKey(&s.sigKey.PublicKey))
	if err != nil {
		return nil, "", err
	}
	var payload gemidp.ChallengePayload
	if err := json.Unmarshal(token.PayloadJson, &payload); err != nil {
		return nil, "", err
	}
	if s.config.Now().Unix() > payload.Exp {
		return nil, "", errors.New("challenge expired")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.challenges[payload.Jti]
	if !ok {
		return nil, "", errors.New("unknown challenge")
	}
	delete(s.challenges, payload.Jti)
	return sess, payload.Jti, nil
}

func (s *Server) SignedChallengeEndpoint(c echo.Context) error {
	encrypted := c.FormValue("signed_challenge")
	if encrypted == "" {
		return idpError(c, http.StatusBadRequest, "invalid_request", "signed_challenge fehlt", "2030")
	}

	plaintext, headers, err := jose.DecryptECDHES([]byte(encrypted), s.encKey)
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "signed_challenge ist ungültig", "2030")
	}
	if headers["cty"] != "NJWT" {
		return idpError(c, http.StatusBadRequest, "invalid_request", "cty ist ungültig", "2030")
	}
	if _, ok := headers["exp"].(float64); !ok {
		return idpError(c, http.StatusBadRequest, "invalid_request", "exp fehlt", "2030")
	}

	var njwt gemidp.Njwt
	if err := json.Unmarshal(plaintext, &njwt); err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "njwt ist ungültig", "2030")
	}

	cardCert, token, err := verifyCardSignature(njwt.Njwt)
	if err != nil {
		slog.Warn("mock IDP rejected card signature", "error", err)
		return idpError(c, http.StatusBadRequest, "invalid_request", "Signatur ist ungültig", "2013")
	}

	var signedPayload gemidp.Njwt
	if err := json.Unmarshal(token.PayloadJson, &signedPayload); err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "njwt ist ungültig", "2030")
	}

	sess, _, err := s.verifyChallenge(signedPayload.Njwt)
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "Challenge ist ungültig", "2032")
	}
	sess.subject = cardCert

	ssoToken := ksuid.New().String()
	s.mu.Lock()
	s.ssoTokens[ssoToken] = cardCert
	s.mu.Unlock()

	return s.redirectWithCode(c, sess, ssoToken)
}

// verifyCardSignature checks the signed challenge with the key of its x5c
// certificate.
func verifyCardSignature(signed string) (*x509.Certificate, *brainpool.JWT, error) {
	token, err := brainpool.ParseToken([]byte(signed), jose.WithX5C())
	if err != nil {
		return nil, nil, err
	}
	if token.Headers["typ"] != "JWT" || token.Headers["cty"] != "NJWT" {
		return nil, nil, fmt.Errorf("unexpected headers typ=%v cty=%v", token.Headers["typ"], token.Headers["cty"])
	}
	cert, err := jose.LeafCertificate(token.Headers)
	if err != nil {
		return nil, nil, err
	}
	return cert, token, nil
}

func (s *Server) SSOEndpoint(c echo.Context) error {
	if status := s.currentFaults().SSORejectStatus; status != 0 {
		return idpError(c, status, "invalid_request", "SSO-Token ist ungültig", "2040")
	}

	ssoToken := c.FormValue("ssotoken")
	s.mu.Lock()
	cardCert, ok := s.ssoTokens[ssoToken]
	s.mu.Unlock()
	if !ok {
		return idpError(c, http.StatusBadRequest, "invalid_request", "SSO-Token ist ungültig", "2040")
	}

	sess, _, err := s.verifyChallenge(c.FormValue("unsigned_challenge"))
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "Challenge ist ungültig", "2032")
	}
	sess.subject = cardCert

	return s.redirectWithCode(c, sess, "")
}

func (s *Server) redirectWithCode(c echo.Context, sess *session, ssoToken string) error {
	code, err := s.codes.Issue(sess)
	if err != nil {
		return err
	}

	state := sess.state
	if s.currentFaults().TamperRedirectState {
		state = ksuid.New().String()
	}

	params := url.Values{}
	params.Set("code", code)
	params.Set("state", state)
	if ssoToken != "" {
		params.Set("ssotoken", ssoToken)
	}
	return c.Redirect(http.StatusFound, sess.redirectURI+"?"+params.Encode())
}

func (s *Server) TokenEndpoint(c echo.Context) error {
	if c.FormValue("grant_type") != "authorization_code" {
		return idpError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type wird nicht unterstützt", "3014")
	}

	sess, err := s.codes.Redeem(c.FormValue("code"))
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_grant", "Authorization Code ist ungültig", "3011")
	}
	if c.FormValue("client_id") != sess.clientID || c.FormValue("redirect_uri") != sess.redirectURI {
		return idpError(c, http.StatusBadRequest, "invalid_client", "client_id oder redirect_uri ist ungültig", "3007")
	}

	plaintext, _, err := jose.DecryptECDHES([]byte(c.FormValue("key_verifier")), s.encKey)
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "key_verifier ist ungültig", "3016")
	}
	var keyVerifier gemidp.TokenKeyPayload
	if err := json.Unmarshal(plaintext, &keyVerifier); err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "key_verifier ist ungültig", "3016")
	}
	if oauth2.S256ChallengeFromVerifier(keyVerifier.CodeVerifier) != sess.codeChallenge {
		return idpError(c, http.StatusBadRequest, "invalid_grant", "code_verifier stimmt nicht mit code_challenge überein", "3000")
	}
	tokenKey, err := base64.RawURLEncoding.DecodeString(keyVerifier.TokenKey)
	if err != nil || len(tokenKey) != 32 {
		return idpError(c, http.StatusBadRequest, "invalid_request", "token_key ist ungültig", "3016")
	}

	response, err := s.issueTokens(c, sess, tokenKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) issueTokens(c echo.Context, sess *session, tokenKey []byte) (*gemidp.TokenResponse, error) {
	now := s.config.Now()
	exp := now.Add(tokenLifetime)

	claims := map[string]interface{}{
		"iss":              baseURL(c),
		"aud":              sess.clientID,
		"iat":              now.Unix(),
		"exp":              exp.Unix(),
		"auth_time":        now.Unix(),
		"organizationIK":   s.config.OrganizationIK,
		"acr":              "gematik-ehealth-loa-high",
		"amr":              []string{"mfa", "sc", "pin"},
		"given_name":       "",
		"family_name":      "",
		"organizationName": "",
		"idNummer":         "",
	}
	if cert := sess.subject; cert != nil {
		claims["sub"] = cert.Subject.CommonName
		claims["idNummer"] = cert.Subject.CommonName
		if len(cert.Subject.Organization) > 0 {
			claims["organizationName"] = cert.Subject.Organization[0]
		}
		for _, name := range cert.Subject.Names {
			switch {
			case name.Type.Equal(oidGivenName):
				claims["given_name"] = name.Value
			case name.Type.Equal(oidSurname):
				claims["family_name"] = name.Value
			case name.Type.Equal(oidSerialNumber):
				claims["idNummer"] = name.Value
			}
		}
	}

	faults := s.currentFaults()
	idClaims := copyClaims(claims)
	idClaims["nonce"] = sess.nonce
	if faults.TamperIDTokenNonce {
		idClaims["nonce"] = ksuid.New().String()
	}
	if faults.TamperIDTokenAudience {
		idClaims["aud"] = "someApp"
	}
	if faults.TamperIDTokenIssuer {
		idClaims["iss"] = "https://idp.example.com"
	}
	idClaims["at_hash"] = ksuid.New().String()
	idToken, err := s.sign(idClaims, nil)
	if err != nil {
		return nil, err
	}

	accessClaims := copyClaims(claims)
	accessClaims["scope"] = sess.scope
	accessClaims["client_id"] = sess.clientID
	accessClaims["jti"] = ksuid.New().String()
	accessToken, err := s.sign(accessClaims, map[string]interface{}{"typ": "at+JWT"})
	if err != nil {
		return nil, err
	}

	encryptedIDToken, err := encryptNjwt(idToken, tokenKey, exp)
	if err != nil {
		return nil, err
	}
	encryptedAccessToken, err := encryptNjwt(accessToken, tokenKey, exp)
	if err != nil {
		return nil, err
	}

	return &gemidp.TokenResponse{
		AccessToken: encryptedAccessToken,
		IDToken:     encryptedIDToken,
		ExpiresIn:   int64(tokenLifetime.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

func copyClaims(claims map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(claims)+4)
	for k, v := range claims {
		c[k] = v
	}
	return c
}

func encryptNjwt(token string, key []byte, exp time.Time) (string, error) {
	plaintext, err := json.Marshal(gemidp.Njwt{Njwt: token})
	if err != nil {
		return "", err
	}
	headers := jwe.NewHeaders()
	if err := headers.Set("cty", "NJWT"); err != nil {
		return "", err
	}
	if err := headers.Set("exp", exp.Unix()); err != nil {
		return "", err
	}
	encrypted, err := jwe.Encrypt(
		plaintext,
		jwe.WithKey(jwa.DIRECT(), key),
		jwe.WithContentEncryption(jwa.A256GCM()),
		jwe.WithProtectedHeaders(headers),
	)
	if err != nil {
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	return string(encrypted), nil
}

func idpError(c echo.Context, status int, code, text, gematikCode string) error {
	return c.JSON(status, &gemidp.Error{
		ErrorCode:        code,
		GematikErrorText: text,
		GematikTimestamp: time.Now().Unix(),
		GematikUUID:      ksuid.New().String(),
		GematikCode:      gematikCode,
	})
}
