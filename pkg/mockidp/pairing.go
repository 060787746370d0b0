package mockidp

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"
)

// pairing is a device registered at the pairing endpoint.
type pairing struct {
	keyIdentifier string
	subject       string
	entry         gemidp.PairingEntry
	deviceKey     *ecdsa.PublicKey
	cardCert      *x509.Certificate
}

type accessTokenClaims struct {
	Sub   string `json:"sub"`
	Scope string `json:"scope"`
	Exp   int64  `json:"exp"`
}

// PairedDevices counts the registered devices of all insurants.
func (s *Server) PairedDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairings)
}

// verifyPairingAccessToken decrypts the bearer token and accepts it only if
// it was issued by this server for the pairing scope.
func (s *Server) verifyPairingAccessToken(c echo.Context) (*accessTokenClaims, error) {
	encrypted, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
	if !ok || encrypted == "" {
		return nil, errors.New("missing bearer token")
	}
	plaintext, headers, err := jose.DecryptECDHES([]byte(encrypted), s.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	if headers["cty"] != "NJWT" {
		return nil, fmt.Errorf("unexpected cty %v", headers["cty"])
	}
	var njwt gemidp.Njwt
	if err := json.Unmarshal(plaintext, &njwt); err != nil {
		return nil, err
	}
	token, err := brainpool.ParseToken([]byte(njwt.Njwt), jose.WithPublicKey(&s.sigKey.PublicKey))
	if err != nil {
		return nil, err
	}
	claims := new(accessTokenClaims)
	if err := json.Unmarshal(token.PayloadJson, claims); err != nil {
		return nil, err
	}
	if claims.Exp < s.config.Now().Unix() {
		return nil, errors.New("access token expired")
	}
	if !slices.Contains(strings.Fields(claims.Scope), "pairing") {
		return nil, fmt.Errorf("scope %q does not allow pairing", claims.Scope)
	}
	return claims, nil
}

func (s *Server) RegisterPairingEndpoint(c echo.Context) error {
	claims, err := s.verifyPairingAccessToken(c)
	if err != nil {
		slog.Warn("mock IDP rejected access token", "error", err)
		return idpError(c, http.StatusForbidden, "access_denied", "Access Token ist ungültig", "4001")
	}

	plaintext, _, err := jose.DecryptECDHES([]byte(c.FormValue("encrypted_registration_data")), s.encKey)
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "encrypted_registration_data ist ungültig", "4002")
	}
	var registration gemidp.RegistrationData
	if err := json.Unmarshal(plaintext, &registration); err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "registration_data ist ungültig", "4002")
	}

	p, err := verifyRegistration(&registration)
	if err != nil {
		slog.Warn("mock IDP rejected registration", "error", err)
		return idpError(c, http.StatusBadRequest, "invalid_request", "Signatur der Pairing-Daten ist ungültig", "4003")
	}
	if p.subject != claims.Sub {
		return idpError(c, http.StatusForbidden, "access_denied", "Pairing-Daten gehören nicht zum Access Token", "4004")
	}
	p.entry.CreationTime = s.config.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pairings[p.keyIdentifier]; exists {
		return idpError(c, http.StatusConflict, "invalid_request", "Gerät ist bereits registriert", "4005")
	}
	s.pairings[p.keyIdentifier] = p
	return c.JSON(http.StatusOK, p.entry)
}

// verifyRegistration checks the pairing data against the health card
// certificate that signed it.
func verifyRegistration(registration *gemidp.RegistrationData) (*pairing, error) {
	der, err := base64.RawURLEncoding.DecodeString(registration.AuthCert)
	if err != nil {
		return nil, fmt.Errorf("decoding auth_cert: %w", err)
	}
	cert, err := brainpool.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	cardKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported card key %T", cert.PublicKey)
	}

	token, err := brainpool.ParseToken([]byte(registration.SignedPairingData), jose.WithPublicKey(cardKey))
	if err != nil {
		return nil, err
	}
	var data gemidp.PairingData
	if err := json.Unmarshal(token.PayloadJson, &data); err != nil {
		return nil, err
	}
	if data.KeyIdentifier == "" {
		return nil, errors.New("missing key_identifier")
	}
	if data.AuthCertSubjectPublicKeyInfo != base64.RawURLEncoding.EncodeToString(cert.RawSubjectPublicKeyInfo) {
		return nil, errors.New("auth_cert_subject_public_key_info does not match auth_cert")
	}
	if data.SerialNumber != cert.SerialNumber.String() {
		return nil, errors.New("serialnumber does not match auth_cert")
	}

	seKeyInfo, err := base64.RawURLEncoding.DecodeString(data.SESubjectPublicKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("decoding se_subject_public_key_info: %w", err)
	}
	seKey, err := x509.ParsePKIXPublicKey(seKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("parsing se_subject_public_key_info: %w", err)
	}
	deviceKey, ok := seKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported device key %T", seKey)
	}

	return &pairing{
		keyIdentifier: data.KeyIdentifier,
		subject:       cert.Subject.CommonName,
		deviceKey:     deviceKey,
		cardCert:      cert,
		entry: gemidp.PairingEntry{
			DataVersion:       "1.0",
			Name:              registration.DeviceInformation.Name,
			SignedPairingData: registration.SignedPairingData,
		},
	}, nil
}

func (s *Server) ListPairingsEndpoint(c echo.Context) error {
	claims, err := s.verifyPairingAccessToken(c)
	if err != nil {
		return idpError(c, http.StatusForbidden, "access_denied", "Access Token ist ungültig", "4001")
	}

	s.mu.Lock()
	entries := make([]gemidp.PairingEntry, 0, len(s.pairings))
	for _, p := range s.pairings {
		if p.subject == claims.Sub {
			entries = append(entries, p.entry)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(entries, func(a, b gemidp.PairingEntry) int {
		if a.CreationTime != b.CreationTime {
			return int(a.CreationTime - b.CreationTime)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return c.JSON(http.StatusOK, gemidp.PairingEntries{Entries: entries})
}

func (s *Server) DeletePairingEndpoint(c echo.Context) error {
	claims, err := s.verifyPairingAccessToken(c)
	if err != nil {
		return idpError(c, http.StatusForbidden, "access_denied", "Access Token ist ungültig", "4001")
	}

	keyIdentifier := c.Param("key_identifier")
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[keyIdentifier]
	if !ok || p.subject != claims.Sub {
		return idpError(c, http.StatusNotFound, "invalid_request", "Gerät ist nicht registriert", "4006")
	}
	delete(s.pairings, keyIdentifier)
	return c.NoContent(http.StatusNoContent)
}

// AlternateAuthenticationEndpoint accepts a challenge signed by the key of a
// registered device.
func (s *Server) AlternateAuthenticationEndpoint(c echo.Context) error {
	plaintext, headers, err := jose.DecryptECDHES([]byte(c.FormValue("encrypted_signed_authentication_data")), s.encKey)
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "encrypted_signed_authentication_data ist ungültig", "2030")
	}
	if headers["cty"] != "NJWT" {
		return idpError(c, http.StatusBadRequest, "invalid_request", "cty ist ungültig", "2030")
	}
	var njwt gemidp.Njwt
	if err := json.Unmarshal(plaintext, &njwt); err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "njwt ist ungültig", "2030")
	}

	var device *pairing
	token, err := brainpool.ParseToken([]byte(njwt.Njwt), func(token *brainpool.JWT) error {
		keyIdentifier, _ := token.Claims["key_identifier"].(string)
		s.mu.Lock()
		p, ok := s.pairings[keyIdentifier]
		s.mu.Unlock()
		if !ok {
			return errors.New("unknown key_identifier")
		}
		device = p
		return jose.WithPublicKey(p.deviceKey)(token)
	})
	if err != nil {
		slog.Warn("mock IDP rejected device signature", "error", err)
		return idpError(c, http.StatusBadRequest, "invalid_request", "Signatur ist ungültig", "2013")
	}

	var data gemidp.AuthenticationData
	if err := json.Unmarshal(token.PayloadJson, &data); err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "authentication_data ist ungültig", "2030")
	}
	authCert, err := base64.RawURLEncoding.DecodeString(data.AuthCert)
	if err != nil || !bytes.Equal(authCert, device.cardCert.Raw) {
		return idpError(c, http.StatusBadRequest, "invalid_request", "auth_cert passt nicht zum Gerät", "2013")
	}
	if len(data.Amr) == 0 {
		return idpError(c, http.StatusBadRequest, "invalid_request", "amr fehlt", "2030")
	}

	sess, _, err := s.verifyChallenge(data.ChallengeToken)
	if err != nil {
		return idpError(c, http.StatusBadRequest, "invalid_request", "Challenge ist ungültig", "2032")
	}
	sess.subject = device.cardCert

	ssoToken := ksuid.New().String()
	s.mu.Lock()
	s.ssoTokens[ssoToken] = device.cardCert
	s.mu.Unlock()

	return s.redirectWithCode(c, sess, ssoToken)
}

