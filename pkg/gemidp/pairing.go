package gemidp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
)

const (
	pairingDataVersion  = "1.0"
	keyIdentifierLength = 32
)

// AuthenticationMethod is how the user unlocked the key of a registered
// device.
type AuthenticationMethod int

const (
	AuthenticationMethodStrong AuthenticationMethod = iota
	AuthenticationMethodDeviceCredentials
)

// amr values sent in the authentication data
func (m AuthenticationMethod) amr() []string {
	if m == AuthenticationMethodDeviceCredentials {
		return []string{"mfa", "hwk", "kba"}
	}
	return []string{"mfa", "hwk", "generic-biometric"}
}

// SecureElement is a key stored on the device, e.g. in the Android keystore
// or the Secure Enclave. Sign receives a SHA-256 digest and returns r||s.
type SecureElement interface {
	KeyIdentifier() string
	PublicKey() *ecdsa.PublicKey
	Sign(ctx context.Context, hash []byte) ([]byte, error)
}

// SoftkeySecureElement keeps a P-256 key in memory.
type SoftkeySecureElement struct {
	alias []byte
	key   *ecdsa.PrivateKey
}

// NewSoftkeySecureElement generates a key and a random 32 byte alias.
func NewSoftkeySecureElement() (*SoftkeySecureElement, error) {
	alias, err := randomBytes(keyIdentifierLength)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	return &SoftkeySecureElement{alias: alias, key: key}, nil
}

func (e *SoftkeySecureElement) KeyIdentifier() string {
	return base64.RawURLEncoding.EncodeToString(e.alias)
}

func (e *SoftkeySecureElement) PublicKey() *ecdsa.PublicKey {
	return &e.key.PublicKey
}

func (e *SoftkeySecureElement) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return brainpool.SignFuncPrivateKey(e.key)(hash)
}

type DeviceType struct {
	DataVersion  string `json:"device_type_data_version"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Model        string `json:"model"`
	OS           string `json:"os"`
	OSVersion    string `json:"os_version"`
}

type DeviceInformation struct {
	DataVersion string     `json:"device_information_data_version"`
	Name        string     `json:"name"`
	DeviceType  DeviceType `json:"device_type"`
}

// PairingData binds the device key to the health card. It is signed by the
// health card.
type PairingData struct {
	DataVersion                  string `json:"pairing_data_version"`
	SESubjectPublicKeyInfo       string `json:"se_subject_public_key_info"`
	KeyIdentifier                string `json:"key_identifier"`
	Product                      string `json:"product"`
	SerialNumber                 string `json:"serialnumber"`
	Issuer                       string `json:"issuer"`
	NotAfter                     int64  `json:"not_after"`
	AuthCertSubjectPublicKeyInfo string `json:"auth_cert_subject_public_key_info"`
}

// RegistrationData is posted encrypted to the pairing endpoint.
type RegistrationData struct {
	DataVersion       string            `json:"registration_data_version"`
	SignedPairingData string            `json:"signed_pairing_data"`
	AuthCert          string            `json:"auth_cert"`
	DeviceInformation DeviceInformation `json:"device_information"`
}

// AuthenticationData answers a challenge instead of the health card. It is
// signed with the device key.
type AuthenticationData struct {
	DataVersion       string            `json:"authentication_data_version"`
	ChallengeToken    string            `json:"challenge_token"`
	AuthCert          string            `json:"auth_cert"`
	KeyIdentifier     string            `json:"key_identifier"`
	DeviceInformation DeviceInformation `json:"device_information"`
	Amr               []string          `json:"amr"`
}

type PairingEntry struct {
	DataVersion       string `json:"pairing_entry_version"`
	Name              string `json:"name"`
	CreationTime      int64  `json:"creation_time"`
	SignedPairingData string `json:"signed_pairing_data"`
}

type PairingEntries struct {
	Entries []PairingEntry `json:"pairing_entries"`
}

// NewDeviceInformation fills in the data versions.
func NewDeviceInformation(name string, deviceType DeviceType) DeviceInformation {
	deviceType.DataVersion = pairingDataVersion
	return DeviceInformation{
		DataVersion: pairingDataVersion,
		Name:        name,
		DeviceType:  deviceType,
	}
}

// RegisterDevice registers the key of device for the insurant of
// healthCardCertificate. accessToken must be of the pairing scope and
// obtained with initial.
func (u *BasicUseCase) RegisterDevice(ctx context.Context, initial *InitialData, accessToken string, healthCardCertificate []byte, card Signer, device SecureElement, info DeviceInformation) (*PairingEntry, error) {
	if err := checkPairingSupported(initial); err != nil {
		return nil, err
	}

	encryptedAccessToken, err := u.buildEncryptedAccessToken(accessToken, initial)
	if err != nil {
		return nil, err
	}

	cert, err := brainpool.ParseCertificate(healthCardCertificate)
	if err != nil {
		return nil, fmt.Errorf("parsing health card certificate: %w", err)
	}
	signedPairingData, err := buildSignedPairingData(ctx, cert, card, device, info)
	if err != nil {
		return nil, err
	}

	registration, err := json.Marshal(RegistrationData{
		DataVersion:       pairingDataVersion,
		SignedPairingData: signedPairingData,
		AuthCert:          base64.RawURLEncoding.EncodeToString(healthCardCertificate),
		DeviceInformation: info,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling registration data: %w", err)
	}
	encryptedRegistration, err := brainpool.NewJWEBuilder().
		Header("cty", "JSON").
		Header("typ", "JWT").
		Plaintext(registration).
		EncryptECDHES(initial.PukEnc)
	if err != nil {
		return nil, fmt.Errorf("encrypting registration data: %w", err)
	}

	entry, err := u.repo.PostPairing(ctx, initial.Config.PairingEndpoint, encryptedAccessToken, string(encryptedRegistration))
	if err != nil {
		return nil, err
	}

	loggerFrom(ctx).Info("Device registered", "name", info.Name)
	return entry, nil
}

// PairedDevices lists the registered devices. accessToken must be of the
// pairing scope.
func (u *BasicUseCase) PairedDevices(ctx context.Context, initial *InitialData, accessToken string) ([]PairingEntry, error) {
	if err := checkPairingSupported(initial); err != nil {
		return nil, err
	}
	encryptedAccessToken, err := u.buildEncryptedAccessToken(accessToken, initial)
	if err != nil {
		return nil, err
	}
	entries, err := u.repo.FetchPairings(ctx, initial.Config.PairingEndpoint, encryptedAccessToken)
	if err != nil {
		return nil, err
	}
	return entries.Entries, nil
}

// DeletePairedDevice removes the device with keyIdentifier. accessToken
// must be of the pairing scope.
func (u *BasicUseCase) DeletePairedDevice(ctx context.Context, initial *InitialData, accessToken, keyIdentifier string) error {
	if err := checkPairingSupported(initial); err != nil {
		return err
	}
	if keyIdentifier == "" {
		return errors.New("key identifier is required")
	}
	encryptedAccessToken, err := u.buildEncryptedAccessToken(accessToken, initial)
	if err != nil {
		return err
	}
	return u.repo.DeletePairing(ctx, initial.Config.PairingEndpoint, encryptedAccessToken, keyIdentifier)
}

// AlternateAuthFlow answers the challenge with the key of a registered
// device and exchanges the resulting code for tokens.
func (u *BasicUseCase) AlternateAuthFlow(ctx context.Context, initial *InitialData, challenge *UnsignedChallenge, healthCardCertificate []byte, device SecureElement, info DeviceInformation, method AuthenticationMethod) (*AuthFlowResult, error) {
	if initial.Config.AuthenticationEndpoint == "" {
		return nil, fmt.Errorf("%w: discovery document without auth_pair_endpoint", ErrConfigInvalid)
	}

	data := AuthenticationData{
		DataVersion:       pairingDataVersion,
		ChallengeToken:    challenge.SignedChallenge,
		AuthCert:          base64.RawURLEncoding.EncodeToString(healthCardCertificate),
		KeyIdentifier:     device.KeyIdentifier(),
		DeviceInformation: info,
		Amr:               method.amr(),
	}
	signed, err := signWithDevice(ctx, device, data)
	if err != nil {
		return nil, fmt.Errorf("signing authentication data: %w", err)
	}

	encrypted, err := encryptNjwtFor(signed, challenge.Expires, initial.PukEnc)
	if err != nil {
		return nil, fmt.Errorf("encrypting authentication data: %w", err)
	}

	redirect, err := u.repo.PostAuthenticationData(ctx, initial.Config.AuthenticationEndpoint, encrypted)
	if err != nil {
		return nil, err
	}
	return u.redeemRedirect(ctx, initial, redirect)
}

func checkPairingSupported(initial *InitialData) error {
	if initial.Config.PairingEndpoint == "" {
		return fmt.Errorf("%w: discovery document without uri_pair", ErrConfigInvalid)
	}
	return nil
}

// buildEncryptedAccessToken verifies the access token with puk_idp_sig and
// wraps it for the pairing endpoint. The JWE expires with the token.
func (u *BasicUseCase) buildEncryptedAccessToken(accessToken string, initial *InitialData) (string, error) {
	pukSig, err := jose.PublicKey(initial.PukSig)
	if err != nil {
		return "", fmt.Errorf("%w: puk_idp_sig: %w", ErrConfigInvalid, err)
	}
	token, err := brainpool.ParseToken([]byte(accessToken), jose.WithPublicKey(pukSig))
	if err != nil {
		return "", fmt.Errorf("%w: access token signature: %w", ErrIntegrity, err)
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(token.PayloadJson, &claims); err != nil || claims.Exp <= 0 {
		return "", fmt.Errorf("%w: access token without exp", ErrIntegrity)
	}
	if !time.Unix(claims.Exp, 0).After(u.now()) {
		return "", fmt.Errorf("%w: access token expired", ErrAuthorizationDenied)
	}

	encrypted, err := encryptNjwtFor(accessToken, claims.Exp, initial.PukEnc)
	if err != nil {
		return "", fmt.Errorf("encrypting access token: %w", err)
	}
	return encrypted, nil
}

func encryptNjwtFor(token string, exp int64, pukEnc *brainpool.JSONWebKey) (string, error) {
	plaintext, err := json.Marshal(Njwt{Njwt: token})
	if err != nil {
		return "", err
	}
	encrypted, err := brainpool.NewJWEBuilder().
		Header("cty", "NJWT").
		Header("typ", "JWT").
		Header("exp", exp).
		Plaintext(plaintext).
		EncryptECDHES(pukEnc)
	if err != nil {
		return "", err
	}
	return string(encrypted), nil
}

// buildSignedPairingData signs the pairing data with the health card.
func buildSignedPairingData(ctx context.Context, cert *x509.Certificate, card Signer, device SecureElement, info DeviceInformation) (string, error) {
	cardKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: health card key is %T", jose.ErrUnsupportedKeyType, cert.PublicKey)
	}
	seKeyInfo, err := brainpool.MarshalPKIXPublicKey(device.PublicKey())
	if err != nil {
		return "", fmt.Errorf("encoding device key: %w", err)
	}

	claims, err := jose.ClaimsOf(PairingData{
		DataVersion:                  pairingDataVersion,
		SESubjectPublicKeyInfo:       base64.RawURLEncoding.EncodeToString(seKeyInfo),
		KeyIdentifier:                device.KeyIdentifier(),
		Product:                      info.DeviceType.Product,
		SerialNumber:                 cert.SerialNumber.String(),
		Issuer:                       base64.RawURLEncoding.EncodeToString(cert.RawIssuer),
		NotAfter:                     cert.NotAfter.Unix(),
		AuthCertSubjectPublicKeyInfo: base64.RawURLEncoding.EncodeToString(cert.RawSubjectPublicKeyInfo),
	})
	if err != nil {
		return "", err
	}

	signed, err := signClaims(cardKey, claims, func(hash []byte) ([]byte, error) {
		return card.Sign(ctx, hash)
	})
	if err != nil {
		return "", fmt.Errorf("signing pairing data: %w", err)
	}
	return signed, nil
}

func signWithDevice(ctx context.Context, device SecureElement, payload interface{}) (string, error) {
	claims, err := jose.ClaimsOf(payload)
	if err != nil {
		return "", err
	}
	return signClaims(device.PublicKey(), claims, func(hash []byte) ([]byte, error) {
		return device.Sign(ctx, hash)
	})
}

func signClaims(pub *ecdsa.PublicKey, claims brainpool.Claims, sign brainpool.SignFunc) (string, error) {
	alg, err := jose.AlgorithmForCurve(pub.Curve)
	if err != nil {
		return "", err
	}
	hashFunc, err := brainpool.HashFunctionForCurve(pub.Curve)
	if err != nil {
		return "", err
	}
	builder := brainpool.NewJWTBuilder().
		Header("alg", alg).
		Header("typ", "JWT")
	for k, v := range claims {
		builder.Claim(k, v)
	}
	signed, err := builder.Sign(hashFunc, sign)
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
