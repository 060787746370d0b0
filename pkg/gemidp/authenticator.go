package gemidp

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
)

// Signer is the health card. Sign receives a SHA-256 digest and returns the
// raw r||s signature. Both methods may block on card I/O and must honor ctx.
type Signer interface {
	Certificate(ctx context.Context) ([]byte, error)
	Sign(ctx context.Context, hash []byte) ([]byte, error)
}

// SoftkeySigner is a Signer backed by a private key in memory, e.g. the
// test identities of an eGK.
type SoftkeySigner struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

func NewSoftkeySigner(key *ecdsa.PrivateKey, cert *x509.Certificate) *SoftkeySigner {
	return &SoftkeySigner{key: key, cert: cert}
}

// SignerFromPEM parses a PEM encoded private key and certificate.
// Brainpool keys are supported.
func SignerFromPEM(keyPEM, certPEM []byte) (*SoftkeySigner, error) {
	key, err := brainpool.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if key == nil {
		return nil, errors.New("no EC private key found in PEM data")
	}
	cert, err := brainpool.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	if cert == nil {
		return nil, errors.New("no certificate found in PEM data")
	}
	certKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !jose.SamePublicKey(certKey, &key.PublicKey) {
		return nil, errors.New("private key does not belong to certificate")
	}
	return NewSoftkeySigner(key, cert), nil
}

func (s *SoftkeySigner) Certificate(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cert.Raw, nil
}

func (s *SoftkeySigner) Sign(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return brainpool.SignFuncPrivateKey(s.key)(hash)
}

// buildSignedChallenge signs the challenge with the health card. The
// algorithm follows the curve of the card certificate, BP256R1 for an eGK.
func buildSignedChallenge(ctx context.Context, challenge string, certDER []byte, signer Signer) (string, error) {
	cert, err := brainpool.ParseCertificate(certDER)
	if err != nil {
		return "", fmt.Errorf("parsing health card certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: health card key is %T", jose.ErrUnsupportedKeyType, cert.PublicKey)
	}
	alg, err := jose.AlgorithmForCurve(pub.Curve)
	if err != nil {
		return "", err
	}
	hashFunc, err := brainpool.HashFunctionForCurve(pub.Curve)
	if err != nil {
		return "", err
	}

	signed, err := brainpool.NewJWTBuilder().
		Header("alg", alg).
		Header("typ", "JWT").
		Header("cty", "NJWT").
		Header("x5c", []string{base64.StdEncoding.EncodeToString(certDER)}).
		Claim("njwt", challenge).
		Sign(hashFunc, func(hash []byte) ([]byte, error) {
			return signer.Sign(ctx, hash)
		})
	if err != nil {
		return "", fmt.Errorf("signing challenge njwt: %w", err)
	}

	return string(signed), nil
}

// buildEncryptedSignedChallenge wraps the signed challenge for the
// encryption key of the IDP-Dienst. exp is the expiry of the challenge.
func buildEncryptedSignedChallenge(signedChallenge string, exp int64, pukEnc *brainpool.JSONWebKey) (string, error) {
	claimsJson, err := json.Marshal(Njwt{Njwt: signedChallenge})
	if err != nil {
		return "", fmt.Errorf("marshalling challenge response claims: %w", err)
	}

	encrypted, err := brainpool.NewJWEBuilder().
		Header("cty", "NJWT").
		Header("exp", exp).
		Plaintext(claimsJson).
		EncryptECDHES(pukEnc)
	if err != nil {
		return "", fmt.Errorf("encrypting challenge response: %w", err)
	}

	return string(encrypted), nil
}

// buildKeyVerifier encrypts the token key and the PKCE verifier for the
// token endpoint.
func buildKeyVerifier(tokenKey []byte, codeVerifier string, pukEnc *brainpool.JSONWebKey) (string, error) {
	payload, err := json.Marshal(TokenKeyPayload{
		TokenKey:     base64.RawURLEncoding.EncodeToString(tokenKey),
		CodeVerifier: codeVerifier,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling token key payload: %w", err)
	}

	encrypted, err := brainpool.NewJWEBuilder().
		Header("cty", "JSON").
		Plaintext(payload).
		EncryptECDHES(pukEnc)
	if err != nil {
		return "", fmt.Errorf("encrypting token key payload: %w", err)
	}

	return string(encrypted), nil
}
