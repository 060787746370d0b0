// Package jose holds what the brainpool JOSE library leaves to its callers:
// a pre-check of alg and signature shape that runs before
// brainpool.WithEcdsaPublicKey, x5c handling and the recipient side of
// ECDH-ES.
package jose

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gematik/zero-lab/go/brainpool"
)

var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnsupportedAlg     = errors.New("unsupported signature algorithm")
	ErrMalformedToken     = errors.New("malformed compact serialization")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// AlgorithmForCurve returns the only signature algorithm accepted for keys
// on curve. P-521 is left out since brainpool splits r||s at BitSize/8.
func AlgorithmForCurve(curve elliptic.Curve) (string, error) {
	switch brainpool.JWAForCurve(curve) {
	case "P-256":
		return brainpool.AlgorithmNameES256, nil
	case "P-384":
		return brainpool.AlgorithmNameES384, nil
	case "BP-256":
		return brainpool.AlgorithmNameBP256R1, nil
	case "BP-384":
		return brainpool.AlgorithmNameBP384R1, nil
	case "BP-512":
		return brainpool.AlgorithmNameBP512R1, nil
	default:
		return "", fmt.Errorf("%w: no algorithm for curve %s", ErrUnsupportedAlg, curve.Params().Name)
	}
}

// CheckSignature must be passed to brainpool.ParseToken before the verifier
// doing the ECDSA math. It rejects an alg that does not belong to the curve
// of pub and a signature that is not exactly r||s.
func CheckSignature(pub *ecdsa.PublicKey) brainpool.VerifierFunc {
	return func(token *brainpool.JWT) error {
		alg, _ := token.Headers["alg"].(string)
		if alg == "" {
			return fmt.Errorf("%w: missing alg header", ErrUnsupportedAlg)
		}
		expected, err := AlgorithmForCurve(pub.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("%w: %s for curve %s", ErrUnsupportedAlg, alg, pub.Curve.Params().Name)
		}

		size := pub.Curve.Params().BitSize / 8
		if len(token.Signature) != 2*size {
			return fmt.Errorf("%w: %d bytes, expected %d", ErrInvalidSignature, len(token.Signature), 2*size)
		}
		return nil
	}
}

// WithPublicKey runs CheckSignature and brainpool's ECDSA verification.
func WithPublicKey(pub *ecdsa.PublicKey) brainpool.VerifierFunc {
	check, verify := CheckSignature(pub), brainpool.WithEcdsaPublicKey(pub)
	return func(token *brainpool.JWT) error {
		if err := check(token); err != nil {
			return err
		}
		if err := verify(token); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return nil
	}
}

// WithX5C verifies the token with the key of its x5c leaf certificate. The
// certificate is not checked for trust.
func WithX5C() brainpool.VerifierFunc {
	return func(token *brainpool.JWT) error {
		cert, err := LeafCertificate(token.Headers)
		if err != nil {
			return err
		}
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: x5c key is %T", ErrUnsupportedKeyType, cert.PublicKey)
		}
		return WithPublicKey(pub)(token)
	}
}

// LeafCertificate parses the first certificate of the x5c header.
func LeafCertificate(headers brainpool.Headers) (*x509.Certificate, error) {
	x5c, ok := headers["x5c"].([]interface{})
	if !ok || len(x5c) == 0 {
		return nil, errors.New("missing x5c header")
	}
	encoded, ok := x5c[0].(string)
	if !ok {
		return nil, errors.New("malformed x5c header")
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding x5c certificate: %w", err)
	}
	return brainpool.ParseCertificate(der)
}

// ClaimsOf converts a JSON struct into claims for brainpool.JWTBuilder.
// Numbers are kept as json.Number so that they are written back unchanged.
func ClaimsOf(v interface{}) (brainpool.Claims, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling claims: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	claims := make(brainpool.Claims)
	if err := decoder.Decode(&claims); err != nil {
		return nil, fmt.Errorf("claims must be a JSON object: %w", err)
	}
	return claims, nil
}

