package jose

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/gematik/zero-lab/go/brainpool"
)

// PublicKey returns the ECDSA key of jwk. brainpool.JSONWebKey does not
// check the point, so it is done here.
func PublicKey(jwk *brainpool.JSONWebKey) (*ecdsa.PublicKey, error) {
	if jwk == nil {
		return nil, fmt.Errorf("%w: no key", ErrUnsupportedKeyType)
	}
	var pub *ecdsa.PublicKey
	switch key := jwk.Key.(type) {
	case *ecdsa.PublicKey:
		pub = key
	case *ecdsa.PrivateKey:
		pub = &key.PublicKey
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, jwk.Key)
	}
	if pub.X == nil || pub.Y == nil || !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("point is not on curve")
	}
	return pub, nil
}

// Certificate returns the first x5c certificate of jwk.
func Certificate(jwk *brainpool.JSONWebKey) (*x509.Certificate, error) {
	if jwk == nil || len(jwk.Certificates) == 0 {
		return nil, errors.New("no certificate in x5c")
	}
	return jwk.Certificates[0], nil
}

// MatchesCertificate reports whether the coordinates of jwk are those of
// its first x5c certificate.
func MatchesCertificate(jwk *brainpool.JSONWebKey) error {
	cert, err := Certificate(jwk)
	if err != nil {
		return err
	}
	certKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is %T", ErrUnsupportedKeyType, cert.PublicKey)
	}
	key, err := PublicKey(jwk)
	if err != nil {
		return err
	}
	if !SamePublicKey(key, certKey) {
		return errors.New("public key of JWK does not match its certificate")
	}
	return nil
}

// SamePublicKey compares curve and both coordinates.
func SamePublicKey(a, b *ecdsa.PublicKey) bool {
	return brainpool.JWAForCurve(a.Curve) == brainpool.JWAForCurve(b.Curve) &&
		a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0
}
