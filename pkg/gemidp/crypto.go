package gemidp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"golang.org/x/oauth2"
)

const (
	codeVerifierLength = 60
	stateLength        = 24 // 32 characters base64url
	aes256KeyLength    = 32
)

var cryptoOnce sync.Once

// EnsureCryptoReady registers the brainpool signature algorithm with jwx.
// Safe to call any number of times from any goroutine.
func EnsureCryptoReady() {
	cryptoOnce.Do(func() {
		jwa.RegisterSignatureAlgorithm(jwa.NewSignatureAlgorithm(
			brainpool.AlgorithmNameBP256R1,
		))
	})
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// GenerateCodeVerifier returns a PKCE code verifier of 80 base64url characters.
func GenerateCodeVerifier() (string, error) {
	b, err := randomBytes(codeVerifierLength)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallenge returns the S256 code challenge of verifier.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomURLSafeString() (string, error) {
	b, err := randomBytes(stateLength)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewState returns a fresh OAuth2 state value.
func NewState() (string, error) {
	return randomURLSafeString()
}

// NewNonce returns a fresh OpenID Connect nonce.
func NewNonce() (string, error) {
	return randomURLSafeString()
}

// GenerateAES256Key returns a random 256 bit key.
func GenerateAES256Key() ([]byte, error) {
	return randomBytes(aes256KeyLength)
}
