package jose

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gematik/zero-lab/go/brainpool"
)

const (
	KeyAlgorithmECDHES = "ECDH-ES"
	EncryptionA256GCM  = "A256GCM"
)

// DecryptECDHES is the recipient side of brainpool's
// JWEBuilder.EncryptECDHES. Only ECDH-ES with A256GCM is accepted.
func DecryptECDHES(raw []byte, recipient *ecdsa.PrivateKey) ([]byte, brainpool.Headers, error) {
	parts := bytes.Split(raw, []byte{'.'})
	if len(parts) != 5 {
		return nil, nil, fmt.Errorf("%w: expected 5 parts, got %d", ErrMalformedToken, len(parts))
	}
	if len(parts[1]) != 0 {
		return nil, nil, errors.New("encrypted key must be empty for ECDH-ES")
	}

	headersJson, err := base64.RawURLEncoding.DecodeString(string(parts[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding headers: %w", err)
	}

	var header struct {
		Alg string                `json:"alg"`
		Enc string                `json:"enc"`
		Epk *brainpool.JSONWebKey `json:"epk"`
	}
	if err := json.Unmarshal(headersJson, &header); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling headers: %w", err)
	}
	if header.Alg != KeyAlgorithmECDHES || header.Enc != EncryptionA256GCM {
		return nil, nil, fmt.Errorf("unsupported JWE algorithms: alg=%s enc=%s", header.Alg, header.Enc)
	}
	if header.Epk == nil {
		return nil, nil, errors.New("missing epk header")
	}
	epk, err := PublicKey(header.Epk)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing epk: %w", err)
	}

	cek, err := brainpool.DeriveECDHES(EncryptionA256GCM, nil, nil, recipient, epk, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving content encryption key: %w", err)
	}

	var iv, ciphertext, tag []byte
	for i, dst := range []*[]byte{&iv, &ciphertext, &tag} {
		if *dst, err = base64.RawURLEncoding.DecodeString(string(parts[i+2])); err != nil {
			return nil, nil, fmt.Errorf("decoding part %d: %w", i+2, err)
		}
	}

	plaintext, err := openAESGCM(cek, iv, append(ciphertext, tag...), parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting with AES-GCM: %w", err)
	}

	headers := make(brainpool.Headers)
	if err := json.Unmarshal(headersJson, &headers); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling headers: %w", err)
	}

	return plaintext, headers, nil
}

func openAESGCM(key, iv, sealed, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != aesGCM.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	return aesGCM.Open(nil, iv, sealed, aad)
}
