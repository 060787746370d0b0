package gemidp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const idTokenSkew = 5 * time.Minute

// BasicAuthFlow answers the challenge with the health card and exchanges the
// resulting code for tokens.
func (u *BasicUseCase) BasicAuthFlow(ctx context.Context, initial *InitialData, challenge *UnsignedChallenge, healthCardCertificate []byte, signer Signer) (*AuthFlowResult, error) {
	signedChallenge, err := buildSignedChallenge(ctx, challenge.SignedChallenge, healthCardCertificate, signer)
	if err != nil {
		return nil, err
	}

	encryptedChallenge, err := buildEncryptedSignedChallenge(signedChallenge, challenge.Expires, initial.PukEnc)
	if err != nil {
		return nil, err
	}

	redirect, err := u.repo.PostSignedChallenge(ctx, initial.Config.AuthorizationEndpoint, encryptedChallenge)
	if err != nil {
		return nil, err
	}
	return u.redeemRedirect(ctx, initial, redirect)
}

// redeemRedirect checks the redirect of an authentication that issues an
// SSO token and exchanges its code.
func (u *BasicUseCase) redeemRedirect(ctx context.Context, initial *InitialData, redirect *CodeRedirect) (*AuthFlowResult, error) {
	if err := checkRedirect(redirect, initial.State); err != nil {
		return nil, err
	}
	if redirect.SSOToken == "" {
		return nil, fmt.Errorf("%w: redirect without ssotoken", ErrIntegrity)
	}

	loggerFrom(ctx).Debug("Received authorization code")

	tokens, err := u.postCodeAndDecryptTokens(ctx, initial, redirect.Code)
	if err != nil {
		return nil, err
	}

	return &AuthFlowResult{
		AccessToken:                tokens.accessToken,
		ExpiresOn:                  tokens.expiresOn,
		SSOToken:                   redirect.SSOToken,
		IDTokenInsuranceIdentifier: tokens.idToken.IDNummer,
		OrganizationIdentifier:     tokens.idToken.OrganizationIK,
		IDTokenInsuranceName:       tokens.idToken.OrganizationName,
		IDTokenInsurantName:        strings.TrimSpace(tokens.idToken.GivenName + " " + tokens.idToken.FamilyName),
	}, nil
}

func checkRedirect(redirect *CodeRedirect, state string) error {
	if redirect.State != state {
		return fmt.Errorf("%w: redirect state does not match", ErrIntegrity)
	}
	if redirect.Code == "" {
		return fmt.Errorf("%w: redirect without code", ErrIntegrity)
	}
	return nil
}

type decryptedTokens struct {
	accessToken string
	expiresOn   time.Time
	idToken     idTokenClaims
}

// postCodeAndDecryptTokens exchanges the code. Both tokens are encrypted
// with a fresh token key which reaches the IDP-Dienst inside the key
// verifier together with the PKCE verifier.
func (u *BasicUseCase) postCodeAndDecryptTokens(ctx context.Context, initial *InitialData, code string) (*decryptedTokens, error) {
	tokenKey, err := GenerateAES256Key()
	if err != nil {
		return nil, fmt.Errorf("generating token key: %w", err)
	}

	keyVerifier, err := buildKeyVerifier(tokenKey, initial.CodeVerifier, initial.PukEnc)
	if err != nil {
		return nil, err
	}

	resp, err := u.repo.PostToken(ctx, initial.Config.TokenEndpoint, keyVerifier, code)
	if err != nil {
		return nil, err
	}

	idToken, err := decryptNjwt(resp.IDToken, tokenKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting ID token: %w", err)
	}
	claims, err := u.parseIDToken(idToken, initial)
	if err != nil {
		return nil, err
	}

	accessToken, err := decryptNjwt(resp.AccessToken, tokenKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}

	return &decryptedTokens{
		accessToken: accessToken,
		expiresOn:   u.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		idToken:     *claims,
	}, nil
}

func decryptNjwt(token string, key []byte) (string, error) {
	plaintext, err := jwe.Decrypt([]byte(token), jwe.WithKey(jwa.DIRECT(), key))
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}

	njwt := new(Njwt)
	if err := json.Unmarshal(plaintext, njwt); err != nil {
		return "", fmt.Errorf("parsing NJWT: %w", err)
	}
	if njwt.Njwt == "" {
		return "", fmt.Errorf("parsing NJWT: empty njwt claim")
	}

	return njwt.Njwt, nil
}

func (u *BasicUseCase) parseIDToken(idToken string, initial *InitialData) (*idTokenClaims, error) {
	pukSig, err := jose.PublicKey(initial.PukSig)
	if err != nil {
		return nil, fmt.Errorf("%w: puk_idp_sig: %w", ErrConfigInvalid, err)
	}

	// check signature using the brainpool enabled library
	token, err := brainpool.ParseToken([]byte(idToken), jose.WithPublicKey(pukSig))
	if err != nil {
		return nil, fmt.Errorf("%w: ID token signature: %w", ErrIntegrity, err)
	}

	claims := new(idTokenClaims)
	if err := json.Unmarshal(token.PayloadJson, claims); err != nil {
		return nil, fmt.Errorf("parsing ID token: %w", err)
	}
	if claims.Nonce != initial.Nonce {
		return nil, fmt.Errorf("%w: ID token nonce does not match", ErrIntegrity)
	}

	// the signature is already verified, jwx only validates the claims
	options := []jwt.ParseOption{
		jwt.WithVerify(false),
		jwt.WithAcceptableSkew(idTokenSkew),
		jwt.WithClock(jwt.ClockFunc(u.now)),
		jwt.WithRequiredClaim("nonce"),
		jwt.WithRequiredClaim("exp"),
		jwt.WithIssuer(initial.Config.Issuer),
		jwt.WithAudience(u.clientID),
	}
	if _, err := jwt.ParseString(idToken, options...); err != nil {
		return nil, fmt.Errorf("%w: ID token claims: %w", ErrIntegrity, err)
	}

	return claims, nil
}
