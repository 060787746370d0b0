package gemidp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
)

// ChallengeFlow fetches a challenge for scope and verifies that it was
// issued by the IDP-Dienst for this flow attempt.
func (u *BasicUseCase) ChallengeFlow(ctx context.Context, initial *InitialData, scope Scope) (*ChallengeFlowResult, error) {
	challenge, err := u.FetchAndCheckUnsignedChallenge(
		ctx,
		initial.Config.AuthorizationEndpoint,
		initial.CodeChallenge,
		initial.State,
		initial.Nonce,
		scope,
		initial.PukSig,
	)
	if err != nil {
		return nil, err
	}
	return &ChallengeFlowResult{Scope: scope, Challenge: *challenge}, nil
}

func (u *BasicUseCase) FetchAndCheckUnsignedChallenge(ctx context.Context, url, codeChallenge, state, nonce string, scope Scope, pukSig *brainpool.JSONWebKey) (*UnsignedChallenge, error) {
	challenge, err := u.repo.FetchChallenge(ctx, url, codeChallenge, state, nonce, scope == ScopeBiometricPairing)
	if err != nil {
		return nil, err
	}

	pub, err := jose.PublicKey(pukSig)
	if err != nil {
		return nil, fmt.Errorf("%w: puk_idp_sig: %w", ErrConfigInvalid, err)
	}
	token, err := brainpool.ParseToken([]byte(challenge.Challenge), jose.WithPublicKey(pub))
	if err != nil {
		return nil, fmt.Errorf("%w: challenge signature: %w", ErrIntegrity, err)
	}

	var payload ChallengePayload
	if err := json.Unmarshal(token.PayloadJson, &payload); err != nil {
		return nil, fmt.Errorf("%w: challenge payload: %w", ErrIntegrity, err)
	}
	// exp ends up in the header of the encrypted response
	if payload.Exp <= 0 {
		return nil, fmt.Errorf("%w: challenge without exp", ErrIntegrity)
	}

	if payload.State == "" || payload.State != state {
		return nil, fmt.Errorf("%w: challenge state does not match", ErrIntegrity)
	}
	if payload.Nonce == "" || payload.Nonce != nonce {
		return nil, fmt.Errorf("%w: challenge nonce does not match", ErrIntegrity)
	}

	loggerFrom(ctx).Debug("Challenge verified", "scope", scope, "exp", payload.Exp)

	return &UnsignedChallenge{
		SignedChallenge: challenge.Challenge,
		Payload:         payload,
		Expires:         payload.Exp,
	}, nil
}
