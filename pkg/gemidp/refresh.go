package gemidp

import (
	"context"
	"errors"
	"fmt"
)

// RefreshAccessTokenWithSSOFlow obtains a new access token by answering a
// fresh challenge with the SSO token instead of the health card.
func (u *BasicUseCase) RefreshAccessTokenWithSSOFlow(ctx context.Context, initial *InitialData, scope Scope, ssoToken string) (*RefreshFlowResult, error) {
	challenge, err := u.ChallengeFlow(ctx, initial, scope)
	if err != nil {
		return nil, err
	}

	redirect, err := u.repo.PostUnsignedChallengeWithSSO(
		ctx,
		initial.Config.SSOEndpoint,
		ssoToken,
		challenge.Challenge.SignedChallenge,
	)
	if err != nil {
		var idpErr *Error
		if errors.As(err, &idpErr) && isAuthorizationDenied(idpErr.HttpCode) {
			return nil, fmt.Errorf("%w: SSO token rejected: %w", ErrAuthorizationDenied, err)
		}
		return nil, err
	}
	if err := checkRedirect(redirect, initial.State); err != nil {
		return nil, err
	}

	tokens, err := u.postCodeAndDecryptTokens(ctx, initial, redirect.Code)
	if err != nil {
		return nil, err
	}

	return &RefreshFlowResult{
		Scope:       scope,
		AccessToken: tokens.accessToken,
		ExpiresOn:   tokens.expiresOn,
	}, nil
}
