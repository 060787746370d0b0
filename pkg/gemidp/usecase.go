package gemidp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// UseCase is the session orchestrator. At most one flow runs at a time,
// callers waiting for the lock can be cancelled through their context.
type UseCase struct {
	basic *BasicUseCase
	repo  Repository
	sem   *semaphore.Weighted
}

func NewUseCase(repo Repository, trustStore TrustStore, opts ...Option) *UseCase {
	return &UseCase{
		basic: NewBasicUseCase(repo, trustStore, opts...),
		repo:  repo,
		sem:   semaphore.NewWeighted(1),
	}
}

func (u *UseCase) lock(ctx context.Context) (func(), error) {
	if err := u.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { u.sem.Release(1) }, nil
}

// LoadAccessToken returns the cached access token or, if there is none or
// refresh is set, obtains a new one with the SSO token. Failures are
// *RefreshFlowError unless ctx was cancelled.
func (u *UseCase) LoadAccessToken(ctx context.Context, refresh bool) (string, error) {
	release, err := u.lock(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx = withFlowLogger(ctx, "load_access_token")
	logger := loggerFrom(ctx)

	ssoToken, err := u.repo.SingleSignOnToken(ctx)
	if err != nil {
		return "", &RefreshFlowError{Err: fmt.Errorf("loading SSO token: %w", err)}
	}
	if ssoToken == nil || ssoToken.Token == "" {
		logger.Info("No SSO token, health card authentication required")
		if err := u.repo.InvalidateDecryptedAccessToken(ctx); err != nil {
			logger.Error("Unable to invalidate access token", "error", err)
		}
		scope, err := u.repo.SingleSignOnTokenScope(ctx)
		if err != nil || scope == "" {
			scope = ScopeDefault
		}
		return "", &RefreshFlowError{UserActionRequired: true, Scope: scope}
	}
	scope := ssoToken.Scope
	if scope == "" {
		scope = ScopeDefault
	}

	if !refresh {
		cached, err := u.repo.DecryptedAccessToken(ctx)
		if err != nil {
			return "", &RefreshFlowError{Err: fmt.Errorf("loading access token: %w", err)}
		}
		if cached != "" {
			return cached, nil
		}
	}

	if err := u.repo.InvalidateDecryptedAccessToken(ctx); err != nil {
		return "", &RefreshFlowError{Err: fmt.Errorf("invalidating access token: %w", err)}
	}

	initial, err := u.basic.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		if isCancellation(err) {
			return "", cancellationError(ctx, err)
		}
		return "", &RefreshFlowError{Err: &ConfigError{Err: err}}
	}

	result, err := u.basic.RefreshAccessTokenWithSSOFlow(ctx, initial, scope, ssoToken.Token)
	if err != nil {
		if isCancellation(err) {
			return "", cancellationError(ctx, err)
		}
		if errors.Is(err, ErrAuthorizationDenied) {
			logger.Warn("SSO token rejected, health card authentication required", "error", err)
			if ierr := u.repo.InvalidateSingleSignOnTokenRetainingScope(ctx); ierr != nil {
				logger.Error("Unable to invalidate SSO token", "error", ierr)
			}
			return "", &RefreshFlowError{UserActionRequired: true, Scope: scope, Err: err}
		}
		logger.Error("Refresh flow failed", "error", err, "kind", ErrorKind(err))
		return "", &RefreshFlowError{Err: err}
	}

	if err := u.repo.SetDecryptedAccessToken(ctx, result.AccessToken); err != nil {
		return "", &RefreshFlowError{Err: fmt.Errorf("storing access token: %w", err)}
	}

	logger.Info("Access token refreshed", "expires_on", result.ExpiresOn)
	return result.AccessToken, nil
}

// AuthenticationFlowWithHealthCard authenticates with the health card. The
// SSO token and the access token are stored only if every stage succeeded.
func (u *UseCase) AuthenticationFlowWithHealthCard(ctx context.Context, signer Signer) (*AuthFlowResult, error) {
	release, err := u.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = withFlowLogger(ctx, "health_card")

	_, result, cert, err := u.healthCardFlow(ctx, signer, ScopeDefault)
	if err != nil {
		return nil, err
	}
	if err := u.storeSession(ctx, result, cert); err != nil {
		return nil, err
	}

	loggerFrom(ctx).Info("Authenticated with health card", "expires_on", result.ExpiresOn)
	return result, nil
}

// AuthenticationFlowWithSecureElement authenticates with the key of a
// registered device instead of the health card. healthCardCertificate is the
// certificate the device was registered with.
func (u *UseCase) AuthenticationFlowWithSecureElement(ctx context.Context, device SecureElement, healthCardCertificate []byte, info DeviceInformation, method AuthenticationMethod) (*AuthFlowResult, error) {
	release, err := u.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = withFlowLogger(ctx, "secure_element")

	initial, err := u.basic.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return nil, flowError(ctx, "initializing configuration", err)
	}
	challenge, err := u.basic.ChallengeFlow(ctx, initial, ScopeDefault)
	if err != nil {
		return nil, flowError(ctx, "challenge flow", err)
	}
	result, err := u.basic.AlternateAuthFlow(ctx, initial, &challenge.Challenge, healthCardCertificate, device, info, method)
	if err != nil {
		return nil, flowError(ctx, "alternate auth flow", err)
	}
	if err := u.storeSession(ctx, result, healthCardCertificate); err != nil {
		return nil, err
	}

	loggerFrom(ctx).Info("Authenticated with secure element", "expires_on", result.ExpiresOn)
	return result, nil
}

// storeSession stores the access token first. If the SSO token cannot be
// stored the access token is dropped again, so a failed flow never leaves a
// half written session.
func (u *UseCase) storeSession(ctx context.Context, result *AuthFlowResult, cert []byte) error {
	if err := u.repo.SetDecryptedAccessToken(ctx, result.AccessToken); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}
	err := u.repo.SetSingleSignOnToken(ctx, SingleSignOnToken{
		Token:                 result.SSOToken,
		Scope:                 ScopeDefault,
		HealthCardCertificate: cert,
	})
	if err != nil {
		if ierr := u.repo.InvalidateDecryptedAccessToken(ctx); ierr != nil {
			loggerFrom(ctx).Error("Unable to drop access token", "error", ierr)
		}
		return fmt.Errorf("storing SSO token: %w", err)
	}
	return nil
}

// PairingFlowWithHealthCard authenticates for the pairing scope. The SSO
// token is returned to the caller and not stored, the session of the
// default scope stays untouched.
func (u *UseCase) PairingFlowWithHealthCard(ctx context.Context, signer Signer) (*SingleSignOnToken, error) {
	release, err := u.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = withFlowLogger(ctx, "pairing")

	_, result, cert, err := u.healthCardFlow(ctx, signer, ScopeBiometricPairing)
	if err != nil {
		return nil, err
	}

	loggerFrom(ctx).Info("Device pairing authenticated")
	return &SingleSignOnToken{
		Token:                 result.SSOToken,
		Scope:                 ScopeBiometricPairing,
		HealthCardCertificate: cert,
	}, nil
}

// PairingResult is a registered device together with the access token of
// the pairing scope, which lists and deletes paired devices until it
// expires.
type PairingResult struct {
	Entry                 PairingEntry
	AccessToken           string
	ExpiresOn             time.Time
	HealthCardCertificate []byte
}

// RegisterDeviceWithHealthCard authenticates for the pairing scope and
// registers the key of device. Nothing is stored.
func (u *UseCase) RegisterDeviceWithHealthCard(ctx context.Context, card Signer, device SecureElement, info DeviceInformation) (*PairingResult, error) {
	release, err := u.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = withFlowLogger(ctx, "register_device")

	initial, result, cert, err := u.healthCardFlow(ctx, card, ScopeBiometricPairing)
	if err != nil {
		return nil, err
	}
	entry, err := u.basic.RegisterDevice(ctx, initial, result.AccessToken, cert, card, device, info)
	if err != nil {
		return nil, flowError(ctx, "registering device", err)
	}

	return &PairingResult{
		Entry:                 *entry,
		AccessToken:           result.AccessToken,
		ExpiresOn:             result.ExpiresOn,
		HealthCardCertificate: cert,
	}, nil
}

// PairedDevices lists the registered devices with an access token of the
// pairing scope.
func (u *UseCase) PairedDevices(ctx context.Context, pairingAccessToken string) ([]PairingEntry, error) {
	release, err := u.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = withFlowLogger(ctx, "paired_devices")

	initial, err := u.basic.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return nil, flowError(ctx, "initializing configuration", err)
	}
	entries, err := u.basic.PairedDevices(ctx, initial, pairingAccessToken)
	if err != nil {
		return nil, flowError(ctx, "listing paired devices", err)
	}
	return entries, nil
}

// DeletePairedDevice removes a registered device with an access token of
// the pairing scope.
func (u *UseCase) DeletePairedDevice(ctx context.Context, pairingAccessToken, keyIdentifier string) error {
	release, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx = withFlowLogger(ctx, "delete_paired_device")

	initial, err := u.basic.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return flowError(ctx, "initializing configuration", err)
	}
	if err := u.basic.DeletePairedDevice(ctx, initial, pairingAccessToken, keyIdentifier); err != nil {
		return flowError(ctx, "deleting paired device", err)
	}
	loggerFrom(ctx).Info("Paired device deleted")
	return nil
}

// Logout drops configuration and tokens. The scope of the SSO token is kept.
func (u *UseCase) Logout(ctx context.Context) error {
	release, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	return errors.Join(
		u.repo.InvalidateConfig(ctx),
		u.repo.InvalidateDecryptedAccessToken(ctx),
		u.repo.InvalidateSingleSignOnTokenRetainingScope(ctx),
	)
}

func (u *UseCase) healthCardFlow(ctx context.Context, signer Signer, scope Scope) (*InitialData, *AuthFlowResult, []byte, error) {
	initial, err := u.basic.InitializeConfigurationAndKeys(ctx)
	if err != nil {
		return nil, nil, nil, flowError(ctx, "initializing configuration", err)
	}

	challenge, err := u.basic.ChallengeFlow(ctx, initial, scope)
	if err != nil {
		return nil, nil, nil, flowError(ctx, "challenge flow", err)
	}

	cert, err := signer.Certificate(ctx)
	if err != nil {
		return nil, nil, nil, flowError(ctx, "reading health card certificate", err)
	}

	result, err := u.basic.BasicAuthFlow(ctx, initial, &challenge.Challenge, cert, signer)
	if err != nil {
		return nil, nil, nil, flowError(ctx, "basic auth flow", err)
	}

	loggerFrom(ctx).Debug("Health card flow finished", "scope", scope)
	return initial, result, cert, nil
}

func flowError(ctx context.Context, stage string, err error) error {
	if isCancellation(err) {
		return cancellationError(ctx, err)
	}
	loggerFrom(ctx).Error("Flow failed", "stage", stage, "error", err, "kind", ErrorKind(err))
	return fmt.Errorf("%s: %w", stage, err)
}

// cancellationError prefers the context's own error over a wrapped one.
func cancellationError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
