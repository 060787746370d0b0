package gemidp

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/gematik/erp-idp/pkg/jose"
	"github.com/gematik/zero-lab/go/brainpool"
)

const (
	allowedClockSkew = 60 * time.Second
	// maximum age of iat and maximum distance of exp from now
	maxConfigurationValidity = 24 * time.Hour
)

// TrustStore decides whether a certificate of the IDP-Dienst is trusted.
// Implemented by trust.TrustStore.
type TrustStore interface {
	CheckIdpCertificate(ctx context.Context, cert *x509.Certificate) error
}

// BasicUseCase implements the individual flows. It holds no session state;
// sequencing and persistence of results is done by UseCase.
type BasicUseCase struct {
	repo       Repository
	trustStore TrustStore
	clientID   string
	now        func() time.Time
}

type Option func(*BasicUseCase)

func WithClock(now func() time.Time) Option {
	return func(u *BasicUseCase) {
		u.now = now
	}
}

// WithClientID sets the expected audience of ID tokens. Defaults to
// DefaultClientID.
func WithClientID(clientID string) Option {
	return func(u *BasicUseCase) {
		u.clientID = clientID
	}
}

func NewBasicUseCase(repo Repository, trustStore TrustStore, opts ...Option) *BasicUseCase {
	u := &BasicUseCase{
		repo:       repo,
		trustStore: trustStore,
		clientID:   DefaultClientID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// InitializeConfigurationAndKeys loads a valid configuration and the keys of
// the IDP-Dienst and generates the one time values of a flow attempt.
func (u *BasicUseCase) InitializeConfigurationAndKeys(ctx context.Context) (*InitialData, error) {
	EnsureCryptoReady()
	logger := loggerFrom(ctx)

	config, err := u.loadCheckedConfiguration(ctx)
	if err != nil {
		return nil, err
	}

	pukSig, err := u.repo.FetchIdpPukSig(ctx, config.PukIdpSigEndpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching puk_idp_sig: %w", err)
	}
	pukEnc, err := u.repo.FetchIdpPukEnc(ctx, config.PukIdpEncEndpoint)
	if err != nil {
		return nil, fmt.Errorf("fetching puk_idp_enc: %w", err)
	}
	if _, err := jose.PublicKey(pukEnc); err != nil {
		return nil, fmt.Errorf("%w: puk_idp_enc: %w", ErrConfigInvalid, err)
	}

	if err := u.checkSignatureKey(ctx, pukSig); err != nil {
		return nil, err
	}

	initial := &InitialData{
		Config: *config,
		PukSig: pukSig,
		PukEnc: pukEnc,
	}
	if initial.State, err = NewState(); err != nil {
		return nil, err
	}
	if initial.Nonce, err = NewNonce(); err != nil {
		return nil, err
	}
	if initial.CodeVerifier, err = GenerateCodeVerifier(); err != nil {
		return nil, err
	}
	initial.CodeChallenge = CodeChallenge(initial.CodeVerifier)

	logger.Debug("IDP configuration and keys initialized", "authorization_endpoint", config.AuthorizationEndpoint)
	return initial, nil
}

// loadCheckedConfiguration refetches the configuration once if the cached or
// fetched one is not valid.
func (u *BasicUseCase) loadCheckedConfiguration(ctx context.Context) (*Configuration, error) {
	logger := loggerFrom(ctx)

	config, err := u.loadAndCheckConfiguration(ctx)
	if err == nil {
		return config, nil
	}
	if isCancellation(err) {
		return nil, err
	}

	logger.Warn("IDP configuration invalid, fetching again", "error", err)
	if err := u.repo.InvalidateConfig(ctx); err != nil {
		return nil, fmt.Errorf("invalidating configuration: %w", err)
	}

	config, err = u.loadAndCheckConfiguration(ctx)
	if err != nil {
		logger.Error("IDP configuration invalid after refetch", "error", err)
		if ierr := u.repo.InvalidateConfig(ctx); ierr != nil {
			logger.Error("Unable to invalidate configuration", "error", ierr)
		}
		return nil, err
	}
	return config, nil
}

func (u *BasicUseCase) loadAndCheckConfiguration(ctx context.Context) (*Configuration, error) {
	config, err := u.repo.LoadUncheckedIdpConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading IDP configuration: %w", err)
	}
	if err := u.CheckConfigurationValidity(ctx, config); err != nil {
		return nil, err
	}
	return config, nil
}

// CheckConfigurationValidity checks the certificate of the discovery
// document and its iat and exp with a clock skew of one minute.
func (u *BasicUseCase) CheckConfigurationValidity(ctx context.Context, config *Configuration) error {
	if config.Certificate == nil {
		return fmt.Errorf("%w: discovery document without certificate", ErrConfigInvalid)
	}
	if err := u.trustStore.CheckIdpCertificate(ctx, config.Certificate); err != nil {
		if isCancellation(err) {
			return err
		}
		return fmt.Errorf("%w: discovery document certificate: %w", ErrConfigInvalid, err)
	}
	return checkNumericDates(config.IssuedAt, config.ExpiresAt, u.now())
}

func checkNumericDates(iat, exp, now time.Time) error {
	if iat.Unix() <= 0 || exp.Unix() <= 0 {
		return fmt.Errorf("%w: iat and exp are required", ErrConfigInvalid)
	}
	if !exp.After(now.Add(-allowedClockSkew)) {
		return fmt.Errorf("%w: expired at %s", ErrConfigInvalid, exp.UTC())
	}
	if iat.Before(now.Add(-maxConfigurationValidity - allowedClockSkew)) {
		return fmt.Errorf("%w: issued at %s is too far in the past", ErrConfigInvalid, iat.UTC())
	}
	if exp.Sub(now)-allowedClockSkew > maxConfigurationValidity {
		return fmt.Errorf("%w: expiry %s is too far in the future", ErrConfigInvalid, exp.UTC())
	}
	return nil
}

// checkSignatureKey makes sure puk_idp_sig is the key of its trusted
// certificate.
func (u *BasicUseCase) checkSignatureKey(ctx context.Context, pukSig *brainpool.JSONWebKey) error {
	if err := jose.MatchesCertificate(pukSig); err != nil {
		return fmt.Errorf("%w: puk_idp_sig: %w", ErrConfigInvalid, err)
	}
	cert, err := jose.Certificate(pukSig)
	if err != nil {
		return fmt.Errorf("%w: puk_idp_sig: %w", ErrConfigInvalid, err)
	}
	if err := u.trustStore.CheckIdpCertificate(ctx, cert); err != nil {
		if isCancellation(err) {
			return err
		}
		return fmt.Errorf("%w: puk_idp_sig certificate: %w", ErrConfigInvalid, err)
	}
	return nil
}
