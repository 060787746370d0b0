package gemidp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrConfigInvalid marks a discovery document or key that failed a
	// signature, trust or validity check.
	ErrConfigInvalid = errors.New("IDP configuration invalid")
	// ErrIntegrity marks a server response that does not echo what the
	// client sent.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrAuthorizationDenied marks a 400, 401 or 403 answer of the IDP-Dienst.
	ErrAuthorizationDenied = errors.New("authorization denied")
)

// Kind classifies errors for callers deciding whether to retry.
type Kind int

const (
	KindTransient Kind = iota
	KindConfigInvalid
	KindIntegrity
	KindAuthorizationDenied
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindIntegrity:
		return "integrity"
	case KindAuthorizationDenied:
		return "authorization_denied"
	default:
		return "transient"
	}
}

// ErrorKind classifies err. Everything not explicitly classified, network
// failures included, is transient.
func ErrorKind(err error) Kind {
	switch {
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrAuthorizationDenied):
		return KindAuthorizationDenied
	default:
		return KindTransient
	}
}

// gematik IDP-Dienst returns an error in the following format:
//
//	{
//		 "error":"invalid_request",
//		 "gematik_error_text":
//		 "client_id ist ungültig",
//		 "gematik_timestamp":1713603116,
//		 "gematik_uuid":"c0e2a77c-dfae-4b93-9baf-f170683962cb",
//		 "gematik_code":"2012"
//	}
type Error struct {
	HttpCode         int    `json:"-"`
	ErrorCode        string `json:"error"`
	GematikErrorText string `json:"gematik_error_text"`
	GematikTimestamp int64  `json:"gematik_timestamp"`
	GematikUUID      string `json:"gematik_uuid"`
	GematikCode      string `json:"gematik_code"`
}

func (e *Error) Error() string {
	if e.HttpCode != 0 {
		return fmt.Sprintf("%d %s: %s (%s)", e.HttpCode, e.ErrorCode, e.GematikErrorText, e.GematikCode)
	} else {
		return fmt.Sprintf("%s: %s (%s)", e.ErrorCode, e.GematikErrorText, e.GematikCode)
	}
}

// Is makes client errors match ErrAuthorizationDenied.
func (e *Error) Is(target error) bool {
	return target == ErrAuthorizationDenied && isAuthorizationDenied(e.HttpCode)
}

func isAuthorizationDenied(httpCode int) bool {
	switch httpCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// tries to parse the oauth2 error from the reader, taken from the HTTP response body.
// The status code is kept even if the body is not a gematik error.
func parseErrorResponse(httpCode int, body io.Reader) error {
	oidcErr := Error{HttpCode: httpCode}
	if err := json.NewDecoder(body).Decode(&oidcErr); err != nil {
		oidcErr.ErrorCode = http.StatusText(httpCode)
		oidcErr.GematikErrorText = fmt.Sprintf("unable to decode error: %v", err)
	}
	oidcErr.HttpCode = httpCode
	return &oidcErr
}

// RefreshFlowError is returned by LoadAccessToken when no access token could
// be obtained. UserActionRequired means a new health card authentication is
// needed; Scope names the scope to request then.
type RefreshFlowError struct {
	UserActionRequired bool
	Scope              Scope
	Err                error
}

func (e *RefreshFlowError) Error() string {
	msg := "refresh flow failed"
	if e.UserActionRequired {
		msg = fmt.Sprintf("refresh flow failed, user action required (scope %q)", e.Scope)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RefreshFlowError) Unwrap() error {
	return e.Err
}

// ConfigError wraps bootstrap failures of LoadAccessToken.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("IDP configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
