package gemidp

import (
	"fmt"

	"github.com/gematik/zero-lab/go/gempki"
)

// Environment of the gematik IDP-Dienst
type Environment int

const (
	EnvironmentTest Environment = iota
	EnvironmentReference
	EnvironmentProduction
)

// BaseURLs of the different environments
const (
	BaseURLProduction string = "https://idp.app.ti-dienste.de"
	BaseURLReference  string = "https://idp-ref.app.ti-dienste.de"
	BaseURLTest       string = "https://idp-test.app.ti-dienste.de"
)

func NewEnvironment(s string) (Environment, error) {
	switch s {
	case "tu", "test":
		return EnvironmentTest, nil
	case "ru", "ref":
		return EnvironmentReference, nil
	case "pu", "prod", "":
		return EnvironmentProduction, nil
	default:
		return EnvironmentProduction, fmt.Errorf("unknown environment: %s", s)
	}
}

func (e Environment) String() string {
	switch e {
	case EnvironmentTest:
		return "test"
	case EnvironmentReference:
		return "ref"
	case EnvironmentProduction:
		return "prod"
	default:
		return "unknown"
	}
}

func (e Environment) GetBaseURL() string {
	switch e {
	case EnvironmentTest:
		return BaseURLTest
	case EnvironmentReference:
		return BaseURLReference
	case EnvironmentProduction:
		return BaseURLProduction
	default:
		return "unknown"
	}
}

// PKIEnvironment returns the trust anchor environment of the IDP-Dienst.
func (e Environment) PKIEnvironment() gempki.Environment {
	switch e {
	case EnvironmentTest:
		return gempki.EnvTest
	case EnvironmentReference:
		return gempki.EnvRef
	default:
		return gempki.EnvProd
	}
}

func (e Environment) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Environment) UnmarshalText(text []byte) error {
	env, err := NewEnvironment(string(text))
	if err != nil {
		return err
	}
	*e = env
	return nil
}
