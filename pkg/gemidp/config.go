package gemidp

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/gematik/erp-idp/pkg/trust"
	"github.com/gematik/zero-lab/go/gempki"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultClientID    = "eRezeptApp"
	DefaultRedirectURI = "https://redirect.gematik.de/erezept"
	DefaultUserAgent   = "erp-idp/1.0"
)

// ClientConfig of the gematik IDP-Dienst client
type ClientConfig struct {
	Environment Environment `yaml:"environment"`
	BaseURL     string      `yaml:"base_url,omitempty" validate:"omitempty,url"`
	ClientID    string      `yaml:"client_id" validate:"required"`
	RedirectURI string      `yaml:"redirect_uri" validate:"required,url"`
	UserAgent   string      `yaml:"user_agent"`
}

// WithDefaults returns a copy of c where empty fields carry the E-Rezept
// app defaults.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.RedirectURI == "" {
		c.RedirectURI = DefaultRedirectURI
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// ResolvedBaseURL returns BaseURL if set, the environment's URL otherwise.
func (c ClientConfig) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return c.Environment.GetBaseURL()
}

func (c ClientConfig) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("validate client config: %w", err)
	}
	return nil
}

// TrustConfig selects the TSL and lists PEM files extending the embedded
// TI roots. With anchors_file set the roots and the TSL are not used.
type TrustConfig struct {
	AnchorsFile       string `yaml:"anchors_file,omitempty"`
	IntermediatesFile string `yaml:"intermediates_file,omitempty"`
	PinnedFile        string `yaml:"pinned_file,omitempty"`
	// local copy of the TSL, downloaded from tsl_url or the environment's
	// location if empty
	TSLFile string `yaml:"tsl_file,omitempty"`
	TSLURL  string `yaml:"tsl_url,omitempty" validate:"omitempty,url"`
}

// CardConfig points to a software health card identity.
type CardConfig struct {
	KeyFile  string `yaml:"key_file" validate:"required"`
	CertFile string `yaml:"cert_file" validate:"required"`
}

type Config struct {
	BaseDir string       `yaml:"-"` // set to the base directory of config files when loading
	IDP     ClientConfig `yaml:"idp"`
	Trust   TrustConfig  `yaml:"trust"`
	Card    *CardConfig  `yaml:"card,omitempty"`
}

func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// expand environment variables $
	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = filepath.Dir(path)

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	cfg.IDP = cfg.IDP.WithDefaults()

	if err := newValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ResolvePath makes path relative to the config file directory.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.BaseDir == "" {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// NewTrustStore builds the trust store of the configured environment,
// extended by the certificates of the trust section. httpClient is used to
// download the TSL and may be nil.
func (c *Config) NewTrustStore(ctx context.Context, httpClient *http.Client) (*trust.TrustStore, error) {
	var opts []trust.Option
	for _, f := range []struct {
		path string
		opt  func(...*x509.Certificate) trust.Option
	}{
		{c.Trust.AnchorsFile, trust.WithAnchors},
		{c.Trust.IntermediatesFile, trust.WithIntermediates},
		{c.Trust.PinnedFile, trust.WithPinnedIdpCertificates},
	} {
		if f.path == "" {
			continue
		}
		data, err := os.ReadFile(c.ResolvePath(f.path))
		if err != nil {
			return nil, fmt.Errorf("read trust file: %w", err)
		}
		certs, err := trust.ParseCertificatesPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse trust file %s: %w", f.path, err)
		}
		opts = append(opts, f.opt(certs...))
	}

	if c.Trust.AnchorsFile != "" {
		return trust.NewTrustStore(opts...)
	}

	tsl, err := c.loadTSL(ctx, httpClient)
	if err != nil {
		return nil, err
	}
	return trust.NewTrustStoreForEnvironment(c.IDP.Environment.PKIEnvironment(), tsl, opts...)
}

func (c *Config) loadTSL(ctx context.Context, httpClient *http.Client) (*gempki.TrustServiceStatusList, error) {
	if c.Trust.TSLFile != "" {
		path := c.ResolvePath(c.Trust.TSLFile)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read TSL: %w", err)
		}
		defer f.Close()
		tsl, err := gempki.ParseTSL(f, path)
		if err != nil {
			return nil, fmt.Errorf("parse TSL %s: %w", c.Trust.TSLFile, err)
		}
		return tsl, nil
	}

	url := c.Trust.TSLURL
	if url == "" {
		var err error
		if url, err = trust.TSLURL(c.IDP.Environment.PKIEnvironment()); err != nil {
			return nil, err
		}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	slog.Info("Downloading TSL", "url", url)
	tsl, err := gempki.LoadTSL(ctx, httpClient, url)
	if err != nil {
		return nil, fmt.Errorf("load TSL: %w", err)
	}
	return tsl, nil
}

// LoadSigner reads the software health card of the card section.
func (c *Config) LoadSigner() (*SoftkeySigner, error) {
	if c.Card == nil {
		return nil, fmt.Errorf("no card configured")
	}
	keyPEM, err := os.ReadFile(c.ResolvePath(c.Card.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("read card key: %w", err)
	}
	certPEM, err := os.ReadFile(c.ResolvePath(c.Card.CertFile))
	if err != nil {
		return nil, fmt.Errorf("read card certificate: %w", err)
	}
	return SignerFromPEM(keyPEM, certPEM)
}

// newValidator names fields after their yaml or json tag in errors.
func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"yaml", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	return validate
}
