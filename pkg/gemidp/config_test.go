package gemidp_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/gematik/erp-idp/pkg/mockidp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	mock, err := mockidp.New(mockidp.Config{})
	require.NoError(t, err)

	writeFile(t, dir, "anchor.pem", mock.TrustAnchorPEM())
	writeFile(t, dir, "card.key", mockidp.TestCardKeyPEM)
	writeFile(t, dir, "card.crt", mockidp.TestCardCertPEM)
	t.Setenv("TEST_IDP_URL", "http://localhost:8088")

	path := writeFile(t, dir, "erp-idp.yaml", []byte(`
idp:
  environment: ref
  base_url: ${TEST_IDP_URL}
trust:
  anchors_file: anchor.pem
card:
  key_file: card.key
  cert_file: card.crt
`))

	config, err := gemidp.LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, dir, config.BaseDir)
	assert.Equal(t, gemidp.EnvironmentReference, config.IDP.Environment)
	assert.Equal(t, "http://localhost:8088", config.IDP.ResolvedBaseURL())
	assert.Equal(t, gemidp.DefaultClientID, config.IDP.ClientID)
	assert.Equal(t, gemidp.DefaultRedirectURI, config.IDP.RedirectURI)

	ts, err := config.NewTrustStore(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, ts)

	signer, err := config.LoadSigner()
	require.NoError(t, err)
	der, err := signer.Certificate(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, der)
}

func TestLoadConfigFileInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"base url", "idp:\n  base_url: not a url\n"},
		{"redirect uri", "idp:\n  redirect_uri: erezept\n"},
		{"card without key", "card:\n  cert_file: card.crt\n"},
		{"environment", "idp:\n  environment: staging\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "erp-idp.yaml", []byte(tt.content))
			_, err := gemidp.LoadConfigFile(path)
			assert.Error(t, err)
		})
	}
}

func TestClientConfigDefaults(t *testing.T) {
	config := gemidp.ClientConfig{Environment: gemidp.EnvironmentTest}.WithDefaults()
	require.NoError(t, config.Validate())
	assert.Equal(t, gemidp.BaseURLTest, config.ResolvedBaseURL())
	assert.Equal(t, gemidp.DefaultUserAgent, config.UserAgent)

	_, err := gemidp.NewRemoteDataSource(gemidp.ClientConfig{RedirectURI: "::"}, nil)
	assert.Error(t, err)
}
