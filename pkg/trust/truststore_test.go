package trust_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/gematik/erp-idp/pkg/trust"
	"github.com/gematik/zero-lab/go/gempki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCert(t *testing.T, cn string, isCA bool, parent *testCert, notBefore, notAfter time.Time) *testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"gematik GmbH NOT-VALID"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
	}

	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCert{cert: cert, key: key}
}

func TestCheckIdpCertificate(t *testing.T) {
	now := time.Now()
	notBefore, notAfter := now.Add(-time.Hour), now.Add(24*time.Hour)

	root := newTestCert(t, "GEM.RCA TEST-ONLY", true, nil, notBefore, notAfter)
	komp := newTestCert(t, "GEM.KOMP-CA TEST-ONLY", true, root, notBefore, notAfter)
	idp := newTestCert(t, "idp.example.test", false, komp, notBefore, notAfter)
	expired := newTestCert(t, "expired.idp.example.test", false, komp, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	foreignRoot := newTestCert(t, "FOREIGN ROOT", true, nil, notBefore, notAfter)
	foreign := newTestCert(t, "foreign.idp.example.test", false, foreignRoot, notBefore, notAfter)

	ts, err := trust.NewTrustStore(
		trust.WithAnchors(root.cert),
		trust.WithIntermediates(komp.cert),
	)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("chains to anchor", func(t *testing.T) {
		assert.NoError(t, ts.CheckIdpCertificate(ctx, idp.cert))
	})

	t.Run("expired", func(t *testing.T) {
		assert.ErrorIs(t, ts.CheckIdpCertificate(ctx, expired.cert), trust.ErrValidityPeriod)
	})

	t.Run("unknown issuer", func(t *testing.T) {
		assert.ErrorIs(t, ts.CheckIdpCertificate(ctx, foreign.cert), trust.ErrIssuerNotFound)
	})

	t.Run("missing intermediate", func(t *testing.T) {
		rootOnly, err := trust.NewTrustStore(trust.WithAnchors(root.cert))
		require.NoError(t, err)
		assert.ErrorIs(t, rootOnly.CheckIdpCertificate(ctx, idp.cert), trust.ErrIssuerNotFound)
	})

	t.Run("pinned", func(t *testing.T) {
		other := newTestCert(t, "other.idp.example.test", false, komp, notBefore, notAfter)
		pinned, err := trust.NewTrustStore(
			trust.WithAnchors(root.cert),
			trust.WithIntermediates(komp.cert),
			trust.WithPinnedIdpCertificates(idp.cert),
		)
		require.NoError(t, err)
		assert.NoError(t, pinned.CheckIdpCertificate(ctx, idp.cert))
		assert.ErrorIs(t, pinned.CheckIdpCertificate(ctx, other.cert), trust.ErrNotPinned)
	})

	t.Run("clock", func(t *testing.T) {
		future, err := trust.NewTrustStore(
			trust.WithAnchors(root.cert),
			trust.WithIntermediates(komp.cert),
			trust.WithClock(func() time.Time { return now.Add(48 * time.Hour) }),
		)
		require.NoError(t, err)
		assert.ErrorIs(t, future.CheckIdpCertificate(ctx, idp.cert), trust.ErrValidityPeriod)
	})

	t.Run("cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, ts.CheckIdpCertificate(cancelled, idp.cert), context.Canceled)
	})
}

func TestNewTrustStoreRequiresAnchor(t *testing.T) {
	_, err := trust.NewTrustStore()
	assert.ErrorIs(t, err, trust.ErrNoTrustAnchor)
}

// tslWithCAs builds a TSL in memory that lists certs as CA/PKC services.
func tslWithCAs(certs ...*x509.Certificate) *gempki.TrustServiceStatusList {
	provider := gempki.TrustServiceProvider{}
	for _, cert := range certs {
		service := gempki.TSPService{}
		service.ServiceInformation.ServiceTypeIdentifier = gempki.ServiceTypeCaPkc
		service.ServiceInformation.ServiceDigitalIdentity.DigitalId.X509Certificate = cert
		service.ServiceInformation.ServiceDigitalIdentity.DigitalId.X509CertificateRaw = cert.Raw
		provider.TSPServices = append(provider.TSPServices, service)
	}
	return &gempki.TrustServiceStatusList{
		Url:                      "https://download-test.tsl.ti-dienste.de/ECC/ECC-RSA_TSL-test.xml",
		TrustServiceProviderList: []gempki.TrustServiceProvider{provider},
	}
}

func TestTrustStoreFromRootsAndTSL(t *testing.T) {
	now := time.Now()
	notBefore, notAfter := now.Add(-time.Hour), now.Add(24*time.Hour)

	root := newTestCert(t, "GEM.RCA TEST-ONLY", true, nil, notBefore, notAfter)
	komp := newTestCert(t, "GEM.KOMP-CA TEST-ONLY", true, root, notBefore, notAfter)
	idp := newTestCert(t, "idp.example.test", false, komp, notBefore, notAfter)
	foreignRoot := newTestCert(t, "FOREIGN ROOT", true, nil, notBefore, notAfter)
	foreignCA := newTestCert(t, "FOREIGN CA", true, foreignRoot, notBefore, notAfter)
	foreign := newTestCert(t, "foreign.idp.example.test", false, foreignCA, notBefore, notAfter)

	roots := &gempki.Roots{ByCommonName: map[string]*x509.Certificate{
		root.cert.Subject.CommonName: root.cert,
	}}
	ctx := context.Background()

	t.Run("sub CA from TSL", func(t *testing.T) {
		ts, err := trust.NewTrustStoreFromRoots(roots, tslWithCAs(komp.cert, foreignCA.cert))
		require.NoError(t, err)
		assert.NoError(t, ts.CheckIdpCertificate(ctx, idp.cert))
		// listed in the TSL but not issued by a root
		assert.ErrorIs(t, ts.CheckIdpCertificate(ctx, foreign.cert), trust.ErrIssuerNotFound)
	})

	t.Run("without TSL", func(t *testing.T) {
		ts, err := trust.NewTrustStoreFromRoots(roots, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, ts.CheckIdpCertificate(ctx, idp.cert), trust.ErrIssuerNotFound)
	})

	t.Run("no roots", func(t *testing.T) {
		_, err := trust.NewTrustStoreFromRoots(&gempki.Roots{}, nil)
		assert.ErrorIs(t, err, trust.ErrNoTrustAnchor)
	})
}

func TestEmbeddedRoots(t *testing.T) {
	for _, env := range []gempki.Environment{gempki.EnvDev, gempki.EnvRef, gempki.EnvTest, gempki.EnvProd} {
		t.Run(string(env), func(t *testing.T) {
			_, err := trust.NewTrustStoreForEnvironment(env, nil)
			assert.NoError(t, err)

			url, err := trust.TSLURL(env)
			require.NoError(t, err)
			assert.Contains(t, url, "tsl.ti-dienste.de")
		})
	}

	_, err := trust.NewTrustStoreForEnvironment("unknown", nil)
	assert.Error(t, err)
	_, err = trust.TSLURL("unknown")
	assert.Error(t, err)
}

func TestParseCertificatesPEM(t *testing.T) {
	now := time.Now()
	root := newTestCert(t, "GEM.RCA TEST-ONLY", true, nil, now.Add(-time.Hour), now.Add(time.Hour))
	komp := newTestCert(t, "GEM.KOMP-CA TEST-ONLY", true, root, now.Add(-time.Hour), now.Add(time.Hour))

	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.cert.Raw})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{0x01}})...)
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: komp.cert.Raw})...)

	certs, err := trust.ParseCertificatesPEM(data)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, certs[0].Equal(root.cert))
	assert.True(t, certs[1].Equal(komp.cert))

	_, err = trust.ParseCertificatesPEM([]byte("no pem"))
	assert.Error(t, err)
}
