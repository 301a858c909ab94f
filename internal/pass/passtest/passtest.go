// Package passtest provides throwaway signing identities and generators for
// tests that need real signed artifacts.
package passtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/stretchr/testify/require"
)

const (
	AppleTypeID  = "pass.com.example.hotelkey"
	GoogleTypeID = "3388000000022222222.hotelkey"
)

// Identity is a CA-issued signing certificate.
type Identity struct {
	CA     *x509.Certificate
	Cert   *x509.Certificate
	Key    *ecdsa.PrivateKey
	Signer *pass.CMSSigner
}

func NewIdentity(t testing.TB) *Identity {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Pass Type ID: " + AppleTypeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{
		CA:     ca,
		Cert:   cert,
		Key:    key,
		Signer: pass.NewCMSSigner(cert, key, []*x509.Certificate{ca}),
	}
}

// WriteFiles stores the identity as PEM files and returns their paths.
func (id *Identity) WriteFiles(t testing.TB) pass.SigningPaths {
	t.Helper()
	dir := t.TempDir()
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.Key)
	require.NoError(t, err)
	p := pass.SigningPaths{
		KeyPath:   filepath.Join(dir, "key.pem"),
		CertPath:  filepath.Join(dir, "cert.pem"),
		ChainPath: filepath.Join(dir, "chain.pem"),
	}
	writePEM(t, p.KeyPath, "PRIVATE KEY", keyDER)
	writePEM(t, p.CertPath, "CERTIFICATE", id.Cert.Raw)
	writePEM(t, p.ChainPath, "CERTIFICATE", id.CA.Raw)
	return p
}

func writePEM(t testing.TB, path, typ string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// TypeIDs are the identifiers generators built here are configured with.
func TypeIDs() pass.TypeIDs {
	return pass.TypeIDs{
		model.EcosystemApple:  AppleTypeID,
		model.EcosystemGoogle: GoogleTypeID,
	}
}

// NewGenerator returns a generator publishing into a temp dir, with its
// publisher for reading artifacts back.
func NewGenerator(t testing.TB, signer pass.Signer) (*pass.Generator, *pass.FilePublisher) {
	t.Helper()
	assets, err := pass.LoadAssets("", "rgb(60, 65, 76)")
	require.NoError(t, err)
	pub := pass.NewFilePublisher(t.TempDir())
	gen := pass.NewGenerator(pass.Config{
		BaseURL:       "http://keys.test/passes",
		WebServiceURL: "http://keys.test",
		TypeIDs:       TypeIDs(),
		Branding: pass.Branding{
			TeamID:           "TEAM123456",
			OrganizationName: "Grand Test Hotel",
			Description:      "Room key",
			BackgroundColor:  "rgb(60, 65, 76)",
		},
	}, signer, assets, pub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return gen, pub
}
