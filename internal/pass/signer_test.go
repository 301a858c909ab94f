package pass_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/hotelkey/keyservice/internal/pass/passtest"
	"github.com/smallstep/pkcs7"
)

func TestLoadSignerFromPEM(t *testing.T) {
	id := passtest.NewIdentity(t)
	paths := id.WriteFiles(t)

	s, err := pass.LoadSigner(paths)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	msg := []byte(`{"pass.json":"abc"}`)
	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	p7, err := pkcs7.Parse(sig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p7.Content = msg
	if err := p7.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestLoadSignerErrors(t *testing.T) {
	id := passtest.NewIdentity(t)
	good := id.WriteFiles(t)
	other := passtest.NewIdentity(t).WriteFiles(t)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		paths pass.SigningPaths
	}{
		{"nothing configured", pass.SigningPaths{}},
		{"missing chain", pass.SigningPaths{KeyPath: good.KeyPath, CertPath: good.CertPath}},
		{"missing key", pass.SigningPaths{CertPath: good.CertPath, ChainPath: good.ChainPath}},
		{"unreadable cert", pass.SigningPaths{KeyPath: good.KeyPath, CertPath: "/nonexistent", ChainPath: good.ChainPath}},
		{"garbage chain", pass.SigningPaths{KeyPath: good.KeyPath, CertPath: good.CertPath, ChainPath: garbage}},
		{"key mismatch", pass.SigningPaths{KeyPath: other.KeyPath, CertPath: good.CertPath, ChainPath: good.ChainPath}},
		{"unreadable pkcs12", pass.SigningPaths{PKCS12Path: "/nonexistent.p12", ChainPath: good.ChainPath}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pass.LoadSigner(tt.paths)
			var cfgErr *apperr.SigningConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("err = %v, want SigningConfigurationError", err)
			}
		})
	}
}
