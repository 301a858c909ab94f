package pass

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/smallstep/pkcs7"
	"golang.org/x/crypto/pkcs12"
)

// Signer produces a detached signature over a manifest.
type Signer interface {
	Sign(manifest []byte) ([]byte, error)
}

// SigningPaths names the signing material on disk. Either KeyPath+CertPath or
// PKCS12Path is required; ChainPath is always required.
type SigningPaths struct {
	KeyPath        string
	CertPath       string
	ChainPath      string
	PKCS12Path     string
	PKCS12Password string
}

// CMSSigner signs with a PKCS#7 detached signature carrying the signing
// certificate and its intermediate.
type CMSSigner struct {
	cert  *x509.Certificate
	key   crypto.PrivateKey
	chain []*x509.Certificate
}

func NewCMSSigner(cert *x509.Certificate, key crypto.PrivateKey, chain []*x509.Certificate) *CMSSigner {
	return &CMSSigner{cert: cert, key: key, chain: chain}
}

func (s *CMSSigner) Sign(manifest []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, fmt.Errorf("init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(s.cert, s.key, s.chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, &apperr.SigningConfigurationError{Err: fmt.Errorf("add signer: %w", err)}
	}
	sd.Detach()
	sig, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signature: %w", err)
	}
	return sig, nil
}

// missingSigner stands in when signing material could not be loaded. Every
// build that reaches it fails with the original configuration error.
type missingSigner struct {
	err error
}

func (m missingSigner) Sign([]byte) ([]byte, error) { return nil, m.err }

// LoadSigner reads the signing identity. All failures are returned as
// *apperr.SigningConfigurationError.
func LoadSigner(p SigningPaths) (*CMSSigner, error) {
	cfgErr := func(err error) error { return &apperr.SigningConfigurationError{Err: err} }

	if p.ChainPath == "" {
		return nil, cfgErr(errors.New("chain certificate path not configured"))
	}
	chain, err := readCertificates(p.ChainPath)
	if err != nil {
		return nil, cfgErr(err)
	}

	var (
		cert *x509.Certificate
		key  crypto.PrivateKey
	)
	switch {
	case p.PKCS12Path != "":
		data, err := os.ReadFile(p.PKCS12Path)
		if err != nil {
			return nil, cfgErr(fmt.Errorf("read pkcs12: %w", err))
		}
		var k any
		k, cert, err = pkcs12.Decode(data, p.PKCS12Password)
		if err != nil {
			return nil, cfgErr(fmt.Errorf("decode pkcs12: %w", err))
		}
		key = k
	case p.KeyPath != "" && p.CertPath != "":
		certs, err := readCertificates(p.CertPath)
		if err != nil {
			return nil, cfgErr(err)
		}
		cert = certs[0]
		if key, err = readPrivateKey(p.KeyPath); err != nil {
			return nil, cfgErr(err)
		}
	default:
		return nil, cfgErr(errors.New("signing key and certificate not configured"))
	}

	if err := matchKey(cert, key); err != nil {
		return nil, cfgErr(err)
	}
	return NewCMSSigner(cert, key, chain), nil
}

func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %s: %w", path, err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		// DER-encoded, as Apple distributes the WWDR intermediate.
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("no certificate in %s", path)
		}
		certs = append(certs, c)
	}
	return certs, nil
}

func readPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("unsupported key type %q in %s", block.Type, path)
}

func matchKey(cert *x509.Certificate, key crypto.PrivateKey) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok && pub.Equal(&k.PublicKey) {
			return nil
		}
	case *ecdsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok && pub.Equal(&k.PublicKey) {
			return nil
		}
	default:
		return fmt.Errorf("unsupported private key type %T", key)
	}
	return errors.New("private key does not match signing certificate")
}
