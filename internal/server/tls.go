package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"time"
)

// CertificateProvider supplies the server's TLS key material. A nil
// certificate with a nil error means none is configured and the server
// falls back to plaintext, subject to Config.ConfirmInsecure.
type CertificateProvider interface {
	Certificate() (*tls.Certificate, error)
	// ClientCAs returns the pool used to verify viewer certificates, or nil
	// when viewers are not asked for one.
	ClientCAs() (*x509.CertPool, error)
}

// FileCertificates loads PEM files. Empty paths mean "not configured".
type FileCertificates struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Certificate implements CertificateProvider.
func (f FileCertificates) Certificate() (*tls.Certificate, error) {
	if f.CertFile == "" && f.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &cert, nil
}

// ClientCAs implements CertificateProvider.
func (f FileCertificates) ClientCAs() (*x509.CertPool, error) {
	if f.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(f.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", f.CAFile)
	}
	return pool, nil
}

// SelfSigned is a CertificateProvider holding an in-memory certificate.
type SelfSigned struct {
	cert *tls.Certificate
}

// NewSelfSigned generates an ECDSA P-256 certificate for hosts, valid for
// validity.
func NewSelfSigned(hosts []string, validity time.Duration) (*SelfSigned, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "p2pcam"},
		DNSNames:     hosts,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &SelfSigned{cert: &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}}, nil
}

// Certificate implements CertificateProvider.
func (s *SelfSigned) Certificate() (*tls.Certificate, error) { return s.cert, nil }

// ClientCAs implements CertificateProvider.
func (s *SelfSigned) ClientCAs() (*x509.CertPool, error) { return nil, nil }

// tlsConfig builds the listener TLS config, or returns nil when p has no
// certificate.
func tlsConfig(p CertificateProvider) (*tls.Config, error) {
	if p == nil {
		return nil, nil
	}
	cert, err := p.Certificate()
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
	pool, err := p.ClientCAs()
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}
