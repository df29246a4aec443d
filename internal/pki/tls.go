// Package pki fornece funções para configuração de TLS do listener do
// terminox-agent, com mTLS opcional para o método de autenticação por
// certificado.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerTLSConfig cria uma configuração TLS 1.3 para o listener.
// Quando requireClientCert é true, caCertPath é obrigatório e o handshake
// exige certificado de client assinado pela CA (mTLS).
func NewServerTLSConfig(certPath, keyPath, caCertPath string, requireClientCert bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if requireClientCert {
		caPool, err := loadCACertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = caPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
