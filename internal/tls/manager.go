package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"identity-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// TLSConfig carries the listener's certificate settings.
type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

// TLSManager resolves certificates for the HTTPS listener. Resolution
// order: ACME autocert, then configured cert/key files, then a
// generated self-signed certificate for local development.
type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager
}

func NewTLSManager(config *TLSConfig) *TLSManager {
	m := &TLSManager{config: config}
	if !config.EnableTLS || !config.AutoCert {
		return m
	}

	if err := os.MkdirAll(config.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert cache directory", zap.Error(err))
		return m
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(config.Domain),
		Cache:      autocert.DirCache(config.AutoCertDir),
		Email:      config.Email,
	}
	util.Info("AutoCert configured",
		zap.String("domain", config.Domain),
		zap.String("cache_dir", config.AutoCertDir))
	return m
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile); err == nil {
			return &cert, nil
		}
	}

	return m.selfSignedCert()
}

func (m *TLSManager) selfSignedCert() (*tls.Certificate, error) {
	hosts := []string{m.config.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := NewDevCertGenerator(m.config.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("generating self-signed certificate: %w", err)
	}
	util.Info("Generated self-signed certificate", zap.Strings("hosts", hosts))
	return &cert, nil
}

// GetTLSConfig returns a server config with modern cipher defaults.
func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate:   m.GetCertificate,
		NextProtos:       []string{"h2", "http/1.1"},
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// GetAutocertManager exposes the ACME manager so the HTTP-01 challenge
// handler can be mounted on port 80.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
