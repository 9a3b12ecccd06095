package kv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/kilnhq/kiln/pkg/config"
)

// buildTLSConfig translates the TLS knobs into a *tls.Config, or nil when
// TLS is disabled.
//
// Chain verification is always on. Hostname verification is off unless
// explicitly enabled: managed KV deployments hand out node IPs that rarely
// appear in their certificates, and rejecting those would break every
// cluster-mode deployment behind a load balancer. Disabling hostname checks
// while keeping chain checks requires InsecureSkipVerify plus a manual
// VerifyPeerCertificate, which is how crypto/tls documents it.
func buildTLSConfig(cfg config.KVTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	var roots *x509.CertPool
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", cfg.CAFile, err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from CA file %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = roots
	} else {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		roots = sys
		tlsCfg.RootCAs = roots
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if !cfg.VerifyHostname {
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = chainOnlyVerifier(roots)
	}

	return tlsCfg, nil
}

// chainOnlyVerifier verifies the peer's certificate chain against roots
// without checking the hostname.
func chainOnlyVerifier(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no peer certificate presented")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
