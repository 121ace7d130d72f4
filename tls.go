package relaydir

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/cert"
	"github.com/lightningnetwork/relaydir/dircfg"
)

// tlsCertOrganization is the organization of autogenerated certificates.
const tlsCertOrganization = "relaydir autogenerated cert"

// getTLSConfig returns the TLS configuration of the directory API. A self
// signed pair is generated if none exists yet, and renewed once it expired or,
// with auto refresh enabled, once the configured IPs or domains changed.
func getTLSConfig(cfg *dircfg.HTTP) (*tls.Config, error) {
	if !fileExists(cfg.TLSCertPath) || !fileExists(cfg.TLSKeyPath) {
		if err := generateCertPair(cfg); err != nil {
			return nil, err
		}
	}

	certData, parsedCert, err := cert.LoadCert(
		cfg.TLSCertPath, cfg.TLSKeyPath,
	)
	if err != nil {
		return nil, err
	}

	reloadedCertData, err := maintainCert(cfg, parsedCert)
	if err != nil {
		return nil, err
	}
	if reloadedCertData != nil {
		certData = *reloadedCertData
	}

	return cert.TLSConfFromCert(certData), nil
}

// generateCertPair creates a self signed pair and writes it to disk.
func generateCertPair(cfg *dircfg.HTTP) error {
	rdirLog.Infof("Generating TLS certificates...")

	certBytes, keyBytes, err := cert.GenCertPair(
		tlsCertOrganization, cfg.TLSExtraIPs, cfg.TLSExtraDomains,
		cfg.TLSDisableAutofill, cfg.TLSCertDuration,
	)
	if err != nil {
		return err
	}

	err = cert.WriteCertPair(
		cfg.TLSCertPath, cfg.TLSKeyPath, certBytes, keyBytes,
	)
	if err != nil {
		return err
	}

	rdirLog.Infof("Done generating TLS certificates")

	return nil
}

// maintainCert renews the pair if the certificate expired or no longer
// matches the configured IPs and domains. It returns nil if the certificate
// on disk is still good.
func maintainCert(cfg *dircfg.HTTP,
	parsedCert *x509.Certificate) (*tls.Certificate, error) {

	refresh := false
	if cfg.TLSAutoRefresh {
		var err error
		refresh, err = cert.IsOutdated(
			parsedCert, cfg.TLSExtraIPs, cfg.TLSExtraDomains,
			cfg.TLSDisableAutofill,
		)
		if err != nil {
			return nil, err
		}
	}

	if !time.Now().After(parsedCert.NotAfter) && !refresh {
		return nil, nil
	}

	rdirLog.Info("TLS certificate is expired or outdated, generating a " +
		"new one")

	for _, path := range []string{cfg.TLSCertPath, cfg.TLSKeyPath} {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}

	if err := generateCertPair(cfg); err != nil {
		return nil, err
	}

	reloadedCertData, _, err := cert.LoadCert(
		cfg.TLSCertPath, cfg.TLSKeyPath,
	)

	return &reloadedCertData, err
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}
