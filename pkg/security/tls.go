// Package security provides TLS 1.3 configuration helpers for mutual
// authentication between a car's module gateway and the external server's
// MQTT connection (spec §4.8, §6.1).
package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// RequirePaths fails unless all three PEM paths (CA, cert, key) exist on
// the filesystem, per spec §4.8 ("all three paths must exist... otherwise
// fail"). It is meant to be called before TLSConfig so the error names the
// specific missing path rather than a generic TLS-loading failure.
func RequirePaths(certFile, keyFile, caFile string) error {
	for _, p := range []struct {
		name, path string
	}{
		{"cert", certFile},
		{"key", keyFile},
		{"ca", caFile},
	} {
		if p.path == "" {
			return fmt.Errorf("security: %s path must not be empty", p.name)
		}
		if _, err := os.Stat(p.path); err != nil {
			return fmt.Errorf("security: %s path %q: %w", p.name, p.path, err)
		}
	}
	return nil
}

// TLSConfig builds a crypto/tls.Config that enforces TLS 1.3 with
// mutual authentication (mTLS).
//
// Parameters:
//   - certFile: path to the PEM-encoded certificate of this endpoint.
//   - keyFile:  path to the PEM-encoded private key of this endpoint.
//   - caFile:   path to the PEM-encoded CA certificate used to verify the peer.
//
// ServerTLSConfig and ClientTLSConfig both build on this function, adjusting
// ClientAuth for their side of the connection.
func TLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	caPEM, err := os.ReadFile(caFile) // #nosec G304 – caller-controlled path
	if err != nil {
		return nil, err
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("security: failed to parse CA certificate")
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// ServerTLSConfig creates a TLS config for the fleet-bridge server side of an
// MQTT broker connection. It requires the connecting client to present a
// valid certificate signed by caFile.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg, err := TLSConfig(certFile, keyFile, caFile)
	if err != nil {
		return nil, err
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// ClientTLSConfig creates a TLS config for the client side: the external
// server's MQTT connection to the broker. It presents its own certificate
// and verifies the broker's certificate against caFile with hostname
// verification enabled (InsecureSkipVerify is never set), per spec §4.8.
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg, err := TLSConfig(certFile, keyFile, caFile)
	if err != nil {
		return nil, err
	}
	// Client does not set ClientAuth – that field is server-side only.
	cfg.ClientAuth = tls.NoClientCert
	return cfg, nil
}
