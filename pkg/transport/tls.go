package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/ophyd-epics-devices/epicsdev/pkg/version"
)

// DefaultPort is the default gateway port.
const DefaultPort = 5080

// TLSConfig holds PEM file locations for gateway TLS. An empty TLSConfig
// (no files) means plain TCP.
type TLSConfig struct {
	// CAFile verifies the peer. Gateways with a CAFile require client
	// certificates.
	CAFile string `yaml:"ca_file"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// ServerName overrides the name checked against the gateway certificate.
	ServerName string `yaml:"server_name"`

	// InsecureSkipVerify disables certificate verification. Test use only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Enabled reports whether any TLS material is configured.
func (c TLSConfig) Enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.InsecureSkipVerify
}

func (c TLSConfig) load() ([]tls.Certificate, *x509.CertPool, error) {
	var certs []tls.Certificate
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load key pair: %w", err)
		}
		certs = append(certs, cert)
	}

	var pool *x509.CertPool
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read CA file: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
	}
	return certs, pool, nil
}

// NewClientTLSConfig creates the TLS configuration for dialing a gateway.
func NewClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	certs, pool, err := cfg.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       certs,
		RootCAs:            pool,
		ServerName:         cfg.ServerName,
		NextProtos:         version.SupportedALPNProtocols(),
		CurvePreferences:   []tls.CurveID{tls.X25519, tls.CurveP256},
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, nil
}

// NewServerTLSConfig creates the TLS configuration of a gateway listener.
func NewServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	certs, pool, err := cfg.load()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}
	conf := &tls.Config{
		MinVersion:       tls.VersionTLS12,
		Certificates:     certs,
		NextProtos:       version.SupportedALPNProtocols(),
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}
	if pool != nil {
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// VerifyALPN checks that the peer negotiated a gateway protocol version
// compatible with ours.
func VerifyALPN(state tls.ConnectionState) error {
	major, err := version.MajorFromALPN(state.NegotiatedProtocol)
	if err != nil {
		return err
	}
	if ours := version.MustCurrent(); !ours.Compatible(version.ProtocolVersion{Major: major}) {
		return fmt.Errorf("peer speaks protocol %d.x, want %d.x", major, ours.Major)
	}
	return nil
}
