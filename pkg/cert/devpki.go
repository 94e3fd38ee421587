package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultValidity is the lifetime of development certificates.
const DefaultValidity = 365 * 24 * time.Hour

// Pair is a certificate with its private key.
type Pair struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Fingerprint returns the hex SHA-256 of the DER certificate.
func (p Pair) Fingerprint() string {
	sum := sha256.Sum256(p.Cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ExpiresAt returns the end of the validity period.
func (p Pair) ExpiresAt() time.Time { return p.Cert.NotAfter }

// NewCA creates a self-signed CA for a gateway deployment.
func NewCA(name string, validity time.Duration) (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, err
	}
	tmpl, err := template(name, validity)
	if err != nil {
		return Pair{}, err
	}
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.MaxPathLenZero = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	return sign(tmpl, tmpl, key, key)
}

// IssueServer issues a gateway server certificate valid for hosts, which
// may be DNS names or IP addresses.
func (ca Pair) IssueServer(hosts []string, validity time.Duration) (Pair, error) {
	if len(hosts) == 0 {
		return Pair{}, fmt.Errorf("server certificate needs at least one host")
	}
	return ca.issue(hosts[0], validity, x509.ExtKeyUsageServerAuth, hosts)
}

// IssueClient issues a client certificate for gateways that require them.
func (ca Pair) IssueClient(name string, validity time.Duration) (Pair, error) {
	return ca.issue(name, validity, x509.ExtKeyUsageClientAuth, nil)
}

func (ca Pair) issue(name string, validity time.Duration, usage x509.ExtKeyUsage, hosts []string) (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, err
	}
	tmpl, err := template(name, validity)
	if err != nil {
		return Pair{}, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{usage}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return sign(tmpl, ca.Cert, key, ca.Key)
}

func template(name string, validity time.Duration) (*x509.Certificate, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{"epicsdev"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
	}, nil
}

func sign(tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (Pair, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return Pair{}, err
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Cert: c, Key: key}, nil
}

// Files are the PEM files of a development PKI.
type Files struct {
	CAFile         string
	CertFile       string
	KeyFile        string
	ClientCertFile string
	ClientKeyFile  string
}

// WriteDevPKI creates a CA, a server certificate for hosts and one client
// certificate, and writes them to dir. Existing files are overwritten.
func WriteDevPKI(dir string, hosts []string) (Files, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Files{}, err
	}
	ca, err := NewCA("epicsdev gateway CA", DefaultValidity)
	if err != nil {
		return Files{}, fmt.Errorf("create CA: %w", err)
	}
	server, err := ca.IssueServer(hosts, DefaultValidity)
	if err != nil {
		return Files{}, fmt.Errorf("issue server certificate: %w", err)
	}
	client, err := ca.IssueClient("epicsdev client", DefaultValidity)
	if err != nil {
		return Files{}, fmt.Errorf("issue client certificate: %w", err)
	}

	f := Files{
		CAFile:         filepath.Join(dir, "ca.pem"),
		CertFile:       filepath.Join(dir, "gateway.pem"),
		KeyFile:        filepath.Join(dir, "gateway-key.pem"),
		ClientCertFile: filepath.Join(dir, "client.pem"),
		ClientKeyFile:  filepath.Join(dir, "client-key.pem"),
	}
	for _, w := range []struct {
		path string
		fn   func() error
	}{
		{f.CAFile, func() error { return WriteCertFile(f.CAFile, ca.Cert) }},
		{f.CertFile, func() error { return WriteCertFile(f.CertFile, server.Cert) }},
		{f.KeyFile, func() error { return WriteKeyFile(f.KeyFile, server.Key) }},
		{f.ClientCertFile, func() error { return WriteCertFile(f.ClientCertFile, client.Cert) }},
		{f.ClientKeyFile, func() error { return WriteKeyFile(f.ClientKeyFile, client.Key) }},
	} {
		if err := w.fn(); err != nil {
			return Files{}, fmt.Errorf("write %s: %w", w.path, err)
		}
	}
	return f, nil
}

// Verify checks that leaf chains to ca and is currently valid.
func Verify(leaf, ca *x509.Certificate, usage x509.ExtKeyUsage) error {
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err := leaf.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{usage}})
	return err
}
