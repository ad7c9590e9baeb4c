// Package certs provisions a local CA and a server certificate for serving
// the dev server over HTTPS.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

// ServerCertValidity stays under the 398-day limit browsers enforce for leaf
// certificates.
const ServerCertValidity = 397 * 24 * time.Hour

// CAResult holds the paths and in-memory objects from CA generation.
type CAResult struct {
	CACertPath string
	CAKeyPath  string
	CACert     *x509.Certificate
	CAKey      *ecdsa.PrivateKey
}

// ServerCertResult holds the paths to the generated server certificate and key.
type ServerCertResult struct {
	ServerCertPath string
	ServerKeyPath  string
}

// GenerateCA creates a self-signed CA certificate and writes the cert to certsDir/ca.crt.
// The CA key is written next to it so leaf certificates can be renewed later.
func GenerateCA(certsDir string) (*CAResult, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "spa-devkit-ca",
			Organization: []string{"spa-devkit development CA"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "ca.crt")
	if err := writePEMFile(certPath, "CERTIFICATE", certDER); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}

	keyPath := filepath.Join(certsDir, "ca.key")
	if err := writeKeyFile(keyPath, key); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}

	return &CAResult{
		CACertPath: certPath,
		CAKeyPath:  keyPath,
		CACert:     cert,
		CAKey:      key,
	}, nil
}

// SubjectAltNames turns allowed-host entries into certificate SANs. Loopback
// names are always present; a suffix entry ".example.dev" covers both
// example.dev and *.example.dev.
func SubjectAltNames(hosts []string) (dnsNames []string, ips []net.IP) {
	dns := map[string]bool{"localhost": true}
	ipSet := map[string]net.IP{
		"127.0.0.1": net.ParseIP("127.0.0.1"),
		"::1":       net.ParseIP("::1"),
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || h == "." {
			continue
		}
		if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
			ipSet[ip.String()] = ip
			continue
		}
		if bare, ok := strings.CutPrefix(h, "."); ok {
			dns[bare] = true
			dns["*."+bare] = true
			continue
		}
		dns[h] = true
	}

	for name := range dns {
		dnsNames = append(dnsNames, name)
	}
	sort.Strings(dnsNames)
	keys := make([]string, 0, len(ipSet))
	for k := range ipSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ips = append(ips, ipSet[k])
	}
	return dnsNames, ips
}

// GenerateServerCert creates a server certificate signed by the CA with SANs
// derived from hosts.
func GenerateServerCert(certsDir string, ca *CAResult, hosts []string) (*ServerCertResult, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	dnsNames, ips := SubjectAltNames(hosts)
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "spa-devkit-server",
			Organization: []string{"spa-devkit development CA"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(ServerCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.CACert, &key.PublicKey, ca.CAKey)
	if err != nil {
		return nil, fmt.Errorf("creating server certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")

	if err := writePEMFile(certPath, "CERTIFICATE", certDER); err != nil {
		return nil, fmt.Errorf("writing server cert: %w", err)
	}
	if err := writeKeyFile(keyPath, key); err != nil {
		return nil, fmt.Errorf("writing server key: %w", err)
	}

	return &ServerCertResult{
		ServerCertPath: certPath,
		ServerKeyPath:  keyPath,
	}, nil
}

// CertsConfig holds configuration for certificate loading/generation.
type CertsConfig struct {
	Dir   string   // Directory holding ca.crt, ca.key, server.crt and server.key
	Hosts []string // Allowed-host entries the server certificate must cover
}

// TLSAssets holds the resolved paths to all TLS certificate files.
type TLSAssets struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
	WasGenerated   bool
	// GenerationReason clarifies whether assets were reused, generated fresh, or the server cert was renewed.
	GenerationReason string
}

const (
	generationReasonReused         = "reused"
	generationReasonFullGeneration = "full-generation"
	generationReasonLeafRenewal    = "leaf-renewal"
)

// LoadOrGenerateCerts resolves TLS certificates in cfg.Dir:
//   - If the CA and a server certificate covering cfg.Hosts exist and are unexpired, reuses them
//   - If only the server certificate is stale, renews it with the existing CA
//   - Otherwise, generates a new CA and server certificate
func LoadOrGenerateCerts(cfg CertsConfig) (*TLSAssets, error) {
	caCertPath := filepath.Join(cfg.Dir, "ca.crt")
	caKeyPath := filepath.Join(cfg.Dir, "ca.key")
	serverCertPath := filepath.Join(cfg.Dir, "server.crt")
	serverKeyPath := filepath.Join(cfg.Dir, "server.key")
	all := []string{caCertPath, caKeyPath, serverCertPath, serverKeyPath}

	reused := &TLSAssets{
		CACertPath:       caCertPath,
		ServerCertPath:   serverCertPath,
		ServerKeyPath:    serverKeyPath,
		WasGenerated:     false,
		GenerationReason: generationReasonReused,
	}

	if allExist(all) {
		usable, err := serverCertUsable(serverCertPath, cfg.Hosts)
		if err != nil {
			return nil, fmt.Errorf("checking server certificate: %w", err)
		}
		if usable {
			return reused, nil
		}
	}

	// Generate new certs with lock file to prevent race conditions
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}

	unlock, err := acquireLock(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("acquiring cert generation lock: %w", err)
	}
	defer unlock()

	// Re-check after acquiring lock; another process may have generated certs
	if allExist(all) {
		usable, err := serverCertUsable(serverCertPath, cfg.Hosts)
		if err != nil {
			return nil, fmt.Errorf("checking server certificate: %w", err)
		}
		if usable {
			return reused, nil
		}

		// Existing CA is still valid trust material; renew only the server certificate.
		caResult, err := loadCAFromDisk(caCertPath, caKeyPath)
		if err == nil && time.Now().Before(caResult.CACert.NotAfter) {
			if _, err := GenerateServerCert(cfg.Dir, caResult, cfg.Hosts); err != nil {
				return nil, fmt.Errorf("renewing server cert: %w", err)
			}
			return &TLSAssets{
				CACertPath:       caCertPath,
				ServerCertPath:   serverCertPath,
				ServerKeyPath:    serverKeyPath,
				WasGenerated:     true,
				GenerationReason: generationReasonLeafRenewal,
			}, nil
		}
	}

	caResult, err := GenerateCA(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}

	serverResult, err := GenerateServerCert(cfg.Dir, caResult, cfg.Hosts)
	if err != nil {
		return nil, fmt.Errorf("generating server cert: %w", err)
	}

	return &TLSAssets{
		CACertPath:       caResult.CACertPath,
		ServerCertPath:   serverResult.ServerCertPath,
		ServerKeyPath:    serverResult.ServerKeyPath,
		WasGenerated:     true,
		GenerationReason: generationReasonFullGeneration,
	}, nil
}

// NewTLSConfig builds a server *tls.Config with TLS 1.2 minimum. Only
// HTTP/1.1 is offered so WebSocket upgrades can hijack the connection.
func NewTLSConfig(serverCertPath, serverKeyPath string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// staleLockAge is the maximum age of a lock file before it is considered stale
// and eligible for cleanup (e.g., left behind by a crashed process).
const staleLockAge = 5 * time.Minute

// acquireLock creates an exclusive lock file in certsDir to prevent concurrent
// certificate generation by multiple processes. Returns an unlock function.
// If a lock file older than staleLockAge is found, it is removed as stale.
func acquireLock(certsDir string) (func(), error) {
	lockPath := filepath.Join(certsDir, ".lock")
	for i := 0; i < 10; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(lockPath)
				continue
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("could not acquire cert generation lock at %s after 5s", lockPath)
}

func allExist(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// serverCertUsable reports whether the certificate at certPath is unexpired
// and carries every SAN hosts requires.
func serverCertUsable(certPath string, hosts []string) (bool, error) {
	cert, err := readCert(certPath)
	if err != nil {
		return false, err
	}
	if time.Now().After(cert.NotAfter) {
		return false, nil
	}
	dnsNames, ips := SubjectAltNames(hosts)
	for _, name := range dnsNames {
		if !slices.Contains(cert.DNSNames, name) {
			return false, nil
		}
	}
	for _, ip := range ips {
		if !slices.ContainsFunc(cert.IPAddresses, ip.Equal) {
			return false, nil
		}
	}
	return true, nil
}

func readCert(certPath string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, nil
}

// loadCAFromDisk loads a previously generated CA cert and key pair.
func loadCAFromDisk(caCertPath, caKeyPath string) (*CAResult, error) {
	caCert, err := readCert(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	caKeyBlock, _ := pem.Decode(caKeyPEM)
	if caKeyBlock == nil {
		return nil, fmt.Errorf("no PEM data in CA key %s", caKeyPath)
	}
	caKey, err := x509.ParseECPrivateKey(caKeyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	return &CAResult{
		CACertPath: caCertPath,
		CAKeyPath:  caKeyPath,
		CACert:     caCert,
		CAKey:      caKey,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func writePEMFile(path, blockType string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func writeKeyFile(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling EC private key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}
