package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// MinCSRSize is the smallest PEM-encoded CSR accepted. Anything shorter is
// rejected before parsing so obviously malformed input never reaches the
// signing path.
const MinCSRSize = 200

var (
	// ErrCSRTooSmall indicates the submitted CSR is below MinCSRSize.
	ErrCSRTooSmall = errors.New("csr too small")

	// ErrCSRInvalid indicates the CSR failed to parse or its self-signature
	// did not verify.
	ErrCSRInvalid = errors.New("csr invalid")
)

// Signer issues a client certificate for a device from its CSR. The returned
// device certificate and issuer certificate are both PEM encoded. A failed
// Sign is terminal for that enrollment attempt and must not mutate any state.
type Signer interface {
	Sign(csrPEM []byte, deviceID string) (certPEM, caPEM []byte, err error)
}

// LocalSigner signs device CSRs with a root CA keypair held on disk.
//
// Issued certificates are constrained to client authentication, carry the
// device ID as subject common name plus an edgeonboard device URI SAN, and
// expire after a short validity window so a compromised device key ages out
// without a revocation mechanism.
type LocalSigner struct {
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
	caPEM    []byte
	validity time.Duration
	logger   *slog.Logger
}

// NewLocalSigner loads the CA keypair from dir (ca.pem / ca-key.pem),
// generating and persisting a fresh one when the directory is empty.
func NewLocalSigner(dir string, validity time.Duration, logger *slog.Logger) (*LocalSigner, error) {
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)

	if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
		logger.Info("No CA keypair found, generating", "dir", dir)
		var err error
		certPEM, keyPEM, err = generateCA()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create CA dir: %w", err)
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write CA cert: %w", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write CA key: %w", err)
		}
	} else if certErr != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", certErr)
	} else if keyErr != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", keyErr)
	}

	caCert, caKey, err := parseCA(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	logger.Info("CA signer initialized",
		"subject", caCert.Subject.CommonName,
		"not_after", caCert.NotAfter,
		"device_cert_validity", validity)

	return &LocalSigner{
		caCert:   caCert,
		caKey:    caKey,
		caPEM:    certPEM,
		validity: validity,
		logger:   logger,
	}, nil
}

// Sign validates the CSR and issues a client-auth certificate bound to
// deviceID.
func (s *LocalSigner) Sign(csrPEM []byte, deviceID string) ([]byte, []byte, error) {
	if len(csrPEM) < MinCSRSize {
		return nil, nil, ErrCSRTooSmall
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, nil, fmt.Errorf("%w: not a PEM certificate request", ErrCSRInvalid)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCSRInvalid, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, fmt.Errorf("%w: signature check failed: %v", ErrCSRInvalid, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		URIs:         []*url.URL{deviceURI(deviceID)},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(s.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign device certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	s.logger.Info("Issued device certificate",
		"device_id", deviceID,
		"serial", serial.Text(16),
		"not_after", tmpl.NotAfter)

	return certPEM, append([]byte(nil), s.caPEM...), nil
}

// ServerCertificate issues a short-lived server-auth certificate from the
// fleet CA for the given hostnames and addresses. edged uses it for both
// listeners so agents only ever need to trust the fleet root.
func (s *LocalSigner) ServerCertificate(hosts []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate server key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "edgeonboard fleet server"},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(s.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to sign server certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

// CACertPEM returns the PEM-encoded root certificate. Servers use it as the
// client CA pool for the mutual-TLS device channel.
func (s *LocalSigner) CACertPEM() []byte {
	return append([]byte(nil), s.caPEM...)
}

func deviceURI(deviceID string) *url.URL {
	return &url.URL{Scheme: "edgeonboard", Host: "device", Path: "/" + deviceID}
}

func generateCA() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "edgeonboard fleet CA"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to self-sign CA: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal CA key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("CA cert is not PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("CA key is not PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return cert, key, nil
}
