// Package crypto owns the server's TLS material: first-boot generation of a
// self-signed certificate, loading operator-supplied replacements, and
// hot-reloading when the files change on disk.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/citadel-dev/citadel/internal/logger"
)

const (
	KeyFile  = "citadel.key"
	CertFile = "citadel.cer"

	keyBits      = 2048
	certLifetime = 3 * 365 * 24 * time.Hour
)

// EnsureKeys makes sure a usable key pair exists under dir, generating a
// self-signed certificate on first boot. Operator-supplied files are never
// touched; only missing pieces are created.
func EnsureKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keys directory: %w", err)
	}
	keyPath := filepath.Join(dir, KeyFile)
	certPath := filepath.Join(dir, CertFile)

	key, err := ensurePrivateKey(keyPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(certPath); err == nil {
		return nil
	}
	return generateSelfSigned(certPath, key)
}

func ensurePrivateKey(path string) (*rsa.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("%s: no PEM data", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			// Operator may have installed a PKCS#8 key.
			k8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err8 != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			rk, ok := k8.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%s: unsupported key type", path)
			}
			return rk, nil
		}
		return key, nil
	}

	logger.Info("generating private key", "path", path, "bits", keyBits)
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := renameio.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// generateSelfSigned issues a wildcard certificate so the server can answer
// TLS immediately after first boot. The subject is deliberately generic;
// operators are expected to replace it with real material.
func generateSelfSigned(path string, key *rsa.PrivateKey) error {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("certificate serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "*",
			Organization:       []string{"Citadel server"},
			OrganizationalUnit: []string{"Automatically generated certificate"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"*"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := renameio.WriteFile(path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	logger.Info("generated self-signed certificate", "path", path,
		"not_after", tmpl.NotAfter.Format("2006-01-02"))
	return nil
}
