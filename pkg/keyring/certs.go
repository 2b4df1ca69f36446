// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// DistinguishedName holds the X.509 subject attributes used for the
// self-signed certificates of a subscriber.
type DistinguishedName struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	Province           string
	Locality           string
	Email              string
}

func (dn DistinguishedName) subject() pkix.Name {
	name := pkix.Name{CommonName: dn.CommonName}
	if dn.Organization != "" {
		name.Organization = []string{dn.Organization}
	}
	if dn.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{dn.OrganizationalUnit}
	}
	if dn.Country != "" {
		name.Country = []string{dn.Country}
	}
	if dn.Province != "" {
		name.Province = []string{dn.Province}
	}
	if dn.Locality != "" {
		name.Locality = []string{dn.Locality}
	}
	return name
}

// certificate usages inside the keyring
const (
	usageSignature      = "signature"
	usageAuthentication = "X002"
	usageEncryption     = "E002"
)

// CreateCertificates issues self-signed X.509 certificates for the three
// user keys. Required for protocol version H005 and for SWIFT 3SKey
// setups. Existing certificates are replaced.
func (k *Keyring) CreateCertificates(dn DistinguishedName, sigPassphrase string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.hasKeysLocked() {
		return ErrNoKeys
	}

	sigDER, err := k.signatureKeyDERLocked(sigPassphrase)
	if err != nil {
		return err
	}
	sigKey, err := x509.ParsePKCS1PrivateKey(sigDER)
	if err != nil {
		return fmt.Errorf("parsing signature key: %w", err)
	}
	authKey, err := x509.ParsePKCS1PrivateKey(k.data.AuthenticationKey)
	if err != nil {
		return fmt.Errorf("parsing authentication key: %w", err)
	}
	encKey, err := x509.ParsePKCS1PrivateKey(k.data.EncryptionKey)
	if err != nil {
		return fmt.Errorf("parsing encryption key: %w", err)
	}

	subject := dn.subject()
	certs := map[string]*rsa.PrivateKey{
		usageSignature:      sigKey,
		usageAuthentication: authKey,
		usageEncryption:     encKey,
	}
	if k.data.Certificates == nil {
		k.data.Certificates = make(map[string][]byte, len(certs))
	}
	for usage, key := range certs {
		der, err := selfSign(subject, key)
		if err != nil {
			return fmt.Errorf("creating %s certificate: %w", usage, err)
		}
		k.data.Certificates[usage] = der
	}
	return k.saveLocked()
}

// ImportCertificate stores an externally issued certificate (e.g. a SWIFT
// 3SKey signature certificate) for the given key usage.
func (k *Keyring) ImportCertificate(usage string, der []byte) error {
	if _, err := x509.ParseCertificate(der); err != nil {
		return fmt.Errorf("parsing certificate: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.data.Certificates == nil {
		k.data.Certificates = make(map[string][]byte, 1)
	}
	k.data.Certificates[usage] = der
	return k.saveLocked()
}

// Certificate returns the stored certificate for a key usage, or nil.
func (k *Keyring) Certificate(usage string) *x509.Certificate {
	k.mu.Lock()
	defer k.mu.Unlock()
	der, ok := k.data.Certificates[usage]
	if !ok {
		return nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil
	}
	return cert
}

// HasCertificates reports whether certificates were created or imported.
func (k *Keyring) HasCertificates() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.data.Certificates) > 0
}

func selfSign(subject pkix.Name, key *rsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}
