// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package keyring manages the EBICS key material of one subscriber.
//
// A keyring file holds the subscriber's RSA key triple (electronic
// signature, authentication, encryption), optional self-signed X.509
// certificates, and the public keys of the bank. The file is encrypted at
// rest with a key derived from the operator's passphrase; the signing key
// can additionally be protected by an independent signature passphrase
// which is never persisted anywhere else.
//
// The keyring path is derived deterministically from (keysRoot, userID)
// via [Path] so operators can locate and back up key material per
// subscriber.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Common errors
var (
	ErrPassphraseMismatch = errors.New("passphrase does not unlock the keyring")
	ErrPassphraseTooShort = errors.New("passphrase must be at least 8 characters long")
	ErrKeyGeneration      = errors.New("key generation failed")
	ErrKeysExist          = errors.New("keyring already contains user keys")
	ErrNoKeys             = errors.New("keyring contains no user keys")
	ErrNoBankKeys         = errors.New("keyring contains no bank keys")
	ErrSigPassphrase      = errors.New("signature passphrase does not unlock the signing key")
	ErrLocked             = errors.New("keyring file is locked by another operation")
)

// MinPassphraseLen is the minimum accepted passphrase length.
const MinPassphraseLen = 8

// MinBitLength is the smallest accepted RSA modulus size. Protocol version
// H005 raises the floor to 2048.
const MinBitLength = 1536

// Path returns the keyring file location for a subscriber.
func Path(keysRoot, userID string) string {
	return filepath.Join(keysRoot, userID+"_keys")
}

// argon2id parameters, matching the pack-wide KDF settings.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

// envelope is the on-disk representation: KDF inputs plus an AES-GCM
// sealed payload.
type envelope struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// sealedKey is an independently passphrase-protected key blob inside the
// payload (used for the signature key when a signature passphrase is set).
type sealedKey struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// payload is the decrypted keyring content.
type payload struct {
	KeyVersion string `json:"keyVersion"`
	BitLength  int    `json:"bitLength"`

	// PKCS#1 DER. SignatureKey is empty when SignatureKeySealed is set.
	SignatureKey       []byte     `json:"signatureKey,omitempty"`
	SignatureKeySealed *sealedKey `json:"signatureKeySealed,omitempty"`
	AuthenticationKey  []byte     `json:"authenticationKey"`
	EncryptionKey      []byte     `json:"encryptionKey"`

	// X.509 certificates (DER), keyed by key usage: A005/A006, X002, E002.
	Certificates map[string][]byte `json:"certificates,omitempty"`

	// Bank public keys as retrieved via HPB. Untrusted until Activated.
	BankAuthenticationKey []byte `json:"bankAuthenticationKey,omitempty"`
	BankEncryptionKey     []byte `json:"bankEncryptionKey,omitempty"`
	BankKeysDocument      []byte `json:"bankKeysDocument,omitempty"`
	BankKeysActivated     bool   `json:"bankKeysActivated"`
}

// Keyring is the unlocked key store of one subscriber. It is safe for
// concurrent use; mutating operations additionally take an advisory file
// lock so concurrent processes cannot corrupt the file.
type Keyring struct {
	path       string
	passphrase string

	mu   sync.Mutex
	data payload
}

// Open unlocks the keyring at path. A missing file yields an empty
// keyring; [Keyring.HasKeys] reports whether user keys exist yet. A wrong
// passphrase on an existing file yields ErrPassphraseMismatch.
func Open(path, passphrase string) (*Keyring, error) {
	if len(passphrase) < MinPassphraseLen {
		return nil, ErrPassphraseTooShort
	}
	k := &Keyring{path: path, passphrase: passphrase}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return k, nil
		}
		return nil, fmt.Errorf("reading keyring file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing keyring file: %w", err)
	}
	plain, err := unseal(env.Salt, env.Nonce, env.Ciphertext, passphrase)
	if err != nil {
		return nil, ErrPassphraseMismatch
	}
	if err := json.Unmarshal(plain, &k.data); err != nil {
		return nil, fmt.Errorf("decoding keyring payload: %w", err)
	}
	return k, nil
}

// HasKeys reports whether the keyring already holds a user key triple.
func (k *Keyring) HasKeys() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hasKeysLocked()
}

func (k *Keyring) hasKeysLocked() bool {
	return len(k.data.AuthenticationKey) > 0
}

// Create generates a fresh signature/authentication/encryption key triple
// and persists the keyring. Existing key material is never overwritten:
// Create fails with ErrKeysExist so that re-running an initialization step
// reuses the keys already on disk.
func (k *Keyring) Create(keyVersion string, bitLength int) error {
	if bitLength < MinBitLength {
		return fmt.Errorf("%w: bit length %d below minimum %d", ErrKeyGeneration, bitLength, MinBitLength)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.hasKeysLocked() {
		return ErrKeysExist
	}

	keys := make([][]byte, 3)
	for i := range keys {
		priv, err := rsa.GenerateKey(rand.Reader, bitLength)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		keys[i] = x509.MarshalPKCS1PrivateKey(priv)
	}
	// Keep an imported 3SKey signature key if one is already present.
	if k.data.SignatureKey == nil && k.data.SignatureKeySealed == nil {
		k.data.SignatureKey = keys[0]
	}
	k.data.AuthenticationKey = keys[1]
	k.data.EncryptionKey = keys[2]
	k.data.KeyVersion = keyVersion
	k.data.BitLength = bitLength
	return k.saveLocked()
}

// ChangePassphrase re-encrypts the keyring in place under newPass.
// oldPass must match the passphrase the keyring was opened with.
func (k *Keyring) ChangePassphrase(oldPass, newPass string) error {
	if len(newPass) < MinPassphraseLen {
		return ErrPassphraseTooShort
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if oldPass != k.passphrase {
		return ErrPassphraseMismatch
	}
	k.passphrase = newPass
	return k.saveLocked()
}

// SetSigPassphrase moves the signing key under an independent signature
// passphrase. oldSig must be empty when the key was not separately
// protected before. The signature passphrase itself is never written to
// disk; it is required on every signing operation afterwards.
func (k *Keyring) SetSigPassphrase(oldSig, newSig string) error {
	if len(newSig) < MinPassphraseLen {
		return ErrPassphraseTooShort
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	der, err := k.signatureKeyDERLocked(oldSig)
	if err != nil {
		return err
	}
	sealed, err := sealNew(der, newSig)
	if err != nil {
		return err
	}
	k.data.SignatureKey = nil
	k.data.SignatureKeySealed = sealed
	return k.saveLocked()
}

// SignatureKey returns the electronic signature private key. sigPassphrase
// is required only when a signature passphrase has been set.
func (k *Keyring) SignatureKey(sigPassphrase string) (*rsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	der, err := k.signatureKeyDERLocked(sigPassphrase)
	if err != nil {
		return nil, err
	}
	return x509.ParsePKCS1PrivateKey(der)
}

func (k *Keyring) signatureKeyDERLocked(sigPassphrase string) ([]byte, error) {
	if k.data.SignatureKeySealed != nil {
		s := k.data.SignatureKeySealed
		der, err := unseal(s.Salt, s.Nonce, s.Ciphertext, sigPassphrase)
		if err != nil {
			return nil, ErrSigPassphrase
		}
		return der, nil
	}
	if len(k.data.SignatureKey) == 0 {
		return nil, ErrNoKeys
	}
	return k.data.SignatureKey, nil
}

// AuthenticationKey returns the X002 authentication private key.
func (k *Keyring) AuthenticationKey() (*rsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.hasKeysLocked() {
		return nil, ErrNoKeys
	}
	return x509.ParsePKCS1PrivateKey(k.data.AuthenticationKey)
}

// EncryptionKey returns the E002 encryption private key.
func (k *Keyring) EncryptionKey() (*rsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.hasKeysLocked() {
		return nil, ErrNoKeys
	}
	return x509.ParsePKCS1PrivateKey(k.data.EncryptionKey)
}

// KeyVersion returns the signature scheme the keys were created for.
func (k *Keyring) KeyVersion() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data.KeyVersion
}

// ImportSignatureKey stores an externally supplied signing key (SWIFT
// 3SKey tokens deliver the signature key as a PKCS#1 DER blob).
func (k *Keyring) ImportSignatureKey(der []byte) error {
	if _, err := x509.ParsePKCS1PrivateKey(der); err != nil {
		return fmt.Errorf("parsing imported signature key: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data.SignatureKey = der
	k.data.SignatureKeySealed = nil
	return k.saveLocked()
}

// SetBankKeys stores the bank's public authentication and encryption keys
// together with the raw HPB document they were parsed from. The keys stay
// untrusted until [Keyring.ActivateBankKeys] is called after the operator
// has compared fingerprints through a side channel.
func (k *Keyring) SetBankKeys(auth, enc *rsa.PublicKey, document []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data.BankAuthenticationKey = x509.MarshalPKCS1PublicKey(auth)
	k.data.BankEncryptionKey = x509.MarshalPKCS1PublicKey(enc)
	k.data.BankKeysDocument = document
	k.data.BankKeysActivated = false
	return k.saveLocked()
}

// ActivateBankKeys marks the stored bank keys as trusted.
func (k *Keyring) ActivateBankKeys() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.data.BankAuthenticationKey) == 0 {
		return ErrNoBankKeys
	}
	k.data.BankKeysActivated = true
	return k.saveLocked()
}

// BankKeys returns the stored bank keys and whether they were activated.
func (k *Keyring) BankKeys() (auth, enc *rsa.PublicKey, activated bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.data.BankAuthenticationKey) == 0 {
		return nil, nil, false, ErrNoBankKeys
	}
	auth, err = x509.ParsePKCS1PublicKey(k.data.BankAuthenticationKey)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parsing bank authentication key: %w", err)
	}
	enc, err = x509.ParsePKCS1PublicKey(k.data.BankEncryptionKey)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parsing bank encryption key: %w", err)
	}
	return auth, enc, k.data.BankKeysActivated, nil
}

// BankKeysDocument returns the raw HPB order data the bank keys came from,
// kept as a verifiable artifact for the operator.
func (k *Keyring) BankKeysDocument() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data.BankKeysDocument
}

// saveLocked writes the keyring atomically. Callers hold k.mu.
func (k *Keyring) saveLocked() error {
	unlock, err := lockFile(k.path)
	if err != nil {
		return err
	}
	defer unlock()

	plain, err := json.Marshal(k.data)
	if err != nil {
		return fmt.Errorf("encoding keyring payload: %w", err)
	}
	sealed, err := sealNew(plain, k.passphrase)
	if err != nil {
		return err
	}
	env := envelope{Version: 1, Salt: sealed.Salt, Nonce: sealed.Nonce, Ciphertext: sealed.Ciphertext}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding keyring file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing keyring file: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("replacing keyring file: %w", err)
	}
	return nil
}

// lockFile takes an advisory lock next to the keyring file so concurrent
// processes serialize mutations.
func lockFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating keys directory: %w", err)
	}
	lock := path + ".lock"
	f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquiring keyring lock: %w", err)
	}
	f.Close()
	return func() { os.Remove(lock) }, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

func sealNew(plain []byte, passphrase string) (*sealedKey, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &sealedKey{Salt: salt, Nonce: nonce, Ciphertext: gcm.Seal(nil, nonce, plain, nil)}, nil
}

func unseal(salt, nonce, ciphertext []byte, passphrase string) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Fingerprint returns the SHA-256 fingerprint of an RSA public key in the
// grouped uppercase hex form printed on INI letters.
func Fingerprint(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(pub))
	hexed := hex.EncodeToString(sum[:])
	out := make([]byte, 0, len(hexed)+len(hexed)/2)
	for i := 0; i < len(hexed); i += 2 {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexed[i], hexed[i+1])
	}
	return string(bytesToUpper(out))
}

func bytesToUpper(b []byte) []byte {
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return b
}
