// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Order data on the wire is zlib-compressed, optionally encrypted with a
// per-transaction AES key wrapped for the receiver's E002 key, and
// base64-encoded.

// encryptionInfo describes the transaction key of a protected transfer.
type encryptionInfo struct {
	// pubKeyDigest identifies the E002 key the transaction key was
	// wrapped for (base64 SHA-256 of the public key).
	pubKeyDigest string
	// encryptedKey is the RSA-wrapped AES transaction key, base64.
	encryptedKey string

	key []byte
}

func compress(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("order data is not zlib compressed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing order data: %w", err)
	}
	return out, nil
}

// newTransactionKey generates an AES-128 transaction key wrapped with the
// receiver's public encryption key.
func newTransactionKey(receiver *rsa.PublicKey) (*encryptionInfo, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating transaction key: %w", err)
	}
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, receiver, key)
	if err != nil {
		return nil, fmt.Errorf("wrapping transaction key: %w", err)
	}
	return &encryptionInfo{
		pubKeyDigest: keyDigest(receiver),
		encryptedKey: base64.StdEncoding.EncodeToString(wrapped),
		key:          key,
	}, nil
}

// unwrapTransactionKey recovers the AES transaction key with the user's
// private E002 key.
func unwrapTransactionKey(encryptedKey string, priv *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("transaction key is not valid base64: %w", err)
	}
	key, err := rsa.DecryptPKCS1v15(rand.Reader, priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping transaction key: %w", err)
	}
	return key, nil
}

// encryptOrderData applies AES-128-CBC with a zero IV and PKCS#7 padding,
// the E002 transport scheme.
func encryptOrderData(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	iv := make([]byte, block.BlockSize())
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptOrderData(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("encrypted order data has invalid length %d", len(data))
	}
	out := make([]byte, len(data))
	iv := make([]byte, block.BlockSize())
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out, block.BlockSize())
}

// sealOrderData compresses and, when receiver is non-nil, encrypts the
// payload. Returns the base64 segment text and the encryption info to
// attach to the transaction init.
func sealOrderData(data []byte, receiver *rsa.PublicKey) (string, *encryptionInfo, error) {
	packed := compress(data)
	if receiver == nil {
		return base64.StdEncoding.EncodeToString(packed), nil, nil
	}
	info, err := newTransactionKey(receiver)
	if err != nil {
		return "", nil, err
	}
	sealed, err := encryptOrderData(packed, info.key)
	if err != nil {
		return "", nil, err
	}
	return base64.StdEncoding.EncodeToString(sealed), info, nil
}

// openOrderData reverses sealOrderData. key is nil for unencrypted order
// data.
func openOrderData(encoded string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("order data is not valid base64: %w", err)
	}
	if key != nil {
		raw, err = decryptOrderData(raw, key)
		if err != nil {
			return nil, err
		}
	}
	return decompress(raw)
}

func keyDigest(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return base64.StdEncoding.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded data")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
