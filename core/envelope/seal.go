// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"

	"github.com/resolution-comms/protocol/core/identity"
)

const (
	// SymmetricKeySize is the size of an AES-256-GCM key in bytes.
	SymmetricKeySize = 32

	gcmNonceSize = 12

	sealInfo = "resolution-envelope-seal-v1"
)

func aeadFromSecret(secret []byte) (cipher.AEAD, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, err
	}
	return aeadFromKey(key)
}

func aeadFromKey(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrConfidentiality
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext to the holder of the private half of to, using an
// ephemeral X25519 exchange, HKDF-SHA256, and AES-256-GCM.  The output is
// ephemeralPublic || nonce || ciphertext.
func Seal(to nike.PublicKey, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := identity.NIKEScheme.GenerateKeyPairFromEntropy(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer ephPriv.Reset()

	aead, err := aeadFromSecret(identity.NIKEScheme.DeriveSecret(ephPriv, to))
	if err != nil {
		return nil, err
	}

	ephBytes := ephPub.Bytes()
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(ephBytes)+gcmNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, ephBytes...)
	out = append(out, nonce...)
	// The ephemeral public key is bound as additional data so it cannot be
	// swapped without detection.
	return aead.Seal(out, nonce, plaintext, ephBytes), nil
}

// Unseal reverses Seal with the recipient's private key.  Every failure is
// reported as ErrConfidentiality.
func Unseal(priv nike.PrivateKey, blob []byte) ([]byte, error) {
	ephSize := identity.NIKEScheme.PublicKeySize()
	if len(blob) < ephSize+gcmNonceSize {
		return nil, ErrConfidentiality
	}
	ephPub, err := identity.NIKEScheme.UnmarshalBinaryPublicKey(blob[:ephSize])
	if err != nil {
		return nil, ErrConfidentiality
	}

	aead, err := aeadFromSecret(identity.NIKEScheme.DeriveSecret(priv, ephPub))
	if err != nil {
		return nil, ErrConfidentiality
	}

	nonce := blob[ephSize : ephSize+gcmNonceSize]
	plaintext, err := aead.Open(nil, nonce, blob[ephSize+gcmNonceSize:], blob[:ephSize])
	if err != nil {
		return nil, ErrConfidentiality
	}
	return plaintext, nil
}

// SealSymmetric encrypts plaintext under a shared symmetric key, producing
// nonce || ciphertext.
func SealSymmetric(key, plaintext []byte) ([]byte, error) {
	aead, err := aeadFromKey(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, gcmNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// OpenSymmetric reverses SealSymmetric.  Every failure is reported as
// ErrConfidentiality.
func OpenSymmetric(key, blob []byte) ([]byte, error) {
	aead, err := aeadFromKey(key)
	if err != nil {
		return nil, ErrConfidentiality
	}
	if len(blob) < gcmNonceSize {
		return nil, ErrConfidentiality
	}
	plaintext, err := aead.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], nil)
	if err != nil {
		return nil, ErrConfidentiality
	}
	return plaintext, nil
}
