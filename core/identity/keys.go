// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
)

// Keypair bundles a peer's signing and encryption keypairs.  The private
// halves never leave the owning process.
type Keypair struct {
	signingPublic  sign.PublicKey
	signingPrivate sign.PrivateKey

	encryptionPublic  nike.PublicKey
	encryptionPrivate nike.PrivateKey

	// CreationEpoch counts rotations, starting at 0 for the registration
	// keypair.
	CreationEpoch uint64
}

// NewKeypair generates a fresh signing and encryption keypair.
func NewKeypair(creationEpoch uint64) (*Keypair, error) {
	signingPublic, signingPrivate, err := SignScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	encryptionPublic, encryptionPrivate, err := NIKEScheme.GenerateKeyPairFromEntropy(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		signingPublic:     signingPublic,
		signingPrivate:    signingPrivate,
		encryptionPublic:  encryptionPublic,
		encryptionPrivate: encryptionPrivate,
		CreationEpoch:     creationEpoch,
	}, nil
}

// LoadKeypair reassembles a keypair from persisted key material.  The
// encryption public key is derived from the private half.
func LoadKeypair(signingPublic sign.PublicKey, signingPrivate sign.PrivateKey, encryptionPrivate nike.PrivateKey, creationEpoch uint64) *Keypair {
	return &Keypair{
		signingPublic:     signingPublic,
		signingPrivate:    signingPrivate,
		encryptionPublic:  NIKEScheme.DerivePublicKey(encryptionPrivate),
		encryptionPrivate: encryptionPrivate,
		CreationEpoch:     creationEpoch,
	}
}

// SigningPublic returns the signing public key.
func (k *Keypair) SigningPublic() sign.PublicKey { return k.signingPublic }

// SigningPrivate returns the signing private key, for persistence across
// restarts.
func (k *Keypair) SigningPrivate() sign.PrivateKey { return k.signingPrivate }

// EncryptionPublic returns the encryption public key.
func (k *Keypair) EncryptionPublic() nike.PublicKey { return k.encryptionPublic }

// EncryptionPrivate returns the encryption private key, for use by the
// envelope codec when unsealing inbound base layers.
func (k *Keypair) EncryptionPrivate() nike.PrivateKey { return k.encryptionPrivate }

// SignMessage signs message with the keypair's signing key.
func (k *Keypair) SignMessage(message []byte) []byte {
	return SignScheme.Sign(k.signingPrivate, message, nil)
}

// PermissionKey is a signing keypair scoped to authorize one class of
// operation, distinct from the peer's identity key.  The grant is the
// identity key's signature over the scope and the scoped public key,
// binding the permission key to the identity that issued it.
type PermissionKey struct {
	scope   string
	public  sign.PublicKey
	private sign.PrivateKey
	grant   []byte
}

// NewPermissionKey issues a permission key for scope under issuer, the
// peer's current identity keypair.
func NewPermissionKey(scope string, issuer *Keypair) (*PermissionKey, error) {
	public, private, err := SignScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	raw, err := public.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &PermissionKey{
		scope:   scope,
		public:  public,
		private: private,
		grant:   issuer.SignMessage(append([]byte(scope), raw...)),
	}, nil
}

// Scope returns the scope this key authorizes.
func (k *PermissionKey) Scope() string { return k.scope }

// Public returns the scoped signing public key.
func (k *PermissionKey) Public() sign.PublicKey { return k.public }

// Grant returns the issuing identity key's signature over the scope and
// scoped public key.
func (k *PermissionKey) Grant() []byte { return k.grant }

// SignMessage signs message with the scoped signing key.
func (k *PermissionKey) SignMessage(message []byte) []byte {
	return SignScheme.Sign(k.private, message, nil)
}

// reissue replaces the grant with one made by issuer, for re-endorsing the
// key after an identity key rotation.
func (k *PermissionKey) reissue(issuer *Keypair) error {
	raw, err := k.public.MarshalBinary()
	if err != nil {
		return err
	}
	k.grant = issuer.SignMessage(append([]byte(k.scope), raw...))
	return nil
}

// ScopedVerifier is the single verification contract implemented by every
// key type that can sign for a scope.  The identity key verifies for the
// empty scope; a permission key verifies for its declared scope.
type ScopedVerifier interface {
	// Scope returns the scope the verifier vouches for.
	Scope() string

	// Verify checks signature over message.
	Verify(message, signature []byte) bool
}

type keyVerifier struct {
	scope string
	keys  []sign.PublicKey
}

func (v *keyVerifier) Scope() string { return v.scope }

func (v *keyVerifier) Verify(message, signature []byte) bool {
	for _, k := range v.keys {
		if SignScheme.Verify(k, message, signature, nil) {
			return true
		}
	}
	return false
}

// NewVerifier builds a ScopedVerifier accepting signatures from any of the
// given public keys.  Multiple keys cover the rotation grace window.
func NewVerifier(scope string, keys ...sign.PublicKey) ScopedVerifier {
	return &keyVerifier{scope: scope, keys: keys}
}
