// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity provides peer identities, their keypairs, and the
// in-memory identity store backing public key lookups.
package identity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"regexp"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	// FingerprintSize is the size of a peer fingerprint in bytes.
	FingerprintSize = 32

	// MaxProfileNameLength is the maximum profile name length in characters.
	MaxProfileNameLength = 64
)

var (
	// SignScheme is the signature scheme used for identity and permission
	// keys.
	SignScheme sign.Scheme = eddsa.Scheme()

	// NIKEScheme is the key exchange scheme used for encryption keys.
	NIKEScheme nike.Scheme = ecdh.Scheme(rand.Reader)

	// ErrUnknownPeer is the error returned when a fingerprint lookup fails.
	ErrUnknownPeer = errors.New("identity: unknown peer")

	// ErrUnknownScope is the error returned when a peer holds no permission
	// key for the requested scope.
	ErrUnknownScope = errors.New("identity: no permission key for scope")

	// ErrFingerprintMismatch is the error returned when an identity's
	// carried fingerprint does not belong to its key material.
	ErrFingerprintMismatch = errors.New("identity: fingerprint does not match key material")

	// ErrBadRotation is the error returned when a rotated identity is not
	// endorsed by the superseded identity key.
	ErrBadRotation = errors.New("identity: rotation not endorsed by the superseded key")

	validProfileName = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
)

// Role is a peer's role in the network.
type Role uint8

const (
	// RoleClient is an end-user peer.
	RoleClient Role = iota

	// RoleServer is a mediating server peer.
	RoleServer
)

// String returns the string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Fingerprint is the stable identifier derived from a peer's public key
// material at registration.
type Fingerprint [FingerprintSize]byte

// String returns the hexadecimal representation of the fingerprint.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:])
}

// FingerprintFromBytes deserializes b into a Fingerprint.
func FingerprintFromBytes(b []byte) (Fingerprint, error) {
	var f Fingerprint
	if len(b) != FingerprintSize {
		return f, fmt.Errorf("identity: invalid fingerprint length: %d", len(b))
	}
	copy(f[:], b)
	return f, nil
}

// ValidateProfileName checks a profile name against the allowed length and
// character set.
func ValidateProfileName(name string) error {
	if len(name) == 0 || len(name) > MaxProfileNameLength {
		return fmt.Errorf("identity: profile name length %d out of range [1, %d]", len(name), MaxProfileNameLength)
	}
	if !validProfileName.MatchString(name) {
		return fmt.Errorf("identity: profile name may contain only Aa-Zz, 0-9, - and _: '%v'", name)
	}
	return nil
}

// ScopeGrant is a permission key's public half together with the identity
// key signature that issued it.
type ScopeGrant struct {
	// Key is the scoped signing public key.
	Key sign.PublicKey

	// Grant is the issuing identity key's signature over the scope and Key.
	Grant []byte
}

// PublicIdentity is the public half of a peer identity: everything another
// peer needs to verify signatures from, and encrypt to, its owner.
type PublicIdentity struct {
	// Name is the peer's profile name.
	Name string

	// DisplayName is an optional human readable name.
	DisplayName string

	// Pronouns is the optional pronoun string advertised by the peer.
	Pronouns string

	// Role is the peer's role.
	Role Role

	// SigningKey is the peer's identity signing public key.
	SigningKey sign.PublicKey

	// EncryptionKey is the peer's encryption public key.
	EncryptionKey nike.PublicKey

	// KeyEpoch counts key rotations, starting at 0 for the registration
	// keys.
	KeyEpoch uint64

	// Scopes maps permission scope names to the scoped signing keys the
	// peer holds, each endorsed by the identity key.
	Scopes map[string]*ScopeGrant

	// fingerprint is the stable peer identifier.  Rotation replaces the
	// keys above without altering it, so updates to an existing directory
	// entry carry it on the wire rather than re-deriving it.
	fingerprint Fingerprint

	// rotationSig is the superseded identity key's signature over the
	// current key material.  Empty at KeyEpoch 0.
	rotationSig []byte
}

func deriveFingerprint(signingKey sign.PublicKey, encryptionKey nike.PublicKey) (Fingerprint, error) {
	sk, err := signingKey.MarshalBinary()
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint(hash.Sum256(append(sk, encryptionKey.Bytes()...))), nil
}

// rotationMessage is the byte string a superseded identity key signs to
// endorse its replacement key material.
func rotationMessage(fp Fingerprint, keyEpoch uint64, signingKey sign.PublicKey, encryptionKey nike.PublicKey) ([]byte, error) {
	sk, err := signingKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len("rotation")+FingerprintSize+8+len(sk)+len(encryptionKey.Bytes()))
	msg = append(msg, "rotation"...)
	msg = append(msg, fp[:]...)
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], keyEpoch)
	msg = append(msg, epoch[:]...)
	msg = append(msg, sk...)
	msg = append(msg, encryptionKey.Bytes()...)
	return msg, nil
}

// Fingerprint returns the peer's stable fingerprint.  At first issuance it
// is derived from the registration public key material; rotated identities
// retain it unchanged.
func (p *PublicIdentity) Fingerprint() Fingerprint {
	var zero Fingerprint
	if p.fingerprint != zero {
		return p.fingerprint
	}
	fp, err := deriveFingerprint(p.SigningKey, p.EncryptionKey)
	if err != nil {
		panic(err)
	}
	return fp
}

// Validate checks the identity's internal consistency: registration key
// material must hash to the carried fingerprint, a rotated identity must
// carry its superseded key's endorsement, and every scope must be granted
// by the identity key.  Anything populating a directory from the wire
// validates first.
func (p *PublicIdentity) Validate() error {
	if p.KeyEpoch == 0 {
		derived, err := deriveFingerprint(p.SigningKey, p.EncryptionKey)
		if err != nil {
			return err
		}
		var zero Fingerprint
		if p.fingerprint != zero && p.fingerprint != derived {
			return ErrFingerprintMismatch
		}
	} else if len(p.rotationSig) == 0 {
		return ErrBadRotation
	}
	for scope, g := range p.Scopes {
		raw, err := g.Key.MarshalBinary()
		if err != nil {
			return err
		}
		if !SignScheme.Verify(p.SigningKey, append([]byte(scope), raw...), g.Grant, nil) {
			return fmt.Errorf("identity: scope '%v' not granted by the identity key", scope)
		}
	}
	return nil
}

func (p *PublicIdentity) sameKeys(o *PublicIdentity) bool {
	a, err := p.SigningKey.MarshalBinary()
	if err != nil {
		return false
	}
	b, err := o.SigningKey.MarshalBinary()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b) && bytes.Equal(p.EncryptionKey.Bytes(), o.EncryptionKey.Bytes())
}

// VerifyUpdateOf checks that p is an acceptable directory update over the
// previously cached prev: either a re-announcement of the same key epoch,
// or a rotation whose new key material is endorsed by prev's identity
// signing key.  Updates must be observed one epoch at a time; an update
// skipping epochs carries an endorsement by a key the directory never saw
// and is rejected.
func (p *PublicIdentity) VerifyUpdateOf(prev *PublicIdentity) error {
	if p.Fingerprint() != prev.Fingerprint() {
		return ErrFingerprintMismatch
	}
	switch {
	case p.KeyEpoch < prev.KeyEpoch:
		return fmt.Errorf("identity: stale key epoch %d, have %d", p.KeyEpoch, prev.KeyEpoch)
	case p.KeyEpoch == prev.KeyEpoch:
		if !p.sameKeys(prev) {
			return ErrBadRotation
		}
		return nil
	}
	msg, err := rotationMessage(prev.Fingerprint(), p.KeyEpoch, p.SigningKey, p.EncryptionKey)
	if err != nil {
		return err
	}
	if !SignScheme.Verify(prev.SigningKey, msg, p.rotationSig, nil) {
		return ErrBadRotation
	}
	return nil
}

// Discriminant returns the short checksum of the registration key material
// that disambiguates equal profile names.
func (p *PublicIdentity) Discriminant() string {
	fp := p.Fingerprint()
	return fmt.Sprintf("%04X", crc32.ChecksumIEEE(fp[:])&0xffff)
}

// ProfileID returns the displayable "name#discriminant" identifier.
func (p *PublicIdentity) ProfileID() string {
	return p.Name + "#" + p.Discriminant()
}

type scopeGrantWire struct {
	Key   []byte `cbor:"key"`
	Grant []byte `cbor:"grant"`
}

type publicIdentityWire struct {
	Name          string                     `cbor:"name"`
	DisplayName   string                     `cbor:"display_name,omitempty"`
	Pronouns      string                     `cbor:"pronouns,omitempty"`
	Role          uint8                      `cbor:"role"`
	SigningKey    []byte                     `cbor:"signing_key"`
	EncryptionKey []byte                     `cbor:"encryption_key"`
	KeyEpoch      uint64                     `cbor:"key_epoch,omitempty"`
	Scopes        map[string]*scopeGrantWire `cbor:"scopes,omitempty"`
	Fingerprint   []byte                     `cbor:"fingerprint"`
	RotationSig   []byte                     `cbor:"rotation_sig,omitempty"`
}

// MarshalBinary serializes the PublicIdentity.
func (p *PublicIdentity) MarshalBinary() ([]byte, error) {
	sk, err := p.SigningKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	fp := p.Fingerprint()
	w := &publicIdentityWire{
		Name:          p.Name,
		DisplayName:   p.DisplayName,
		Pronouns:      p.Pronouns,
		Role:          uint8(p.Role),
		SigningKey:    sk,
		EncryptionKey: p.EncryptionKey.Bytes(),
		KeyEpoch:      p.KeyEpoch,
		Fingerprint:   fp[:],
		RotationSig:   p.rotationSig,
	}
	if len(p.Scopes) != 0 {
		w.Scopes = make(map[string]*scopeGrantWire)
		for scope, g := range p.Scopes {
			raw, err := g.Key.MarshalBinary()
			if err != nil {
				return nil, err
			}
			w.Scopes[scope] = &scopeGrantWire{Key: raw, Grant: g.Grant}
		}
	}
	return cbor.Marshal(w)
}

// UnmarshalBinary deserializes and validates the PublicIdentity.  An
// identity whose fingerprint, rotation endorsement, or scope grants do not
// check out against its own key material never deserializes.
func (p *PublicIdentity) UnmarshalBinary(b []byte) error {
	w := new(publicIdentityWire)
	if err := cbor.Unmarshal(b, w); err != nil {
		return fmt.Errorf("identity: malformed public identity: %v", err)
	}
	signingKey, err := SignScheme.UnmarshalBinaryPublicKey(w.SigningKey)
	if err != nil {
		return fmt.Errorf("identity: malformed signing key: %v", err)
	}
	encryptionKey, err := NIKEScheme.UnmarshalBinaryPublicKey(w.EncryptionKey)
	if err != nil {
		return fmt.Errorf("identity: malformed encryption key: %v", err)
	}
	var scopes map[string]*ScopeGrant
	if len(w.Scopes) != 0 {
		scopes = make(map[string]*ScopeGrant)
		for scope, g := range w.Scopes {
			k, err := SignScheme.UnmarshalBinaryPublicKey(g.Key)
			if err != nil {
				return fmt.Errorf("identity: malformed permission key for scope '%v': %v", scope, err)
			}
			scopes[scope] = &ScopeGrant{Key: k, Grant: g.Grant}
		}
	}
	fp, err := FingerprintFromBytes(w.Fingerprint)
	if err != nil {
		return fmt.Errorf("identity: malformed fingerprint")
	}
	p.Name = w.Name
	p.DisplayName = w.DisplayName
	p.Pronouns = w.Pronouns
	p.Role = Role(w.Role)
	p.SigningKey = signingKey
	p.EncryptionKey = encryptionKey
	p.KeyEpoch = w.KeyEpoch
	p.Scopes = scopes
	p.fingerprint = fp
	p.rotationSig = w.RotationSig
	return p.Validate()
}
