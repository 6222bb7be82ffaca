// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/sign"
)

// DefaultRotationGrace is the window within which signatures made with a
// superseded keypair still verify.
const DefaultRotationGrace = 15 * time.Minute

// Directory is a read-only view of registered peers, served by the Store
// on clients and by the server's peer database.
type Directory interface {
	// PublicKeysOf returns the current public identity for a fingerprint,
	// or ErrUnknownPeer.
	PublicKeysOf(Fingerprint) (*PublicIdentity, error)

	// VerifierForScope returns a verifier for signatures made by the peer
	// for the given scope.  The empty scope selects the identity signing
	// key; any other scope selects the matching permission key, or fails
	// with ErrUnknownScope.
	VerifierForScope(Fingerprint, string) (ScopedVerifier, error)
}

// PeerIdentity is the private side of a registered peer: its metadata, its
// current and superseded keypairs, and its permission keys.
type PeerIdentity struct {
	mu sync.Mutex

	name        string
	displayName string
	pronouns    string
	role        Role
	fingerprint Fingerprint

	current        *Keypair
	previous       *Keypair
	previousExpiry time.Time
	rotationSig    []byte

	permission map[string]*PermissionKey
}

// Name returns the peer's profile name.
func (p *PeerIdentity) Name() string { return p.name }

// Role returns the peer's role.
func (p *PeerIdentity) Role() Role { return p.role }

// Fingerprint returns the peer's stable fingerprint.  Key rotation does not
// alter it; it is fixed by the registration key material.
func (p *PeerIdentity) Fingerprint() Fingerprint { return p.fingerprint }

// Keys returns the peer's current keypair.
func (p *PeerIdentity) Keys() *Keypair {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// SignMessage signs message with the peer's current identity signing key.
func (p *PeerIdentity) SignMessage(message []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.SignMessage(message)
}

// DecryptionKeys returns the encryption private keys the peer may unseal
// base layers with: the current keypair's, plus the superseded one while
// the rotation grace window holds.
func (p *PeerIdentity) DecryptionKeys() []nike.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := []nike.PrivateKey{p.current.EncryptionPrivate()}
	if p.previous != nil && time.Now().Before(p.previousExpiry) {
		keys = append(keys, p.previous.EncryptionPrivate())
	}
	return keys
}

// PermissionKeyFor returns the peer's permission key for scope, or
// ErrUnknownScope.
func (p *PeerIdentity) PermissionKeyFor(scope string) (*PermissionKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.permission[scope]
	if !ok {
		return nil, ErrUnknownScope
	}
	return k, nil
}

// Public returns a snapshot of the peer's public identity.
func (p *PeerIdentity) Public() *PublicIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publicLocked()
}

func (p *PeerIdentity) publicLocked() *PublicIdentity {
	pub := &PublicIdentity{
		Name:          p.name,
		DisplayName:   p.displayName,
		Pronouns:      p.pronouns,
		Role:          p.role,
		SigningKey:    p.current.SigningPublic(),
		EncryptionKey: p.current.EncryptionPublic(),
		KeyEpoch:      p.current.CreationEpoch,
		fingerprint:   p.fingerprint,
		rotationSig:   append([]byte(nil), p.rotationSig...),
	}
	if len(p.permission) != 0 {
		pub.Scopes = make(map[string]*ScopeGrant)
		for scope, k := range p.permission {
			pub.Scopes[scope] = &ScopeGrant{Key: k.Public(), Grant: k.Grant()}
		}
	}
	return pub
}

// NewPeerIdentity builds a peer identity around an existing keypair, for
// restoring an identity persisted across restarts.
func NewPeerIdentity(name string, role Role, kp *Keypair) (*PeerIdentity, error) {
	if err := ValidateProfileName(name); err != nil {
		return nil, err
	}
	p := &PeerIdentity{
		name:       name,
		role:       role,
		current:    kp,
		permission: make(map[string]*PermissionKey),
	}
	p.fingerprint = p.publicLocked().Fingerprint()
	return p, nil
}

// Store is the in-memory identity and keypair store.
type Store struct {
	sync.RWMutex

	peers   map[Fingerprint]*PeerIdentity
	remotes map[Fingerprint]*PublicIdentity
	grace   time.Duration
}

// NewStore creates an empty Store with the given rotation grace window.  A
// non-positive grace falls back to DefaultRotationGrace.
func NewStore(grace time.Duration) *Store {
	if grace <= 0 {
		grace = DefaultRotationGrace
	}
	return &Store{
		peers:   make(map[Fingerprint]*PeerIdentity),
		remotes: make(map[Fingerprint]*PublicIdentity),
		grace:   grace,
	}
}

// Register creates and stores a signing and encryption keypair for a new
// peer and returns its identity.
func (s *Store) Register(name string, role Role) (*PeerIdentity, error) {
	if err := ValidateProfileName(name); err != nil {
		return nil, err
	}
	kp, err := NewKeypair(0)
	if err != nil {
		return nil, err
	}
	p := &PeerIdentity{
		name:       name,
		role:       role,
		current:    kp,
		permission: make(map[string]*PermissionKey),
	}
	p.fingerprint = p.publicLocked().Fingerprint()

	s.Lock()
	defer s.Unlock()
	if _, ok := s.peers[p.fingerprint]; ok {
		return nil, fmt.Errorf("identity: peer already registered: %v", p.fingerprint)
	}
	s.peers[p.fingerprint] = p
	return p, nil
}

// Add stores an externally created peer identity, for populating a
// directory from key exchange or federation.
func (s *Store) Add(p *PeerIdentity) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.peers[p.fingerprint]; ok {
		return fmt.Errorf("identity: peer already registered: %v", p.fingerprint)
	}
	s.peers[p.fingerprint] = p
	return nil
}

// AddRemote caches the public identity of a remote peer learned through
// key exchange or relay.  A first contact is taken at face value once it
// validates; superseding a cached entry additionally requires the update
// to be endorsed by the cached identity key.
func (s *Store) AddRemote(pub *PublicIdentity) error {
	if err := pub.Validate(); err != nil {
		return err
	}
	fp := pub.Fingerprint()

	s.Lock()
	defer s.Unlock()
	if prev, ok := s.remotes[fp]; ok {
		if err := pub.VerifyUpdateOf(prev); err != nil {
			return err
		}
	}
	s.remotes[fp] = pub
	return nil
}

func (s *Store) get(fp Fingerprint) (*PeerIdentity, error) {
	s.RLock()
	defer s.RUnlock()
	p, ok := s.peers[fp]
	if !ok {
		return nil, ErrUnknownPeer
	}
	return p, nil
}

// Get returns the full peer identity for a fingerprint, or ErrUnknownPeer.
func (s *Store) Get(fp Fingerprint) (*PeerIdentity, error) {
	return s.get(fp)
}

// PublicKeysOf returns the current public keys for a fingerprint, or
// ErrUnknownPeer.
func (s *Store) PublicKeysOf(fp Fingerprint) (*PublicIdentity, error) {
	p, err := s.get(fp)
	if err == nil {
		return p.Public(), nil
	}

	s.RLock()
	defer s.RUnlock()
	if pub, ok := s.remotes[fp]; ok {
		return pub, nil
	}
	return nil, ErrUnknownPeer
}

// Rotate issues a new keypair for the peer.  The superseded keypair is
// retained until the grace window elapses so in-flight signatures still
// verify.  Rotations for the same peer are serialized.
func (s *Store) Rotate(fp Fingerprint) error {
	p, err := s.get(fp)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kp, err := NewKeypair(p.current.CreationEpoch + 1)
	if err != nil {
		return err
	}

	// The outgoing key endorses its replacement, so directories holding
	// the old entry can accept the update without re-establishing trust.
	msg, err := rotationMessage(p.fingerprint, kp.CreationEpoch, kp.SigningPublic(), kp.EncryptionPublic())
	if err != nil {
		return err
	}
	p.rotationSig = p.current.SignMessage(msg)

	p.previous = p.current
	p.previousExpiry = time.Now().Add(s.grace)
	p.current = kp

	// Held permission keys are re-endorsed under the new identity key.
	for _, k := range p.permission {
		if err = k.reissue(kp); err != nil {
			return err
		}
	}
	return nil
}

// GrantScope issues and registers a permission key for the peer, signed by
// the peer's current identity key.
func (s *Store) GrantScope(fp Fingerprint, scope string) (*PermissionKey, error) {
	if scope == "" {
		return nil, fmt.Errorf("identity: empty permission scope")
	}
	p, err := s.get(fp)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := NewPermissionKey(scope, p.current)
	if err != nil {
		return nil, err
	}
	p.permission[scope] = k
	return k, nil
}

// VerifierForScope implements Directory.
func (s *Store) VerifierForScope(fp Fingerprint, scope string) (ScopedVerifier, error) {
	p, err := s.get(fp)
	if err != nil {
		s.RLock()
		pub, ok := s.remotes[fp]
		s.RUnlock()
		if !ok {
			return nil, ErrUnknownPeer
		}
		if scope != "" {
			g, found := pub.Scopes[scope]
			if !found {
				return nil, ErrUnknownScope
			}
			return NewVerifier(scope, g.Key), nil
		}
		return NewVerifier("", pub.SigningKey), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if scope != "" {
		k, ok := p.permission[scope]
		if !ok {
			return nil, ErrUnknownScope
		}
		return NewVerifier(scope, k.Public()), nil
	}

	keys := []sign.PublicKey{p.current.SigningPublic()}
	if p.previous != nil && time.Now().Before(p.previousExpiry) {
		keys = append(keys, p.previous.SigningPublic())
	}
	return NewVerifier("", keys...), nil
}
