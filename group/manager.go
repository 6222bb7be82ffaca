// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package group owns group symmetric key epochs: creation, rotation on
// membership change, and distribution as key_share envelopes.  The manager
// is client-side state; servers never hold group key material.
package group

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"

	"github.com/resolution-comms/protocol/core/envelope"
	"github.com/resolution-comms/protocol/core/identity"
)

const (
	// GroupIDSize is the size of a group identifier in bytes.
	GroupIDSize = envelope.TargetIDSize

	// DefaultEpochRetention is how many superseded epoch keys are retained
	// for decrypting recently in-flight messages.
	DefaultEpochRetention = 3

	// DefaultModifyTimeout is the window within which a proposal must be
	// acknowledged and committed.
	DefaultModifyTimeout = 15 * time.Second
)

var (
	// ErrUnknownGroup is the error returned when the manager holds no state
	// for a group.
	ErrUnknownGroup = errors.New("group: unknown group")

	// ErrKeyExpired is the error returned when a requested epoch key is no
	// longer (or not yet) retained.
	ErrKeyExpired = errors.New("group: epoch key expired")

	// ErrNotMember is the error returned when a mutation names a peer that
	// is not in the member set.
	ErrNotMember = errors.New("group: peer is not a member")

	// ErrModifyTimeout is the error returned when a proposal's
	// acknowledgement window elapsed before Commit.  Nothing is retained;
	// the caller reissues the mutation.
	ErrModifyTimeout = errors.New("group: modify acknowledgement window elapsed")
)

// EpochConflictError is returned when a proposal's epoch no longer follows
// the group's committed epoch because a concurrent mutation won.  The
// losing mutation retries against the now-current epoch; nothing is
// partially committed.
type EpochConflictError struct {
	Group    GroupID
	Have     uint64
	Proposed uint64
}

// Error implements error.
func (e *EpochConflictError) Error() string {
	return fmt.Sprintf("group: epoch conflict on %v: have %d, proposed %d", e.Group, e.Have, e.Proposed)
}

// GroupID identifies a group.  It shares the envelope target field with
// peer fingerprints.
type GroupID [GroupIDSize]byte

// String returns the hexadecimal representation of the GroupID.
func (g GroupID) String() string {
	return fmt.Sprintf("%x", g[:])
}

// NewGroupID generates a random group identifier.
func NewGroupID() (GroupID, error) {
	var g GroupID
	_, err := io.ReadFull(rand.Reader, g[:])
	return g, err
}

// keySharePayload is the plaintext a key_share envelope delivers end to
// end: enough for the recipient to join or advance the group.
type keySharePayload struct {
	GroupID []byte   `cbor:"group"`
	Epoch   uint64   `cbor:"epoch"`
	Key     []byte   `cbor:"key"`
	Members [][]byte `cbor:"members"`
}

// Proposal is an uncommitted membership mutation: the next epoch, the
// member snapshot at issuance, and the pre-built key_share envelopes for
// every member that receives the new key.  It is committed only once the
// server acknowledges the accompanying group_modify request.
type Proposal struct {
	GroupID GroupID

	// Epoch is the strictly increasing epoch this proposal commits.
	Epoch uint64

	// Members is the member set the new key is issued to.
	Members []identity.Fingerprint

	// KeyShares are the sealed distributions, one per receiving member.
	KeyShares []*envelope.Envelope

	key      []byte
	deadline time.Time
}

type groupEntry struct {
	mu sync.Mutex

	epoch   uint64
	keys    map[uint64][]byte
	members map[identity.Fingerprint]bool
}

func (g *groupEntry) memberSnapshot() []identity.Fingerprint {
	out := make([]identity.Fingerprint, 0, len(g.members))
	for fp := range g.members {
		out = append(out, fp)
	}
	return out
}

// ManagerOption is a Manager constructor option.
type ManagerOption func(*Manager)

// WithModifyTimeout overrides the window within which a proposal must be
// acknowledged.  Servers advertise theirs in the introspection document.
func WithModifyTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.modifyTimeout = d
	}
}

// Manager owns the group key table: one independently lockable entry per
// group, so mutations on one group never block reads or writers of
// another.
type Manager struct {
	sync.RWMutex

	self          *identity.PeerIdentity
	directory     identity.Directory
	codec         *envelope.Codec
	retention     int
	modifyTimeout time.Duration

	groups map[GroupID]*groupEntry
}

// NewManager creates a Manager for the given local peer.  A non-positive
// retention falls back to DefaultEpochRetention.
func NewManager(self *identity.PeerIdentity, directory identity.Directory, codec *envelope.Codec, retention int, opts ...ManagerOption) *Manager {
	if retention <= 0 {
		retention = DefaultEpochRetention
	}
	m := &Manager{
		self:          self,
		directory:     directory,
		codec:         codec,
		retention:     retention,
		modifyTimeout: DefaultModifyTimeout,
		groups:        make(map[GroupID]*groupEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entry(id GroupID) (*groupEntry, error) {
	m.RLock()
	defer m.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return g, nil
}

func newGroupKey() ([]byte, error) {
	key := make([]byte, envelope.SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// buildShares seals the new key to every member over nextHopKey, the
// mediating server's encryption key, so the server relays but cannot read
// the distribution.  The proposer receives a share too: the server derives
// the member set from the share targets, so a missing self-share would
// read as a self-removal.
func (m *Manager) buildShares(id GroupID, epoch uint64, key []byte, members []identity.Fingerprint, nextHopKey nike.PublicKey) ([]*envelope.Envelope, error) {
	memberBytes := make([][]byte, 0, len(members))
	for _, fp := range members {
		fp := fp
		memberBytes = append(memberBytes, fp[:])
	}
	payload, err := cbor.Marshal(&keySharePayload{
		GroupID: id[:],
		Epoch:   epoch,
		Key:     key,
		Members: memberBytes,
	})
	if err != nil {
		return nil, err
	}

	shares := make([]*envelope.Envelope, 0, len(members))
	for _, fp := range members {
		pub, err := m.directory.PublicKeysOf(fp)
		if err != nil {
			return nil, err
		}
		e, err := m.codec.EncodeDirect(m.self, fp, nextHopKey, pub.EncryptionKey, payload)
		if err != nil {
			return nil, err
		}
		shares = append(shares, e)
	}
	return shares, nil
}

// CreateGroup generates the first symmetric key for a new group, commits
// epoch 0 locally, and returns the proposal carrying the key_share
// distribution for the other founding members.
func (m *Manager) CreateGroup(members []identity.Fingerprint, nextHopKey nike.PublicKey) (*Proposal, error) {
	id, err := NewGroupID()
	if err != nil {
		return nil, err
	}
	key, err := newGroupKey()
	if err != nil {
		return nil, err
	}

	memberSet := make(map[identity.Fingerprint]bool, len(members)+1)
	memberSet[m.self.Fingerprint()] = true
	for _, fp := range members {
		memberSet[fp] = true
	}
	g := &groupEntry{
		keys:    map[uint64][]byte{0: key},
		members: memberSet,
	}

	m.Lock()
	m.groups[id] = g
	m.Unlock()

	shares, err := m.buildShares(id, 0, key, g.memberSnapshot(), nextHopKey)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		GroupID:   id,
		Epoch:     0,
		Members:   g.memberSnapshot(),
		KeyShares: shares,
		key:       key,
		deadline:  time.Now().Add(m.modifyTimeout),
	}, nil
}

func (m *Manager) propose(id GroupID, mutate func(map[identity.Fingerprint]bool) error, nextHopKey nike.PublicKey) (*Proposal, error) {
	g, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	members := make(map[identity.Fingerprint]bool, len(g.members))
	for fp := range g.members {
		members[fp] = true
	}
	epoch := g.epoch + 1
	g.mu.Unlock()

	if err := mutate(members); err != nil {
		return nil, err
	}

	key, err := newGroupKey()
	if err != nil {
		return nil, err
	}
	snapshot := make([]identity.Fingerprint, 0, len(members))
	for fp := range members {
		snapshot = append(snapshot, fp)
	}
	shares, err := m.buildShares(id, epoch, key, snapshot, nextHopKey)
	if err != nil {
		return nil, err
	}
	return &Proposal{
		GroupID:   id,
		Epoch:     epoch,
		Members:   snapshot,
		KeyShares: shares,
		key:       key,
		deadline:  time.Now().Add(m.modifyTimeout),
	}, nil
}

// AddMember proposes a rotation that admits member: a new key at the next
// epoch, distributed to all members including the new one.
func (m *Manager) AddMember(id GroupID, member identity.Fingerprint, nextHopKey nike.PublicKey) (*Proposal, error) {
	return m.propose(id, func(members map[identity.Fingerprint]bool) error {
		members[member] = true
		return nil
	}, nextHopKey)
}

// RemoveMember proposes a rotation that excludes member: a new key at the
// next epoch, distributed to the remaining members only.  The removed
// member receives nothing and cannot decrypt any later epoch.
func (m *Manager) RemoveMember(id GroupID, member identity.Fingerprint, nextHopKey nike.PublicKey) (*Proposal, error) {
	return m.propose(id, func(members map[identity.Fingerprint]bool) error {
		if !members[member] {
			return ErrNotMember
		}
		delete(members, member)
		return nil
	}, nextHopKey)
}

// Commit applies an acknowledged proposal.  If a concurrent mutation has
// advanced the group past the proposal's base, Commit fails with
// EpochConflictError and retains nothing; the caller reissues the
// mutation against the now-current epoch.  A proposal whose
// acknowledgement window has elapsed likewise fails with ErrModifyTimeout
// and retains nothing.
func (m *Manager) Commit(p *Proposal) error {
	if !p.deadline.IsZero() && time.Now().After(p.deadline) {
		return ErrModifyTimeout
	}
	g, err := m.entry(p.GroupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if p.Epoch != g.epoch+1 {
		// The proposer's own key_share may have come back through the
		// server before the acknowledgement; a matching retained key means
		// this proposal already won.
		if p.Epoch == g.epoch && bytes.Equal(g.keys[p.Epoch], p.key) {
			return nil
		}
		return &EpochConflictError{Group: p.GroupID, Have: g.epoch, Proposed: p.Epoch}
	}
	g.epoch = p.Epoch
	g.keys[p.Epoch] = p.key
	g.members = make(map[identity.Fingerprint]bool, len(p.Members))
	for _, fp := range p.Members {
		g.members[fp] = true
	}
	m.pruneLocked(g)
	return nil
}

// ModifyRequest builds the group_modify envelope announcing p: the
// operation header in the clear, the body sealed under the proposal's key,
// signed with the permission key the named scope requires.  It is
// submitted to the server together with p.KeyShares as attachments.
func (m *Manager) ModifyRequest(p *Proposal, op *envelope.OperationHeader, body []byte, nextHopKey nike.PublicKey) (*envelope.Envelope, error) {
	k, err := m.self.PermissionKeyFor(op.Scope)
	if err != nil {
		return nil, err
	}
	signer := envelope.NewScopedSigner(m.self, k)
	return m.codec.EncodeOperation(signer, p.GroupID, nextHopKey, p.key, p.Epoch, op, body)
}

func (m *Manager) pruneLocked(g *groupEntry) {
	for epoch := range g.keys {
		if epoch+uint64(m.retention) < g.epoch {
			delete(g.keys, epoch)
		}
	}
}

// AcceptKeyShare installs the group state carried by a decrypted key_share
// payload, joining the group or advancing it to a newer epoch.  Shares for
// an epoch at or below the current one are ignored: epochs only move
// forward.
func (m *Manager) AcceptKeyShare(payload []byte) (GroupID, uint64, error) {
	var ks keySharePayload
	if err := cbor.Unmarshal(payload, &ks); err != nil {
		return GroupID{}, 0, fmt.Errorf("group: malformed key share: %v", err)
	}
	if len(ks.GroupID) != GroupIDSize || len(ks.Key) != envelope.SymmetricKeySize {
		return GroupID{}, 0, errors.New("group: malformed key share")
	}
	var id GroupID
	copy(id[:], ks.GroupID)

	members := make(map[identity.Fingerprint]bool, len(ks.Members))
	for _, raw := range ks.Members {
		fp, err := identity.FingerprintFromBytes(raw)
		if err != nil {
			return GroupID{}, 0, err
		}
		members[fp] = true
	}

	m.Lock()
	g, ok := m.groups[id]
	if !ok {
		g = &groupEntry{keys: make(map[uint64][]byte)}
		m.groups[id] = g
	}
	m.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if ok && ks.Epoch <= g.epoch {
		return id, g.epoch, nil
	}
	g.epoch = ks.Epoch
	g.keys[ks.Epoch] = ks.Key
	g.members = members
	m.pruneLocked(g)
	return id, ks.Epoch, nil
}

// KeyFor returns the retained key for the given epoch, or ErrKeyExpired if
// it has been pruned from the retention window or never committed.
func (m *Manager) KeyFor(id GroupID, epoch uint64) ([]byte, error) {
	g, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key, ok := g.keys[epoch]
	if !ok {
		return nil, ErrKeyExpired
	}
	// Callers get a copy; the retained key material never aliases out.
	return append([]byte(nil), key...), nil
}

// CurrentEpoch returns the group's committed epoch.
func (m *Manager) CurrentEpoch(id GroupID) (uint64, error) {
	g, err := m.entry(id)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch, nil
}

// Members returns the current member snapshot.
func (m *Manager) Members(id GroupID) ([]identity.Fingerprint, error) {
	g, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memberSnapshot(), nil
}

// KeyLookup adapts the manager to the codec's group key resolution.
func (m *Manager) KeyLookup() envelope.GroupKeyLookup {
	return func(target [envelope.TargetIDSize]byte, epoch uint64) ([]byte, bool) {
		key, err := m.KeyFor(GroupID(target), epoch)
		if err != nil {
			return nil, false
		}
		return key, true
	}
}
