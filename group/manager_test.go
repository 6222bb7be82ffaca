// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package group

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resolution-comms/protocol/core/envelope"
	"github.com/resolution-comms/protocol/core/identity"
)

// testNet is a store shared by every peer, standing in for the exchange
// of public identities, plus a per-peer manager over a common codec.
type testNet struct {
	store  *identity.Store
	codec  *envelope.Codec
	server *identity.PeerIdentity

	peers    map[string]*identity.PeerIdentity
	managers map[string]*Manager
}

func newTestNet(t *testing.T, names ...string) *testNet {
	store := identity.NewStore(0)
	server, err := store.Register("relay-1", identity.RoleServer)
	require.NoError(t, err)

	n := &testNet{
		store:    store,
		codec:    envelope.NewCodec(store),
		server:   server,
		peers:    make(map[string]*identity.PeerIdentity),
		managers: make(map[string]*Manager),
	}
	for _, name := range names {
		p, err := store.Register(name, identity.RoleClient)
		require.NoError(t, err)
		n.peers[name] = p
		n.managers[name] = NewManager(p, store, n.codec, 0)
	}
	return n
}

func (n *testNet) fp(name string) identity.Fingerprint {
	return n.peers[name].Fingerprint()
}

// deliverShares relays each key_share through the simulated server hop and
// installs it at its recipient, mimicking the router's forwarding.
func (n *testNet) deliverShares(t *testing.T, p *Proposal) {
	for _, share := range p.KeyShares {
		target, err := identity.FingerprintFromBytes(share.Target[:])
		require.NoError(t, err)
		var recipient *identity.PeerIdentity
		var m *Manager
		for name, peer := range n.peers {
			if peer.Fingerprint() == target {
				recipient = peer
				m = n.managers[name]
			}
		}
		require.NotNil(t, recipient, "share targets an unknown peer")

		wrapped, err := n.codec.Rewrap(share, n.server, n.server, recipient.Keys().EncryptionPublic())
		require.NoError(t, err)
		d, err := n.codec.Decode(wrapped, recipient, nil)
		require.NoError(t, err)
		require.NotNil(t, d.Payload, "recipient must recover the share payload")

		_, _, err = m.AcceptKeyShare(d.Payload)
		require.NoError(t, err)
	}
}

func TestCreateGroup(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob", "carol")
	alice := n.managers["alice"]

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob"), n.fp("carol")}, n.server.Keys().EncryptionPublic())
	require.NoError(err, "CreateGroup() failed")
	require.EqualValues(0, p.Epoch)
	require.Len(p.Members, 3, "creator must be a member")
	require.Len(p.KeyShares, 3, "every member, creator included, receives a share")

	// Epoch 0 is committed at the creator immediately.
	epoch, err := alice.CurrentEpoch(p.GroupID)
	require.NoError(err)
	require.EqualValues(0, epoch)

	n.deliverShares(t, p)

	// Every member now encrypts and decrypts at epoch 0.
	aliceKey, err := alice.KeyFor(p.GroupID, 0)
	require.NoError(err)
	bobKey, err := n.managers["bob"].KeyFor(p.GroupID, 0)
	require.NoError(err)
	require.Equal(aliceKey, bobKey)

	members, err := n.managers["carol"].Members(p.GroupID)
	require.NoError(err)
	require.Len(members, 3)

	_, err = alice.KeyFor(GroupID{0x01}, 0)
	require.ErrorIs(err, ErrUnknownGroup)
}

func TestGroupChat(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob")
	alice := n.managers["alice"]

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, n.server.Keys().EncryptionPublic())
	require.NoError(err)
	n.deliverShares(t, p)

	key, err := alice.KeyFor(p.GroupID, 0)
	require.NoError(err)
	e, err := n.codec.EncodeGroup(n.peers["alice"], [GroupIDSize]byte(p.GroupID), n.server.Keys().EncryptionPublic(), key, 0, []byte("hello"))
	require.NoError(err)

	wrapped, err := n.codec.Rewrap(e, n.server, n.server, n.peers["bob"].Keys().EncryptionPublic())
	require.NoError(err)
	d, err := n.codec.Decode(wrapped, n.peers["bob"], n.managers["bob"].KeyLookup())
	require.NoError(err)
	require.Equal([]byte("hello"), d.Payload)
}

func TestRemoveMemberForwardSecrecy(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob", "mallory")
	alice := n.managers["alice"]
	serverKey := n.server.Keys().EncryptionPublic()

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob"), n.fp("mallory")}, serverKey)
	require.NoError(err)
	n.deliverShares(t, p)

	removal, err := alice.RemoveMember(p.GroupID, n.fp("mallory"), serverKey)
	require.NoError(err, "RemoveMember() failed")
	require.EqualValues(1, removal.Epoch)
	require.Len(removal.KeyShares, 2, "only the remaining members receive the new key")
	require.NoError(alice.Commit(removal), "Commit() failed")
	n.deliverShares(t, removal)

	// A message at the new epoch is undecryptable by the removed member:
	// their manager never sees an epoch-1 key.
	key, err := alice.KeyFor(p.GroupID, 1)
	require.NoError(err)
	e, err := n.codec.EncodeGroup(n.peers["alice"], [GroupIDSize]byte(p.GroupID), serverKey, key, 1, []byte("post-removal"))
	require.NoError(err)

	wrapped, err := n.codec.Rewrap(e, n.server, n.server, n.peers["mallory"].Keys().EncryptionPublic())
	require.NoError(err)
	d, err := n.codec.Decode(wrapped, n.peers["mallory"], n.managers["mallory"].KeyLookup())
	require.NoError(err)
	require.Nil(d.Payload, "removed member must not decrypt the new epoch")

	_, err = n.managers["mallory"].KeyFor(p.GroupID, 1)
	require.ErrorIs(err, ErrKeyExpired)

	// The remaining member reads it fine.
	wrapped, err = n.codec.Rewrap(e, n.server, n.server, n.peers["bob"].Keys().EncryptionPublic())
	require.NoError(err)
	d, err = n.codec.Decode(wrapped, n.peers["bob"], n.managers["bob"].KeyLookup())
	require.NoError(err)
	require.Equal([]byte("post-removal"), d.Payload)

	// Removing a non-member fails.
	_, err = alice.RemoveMember(p.GroupID, n.fp("mallory"), serverKey)
	require.ErrorIs(err, ErrNotMember)
}

func TestAddMember(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob", "carol")
	alice := n.managers["alice"]
	serverKey := n.server.Keys().EncryptionPublic()

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)
	n.deliverShares(t, p)

	addition, err := alice.AddMember(p.GroupID, n.fp("carol"), serverKey)
	require.NoError(err, "AddMember() failed")
	require.EqualValues(1, addition.Epoch)
	require.Len(addition.Members, 3)
	require.Len(addition.KeyShares, 3, "existing and new members receive the new key")

	// A proposal mutates nothing until committed.
	epoch, err := alice.CurrentEpoch(p.GroupID)
	require.NoError(err)
	require.EqualValues(0, epoch)

	require.NoError(alice.Commit(addition))
	n.deliverShares(t, addition)

	carolKey, err := n.managers["carol"].KeyFor(p.GroupID, 1)
	require.NoError(err)
	aliceKey, err := alice.KeyFor(p.GroupID, 1)
	require.NoError(err)
	require.Equal(aliceKey, carolKey)
}

func TestModifyRequest(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob")
	alice := n.managers["alice"]
	serverKey := n.server.Keys().EncryptionPublic()

	const scope = "group_modify:admin"
	_, err := n.store.GrantScope(n.fp("alice"), scope)
	require.NoError(err)

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)
	n.deliverShares(t, p)

	prop, err := alice.AddMember(p.GroupID, n.fp("bob"), serverKey)
	require.NoError(err)
	op := &envelope.OperationHeader{Name: "add_member", Scope: scope}
	e, err := alice.ModifyRequest(prop, op, []byte("add bob again"), serverKey)
	require.NoError(err, "ModifyRequest() failed")
	require.Equal(envelope.TypeGroupModify, e.Type)
	require.Equal(op, e.OpHeader, "operation header travels in the clear")

	// The mediating server learns the proposed epoch but not the body.
	d, err := n.codec.Decode(e, n.server, nil)
	require.NoError(err)
	require.Nil(d.Payload)
	require.Equal(prop.Epoch, d.InnerEpoch)

	// A member holding the proposal's key reads the body once the shares
	// land; the proposer's own share makes a later Commit a no-op.
	n.deliverShares(t, prop)
	require.NoError(alice.Commit(prop), "Commit after own share must succeed")
	wrapped, err := n.codec.Rewrap(e, n.server, n.server, n.peers["bob"].Keys().EncryptionPublic())
	require.NoError(err)
	d, err = n.codec.Decode(wrapped, n.peers["bob"], n.managers["bob"].KeyLookup())
	require.NoError(err)
	require.Equal([]byte("add bob again"), d.Payload)

	// Without the grant there is nothing to sign with.
	bob := n.managers["bob"]
	prop2, err := bob.AddMember(p.GroupID, n.fp("alice"), serverKey)
	require.NoError(err)
	_, err = bob.ModifyRequest(prop2, op, nil, serverKey)
	require.Error(err)
}

func TestEpochConflict(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob", "carol", "dave")
	alice := n.managers["alice"]
	serverKey := n.server.Keys().EncryptionPublic()

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)

	// Two concurrent proposals race for epoch 1; the loser retries.
	first, err := alice.AddMember(p.GroupID, n.fp("carol"), serverKey)
	require.NoError(err)
	second, err := alice.AddMember(p.GroupID, n.fp("dave"), serverKey)
	require.NoError(err)
	require.Equal(first.Epoch, second.Epoch, "both proposals target the same next epoch")

	require.NoError(alice.Commit(first))

	err = alice.Commit(second)
	var conflict *EpochConflictError
	require.ErrorAs(err, &conflict, "losing proposal must surface an epoch conflict")
	require.EqualValues(1, conflict.Have)
	require.EqualValues(1, conflict.Proposed)

	// Nothing of the losing proposal was committed.
	members, err := alice.Members(p.GroupID)
	require.NoError(err)
	require.NotContains(members, n.fp("dave"))

	// The retry against the now-current epoch succeeds.
	retry, err := alice.AddMember(p.GroupID, n.fp("dave"), serverKey)
	require.NoError(err)
	require.EqualValues(2, retry.Epoch)
	require.NoError(alice.Commit(retry))
}

func TestEpochMonotonicityUnderConcurrency(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob")
	alice := n.managers["alice"]
	serverKey := n.server.Keys().EncryptionPublic()

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)

	const workers = 8
	epochs := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				prop, err := alice.AddMember(p.GroupID, n.fp("bob"), serverKey)
				if err != nil {
					return
				}
				err = alice.Commit(prop)
				if err == nil {
					epochs[i] = prop.Epoch
					return
				}
				var conflict *EpochConflictError
				if !errors.As(err, &conflict) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	// Every worker committed a distinct, gap-free epoch.
	seen := make(map[uint64]bool)
	for i, epoch := range epochs {
		require.NotZero(epoch, "worker %d never committed", i)
		require.False(seen[epoch], "epoch %d committed twice", epoch)
		seen[epoch] = true
	}
	current, err := alice.CurrentEpoch(p.GroupID)
	require.NoError(err)
	require.EqualValues(workers, current)
}

func TestEpochRetention(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob")
	alice := NewManager(n.peers["alice"], n.store, n.codec, 2)
	serverKey := n.server.Keys().EncryptionPublic()

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)

	for i := 0; i < 4; i++ {
		prop, err := alice.AddMember(p.GroupID, n.fp("bob"), serverKey)
		require.NoError(err)
		require.NoError(alice.Commit(prop))
	}

	// Epochs older than the retention window are pruned.
	_, err = alice.KeyFor(p.GroupID, 0)
	require.ErrorIs(err, ErrKeyExpired)
	_, err = alice.KeyFor(p.GroupID, 1)
	require.ErrorIs(err, ErrKeyExpired)
	for epoch := uint64(2); epoch <= 4; epoch++ {
		_, err = alice.KeyFor(p.GroupID, epoch)
		require.NoError(err, "epoch %d within retention must be held", epoch)
	}
}

func TestAcceptKeyShareStale(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob")
	alice := n.managers["alice"]
	bob := n.managers["bob"]
	serverKey := n.server.Keys().EncryptionPublic()

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)
	n.deliverShares(t, p)

	prop, err := alice.AddMember(p.GroupID, n.fp("bob"), serverKey)
	require.NoError(err)
	require.NoError(alice.Commit(prop))
	n.deliverShares(t, prop)

	epoch, err := bob.CurrentEpoch(p.GroupID)
	require.NoError(err)
	require.EqualValues(1, epoch)

	// Replaying the epoch-0 share does not move bob backwards.
	n.deliverShares(t, p)
	epoch, err = bob.CurrentEpoch(p.GroupID)
	require.NoError(err)
	require.EqualValues(1, epoch)

	// Garbage is rejected.
	_, _, err = bob.AcceptKeyShare([]byte("not cbor"))
	require.Error(err)
}

func TestModifyAckWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob", "carol")
	serverKey := n.server.Keys().EncryptionPublic()

	alice := NewManager(n.peers["alice"], n.store, n.codec, 0, WithModifyTimeout(-time.Second))

	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)

	// The acknowledgement window for the proposal has already elapsed;
	// nothing of the expired mutation is retained.
	prop, err := alice.AddMember(p.GroupID, n.fp("carol"), serverKey)
	require.NoError(err)
	require.ErrorIs(alice.Commit(prop), ErrModifyTimeout)

	epoch, err := alice.CurrentEpoch(p.GroupID)
	require.NoError(err)
	require.EqualValues(0, epoch)
	_, err = alice.KeyFor(p.GroupID, 1)
	require.ErrorIs(err, ErrKeyExpired)
	members, err := alice.Members(p.GroupID)
	require.NoError(err)
	require.NotContains(members, n.fp("carol"))
}

func TestKeyForAliasing(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	n := newTestNet(t, "alice", "bob")
	serverKey := n.server.Keys().EncryptionPublic()

	alice := n.managers["alice"]
	p, err := alice.CreateGroup([]identity.Fingerprint{n.fp("bob")}, serverKey)
	require.NoError(err)

	key, err := alice.KeyFor(p.GroupID, 0)
	require.NoError(err)
	for i := range key {
		key[i] = 0
	}
	again, err := alice.KeyFor(p.GroupID, 0)
	require.NoError(err)
	require.NotEqual(key, again, "a caller's mutation must not reach the retained key")
}
