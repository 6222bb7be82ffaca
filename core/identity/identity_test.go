// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestValidateProfileName(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, name := range []string{"alice", "Alice-42", "a_b-c", strings.Repeat("x", MaxProfileNameLength)} {
		require.NoError(ValidateProfileName(name), "valid name '%v' rejected", name)
	}
	for _, name := range []string{"", "alice bob", "alice#1234", "café", strings.Repeat("x", MaxProfileNameLength+1)} {
		require.Error(ValidateProfileName(name), "invalid name '%v' accepted", name)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(0)
	p, err := s.Register("alice", RoleClient)
	require.NoError(err, "Register() failed")
	require.Equal("alice", p.Name())
	require.Equal(RoleClient, p.Role())

	pub, err := s.PublicKeysOf(p.Fingerprint())
	require.NoError(err, "PublicKeysOf() failed")
	require.Equal(p.Fingerprint(), pub.Fingerprint(), "fingerprint must derive from public key material")
	require.True(strings.HasPrefix(pub.ProfileID(), "alice#"), "ProfileID: %v", pub.ProfileID())
	require.Len(pub.ProfileID(), len("alice#")+4, "discriminant must be 4 hex chars")

	_, err = s.PublicKeysOf(Fingerprint{0x01})
	require.ErrorIs(err, ErrUnknownPeer, "lookup of unregistered fingerprint")
}

func TestPublicIdentityRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(0)
	p, err := s.Register("bob", RoleServer)
	require.NoError(err)
	_, err = s.GrantScope(p.Fingerprint(), "group_modify:admin")
	require.NoError(err, "GrantScope() failed")

	pub := p.Public()
	pub.DisplayName = "Bob"
	pub.Pronouns = "they/them"

	raw, err := pub.MarshalBinary()
	require.NoError(err, "MarshalBinary() failed")

	restored := new(PublicIdentity)
	require.NoError(restored.UnmarshalBinary(raw), "UnmarshalBinary() failed")
	require.Equal(pub.Fingerprint(), restored.Fingerprint(), "fingerprint changed across serialization")
	require.Equal("Bob", restored.DisplayName)
	require.Equal("they/them", restored.Pronouns)
	require.Equal(RoleServer, restored.Role)
	require.Contains(restored.Scopes, "group_modify:admin", "permission scopes must survive serialization")

	require.Error(restored.UnmarshalBinary([]byte("not cbor")), "garbage must not unmarshal")
}

func TestRotateGraceWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(time.Hour)
	p, err := s.Register("carol", RoleClient)
	require.NoError(err)
	fp := p.Fingerprint()

	msg := []byte("signed before rotation")
	sig := p.SignMessage(msg)

	oldEncryption := p.Keys().EncryptionPublic()
	require.NoError(s.Rotate(fp), "Rotate() failed")
	require.NotEqual(oldEncryption.Bytes(), p.Keys().EncryptionPublic().Bytes(), "rotation must issue a new keypair")
	require.Equal(fp, p.Fingerprint(), "rotation must not change the fingerprint")
	require.Equal(fp, p.Public().Fingerprint(), "published identity must carry the stable fingerprint")

	// In-flight signatures made with the superseded key still verify
	// within the grace window.
	v, err := s.VerifierForScope(fp, "")
	require.NoError(err)
	require.True(v.Verify(msg, sig), "superseded key signature must verify within grace")

	sig2 := p.SignMessage(msg)
	require.True(v.Verify(msg, sig2), "current key signature must verify")

	// Both keypairs decrypt during the overlap.
	require.Len(p.DecryptionKeys(), 2, "superseded decryption key must be retained")
}

func TestRotateGraceExpiry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(time.Nanosecond)
	p, err := s.Register("dave", RoleClient)
	require.NoError(err)

	msg := []byte("stale")
	sig := p.SignMessage(msg)

	require.NoError(s.Rotate(p.Fingerprint()))
	time.Sleep(10 * time.Millisecond)

	v, err := s.VerifierForScope(p.Fingerprint(), "")
	require.NoError(err)
	require.False(v.Verify(msg, sig), "expired key signature must not verify")
	require.Len(p.DecryptionKeys(), 1, "expired decryption key must not be offered")
}

func TestPermissionKeys(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(0)
	p, err := s.Register("erin", RoleClient)
	require.NoError(err)
	fp := p.Fingerprint()

	const scope = "group_modify:admin"
	k, err := s.GrantScope(fp, scope)
	require.NoError(err, "GrantScope() failed")
	require.Equal(scope, k.Scope())

	// The grant binds the scoped key to the issuing identity key.
	raw, err := k.Public().MarshalBinary()
	require.NoError(err)
	idVerifier, err := s.VerifierForScope(fp, "")
	require.NoError(err)
	require.True(idVerifier.Verify(append([]byte(scope), raw...), k.Grant()), "grant must verify under the identity key")

	msg := []byte("scoped operation")
	sig := k.SignMessage(msg)

	v, err := s.VerifierForScope(fp, scope)
	require.NoError(err)
	require.True(v.Verify(msg, sig), "scoped signature must verify under the scoped verifier")
	require.False(idVerifier.Verify(msg, sig), "scoped signature must not verify under the identity key")

	_, err = s.VerifierForScope(fp, "group_modify:nobody")
	require.ErrorIs(err, ErrUnknownScope, "ungranted scope lookup")

	held, err := p.PermissionKeyFor(scope)
	require.NoError(err)
	require.Equal(k, held)
}

func TestAddRemote(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	local := NewStore(0)
	remote := NewStore(0)

	p, err := remote.Register("frank", RoleClient)
	require.NoError(err)
	_, err = remote.GrantScope(p.Fingerprint(), "group_modify:admin")
	require.NoError(err)

	require.NoError(local.AddRemote(p.Public()))

	pub, err := local.PublicKeysOf(p.Fingerprint())
	require.NoError(err, "remote lookup failed")
	require.Equal("frank", pub.Name)

	msg := []byte("remote message")
	sig := p.SignMessage(msg)
	v, err := local.VerifierForScope(p.Fingerprint(), "")
	require.NoError(err)
	require.True(v.Verify(msg, sig), "remote identity signature must verify")

	key, err := p.PermissionKeyFor("group_modify:admin")
	require.NoError(err)
	sv, err := local.VerifierForScope(p.Fingerprint(), "group_modify:admin")
	require.NoError(err)
	require.True(sv.Verify(msg, key.SignMessage(msg)), "remote scoped signature must verify")
}

func TestFingerprintBinding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	victims := NewStore(0)
	victim, err := victims.Register("victim", RoleClient)
	require.NoError(err)
	attackers := NewStore(0)
	attacker, err := attackers.Register("attacker", RoleClient)
	require.NoError(err)

	raw, err := attacker.Public().MarshalBinary()
	require.NoError(err)
	w := new(publicIdentityWire)
	require.NoError(cbor.Unmarshal(raw, w))

	// The attacker's keys advertised under the victim's fingerprint.
	vfp := victim.Fingerprint()
	w.Fingerprint = vfp[:]
	forged, err := cbor.Marshal(w)
	require.NoError(err)

	pub := new(PublicIdentity)
	err = pub.UnmarshalBinary(forged)
	require.ErrorIs(err, ErrFingerprintMismatch, "keys that do not hash to the carried fingerprint must not deserialize")
}

func TestFingerprintConcurrent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(0)
	p, err := s.Register("alice", RoleClient)
	require.NoError(err)

	// An identity built without a carried fingerprint derives it on demand;
	// concurrent readers must all see the same value.
	announced := p.Public()
	pub := &PublicIdentity{
		Name:          announced.Name,
		Role:          announced.Role,
		SigningKey:    announced.SigningKey,
		EncryptionKey: announced.EncryptionKey,
	}

	want := p.Fingerprint()
	var wg sync.WaitGroup
	fps := make([]Fingerprint, 8)
	for i := range fps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fps[i] = pub.Fingerprint()
		}(i)
	}
	wg.Wait()
	for _, fp := range fps {
		require.Equal(want, fp)
	}
}

func TestScopeInjection(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewStore(0)
	heidi, err := s.Register("heidi", RoleClient)
	require.NoError(err)
	mallorys := NewStore(0)
	mallory, err := mallorys.Register("mallory", RoleClient)
	require.NoError(err)

	const scope = "group_modify:admin"
	k, err := mallorys.GrantScope(mallory.Fingerprint(), scope)
	require.NoError(err)

	// Mallory grafts her own permission key onto heidi's identity; the
	// grant was made by mallory's identity key, not heidi's.
	raw, err := heidi.Public().MarshalBinary()
	require.NoError(err)
	w := new(publicIdentityWire)
	require.NoError(cbor.Unmarshal(raw, w))
	kRaw, err := k.Public().MarshalBinary()
	require.NoError(err)
	w.Scopes = map[string]*scopeGrantWire{scope: {Key: kRaw, Grant: k.Grant()}}
	forged, err := cbor.Marshal(w)
	require.NoError(err)

	pub := new(PublicIdentity)
	require.Error(pub.UnmarshalBinary(forged), "a scope not granted by the identity key must not deserialize")
}

func TestAddRemoteRotation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	remote := NewStore(0)
	p, err := remote.Register("grace", RoleClient)
	require.NoError(err)
	fp := p.Fingerprint()
	const scope = "group_modify:admin"
	_, err = remote.GrantScope(fp, scope)
	require.NoError(err)
	pub0 := p.Public()

	local := NewStore(0)
	require.NoError(local.AddRemote(pub0))
	require.NoError(local.AddRemote(p.Public()), "re-announcing the cached key epoch must pass")

	require.NoError(remote.Rotate(fp))
	pub1 := p.Public()
	require.NoError(local.AddRemote(pub1), "an endorsed rotation must be accepted")

	// The update took: signatures under the new keys verify, and the
	// re-endorsed permission key is still usable.
	msg := []byte("after rotation")
	v, err := local.VerifierForScope(fp, "")
	require.NoError(err)
	require.True(v.Verify(msg, p.SignMessage(msg)))
	sv, err := local.VerifierForScope(fp, scope)
	require.NoError(err)
	k, err := p.PermissionKeyFor(scope)
	require.NoError(err)
	require.True(sv.Verify(msg, k.SignMessage(msg)))

	// A stale re-announcement cannot roll the keys back.
	require.Error(local.AddRemote(pub0), "key epoch downgrade must be rejected")

	// An update skipping epochs carries an endorsement by a key this
	// directory never saw.
	require.NoError(remote.Rotate(fp))
	require.NoError(remote.Rotate(fp))
	require.ErrorIs(local.AddRemote(p.Public()), ErrBadRotation, "update skipping epochs must be rejected")

	// Substituting foreign keys under the cached epoch is caught even
	// with a plausible-looking endorsement attached.
	attackers := NewStore(0)
	attacker, err := attackers.Register("mallory", RoleClient)
	require.NoError(err)
	raw, err := pub1.MarshalBinary()
	require.NoError(err)
	w := new(publicIdentityWire)
	require.NoError(cbor.Unmarshal(raw, w))
	w.SigningKey, err = attacker.Keys().SigningPublic().MarshalBinary()
	require.NoError(err)
	w.EncryptionKey = attacker.Keys().EncryptionPublic().Bytes()
	w.Scopes = nil
	forged, err := cbor.Marshal(w)
	require.NoError(err)
	pub := new(PublicIdentity)
	require.NoError(pub.UnmarshalBinary(forged))
	require.ErrorIs(local.AddRemote(pub), ErrBadRotation, "same-epoch key substitution must be rejected")
}
