// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike"

	"github.com/resolution-comms/protocol/core/identity"
)

// Signer identifies the source peer of an envelope and produces the
// envelope signature.
type Signer interface {
	// Fingerprint returns the source peer's fingerprint.
	Fingerprint() identity.Fingerprint

	// SignMessage signs message.
	SignMessage(message []byte) []byte
}

// ScopedSigner signs group_modify envelopes with a permission key, with the
// owning peer's fingerprint as the declared source.
type ScopedSigner struct {
	fp  identity.Fingerprint
	key *identity.PermissionKey
}

// NewScopedSigner binds a peer's permission key to its fingerprint.
func NewScopedSigner(peer *identity.PeerIdentity, key *identity.PermissionKey) *ScopedSigner {
	return &ScopedSigner{fp: peer.Fingerprint(), key: key}
}

// Fingerprint implements Signer.
func (s *ScopedSigner) Fingerprint() identity.Fingerprint { return s.fp }

// SignMessage implements Signer.
func (s *ScopedSigner) SignMessage(message []byte) []byte { return s.key.SignMessage(message) }

// Scope returns the permission scope the signer signs for.
func (s *ScopedSigner) Scope() string { return s.key.Scope() }

// innerLayer is the base-layer plaintext of a nested envelope: the still
// opaque inner ciphertext, the original source's signature over it, and
// the original source fingerprint.  A relaying server re-seals these bytes
// untouched.
type innerLayer struct {
	Ciphertext []byte `cbor:"c"`
	Signature  []byte `cbor:"s"`
	Source     []byte `cbor:"src"`
	Epoch      uint64 `cbor:"epoch,omitempty"`
}

// GroupKeyLookup resolves a group identifier and epoch to retained key
// material.  A nil lookup means the caller holds no group keys.
type GroupKeyLookup func(groupID [TargetIDSize]byte, epoch uint64) ([]byte, bool)

// DecodedEnvelope is the outcome of a successful Decode.
type DecodedEnvelope struct {
	Header

	// Payload is the recovered plaintext, nil when the receiver lacks the
	// inner key.
	Payload []byte

	// InnerSource is the original sender of a nested envelope, recovered
	// from the base layer.
	InnerSource identity.Fingerprint

	// InnerEpoch is the group key epoch a nested group layer was sealed
	// under.
	InnerEpoch uint64

	// Opaque is the still-sealed base-layer plaintext of a nested envelope
	// when the receiver holds no inner key.  This is the expected outcome
	// for a mediator relaying traffic it cannot read; the bytes relay
	// bit-for-bit.
	Opaque []byte
}

// Codec encodes and decodes layered envelopes.
type Codec struct {
	verifiers identity.Directory
}

// NewCodec creates a Codec resolving signature verifiers through the given
// directory.
func NewCodec(verifiers identity.Directory) *Codec {
	return &Codec{verifiers: verifiers}
}

func (c *Codec) seal(t Type, source Signer, target [TargetIDSize]byte, nextHopKey nike.PublicKey, op *OperationHeader, basePlaintext []byte) (*Envelope, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := Seal(nextHopKey, basePlaintext)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		Version:    Version,
		Type:       t,
		Source:     source.Fingerprint(),
		Target:     target,
		Nonce:      nonce,
		OpHeader:   op,
		Ciphertext: ct,
	}
	e.Signature = source.SignMessage(e.SignedBytes())
	return e, nil
}

func (c *Codec) sealNested(t Type, source Signer, target [TargetIDSize]byte, nextHopKey nike.PublicKey, op *OperationHeader, inner *innerLayer) (*Envelope, error) {
	fp := source.Fingerprint()
	inner.Source = fp[:]
	basePlaintext, err := cbor.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return c.seal(t, source, target, nextHopKey, op, basePlaintext)
}

// EncodeBase builds a base-only envelope (server, federation): payload
// sealed directly to the next hop.
func (c *Codec) EncodeBase(t Type, source Signer, target [TargetIDSize]byte, nextHopKey nike.PublicKey, payload []byte) (*Envelope, error) {
	if t.IsNested() {
		return nil, protocolErrorf("type %v requires a nested layer", t)
	}
	return c.seal(t, source, target, nextHopKey, nil, payload)
}

// EncodeDirect builds a key_share envelope: payload sealed to the final
// target's encryption key, signed by the source, the whole sealed again to
// the next hop.
func (c *Codec) EncodeDirect(source Signer, target identity.Fingerprint, nextHopKey, finalTargetKey nike.PublicKey, payload []byte) (*Envelope, error) {
	inner, err := Seal(finalTargetKey, payload)
	if err != nil {
		return nil, err
	}
	return c.sealNested(TypeKeyShare, source, target, nextHopKey, nil, &innerLayer{
		Ciphertext: inner,
		Signature:  source.SignMessage(inner),
	})
}

// EncodeGroup builds a chat envelope: payload sealed under the given group
// epoch key nested inside the base layer.
func (c *Codec) EncodeGroup(source Signer, groupID [TargetIDSize]byte, nextHopKey nike.PublicKey, groupKey []byte, epoch uint64, payload []byte) (*Envelope, error) {
	inner, err := SealSymmetric(groupKey, payload)
	if err != nil {
		return nil, err
	}
	return c.sealNested(TypeChat, source, groupID, nextHopKey, nil, &innerLayer{
		Ciphertext: inner,
		Signature:  source.SignMessage(inner),
		Epoch:      epoch,
	})
}

// EncodeOperation builds a group_modify envelope: the operation header in
// plaintext at the base layer, the request body sealed under the group
// epoch key, everything signed with the permission key matching the
// declared scope rather than the identity key.
func (c *Codec) EncodeOperation(source *ScopedSigner, groupID [TargetIDSize]byte, nextHopKey nike.PublicKey, groupKey []byte, epoch uint64, op *OperationHeader, body []byte) (*Envelope, error) {
	if op == nil {
		return nil, protocolErrorf("missing operation header")
	}
	if op.Scope != source.Scope() {
		return nil, &AuthorizationError{Scope: op.Scope}
	}
	if len(op.Name) > maxOpFieldLength || len(op.Scope) > maxOpFieldLength {
		return nil, protocolErrorf("operation header field too long")
	}
	inner, err := SealSymmetric(groupKey, body)
	if err != nil {
		return nil, err
	}
	return c.sealNested(TypeGroupModify, source, groupID, nextHopKey, op, &innerLayer{
		Ciphertext: inner,
		Signature:  source.SignMessage(inner),
		Epoch:      epoch,
	})
}

func (c *Codec) verifyOuter(e *Envelope) error {
	scope := ""
	if e.Type == TypeGroupModify {
		pub, err := c.verifiers.PublicKeysOf(e.Source)
		if err != nil {
			return err
		}
		// A relaying server re-signs the base layer with its identity key;
		// only the originating client signs with the permission key.
		if pub.Role != identity.RoleServer {
			scope = e.OpHeader.Scope
		}
	}
	verifier, err := c.verifiers.VerifierForScope(e.Source, scope)
	if err != nil {
		return err
	}
	if !verifier.Verify(e.SignedBytes(), e.Signature) {
		return ErrIntegrity
	}
	return nil
}

func (c *Codec) unsealBase(e *Envelope, receiver *identity.PeerIdentity) ([]byte, error) {
	for _, priv := range receiver.DecryptionKeys() {
		if pt, err := Unseal(priv, e.Ciphertext); err == nil {
			return pt, nil
		}
	}
	return nil, ErrConfidentiality
}

// Decode verifies and unwraps an envelope for receiver.  The outer
// signature is checked against the declared source's currently known
// signing key (or, for group_modify, the permission key registered for the
// declared scope), then the base layer is unsealed with the receiver's
// encryption private key.  If an inner layer exists and the receiver holds
// the required key, the inner layer is decrypted and its signature
// verified against the original source; otherwise the decoded envelope
// carries only the header and the opaque inner bytes.
func (c *Codec) Decode(e *Envelope, receiver *identity.PeerIdentity, groupKeys GroupKeyLookup) (*DecodedEnvelope, error) {
	if e.Version != Version {
		return nil, protocolErrorf("unsupported version: %d", e.Version)
	}
	if e.Type >= numTypes {
		return nil, protocolErrorf("unknown type: %d", e.Type)
	}
	if e.Type == TypeGroupModify && e.OpHeader == nil {
		return nil, protocolErrorf("missing operation header")
	}

	if err := c.verifyOuter(e); err != nil {
		return nil, err
	}

	basePlaintext, err := c.unsealBase(e, receiver)
	if err != nil {
		return nil, err
	}

	d := &DecodedEnvelope{Header: *e.Header()}
	if !e.Type.IsNested() {
		d.Payload = basePlaintext
		return d, nil
	}

	inner := new(innerLayer)
	if err := cbor.Unmarshal(basePlaintext, inner); err != nil {
		return nil, protocolErrorf("malformed inner layer: %v", err)
	}
	if d.InnerSource, err = identity.FingerprintFromBytes(inner.Source); err != nil {
		return nil, protocolErrorf("malformed inner source")
	}
	d.InnerEpoch = inner.Epoch

	var payload []byte
	switch e.Type {
	case TypeKeyShare:
		payload = c.unsealDirect(inner, receiver)
	case TypeChat, TypeGroupModify:
		payload = c.openGroupLayer(e, inner, groupKeys)
	}
	if payload == nil {
		// Mediator outcome: header only, inner bytes untouched.
		d.Opaque = basePlaintext
		return d, nil
	}

	innerScope := ""
	if e.Type == TypeGroupModify {
		// Operation bodies are signed with the permission key, not the
		// identity key.
		innerScope = e.OpHeader.Scope
	}
	if err := c.verifyInner(d.InnerSource, innerScope, inner); err != nil {
		return nil, err
	}
	d.Payload = payload
	return d, nil
}

func (c *Codec) unsealDirect(inner *innerLayer, receiver *identity.PeerIdentity) []byte {
	for _, priv := range receiver.DecryptionKeys() {
		if pt, err := Unseal(priv, inner.Ciphertext); err == nil {
			return pt
		}
	}
	return nil
}

func (c *Codec) openGroupLayer(e *Envelope, inner *innerLayer, groupKeys GroupKeyLookup) []byte {
	if groupKeys == nil {
		return nil
	}
	key, ok := groupKeys(e.Target, inner.Epoch)
	if !ok {
		return nil
	}
	pt, err := OpenSymmetric(key, inner.Ciphertext)
	if err != nil {
		return nil
	}
	return pt
}

func (c *Codec) verifyInner(source identity.Fingerprint, scope string, inner *innerLayer) error {
	verifier, err := c.verifiers.VerifierForScope(source, scope)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownPeer) {
			return ErrIntegrity
		}
		return err
	}
	if !verifier.Verify(inner.Ciphertext, inner.Signature) {
		return ErrIntegrity
	}
	return nil
}

// Rewrap strips the base layer of a relayed envelope and seals the
// untouched inner bytes to a new next hop, signed by the relaying peer.
// All inner layers pass through bit-for-bit; only the outer source, nonce,
// ciphertext and signature change.
func (c *Codec) Rewrap(e *Envelope, relay Signer, relayKeys *identity.PeerIdentity, nextHopKey nike.PublicKey) (*Envelope, error) {
	if err := c.verifyOuter(e); err != nil {
		return nil, err
	}
	basePlaintext, err := c.unsealBase(e, relayKeys)
	if err != nil {
		return nil, err
	}
	return c.seal(e.Type, relay, e.Target, nextHopKey, e.OpHeader, basePlaintext)
}
