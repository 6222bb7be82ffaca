// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the layered envelope format: the signed,
// encrypted unit exchanged between peers.
package envelope

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/resolution-comms/protocol/core/identity"
)

const (
	// Version is the envelope format version this codec speaks.
	Version = 0x01

	// TargetIDSize is the size of the target field: a peer fingerprint or a
	// group identifier.
	TargetIDSize = 32

	// NonceSize is the size of the one-time envelope nonce.
	NonceSize = 24

	// MaxEnvelopeSize bounds a serialized envelope.
	MaxEnvelopeSize = 1048576

	maxOpFieldLength = 255
)

// Type is the envelope type tag, visible to any intermediary holding the
// base decryption key.
type Type uint8

const (
	// TypeServer is handled locally by the receiving server (introspection).
	TypeServer Type = iota

	// TypeFederation is relayed between servers.
	TypeFederation

	// TypeKeyShare carries key material sealed end-to-end to a single final
	// recipient (client_direct layering).
	TypeKeyShare

	// TypeChat carries a group message sealed under a group epoch key
	// (group layering).
	TypeChat

	// TypeGroupModify carries a membership operation with a plaintext
	// operation header, its body sealed under the group epoch key
	// (operation layering).
	TypeGroupModify

	numTypes
)

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypeServer:
		return "server"
	case TypeFederation:
		return "federation"
	case TypeKeyShare:
		return "key_share"
	case TypeChat:
		return "chat"
	case TypeGroupModify:
		return "group_modify"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// IsNested returns true if the type nests a non-base encryption layer that
// remains opaque to the mediating server.
func (t Type) IsNested() bool {
	switch t {
	case TypeKeyShare, TypeChat, TypeGroupModify:
		return true
	default:
		return false
	}
}

// OperationHeader is the plaintext operation name and scope attached to
// group_modify envelopes, exposed at the base layer by design so a server
// can authorize and dispatch without decrypting the request body.
type OperationHeader struct {
	// Name is the operation name, eg "add_member".
	Name string

	// Scope is the permission scope the signer claims, eg
	// "group_modify:admin".
	Scope string
}

// Nonce is the one-time random value unique to each envelope.
type Nonce [NonceSize]byte

// NewNonce generates a fresh envelope nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	_, err := io.ReadFull(rand.Reader, n[:])
	return n, err
}

// Envelope is the wire unit.  It is immutable once constructed; relaying
// builds a new envelope around the untouched inner ciphertext.
type Envelope struct {
	// Version is the format version.
	Version uint8

	// Type is the envelope type tag.
	Type Type

	// Source is the fingerprint of the peer whose key made Signature.
	Source identity.Fingerprint

	// Target is the final peer fingerprint or group identifier.
	Target [TargetIDSize]byte

	// Nonce is the one-time envelope nonce.
	Nonce Nonce

	// OpHeader is present only for TypeGroupModify.
	OpHeader *OperationHeader

	// Ciphertext is the base-layer ciphertext, always sealed to the
	// immediate next hop.
	Ciphertext []byte

	// Signature covers every preceding field.
	Signature []byte
}

// SignedBytes returns the serialized fields covered by the signature:
// everything from the version byte through the ciphertext.
func (e *Envelope) SignedBytes() []byte {
	b := make([]byte, 0, e.headerLength()+len(e.Ciphertext))
	b = append(b, e.Version, byte(e.Type))
	b = append(b, e.Source[:]...)
	b = append(b, e.Target[:]...)
	b = append(b, e.Nonce[:]...)
	if e.OpHeader != nil {
		b = append(b, uint8(len(e.OpHeader.Name)))
		b = append(b, e.OpHeader.Name...)
		b = append(b, uint8(len(e.OpHeader.Scope)))
		b = append(b, e.OpHeader.Scope...)
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(e.Ciphertext)))
	b = append(b, tmp[:]...)
	b = append(b, e.Ciphertext...)
	return b
}

func (e *Envelope) headerLength() int {
	l := 2 + identity.FingerprintSize + TargetIDSize + NonceSize + 4
	if e.OpHeader != nil {
		l += 2 + len(e.OpHeader.Name) + len(e.OpHeader.Scope)
	}
	return l
}

// ToBytes serializes the envelope in canonical field order.
func (e *Envelope) ToBytes() []byte {
	b := e.SignedBytes()
	return append(b, e.Signature...)
}

// FromBytes deserializes an envelope, performing structural validation
// only.  Signature verification and decryption are the codec's Decode.
func FromBytes(b []byte) (*Envelope, error) {
	if len(b) > MaxEnvelopeSize {
		return nil, protocolErrorf("envelope exceeds maximum size: %d", len(b))
	}
	const fixed = 2 + identity.FingerprintSize + TargetIDSize + NonceSize
	if len(b) < fixed {
		return nil, protocolErrorf("truncated envelope: %d bytes", len(b))
	}

	e := new(Envelope)
	e.Version = b[0]
	if e.Version != Version {
		return nil, protocolErrorf("unsupported version: %d", e.Version)
	}
	e.Type = Type(b[1])
	if e.Type >= numTypes {
		return nil, protocolErrorf("unknown type: %d", b[1])
	}

	off := 2
	copy(e.Source[:], b[off:off+identity.FingerprintSize])
	off += identity.FingerprintSize
	copy(e.Target[:], b[off:off+TargetIDSize])
	off += TargetIDSize
	copy(e.Nonce[:], b[off:off+NonceSize])
	off += NonceSize

	if e.Type == TypeGroupModify {
		op := new(OperationHeader)
		for _, field := range []*string{&op.Name, &op.Scope} {
			if len(b) < off+1 {
				return nil, protocolErrorf("truncated operation header")
			}
			n := int(b[off])
			off++
			if len(b) < off+n {
				return nil, protocolErrorf("truncated operation header")
			}
			*field = string(b[off : off+n])
			off += n
		}
		if op.Name == "" || op.Scope == "" {
			return nil, protocolErrorf("empty operation header field")
		}
		e.OpHeader = op
	}

	if len(b) < off+4 {
		return nil, protocolErrorf("truncated ciphertext length")
	}
	ctLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	sigLen := identity.SignScheme.SignatureSize()
	if len(b) != off+ctLen+sigLen {
		return nil, protocolErrorf("invalid envelope length: %d", len(b))
	}
	e.Ciphertext = append([]byte{}, b[off:off+ctLen]...)
	e.Signature = append([]byte{}, b[off+ctLen:]...)
	return e, nil
}

// Header is the cleartext-visible view of an envelope: what a mediator may
// dispatch on without holding any inner key.
type Header struct {
	Version  uint8
	Type     Type
	Source   identity.Fingerprint
	Target   [TargetIDSize]byte
	Nonce    Nonce
	OpHeader *OperationHeader
}

// Header returns the envelope's cleartext-visible fields.
func (e *Envelope) Header() *Header {
	return &Header{
		Version:  e.Version,
		Type:     e.Type,
		Source:   e.Source,
		Target:   e.Target,
		Nonce:    e.Nonce,
		OpHeader: e.OpHeader,
	}
}

// ParseHeader deserializes only the cleartext-visible fields of a raw
// envelope.  This is the first phase of the two-phase decode used by the
// mediator's dispatch path.
func ParseHeader(b []byte) (*Header, error) {
	e, err := FromBytes(b)
	if err != nil {
		return nil, err
	}
	return e.Header(), nil
}
