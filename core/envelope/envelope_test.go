// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/resolution-comms/protocol/core/identity"
)

func testEnvelope(t *testing.T, et Type, op *OperationHeader) *Envelope {
	nonce, err := NewNonce()
	require.NoError(t, err)
	e := &Envelope{
		Version:    Version,
		Type:       et,
		Nonce:      nonce,
		OpHeader:   op,
		Ciphertext: []byte("opaque ciphertext bytes"),
		Signature:  make([]byte, identity.SignScheme.SignatureSize()),
	}
	_, err = rand.Reader.Read(e.Source[:])
	require.NoError(t, err)
	_, err = rand.Reader.Read(e.Target[:])
	require.NoError(t, err)
	_, err = rand.Reader.Read(e.Signature)
	require.NoError(t, err)
	return e
}

func TestEnvelopeFromBytes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, et := range []Type{TypeServer, TypeFederation, TypeKeyShare, TypeChat} {
		e := testEnvelope(t, et, nil)
		out, err := FromBytes(e.ToBytes())
		require.NoError(err, "%v: FromBytes() failed", et)
		require.Equal(e, out, "%v: round trip mismatch", et)
	}

	e := testEnvelope(t, TypeGroupModify, &OperationHeader{Name: "remove_member", Scope: "group_modify:admin"})
	out, err := FromBytes(e.ToBytes())
	require.NoError(err, "group_modify: FromBytes() failed")
	require.Equal(e, out, "group_modify: round trip mismatch")
}

func TestEnvelopeFromBytesMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	isProtocolError := func(err error) {
		require.Error(err)
		require.IsType(&ProtocolError{}, err)
	}

	e := testEnvelope(t, TypeChat, nil)
	raw := e.ToBytes()

	// Unsupported version.
	bad := append([]byte{}, raw...)
	bad[0] = 0xff
	_, err := FromBytes(bad)
	isProtocolError(err)

	// Unknown type.
	bad = append([]byte{}, raw...)
	bad[1] = byte(numTypes)
	_, err = FromBytes(bad)
	isProtocolError(err)

	// Truncations at every boundary.
	for _, n := range []int{0, 1, 2 + identity.FingerprintSize, len(raw) - 1} {
		_, err = FromBytes(raw[:n])
		isProtocolError(err)
	}

	// Trailing garbage.
	_, err = FromBytes(append(append([]byte{}, raw...), 0x00))
	isProtocolError(err)

	// group_modify with an empty operation header field.
	e = testEnvelope(t, TypeGroupModify, &OperationHeader{Name: "add_member", Scope: ""})
	_, err = FromBytes(e.ToBytes())
	isProtocolError(err)
}

func TestParseHeader(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	op := &OperationHeader{Name: "add_member", Scope: "group_modify:admin"}
	e := testEnvelope(t, TypeGroupModify, op)

	h, err := ParseHeader(e.ToBytes())
	require.NoError(err, "ParseHeader() failed")
	require.Equal(e.Type, h.Type)
	require.Equal(e.Source, h.Source)
	require.Equal(e.Target, h.Target)
	require.Equal(e.Nonce, h.Nonce)
	require.Equal(op, h.OpHeader)
}

func TestTypeNesting(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.False(TypeServer.IsNested())
	require.False(TypeFederation.IsNested())
	require.True(TypeKeyShare.IsNested())
	require.True(TypeChat.IsNested())
	require.True(TypeGroupModify.IsNested())

	require.Equal("chat", TypeChat.String())
	require.Equal("group_modify", TypeGroupModify.String())
}
