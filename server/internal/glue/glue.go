// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"

	"github.com/resolution-comms/protocol/core/envelope"
	"github.com/resolution-comms/protocol/core/identity"
	"github.com/resolution-comms/protocol/core/log"
	"github.com/resolution-comms/protocol/server/config"
	"github.com/resolution-comms/protocol/server/peerdb"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend

	// Identity is the server's own peer identity.
	Identity() *identity.PeerIdentity

	Codec() *envelope.Codec
	PeerDB() peerdb.PeerDB
	Router() Router
	Federation() Federation
}

// Transport delivers envelopes to locally connected clients.  The
// underlying peer-to-peer transport is an external collaborator; this is
// the narrow surface the router needs from it.
type Transport interface {
	// IsLocal returns true iff the peer has a live session on this server.
	IsLocal(identity.Fingerprint) bool

	// Send delivers an envelope to a locally connected peer.
	Send(identity.Fingerprint, *envelope.Envelope) error
}

// Submission is an inbound envelope along with the attachments submitted
// with it.  Only group_modify envelopes carry attachments: the key_share
// distributions of the proposed rotation.
type Submission struct {
	Envelope    *envelope.Envelope
	Attachments []*envelope.Envelope
}

// Router is the server-side dispatcher.
type Router interface {
	Halt()

	// OnSubmission enqueues an inbound submission for dispatch.
	OnSubmission(*Submission)
}

// Federation relays envelopes across server boundaries.
type Federation interface {
	Halt()

	// OnAcceptedConn runs a responder link over a connection accepted
	// from a peer server.
	OnAcceptedConn(net.Conn)

	// RouteOf returns the fingerprint of the peer server a remote peer
	// resides on, if known.
	RouteOf(identity.Fingerprint) (identity.Fingerprint, bool)

	// DispatchEnvelope forwards an envelope to the named peer server,
	// re-wrapping the base layer for that hop.
	DispatchEnvelope(via identity.Fingerprint, e *envelope.Envelope) error
}
