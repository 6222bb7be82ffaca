// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package peerdb defines the server peer directory abstract interface.
// The directory holds public identities and routing metadata only; group
// symmetric keys are never stored server-side.
package peerdb

import (
	"github.com/resolution-comms/protocol/core/identity"
)

// PeerDB is the interface provided by all peer directory implementations.
type PeerDB interface {
	identity.Directory

	// Exists returns true iff the fingerprint is registered.
	Exists(identity.Fingerprint) bool

	// Add registers a public identity.  Existing peers are refreshed iff
	// update is set, retaining the superseded signing key for the rotation
	// grace window; otherwise an error is returned.
	Add(*identity.PublicIdentity, bool) error

	// Remove removes the peer from the directory.
	Remove(identity.Fingerprint) error

	// Close closes the PeerDB instance.
	Close()
}
