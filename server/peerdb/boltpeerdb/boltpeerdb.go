// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltpeerdb implements the server peer directory with a simple
// boltdb based backend.
package boltpeerdb

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/resolution-comms/protocol/core/identity"
	"github.com/resolution-comms/protocol/server/peerdb"
)

const (
	peersBucket      = "peers"
	supersededBucket = "superseded"
)

// BoltPeerDBOption is a constructor option.
type BoltPeerDBOption func(*boltPeerDB)

// WithRotationGrace overrides the window within which a superseded signing
// key still verifies.
func WithRotationGrace(d time.Duration) BoltPeerDBOption {
	return func(db *boltPeerDB) {
		db.grace = d
	}
}

type boltPeerDB struct {
	sync.RWMutex

	db        *bolt.DB
	peerCache map[identity.Fingerprint]bool

	grace time.Duration
}

func (d *boltPeerDB) Exists(fp identity.Fingerprint) bool {
	d.RLock()
	defer d.RUnlock()

	return d.peerCache[fp]
}

func (d *boltPeerDB) loadIdentity(fp identity.Fingerprint) (*identity.PublicIdentity, error) {
	var raw []byte
	if err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peersBucket))
		if b := bkt.Get(fp[:]); b != nil {
			raw = append([]byte{}, b...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, identity.ErrUnknownPeer
	}
	pub := new(identity.PublicIdentity)
	if err := pub.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return pub, nil
}

func (d *boltPeerDB) PublicKeysOf(fp identity.Fingerprint) (*identity.PublicIdentity, error) {
	if !d.Exists(fp) {
		return nil, identity.ErrUnknownPeer
	}
	return d.loadIdentity(fp)
}

func (d *boltPeerDB) VerifierForScope(fp identity.Fingerprint, scope string) (identity.ScopedVerifier, error) {
	pub, err := d.PublicKeysOf(fp)
	if err != nil {
		return nil, err
	}

	if scope != "" {
		g, ok := pub.Scopes[scope]
		if !ok {
			return nil, identity.ErrUnknownScope
		}
		return identity.NewVerifier(scope, g.Key), nil
	}

	current := pub.SigningKey
	superseded, err := d.loadSuperseded(fp)
	if err != nil {
		return nil, err
	}
	if superseded != nil {
		return identity.NewVerifier("", current, superseded.SigningKey), nil
	}
	return identity.NewVerifier("", current), nil
}

// loadSuperseded returns the peer's prior identity if its grace window
// still holds, nil otherwise.
func (d *boltPeerDB) loadSuperseded(fp identity.Fingerprint) (*identity.PublicIdentity, error) {
	var raw []byte
	if err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(supersededBucket))
		if b := bkt.Get(fp[:]); b != nil {
			raw = append([]byte{}, b...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, nil
	}
	expiry := time.Unix(int64(binary.BigEndian.Uint64(raw[:8])), 0)
	if time.Now().After(expiry) {
		return nil, nil
	}
	pub := new(identity.PublicIdentity)
	if err := pub.UnmarshalBinary(raw[8:]); err != nil {
		return nil, err
	}
	return pub, nil
}

func (d *boltPeerDB) Add(pub *identity.PublicIdentity, update bool) error {
	if pub == nil {
		return fmt.Errorf("peerdb: must provide a public identity")
	}
	if err := pub.Validate(); err != nil {
		return err
	}
	fp := pub.Fingerprint()
	switch d.Exists(fp) {
	case true:
		if !update {
			return fmt.Errorf("peerdb: peer already exists")
		}
	case false:
		if update {
			return identity.ErrUnknownPeer
		}
	}

	// An update overwriting the stored keys must be endorsed by them; a
	// re-announcement of the stored key epoch passes through unchanged.
	var rotated bool
	if update {
		prev, err := d.loadIdentity(fp)
		if err != nil {
			return err
		}
		if err = pub.VerifyUpdateOf(prev); err != nil {
			return err
		}
		rotated = pub.KeyEpoch != prev.KeyEpoch
	}

	raw, err := pub.MarshalBinary()
	if err != nil {
		return err
	}

	err = d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peersBucket))
		if rotated {
			// Retain the superseded identity for the grace window so
			// in-flight signatures made with the prior key still verify.
			if old := bkt.Get(fp[:]); old != nil {
				ent := make([]byte, 8+len(old))
				binary.BigEndian.PutUint64(ent[:8], uint64(time.Now().Add(d.grace).Unix()))
				copy(ent[8:], old)
				sBkt := tx.Bucket([]byte(supersededBucket))
				if err := sBkt.Put(fp[:], ent); err != nil {
					return err
				}
			}
		}
		return bkt.Put(fp[:], raw)
	})
	if err == nil {
		d.Lock()
		defer d.Unlock()

		d.peerCache[fp] = true
	}
	return err
}

func (d *boltPeerDB) Remove(fp identity.Fingerprint) error {
	if !d.Exists(fp) {
		return identity.ErrUnknownPeer
	}

	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(peersBucket)).Delete(fp[:]); err != nil {
			return err
		}
		return tx.Bucket([]byte(supersededBucket)).Delete(fp[:])
	})
	if err == nil {
		d.Lock()
		defer d.Unlock()

		delete(d.peerCache, fp)
	}
	return err
}

func (d *boltPeerDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a peer directory from the boltdb file at f.
func New(f string, opts ...BoltPeerDBOption) (peerdb.PeerDB, error) {
	const (
		version = 0

		metadataBucket = "metadata"
		versionKey     = "version"
	)

	var err error

	d := new(boltPeerDB)
	d.grace = identity.DefaultRotationGrace
	for _, opt := range opts {
		opt(d)
	}
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d.peerCache = make(map[identity.Fingerprint]bool)

	if err = d.db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exist, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		peersBkt, err := tx.CreateBucketIfNotExists([]byte(peersBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(supersededBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well, looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("peerdb: incompatible version: %d", uint(b[0]))
			}

			// Populate the peer cache.
			return peersBkt.ForEach(func(k, v []byte) error {
				fp, err := identity.FingerprintFromBytes(k)
				if err != nil {
					return err
				}
				d.peerCache[fp] = true
				return nil
			})
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		// The struct isn't getting persisted so just close the db.
		d.db.Close()
		return nil, err
	}

	return d, nil
}
