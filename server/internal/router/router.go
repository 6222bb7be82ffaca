// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements the server-side envelope dispatcher.
package router

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/resolution-comms/protocol/core/envelope"
	"github.com/resolution-comms/protocol/core/identity"
	"github.com/resolution-comms/protocol/core/wire"
	"github.com/resolution-comms/protocol/core/worker"
	"github.com/resolution-comms/protocol/server/internal/glue"
	"github.com/resolution-comms/protocol/server/internal/instrument"
)

// Result status values carried in server reply envelopes.
const (
	StatusOk                  = "ok"
	StatusAuthorizationDenied = "authorization_denied"
	StatusEpochConflict       = "epoch_conflict"
	StatusUnknownGroup        = "unknown_group"
)

// StatusDocument is the CBOR payload of an introspection reply.  The
// advertised modify timeout is the window within which this server's
// group_modify acknowledgements arrive; clients bound their proposals by
// it.
type StatusDocument struct {
	Status           string `cbor:"status"`
	Server           string `cbor:"server"`
	Protocol         string `cbor:"protocol"`
	ModifyTimeoutSec int    `cbor:"modify_timeout_sec,omitempty"`
}

// ModifyResult is the CBOR payload acknowledging (or refusing) a
// group_modify request.
type ModifyResult struct {
	Status string `cbor:"status"`
	Scope  string `cbor:"scope,omitempty"`
	Group  []byte `cbor:"group"`
	Epoch  uint64 `cbor:"epoch"`
}

// groupMeta is the routing metadata retained per group: the epoch number
// and member set only, never key material.
type groupMeta struct {
	sync.Mutex

	epoch   uint64
	members map[identity.Fingerprint]bool
}

type router struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	ch        *channels.InfiniteChannel
	transport glue.Transport

	replayLock sync.Mutex
	replay     *bloom.Filter

	groupsLock sync.RWMutex
	groups     map[[envelope.TargetIDSize]byte]*groupMeta
}

func (r *router) Halt() {
	r.Worker.Halt()
	r.ch.Close()
}

func (r *router) OnSubmission(s *glue.Submission) {
	r.ch.In() <- s
}

// isReplay marks the envelope nonce as seen and reports whether it was
// seen before.
func (r *router) isReplay(n envelope.Nonce) bool {
	r.replayLock.Lock()
	defer r.replayLock.Unlock()

	if r.replay.Entries() >= r.replay.MaxEntries() {
		// A saturated filter only raises the false positive rate; dropped
		// legitimate traffic is preferable to accepted replays.
		r.log.Warning("Replay filter saturated.")
	}
	return r.replay.TestAndSet(n[:])
}

func (r *router) worker() {
	defer r.log.Debugf("Halting router worker.")

	ch := r.ch.Out()

	for {
		var s *glue.Submission
		select {
		case <-r.HaltCh():
			r.log.Debugf("Terminating gracefully.")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s = e.(*glue.Submission)
		}
		r.dispatch(s)
	}
}

func (r *router) dispatch(s *glue.Submission) {
	e := s.Envelope
	instrument.Incoming(e.Type.String())

	if r.isReplay(e.Nonce) {
		r.log.Debugf("Dropping envelope from %v: replayed nonce.", e.Source)
		instrument.EnvelopesReplayed()
		return
	}

	switch e.Type {
	case envelope.TypeServer:
		r.onIntrospection(e)
	case envelope.TypeFederation:
		r.onFederation(e)
	case envelope.TypeKeyShare:
		r.forwardTo(identity.Fingerprint(e.Target), e)
	case envelope.TypeChat:
		r.onChat(e)
	case envelope.TypeGroupModify:
		r.onGroupModify(s)
	default:
		r.log.Errorf("Dropping envelope from %v: unknown type %d.", e.Source, e.Type)
		instrument.EnvelopesDropped()
	}
}

// onIntrospection handles a server envelope locally.  No relay.
func (r *router) onIntrospection(e *envelope.Envelope) {
	if _, err := r.glue.Codec().Decode(e, r.glue.Identity(), nil); err != nil {
		r.log.Debugf("Dropping server envelope from %v: %v", e.Source, err)
		instrument.EnvelopesDropped()
		return
	}
	r.reply(e.Source, &StatusDocument{
		Status:           StatusOk,
		Server:           r.glue.Identity().Name(),
		Protocol:         wire.ProtocolTag,
		ModifyTimeoutSec: r.glue.Config().Debug.GroupModifyTimeoutSec,
	})
}

// onFederation decapsulates an envelope relayed in from a peer server and
// re-dispatches it as if submitted locally.
func (r *router) onFederation(e *envelope.Envelope) {
	d, err := r.glue.Codec().Decode(e, r.glue.Identity(), nil)
	if err != nil {
		r.log.Debugf("Dropping federation envelope from %v: %v", e.Source, err)
		instrument.EnvelopesDropped()
		return
	}
	inner, err := envelope.FromBytes(d.Payload)
	if err != nil {
		r.log.Debugf("Dropping federation envelope from %v: %v", e.Source, err)
		instrument.EnvelopesDropped()
		return
	}
	if inner.Type == envelope.TypeFederation {
		// Never re-enter the federation path from itself.
		r.log.Errorf("Dropping federation envelope from %v: nested federation.", e.Source)
		instrument.EnvelopesDropped()
		return
	}
	r.dispatch(&glue.Submission{Envelope: inner})
}

// onChat authorizes the sender as a current group member by metadata
// alone, then fans re-enveloped copies of the untouched inner ciphertext
// out to every other member.
func (r *router) onChat(e *envelope.Envelope) {
	meta := r.groupFor(e.Target)
	if meta == nil {
		r.log.Debugf("Dropping chat envelope from %v: unknown group.", e.Source)
		instrument.EnvelopesDropped()
		return
	}

	meta.Lock()
	if !meta.members[e.Source] {
		meta.Unlock()
		r.log.Debugf("Dropping chat envelope from %v: not a member.", e.Source)
		instrument.AuthorizationDenied()
		r.reply(e.Source, &ModifyResult{
			Status: StatusAuthorizationDenied,
			Group:  e.Target[:],
		})
		return
	}
	recipients := make([]identity.Fingerprint, 0, len(meta.members))
	for fp := range meta.members {
		if fp != e.Source {
			recipients = append(recipients, fp)
		}
	}
	meta.Unlock()

	for _, fp := range recipients {
		r.forwardTo(fp, e)
	}
}

// onGroupModify authorizes the declared scope, checks the proposed epoch
// against the retained metadata and, all-or-nothing, commits the new
// member set and relays the attached key_share distributions.
func (r *router) onGroupModify(s *glue.Submission) {
	e := s.Envelope

	d, err := r.glue.Codec().Decode(e, r.glue.Identity(), nil)
	if err != nil {
		if !errors.Is(err, identity.ErrUnknownScope) {
			r.log.Debugf("Dropping group_modify envelope from %v: %v", e.Source, err)
			instrument.EnvelopesDropped()
			return
		}
		// The signer holds no key for the declared scope.
		authErr := &envelope.AuthorizationError{Scope: e.OpHeader.Scope}
		r.log.Debugf("Refusing group_modify from %v: %v", e.Source, authErr)
		instrument.AuthorizationDenied()
		r.reply(e.Source, &ModifyResult{
			Status: StatusAuthorizationDenied,
			Scope:  authErr.Scope,
			Group:  e.Target[:],
		})
		return
	}

	// The new member set is exactly the set of key_share targets; a
	// removed member receives no share and thereby leaves the set.
	members := make(map[identity.Fingerprint]bool, len(s.Attachments))
	for _, share := range s.Attachments {
		if share.Type != envelope.TypeKeyShare {
			r.log.Debugf("Dropping group_modify envelope from %v: bad attachment type.", e.Source)
			instrument.EnvelopesDropped()
			return
		}
		members[identity.Fingerprint(share.Target)] = true
	}

	meta, created := r.groupForCreate(e.Target)
	meta.Lock()
	proposed := d.InnerEpoch
	switch {
	case created && proposed == 0, !created && proposed == meta.epoch+1:
	default:
		current := meta.epoch
		meta.Unlock()
		r.log.Debugf("Refusing group_modify from %v: epoch conflict (have %d, proposed %d).",
			e.Source, current, proposed)
		r.reply(e.Source, &ModifyResult{
			Status: StatusEpochConflict,
			Group:  e.Target[:],
			Epoch:  current,
		})
		return
	}
	meta.epoch = proposed
	meta.members = members
	meta.Unlock()

	for _, share := range s.Attachments {
		r.forwardTo(identity.Fingerprint(share.Target), share)
	}
	r.reply(e.Source, &ModifyResult{
		Status: StatusOk,
		Group:  e.Target[:],
		Epoch:  proposed,
	})
}

// forwardTo relays an envelope toward target, re-wrapping the base layer
// for the hop.  Locally connected peers get a directly re-sealed copy;
// everything else goes through federation.
func (r *router) forwardTo(target identity.Fingerprint, e *envelope.Envelope) {
	if r.transport.IsLocal(target) {
		pub, err := r.glue.PeerDB().PublicKeysOf(target)
		if err != nil {
			r.log.Debugf("Dropping envelope for %v: %v", target, err)
			instrument.EnvelopesDropped()
			return
		}
		wrapped, err := r.glue.Codec().Rewrap(e, r.glue.Identity(), r.glue.Identity(), pub.EncryptionKey)
		if err != nil {
			r.log.Debugf("Dropping envelope for %v: %v", target, err)
			instrument.EnvelopesDropped()
			return
		}
		if err = r.transport.Send(target, wrapped); err != nil {
			r.log.Debugf("Dropping envelope for %v: %v", target, err)
			instrument.EnvelopesDropped()
			return
		}
		instrument.EnvelopesRelayed()
		return
	}

	via, ok := r.glue.Federation().RouteOf(target)
	if !ok {
		r.log.Debugf("Dropping envelope for %v: no route.", target)
		instrument.EnvelopesDropped()
		return
	}
	if err := r.glue.Federation().DispatchEnvelope(via, e); err != nil {
		r.log.Debugf("Dropping envelope for %v: %v", target, err)
		instrument.EnvelopesDropped()
		return
	}
	instrument.FederationForwarded()
}

// reply sends a server envelope carrying a CBOR document back to fp.
func (r *router) reply(fp identity.Fingerprint, doc interface{}) {
	pub, err := r.glue.PeerDB().PublicKeysOf(fp)
	if err != nil {
		r.log.Debugf("Discarding reply for %v: %v", fp, err)
		return
	}
	payload, err := cbor.Marshal(doc)
	if err != nil {
		r.log.Errorf("Discarding reply for %v: %v", fp, err)
		return
	}
	e, err := r.glue.Codec().EncodeBase(envelope.TypeServer, r.glue.Identity(), fp, pub.EncryptionKey, payload)
	if err != nil {
		r.log.Errorf("Discarding reply for %v: %v", fp, err)
		return
	}
	if r.transport.IsLocal(fp) {
		if err = r.transport.Send(fp, e); err != nil {
			r.log.Debugf("Discarding reply for %v: %v", fp, err)
		}
		return
	}
	if via, ok := r.glue.Federation().RouteOf(fp); ok {
		if err = r.glue.Federation().DispatchEnvelope(via, e); err != nil {
			r.log.Debugf("Discarding reply for %v: %v", fp, err)
		}
	}
}

func (r *router) groupFor(id [envelope.TargetIDSize]byte) *groupMeta {
	r.groupsLock.RLock()
	defer r.groupsLock.RUnlock()
	return r.groups[id]
}

func (r *router) groupForCreate(id [envelope.TargetIDSize]byte) (*groupMeta, bool) {
	r.groupsLock.Lock()
	defer r.groupsLock.Unlock()
	if g, ok := r.groups[id]; ok {
		return g, false
	}
	g := &groupMeta{members: make(map[identity.Fingerprint]bool)}
	r.groups[id] = g
	return g, true
}

// New constructs a new router instance.
func New(g glue.Glue, transport glue.Transport) (glue.Router, error) {
	// 4 MiB filter, enough for a couple million in-flight nonces.
	filter, err := bloom.New(rand.Reader, 25, 0.001)
	if err != nil {
		return nil, err
	}
	r := &router{
		glue:      g,
		log:       g.LogBackend().GetLogger("router"),
		ch:        channels.NewInfiniteChannel(),
		transport: transport,
		replay:    filter,
		groups:    make(map[[envelope.TargetIDSize]byte]*groupMeta),
	}
	r.Go(r.worker)
	return r, nil
}
