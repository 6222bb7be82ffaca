// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package federation implements the server-to-server relay links.
package federation

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/resolution-comms/protocol/core/envelope"
	"github.com/resolution-comms/protocol/core/identity"
	"github.com/resolution-comms/protocol/core/wire"
	"github.com/resolution-comms/protocol/core/worker"
	"github.com/resolution-comms/protocol/server/config"
	"github.com/resolution-comms/protocol/server/internal/glue"
	"github.com/resolution-comms/protocol/server/internal/instrument"
)

const (
	retryIncrement = 15 * time.Second
	maxRetryDelay  = 2 * time.Minute

	linkChCapacity = 64
)

var errNoLink = errors.New("federation: no link for peer server")

// federation maintains the adjacency map of directed links to peer
// servers, plus the route table mapping remote client fingerprints to the
// server they reside on.
type federation struct {
	sync.RWMutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	conns map[identity.Fingerprint]*link

	routesLock sync.RWMutex
	routes     map[identity.Fingerprint]identity.Fingerprint

	closeAllCh chan struct{}
	closeAllWg sync.WaitGroup
}

func (f *federation) Halt() {
	f.Worker.Halt()

	close(f.closeAllCh)
	f.closeAllWg.Wait()
}

// RouteOf implements glue.Federation.
func (f *federation) RouteOf(fp identity.Fingerprint) (identity.Fingerprint, bool) {
	f.routesLock.RLock()
	defer f.routesLock.RUnlock()
	via, ok := f.routes[fp]
	return via, ok
}

// SetRoute records that the remote peer fp resides on the peer server via.
func (f *federation) SetRoute(fp, via identity.Fingerprint) {
	f.routesLock.Lock()
	defer f.routesLock.Unlock()
	f.routes[fp] = via
}

// DispatchEnvelope implements glue.Federation.  The envelope is queued on
// the link to via; the link worker encapsulates it into a federation
// envelope sealed to that server once the link is established.
func (f *federation) DispatchEnvelope(via identity.Fingerprint, e *envelope.Envelope) error {
	f.RLock()
	l, ok := f.conns[via]
	f.RUnlock()
	if !ok {
		return errNoLink
	}
	return l.dispatchEnvelope(e)
}

func (f *federation) onLinkEstablished(l *link, creds *wire.PeerCredentials) error {
	if err := f.glue.PeerDB().Add(creds.Identity, f.glue.PeerDB().Exists(creds.Fingerprint)); err != nil {
		return err
	}

	f.Lock()
	defer f.Unlock()
	if _, ok := f.conns[creds.Fingerprint]; ok {
		return fmt.Errorf("federation: duplicate link to '%v'", creds.Identity.Name)
	}
	f.conns[creds.Fingerprint] = l
	return nil
}

func (f *federation) onLinkClosed(fp identity.Fingerprint, l *link) {
	f.Lock()
	defer f.Unlock()
	if f.conns[fp] == l {
		delete(f.conns, fp)
	}
}

// link is one directed edge to a peer server.  Initiator links dial and
// retry forever; responder links are bound to an accepted connection and
// die with it.
type link struct {
	f   *federation
	log *logging.Logger

	dst *config.FederationPeer
	ch  chan *envelope.Envelope

	retryDelay time.Duration
}

// IsPeerValid implements wire.PeerAuthenticator.  Links only ever carry
// server peers, and initiator links additionally pin the configured
// identifier.
func (l *link) IsPeerValid(creds *wire.PeerCredentials) bool {
	if creds.Identity.Role != identity.RoleServer {
		return false
	}
	if l.dst != nil && creds.Identity.Name != l.dst.Identifier {
		return false
	}
	return true
}

func (l *link) dispatchEnvelope(e *envelope.Envelope) error {
	select {
	case l.ch <- e:
		return nil
	default:
		// Queueing a stale envelope past a wedged link helps nobody.
		return errors.New("federation: link queue full")
	}
}

// worker is the dial/retry loop for initiator links.
func (l *link) worker() {
	defer l.f.closeAllWg.Done()

	for {
		for _, addr := range l.dst.Addresses {
			conn, err := net.DialTimeout("tcp", addr, l.f.glue.Config().Debug.HandshakeTimeout())
			if err != nil {
				l.log.Debugf("Failed to connect to '%v': %v", addr, err)
				continue
			}
			l.log.Debugf("Link connected: '%v'.", addr)
			start := time.Now()
			if halted := l.onConnEstablished(conn, true); halted {
				return
			}
			if time.Since(start) > retryIncrement {
				l.retryDelay = 0
			}
		}

		l.retryDelay += retryIncrement
		if l.retryDelay > maxRetryDelay {
			l.retryDelay = maxRetryDelay
		}
		select {
		case <-l.f.closeAllCh:
			return
		case <-time.After(l.retryDelay):
		}
	}
}

// onConnEstablished runs the key exchange and then pumps the link until
// the connection dies or the server halts.  Returns true if halted.
func (l *link) onConnEstablished(conn net.Conn, isInitiator bool) bool {
	defer conn.Close()

	session, err := wire.NewSession(&wire.SessionConfig{
		Authenticator:    l,
		Local:            l.f.glue.Identity(),
		HandshakeTimeout: l.f.glue.Config().Debug.HandshakeTimeout(),
	}, isInitiator)
	if err != nil {
		l.log.Errorf("Failed to create session: %v", err)
		return false
	}
	if err = session.Exchange(conn); err != nil {
		l.log.Debugf("Handshake failed: %v", err)
		return false
	}
	creds, err := session.PeerCredentials()
	if err != nil {
		return false
	}
	if err = l.f.onLinkEstablished(l, creds); err != nil {
		l.log.Errorf("Failed to register link: %v", err)
		return false
	}
	defer l.f.onLinkClosed(creds.Fingerprint, l)

	// Unblock the send pump when the peer hangs up.
	connClosedCh := make(chan struct{})
	go func() {
		defer close(connClosedCh)
		l.recvWorker(session, conn, creds)
	}()

	for {
		select {
		case <-l.f.closeAllCh:
			return true
		case <-connClosedCh:
			return false
		case e := <-l.ch:
			if err = l.sendEnvelope(session, conn, creds, e); err != nil {
				l.log.Debugf("Link send failed: %v", err)
				return false
			}
		}
	}
}

// sendEnvelope encapsulates e into a federation envelope sealed to the
// peer server for this hop.  The inner layers pass through bit-for-bit.
func (l *link) sendEnvelope(session *wire.Session, conn net.Conn, creds *wire.PeerCredentials, e *envelope.Envelope) error {
	wrapped, err := l.f.glue.Codec().EncodeBase(envelope.TypeFederation, l.f.glue.Identity(),
		creds.Fingerprint, creds.Identity.EncryptionKey, e.ToBytes())
	if err != nil {
		return err
	}
	return session.SendMessage(conn, wrapped.ToBytes())
}

// recvWorker feeds inbound envelopes into the router, and learns routes
// from the sources it sees behind the peer server.
func (l *link) recvWorker(session *wire.Session, conn net.Conn, creds *wire.PeerCredentials) {
	for {
		raw, err := session.RecvMessage(conn)
		if err != nil {
			l.log.Debugf("Link receive failed: %v", err)
			return
		}
		e, err := envelope.FromBytes(raw)
		if err != nil {
			l.log.Errorf("Dropping link message: %v", err)
			instrument.EnvelopesDropped()
			continue
		}
		if e.Type == envelope.TypeFederation {
			l.f.learnRoutes(e, creds.Fingerprint)
		}
		l.f.glue.Router().OnSubmission(&glue.Submission{Envelope: e})
	}
}

// learnRoutes records the encapsulated envelope's original source as
// residing behind the peer server the federation envelope arrived from.
func (f *federation) learnRoutes(e *envelope.Envelope, via identity.Fingerprint) {
	d, err := f.glue.Codec().Decode(e, f.glue.Identity(), nil)
	if err != nil || d.Payload == nil {
		return
	}
	inner, err := envelope.FromBytes(d.Payload)
	if err != nil {
		return
	}
	if inner.Source != f.glue.Identity().Fingerprint() {
		f.SetRoute(inner.Source, via)
	}
}

// OnAcceptedConn runs a responder link over an accepted connection from a
// peer server.  The caller retains no responsibility for the connection.
func (f *federation) OnAcceptedConn(conn net.Conn) {
	l := &link{
		f:   f,
		log: f.log,
		ch:  make(chan *envelope.Envelope, linkChCapacity),
	}
	f.closeAllWg.Add(1)
	go func() {
		defer f.closeAllWg.Done()
		l.onConnEstablished(conn, false)
	}()
}

// New creates the federation link manager and spawns a dialing link for
// every configured peer server.
func New(g glue.Glue) (glue.Federation, error) {
	f := &federation{
		glue:       g,
		log:        g.LogBackend().GetLogger("federation"),
		conns:      make(map[identity.Fingerprint]*link),
		routes:     make(map[identity.Fingerprint]identity.Fingerprint),
		closeAllCh: make(chan struct{}),
	}

	if g.Config().Federation != nil {
		for _, peer := range g.Config().Federation.Peers {
			l := &link{
				f:   f,
				log: f.log,
				dst: peer,
				ch:  make(chan *envelope.Envelope, linkChCapacity),
			}
			f.closeAllWg.Add(1)
			go l.worker()
		}
	}
	return f, nil
}
