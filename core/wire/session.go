// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the key exchange protocol that bootstraps mutual
// knowledge of public keys between two peers.  Each side offers its public
// identity and then proves possession of the offered signing key by signing
// the offer transcript; an exchange only confirms once both proofs verify.
// The exchange is carried only by the transport's own encryption; no
// envelope layering applies, since neither side yet holds the other's
// public keys.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/resolution-comms/protocol/core/identity"
)

const (
	// ProtocolTag is advertised in every offer; both sides must agree.
	ProtocolTag = "/resolution_comms/1"

	// DefaultHandshakeTimeout bounds the window within which an exchange
	// must reach stateConfirmed before reverting to stateInit.
	DefaultHandshakeTimeout = 30 * time.Second

	maxMsgLen = 1048576
)

const (
	stateInit uint32 = iota
	stateOffered
	stateConfirmed
)

var (
	// ErrTimeout is the error returned when an exchange does not complete
	// within its timeout window.
	ErrTimeout = errors.New("wire/session: handshake timeout")

	errInvalidState = errors.New("wire/session: invalid state")
	errPeerRejected = errors.New("wire/session: peer rejected by authenticator")
	errMsgSize      = errors.New("wire/session: invalid message size")
	errConfirmSig   = errors.New("wire/session: peer failed to prove possession of the offered key")
)

// PeerCredentials is the peer identity received during the exchange.
type PeerCredentials struct {
	// Identity is the peer's advertised public identity.
	Identity *identity.PublicIdentity

	// Fingerprint is derived from the advertised key material.
	Fingerprint identity.Fingerprint
}

// PeerAuthenticator vets the remote peer's credentials once the exchange
// has surfaced them.
type PeerAuthenticator interface {
	// IsPeerValid returns true iff the peer is acceptable.
	IsPeerValid(*PeerCredentials) bool
}

type offerMessage struct {
	Protocol string `cbor:"protocol"`
	Identity []byte `cbor:"identity"`
}

type confirmMessage struct {
	Signature []byte `cbor:"signature"`
}

// confirmTranscript binds a confirm signature to both offers and to the
// signer's direction, so a confirm can neither be replayed on another
// connection nor reflected back at its author.
func confirmTranscript(byInitiator bool, initiatorOffer, responderOffer []byte) []byte {
	label := "responder-confirm"
	if byInitiator {
		label = "initiator-confirm"
	}
	msg := make([]byte, 0, len(ProtocolTag)+len(label)+len(initiatorOffer)+len(responderOffer))
	msg = append(msg, ProtocolTag...)
	msg = append(msg, label...)
	msg = append(msg, initiatorOffer...)
	msg = append(msg, responderOffer...)
	h := hash.Sum256(msg)
	return h[:]
}

// SessionConfig bundles the parameters for a Session.
type SessionConfig struct {
	// Authenticator vets the remote peer.
	Authenticator PeerAuthenticator

	// Local is the local peer's identity.
	Local *identity.PeerIdentity

	// HandshakeTimeout overrides DefaultHandshakeTimeout when positive.
	HandshakeTimeout time.Duration
}

// Session is the ephemeral per-connection pairing of two peers' cached
// public keys.  Its lifetime is bound to the connection; once the exchange
// reaches confirmation the cached keys back all subsequent base-layer
// operations for that connection.
type Session struct {
	cfg   *SessionConfig
	state uint32

	isInitiator bool
	peer        *PeerCredentials
}

// NewSession creates a Session ready to run the exchange over a connection.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	if cfg == nil || cfg.Local == nil || cfg.Authenticator == nil {
		return nil, errors.New("wire/session: incomplete session config")
	}
	return &Session{
		cfg:         cfg,
		state:       stateInit,
		isInitiator: isInitiator,
	}, nil
}

// IsConfirmed returns true once the exchange has completed.
func (s *Session) IsConfirmed() bool {
	return atomic.LoadUint32(&s.state) == stateConfirmed
}

// PeerCredentials returns the confirmed peer, or an error before
// confirmation.
func (s *Session) PeerCredentials() (*PeerCredentials, error) {
	if !s.IsConfirmed() {
		return nil, errInvalidState
	}
	return s.peer, nil
}

// Reset reverts the session to its initial state, discarding the cached
// peer keys.  Re-exchange is required whenever a peer's key rotation is
// observed.
func (s *Session) Reset() {
	atomic.StoreUint32(&s.state, stateInit)
	s.peer = nil
}

func (s *Session) timeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Exchange runs the key exchange over conn.  The initiator sends its offer
// and waits for the responder's; the responder does the reverse.  Both
// then exchange transcript signatures proving possession of the keys they
// offered.  On success both sides hold each other's signing and encryption
// public keys.  A timeout reverts the session to its initial state and
// returns ErrTimeout.
func (s *Session) Exchange(conn net.Conn) error {
	if !atomic.CompareAndSwapUint32(&s.state, stateInit, stateOffered) {
		return errInvalidState
	}

	deadline := time.Now().Add(s.timeout())
	if err := conn.SetDeadline(deadline); err != nil {
		s.Reset()
		return err
	}
	defer conn.SetDeadline(time.Time{})

	err := s.exchange(conn)
	if err != nil {
		s.Reset()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout
		}
		return err
	}
	atomic.StoreUint32(&s.state, stateConfirmed)
	return nil
}

func (s *Session) exchange(conn net.Conn) error {
	var localOffer, peerOffer []byte
	var creds *PeerCredentials
	var err error
	if s.isInitiator {
		if localOffer, err = s.sendOffer(conn); err != nil {
			return err
		}
		if creds, peerOffer, err = s.recvOffer(conn); err != nil {
			return err
		}
		if err = s.sendConfirm(conn, confirmTranscript(true, localOffer, peerOffer)); err != nil {
			return err
		}
		if err = s.recvConfirm(conn, creds, confirmTranscript(false, localOffer, peerOffer)); err != nil {
			return err
		}
	} else {
		if creds, peerOffer, err = s.recvOffer(conn); err != nil {
			return err
		}
		if localOffer, err = s.sendOffer(conn); err != nil {
			return err
		}
		if err = s.recvConfirm(conn, creds, confirmTranscript(true, peerOffer, localOffer)); err != nil {
			return err
		}
		if err = s.sendConfirm(conn, confirmTranscript(false, peerOffer, localOffer)); err != nil {
			return err
		}
	}
	s.peer = creds
	return nil
}

func (s *Session) sendOffer(conn net.Conn) ([]byte, error) {
	raw, err := s.cfg.Local.Public().MarshalBinary()
	if err != nil {
		return nil, err
	}
	msg, err := cbor.Marshal(&offerMessage{
		Protocol: ProtocolTag,
		Identity: raw,
	})
	if err != nil {
		return nil, err
	}
	return msg, writeMessage(conn, msg)
}

func (s *Session) recvOffer(conn net.Conn) (*PeerCredentials, []byte, error) {
	raw, err := readMessage(conn)
	if err != nil {
		return nil, nil, err
	}
	msg := new(offerMessage)
	if err := cbor.Unmarshal(raw, msg); err != nil {
		return nil, nil, fmt.Errorf("wire/session: malformed offer: %v", err)
	}
	if msg.Protocol != ProtocolTag {
		return nil, nil, fmt.Errorf("wire/session: protocol mismatch: '%v'", msg.Protocol)
	}

	pub := new(identity.PublicIdentity)
	if err := pub.UnmarshalBinary(msg.Identity); err != nil {
		return nil, nil, err
	}
	creds := &PeerCredentials{
		Identity:    pub,
		Fingerprint: pub.Fingerprint(),
	}
	if !s.cfg.Authenticator.IsPeerValid(creds) {
		return nil, nil, errPeerRejected
	}
	return creds, raw, nil
}

func (s *Session) sendConfirm(conn net.Conn, transcript []byte) error {
	msg, err := cbor.Marshal(&confirmMessage{
		Signature: s.cfg.Local.SignMessage(transcript),
	})
	if err != nil {
		return err
	}
	return writeMessage(conn, msg)
}

// recvConfirm verifies the peer's transcript signature against the signing
// key it offered.  An offer of someone else's identity dies here.
func (s *Session) recvConfirm(conn net.Conn, creds *PeerCredentials, transcript []byte) error {
	raw, err := readMessage(conn)
	if err != nil {
		return err
	}
	msg := new(confirmMessage)
	if err := cbor.Unmarshal(raw, msg); err != nil {
		return fmt.Errorf("wire/session: malformed confirm: %v", err)
	}
	if !identity.SignScheme.Verify(creds.Identity.SigningKey, transcript, msg.Signature, nil) {
		return errConfirmSig
	}
	return nil
}

// SendMessage writes a length-prefixed message over an established
// session's connection.
func (s *Session) SendMessage(conn net.Conn, msg []byte) error {
	if !s.IsConfirmed() {
		return errInvalidState
	}
	return writeMessage(conn, msg)
}

// RecvMessage reads the next length-prefixed message from an established
// session's connection.
func (s *Session) RecvMessage(conn net.Conn) ([]byte, error) {
	if !s.IsConfirmed() {
		return nil, errInvalidState
	}
	return readMessage(conn)
}

func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxMsgLen {
		return errMsgSize
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxMsgLen {
		return nil, errMsgSize
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
