// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the mediation server.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/nike"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/resolution-comms/protocol/core/envelope"
	"github.com/resolution-comms/protocol/core/identity"
	"github.com/resolution-comms/protocol/core/log"
	"github.com/resolution-comms/protocol/server/config"
	"github.com/resolution-comms/protocol/server/internal/federation"
	"github.com/resolution-comms/protocol/server/internal/glue"
	"github.com/resolution-comms/protocol/server/internal/instrument"
	"github.com/resolution-comms/protocol/server/internal/router"
	"github.com/resolution-comms/protocol/server/peerdb"
	"github.com/resolution-comms/protocol/server/peerdb/boltpeerdb"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a mediation server instance.
type Server struct {
	sync.WaitGroup

	cfg *config.Config

	identity *identity.PeerIdentity
	codec    *envelope.Codec

	logBackend *log.Backend
	log        *logging.Logger

	peerDB     peerdb.PeerDB
	router     glue.Router
	federation glue.Federation

	listeners []net.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// initIdentity loads the persisted identity keys, generating them on first
// start.
func (s *Server) initIdentity() error {
	signingPrivateFile := filepath.Join(s.cfg.Server.DataDir, "identity.private.pem")
	signingPublicFile := filepath.Join(s.cfg.Server.DataDir, "identity.public.pem")
	encryptionPrivateFile := filepath.Join(s.cfg.Server.DataDir, "encryption.private.pem")
	encryptionPublicFile := filepath.Join(s.cfg.Server.DataDir, "encryption.public.pem")

	var signingPublic sign.PublicKey
	var signingPrivate sign.PrivateKey
	var encryptionPrivate nike.PrivateKey

	if bothExists(signingPrivateFile, signingPublicFile) {
		var err error
		if signingPrivate, err = signpem.FromPrivatePEMFile(signingPrivateFile, identity.SignScheme); err != nil {
			return err
		}
		if signingPublic, err = signpem.FromPublicPEMFile(signingPublicFile, identity.SignScheme); err != nil {
			return err
		}
		if encryptionPrivate, err = nikepem.FromPrivatePEMFile(encryptionPrivateFile, identity.NIKEScheme); err != nil {
			return err
		}
	} else if bothNotExists(signingPrivateFile, signingPublicFile) {
		kp, err := identity.NewKeypair(0)
		if err != nil {
			return err
		}
		signingPublic = kp.SigningPublic()
		encryptionPrivate = kp.EncryptionPrivate()
		if signingPrivate, err = persistKeypair(kp, signingPrivateFile, signingPublicFile, encryptionPrivateFile, encryptionPublicFile); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("server: %s and %s must either both exist or not exist", signingPrivateFile, signingPublicFile)
	}

	kp := identity.LoadKeypair(signingPublic, signingPrivate, encryptionPrivate, 0)
	var err error
	s.identity, err = identity.NewPeerIdentity(s.cfg.Server.Identifier, identity.RoleServer, kp)
	return err
}

func (s *Server) listenWorker(l net.Listener) {
	addr := l.Addr()
	s.log.Noticef("Listening on: %v", addr)
	defer func() {
		s.log.Noticef("Stopping listening on: %v", addr)
		l.Close()
		s.Done()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				s.log.Errorf("Critical accept failure: %v", err)
				return
			}
			continue
		}
		s.federation.OnAcceptedConn(conn)
	}

	// NOTREACHED
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	for _, l := range s.listeners {
		l.Close()
	}
	s.WaitGroup.Wait()

	if s.federation != nil {
		s.federation.Halt()
	}
	if s.router != nil {
		s.router.Halt()
	}
	if s.peerDB != nil {
		s.peerDB.Close()
	}

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

// Identity returns the server's own peer identity.
func (s *Server) Identity() *identity.PeerIdentity {
	return s.identity
}

// PeerDB returns the server's peer directory.
func (s *Server) PeerDB() peerdb.PeerDB {
	return s.peerDB
}

// OnSubmission enqueues an envelope submitted by a locally connected
// client.
func (s *Server) OnSubmission(sub *glue.Submission) {
	s.router.OnSubmission(sub)
}

// unconnectedTransport is the Transport used when no client transport is
// bound; everything local-looking gets dropped or federated.
type unconnectedTransport struct{}

func (unconnectedTransport) IsLocal(identity.Fingerprint) bool { return false }

func (unconnectedTransport) Send(fp identity.Fingerprint, e *envelope.Envelope) error {
	return fmt.Errorf("server: no transport bound for %v", fp)
}

// New returns a new Server instance parameterized with the specific
// configuration, dispatching locally deliverable envelopes through
// transport.
func New(cfg *config.Config, transport glue.Transport) (*Server, error) {
	s := new(Server)
	s.cfg = cfg

	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	if transport == nil {
		transport = unconnectedTransport{}
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Resolution Mediation Server")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	if err := s.initIdentity(); err != nil {
		return nil, err
	}
	s.log.Noticef("Server identity fingerprint is: %v", s.identity.Fingerprint())

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	var err error
	s.peerDB, err = boltpeerdb.New(filepath.Join(s.cfg.Server.DataDir, config.DefaultPeerDBFile),
		boltpeerdb.WithRotationGrace(s.cfg.Debug.RotationGrace()))
	if err != nil {
		return nil, err
	}
	// Make the server resolvable through its own directory, refreshing a
	// stale entry left by a previous run.
	if err = s.peerDB.Add(s.identity.Public(), s.peerDB.Exists(s.identity.Fingerprint())); err != nil {
		return nil, err
	}

	s.codec = envelope.NewCodec(s.peerDB)

	if s.cfg.Server.MetricsAddress != "" {
		instrument.Init(s.cfg.Server.MetricsAddress)
	}

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	g := &serverGlue{s}
	if s.router, err = router.New(g, transport); err != nil {
		return nil, err
	}
	if s.federation, err = federation.New(g); err != nil {
		return nil, err
	}

	// Start up the listeners for peer servers.
	for _, v := range s.cfg.Server.Addresses {
		l, err := net.Listen("tcp", v)
		if err != nil {
			s.log.Errorf("Failed to start listener '%v': %v", v, err)
			continue
		}
		s.listeners = append(s.listeners, l)
		s.Add(1)
		go s.listenWorker(l)
	}
	if len(s.listeners) == 0 && len(s.cfg.Server.Addresses) > 0 {
		s.log.Errorf("Failed to start all listeners.")
		return nil, fmt.Errorf("server: failed to start all listeners")
	}

	isOk = true
	return s, nil
}

func persistKeypair(kp *identity.Keypair, signingPrivateFile, signingPublicFile, encryptionPrivateFile, encryptionPublicFile string) (sign.PrivateKey, error) {
	signingPrivate := kp.SigningPrivate()
	if err := signpem.PrivateKeyToFile(signingPrivateFile, signingPrivate); err != nil {
		return nil, err
	}
	if err := signpem.PublicKeyToFile(signingPublicFile, kp.SigningPublic()); err != nil {
		return nil, err
	}
	if err := nikepem.PrivateKeyToFile(encryptionPrivateFile, kp.EncryptionPrivate(), identity.NIKEScheme); err != nil {
		return nil, err
	}
	if err := nikepem.PublicKeyToFile(encryptionPublicFile, kp.EncryptionPublic(), identity.NIKEScheme); err != nil {
		return nil, err
	}
	return signingPrivate, nil
}

func bothExists(a, b string) bool {
	return fileExists(a) && fileExists(b)
}

func bothNotExists(a, b string) bool {
	return !fileExists(a) && !fileExists(b)
}

func fileExists(f string) bool {
	_, err := os.Lstat(f)
	return err == nil
}

// serverGlue implements the glue.Glue interface.
type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config           { return g.s.cfg }
func (g *serverGlue) LogBackend() *log.Backend         { return g.s.logBackend }
func (g *serverGlue) Identity() *identity.PeerIdentity { return g.s.identity }
func (g *serverGlue) Codec() *envelope.Codec           { return g.s.codec }
func (g *serverGlue) PeerDB() peerdb.PeerDB            { return g.s.peerDB }
func (g *serverGlue) Router() glue.Router              { return g.s.router }
func (g *serverGlue) Federation() glue.Federation      { return g.s.federation }
