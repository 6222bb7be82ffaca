// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the server configuration.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/resolution-comms/protocol/core/identity"
)

const (
	defaultLogLevel = "NOTICE"

	defaultHandshakeTimeout   = 30 * time.Second
	defaultGroupModifyTimeout = 15 * time.Second
	defaultRotationGrace      = 15 * time.Minute

	// DefaultPeerDBFile is the peer directory database file, relative to
	// the data directory.
	DefaultPeerDBFile = "peers.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the server configuration.
type Server struct {
	// Identifier is the profile name for the server's own identity.
	Identifier string

	// Addresses are the listener addresses the server advertises to
	// federated peers.
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are disabled when empty.
	MetricsAddress string
}

func (sCfg *Server) validate() error {
	if err := identity.ValidateProfileName(sCfg.Identifier); err != nil {
		return fmt.Errorf("config: Server: Identifier is invalid: %v", err)
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// FederationPeer is a peer server the federation link manager maintains a
// directed edge to.
type FederationPeer struct {
	// Identifier is the peer server's profile name.
	Identifier string

	// Addresses are the peer server's listener addresses.
	Addresses []string
}

func (fCfg *FederationPeer) validate() error {
	if err := identity.ValidateProfileName(fCfg.Identifier); err != nil {
		return fmt.Errorf("config: Federation: Identifier is invalid: %v", err)
	}
	if len(fCfg.Addresses) == 0 {
		return fmt.Errorf("config: Federation: peer '%v' has no addresses", fCfg.Identifier)
	}
	return nil
}

// Federation is the federation link configuration.
type Federation struct {
	// Peers are the servers to maintain mutually authenticated links to.
	Peers []*FederationPeer
}

func (fCfg *Federation) validate() error {
	seen := make(map[string]bool)
	for _, p := range fCfg.Peers {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Identifier] {
			return fmt.Errorf("config: Federation: duplicate peer '%v'", p.Identifier)
		}
		seen[p.Identifier] = true
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// HandshakeTimeoutSec bounds the key exchange window in seconds.
	HandshakeTimeoutSec int

	// GroupModifyTimeoutSec bounds the window within which a group_modify
	// request must be acknowledged, in seconds.
	GroupModifyTimeoutSec int

	// RotationGraceSec is the window within which superseded peer keys
	// still verify, in seconds.
	RotationGraceSec int

	// GenerateOnly halts and cleans up the server right after the identity
	// keys are generated.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeoutSec <= 0 {
		dCfg.HandshakeTimeoutSec = int(defaultHandshakeTimeout / time.Second)
	}
	if dCfg.GroupModifyTimeoutSec <= 0 {
		dCfg.GroupModifyTimeoutSec = int(defaultGroupModifyTimeout / time.Second)
	}
	if dCfg.RotationGraceSec <= 0 {
		dCfg.RotationGraceSec = int(defaultRotationGrace / time.Second)
	}
}

// HandshakeTimeout returns the key exchange timeout.
func (dCfg *Debug) HandshakeTimeout() time.Duration {
	return time.Duration(dCfg.HandshakeTimeoutSec) * time.Second
}

// GroupModifyTimeout returns the group_modify acknowledgement timeout.
func (dCfg *Debug) GroupModifyTimeout() time.Duration {
	return time.Duration(dCfg.GroupModifyTimeoutSec) * time.Second
}

// RotationGrace returns the key rotation grace window.
func (dCfg *Debug) RotationGrace() time.Duration {
	return time.Duration(dCfg.RotationGraceSec) * time.Second
}

// Config is the top level server configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	Federation *Federation
	Debug      *Debug
}

// FixupAndValidate applies defaults to the config and validates it.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Federation == nil {
		cfg.Federation = &Federation{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Federation.validate()
}

// Load parses and validates b as a server config in TOML format.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at path f.
func LoadFile(f string) (*Config, error) {
	b, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
