// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"errors"
	"fmt"
)

// CryptoError is the failure returned when a cryptographic check does not
// pass.  The message is deliberately uniform for every failing check so a
// remote caller cannot distinguish a bad signature from a failed
// decryption; the retained reason is for process-local matching only.
type CryptoError struct {
	reason string
}

// Error implements error.
func (e *CryptoError) Error() string {
	return "envelope: cryptographic check failed"
}

var (
	// ErrIntegrity is the CryptoError for a signature verification failure.
	ErrIntegrity = &CryptoError{reason: "integrity"}

	// ErrConfidentiality is the CryptoError for a decryption failure or key
	// mismatch.
	ErrConfidentiality = &CryptoError{reason: "confidentiality"}
)

// IsCryptoError returns true if err is any cryptographic failure.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// ProtocolError is the failure returned for a malformed envelope or an
// unknown type or version.  A ProtocolError may terminate the offending
// connection.
type ProtocolError struct {
	msg string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return "envelope: " + e.msg
}

func protocolErrorf(format string, a ...interface{}) error {
	return &ProtocolError{msg: fmt.Sprintf(format, a...)}
}

// AuthorizationError is the failure returned when a declared permission
// scope is insufficient for the requested operation.  The denied scope is
// reported so a legitimate client can request elevation.
type AuthorizationError struct {
	// Scope is the scope that was denied.
	Scope string
}

// Error implements error.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("envelope: authorization denied for scope '%v'", e.Scope)
}
