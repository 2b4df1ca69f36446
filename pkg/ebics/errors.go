// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotConfirmed       = errors.New("bank connection is not confirmed")
	ErrBankKeysNotActive  = errors.New("bank keys have not been activated")
	ErrUnsupportedOrder   = errors.New("order type not supported by this protocol version")
	ErrMissingOrderNumber = errors.New("order number source is required for this protocol version")
	ErrNoDownloadData     = errors.New("no download data available")
)

// ConfigurationError reports missing or invalid connection or subscriber
// setup. It is not retryable; an operator has to correct the configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ebics configuration error: %s: %s", e.Field, e.Reason)
}

// VersionMismatchError is returned when the connection's declared protocol
// version is not offered by the bank. Supported lists the versions the bank
// announced via HEV.
type VersionMismatchError struct {
	Requested string
	Supported map[string]string
}

func (e *VersionMismatchError) Error() string {
	msg := fmt.Sprintf("ebics version mismatch: bank does not support %s; supported versions:", e.Requested)
	for version, release := range e.Supported {
		msg += fmt.Sprintf(" %s (%s)", version, release)
	}
	return msg
}

// FunctionalError is a bank-side rejection of the order content or
// semantics (EBICS return codes 09xxxx/odd ranges). Retrying the same
// payload will fail again.
type FunctionalError struct {
	Code    string
	Message string
}

func (e *FunctionalError) Error() string {
	return fmt.Sprintf("ebics functional error: %s (code: %s)", e.Message, e.Code)
}

// TechnicalError is a protocol-level failure reported by the bank server
// (EBICS technical return codes). Usually transient.
type TechnicalError struct {
	Code    string
	Message string
}

func (e *TechnicalError) Error() string {
	return fmt.Sprintf("ebics technical error: %s (code: %s)", e.Message, e.Code)
}

// VerificationError means the signature or digest of a bank response did
// not verify. It must never be downgraded to a warning: the response
// cannot be trusted.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("ebics response verification failed: %s", e.Reason)
}

// TransportError is a network or URL level failure. Transient and
// retryable; timeouts are reported as TransportError.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ebics transport error: url %q: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
