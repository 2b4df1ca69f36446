// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
	"github.com/sirosfoundation/go-ebics/pkg/keyring"
)

// Service-level errors.
var (
	// ErrPassphraseRequired means no passphrase was supplied and none
	// is stored for the subscriber.
	ErrPassphraseRequired = errors.New("keyring passphrase required")

	// ErrAlreadyProcessed rejects reprocessing of a done file.
	ErrAlreadyProcessed = errors.New("file has already been processed")

	// ErrNoDownloadRights / ErrNoUploadRights reject transactions the
	// subscriber is not entitled to.
	ErrNoDownloadRights = errors.New("subscriber has no download rights")
	ErrNoUploadRights   = errors.New("subscriber has no upload rights")

	// ErrNotActive rejects transactions before key initialization is
	// complete.
	ErrNotActive = errors.New("subscriber keys are not activated")
)

// StateError reports an initialization step attempted from the wrong
// lifecycle state. The subscriber state is left unchanged.
type StateError struct {
	UserID string
	State  storage.SubscriberState
	Want   storage.SubscriberState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("subscriber %s is in state %q, step requires %q", e.UserID, e.State, e.Want)
}

// InitRequest parameterizes one initialization step.
type InitRequest struct {
	ConnectionID string
	UserID       string

	// Passphrase unlocks (or creates) the keyring. Empty falls back to
	// the stored passphrase when the subscriber persists one.
	Passphrase string

	// SigPassphrase unlocks the separately protected signature key, if
	// the subscriber uses one. Never stored.
	SigPassphrase string

	// Swift3SKeyDER carries the externally issued 3SKey signature key
	// (PKCS#1 DER) imported in step 1 instead of generating one.
	Swift3SKeyDER []byte

	// BankName appears on the INI letter header.
	BankName string

	// OperatorLocale selects the INI letter language when the bank
	// country does not ("fr_FR", "de_DE", ...).
	OperatorLocale string
}

// InitResult reports the artifacts of one initialization step.
type InitResult struct {
	State storage.SubscriberState

	// Letter is the INI letter text produced by step 1, to be signed
	// and mailed to the bank.
	Letter string

	// BankKeyDigest carries the bank key fingerprints produced by step
	// 3, to be compared against the bank's published values.
	BankKeyDigest string
}

// InitStep1 creates the subscriber key material and sends the INI
// order. The subscriber must be in draft state; the protocol version is
// verified against the bank (HEV) before any key is generated, and a
// version mismatch leaves keyring and state untouched.
func (s *Service) InitStep1(ctx context.Context, req InitRequest) (*InitResult, error) {
	sess, err := s.openSession(ctx, req.ConnectionID, req.UserID, req.Passphrase)
	if err != nil {
		return nil, err
	}
	if sess.sub.State != storage.SubscriberDraft {
		return nil, &StateError{UserID: req.UserID, State: sess.sub.State, Want: storage.SubscriberDraft}
	}
	if ebics.Version(sess.conn.ProtocolVersion) == ebics.VersionH005 {
		if !sess.sub.X509 {
			return nil, fmt.Errorf("protocol version H005 requires certificate-based keys (x509)")
		}
		if sess.conn.KeyBitLength < 2048 {
			return nil, fmt.Errorf("protocol version H005 requires a key bit length of at least 2048")
		}
	}
	if sess.sub.Swift3SKey && !sess.sub.X509 {
		return nil, fmt.Errorf("SWIFT 3SKey signing requires certificate-based keys (x509)")
	}
	client, err := s.clientFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := client.NegotiateVersion(ctx); err != nil {
		return nil, err
	}

	if !sess.keys.HasKeys() {
		if err := sess.keys.Create(sess.conn.KeyVersion, sess.conn.KeyBitLength); err != nil {
			return nil, err
		}
		if len(req.Swift3SKeyDER) > 0 {
			if err := sess.keys.ImportSignatureKey(req.Swift3SKeyDER); err != nil {
				return nil, fmt.Errorf("importing 3SKey signature key: %w", err)
			}
		}
		if sess.sub.X509 {
			dn := keyring.DistinguishedName{
				CommonName:         sess.sub.DNCommonName,
				Organization:       sess.sub.DNOrganization,
				OrganizationalUnit: sess.sub.DNOrganizationalUnit,
				Country:            sess.sub.DNCountry,
				Province:           sess.sub.DNProvince,
				Locality:           sess.sub.DNLocality,
				Email:              sess.sub.DNEmail,
			}
			if err := sess.keys.CreateCertificates(dn, req.SigPassphrase); err != nil {
				return nil, err
			}
		}
	}

	if err := client.INI(ctx, req.SigPassphrase); err != nil {
		return nil, err
	}

	letter, err := sess.keys.INILetter(keyring.INILetterParams{
		BankName:  req.BankName,
		HostID:    sess.conn.HostID,
		PartnerID: sess.conn.PartnerID,
		UserID:    sess.sub.UserID,
		Lang:      keyring.INILetterLang(sess.conn.CountryCode, req.OperatorLocale),
	}, req.SigPassphrase)
	if err != nil {
		return nil, fmt.Errorf("rendering INI letter: %w", err)
	}

	if err := s.store.UpdateSubscriberState(ctx, req.ConnectionID, req.UserID, storage.SubscriberInit); err != nil {
		return nil, err
	}
	s.finish(ctx, sess)
	s.log.Info("subscriber initialized", "user_id", req.UserID, "step", 1)
	return &InitResult{State: storage.SubscriberInit, Letter: letter}, nil
}

// InitStep2 sends the HIA order announcing the authentication and
// encryption keys. The subscriber must be in init state.
func (s *Service) InitStep2(ctx context.Context, req InitRequest) (*InitResult, error) {
	sess, err := s.openSession(ctx, req.ConnectionID, req.UserID, req.Passphrase)
	if err != nil {
		return nil, err
	}
	if sess.sub.State != storage.SubscriberInit {
		return nil, &StateError{UserID: req.UserID, State: sess.sub.State, Want: storage.SubscriberInit}
	}
	client, err := s.clientFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := client.HIA(ctx); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSubscriberState(ctx, req.ConnectionID, req.UserID, storage.SubscriberGetBankKeys); err != nil {
		return nil, err
	}
	s.finish(ctx, sess)
	s.log.Info("subscriber initialized", "user_id", req.UserID, "step", 2)
	return &InitResult{State: storage.SubscriberGetBankKeys}, nil
}

// InitStep3 fetches the bank keys (HPB) and stores them untrusted. The
// returned digest must be verified against the bank's published
// fingerprints before step 4 activates the keys.
func (s *Service) InitStep3(ctx context.Context, req InitRequest) (*InitResult, error) {
	sess, err := s.openSession(ctx, req.ConnectionID, req.UserID, req.Passphrase)
	if err != nil {
		return nil, err
	}
	if sess.sub.State != storage.SubscriberGetBankKeys {
		return nil, &StateError{UserID: req.UserID, State: sess.sub.State, Want: storage.SubscriberGetBankKeys}
	}
	client, err := s.clientFor(ctx, sess)
	if err != nil {
		return nil, err
	}
	bankKeys, err := client.HPB(ctx)
	if err != nil {
		return nil, err
	}
	digest := fmt.Sprintf("authentication (X002):\n%s\nencryption (E002):\n%s\n",
		keyring.Fingerprint(bankKeys.Authentication), keyring.Fingerprint(bankKeys.Encryption))
	if err := sess.keys.SetBankKeys(bankKeys.Authentication, bankKeys.Encryption, []byte(digest)); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSubscriberState(ctx, req.ConnectionID, req.UserID, storage.SubscriberToVerify); err != nil {
		return nil, err
	}
	s.finish(ctx, sess)
	s.log.Info("subscriber initialized", "user_id", req.UserID, "step", 3)
	return &InitResult{State: storage.SubscriberToVerify, BankKeyDigest: digest}, nil
}

// InitStep4 activates the verified bank keys. After this step the
// subscriber may run transactions.
func (s *Service) InitStep4(ctx context.Context, req InitRequest) (*InitResult, error) {
	sess, err := s.openSession(ctx, req.ConnectionID, req.UserID, req.Passphrase)
	if err != nil {
		return nil, err
	}
	if sess.sub.State != storage.SubscriberToVerify {
		return nil, &StateError{UserID: req.UserID, State: sess.sub.State, Want: storage.SubscriberToVerify}
	}
	if err := sess.keys.ActivateBankKeys(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSubscriberState(ctx, req.ConnectionID, req.UserID, storage.SubscriberActiveKeys); err != nil {
		return nil, err
	}
	s.finish(ctx, sess)
	s.log.Info("subscriber initialized", "user_id", req.UserID, "step", 4)
	return &InitResult{State: storage.SubscriberActiveKeys}, nil
}

// ResetToDraft returns a subscriber to draft state so initialization
// can restart. Only allowed while the parent connection is still draft.
func (s *Service) ResetToDraft(ctx context.Context, connectionID, userID string) error {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.State != storage.ConnectionDraft {
		return fmt.Errorf("connection %s is confirmed, subscriber reset is not allowed", connectionID)
	}
	return s.store.UpdateSubscriberState(ctx, connectionID, userID, storage.SubscriberDraft)
}

// ChangePassphrase rotates the keyring passphrase and, when the
// subscriber protects the signature key separately, the signature
// passphrase too. The stored passphrase is updated in place for
// subscribers that persist it.
func (s *Service) ChangePassphrase(ctx context.Context, connectionID, userID, oldPass, newPass, oldSig, newSig string) error {
	sub, err := s.store.GetSubscriber(ctx, connectionID, userID)
	if err != nil {
		return err
	}
	keys, err := s.openKeys(userID, oldPass)
	if err != nil {
		return err
	}
	if err := keys.ChangePassphrase(oldPass, newPass); err != nil {
		return err
	}
	if newSig != "" {
		if err := keys.SetSigPassphrase(oldSig, newSig); err != nil {
			return err
		}
	}
	if sub.PassphraseStore {
		sub.Passphrase = newPass
		if err := s.store.UpdateSubscriber(ctx, sub); err != nil {
			return fmt.Errorf("updating stored passphrase: %w", err)
		}
	}
	s.log.Info("keyring passphrase rotated", "user_id", userID)
	return nil
}

func (s *Service) clientFor(ctx context.Context, sess *session) (ProtocolClient, error) {
	orders, err := s.orderSource(ctx, sess.conn)
	if err != nil {
		return nil, err
	}
	return s.clients(sess.conn, sess.sub, sess.keys, orders)
}
