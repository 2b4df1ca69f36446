// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
	"github.com/sirosfoundation/go-ebics/pkg/keyring"
	"github.com/sirosfoundation/go-ebics/pkg/statement"
)

// ProtocolClient is the slice of the protocol engine the service
// drives. *ebics.Client satisfies it.
type ProtocolClient interface {
	NegotiateVersion(ctx context.Context) error
	INI(ctx context.Context, sigPassphrase string) error
	HIA(ctx context.Context) error
	HPB(ctx context.Context) (*ebics.BankKeys, error)
	Download(ctx context.Context, order ebics.DownloadOrder) (*ebics.DownloadResult, error)
	ConfirmDownload(ctx context.Context, transactionID string, success bool) error
	Upload(ctx context.Context, order ebics.UploadOrder, sigPassphrase string) (string, error)
}

// SubscriberKeys is the keyring surface the service needs.
// *keyring.Keyring satisfies it.
type SubscriberKeys interface {
	ebics.Keys

	HasKeys() bool
	Create(keyVersion string, bitLength int) error
	CreateCertificates(dn keyring.DistinguishedName, sigPassphrase string) error
	ImportSignatureKey(der []byte) error
	ChangePassphrase(oldPass, newPass string) error
	SetSigPassphrase(oldSig, newSig string) error
	SetBankKeys(auth, enc *rsa.PublicKey, document []byte) error
	ActivateBankKeys() error
	INILetter(p keyring.INILetterParams, sigPassphrase string) (string, error)
}

// KeyringOpener opens (or initializes) the keyring of a subscriber.
type KeyringOpener func(userID, passphrase string) (SubscriberKeys, error)

// ClientFactory builds a protocol client for one connection and
// subscriber.
type ClientFactory func(conn *storage.BankConnection, sub *storage.Subscriber, keys SubscriberKeys, orders ebics.OrderIDSource) (ProtocolClient, error)

// Importer hands one resolved statement chunk to the downstream
// accounting system and returns the created statement ids plus any
// user-facing notifications.
type Importer interface {
	ImportSingleFile(ctx context.Context, file *storage.DownloadedFile, chunk statement.StatementChunk) (statementIDs []string, notifications []string, err error)
}

// Config assembles a Service.
type Config struct {
	Store  storage.Store
	Poster ebics.Poster

	// KeysRoot is the directory keyring files live in.
	KeysRoot string

	// DupCheckFormats overrides the duplicate-guard allowlist. Empty
	// means the statement package default.
	DupCheckFormats []string

	// RetryAttempts / RetryBackoff bound transient transport retries
	// during scheduled imports.
	RetryAttempts int
	RetryBackoff  time.Duration

	// Importer receives resolved chunks. Nil means statements are
	// recorded in the service's own store.
	Importer Importer

	// Clients overrides protocol client construction, for tests.
	Clients ClientFactory

	Logger *slog.Logger
}

// Service implements the application operations on top of the protocol
// engine, keyring and storage layers.
type Service struct {
	store    storage.Store
	poster   ebics.Poster
	keysRoot string
	openKeys KeyringOpener
	clients  ClientFactory
	importer Importer
	guard    *statement.DuplicateGuard

	retryAttempts int
	retryBackoff  time.Duration

	registerOnce sync.Once
	log          *slog.Logger
}

// New wires a Service from its collaborators.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("service: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:         cfg.Store,
		poster:        cfg.Poster,
		keysRoot:      cfg.KeysRoot,
		importer:      cfg.Importer,
		guard:         statement.NewDuplicateGuard(&statementFinder{store: cfg.Store}, cfg.DupCheckFormats),
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		log:           logger,
	}
	if s.retryAttempts <= 0 {
		s.retryAttempts = 3
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = 2 * time.Second
	}
	if s.importer == nil {
		s.importer = &storeImporter{store: cfg.Store}
	}
	s.openKeys = func(userID, passphrase string) (SubscriberKeys, error) {
		return keyring.Open(keyring.Path(s.keysRoot, userID), passphrase)
	}
	s.clients = cfg.Clients
	if s.clients == nil {
		s.clients = s.buildClient
	}
	return s, nil
}

// Register performs the one-time process startup checks. It is
// idempotent; every entry point may call it.
func (s *Service) Register(ctx context.Context) error {
	var err error
	s.registerOnce.Do(func() {
		if pingErr := s.store.Ping(ctx); pingErr != nil {
			err = fmt.Errorf("storage not reachable: %w", pingErr)
			return
		}
		s.log.Info("ebics service registered")
	})
	return err
}

func (s *Service) buildClient(conn *storage.BankConnection, sub *storage.Subscriber, keys SubscriberKeys, orders ebics.OrderIDSource) (ProtocolClient, error) {
	return ebics.NewClient(ebics.ClientConfig{
		Bank:    ebics.Bank{HostID: conn.HostID, URL: conn.URL},
		User:    ebics.User{PartnerID: conn.PartnerID, UserID: sub.UserID, SignatureClass: ebics.SignatureClass(sub.SignatureClass)},
		Version: ebics.Version(conn.ProtocolVersion),
		Keys:    keys,
		Poster:  s.poster,
		Orders:  orders,
		Logger:  s.log,
	})
}

// session loads the connection, subscriber and unlocked keyring for one
// operation. An empty passphrase falls back to the stored one when the
// subscriber persists it.
type session struct {
	conn *storage.BankConnection
	sub  *storage.Subscriber
	keys SubscriberKeys

	// passUsedStored is set when the stored passphrase unlocked the
	// keyring, so wipe-after-use applies.
	passUsedStored bool
}

func (s *Service) openSession(ctx context.Context, connectionID, userID, passphrase string) (*session, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("loading connection %s: %w", connectionID, err)
	}
	sub, err := s.store.GetSubscriber(ctx, connectionID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading subscriber %s: %w", userID, err)
	}
	usedStored := false
	if passphrase == "" {
		if sub.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		passphrase = sub.Passphrase
		usedStored = true
	}
	keys, err := s.openKeys(userID, passphrase)
	if err != nil {
		return nil, err
	}
	return &session{conn: conn, sub: sub, keys: keys, passUsedStored: usedStored}, nil
}

// finish applies the wipe-after-use passphrase policy once an operation
// that used the stored passphrase has succeeded.
func (s *Service) finish(ctx context.Context, sess *session) {
	if sess.sub.PassphraseStore || !sess.passUsedStored {
		return
	}
	if err := s.store.ClearSubscriberPassphrase(ctx, sess.sub.ConnectionID, sess.sub.UserID); err != nil {
		s.log.Warn("could not wipe stored passphrase", "user_id", sess.sub.UserID, "error", err)
	}
}

// orderSource returns the order id strategy for a connection. H003
// draws client-side numbers from the persisted counter; newer versions
// let the bank assign them.
func (s *Service) orderSource(ctx context.Context, conn *storage.BankConnection) (ebics.OrderIDSource, error) {
	if !ebics.Version(conn.ProtocolVersion).ClientOrderID() {
		return ebics.BankAssignedOrderIDs{}, nil
	}
	current := conn.OrderNumber
	if current == "" {
		current = "A000"
	}
	return ebics.NewSequencedOrderIDs(current, func(next string) error {
		return s.store.UpdateOrderNumber(ctx, conn.ID, next)
	})
}

// statementFinder adapts the store to the duplicate guard.
type statementFinder struct {
	store storage.StatementStore
}

func (f *statementFinder) FindStatements(ctx context.Context, name, companyID string, date time.Time, format, excludeID string) ([]statement.StatementRecord, error) {
	stmts, err := f.store.FindStatements(ctx, name, companyID, date, format, excludeID)
	if err != nil {
		return nil, err
	}
	records := make([]statement.StatementRecord, 0, len(stmts))
	for _, st := range stmts {
		records = append(records, statement.StatementRecord{
			ID: st.ID, Name: st.Name, CompanyID: st.CompanyID,
			Date: st.Date, SourceFormat: st.SourceFormat,
		})
	}
	return records, nil
}

func (f *statementFinder) DeleteStatement(ctx context.Context, id string) error {
	return f.store.DeleteStatement(ctx, id)
}
