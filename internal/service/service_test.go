// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
	"github.com/sirosfoundation/go-ebics/pkg/keyring"
)

// memStore is an in-memory storage.Store for service tests.
type memStore struct {
	mu          sync.Mutex
	connections map[string]*storage.BankConnection
	subscribers map[string]*storage.Subscriber
	files       map[string]*storage.DownloadedFile
	statements  map[string]*storage.Statement
	journals    map[string]*storage.Journal
	batchLogs   map[string]*storage.BatchLog
}

func newMemStore() *memStore {
	return &memStore{
		connections: map[string]*storage.BankConnection{},
		subscribers: map[string]*storage.Subscriber{},
		files:       map[string]*storage.DownloadedFile{},
		statements:  map[string]*storage.Statement{},
		journals:    map[string]*storage.Journal{},
		batchLogs:   map[string]*storage.BatchLog{},
	}
}

func (m *memStore) Close(ctx context.Context) error { return nil }
func (m *memStore) Ping(ctx context.Context) error  { return nil }

func (m *memStore) CreateConnection(ctx context.Context, conn *storage.BankConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *conn
	m.connections[conn.ID] = &clone
	return nil
}

func (m *memStore) GetConnection(ctx context.Context, id string) (*storage.BankConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *conn
	return &clone, nil
}

func (m *memStore) UpdateConnection(ctx context.Context, conn *storage.BankConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[conn.ID]; !ok {
		return storage.ErrNotFound
	}
	clone := *conn
	m.connections[conn.ID] = &clone
	return nil
}

func (m *memStore) ConfirmConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return storage.ErrNotFound
	}
	conn.State = storage.ConnectionConfirmed
	return nil
}

func (m *memStore) UpdateOrderNumber(ctx context.Context, id, orderNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return storage.ErrNotFound
	}
	conn.OrderNumber = orderNumber
	return nil
}

func (m *memStore) ListConnections(ctx context.Context) ([]*storage.BankConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.BankConnection
	for _, conn := range m.connections {
		clone := *conn
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func subKey(connectionID, userID string) string { return connectionID + "/" + userID }

func (m *memStore) CreateSubscriber(ctx context.Context, sub *storage.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sub
	m.subscribers[subKey(sub.ConnectionID, sub.UserID)] = &clone
	return nil
}

func (m *memStore) GetSubscriber(ctx context.Context, connectionID, userID string) (*storage.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[subKey(connectionID, userID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *sub
	return &clone, nil
}

func (m *memStore) UpdateSubscriber(ctx context.Context, sub *storage.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[subKey(sub.ConnectionID, sub.UserID)]; !ok {
		return storage.ErrNotFound
	}
	clone := *sub
	m.subscribers[subKey(sub.ConnectionID, sub.UserID)] = &clone
	return nil
}

func (m *memStore) UpdateSubscriberState(ctx context.Context, connectionID, userID string, state storage.SubscriberState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[subKey(connectionID, userID)]
	if !ok {
		return storage.ErrNotFound
	}
	sub.State = state
	return nil
}

func (m *memStore) ClearSubscriberPassphrase(ctx context.Context, connectionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[subKey(connectionID, userID)]
	if !ok {
		return storage.ErrNotFound
	}
	sub.Passphrase = ""
	return nil
}

func (m *memStore) ListSubscribers(ctx context.Context, connectionID string) ([]*storage.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Subscriber
	for _, sub := range m.subscribers {
		if sub.ConnectionID == connectionID {
			clone := *sub
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) CreateFile(ctx context.Context, file *storage.DownloadedFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.files {
		if existing.Name == file.Name && existing.Format == file.Format {
			return &storage.DuplicateFileError{Name: file.Name, Format: file.Format}
		}
	}
	clone := *file
	m.files[file.ID] = &clone
	return nil
}

func (m *memStore) GetFile(ctx context.Context, id string) (*storage.DownloadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *file
	return &clone, nil
}

func (m *memStore) UpdateFile(ctx context.Context, file *storage.DownloadedFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[file.ID]; !ok {
		return storage.ErrNotFound
	}
	clone := *file
	m.files[file.ID] = &clone
	return nil
}

func (m *memStore) DeleteFile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return storage.ErrNotFound
	}
	if file.State != storage.FileDraft {
		return storage.ErrFileDone
	}
	delete(m.files, id)
	return nil
}

func (m *memStore) ListFiles(ctx context.Context, filter *storage.FileFilter) ([]*storage.DownloadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.DownloadedFile
	for _, file := range m.files {
		if filter != nil {
			if filter.State != "" && file.State != filter.State {
				continue
			}
			if filter.Format != "" && file.Format != filter.Format {
				continue
			}
			if filter.ConnectionID != "" && file.ConnectionID != filter.ConnectionID {
				continue
			}
		}
		clone := *file
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateStatement(ctx context.Context, stmt *storage.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *stmt
	m.statements[stmt.ID] = &clone
	return nil
}

func (m *memStore) GetStatement(ctx context.Context, id string) (*storage.Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stmt, ok := m.statements[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *stmt
	return &clone, nil
}

func (m *memStore) FindStatements(ctx context.Context, name, companyID string, date time.Time, format, excludeID string) ([]*storage.Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Statement
	for _, stmt := range m.statements {
		if stmt.ID == excludeID {
			continue
		}
		if stmt.Name == name && stmt.CompanyID == companyID && stmt.Date.Equal(date) && stmt.SourceFormat == format {
			clone := *stmt
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) DeleteStatement(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statements[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.statements, id)
	return nil
}

func (m *memStore) CreateJournal(ctx context.Context, journal *storage.Journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *journal
	m.journals[journal.ID] = &clone
	return nil
}

func (m *memStore) ListJournals(ctx context.Context) ([]*storage.Journal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Journal
	for _, journal := range m.journals {
		clone := *journal
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CreateBatchLog(ctx context.Context, log *storage.BatchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *log
	m.batchLogs[log.ID] = &clone
	return nil
}

func (m *memStore) UpdateBatchLog(ctx context.Context, log *storage.BatchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batchLogs[log.ID]; !ok {
		return storage.ErrNotFound
	}
	clone := *log
	m.batchLogs[log.ID] = &clone
	return nil
}

func (m *memStore) GetBatchLog(ctx context.Context, id string) (*storage.BatchLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.batchLogs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *log
	return &clone, nil
}

func (m *memStore) ListBatchLogs(ctx context.Context, limit int) ([]*storage.BatchLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.BatchLog
	for _, log := range m.batchLogs {
		clone := *log
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ storage.Store = (*memStore)(nil)

// fakeKeys is a SubscriberKeys stub that records lifecycle calls.
type fakeKeys struct {
	hasKeys       bool
	created       bool
	certsCreated  bool
	imported3SKey bool
	bankKeysSet   bool
	activated     bool
	passChanged   [2]string
	sigChanged    [2]string
}

func (k *fakeKeys) SignatureKey(sigPassphrase string) (*rsa.PrivateKey, error) { return nil, nil }
func (k *fakeKeys) AuthenticationKey() (*rsa.PrivateKey, error)               { return nil, nil }
func (k *fakeKeys) EncryptionKey() (*rsa.PrivateKey, error)                   { return nil, nil }
func (k *fakeKeys) KeyVersion() string                                        { return "A005" }

func (k *fakeKeys) BankKeys() (*rsa.PublicKey, *rsa.PublicKey, bool, error) {
	return nil, nil, k.activated, nil
}

func (k *fakeKeys) HasKeys() bool { return k.hasKeys }

func (k *fakeKeys) Create(keyVersion string, bitLength int) error {
	k.created = true
	k.hasKeys = true
	return nil
}

func (k *fakeKeys) CreateCertificates(dn keyring.DistinguishedName, sigPassphrase string) error {
	k.certsCreated = true
	return nil
}

func (k *fakeKeys) ImportSignatureKey(der []byte) error {
	k.imported3SKey = true
	return nil
}

func (k *fakeKeys) ChangePassphrase(oldPass, newPass string) error {
	k.passChanged = [2]string{oldPass, newPass}
	return nil
}

func (k *fakeKeys) SetSigPassphrase(oldSig, newSig string) error {
	k.sigChanged = [2]string{oldSig, newSig}
	return nil
}

func (k *fakeKeys) SetBankKeys(auth, enc *rsa.PublicKey, document []byte) error {
	k.bankKeysSet = true
	return nil
}

func (k *fakeKeys) ActivateBankKeys() error {
	k.activated = true
	return nil
}

func (k *fakeKeys) INILetter(p keyring.INILetterParams, sigPassphrase string) (string, error) {
	return fmt.Sprintf("INI letter for %s at %s", p.UserID, p.HostID), nil
}

// fakeClient is a ProtocolClient stub. Download outcomes are keyed by
// order type or file format so multi-format runs can diverge.
type fakeClient struct {
	negotiateErr error
	iniCalled    bool
	hiaCalled    bool

	downloads  map[string]downloadOutcome
	confirmed  map[string]bool
	uploadID   string
	uploadErr  error
	uploaded   []byte
	failsLeft  int
	transient  error
}

type downloadOutcome struct {
	data []byte
	err  error
}

func (c *fakeClient) NegotiateVersion(ctx context.Context) error { return c.negotiateErr }

func (c *fakeClient) INI(ctx context.Context, sigPassphrase string) error {
	c.iniCalled = true
	return nil
}

func (c *fakeClient) HIA(ctx context.Context) error {
	c.hiaCalled = true
	return nil
}

func (c *fakeClient) HPB(ctx context.Context) (*ebics.BankKeys, error) {
	return &ebics.BankKeys{}, nil
}

func (c *fakeClient) Download(ctx context.Context, order ebics.DownloadOrder) (*ebics.DownloadResult, error) {
	if c.failsLeft > 0 {
		c.failsLeft--
		return nil, c.transient
	}
	key := order.OrderType
	outcome, ok := c.downloads[key]
	if !ok {
		outcome, ok = c.downloads[order.FileFormat]
	}
	if !ok {
		return nil, ebics.ErrNoDownloadData
	}
	if outcome.err != nil {
		return nil, outcome.err
	}
	return &ebics.DownloadResult{Data: outcome.data, TransactionID: "TX-" + key}, nil
}

func (c *fakeClient) ConfirmDownload(ctx context.Context, transactionID string, success bool) error {
	if c.confirmed == nil {
		c.confirmed = map[string]bool{}
	}
	c.confirmed[transactionID] = success
	return nil
}

func (c *fakeClient) Upload(ctx context.Context, order ebics.UploadOrder, sigPassphrase string) (string, error) {
	if c.uploadErr != nil {
		return "", c.uploadErr
	}
	c.uploaded = order.Data
	return c.uploadID, nil
}

// testEnv wires a Service against the in-memory fakes.
type testEnv struct {
	store  *memStore
	keys   *fakeKeys
	client *fakeClient
	svc    *Service
}

func newTestEnv(t interface{ Fatalf(string, ...any) }) *testEnv {
	env := &testEnv{
		store:  newMemStore(),
		keys:   &fakeKeys{},
		client: &fakeClient{uploadID: "A042"},
	}
	svc, err := New(Config{
		Store:         env.store,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		Clients: func(conn *storage.BankConnection, sub *storage.Subscriber, keys SubscriberKeys, orders ebics.OrderIDSource) (ProtocolClient, error) {
			return env.client, nil
		},
	})
	if err != nil {
		t.Fatalf("building service: %v", err)
	}
	svc.openKeys = func(userID, passphrase string) (SubscriberKeys, error) {
		if passphrase == "wrong" {
			return nil, keyring.ErrPassphraseMismatch
		}
		return env.keys, nil
	}
	env.svc = svc
	return env
}

func (e *testEnv) seedConnection(ctx context.Context, state storage.ConnectionState) *storage.BankConnection {
	conn := &storage.BankConnection{
		ID:              "conn1",
		Name:            "Test Bank",
		HostID:          "EBIXQUAL",
		URL:             "https://ebics.example.com/ebicsweb",
		ProtocolVersion: "H004",
		PartnerID:       "PARTNER1",
		CountryCode:     "FR",
		KeyVersion:      "A005",
		KeyBitLength:    2048,
		State:           state,
	}
	_ = e.store.CreateConnection(ctx, conn)
	return conn
}

func (e *testEnv) seedSubscriber(ctx context.Context, state storage.SubscriberState, rights storage.TransactionRights) *storage.Subscriber {
	sub := &storage.Subscriber{
		UserID:          "USER1",
		ConnectionID:    "conn1",
		Name:            "Test User",
		State:           state,
		Rights:          rights,
		SignatureClass:  "T",
		PassphraseStore: true,
		Passphrase:      "stored-pass",
	}
	_ = e.store.CreateSubscriber(ctx, sub)
	return sub
}

// splitNotes is a small helper for note assertions.
func splitNotes(notes []string) string { return strings.Join(notes, "\n") }

var errBoom = errors.New("boom")
