// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package badgerstore implements the storage interfaces on an embedded
// Badger key-value database. It suits single-host deployments where
// running a database server is not wanted; records are stored as JSON
// under typed key prefixes.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/sirosfoundation/go-ebics/internal/storage"
)

// Key prefixes. The file name index enforces the (name, format)
// uniqueness of downloads.
const (
	prefixConnection = "conn/"
	prefixSubscriber = "sub/"
	prefixFile       = "file/"
	prefixFileIndex  = "fileidx/"
	prefixStatement  = "stmt/"
	prefixJournal    = "journal/"
	prefixBatchLog   = "batch/"
)

// Store is a Badger-backed storage.Store.
type Store struct {
	db *badger.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

// generic helpers

func put(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func get(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	})
}

func scan[T any](db *badger.DB, prefix string) ([]*T, error) {
	var out []*T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var v T
			err := it.Item().Value(func(data []byte) error {
				return json.Unmarshal(data, &v)
			})
			if err != nil {
				return err
			}
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

// ConnectionStore

func (s *Store) CreateConnection(ctx context.Context, conn *storage.BankConnection) error {
	now := time.Now().UTC()
	conn.State = storage.ConnectionDraft
	conn.CreatedAt = now
	conn.UpdatedAt = now
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, prefixConnection+conn.ID, conn)
	})
}

func (s *Store) GetConnection(ctx context.Context, id string) (*storage.BankConnection, error) {
	var conn storage.BankConnection
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, prefixConnection+id, &conn)
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) UpdateConnection(ctx context.Context, conn *storage.BankConnection) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var existing storage.BankConnection
		if err := get(txn, prefixConnection+conn.ID, &existing); err != nil {
			return err
		}
		if existing.State == storage.ConnectionConfirmed && identityChanged(&existing, conn) {
			return storage.ErrConnectionConfirmed
		}
		conn.CreatedAt = existing.CreatedAt
		conn.State = existing.State
		conn.UpdatedAt = time.Now().UTC()
		return put(txn, prefixConnection+conn.ID, conn)
	})
}

func identityChanged(a, b *storage.BankConnection) bool {
	return a.HostID != b.HostID ||
		a.URL != b.URL ||
		a.ProtocolVersion != b.ProtocolVersion ||
		a.PartnerID != b.PartnerID ||
		a.KeyVersion != b.KeyVersion ||
		a.KeyBitLength != b.KeyBitLength
}

func (s *Store) ConfirmConnection(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var conn storage.BankConnection
		if err := get(txn, prefixConnection+id, &conn); err != nil {
			return err
		}
		conn.State = storage.ConnectionConfirmed
		conn.UpdatedAt = time.Now().UTC()
		return put(txn, prefixConnection+id, &conn)
	})
}

func (s *Store) UpdateOrderNumber(ctx context.Context, id, orderNumber string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var conn storage.BankConnection
		if err := get(txn, prefixConnection+id, &conn); err != nil {
			return err
		}
		conn.OrderNumber = orderNumber
		conn.UpdatedAt = time.Now().UTC()
		return put(txn, prefixConnection+id, &conn)
	})
}

func (s *Store) ListConnections(ctx context.Context) ([]*storage.BankConnection, error) {
	return scan[storage.BankConnection](s.db, prefixConnection)
}

// SubscriberStore

func subscriberKey(connectionID, userID string) string {
	return prefixSubscriber + connectionID + "/" + userID
}

func (s *Store) CreateSubscriber(ctx context.Context, sub *storage.Subscriber) error {
	now := time.Now().UTC()
	sub.State = storage.SubscriberDraft
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, subscriberKey(sub.ConnectionID, sub.UserID), sub)
	})
}

func (s *Store) GetSubscriber(ctx context.Context, connectionID, userID string) (*storage.Subscriber, error) {
	var sub storage.Subscriber
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, subscriberKey(connectionID, userID), &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) UpdateSubscriber(ctx context.Context, sub *storage.Subscriber) error {
	sub.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, subscriberKey(sub.ConnectionID, sub.UserID), sub)
	})
}

func (s *Store) UpdateSubscriberState(ctx context.Context, connectionID, userID string, state storage.SubscriberState) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var sub storage.Subscriber
		if err := get(txn, subscriberKey(connectionID, userID), &sub); err != nil {
			return err
		}
		sub.State = state
		sub.UpdatedAt = time.Now().UTC()
		return put(txn, subscriberKey(connectionID, userID), &sub)
	})
}

func (s *Store) ClearSubscriberPassphrase(ctx context.Context, connectionID, userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var sub storage.Subscriber
		if err := get(txn, subscriberKey(connectionID, userID), &sub); err != nil {
			return err
		}
		sub.Passphrase = ""
		sub.UpdatedAt = time.Now().UTC()
		return put(txn, subscriberKey(connectionID, userID), &sub)
	})
}

func (s *Store) ListSubscribers(ctx context.Context, connectionID string) ([]*storage.Subscriber, error) {
	return scan[storage.Subscriber](s.db, prefixSubscriber+connectionID+"/")
}

// FileStore

func fileIndexKey(name, format string) string {
	return prefixFileIndex + name + "|" + format
}

func (s *Store) CreateFile(ctx context.Context, file *storage.DownloadedFile) error {
	return s.db.Update(func(txn *badger.Txn) error {
		idx := fileIndexKey(file.Name, file.Format)
		if _, err := txn.Get([]byte(idx)); err == nil {
			return &storage.DuplicateFileError{Name: file.Name, Format: file.Format}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(idx), []byte(file.ID)); err != nil {
			return err
		}
		return put(txn, prefixFile+file.ID, file)
	})
}

func (s *Store) GetFile(ctx context.Context, id string) (*storage.DownloadedFile, error) {
	var file storage.DownloadedFile
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, prefixFile+id, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *Store) UpdateFile(ctx context.Context, file *storage.DownloadedFile) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, prefixFile+file.ID, file)
	})
}

func (s *Store) DeleteFile(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var file storage.DownloadedFile
		if err := get(txn, prefixFile+id, &file); err != nil {
			return err
		}
		if file.State != storage.FileDraft {
			return storage.ErrFileDone
		}
		if err := txn.Delete([]byte(fileIndexKey(file.Name, file.Format))); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixFile + id))
	})
}

func (s *Store) ListFiles(ctx context.Context, filter *storage.FileFilter) ([]*storage.DownloadedFile, error) {
	files, err := scan[storage.DownloadedFile](s.db, prefixFile)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return files, nil
	}
	var out []*storage.DownloadedFile
	for _, f := range files {
		if filter.ConnectionID != "" && f.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.UserID != "" && f.UserID != filter.UserID {
			continue
		}
		if filter.Format != "" && f.Format != filter.Format {
			continue
		}
		if filter.State != "" && f.State != filter.State {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// StatementStore

func (s *Store) CreateStatement(ctx context.Context, stmt *storage.Statement) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, prefixStatement+stmt.ID, stmt)
	})
}

func (s *Store) GetStatement(ctx context.Context, id string) (*storage.Statement, error) {
	var stmt storage.Statement
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, prefixStatement+id, &stmt)
	})
	if err != nil {
		return nil, err
	}
	return &stmt, nil
}

func (s *Store) FindStatements(ctx context.Context, name, companyID string, date time.Time, format, excludeID string) ([]*storage.Statement, error) {
	statements, err := scan[storage.Statement](s.db, prefixStatement)
	if err != nil {
		return nil, err
	}
	var out []*storage.Statement
	for _, stmt := range statements {
		if stmt.ID == excludeID {
			continue
		}
		if stmt.Name == name && stmt.CompanyID == companyID && stmt.Date.Equal(date) && stmt.SourceFormat == format {
			out = append(out, stmt)
		}
	}
	return out, nil
}

func (s *Store) DeleteStatement(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixStatement + id)); errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return txn.Delete([]byte(prefixStatement + id))
	})
}

// JournalStore

func (s *Store) CreateJournal(ctx context.Context, journal *storage.Journal) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, prefixJournal+journal.ID, journal)
	})
}

func (s *Store) ListJournals(ctx context.Context) ([]*storage.Journal, error) {
	return scan[storage.Journal](s.db, prefixJournal)
}

// BatchLogStore

func (s *Store) CreateBatchLog(ctx context.Context, log *storage.BatchLog) error {
	log.State = storage.BatchDraft
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, prefixBatchLog+log.ID, log)
	})
}

func (s *Store) UpdateBatchLog(ctx context.Context, log *storage.BatchLog) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, prefixBatchLog+log.ID, log)
	})
}

func (s *Store) GetBatchLog(ctx context.Context, id string) (*storage.BatchLog, error) {
	var log storage.BatchLog
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, prefixBatchLog+id, &log)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *Store) ListBatchLogs(ctx context.Context, limit int) ([]*storage.BatchLog, error) {
	logs, err := scan[storage.BatchLog](s.db, prefixBatchLog)
	if err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].StartedAt.After(logs[j].StartedAt) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}
