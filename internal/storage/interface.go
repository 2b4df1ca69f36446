// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package storage provides data storage interfaces and implementations
// for the EBICS connection manager.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [ConnectionStore]: bank connection configuration and order numbers
//   - [SubscriberStore]: subscriber records and lifecycle state
//   - [FileStore]: downloaded files with (name, format) uniqueness
//   - [StatementStore]: imported statements for duplicate detection
//   - [JournalStore]: accounting journals for chunk resolution
//   - [BatchLogStore]: scheduled import run logs
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The mongodb sub-package provides a MongoDB implementation, the
// badgerstore sub-package an embedded Badger implementation for
// single-host deployments.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from
// multiple goroutines. Order number updates are serialized by the
// service layer; the store only has to make each update atomic.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the main storage interface combining all sub-stores
type Store interface {
	ConnectionStore
	SubscriberStore
	FileStore
	StatementStore
	JournalStore
	BatchLogStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks storage connectivity
	Ping(ctx context.Context) error
}

// ConnectionStore manages bank connection data
type ConnectionStore interface {
	// CreateConnection creates a new bank connection in draft state
	CreateConnection(ctx context.Context, conn *BankConnection) error

	// GetConnection retrieves a connection by ID
	GetConnection(ctx context.Context, id string) (*BankConnection, error)

	// UpdateConnection updates a connection. Identity fields of a
	// confirmed connection are immutable; implementations reject such
	// updates with ErrConnectionConfirmed.
	UpdateConnection(ctx context.Context, conn *BankConnection) error

	// ConfirmConnection transitions a draft connection to confirmed
	ConfirmConnection(ctx context.Context, id string) error

	// UpdateOrderNumber persists the connection's order number counter
	UpdateOrderNumber(ctx context.Context, id, orderNumber string) error

	// ListConnections returns all connections
	ListConnections(ctx context.Context) ([]*BankConnection, error)
}

// SubscriberStore manages subscriber data
type SubscriberStore interface {
	// CreateSubscriber creates a new subscriber in draft state
	CreateSubscriber(ctx context.Context, sub *Subscriber) error

	// GetSubscriber retrieves a subscriber by connection and user ID
	GetSubscriber(ctx context.Context, connectionID, userID string) (*Subscriber, error)

	// UpdateSubscriber updates a subscriber
	UpdateSubscriber(ctx context.Context, sub *Subscriber) error

	// UpdateSubscriberState updates just the lifecycle state
	UpdateSubscriberState(ctx context.Context, connectionID, userID string, state SubscriberState) error

	// ClearSubscriberPassphrase wipes the persisted passphrase
	ClearSubscriberPassphrase(ctx context.Context, connectionID, userID string) error

	// ListSubscribers returns the subscribers of a connection
	ListSubscribers(ctx context.Context, connectionID string) ([]*Subscriber, error)
}

// FileStore manages downloaded files
type FileStore interface {
	// CreateFile stores a downloaded file. A file with the same
	// (name, format) pair already present is rejected with a
	// DuplicateFileError.
	CreateFile(ctx context.Context, file *DownloadedFile) error

	// GetFile retrieves a file by ID
	GetFile(ctx context.Context, id string) (*DownloadedFile, error)

	// UpdateFile updates a file record
	UpdateFile(ctx context.Context, file *DownloadedFile) error

	// DeleteFile deletes a file. Only draft files may be deleted;
	// implementations reject done files with ErrFileDone.
	DeleteFile(ctx context.Context, id string) error

	// ListFiles returns files with filtering
	ListFiles(ctx context.Context, filter *FileFilter) ([]*DownloadedFile, error)
}

// StatementStore manages imported statement records
type StatementStore interface {
	// CreateStatement stores an imported statement
	CreateStatement(ctx context.Context, stmt *Statement) error

	// GetStatement retrieves a statement by ID
	GetStatement(ctx context.Context, id string) (*Statement, error)

	// FindStatements returns statements matching (name, company, date,
	// format), excluding excludeID
	FindStatements(ctx context.Context, name, companyID string, date time.Time, format, excludeID string) ([]*Statement, error)

	// DeleteStatement deletes a statement
	DeleteStatement(ctx context.Context, id string) error
}

// JournalStore manages accounting journals
type JournalStore interface {
	// CreateJournal registers a journal
	CreateJournal(ctx context.Context, journal *Journal) error

	// ListJournals returns all journals
	ListJournals(ctx context.Context) ([]*Journal, error)
}

// BatchLogStore manages scheduled import logs
type BatchLogStore interface {
	// CreateBatchLog creates a batch log in draft state
	CreateBatchLog(ctx context.Context, log *BatchLog) error

	// UpdateBatchLog updates a batch log
	UpdateBatchLog(ctx context.Context, log *BatchLog) error

	// GetBatchLog retrieves a batch log by ID
	GetBatchLog(ctx context.Context, id string) (*BatchLog, error)

	// ListBatchLogs returns batch logs, newest first
	ListBatchLogs(ctx context.Context, limit int) ([]*BatchLog, error)
}

// Common storage errors
var (
	ErrNotFound            = errors.New("record not found")
	ErrConnectionConfirmed = errors.New("connection is confirmed, identity fields are immutable")
	ErrFileDone            = errors.New("file has been processed, deletion requires draft state")
)

// DuplicateFileError reports a download whose (name, format) pair is
// already stored. Not retryable; the existing file needs investigation.
type DuplicateFileError struct {
	Name   string
	Format string
}

func (e *DuplicateFileError) Error() string {
	return fmt.Sprintf("file %q with format %q has already been downloaded", e.Name, e.Format)
}
