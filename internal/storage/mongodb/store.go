// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package mongodb implements the storage interfaces using MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-ebics/internal/storage"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	connections *mongo.Collection
	subscribers *mongo.Collection
	files       *mongo.Collection
	statements  *mongo.Collection
	journals    *mongo.Collection
	batchLogs   *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:      client,
		db:          db,
		connections: db.Collection("connections"),
		subscribers: db.Collection("subscribers"),
		files:       db.Collection("files"),
		statements:  db.Collection("statements"),
		journals:    db.Collection("journals"),
		batchLogs:   db.Collection("batch_logs"),
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.connections.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "host_id", Value: 1}, {Key: "partner_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating connection indexes: %w", err)
	}

	_, err = s.subscribers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "connection_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating subscriber indexes: %w", err)
	}

	// The unique (name, format) index enforces the download
	// re-download invariant.
	_, err = s.files.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "format", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "downloaded_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating file indexes: %w", err)
	}

	_, err = s.statements.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "company_id", Value: 1}, {Key: "date", Value: 1}, {Key: "source_format", Value: 1}}},
		{Keys: bson.D{{Key: "file_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating statement indexes: %w", err)
	}

	_, err = s.batchLogs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating batch log indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// ConnectionStore implementation

func (s *Store) CreateConnection(ctx context.Context, conn *storage.BankConnection) error {
	conn.State = storage.ConnectionDraft
	conn.CreatedAt = time.Now().UTC()
	conn.UpdatedAt = conn.CreatedAt
	if conn.ID == "" {
		conn.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.connections.InsertOne(ctx, conn)
	return err
}

func (s *Store) GetConnection(ctx context.Context, id string) (*storage.BankConnection, error) {
	var conn storage.BankConnection
	err := s.connections.FindOne(ctx, bson.M{"_id": id}).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) UpdateConnection(ctx context.Context, conn *storage.BankConnection) error {
	existing, err := s.GetConnection(ctx, conn.ID)
	if err != nil {
		return err
	}
	if existing.State == storage.ConnectionConfirmed && identityChanged(existing, conn) {
		return storage.ErrConnectionConfirmed
	}
	conn.CreatedAt = existing.CreatedAt
	conn.State = existing.State
	conn.UpdatedAt = time.Now().UTC()
	_, err = s.connections.ReplaceOne(ctx, bson.M{"_id": conn.ID}, conn)
	return err
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
	result, err := s.connections.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"state":      storage.ConnectionConfirmed,
			"updated_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateOrderNumber(ctx context.Context, id, orderNumber string) error {
	result, err := s.connections.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"order_number": orderNumber,
			"updated_at":   time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListConnections(ctx context.Context) ([]*storage.BankConnection, error) {
	cursor, err := s.connections.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var connections []*storage.BankConnection
	if err := cursor.All(ctx, &connections); err != nil {
		return nil, err
	}
	return connections, nil
}

// SubscriberStore implementation

func subscriberFilter(connectionID, userID string) bson.M {
	return bson.M{"_id": userID, "connection_id": connectionID}
}

func (s *Store) CreateSubscriber(ctx context.Context, sub *storage.Subscriber) error {
	sub.State = storage.SubscriberDraft
	sub.CreatedAt = time.Now().UTC()
	sub.UpdatedAt = sub.CreatedAt
	_, err := s.subscribers.InsertOne(ctx, sub)
	return err
}

func (s *Store) GetSubscriber(ctx context.Context, connectionID, userID string) (*storage.Subscriber, error) {
	var sub storage.Subscriber
	err := s.subscribers.FindOne(ctx, subscriberFilter(connectionID, userID)).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) UpdateSubscriber(ctx context.Context, sub *storage.Subscriber) error {
	sub.UpdatedAt = time.Now().UTC()
	result, err := s.subscribers.ReplaceOne(ctx, subscriberFilter(sub.ConnectionID, sub.UserID), sub)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSubscriberState(ctx context.Context, connectionID, userID string, state storage.SubscriberState) error {
	result, err := s.subscribers.UpdateOne(ctx, subscriberFilter(connectionID, userID), bson.M{
		"$set": bson.M{
			"state":      state,
			"updated_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ClearSubscriberPassphrase(ctx context.Context, connectionID, userID string) error {
	result, err := s.subscribers.UpdateOne(ctx, subscriberFilter(connectionID, userID), bson.M{
		"$unset": bson.M{"passphrase": ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubscribers(ctx context.Context, connectionID string) ([]*storage.Subscriber, error) {
	cursor, err := s.subscribers.Find(ctx, bson.M{"connection_id": connectionID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subscribers []*storage.Subscriber
	if err := cursor.All(ctx, &subscribers); err != nil {
		return nil, err
	}
	return subscribers, nil
}

// FileStore implementation

func (s *Store) CreateFile(ctx context.Context, file *storage.DownloadedFile) error {
	if file.ID == "" {
		file.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.files.InsertOne(ctx, file)
	if mongo.IsDuplicateKeyError(err) {
		return &storage.DuplicateFileError{Name: file.Name, Format: file.Format}
	}
	return err
}

func (s *Store) GetFile(ctx context.Context, id string) (*storage.DownloadedFile, error) {
	var file storage.DownloadedFile
	err := s.files.FindOne(ctx, bson.M{"_id": id}).Decode(&file)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *Store) UpdateFile(ctx context.Context, file *storage.DownloadedFile) error {
	result, err := s.files.ReplaceOne(ctx, bson.M{"_id": file.ID}, file)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, id string) error {
	file, err := s.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if file.State != storage.FileDraft {
		return storage.ErrFileDone
	}
	_, err = s.files.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *Store) ListFiles(ctx context.Context, filter *storage.FileFilter) ([]*storage.DownloadedFile, error) {
	query := bson.M{}
	opts := options.Find().SetSort(bson.D{{Key: "downloaded_at", Value: -1}})
	if filter != nil {
		if filter.ConnectionID != "" {
			query["connection_id"] = filter.ConnectionID
		}
		if filter.UserID != "" {
			query["user_id"] = filter.UserID
		}
		if filter.Format != "" {
			query["format"] = filter.Format
		}
		if filter.State != "" {
			query["state"] = filter.State
		}
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
	}

	cursor, err := s.files.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var files []*storage.DownloadedFile
	if err := cursor.All(ctx, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// StatementStore implementation

func (s *Store) CreateStatement(ctx context.Context, stmt *storage.Statement) error {
	if stmt.ID == "" {
		stmt.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.statements.InsertOne(ctx, stmt)
	return err
}

func (s *Store) GetStatement(ctx context.Context, id string) (*storage.Statement, error) {
	var stmt storage.Statement
	err := s.statements.FindOne(ctx, bson.M{"_id": id}).Decode(&stmt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &stmt, nil
}

func (s *Store) FindStatements(ctx context.Context, name, companyID string, date time.Time, format, excludeID string) ([]*storage.Statement, error) {
	query := bson.M{
		"name":          name,
		"company_id":    companyID,
		"date":          date,
		"source_format": format,
		"_id":           bson.M{"$ne": excludeID},
	}
	cursor, err := s.statements.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var statements []*storage.Statement
	if err := cursor.All(ctx, &statements); err != nil {
		return nil, err
	}
	return statements, nil
}

func (s *Store) DeleteStatement(ctx context.Context, id string) error {
	result, err := s.statements.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// JournalStore implementation

func (s *Store) CreateJournal(ctx context.Context, journal *storage.Journal) error {
	if journal.ID == "" {
		journal.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.journals.InsertOne(ctx, journal)
	return err
}

func (s *Store) ListJournals(ctx context.Context) ([]*storage.Journal, error) {
	cursor, err := s.journals.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var journals []*storage.Journal
	if err := cursor.All(ctx, &journals); err != nil {
		return nil, err
	}
	return journals, nil
}

// BatchLogStore implementation

func (s *Store) CreateBatchLog(ctx context.Context, log *storage.BatchLog) error {
	log.State = storage.BatchDraft
	if log.ID == "" {
		log.ID = primitive.NewObjectID().Hex()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	_, err := s.batchLogs.InsertOne(ctx, log)
	return err
}

func (s *Store) UpdateBatchLog(ctx context.Context, log *storage.BatchLog) error {
	result, err := s.batchLogs.ReplaceOne(ctx, bson.M{"_id": log.ID}, log)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetBatchLog(ctx context.Context, id string) (*storage.BatchLog, error) {
	var log storage.BatchLog
	err := s.batchLogs.FindOne(ctx, bson.M{"_id": id}).Decode(&log)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *Store) ListBatchLogs(ctx context.Context, limit int) ([]*storage.BatchLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.batchLogs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []*storage.BatchLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
