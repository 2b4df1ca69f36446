// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
)

// BatchRequest narrows one scheduled import run.
type BatchRequest struct {
	// ConnectionIDs selects the connections to poll. Empty means every
	// confirmed connection.
	ConnectionIDs []string

	DateFrom *time.Time
	DateTo   *time.Time
}

// RunScheduledImport is the single entry point a scheduler calls. It
// downloads the default statement formats for every selected
// connection, processes the resulting files together with any draft
// files left over from earlier runs, and records the whole run in a
// batch log. Connections are isolated from each other: one connection
// failing is an error entry, not an abort. Transient transport
// failures are retried with exponential backoff before they count as
// errors.
func (s *Service) RunScheduledImport(ctx context.Context, req BatchRequest) (*storage.BatchLog, error) {
	if err := s.Register(ctx); err != nil {
		return nil, err
	}

	conns, err := s.selectConnections(ctx, req.ConnectionIDs)
	if err != nil {
		return nil, err
	}

	batch := &storage.BatchLog{
		ID:        uuid.NewString(),
		State:     storage.BatchDraft,
		StartedAt: time.Now().UTC(),
	}
	for _, conn := range conns {
		batch.ConnectionIDs = append(batch.ConnectionIDs, conn.ID)
	}
	if err := s.store.CreateBatchLog(ctx, batch); err != nil {
		return nil, err
	}

	for _, conn := range conns {
		s.importConnection(ctx, batch, conn, req.DateFrom, req.DateTo)
	}
	s.processDraftFiles(ctx, batch)

	if batch.HasErrors() {
		batch.State = storage.BatchError
	} else {
		batch.State = storage.BatchDone
	}
	now := time.Now().UTC()
	batch.FinishedAt = &now
	if err := s.store.UpdateBatchLog(ctx, batch); err != nil {
		return nil, err
	}
	s.log.Info("scheduled import finished",
		"batch_id", batch.ID, "state", batch.State, "entries", len(batch.Entries))
	return batch, nil
}

func (s *Service) selectConnections(ctx context.Context, ids []string) ([]*storage.BankConnection, error) {
	if len(ids) > 0 {
		conns := make([]*storage.BankConnection, 0, len(ids))
		for _, id := range ids {
			conn, err := s.store.GetConnection(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("loading connection %s: %w", id, err)
			}
			conns = append(conns, conn)
		}
		return conns, nil
	}
	all, err := s.store.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	var conns []*storage.BankConnection
	for _, conn := range all {
		if conn.State == storage.ConnectionConfirmed {
			conns = append(conns, conn)
		}
	}
	return conns, nil
}

// importConnection downloads the statement formats of one connection
// under a batch run. Every outcome lands in the batch log.
func (s *Service) importConnection(ctx context.Context, batch *storage.BatchLog, conn *storage.BankConnection, from, to *time.Time) {
	sub, err := s.batchSubscriber(ctx, conn)
	if err != nil {
		batch.Add(storage.BatchFailure, fmt.Sprintf("connection %s: %v", conn.Name, err))
		return
	}

	// Transport failures are retried with backoff, and only for the
	// formats that actually failed: delivered files are confirmed and
	// must not be fetched twice.
	remaining := DownloadFormatIDs()
	backoff := retry.WithMaxRetries(uint64(s.retryAttempts), retry.NewExponential(s.retryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		report, downloadErr := s.Download(ctx, DownloadRequest{
			ConnectionID: conn.ID,
			UserID:       sub.UserID,
			FormatIDs:    remaining,
			DateFrom:     from,
			DateTo:       to,
		})
		if downloadErr != nil {
			var transportErr *ebics.TransportError
			if errors.As(downloadErr, &transportErr) {
				return retry.RetryableError(downloadErr)
			}
			return downloadErr
		}
		for _, file := range report.Files {
			batch.Add(storage.BatchInfo, fmt.Sprintf("connection %s: downloaded %s", conn.Name, file.Name))
		}
		for _, formatID := range report.NoData {
			batch.Add(storage.BatchInfo, fmt.Sprintf("connection %s: no data for %s", conn.Name, formatID))
		}
		var retryIDs []string
		var transportFailure error
		for _, formatErr := range report.Errors {
			var transportErr *ebics.TransportError
			if errors.As(formatErr, &transportErr) {
				retryIDs = append(retryIDs, formatErr.FormatID)
				transportFailure = formatErr
				continue
			}
			batch.Add(storage.BatchFailure, fmt.Sprintf("connection %s: %v", conn.Name, formatErr))
		}
		if transportFailure != nil {
			remaining = retryIDs
			return retry.RetryableError(transportFailure)
		}
		return nil
	})
	if err != nil {
		batch.Add(storage.BatchFailure, fmt.Sprintf("connection %s: %v", conn.Name, err))
	}
}

// batchSubscriber picks the subscriber a scheduled run acts as: active
// keys, download entitlement and a stored passphrase, so the run needs
// no operator interaction. Transport-only subscribers are preferred.
func (s *Service) batchSubscriber(ctx context.Context, conn *storage.BankConnection) (*storage.Subscriber, error) {
	subs, err := s.store.ListSubscribers(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	var fallback *storage.Subscriber
	for _, sub := range subs {
		if sub.State != storage.SubscriberActiveKeys || !sub.PassphraseStore || sub.Passphrase == "" {
			continue
		}
		if sub.Rights == storage.RightsUpload {
			continue
		}
		if sub.SignatureClass == "T" {
			return sub, nil
		}
		if fallback == nil {
			fallback = sub
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, errors.New("no active subscriber with a stored passphrase")
}

// processDraftFiles imports every draft file, including leftovers from
// earlier runs whose processing failed.
func (s *Service) processDraftFiles(ctx context.Context, batch *storage.BatchLog) {
	files, err := s.store.ListFiles(ctx, &storage.FileFilter{State: storage.FileDraft})
	if err != nil {
		batch.Add(storage.BatchFailure, fmt.Sprintf("listing draft files: %v", err))
		return
	}
	for _, file := range files {
		result, err := s.Process(ctx, file.ID)
		if err != nil {
			batch.Add(storage.BatchFailure, fmt.Sprintf("processing %s: %v", file.Name, err))
			continue
		}
		batch.Add(storage.BatchInfo, fmt.Sprintf("processed %s: %d statements", file.Name, len(result.StatementIDs)))
		for _, note := range result.Notes {
			batch.Add(storage.BatchWarning, fmt.Sprintf("%s: %s", file.Name, note))
		}
	}
}
