// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/statement"
)

// ProcessResult reports what processing one file produced.
type ProcessResult struct {
	StatementIDs []string
	Notes        []string
}

// Process turns a draft downloaded file into statements: split the
// payload into per-account chunks, resolve each chunk to a journal,
// hand it to the importer and run the duplicate guard over the result.
// Each chunk is isolated; a failing chunk is recorded in the file note
// and its siblings continue. The file moves to done exactly once;
// reprocessing is rejected with ErrAlreadyProcessed.
func (s *Service) Process(ctx context.Context, fileID string) (*ProcessResult, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.State != storage.FileDraft {
		return nil, ErrAlreadyProcessed
	}

	format, err := FormatByID(file.Format)
	if err != nil {
		return nil, err
	}
	splitter := statement.SplitterFor(format.Kind)

	result := &ProcessResult{}
	if splitter == nil {
		result.Notes = append(result.Notes, fmt.Sprintf("format %s is stored without statement import", file.Format))
		return result, s.markDone(ctx, file, result)
	}

	journals, err := s.store.ListJournals(ctx)
	if err != nil {
		return nil, err
	}
	resolver := &statement.ListResolver{Journals: make([]statement.Journal, 0, len(journals))}
	for _, j := range journals {
		resolver.Journals = append(resolver.Journals, statement.Journal{
			ID: j.ID, Code: j.Code, AccountNumber: j.AccountNumber,
			CurrencyCode: j.CurrencyCode, CompanyID: j.CompanyID,
		})
	}

	report := splitter.Split(file.Payload, resolver)
	for _, splitErr := range report.Errors {
		result.Notes = append(result.Notes, splitErr.Error())
	}

	var created []statement.StatementRecord
	companies := map[string]bool{}
	for _, chunk := range report.Chunks {
		ids, notes, err := s.importer.ImportSingleFile(ctx, file, chunk)
		result.Notes = append(result.Notes, notes...)
		if err != nil {
			// Chunk-level savepoint: record and continue.
			result.Notes = append(result.Notes, fmt.Sprintf("import of account %s failed: %v", chunk.AccountNumber, err))
			continue
		}
		companies[chunk.CompanyID] = true
		for _, id := range ids {
			created = append(created, statement.StatementRecord{
				ID:           id,
				Name:         statementName(file, chunk),
				CompanyID:    chunk.CompanyID,
				Date:         statementDate(file),
				SourceFormat: file.Format,
			})
		}
	}

	kept, warnings, err := s.guard.Check(ctx, created)
	if err != nil {
		return nil, err
	}
	result.Notes = append(result.Notes, warnings...)
	result.StatementIDs = kept

	file.StatementIDs = kept
	for company := range companies {
		if company != "" {
			file.CompanyIDs = append(file.CompanyIDs, company)
		}
	}
	if err := s.markDone(ctx, file, result); err != nil {
		return nil, err
	}
	s.log.Info("file processed", "file_id", fileID, "statements", len(kept), "notes", len(result.Notes))
	return result, nil
}

func (s *Service) markDone(ctx context.Context, file *storage.DownloadedFile, result *ProcessResult) error {
	file.State = storage.FileDone
	if len(result.Notes) > 0 {
		note := strings.Join(result.Notes, "\n")
		if file.Note != "" {
			note = file.Note + "\n" + note
		}
		file.Note = note
	}
	return s.store.UpdateFile(ctx, file)
}

// DeleteFile removes a draft file and cascades its statements. Done
// files are immutable.
func (s *Service) DeleteFile(ctx context.Context, fileID string) error {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	for _, id := range file.StatementIDs {
		if err := s.store.DeleteStatement(ctx, id); err != nil {
			return fmt.Errorf("cascading statement %s: %w", id, err)
		}
	}
	return s.store.DeleteFile(ctx, fileID)
}

func statementName(file *storage.DownloadedFile, chunk statement.StatementChunk) string {
	return fmt.Sprintf("%s %s", file.Name, statement.SanitizeAccountNumber(chunk.AccountNumber))
}

func statementDate(file *storage.DownloadedFile) time.Time {
	if file.DateTo != nil {
		return file.DateTo.UTC().Truncate(24 * time.Hour)
	}
	return file.DownloadedAt.UTC().Truncate(24 * time.Hour)
}

// storeImporter records statements in the service's own store. It is
// the default when no external accounting system is wired in.
type storeImporter struct {
	store storage.Store
}

func (i *storeImporter) ImportSingleFile(ctx context.Context, file *storage.DownloadedFile, chunk statement.StatementChunk) ([]string, []string, error) {
	stmt := &storage.Statement{
		ID:           uuid.NewString(),
		Name:         statementName(file, chunk),
		JournalID:    chunk.JournalID,
		CompanyID:    chunk.CompanyID,
		Date:         statementDate(file),
		SourceFormat: file.Format,
		FileID:       file.ID,
		Amount:       chunk.TotalAmount.String(),
	}
	if err := i.store.CreateStatement(ctx, stmt); err != nil {
		return nil, nil, err
	}
	note := fmt.Sprintf("imported %d entries for account %s", chunk.EntryCount, chunk.AccountNumber)
	return []string{stmt.ID}, []string{note}, nil
}
