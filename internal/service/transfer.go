// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
)

// DownloadRequest selects what to fetch.
type DownloadRequest struct {
	ConnectionID string
	UserID       string
	Passphrase   string

	// FormatIDs narrows the formats to fetch. Empty means the default
	// download set.
	FormatIDs []string

	// DateFrom / DateTo bound the requested period, inclusive.
	DateFrom *time.Time
	DateTo   *time.Time
}

// FormatError records the failure of one format within a batch. One
// format failing never stops its siblings.
type FormatError struct {
	FormatID string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s: %v", e.FormatID, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// DownloadReport is the outcome of one download run.
type DownloadReport struct {
	Files []*storage.DownloadedFile

	// NoData lists formats the bank had nothing to deliver for.
	NoData []string

	Errors []*FormatError
}

// Download fetches the requested formats, stores each payload as a
// draft file and confirms the transaction with the bank only after the
// payload is durably stored.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*DownloadReport, error) {
	sess, err := s.openSession(ctx, req.ConnectionID, req.UserID, req.Passphrase)
	if err != nil {
		return nil, err
	}
	if sess.sub.State != storage.SubscriberActiveKeys {
		return nil, ErrNotActive
	}
	if sess.sub.Rights == storage.RightsUpload {
		return nil, ErrNoDownloadRights
	}
	client, err := s.clientFor(ctx, sess)
	if err != nil {
		return nil, err
	}

	formatIDs := req.FormatIDs
	if len(formatIDs) == 0 {
		formatIDs = DownloadFormatIDs()
	}

	report := &DownloadReport{}
	for _, formatID := range formatIDs {
		file, err := s.downloadOne(ctx, client, sess, formatID, req.DateFrom, req.DateTo)
		if err != nil {
			if errors.Is(err, ebics.ErrNoDownloadData) {
				report.NoData = append(report.NoData, formatID)
				continue
			}
			s.log.Warn("download failed", "format", formatID, "error", err)
			report.Errors = append(report.Errors, &FormatError{FormatID: formatID, Err: err})
			continue
		}
		report.Files = append(report.Files, file)
	}
	if len(report.Errors) == 0 {
		s.finish(ctx, sess)
	}
	return report, nil
}

func (s *Service) downloadOne(ctx context.Context, client ProtocolClient, sess *session, formatID string, from, to *time.Time) (*storage.DownloadedFile, error) {
	format, err := FormatByID(formatID)
	if err != nil {
		return nil, err
	}
	if format.Direction != DirectionDownload {
		return nil, fmt.Errorf("format %s is upload-only", formatID)
	}

	order := ebics.DownloadOrder{
		OrderType: format.OrderType,
		DateFrom:  from,
		DateTo:    to,
	}
	if format.OrderType == "" {
		// Generic file download, addressed by the FDL format parameter.
		order.OrderType = "FDL"
		order.FileFormat = format.FDLFormat
	}
	if ebics.Version(sess.conn.ProtocolVersion) == ebics.VersionH005 {
		order.BTF = format.BTF
	}

	result, err := client.Download(ctx, order)
	if err != nil {
		return nil, err
	}

	file := &storage.DownloadedFile{
		ID:           uuid.NewString(),
		Name:         downloadFileName(sess.conn, format, to),
		Format:       format.ID,
		ConnectionID: sess.conn.ID,
		UserID:       sess.sub.UserID,
		Payload:      result.Data,
		State:        storage.FileDraft,
		DateFrom:     from,
		DateTo:       to,
		DownloadedAt: time.Now().UTC(),
	}
	if err := s.createFileDeduped(ctx, file); err != nil {
		// Tell the bank the transfer failed so it re-delivers.
		if confirmErr := client.ConfirmDownload(ctx, result.TransactionID, false); confirmErr != nil {
			s.log.Warn("negative receipt failed", "transaction_id", result.TransactionID, "error", confirmErr)
		}
		return nil, err
	}
	if err := client.ConfirmDownload(ctx, result.TransactionID, true); err != nil {
		return nil, err
	}
	s.log.Info("file downloaded", "name", file.Name, "format", file.Format, "bytes", len(file.Payload))
	return file, nil
}

// createFileDeduped stores a file, suffixing the name with _1, _2, ...
// when the (name, format) pair already exists.
func (s *Service) createFileDeduped(ctx context.Context, file *storage.DownloadedFile) error {
	base := file.Name
	var dup *storage.DuplicateFileError
	for attempt := 0; attempt < 100; attempt++ {
		if attempt > 0 {
			file.Name = suffixedFileName(base, attempt)
		}
		err := s.store.CreateFile(ctx, file)
		if err == nil {
			return nil
		}
		if !errors.As(err, &dup) {
			return err
		}
	}
	return fmt.Errorf("no free file name for %s", base)
}

func suffixedFileName(name string, n int) string {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' {
			return fmt.Sprintf("%s_%d%s", name[:i], n, name[i:])
		}
	}
	return fmt.Sprintf("%s_%d", name, n)
}

// downloadFileName builds host_partner_{docname|dateTo}.suffix.
func downloadFileName(conn *storage.BankConnection, format *FileFormat, dateTo *time.Time) string {
	part := format.DocName
	if part == "" {
		if dateTo != nil {
			part = dateTo.Format("2006-01-02")
		} else {
			part = time.Now().UTC().Format("2006-01-02")
		}
	}
	return fmt.Sprintf("%s_%s_%s.%s", conn.HostID, conn.PartnerID, part, format.Suffix)
}

// UploadRequest describes one payment file upload.
type UploadRequest struct {
	ConnectionID string
	UserID       string
	Passphrase   string

	// SigPassphrase unlocks the separately protected signature key.
	SigPassphrase string

	FormatID string
	Payload  []byte

	// TestMode asks the bank to validate without executing.
	TestMode bool
}

// Upload sends a payment file to the bank and returns the order id the
// bank booked it under. On connections with client-assigned order
// numbers the counter is persisted only after the bank accepts the
// order.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (string, error) {
	sess, err := s.openSession(ctx, req.ConnectionID, req.UserID, req.Passphrase)
	if err != nil {
		return "", err
	}
	if sess.sub.State != storage.SubscriberActiveKeys {
		return "", ErrNotActive
	}
	if sess.sub.Rights == storage.RightsDownload {
		return "", ErrNoUploadRights
	}
	format, err := FormatByID(req.FormatID)
	if err != nil {
		return "", err
	}
	if format.Direction != DirectionUpload {
		return "", fmt.Errorf("format %s is download-only", req.FormatID)
	}
	if format.SignatureClass != "" && format.SignatureClass != sess.sub.SignatureClass {
		override := *sess.sub
		override.SignatureClass = format.SignatureClass
		sess.sub = &override
	}
	client, err := s.clientFor(ctx, sess)
	if err != nil {
		return "", err
	}

	order := ebics.UploadOrder{
		OrderType: format.OrderType,
		TestMode:  req.TestMode,
		Data:      req.Payload,
	}
	if format.OrderType == "" {
		order.OrderType = "FUL"
		order.FileFormat = format.FDLFormat
		order.CountryCode = format.CountryCode
	}
	if ebics.Version(sess.conn.ProtocolVersion) == ebics.VersionH005 {
		order.BTF = format.BTF
	}

	orderID, err := client.Upload(ctx, order, req.SigPassphrase)
	if err != nil {
		return "", err
	}
	s.finish(ctx, sess)
	s.log.Info("file uploaded", "format", req.FormatID, "order_id", orderID, "bytes", len(req.Payload))
	return orderID, nil
}
