// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
)

func TestDownloadStoresAndConfirms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)
	env.client.downloads = map[string]downloadOutcome{
		"C53": {data: []byte("<camt/>")},
	}

	to := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	report, err := env.svc.Download(ctx, DownloadRequest{
		ConnectionID: "conn1", UserID: "USER1",
		FormatIDs: []string{"camt.053"}, DateTo: &to,
	})
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Empty(t, report.Errors)

	file := report.Files[0]
	assert.Equal(t, "EBIXQUAL_PARTNER1_camt053.xml", file.Name)
	assert.Equal(t, "camt.053", file.Format)
	assert.Equal(t, storage.FileDraft, file.State)
	assert.Equal(t, []byte("<camt/>"), file.Payload)

	// Positive receipt only after the payload is stored.
	assert.True(t, env.client.confirmed["TX-C53"])

	stored, err := env.store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.Name, stored.Name)
}

func TestDownloadFormatIsolation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)
	env.client.downloads = map[string]downloadOutcome{
		"C53": {data: []byte("<camt/>")},
		"camt.xxx.cfonb120.stm": {err: &ebics.FunctionalError{Code: "090003", Message: "authorisation"}},
	}

	report, err := env.svc.Download(ctx, DownloadRequest{
		ConnectionID: "conn1", UserID: "USER1",
		FormatIDs: []string{"camt.053", "cfonb120"},
	})
	require.NoError(t, err)

	// The failing format is an entry in the report, not an abort.
	require.Len(t, report.Files, 1)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "cfonb120", report.Errors[0].FormatID)
	var functional *ebics.FunctionalError
	assert.ErrorAs(t, report.Errors[0], &functional)
}

func TestDownloadNoData(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)

	report, err := env.svc.Download(ctx, DownloadRequest{
		ConnectionID: "conn1", UserID: "USER1", FormatIDs: []string{"camt.053"},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Files)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"camt.053"}, report.NoData)
}

func TestDownloadNameCollisionGetsSuffix(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)
	env.client.downloads = map[string]downloadOutcome{
		"C53": {data: []byte("<camt/>")},
	}

	first, err := env.svc.Download(ctx, DownloadRequest{
		ConnectionID: "conn1", UserID: "USER1", FormatIDs: []string{"camt.053"},
	})
	require.NoError(t, err)
	second, err := env.svc.Download(ctx, DownloadRequest{
		ConnectionID: "conn1", UserID: "USER1", FormatIDs: []string{"camt.053"},
	})
	require.NoError(t, err)

	require.Len(t, first.Files, 1)
	require.Len(t, second.Files, 1)
	assert.Equal(t, "EBIXQUAL_PARTNER1_camt053.xml", first.Files[0].Name)
	assert.Equal(t, "EBIXQUAL_PARTNER1_camt053_1.xml", second.Files[0].Name)
}

func TestDownloadRequiresActiveKeys(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberToVerify, storage.RightsBoth)

	_, err := env.svc.Download(ctx, DownloadRequest{ConnectionID: "conn1", UserID: "USER1"})
	require.ErrorIs(t, err, ErrNotActive)
}

func TestDownloadRightsEnforced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsUpload)

	_, err := env.svc.Download(ctx, DownloadRequest{ConnectionID: "conn1", UserID: "USER1"})
	require.ErrorIs(t, err, ErrNoDownloadRights)
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)

	orderID, err := env.svc.Upload(ctx, UploadRequest{
		ConnectionID: "conn1", UserID: "USER1",
		FormatID: "cct", Payload: []byte("<pain.001/>"),
	})
	require.NoError(t, err)
	assert.Equal(t, "A042", orderID)
	assert.Equal(t, []byte("<pain.001/>"), env.client.uploaded)
}

func TestUploadRightsEnforced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsDownload)

	_, err := env.svc.Upload(ctx, UploadRequest{
		ConnectionID: "conn1", UserID: "USER1", FormatID: "cct", Payload: []byte("x"),
	})
	require.ErrorIs(t, err, ErrNoUploadRights)
}

func TestUploadRejectsDownloadFormat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)

	_, err := env.svc.Upload(ctx, UploadRequest{
		ConnectionID: "conn1", UserID: "USER1", FormatID: "camt.053", Payload: []byte("x"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download-only")
}

func TestUnknownFormat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)

	report, err := env.svc.Download(ctx, DownloadRequest{
		ConnectionID: "conn1", UserID: "USER1", FormatIDs: []string{"mt940"},
	})
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	var unknown *ErrUnknownFormat
	assert.ErrorAs(t, report.Errors[0], &unknown)
}
