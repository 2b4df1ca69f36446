// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/ebics"
)

func TestRunScheduledImport(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)
	seedJournal(ctx, env.store, "j1", "FR7630004000031234567890143", "company1")
	seedJournal(ctx, env.store, "j2", "DE89370400440532013000", "company2")
	env.client.downloads = map[string]downloadOutcome{
		"C53": {data: []byte(processCamtFixture)},
	}

	batch, err := env.svc.RunScheduledImport(ctx, BatchRequest{})
	require.NoError(t, err)

	assert.Equal(t, storage.BatchDone, batch.State)
	assert.Equal(t, []string{"conn1"}, batch.ConnectionIDs)
	assert.NotNil(t, batch.FinishedAt)
	assert.False(t, batch.HasErrors())

	// The downloaded file went through processing in the same run.
	files, err := env.store.ListFiles(ctx, &storage.FileFilter{State: storage.FileDone})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Len(t, files[0].StatementIDs, 2)

	stored, err := env.store.GetBatchLog(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.BatchDone, stored.State)
}

func TestRunScheduledImportRetriesTransportErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)
	env.client.downloads = map[string]downloadOutcome{
		"C53": {data: []byte("<camt/>")},
	}
	env.client.failsLeft = 1
	env.client.transient = &ebics.TransportError{Err: errBoom}

	batch, err := env.svc.RunScheduledImport(ctx, BatchRequest{ConnectionIDs: []string{"conn1"}})
	require.NoError(t, err)
	assert.Equal(t, storage.BatchDone, batch.State)
}

func TestRunScheduledImportNoEligibleSubscriber(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionConfirmed)
	// The only subscriber has no stored passphrase.
	sub := env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)
	sub.PassphraseStore = false
	sub.Passphrase = ""
	require.NoError(t, env.store.UpdateSubscriber(ctx, sub))

	batch, err := env.svc.RunScheduledImport(ctx, BatchRequest{})
	require.NoError(t, err)
	assert.Equal(t, storage.BatchError, batch.State)
	assert.True(t, batch.HasErrors())
}

func TestRunScheduledImportSkipsDraftConnections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedConnection(ctx, storage.ConnectionDraft)
	env.seedSubscriber(ctx, storage.SubscriberActiveKeys, storage.RightsBoth)

	batch, err := env.svc.RunScheduledImport(ctx, BatchRequest{})
	require.NoError(t, err)
	assert.Empty(t, batch.ConnectionIDs)
	assert.Equal(t, storage.BatchDone, batch.State)
}

func TestRunScheduledImportReprocessesLeftoverDrafts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedJournal(ctx, env.store, "j1", "FR7630004000031234567890143", "company1")
	seedJournal(ctx, env.store, "j2", "DE89370400440532013000", "company2")
	// A draft file from an earlier, interrupted run.
	file := seedDraftFile(ctx, env.store, "leftover.xml", "camt.053", []byte(processCamtFixture))

	batch, err := env.svc.RunScheduledImport(ctx, BatchRequest{})
	require.NoError(t, err)
	assert.Equal(t, storage.BatchDone, batch.State)

	done, err := env.store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.FileDone, done.State)
}

func TestBatchSubscriberPrefersTransportClass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conn := env.seedConnection(ctx, storage.ConnectionConfirmed)
	_ = env.store.CreateSubscriber(ctx, &storage.Subscriber{
		UserID: "SIGNER", ConnectionID: "conn1", State: storage.SubscriberActiveKeys,
		Rights: storage.RightsBoth, SignatureClass: "E",
		PassphraseStore: true, Passphrase: "stored-pass",
	})
	_ = env.store.CreateSubscriber(ctx, &storage.Subscriber{
		UserID: "TRANSPORT", ConnectionID: "conn1", State: storage.SubscriberActiveKeys,
		Rights: storage.RightsDownload, SignatureClass: "T",
		PassphraseStore: true, Passphrase: "stored-pass",
	})

	sub, err := env.svc.batchSubscriber(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "TRANSPORT", sub.UserID)
}
