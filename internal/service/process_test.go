// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/pkg/statement"
)

func chunkForAccount(account string) statement.StatementChunk {
	return statement.StatementChunk{AccountNumber: account}
}

const processCamtFixture = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.02">
  <BkToCstmrStmt>
    <GrpHdr><MsgId>MSG-1</MsgId><CreDtTm>2026-03-31T06:00:00</CreDtTm></GrpHdr>
    <Stmt>
      <Id>STMT-1</Id>
      <Acct><Id><IBAN>FR7630004000031234567890143</IBAN></Id><Ccy>EUR</Ccy></Acct>
      <Ntry><Amt Ccy="EUR">100.50</Amt><CdtDbtInd>CRDT</CdtDbtInd></Ntry>
      <Ntry><Amt Ccy="EUR">20.25</Amt><CdtDbtInd>DBIT</CdtDbtInd></Ntry>
    </Stmt>
    <Stmt>
      <Id>STMT-2</Id>
      <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id><Ccy>EUR</Ccy></Acct>
      <Ntry><Amt Ccy="EUR">42.00</Amt><CdtDbtInd>CRDT</CdtDbtInd></Ntry>
    </Stmt>
  </BkToCstmrStmt>
</Document>
`

func seedJournal(ctx context.Context, store *memStore, id, account, company string) {
	_ = store.CreateJournal(ctx, &storage.Journal{
		ID: id, Code: id, Name: "Bank " + id,
		AccountNumber: account, CurrencyCode: "EUR", CompanyID: company,
	})
}

func seedDraftFile(ctx context.Context, store *memStore, name, format string, payload []byte) *storage.DownloadedFile {
	to := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	file := &storage.DownloadedFile{
		ID:           uuid.NewString(),
		Name:         name,
		Format:       format,
		ConnectionID: "conn1",
		UserID:       "USER1",
		Payload:      payload,
		State:        storage.FileDraft,
		DateTo:       &to,
		DownloadedAt: time.Now().UTC(),
	}
	_ = store.CreateFile(ctx, file)
	return file
}

func TestProcessCamtFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedJournal(ctx, env.store, "j1", "FR7630004000031234567890143", "company1")
	seedJournal(ctx, env.store, "j2", "DE89370400440532013000", "company2")
	file := seedDraftFile(ctx, env.store, "stmt.xml", "camt.053", []byte(processCamtFixture))

	result, err := env.svc.Process(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, result.StatementIDs, 2)

	stmt, err := env.store.GetStatement(ctx, result.StatementIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "camt.053", stmt.SourceFormat)
	assert.Equal(t, file.ID, stmt.FileID)
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), stmt.Date)

	done, err := env.store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.FileDone, done.State)
	assert.ElementsMatch(t, result.StatementIDs, done.StatementIDs)
	assert.ElementsMatch(t, []string{"company1", "company2"}, done.CompanyIDs)
}

func TestProcessRejectsDoneFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedJournal(ctx, env.store, "j1", "FR7630004000031234567890143", "company1")
	seedJournal(ctx, env.store, "j2", "DE89370400440532013000", "company2")
	file := seedDraftFile(ctx, env.store, "stmt.xml", "camt.053", []byte(processCamtFixture))

	_, err := env.svc.Process(ctx, file.ID)
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, file.ID)
	require.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestProcessUnresolvedAccountContinues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	// Only the French account resolves; the German one has no journal.
	seedJournal(ctx, env.store, "j1", "FR7630004000031234567890143", "company1")
	file := seedDraftFile(ctx, env.store, "stmt.xml", "camt.053", []byte(processCamtFixture))

	result, err := env.svc.Process(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, result.StatementIDs, 1)
	assert.Contains(t, splitNotes(result.Notes), "DE89370400440532013000")

	done, _ := env.store.GetFile(ctx, file.ID)
	assert.Equal(t, storage.FileDone, done.State)
	assert.Contains(t, done.Note, "DE89370400440532013000")
}

func TestProcessRemovesDuplicateStatements(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedJournal(ctx, env.store, "j1", "FR7630004000031234567890143", "company1")
	seedJournal(ctx, env.store, "j2", "DE89370400440532013000", "company2")
	file := seedDraftFile(ctx, env.store, "stmt.xml", "camt.053", []byte(processCamtFixture))

	// A statement with the same identity predates this import.
	existing := &storage.Statement{
		ID:           "pre-existing",
		Name:         statementName(file, chunkForAccount("FR7630004000031234567890143")),
		CompanyID:    "company1",
		Date:         time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		SourceFormat: "camt.053",
	}
	require.NoError(t, env.store.CreateStatement(ctx, existing))

	result, err := env.svc.Process(ctx, file.ID)
	require.NoError(t, err)

	// Only the German statement survives; the French one is a duplicate.
	require.Len(t, result.StatementIDs, 1)
	assert.Contains(t, splitNotes(result.Notes), "duplicate removed")

	// The earlier statement is untouched, the new duplicate is gone.
	_, err = env.store.GetStatement(ctx, "pre-existing")
	require.NoError(t, err)
}

func TestProcessGenericFormatStoredOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	file := seedDraftFile(ctx, env.store, "status.xml", "pain.002", []byte("<pain.002/>"))

	result, err := env.svc.Process(ctx, file.ID)
	require.NoError(t, err)
	assert.Empty(t, result.StatementIDs)
	assert.Contains(t, splitNotes(result.Notes), "without statement import")

	done, _ := env.store.GetFile(ctx, file.ID)
	assert.Equal(t, storage.FileDone, done.State)
}

func TestDeleteFileCascadesStatements(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	file := seedDraftFile(ctx, env.store, "stmt.xml", "camt.053", []byte("x"))
	file.StatementIDs = []string{"s1"}
	require.NoError(t, env.store.UpdateFile(ctx, file))
	require.NoError(t, env.store.CreateStatement(ctx, &storage.Statement{ID: "s1", FileID: file.ID}))

	require.NoError(t, env.svc.DeleteFile(ctx, file.ID))
	_, err := env.store.GetStatement(ctx, "s1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.store.GetFile(ctx, file.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteFileRejectedWhenDone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	file := seedDraftFile(ctx, env.store, "stmt.xml", "camt.053", []byte("x"))
	file.State = storage.FileDone
	require.NoError(t, env.store.UpdateFile(ctx, file))

	err := env.svc.DeleteFile(ctx, file.ID)
	require.ErrorIs(t, err, storage.ErrFileDone)
}
