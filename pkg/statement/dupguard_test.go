// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFinder struct {
	statements map[string]StatementRecord
	deleted    []string
}

func newMemFinder(existing ...StatementRecord) *memFinder {
	f := &memFinder{statements: make(map[string]StatementRecord)}
	for _, s := range existing {
		f.statements[s.ID] = s
	}
	return f
}

func (f *memFinder) FindStatements(_ context.Context, name, companyID string, date time.Time, format, excludeID string) ([]StatementRecord, error) {
	var out []StatementRecord
	for _, s := range f.statements {
		if s.ID == excludeID {
			continue
		}
		if s.Name == name && s.CompanyID == companyID && s.Date.Equal(date) && s.SourceFormat == format {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *memFinder) DeleteStatement(_ context.Context, id string) error {
	delete(f.statements, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func TestDuplicateGuardRemovesReimport(t *testing.T) {
	date := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	original := StatementRecord{ID: "S1", Name: "2024-01 BNK1", CompanyID: "C1", Date: date, SourceFormat: "camt"}
	reimport := StatementRecord{ID: "S2", Name: "2024-01 BNK1", CompanyID: "C1", Date: date, SourceFormat: "camt"}
	finder := newMemFinder(original, reimport)

	guard := NewDuplicateGuard(finder, nil)
	kept, warnings, err := guard.Check(context.Background(), []StatementRecord{reimport})
	require.NoError(t, err)
	assert.Empty(t, kept)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "already imported")
	assert.Equal(t, []string{"S2"}, finder.deleted)
}

func TestDuplicateGuardKeepsFirstImport(t *testing.T) {
	date := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	stmt := StatementRecord{ID: "S1", Name: "2024-01 BNK1", CompanyID: "C1", Date: date, SourceFormat: "cfonb120"}
	finder := newMemFinder(stmt)

	guard := NewDuplicateGuard(finder, nil)
	kept, warnings, err := guard.Check(context.Background(), []StatementRecord{stmt})
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, kept)
	assert.Empty(t, warnings)
	assert.Empty(t, finder.deleted)
}

func TestDuplicateGuardIgnoresSelfDeduplicatingFormats(t *testing.T) {
	date := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	original := StatementRecord{ID: "S1", Name: "2024-01 BNK1", CompanyID: "C1", Date: date, SourceFormat: "ofx"}
	reimport := StatementRecord{ID: "S2", Name: "2024-01 BNK1", CompanyID: "C1", Date: date, SourceFormat: "ofx"}
	finder := newMemFinder(original, reimport)

	guard := NewDuplicateGuard(finder, nil)
	kept, warnings, err := guard.Check(context.Background(), []StatementRecord{reimport})
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, kept)
	assert.Empty(t, warnings)
	assert.Empty(t, finder.deleted)
}

func TestDuplicateGuardCustomAllowlist(t *testing.T) {
	guard := NewDuplicateGuard(newMemFinder(), []string{"ofx"})
	assert.True(t, guard.Guarded("ofx"))
	assert.False(t, guard.Guarded("camt"))
}

func TestDuplicateGuardDistinctCompanies(t *testing.T) {
	// Same name and date under different companies is not a duplicate.
	date := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	a := StatementRecord{ID: "S1", Name: "2024-01", CompanyID: "C1", Date: date, SourceFormat: "camt"}
	b := StatementRecord{ID: "S2", Name: "2024-01", CompanyID: "C2", Date: date, SourceFormat: "camt"}
	finder := newMemFinder(a, b)

	guard := NewDuplicateGuard(finder, nil)
	kept, warnings, err := guard.Check(context.Background(), []StatementRecord{b})
	require.NoError(t, err)
	assert.Equal(t, []string{"S2"}, kept)
	assert.Empty(t, warnings)
}
