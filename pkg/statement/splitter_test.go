// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import (
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const camt053Fixture = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.02">
  <BkToCstmrStmt>
    <GrpHdr><MsgId>MSG-1</MsgId></GrpHdr>
    <Stmt>
      <Id>STMT-1</Id>
      <Acct><Id><IBAN>FR7630004000031234567890143</IBAN></Id><Ccy>EUR</Ccy></Acct>
      <Ntry><Amt Ccy="EUR">100.50</Amt><CdtDbtInd>CRDT</CdtDbtInd></Ntry>
      <Ntry><Amt Ccy="EUR">20.25</Amt><CdtDbtInd>DBIT</CdtDbtInd></Ntry>
    </Stmt>
    <Stmt>
      <Id>STMT-2</Id>
      <Acct><Id><Othr><Id>12345678901USD</Id></Othr></Id></Acct>
      <Ntry><Amt Ccy="USD">42.00</Amt><CdtDbtInd>CRDT</CdtDbtInd></Ntry>
    </Stmt>
    <Stmt>
      <Id>STMT-3</Id>
      <Acct><Id><IBAN>FR7699999999999999999999999</IBAN></Id><Ccy>EUR</Ccy></Acct>
    </Stmt>
  </BkToCstmrStmt>
</Document>`

func testJournals() *ListResolver {
	return &ListResolver{Journals: []Journal{
		{ID: "J1", Code: "BNK1", AccountNumber: "FR76 3000 4000 0312 3456 7890 143", CurrencyCode: "EUR", CompanyID: "C1"},
		{ID: "J2", Code: "BNK2", AccountNumber: "12345678901", CurrencyCode: "USD", CompanyID: "C2"},
	}}
}

func TestCamtSplitPerAccountSections(t *testing.T) {
	report := (&CamtSplitter{}).Split([]byte(camt053Fixture), testJournals())
	require.Empty(t, report.Errors)
	// STMT-3 has no entries and must be dropped.
	require.Len(t, report.Chunks, 2)

	first := report.Chunks[0]
	assert.Equal(t, "FR7630004000031234567890143", first.AccountNumber)
	assert.Equal(t, "EUR", first.CurrencyCode)
	assert.Equal(t, "J1", first.JournalID)
	assert.Equal(t, "C1", first.CompanyID)
	assert.Equal(t, 2, first.EntryCount)
	assert.True(t, first.TotalAmount.Equal(decimal.RequireFromString("80.25")), "got %s", first.TotalAmount)

	// The currency suffix quirk: 12345678901USD resolves as account
	// 12345678901 in USD.
	second := report.Chunks[1]
	assert.Equal(t, "12345678901", second.AccountNumber)
	assert.Equal(t, "USD", second.CurrencyCode)
	assert.Equal(t, "J2", second.JournalID)
}

func TestCamtSplitChunksAreStandaloneDocuments(t *testing.T) {
	report := (&CamtSplitter{}).Split([]byte(camt053Fixture), testJournals())
	require.Len(t, report.Chunks, 2)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(report.Chunks[0].Payload))
	root := doc.Root()
	assert.Equal(t, "Document", root.Tag)
	assert.Equal(t, "urn:iso:std:iso:20022:tech:xsd:camt.053.001.02", root.SelectAttrValue("xmlns", ""))
	// Group header carried over, exactly one statement per chunk.
	assert.NotNil(t, root.FindElement(".//GrpHdr"))
	assert.Len(t, root.FindElements(".//Stmt"), 1)
	assert.Equal(t, "STMT-1", root.FindElement(".//Stmt/Id").Text())
}

func TestCamtSplitReportsUnresolvedAccounts(t *testing.T) {
	resolver := &ListResolver{Journals: []Journal{
		{ID: "J1", AccountNumber: "FR7630004000031234567890143", CurrencyCode: "EUR", CompanyID: "C1"},
	}}
	report := (&CamtSplitter{}).Split([]byte(camt053Fixture), resolver)
	require.Len(t, report.Chunks, 1)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "12345678901", report.Errors[0].AccountNumber)
	assert.Equal(t, "USD", report.Errors[0].CurrencyCode)
	assert.Equal(t, 0, report.Errors[0].Matches)
}

func TestCamtSplitRefusesAmbiguousMatch(t *testing.T) {
	resolver := &ListResolver{Journals: []Journal{
		{ID: "J1", AccountNumber: "FR7630004000031234567890143", CompanyID: "C1"},
		{ID: "J1B", AccountNumber: "fr7630004000031234567890143", CompanyID: "C2"},
		{ID: "J2", AccountNumber: "12345678901", CurrencyCode: "USD", CompanyID: "C2"},
	}}
	report := (&CamtSplitter{}).Split([]byte(camt053Fixture), resolver)
	require.Len(t, report.Chunks, 1)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 2, report.Errors[0].Matches)
}

// cfonbRecord builds one fixed-width record with the fields the
// splitter reads placed at their CFONB columns.
func cfonbRecord(code, currency, account, amount string) string {
	record := []byte(strings.Repeat(" ", cfonbRecordLen))
	copy(record[0:2], code)
	copy(record[16:19], currency)
	record[19] = '2' // two decimals
	copy(record[21:32], account)
	if amount != "" {
		copy(record[104-len(amount):104], amount)
	}
	return string(record)
}

func TestCFONBSplit(t *testing.T) {
	// Two statement blocks: the first with two movements, the second
	// without any.
	lines := []string{
		cfonbRecord("01", "EUR", "12345678901", ""),
		cfonbRecord("04", "EUR", "12345678901", "1005{"), // +100.50
		cfonbRecord("04", "EUR", "12345678901", "202N"),  // -20.25
		cfonbRecord("07", "EUR", "12345678901", ""),
		cfonbRecord("01", "EUR", "99999999999", ""),
		cfonbRecord("07", "EUR", "99999999999", ""),
	}
	payload := []byte(strings.Join(lines, "\n") + "\n")
	resolver := &ListResolver{Journals: []Journal{
		{ID: "J1", AccountNumber: "12345678901", CurrencyCode: "EUR", CompanyID: "C1"},
	}}

	report := (&CFONBSplitter{}).Split(payload, resolver)
	require.Empty(t, report.Errors)
	require.Len(t, report.Chunks, 1)

	chunk := report.Chunks[0]
	assert.Equal(t, "12345678901", chunk.AccountNumber)
	assert.Equal(t, "EUR", chunk.CurrencyCode)
	assert.Equal(t, 2, chunk.EntryCount)
	assert.True(t, chunk.TotalAmount.Equal(decimal.RequireFromString("80.25")), "got %s", chunk.TotalAmount)

	// The chunk is a complete 01..07 block with normalized line endings.
	records := strings.Split(strings.TrimRight(string(chunk.Payload), "\n"), "\n")
	require.Len(t, records, 4)
	assert.Equal(t, "01", records[0][:2])
	assert.Equal(t, "07", records[3][:2])
}

func TestCFONBSplitUnbrokenPayload(t *testing.T) {
	// Some banks deliver the file without any line breaks.
	payload := []byte(cfonbRecord("01", "EUR", "12345678901", "") +
		cfonbRecord("04", "EUR", "12345678901", "5000{") +
		cfonbRecord("07", "EUR", "12345678901", ""))
	resolver := &ListResolver{Journals: []Journal{
		{ID: "J1", AccountNumber: "12345678901", CurrencyCode: "EUR", CompanyID: "C1"},
	}}
	report := (&CFONBSplitter{}).Split(payload, resolver)
	require.Empty(t, report.Errors)
	require.Len(t, report.Chunks, 1)
	assert.Equal(t, 1, report.Chunks[0].EntryCount)
	assert.True(t, report.Chunks[0].TotalAmount.Equal(decimal.RequireFromString("500.00")))
}

func TestCFONBSplitUnresolvedAccount(t *testing.T) {
	payload := []byte(cfonbRecord("01", "EUR", "12345678901", "") +
		cfonbRecord("04", "EUR", "12345678901", "5000{") +
		cfonbRecord("07", "EUR", "12345678901", ""))
	report := (&CFONBSplitter{}).Split(payload, &ListResolver{})
	assert.Empty(t, report.Chunks)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "12345678901", report.Errors[0].AccountNumber)
}

func TestKindForFormat(t *testing.T) {
	tests := []struct {
		name string
		kind FormatKind
	}{
		{"camt.xxx.cfonb120.stm", FormatCFONB120},
		{"camt.053.001.02.stm", FormatCamt053},
		{"camt.052.001.02.ach", FormatCamt052},
		{"camt.054.001.02.ach", FormatCamt054},
		{"pain.001.001.03.sct", FormatGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindForFormat(tt.name))
		})
	}
	assert.Nil(t, SplitterFor(FormatGeneric))
	assert.NotNil(t, SplitterFor(FormatCamt053))
	assert.NotNil(t, SplitterFor(FormatCFONB120))
}

func TestSanitizeAccountNumber(t *testing.T) {
	assert.Equal(t, "FR7630004000", SanitizeAccountNumber("fr76 3000-4000"))
	assert.Equal(t, SanitizeAccountNumber("FR76 3000 4000 0312"), SanitizeAccountNumber("fr7630004000 0312"))
}

func TestStripCurrencySuffix(t *testing.T) {
	account, currency := stripCurrencySuffix("12345678901USD", "")
	assert.Equal(t, "12345678901", account)
	assert.Equal(t, "USD", currency)

	// A known currency confirms the suffix even on alphanumeric accounts.
	account, currency = stripCurrencySuffix("FR76123EUR", "EUR")
	assert.Equal(t, "FR76123", account)
	assert.Equal(t, "EUR", currency)

	// IBAN-like endings are left alone when no currency is known.
	account, currency = stripCurrencySuffix("FR7630004ABC", "")
	assert.Equal(t, "FR7630004ABC", account)
	assert.Empty(t, currency)
}
