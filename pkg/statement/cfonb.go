// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CFONBSplitter splits CFONB 120 files, the French fixed-width bank
// statement format. A statement block runs from an opening balance
// record ("01") through its closing balance record ("07"); movements
// are "04" records, complements "05".
type CFONBSplitter struct{}

const cfonbRecordLen = 120

const (
	cfonbOpeningBalance = "01"
	cfonbMovement       = "04"
	cfonbComplement     = "05"
	cfonbClosingBalance = "07"
)

// Split implements Splitter. Blocks without a single movement record
// are dropped.
func (s *CFONBSplitter) Split(payload []byte, resolver JournalResolver) *SplitReport {
	report := &SplitReport{}
	records := SplitCFONBRecords(payload)

	var block []string
	flush := func() {
		if len(block) == 0 {
			return
		}
		s.emit(report, block, resolver)
		block = nil
	}
	for _, record := range records {
		if len(record) < 2 {
			continue
		}
		code := record[:2]
		if code == cfonbOpeningBalance {
			flush()
		}
		block = append(block, record)
		if code == cfonbClosingBalance {
			flush()
		}
	}
	flush()
	return report
}

func (s *CFONBSplitter) emit(report *SplitReport, block []string, resolver JournalResolver) {
	entries := 0
	total := decimal.Zero
	for _, record := range block {
		if record[:2] != cfonbMovement {
			continue
		}
		entries++
		if amt, ok := parseCFONBAmount(record); ok {
			total = total.Add(amt)
		}
	}
	if entries == 0 {
		return
	}

	account, currency := cfonbAccount(block[0])
	journal, err := resolver.Resolve(account, currency)
	if err != nil {
		if resolution, ok := err.(*SplitResolutionError); ok {
			report.Errors = append(report.Errors, resolution)
		} else {
			report.addError(account, currency, 0)
		}
		return
	}
	report.Chunks = append(report.Chunks, StatementChunk{
		AccountNumber: account,
		CurrencyCode:  currency,
		JournalID:     journal.ID,
		CompanyID:     journal.CompanyID,
		Payload:       []byte(strings.Join(block, "\n") + "\n"),
		EntryCount:    entries,
		TotalAmount:   total,
	})
}

// cfonbAccount reads the currency (columns 17-19) and account number
// (columns 22-32) of a record.
func cfonbAccount(record string) (account, currency string) {
	if len(record) < 32 {
		return "", ""
	}
	currency = strings.TrimSpace(record[16:19])
	account = strings.TrimSpace(record[21:32])
	return account, currency
}

// SplitCFONBRecords cuts a CFONB payload into 120-character records.
// Some banks deliver the file with line breaks, others as one unbroken
// byte run; both are accepted. Short trailing fragments are dropped.
func SplitCFONBRecords(payload []byte) []string {
	text := strings.ReplaceAll(string(payload), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if strings.Contains(text, "\n") {
		var records []string
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			records = append(records, padRecord(line))
		}
		return records
	}
	var records []string
	for len(text) >= cfonbRecordLen {
		records = append(records, text[:cfonbRecordLen])
		text = text[cfonbRecordLen:]
	}
	if strings.TrimSpace(text) != "" {
		records = append(records, padRecord(text))
	}
	return records
}

func padRecord(line string) string {
	if len(line) >= cfonbRecordLen {
		return line[:cfonbRecordLen]
	}
	return line + strings.Repeat(" ", cfonbRecordLen-len(line))
}

// parseCFONBAmount decodes the amount field of a movement record:
// columns 91-104, where the final character encodes both the last digit
// and the sign, with the decimal count taken from column 20.
func parseCFONBAmount(record string) (decimal.Decimal, bool) {
	if len(record) < 104 {
		return decimal.Zero, false
	}
	field := record[90:104]
	decimals := 2
	if d := record[19]; d >= '0' && d <= '9' {
		decimals = int(d - '0')
	}
	digits := field[:len(field)-1]
	last, negative, ok := decodeCFONBSignDigit(field[len(field)-1])
	if !ok {
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(strings.TrimSpace(digits) + last)
	if err != nil {
		return decimal.Zero, false
	}
	value = value.Shift(int32(-decimals))
	if negative {
		value = value.Neg()
	}
	return value, true
}

// decodeCFONBSignDigit maps the combined sign/digit character: '{'..'I'
// encode a positive 0-9, '}'..'R' a negative 0-9.
func decodeCFONBSignDigit(c byte) (digit string, negative, ok bool) {
	switch {
	case c == '{':
		return "0", false, true
	case c >= 'A' && c <= 'I':
		return string('1' + c - 'A'), false, true
	case c == '}':
		return "0", true, true
	case c >= 'J' && c <= 'R':
		return string('1' + c - 'J'), true, true
	case c >= '0' && c <= '9':
		return string(c), false, true
	}
	return "", false, false
}
