// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Journal is an accounting journal a statement chunk can be imported
// into.
type Journal struct {
	ID            string
	Code          string
	AccountNumber string
	CurrencyCode  string
	CompanyID     string
}

// JournalResolver maps a (account number, currency) pair to exactly one
// journal. Implementations must treat zero and multiple matches as
// failures.
type JournalResolver interface {
	Resolve(accountNumber, currencyCode string) (*Journal, error)
}

// SplitResolutionError reports an account section that could not be
// mapped to exactly one journal.
type SplitResolutionError struct {
	AccountNumber string
	CurrencyCode  string
	Matches       int
}

func (e *SplitResolutionError) Error() string {
	if e.Matches == 0 {
		return fmt.Sprintf("no journal matches account %s (currency %s)", e.AccountNumber, e.CurrencyCode)
	}
	return fmt.Sprintf("%d journals match account %s (currency %s), refusing to guess", e.Matches, e.AccountNumber, e.CurrencyCode)
}

// StatementChunk is one per-account slice of a downloaded payload,
// re-serialized as a standalone document.
type StatementChunk struct {
	AccountNumber string
	CurrencyCode  string
	JournalID     string
	CompanyID     string
	Payload       []byte

	// EntryCount and TotalAmount summarize the chunk's transactions for
	// the batch report. TotalAmount is the signed sum where the format
	// exposes signed amounts, otherwise the absolute sum.
	EntryCount  int
	TotalAmount decimal.Decimal
}

// SplitReport accumulates chunks and per-section errors. A failed
// section never aborts its siblings.
type SplitReport struct {
	Chunks []StatementChunk
	Errors []*SplitResolutionError
}

func (r *SplitReport) addError(account, currency string, matches int) {
	r.Errors = append(r.Errors, &SplitResolutionError{AccountNumber: account, CurrencyCode: currency, Matches: matches})
}

// ListResolver resolves against a static journal list by exact
// sanitized account number match restricted to currency-compatible
// journals. A journal without a currency code accepts any currency.
type ListResolver struct {
	Journals []Journal
}

// Resolve implements JournalResolver.
func (r *ListResolver) Resolve(accountNumber, currencyCode string) (*Journal, error) {
	wanted := SanitizeAccountNumber(accountNumber)
	var matches []*Journal
	for i := range r.Journals {
		j := &r.Journals[i]
		if SanitizeAccountNumber(j.AccountNumber) != wanted {
			continue
		}
		if j.CurrencyCode != "" && currencyCode != "" && !strings.EqualFold(j.CurrencyCode, currencyCode) {
			continue
		}
		matches = append(matches, j)
	}
	if len(matches) != 1 {
		return nil, &SplitResolutionError{AccountNumber: accountNumber, CurrencyCode: currencyCode, Matches: len(matches)}
	}
	return matches[0], nil
}

// SanitizeAccountNumber uppercases and strips everything that is not a
// letter or digit, so "FR76 3000-4000" and "fr7630004000" compare equal.
func SanitizeAccountNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}

// stripCurrencySuffix normalizes the bank quirk of appending a
// 3-character currency code to the account number. It returns the bare
// account number and the currency when one was carried in the suffix.
func stripCurrencySuffix(account, currency string) (string, string) {
	if len(account) <= 3 {
		return account, currency
	}
	suffix := account[len(account)-3:]
	if !isAlpha(suffix) {
		return account, currency
	}
	if currency != "" {
		if strings.EqualFold(suffix, currency) {
			return account[:len(account)-3], currency
		}
		return account, currency
	}
	// No currency known: only trust the suffix when the rest of the
	// account is purely numeric, as with French account numbers.
	rest := account[:len(account)-3]
	if isDigits(rest) {
		return rest, strings.ToUpper(suffix)
	}
	return account, currency
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return len(s) > 0
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
