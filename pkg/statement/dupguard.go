// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import (
	"context"
	"fmt"
	"time"
)

// StatementRecord is the persisted view of an imported statement the
// guard deduplicates on.
type StatementRecord struct {
	ID           string
	Name         string
	CompanyID    string
	Date         time.Time
	SourceFormat string
}

// StatementFinder is the persistence surface DuplicateGuard needs.
type StatementFinder interface {
	// FindStatements returns the statements matching (name, company,
	// date, format), excluding excludeID.
	FindStatements(ctx context.Context, name, companyID string, date time.Time, format, excludeID string) ([]StatementRecord, error)
	DeleteStatement(ctx context.Context, id string) error
}

// DefaultDupCheckFormats lists the source formats whose downstream
// parsers are known not to deduplicate re-imports themselves.
var DefaultDupCheckFormats = []string{"camt", "cfonb120"}

// DuplicateGuard removes statements that were imported twice. It runs
// after import: for each newly created statement of a guarded format it
// looks for a pre-existing statement with the same (name, company,
// date, format) identity and deletes the new one when found. Formats
// outside the allowlist are trusted to deduplicate themselves.
type DuplicateGuard struct {
	finder  StatementFinder
	formats map[string]bool
}

// NewDuplicateGuard builds a guard over the given format allowlist;
// an empty list means DefaultDupCheckFormats.
func NewDuplicateGuard(finder StatementFinder, formats []string) *DuplicateGuard {
	if len(formats) == 0 {
		formats = DefaultDupCheckFormats
	}
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[f] = true
	}
	return &DuplicateGuard{finder: finder, formats: set}
}

// Guarded reports whether format is subject to duplicate checking.
func (g *DuplicateGuard) Guarded(format string) bool {
	return g.formats[format]
}

// Check inspects newly created statements, deletes duplicates and
// returns the surviving ids plus one warning per removed statement.
func (g *DuplicateGuard) Check(ctx context.Context, created []StatementRecord) (kept []string, warnings []string, err error) {
	for _, stmt := range created {
		if !g.Guarded(stmt.SourceFormat) {
			kept = append(kept, stmt.ID)
			continue
		}
		existing, err := g.finder.FindStatements(ctx, stmt.Name, stmt.CompanyID, stmt.Date, stmt.SourceFormat, stmt.ID)
		if err != nil {
			return kept, warnings, fmt.Errorf("duplicate check for statement %s: %w", stmt.Name, err)
		}
		if len(existing) == 0 {
			kept = append(kept, stmt.ID)
			continue
		}
		if err := g.finder.DeleteStatement(ctx, stmt.ID); err != nil {
			return kept, warnings, fmt.Errorf("removing duplicate statement %s: %w", stmt.Name, err)
		}
		warnings = append(warnings, fmt.Sprintf("statement %s (%s) already imported, duplicate removed", stmt.Name, stmt.Date.Format("2006-01-02")))
	}
	return kept, warnings, nil
}
