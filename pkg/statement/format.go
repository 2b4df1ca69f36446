// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import "strings"

// FormatKind identifies the family of a downloaded file format. Adding
// a new format means extending this enum and the switch in SplitterFor.
type FormatKind int

const (
	// FormatGeneric is a file the core stores but does not split.
	FormatGeneric FormatKind = iota
	FormatCamt052
	FormatCamt053
	FormatCamt054
	FormatCFONB120
	FormatCFONB240
)

func (k FormatKind) String() string {
	switch k {
	case FormatCamt052:
		return "camt.052"
	case FormatCamt053:
		return "camt.053"
	case FormatCamt054:
		return "camt.054"
	case FormatCFONB120:
		return "cfonb120"
	case FormatCFONB240:
		return "cfonb240"
	default:
		return "generic"
	}
}

// KindForFormat maps a logical format name (the download file format
// string, e.g. "camt.xxx.cfonb120.stm" or "camt.053.001.02") onto its
// format kind.
func KindForFormat(name string) FormatKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "cfonb120"):
		return FormatCFONB120
	case strings.Contains(lower, "cfonb240"):
		return FormatCFONB240
	case strings.Contains(lower, "camt.052"):
		return FormatCamt052
	case strings.Contains(lower, "camt.053"):
		return FormatCamt053
	case strings.Contains(lower, "camt.054"):
		return FormatCamt054
	default:
		return FormatGeneric
	}
}

// Splitter decomposes one downloaded payload into per-account chunks.
type Splitter interface {
	Split(payload []byte, resolver JournalResolver) *SplitReport
}

// SplitterFor returns the splitter for a format kind, or nil for
// formats the core stores without splitting.
func SplitterFor(kind FormatKind) Splitter {
	switch kind {
	case FormatCamt052, FormatCamt053, FormatCamt054:
		return &CamtSplitter{}
	case FormatCFONB120:
		return &CFONBSplitter{}
	default:
		return nil
	}
}
