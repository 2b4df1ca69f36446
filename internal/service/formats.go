// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package service

import (
	"fmt"

	"github.com/sirosfoundation/go-ebics/pkg/ebics"
	"github.com/sirosfoundation/go-ebics/pkg/statement"
)

// Direction says which way a file format moves.
type Direction string

const (
	DirectionDownload Direction = "down"
	DirectionUpload   Direction = "up"
)

// FileFormat maps a logical format id to the protocol addressing for
// each EBICS generation plus the post-download processing family.
type FileFormat struct {
	// ID is the stable logical name operators use ("camt.053", "cct").
	ID        string
	Direction Direction

	// OrderType is the typed EBICS 2.x order code (C53, CCT). Empty
	// when the format goes over generic FDL/FUL.
	OrderType string

	// FDLFormat / CountryCode parameterize generic FDL/FUL transfers.
	FDLFormat   string
	CountryCode string

	// BTF addresses the document on EBICS 3.0 connections.
	BTF *ebics.BTF

	// Kind selects the splitter the processing step runs, if any.
	Kind statement.FormatKind

	// DocName and Suffix drive the downloaded file name
	// host_partner_{docname|dateTo}.suffix.
	DocName string
	Suffix  string

	// SignatureClass overrides the subscriber's class for this format
	// when non-empty ("T" forces transport-only upload).
	SignatureClass string
}

// ErrUnknownFormat wraps an unrecognized format id.
type ErrUnknownFormat struct {
	ID string
}

func (e *ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unknown file format %q", e.ID)
}

// FormatByID resolves a logical format id. The set is closed: new
// formats are added here, never configured at runtime.
func FormatByID(id string) (*FileFormat, error) {
	switch id {
	case "camt.052":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			OrderType: "C52", FDLFormat: "camt.xxx.cfonb120.stm",
			BTF:  &ebics.BTF{Service: "STM", Message: "camt.052", Scope: "CH", Container: "ZIP", Version: "04"},
			Kind: statement.FormatCamt052, DocName: "camt052", Suffix: "xml",
		}, nil
	case "camt.053":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			OrderType: "C53", FDLFormat: "camt.xxx.cfonb120.stm",
			BTF:  &ebics.BTF{Service: "EOP", Message: "camt.053", Scope: "CH", Container: "ZIP", Version: "04"},
			Kind: statement.FormatCamt053, DocName: "camt053", Suffix: "xml",
		}, nil
	case "camt.054":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			OrderType: "C54",
			BTF:       &ebics.BTF{Service: "REP", Message: "camt.054", Scope: "CH", Container: "ZIP", Version: "04"},
			Kind:      statement.FormatCamt054, DocName: "camt054", Suffix: "xml",
		}, nil
	case "cfonb120":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			FDLFormat: "camt.xxx.cfonb120.stm", CountryCode: "FR",
			Kind: statement.FormatCFONB120, DocName: "", Suffix: "cfonb120",
		}, nil
	case "cfonb240":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			FDLFormat: "camt.xxx.cfonb240.act", CountryCode: "FR",
			Kind: statement.FormatCFONB240, DocName: "", Suffix: "cfonb240",
		}, nil
	case "pain.002":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			OrderType: "Z01",
			BTF:       &ebics.BTF{Service: "PSR", Message: "pain.002", Scope: "CH", Container: "ZIP", Version: "10"},
			Kind:      statement.FormatGeneric, DocName: "pain002", Suffix: "xml",
		}, nil
	case "cct":
		return &FileFormat{
			ID: id, Direction: DirectionUpload,
			OrderType: "CCT", FDLFormat: "pain.001.001.03.sct", CountryCode: "FR",
			BTF:    &ebics.BTF{Service: "SCT", Message: "pain.001", Scope: "CH", Version: "09"},
			Suffix: "xml",
		}, nil
	case "cdd":
		return &FileFormat{
			ID: id, Direction: DirectionUpload,
			OrderType: "CDD", FDLFormat: "pain.008.001.02.sdd", CountryCode: "FR",
			BTF:    &ebics.BTF{Service: "SDD", Message: "pain.008", Scope: "CH", Version: "08"},
			Suffix: "xml",
		}, nil
	case "ful":
		return &FileFormat{
			ID: id, Direction: DirectionUpload,
			FDLFormat: "pain.001.001.03.sct", CountryCode: "FR",
			Suffix:    "xml", SignatureClass: "T",
		}, nil
	case "fdl":
		return &FileFormat{
			ID: id, Direction: DirectionDownload,
			Kind: statement.FormatGeneric, Suffix: "txt",
		}, nil
	default:
		return nil, &ErrUnknownFormat{ID: id}
	}
}

// DownloadFormatIDs lists the download formats a scheduled import
// fetches when the caller does not narrow the selection.
func DownloadFormatIDs() []string {
	return []string{"camt.053", "cfonb120"}
}
