// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package statement

import (
	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
)

// CamtSplitter splits ISO 20022 cash management documents (camt.052
// account reports, camt.053 statements, camt.054 notifications). The
// per-account sections are the Rpt, Stmt and Ntfctn elements under the
// message root.
type CamtSplitter struct{}

var camtSectionTags = map[string]bool{
	"Rpt":    true,
	"Stmt":   true,
	"Ntfctn": true,
}

// Split implements Splitter. Sections without transaction entries are
// dropped; sections whose account cannot be resolved to exactly one
// journal are reported and skipped.
func (s *CamtSplitter) Split(payload []byte, resolver JournalResolver) *SplitReport {
	report := &SplitReport{}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(payload); err != nil {
		report.addError("", "", 0)
		return report
	}
	root := doc.Root()
	if root == nil {
		return report
	}
	message := firstChildElement(root)
	if message == nil {
		return report
	}

	for _, section := range message.ChildElements() {
		if !camtSectionTags[section.Tag] {
			continue
		}
		entries := section.FindElements("./Ntry")
		if len(entries) == 0 {
			continue
		}
		account, currency := camtAccount(section)
		account, currency = stripCurrencySuffix(account, currency)
		journal, err := resolver.Resolve(account, currency)
		if err != nil {
			if resolution, ok := err.(*SplitResolutionError); ok {
				report.Errors = append(report.Errors, resolution)
			} else {
				report.addError(account, currency, 0)
			}
			continue
		}
		chunk := StatementChunk{
			AccountNumber: account,
			CurrencyCode:  currency,
			JournalID:     journal.ID,
			CompanyID:     journal.CompanyID,
			Payload:       serializeSection(root, message, section),
			EntryCount:    len(entries),
			TotalAmount:   sumEntries(entries),
		}
		report.Chunks = append(report.Chunks, chunk)
	}
	return report
}

// camtAccount extracts the account identifier and currency of one
// section: IBAN or proprietary id, currency from the Acct element or
// from the first entry amount.
func camtAccount(section *etree.Element) (account, currency string) {
	if iban := section.FindElement("./Acct/Id/IBAN"); iban != nil {
		account = iban.Text()
	} else if othr := section.FindElement("./Acct/Id/Othr/Id"); othr != nil {
		account = othr.Text()
	}
	if ccy := section.FindElement("./Acct/Ccy"); ccy != nil {
		currency = ccy.Text()
	} else if amt := section.FindElement("./Ntry/Amt"); amt != nil {
		currency = amt.SelectAttrValue("Ccy", "")
	}
	return account, currency
}

// sumEntries totals the entry amounts, signed by the credit/debit
// indicator.
func sumEntries(entries []*etree.Element) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range entries {
		amtElem := entry.FindElement("./Amt")
		if amtElem == nil {
			continue
		}
		amt, err := decimal.NewFromString(amtElem.Text())
		if err != nil {
			continue
		}
		if ind := entry.FindElement("./CdtDbtInd"); ind != nil && ind.Text() == "DBIT" {
			amt = amt.Neg()
		}
		total = total.Add(amt)
	}
	return total
}

// serializeSection rebuilds a standalone single-section document: the
// original root and message wrapper, the group header when present, and
// the one section.
func serializeSection(root, message, section *etree.Element) []byte {
	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	newRoot := out.CreateElement(root.Tag)
	for _, attr := range root.Attr {
		newRoot.CreateAttr(attr.FullKey(), attr.Value)
	}
	newMessage := newRoot.CreateElement(message.Tag)
	if hdr := message.FindElement("./GrpHdr"); hdr != nil {
		newMessage.AddChild(hdr.Copy())
	}
	newMessage.AddChild(section.Copy())
	data, _ := out.WriteToBytes()
	return data
}

func firstChildElement(parent *etree.Element) *etree.Element {
	children := parent.ChildElements()
	if len(children) == 0 {
		return nil
	}
	return children[0]
}
