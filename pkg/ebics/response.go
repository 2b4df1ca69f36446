// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// okReturnCode is the EBICS "all fine" return code.
const okReturnCode = "000000"

// postprocessing return codes the bank may use instead of 000000 on
// download transactions that yielded no data.
const (
	codeNoDownloadData = "090005"
	codeNoDataAvail    = "061002"
)

// response is a parsed bank answer.
type response struct {
	doc *etree.Document

	technicalCode string
	reportText    string
	businessCode  string

	transactionID string
	orderID       string
	numSegments   int
	segmentNumber int

	orderData     string
	encryptionKey string
}

// parseResponse decodes a response document and classifies its return
// codes. A non-OK technical code maps to TechnicalError, a non-OK
// business code to FunctionalError.
func parseResponse(raw []byte) (*response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &TechnicalError{Code: "000000", Message: fmt.Sprintf("response is not valid XML: %v", err)}
	}
	root := doc.Root()
	if root == nil {
		return nil, &TechnicalError{Code: "000000", Message: "response document is empty"}
	}

	r := &response{doc: doc}
	header := root.FindElement("./header")
	if header != nil {
		if static := header.FindElement("./static"); static != nil {
			r.transactionID = elementText(static, "TransactionID")
			if n := elementText(static, "NumSegments"); n != "" {
				r.numSegments, _ = strconv.Atoi(n)
			}
		}
		if mutable := header.FindElement("./mutable"); mutable != nil {
			r.technicalCode = elementText(mutable, "ReturnCode")
			r.reportText = elementText(mutable, "ReportText")
			if n := elementText(mutable, "SegmentNumber"); n != "" {
				r.segmentNumber, _ = strconv.Atoi(n)
			}
			r.orderID = elementText(mutable, "OrderID")
		}
	}
	if body := root.FindElement("./body"); body != nil {
		r.businessCode = elementText(body, "ReturnCode")
		if transfer := body.FindElement("./DataTransfer"); transfer != nil {
			if od := transfer.FindElement("./OrderData"); od != nil {
				r.orderData = strings.TrimSpace(od.Text())
			}
			if encInfo := transfer.FindElement("./DataEncryptionInfo"); encInfo != nil {
				r.encryptionKey = elementText(encInfo, "TransactionKey")
			}
		}
		if r.orderID == "" {
			r.orderID = elementText(body, "OrderID")
		}
	}

	if err := r.returnCodeError(); err != nil {
		return r, err
	}
	return r, nil
}

// returnCodeError maps the response return codes onto the error taxonomy.
func (r *response) returnCodeError() error {
	if r.technicalCode != "" && r.technicalCode != okReturnCode {
		return &TechnicalError{Code: r.technicalCode, Message: r.reportText}
	}
	if r.businessCode != "" && r.businessCode != okReturnCode {
		msg := r.reportText
		if msg == "" {
			msg = "order rejected by bank"
		}
		return &FunctionalError{Code: r.businessCode, Message: msg}
	}
	return nil
}

// noData reports whether the bank answered "no download data available".
func (r *response) noData() bool {
	return r.businessCode == codeNoDownloadData || r.technicalCode == codeNoDataAvail
}

func elementText(parent *etree.Element, tag string) string {
	elem := parent.FindElement(".//" + tag)
	if elem == nil {
		return ""
	}
	return strings.TrimSpace(elem.Text())
}

// parseHEVResponse extracts the bank's supported protocol versions:
// version identifier mapped to the release it belongs to.
func parseHEVResponse(raw []byte) (map[string]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &TechnicalError{Code: "000000", Message: fmt.Sprintf("HEV response is not valid XML: %v", err)}
	}
	root := doc.Root()
	if root == nil {
		return nil, &TechnicalError{Code: "000000", Message: "HEV response is empty"}
	}
	if rc := root.FindElement(".//ReturnCode"); rc != nil && strings.TrimSpace(rc.Text()) != okReturnCode {
		report := ""
		if rt := root.FindElement(".//ReportText"); rt != nil {
			report = strings.TrimSpace(rt.Text())
		}
		return nil, &TechnicalError{Code: strings.TrimSpace(rc.Text()), Message: report}
	}

	versions := make(map[string]string)
	for _, elem := range root.FindElements(".//VersionNumber") {
		version := elem.SelectAttrValue("ProtocolVersion", "")
		if version != "" {
			versions[version] = strings.TrimSpace(elem.Text())
		}
	}
	if len(versions) == 0 {
		return nil, &TechnicalError{Code: "000000", Message: "HEV response lists no protocol versions"}
	}
	return versions, nil
}
