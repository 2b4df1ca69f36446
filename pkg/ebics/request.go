// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/leifj/signedxml"
)

// XML-DSig algorithm URIs used by the EBICS authentication signature.
const (
	algExcC14N    = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algRSASHA256  = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algSHA256     = "http://www.w3.org/2001/04/xmlenc#sha256"
	dsigNamespace = "http://www.w3.org/2000/09/xmldsig#"

	// authenticatedRef covers every element flagged authenticate="true",
	// as required by the EBICS schema.
	authenticatedRef = "#xpointer(//*[@authenticate='true'])"
)

// ebicsTimestamp formats t the way the EBICS schema expects.
func ebicsTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// newNonce returns the hex nonce attached to transactional requests.
func newNonce() string {
	return fmt.Sprintf("%032X", uuid.New())
}

// buildHEVRequest builds the version negotiation request. HEV predates the
// versioned schemas and lives in its own namespace.
func buildHEVRequest(hostID string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsHEVRequest")
	root.CreateAttr("xmlns", hevNamespace)
	root.CreateElement("HostID").SetText(hostID)
	return doc
}

// buildUnsecuredRequest builds an INI or HIA request. Key submission
// happens before any shared secrets exist, so these requests carry no
// authentication signature and their order data is only compressed.
func buildUnsecuredRequest(v Version, bank Bank, user User, orderType, orderID string, orderData []byte) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsUnsecuredRequest")
	root.CreateAttr("xmlns", v.Namespace())
	root.CreateAttr("xmlns:ds", dsigNamespace)
	root.CreateAttr("Version", string(v))
	root.CreateAttr("Revision", "1")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(bank.HostID)
	static.CreateElement("PartnerID").SetText(user.PartnerID)
	static.CreateElement("UserID").SetText(user.UserID)
	details := static.CreateElement("OrderDetails")
	details.CreateElement("OrderType").SetText(orderType)
	if orderID != "" {
		details.CreateElement("OrderID").SetText(orderID)
	}
	details.CreateElement("OrderAttribute").SetText("DZNNN")
	static.CreateElement("SecurityMedium").SetText("0000")
	header.CreateElement("mutable")

	body := root.CreateElement("body")
	transfer := body.CreateElement("DataTransfer")
	transfer.CreateElement("OrderData").SetText(base64.StdEncoding.EncodeToString(compress(orderData)))
	return doc
}

// requestParams collects the variable parts of a transactional
// ebicsRequest.
type requestParams struct {
	orderType      string
	orderID        string
	orderAttribute string
	fileFormat     string
	countryCode    string
	btf            *BTF
	dateFrom       *time.Time
	dateTo         *time.Time
	testMode       bool
	numSegments    int
	encryptionInfo *encryptionInfo
	signatureData  []byte
}

// buildTransactionInit builds the Initialisation phase of an upload or
// download transaction.
func buildTransactionInit(v Version, bank Bank, user User, p *requestParams) *etree.Document {
	doc, root := newEbicsRequest(v)
	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(bank.HostID)
	static.CreateElement("Nonce").SetText(newNonce())
	static.CreateElement("Timestamp").SetText(ebicsTimestamp(time.Now()))
	static.CreateElement("PartnerID").SetText(user.PartnerID)
	static.CreateElement("UserID").SetText(user.UserID)

	details := static.CreateElement("OrderDetails")
	if p.btf != nil && v == VersionH005 {
		buildBTFService(details, p)
	} else {
		details.CreateElement("OrderType").SetText(p.orderType)
		if p.orderID != "" {
			details.CreateElement("OrderID").SetText(p.orderID)
		}
		details.CreateElement("OrderAttribute").SetText(p.orderAttribute)
		buildOrderParams(details, p)
	}
	static.CreateElement("BankPubKeyDigests")
	static.CreateElement("SecurityMedium").SetText("0000")
	if p.numSegments > 0 {
		static.CreateElement("NumSegments").SetText(fmt.Sprintf("%d", p.numSegments))
	}

	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Initialisation")

	root.CreateElement("AuthSignature")

	body := root.CreateElement("body")
	if p.encryptionInfo != nil || len(p.signatureData) > 0 {
		transfer := body.CreateElement("DataTransfer")
		if p.encryptionInfo != nil {
			encInfo := transfer.CreateElement("DataEncryptionInfo")
			encInfo.CreateAttr("authenticate", "true")
			encInfo.CreateElement("EncryptionPubKeyDigest").SetText(p.encryptionInfo.pubKeyDigest)
			encInfo.CreateElement("TransactionKey").SetText(p.encryptionInfo.encryptedKey)
		}
		if len(p.signatureData) > 0 {
			sig := transfer.CreateElement("SignatureData")
			sig.CreateAttr("authenticate", "true")
			sig.SetText(base64.StdEncoding.EncodeToString(p.signatureData))
		}
	}
	return doc
}

// buildBTFService writes the EBICS 3.0 BTF addressing block.
func buildBTFService(details *etree.Element, p *requestParams) {
	adminOrder := "BTD"
	if p.orderAttribute == "OZHNN" {
		adminOrder = "BTU"
	}
	details.CreateElement("AdminOrderType").SetText(adminOrder)
	service := details.CreateElement("Service")
	service.CreateElement("ServiceName").SetText(p.btf.Service)
	if p.btf.Scope != "" {
		service.CreateElement("Scope").SetText(p.btf.Scope)
	}
	if p.btf.Option != "" {
		service.CreateElement("ServiceOption").SetText(p.btf.Option)
	}
	if p.btf.Container != "" {
		container := service.CreateElement("Container")
		container.CreateAttr("containerType", p.btf.Container)
	}
	msg := service.CreateElement("MsgName")
	msg.SetText(p.btf.Message)
	if p.btf.Version != "" {
		msg.CreateAttr("version", p.btf.Version)
	}
	if p.btf.Variant != "" {
		msg.CreateAttr("variant", p.btf.Variant)
	}
	if p.btf.Format != "" {
		msg.CreateAttr("format", p.btf.Format)
	}
	if p.dateFrom != nil && p.dateTo != nil {
		buildDateRange(details.CreateElement("BTDOrderParams"), p)
	}
}

// buildOrderParams writes the legacy order parameter block.
func buildOrderParams(details *etree.Element, p *requestParams) {
	switch p.orderType {
	case "FDL":
		params := details.CreateElement("FDLOrderParams")
		if p.dateFrom != nil && p.dateTo != nil {
			buildDateRange(params, p)
		}
		params.CreateElement("FileFormat").SetText(p.fileFormat)
	case "FUL":
		params := details.CreateElement("FULOrderParams")
		if p.testMode {
			param := params.CreateElement("Parameter")
			param.CreateElement("Name").SetText("TEST")
			param.CreateElement("Value").SetText("TRUE")
		}
		ff := params.CreateElement("FileFormat")
		if p.countryCode != "" {
			ff.CreateAttr("CountryCode", p.countryCode)
		}
		ff.SetText(p.fileFormat)
	default:
		params := details.CreateElement("StandardOrderParams")
		if p.dateFrom != nil && p.dateTo != nil {
			buildDateRange(params, p)
		}
	}
}

func buildDateRange(parent *etree.Element, p *requestParams) {
	dr := parent.CreateElement("DateRange")
	dr.CreateElement("Start").SetText(p.dateFrom.Format("2006-01-02"))
	dr.CreateElement("End").SetText(p.dateTo.Format("2006-01-02"))
}

// buildTransferPhase builds a Transfer phase request carrying one order
// data segment.
func buildTransferPhase(v Version, bank Bank, transactionID string, segment int, lastSegment bool, orderData string) *etree.Document {
	doc, root := newEbicsRequest(v)
	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(bank.HostID)
	static.CreateElement("TransactionID").SetText(transactionID)
	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Transfer")
	seg := mutable.CreateElement("SegmentNumber")
	seg.CreateAttr("lastSegment", fmt.Sprintf("%t", lastSegment))
	seg.SetText(fmt.Sprintf("%d", segment))

	root.CreateElement("AuthSignature")

	body := root.CreateElement("body")
	if orderData != "" {
		transfer := body.CreateElement("DataTransfer")
		transfer.CreateElement("OrderData").SetText(orderData)
	}
	return doc
}

// buildReceiptPhase builds the Receipt phase confirming (or refusing) a
// download transaction.
func buildReceiptPhase(v Version, bank Bank, transactionID string, success bool) *etree.Document {
	doc, root := newEbicsRequest(v)
	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(bank.HostID)
	static.CreateElement("TransactionID").SetText(transactionID)
	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Receipt")

	root.CreateElement("AuthSignature")

	body := root.CreateElement("body")
	receipt := body.CreateElement("TransferReceipt")
	receipt.CreateAttr("authenticate", "true")
	code := "0"
	if !success {
		code = "1"
	}
	receipt.CreateElement("ReceiptCode").SetText(code)
	return doc
}

// buildNoPubKeyDigestsRequest builds the HPB request. It is signed with
// the user's authentication key but carries no bank key digests, because
// the bank keys are exactly what is being fetched.
func buildNoPubKeyDigestsRequest(v Version, bank Bank, user User) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsNoPubKeyDigestsRequest")
	root.CreateAttr("xmlns", v.Namespace())
	root.CreateAttr("xmlns:ds", dsigNamespace)
	root.CreateAttr("Version", string(v))
	root.CreateAttr("Revision", "1")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(bank.HostID)
	static.CreateElement("Nonce").SetText(newNonce())
	static.CreateElement("Timestamp").SetText(ebicsTimestamp(time.Now()))
	static.CreateElement("PartnerID").SetText(user.PartnerID)
	static.CreateElement("UserID").SetText(user.UserID)
	details := static.CreateElement("OrderDetails")
	details.CreateElement("OrderType").SetText("HPB")
	details.CreateElement("OrderAttribute").SetText("DZHNN")
	static.CreateElement("SecurityMedium").SetText("0000")
	header.CreateElement("mutable")

	root.CreateElement("AuthSignature")
	root.CreateElement("body")
	return doc
}

func newEbicsRequest(v Version) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsRequest")
	root.CreateAttr("xmlns", v.Namespace())
	root.CreateAttr("xmlns:ds", dsigNamespace)
	root.CreateAttr("Version", string(v))
	root.CreateAttr("Revision", "1")
	return doc, root
}

// signRequest computes the EBICS authentication signature: a detached
// XML-DSig over every element carrying authenticate="true", written into
// the request's AuthSignature element. Exclusive C14N and RSA-SHA256, the
// same primitives the X002 key is registered for.
func signRequest(doc *etree.Document, authKey *rsa.PrivateKey) error {
	root := doc.Root()
	authSig := root.FindElement("./AuthSignature")
	if authSig == nil {
		return fmt.Errorf("request has no AuthSignature element")
	}

	digest, err := digestAuthenticated(root)
	if err != nil {
		return err
	}

	signedInfo := authSig.CreateElement("ds:SignedInfo")
	c14n := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", algExcC14N)
	sigMethod := signedInfo.CreateElement("ds:SignatureMethod")
	sigMethod.CreateAttr("Algorithm", algRSASHA256)

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", authenticatedRef)
	transforms := ref.CreateElement("ds:Transforms")
	transform := transforms.CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", algExcC14N)
	digestMethod := ref.CreateElement("ds:DigestMethod")
	digestMethod.CreateAttr("Algorithm", algSHA256)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))

	signature, err := signElement(signedInfo, authKey)
	if err != nil {
		return err
	}
	authSig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(signature))
	return nil
}

// digestAuthenticated hashes the canonicalized authenticated elements.
func digestAuthenticated(root *etree.Element) ([]byte, error) {
	canonicalizer := signedxml.ExclusiveCanonicalization{WithComments: false}
	hash := sha256.New()
	for _, elem := range root.FindElements("./*") {
		if elem.SelectAttrValue("authenticate", "") != "true" {
			continue
		}
		canonical, err := canonicalizer.ProcessElement(elem, "")
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize %s: %w", elem.Tag, err)
		}
		hash.Write([]byte(canonical))
	}
	return hash.Sum(nil), nil
}

func signElement(elem *etree.Element, key *rsa.PrivateKey) ([]byte, error) {
	canonicalizer := signedxml.ExclusiveCanonicalization{WithComments: false}
	canonical, err := canonicalizer.ProcessElement(elem, "")
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize SignedInfo: %w", err)
	}
	digest := sha256.Sum256([]byte(canonical))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// verifySignature checks the AuthSignature of a response document against
// the bank's authentication key. Any mismatch is a VerificationError.
func verifySignature(doc *etree.Document, bankAuthKey *rsa.PublicKey) error {
	root := doc.Root()
	authSig := root.FindElement("./AuthSignature")
	if authSig == nil {
		return &VerificationError{Reason: "response carries no authentication signature"}
	}
	signedInfo := authSig.FindElement("./ds:SignedInfo")
	if signedInfo == nil {
		signedInfo = authSig.FindElement("./*[local-name()='SignedInfo']")
	}
	sigValue := authSig.FindElement("./ds:SignatureValue")
	if sigValue == nil {
		sigValue = authSig.FindElement("./*[local-name()='SignatureValue']")
	}
	if signedInfo == nil || sigValue == nil {
		return &VerificationError{Reason: "authentication signature is incomplete"}
	}

	expected, err := digestAuthenticated(root)
	if err != nil {
		return &VerificationError{Reason: err.Error()}
	}
	digestValue := signedInfo.FindElement(".//ds:DigestValue")
	if digestValue == nil {
		digestValue = signedInfo.FindElement(".//*[local-name()='DigestValue']")
	}
	if digestValue == nil {
		return &VerificationError{Reason: "authentication signature has no digest"}
	}
	got, err := base64.StdEncoding.DecodeString(digestValue.Text())
	if err != nil {
		return &VerificationError{Reason: "digest value is not valid base64"}
	}
	if !equalBytes(expected, got) {
		return &VerificationError{Reason: "digest of authenticated elements does not match"}
	}

	canonicalizer := signedxml.ExclusiveCanonicalization{WithComments: false}
	canonical, err := canonicalizer.ProcessElement(signedInfo, "")
	if err != nil {
		return &VerificationError{Reason: "failed to canonicalize SignedInfo"}
	}
	digest := sha256.Sum256([]byte(canonical))
	signature, err := base64.StdEncoding.DecodeString(sigValue.Text())
	if err != nil {
		return &VerificationError{Reason: "signature value is not valid base64"}
	}
	if err := rsa.VerifyPKCS1v15(bankAuthKey, crypto.SHA256, digest[:], signature); err != nil {
		return &VerificationError{Reason: "signature does not verify against the bank authentication key"}
	}
	return nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
