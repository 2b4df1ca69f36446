// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/etree"
)

// segmentSize is the number of base64 characters carried per transfer
// segment. One megabyte, matching the common bank limit.
const segmentSize = 1 << 20

// Keys is the key material the client needs for a session. It is
// satisfied by *keyring.Keyring.
type Keys interface {
	SignatureKey(sigPassphrase string) (*rsa.PrivateKey, error)
	AuthenticationKey() (*rsa.PrivateKey, error)
	EncryptionKey() (*rsa.PrivateKey, error)
	KeyVersion() string
	BankKeys() (auth, enc *rsa.PublicKey, activated bool, err error)
}

// Poster sends a request document to the bank endpoint and returns the
// raw response. It is satisfied by *transport.Client.
type Poster interface {
	Post(ctx context.Context, endpoint string, document []byte) ([]byte, error)
}

// Client drives the EBICS protocol against a single bank host on behalf
// of a single subscriber.
type Client struct {
	bank    Bank
	user    User
	version Version
	keys    Keys
	poster  Poster
	orders  OrderIDSource
	log     *slog.Logger
}

// ClientConfig collects the pieces a Client is built from.
type ClientConfig struct {
	Bank    Bank
	User    User
	Version Version
	Keys    Keys
	Poster  Poster

	// Orders supplies client-side order numbers. Required when Version
	// is H003; ignored otherwise.
	Orders OrderIDSource

	Logger *slog.Logger
}

// NewClient validates the configuration and returns a protocol client.
func NewClient(config ClientConfig) (*Client, error) {
	if !config.Version.Valid() {
		return nil, &ConfigurationError{Field: "version", Reason: fmt.Sprintf("unknown protocol version %q", config.Version)}
	}
	if config.Bank.HostID == "" {
		return nil, &ConfigurationError{Field: "host_id", Reason: "must not be empty"}
	}
	if config.Bank.URL == "" {
		return nil, &ConfigurationError{Field: "url", Reason: "must not be empty"}
	}
	if config.User.PartnerID == "" || config.User.UserID == "" {
		return nil, &ConfigurationError{Field: "subscriber", Reason: "partner id and user id must not be empty"}
	}
	if config.Keys == nil {
		return nil, &ConfigurationError{Field: "keys", Reason: "key material is required"}
	}
	if config.Poster == nil {
		return nil, &ConfigurationError{Field: "transport", Reason: "transport is required"}
	}
	orders := config.Orders
	if config.Version.ClientOrderID() {
		if orders == nil {
			return nil, ErrMissingOrderNumber
		}
	} else if orders == nil {
		orders = BankAssignedOrderIDs{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		bank:    config.Bank,
		user:    config.User,
		version: config.Version,
		keys:    config.Keys,
		poster:  config.Poster,
		orders:  orders,
		log:     logger.With("host_id", config.Bank.HostID, "user_id", config.User.UserID),
	}, nil
}

// Version returns the protocol version the client speaks.
func (c *Client) Version() Version { return c.version }

// HEV asks the bank which protocol versions it supports. The answer maps
// version identifiers to their release names.
func (c *Client) HEV(ctx context.Context) (map[string]string, error) {
	raw, err := c.post(ctx, buildHEVRequest(c.bank.HostID))
	if err != nil {
		return nil, err
	}
	versions, err := parseHEVResponse(raw)
	if err != nil {
		return nil, err
	}
	c.log.Debug("bank announced protocol versions", "versions", versions)
	return versions, nil
}

// NegotiateVersion checks that the bank offers the client's configured
// protocol version. A bank that does not is a VersionMismatchError.
func (c *Client) NegotiateVersion(ctx context.Context) error {
	supported, err := c.HEV(ctx)
	if err != nil {
		return err
	}
	if _, ok := supported[string(c.version)]; !ok {
		return &VersionMismatchError{Requested: string(c.version), Supported: supported}
	}
	return nil
}

// INI submits the subscriber's bank-technical signature key. The order
// data is signed material in the schema sense but the request itself is
// unsecured: no shared secrets exist yet.
func (c *Client) INI(ctx context.Context, sigPassphrase string) error {
	key, err := c.keys.SignatureKey(sigPassphrase)
	if err != nil {
		return err
	}
	orderData := buildSignaturePubKeyOrderData(c.version, c.user, KeyVersion(c.keys.KeyVersion()), &key.PublicKey)
	return c.sendUnsecured(ctx, "INI", orderData)
}

// HIA submits the subscriber's authentication and encryption keys.
func (c *Client) HIA(ctx context.Context) error {
	auth, err := c.keys.AuthenticationKey()
	if err != nil {
		return err
	}
	enc, err := c.keys.EncryptionKey()
	if err != nil {
		return err
	}
	orderData := buildHIARequestOrderData(c.version, c.user, &auth.PublicKey, &enc.PublicKey)
	return c.sendUnsecured(ctx, "HIA", orderData)
}

func (c *Client) sendUnsecured(ctx context.Context, orderType string, orderData []byte) error {
	orderID, err := c.nextOrderID()
	if err != nil {
		return err
	}
	doc := buildUnsecuredRequest(c.version, c.bank, c.user, orderType, orderID, orderData)
	raw, err := c.post(ctx, doc)
	if err != nil {
		return err
	}
	if _, err := parseResponse(raw); err != nil {
		return err
	}
	if err := c.orders.Advance(orderID); err != nil {
		return err
	}
	c.log.Info("key submission accepted", "order_type", orderType, "order_id", orderID)
	return nil
}

// HPB fetches the bank's authentication and encryption keys. The order
// data comes back encrypted for the subscriber's encryption key; the raw
// signed document is returned alongside the parsed keys so it can be
// archived for the verification step.
func (c *Client) HPB(ctx context.Context) (*BankKeys, error) {
	doc := buildNoPubKeyDigestsRequest(c.version, c.bank, c.user)
	authKey, err := c.keys.AuthenticationKey()
	if err != nil {
		return nil, err
	}
	if err := signRequest(doc, authKey); err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, doc)
	if err != nil {
		return nil, err
	}
	resp, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.orderData == "" || resp.encryptionKey == "" {
		return nil, &TechnicalError{Code: okReturnCode, Message: "HPB response carries no order data"}
	}
	encKey, err := c.keys.EncryptionKey()
	if err != nil {
		return nil, err
	}
	transactionKey, err := unwrapTransactionKey(resp.encryptionKey, encKey)
	if err != nil {
		return nil, err
	}
	orderData, err := openOrderData(resp.orderData, transactionKey)
	if err != nil {
		return nil, err
	}
	keys, err := parseHPBResponseOrderData(orderData)
	if err != nil {
		return nil, err
	}
	c.log.Info("fetched bank keys",
		"auth_bits", keys.Authentication.N.BitLen(),
		"enc_bits", keys.Encryption.N.BitLen())
	return keys, nil
}

// DownloadOrder describes one download request.
type DownloadOrder struct {
	// OrderType is the EBICS 2.x order type (FDL, or a typed order such
	// as C53). Ignored when BTF is set on an H005 connection.
	OrderType string

	// FileFormat is the FDL file format parameter.
	FileFormat string

	// BTF addresses the business document on EBICS 3.0 connections.
	BTF *BTF

	DateFrom *time.Time
	DateTo   *time.Time
}

// DownloadResult is the decoded order data plus the transaction handle
// needed for the receipt phase.
type DownloadResult struct {
	Data          []byte
	TransactionID string
	OrderID       string
}

// Download runs the Initialisation and Transfer phases of a download
// transaction and returns the decrypted, decompressed order data. The
// caller must confirm (or refuse) the transaction with ConfirmDownload;
// until then the bank keeps the data flagged for re-delivery.
//
// A bank that has nothing to deliver is reported as ErrNoDownloadData.
func (c *Client) Download(ctx context.Context, order DownloadOrder) (*DownloadResult, error) {
	if err := c.checkBTF(order.BTF); err != nil {
		return nil, err
	}
	p := &requestParams{
		orderType:      order.OrderType,
		orderAttribute: "DZHNN",
		fileFormat:     order.FileFormat,
		btf:            order.BTF,
		dateFrom:       order.DateFrom,
		dateTo:         order.DateTo,
	}
	doc := buildTransactionInit(c.version, c.bank, c.user, p)
	resp, err := c.roundTrip(ctx, doc)
	if err != nil {
		if resp != nil && resp.noData() {
			return nil, ErrNoDownloadData
		}
		return nil, err
	}
	if resp.noData() {
		return nil, ErrNoDownloadData
	}
	if resp.transactionID == "" {
		return nil, &TechnicalError{Code: okReturnCode, Message: "download initialisation returned no transaction id"}
	}

	encrypted, err := base64.StdEncoding.DecodeString(resp.orderData)
	if err != nil {
		return nil, &TechnicalError{Code: okReturnCode, Message: "order data segment is not valid base64"}
	}
	for segment := 2; segment <= resp.numSegments; segment++ {
		segDoc := buildTransferPhase(c.version, c.bank, resp.transactionID, segment, segment == resp.numSegments, "")
		segResp, err := c.roundTrip(ctx, segDoc)
		if err != nil {
			return nil, err
		}
		chunk, err := base64.StdEncoding.DecodeString(segResp.orderData)
		if err != nil {
			return nil, &TechnicalError{Code: okReturnCode, Message: "order data segment is not valid base64"}
		}
		encrypted = append(encrypted, chunk...)
	}

	encKey, err := c.keys.EncryptionKey()
	if err != nil {
		return nil, err
	}
	transactionKey, err := unwrapTransactionKey(resp.encryptionKey, encKey)
	if err != nil {
		return nil, err
	}
	compressed, err := decryptOrderData(encrypted, transactionKey)
	if err != nil {
		return nil, err
	}
	data, err := decompress(compressed)
	if err != nil {
		return nil, err
	}
	c.log.Info("download transaction complete",
		"transaction_id", resp.transactionID, "segments", max(resp.numSegments, 1), "bytes", len(data))
	return &DownloadResult{Data: data, TransactionID: resp.transactionID, OrderID: resp.orderID}, nil
}

// ConfirmDownload runs the Receipt phase. success true acknowledges the
// data and ends re-delivery; false tells the bank the transfer failed.
func (c *Client) ConfirmDownload(ctx context.Context, transactionID string, success bool) error {
	doc := buildReceiptPhase(c.version, c.bank, transactionID, success)
	_, err := c.roundTrip(ctx, doc)
	if err != nil {
		// EBICS_DOWNLOAD_POSTPROCESS_DONE: the positive receipt itself
		// answers with a non-zero code.
		var functional *FunctionalError
		if success && errors.As(err, &functional) && functional.Code == "011000" {
			return nil
		}
		return err
	}
	c.log.Info("download confirmed", "transaction_id", transactionID, "success", success)
	return nil
}

// UploadOrder describes one upload request.
type UploadOrder struct {
	// OrderType is the EBICS 2.x order type (FUL, CCT, CDD, XE2, ...).
	// Ignored when BTF is set on an H005 connection.
	OrderType string

	// FileFormat is the FUL file format parameter.
	FileFormat string

	// CountryCode qualifies the FUL file format, usually "FR".
	CountryCode string

	// BTF addresses the business document on EBICS 3.0 connections.
	BTF *BTF

	// TestMode asks the bank to validate without executing.
	TestMode bool

	Data []byte
}

// Upload runs an upload transaction: bank-technical signature, sealed
// order data, Initialisation and Transfer phases. It returns the order
// id under which the bank booked the upload.
//
// On H003 connections the order id is drawn from the client's order
// number sequence and the sequence only advances after the bank accepts
// the order, so a failed upload does not burn a number.
func (c *Client) Upload(ctx context.Context, order UploadOrder, sigPassphrase string) (string, error) {
	if err := c.checkBTF(order.BTF); err != nil {
		return "", err
	}
	if len(order.Data) == 0 {
		return "", &ConfigurationError{Field: "data", Reason: "upload payload must not be empty"}
	}
	orderID, err := c.nextOrderID()
	if err != nil {
		return "", err
	}
	_, bankEnc, err := c.activeBankKeys()
	if err != nil {
		return "", err
	}
	sigKey, err := c.keys.SignatureKey(sigPassphrase)
	if err != nil {
		return "", err
	}
	userSig, err := buildUserSignatureData(c.version, c.user, KeyVersion(c.keys.KeyVersion()), sigKey, order.Data)
	if err != nil {
		return "", err
	}

	sealed, encInfo, err := sealOrderData(order.Data, bankEnc)
	if err != nil {
		return "", err
	}
	sealedSig, err := encryptOrderData(compress(userSig), encInfo.key)
	if err != nil {
		return "", err
	}

	segments := splitSegments(sealed, segmentSize)
	p := &requestParams{
		orderType:      order.OrderType,
		orderID:        orderID,
		orderAttribute: "OZHNN",
		fileFormat:     order.FileFormat,
		countryCode:    order.CountryCode,
		btf:            order.BTF,
		testMode:       order.TestMode,
		numSegments:    len(segments),
		encryptionInfo: encInfo,
		signatureData:  sealedSig,
	}
	doc := buildTransactionInit(c.version, c.bank, c.user, p)
	resp, err := c.roundTrip(ctx, doc)
	if err != nil {
		return "", err
	}
	if resp.transactionID == "" {
		return "", &TechnicalError{Code: okReturnCode, Message: "upload initialisation returned no transaction id"}
	}

	for i, segment := range segments {
		segDoc := buildTransferPhase(c.version, c.bank, resp.transactionID, i+1, i == len(segments)-1, segment)
		if _, err := c.roundTrip(ctx, segDoc); err != nil {
			return "", err
		}
	}

	if err := c.orders.Advance(orderID); err != nil {
		return "", err
	}
	if orderID == "" {
		orderID = resp.orderID
	}
	c.log.Info("upload transaction complete",
		"transaction_id", resp.transactionID, "order_id", orderID, "segments", len(segments))
	return orderID, nil
}

// HPD fetches the bank parameters document.
func (c *Client) HPD(ctx context.Context) ([]byte, error) { return c.adminDownload(ctx, "HPD") }

// HKD fetches the customer and subscriber data known to the bank.
func (c *Client) HKD(ctx context.Context) ([]byte, error) { return c.adminDownload(ctx, "HKD") }

// HTD fetches the subscriber's own permissions and order types.
func (c *Client) HTD(ctx context.Context) ([]byte, error) { return c.adminDownload(ctx, "HTD") }

// HAA fetches the order types for which download data is available.
func (c *Client) HAA(ctx context.Context) ([]byte, error) { return c.adminDownload(ctx, "HAA") }

// adminDownload runs a download transaction for an administrative order
// type and confirms it immediately: administrative documents are
// idempotent reads, there is nothing to re-deliver.
func (c *Client) adminDownload(ctx context.Context, orderType string) ([]byte, error) {
	result, err := c.Download(ctx, DownloadOrder{OrderType: orderType})
	if err != nil {
		return nil, err
	}
	if err := c.ConfirmDownload(ctx, result.TransactionID, true); err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (c *Client) checkBTF(btf *BTF) error {
	if btf == nil {
		return nil
	}
	if c.version != VersionH005 {
		return fmt.Errorf("%w: BTF addressing requires H005, connection uses %s", ErrUnsupportedOrder, c.version)
	}
	return btf.Validate()
}

func (c *Client) nextOrderID() (string, error) {
	if !c.version.ClientOrderID() {
		return "", nil
	}
	orderID, err := c.orders.NextOrderID(c.user.PartnerID)
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", ErrMissingOrderNumber
	}
	return orderID, nil
}

func (c *Client) activeBankKeys() (auth, enc *rsa.PublicKey, err error) {
	auth, enc, activated, err := c.keys.BankKeys()
	if err != nil {
		return nil, nil, err
	}
	if auth == nil || enc == nil {
		return nil, nil, ErrBankKeysNotActive
	}
	if !activated {
		return nil, nil, ErrBankKeysNotActive
	}
	return auth, enc, nil
}

// roundTrip signs a transactional request, posts it, verifies the
// response signature when bank keys are active, and parses the result.
// The parsed response is returned even on a return-code error so callers
// can inspect codes like "no download data".
func (c *Client) roundTrip(ctx context.Context, doc *etree.Document) (*response, error) {
	authKey, err := c.keys.AuthenticationKey()
	if err != nil {
		return nil, err
	}
	if err := signRequest(doc, authKey); err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, doc)
	if err != nil {
		return nil, err
	}
	resp, respErr := parseResponse(raw)
	if resp != nil {
		if bankAuth, _, activated, keyErr := c.keys.BankKeys(); keyErr == nil && activated && bankAuth != nil {
			if err := verifySignature(resp.doc, bankAuth); err != nil {
				return resp, err
			}
		}
	}
	return resp, respErr
}

func (c *Client) post(ctx context.Context, doc *etree.Document) ([]byte, error) {
	payload, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	raw, err := c.poster.Post(ctx, c.bank.URL, payload)
	if err != nil {
		return nil, &TransportError{URL: c.bank.URL, Err: err}
	}
	return raw, nil
}

// buildUserSignatureData builds the bank-technical signature document
// accompanying an upload: the key version and the signature over the
// plain order data, before compression and encryption.
func buildUserSignatureData(v Version, user User, keyVersion KeyVersion, key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	var signature []byte
	var err error
	switch keyVersion {
	case KeyVersionA006:
		signature, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: 32})
	default:
		signature, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sign order data: %w", err)
	}

	ns := "http://www.ebics.org/S001"
	if v == VersionH005 {
		ns = "http://www.ebics.org/S002"
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("UserSignatureData")
	root.CreateAttr("xmlns", ns)
	orderSig := root.CreateElement("OrderSignatureData")
	orderSig.CreateElement("SignatureVersion").SetText(string(keyVersion))
	orderSig.CreateElement("SignatureValue").SetText(base64.StdEncoding.EncodeToString(signature))
	orderSig.CreateElement("PartnerID").SetText(user.PartnerID)
	orderSig.CreateElement("UserID").SetText(user.UserID)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signature data: %w", err)
	}
	return out, nil
}

// splitSegments cuts a base64 payload into transfer segments.
func splitSegments(sealed string, size int) []string {
	if len(sealed) <= size {
		return []string{sealed}
	}
	var segments []string
	for len(sealed) > 0 {
		n := min(size, len(sealed))
		segments = append(segments, sealed[:n])
		sealed = sealed[n:]
	}
	return segments
}
