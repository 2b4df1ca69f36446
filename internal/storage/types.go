// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package storage

import "time"

// Domain models

// ConnectionState is the lifecycle state of a bank connection.
type ConnectionState string

const (
	// ConnectionDraft allows edits to the connection identity.
	ConnectionDraft ConnectionState = "draft"
	// ConnectionConfirmed freezes the identity fields and makes the
	// connection eligible for live transactions.
	ConnectionConfirmed ConnectionState = "confirm"
)

// BankConnection identifies one EBICS bank host contract.
type BankConnection struct {
	ID              string          `bson:"_id" json:"id"`
	Name            string          `bson:"name" json:"name"`
	HostID          string          `bson:"host_id" json:"hostId"`
	URL             string          `bson:"url" json:"url"`
	ProtocolVersion string          `bson:"protocol_version" json:"protocolVersion"`
	PartnerID       string          `bson:"partner_id" json:"partnerId"`
	CountryCode     string          `bson:"country_code,omitempty" json:"countryCode,omitempty"`
	KeyVersion      string          `bson:"key_version" json:"keyVersion"`
	KeyBitLength    int             `bson:"key_bit_length" json:"keyBitLength"`
	State           ConnectionState `bson:"state" json:"state"`

	// OrderNumber is the 4-character counter for protocol versions that
	// require client-assigned order ids. Empty otherwise.
	OrderNumber string `bson:"order_number,omitempty" json:"orderNumber,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// SubscriberState is the key initialization state of a subscriber.
type SubscriberState string

const (
	SubscriberDraft       SubscriberState = "draft"
	SubscriberInit        SubscriberState = "init"
	SubscriberGetBankKeys SubscriberState = "get_bank_keys"
	SubscriberToVerify    SubscriberState = "to_verify"
	SubscriberActiveKeys  SubscriberState = "active_keys"
)

// TransactionRights limits what a subscriber may do.
type TransactionRights string

const (
	RightsBoth     TransactionRights = "both"
	RightsDownload TransactionRights = "down"
	RightsUpload   TransactionRights = "up"
)

// Subscriber is one EBICS user attached to a bank connection.
type Subscriber struct {
	UserID       string            `bson:"_id" json:"userId"`
	ConnectionID string            `bson:"connection_id" json:"connectionId"`
	Name         string            `bson:"name" json:"name"`
	State        SubscriberState   `bson:"state" json:"state"`
	Rights       TransactionRights `bson:"rights" json:"rights"`

	// SignatureClass is "E" for single signature authority or "T" for
	// transport-only subscribers.
	SignatureClass string `bson:"signature_class" json:"signatureClass"`

	// PassphraseStore controls persistence of the keyring passphrase.
	// When false, Passphrase is wiped after every transaction that used
	// it and callers supply it per call.
	PassphraseStore bool   `bson:"passphrase_store" json:"passphraseStore"`
	Passphrase      string `bson:"passphrase,omitempty" json:"-"`

	// X509 enables certificate-based key material; required for H005
	// connections and for SWIFT 3SKey signing.
	X509       bool `bson:"x509" json:"x509"`
	Swift3SKey bool `bson:"swift_3skey" json:"swift3skey"`

	// Distinguished name fields for self-issued certificates.
	DNCommonName         string `bson:"dn_common_name,omitempty" json:"dnCommonName,omitempty"`
	DNOrganization       string `bson:"dn_organization,omitempty" json:"dnOrganization,omitempty"`
	DNOrganizationalUnit string `bson:"dn_organizational_unit,omitempty" json:"dnOrganizationalUnit,omitempty"`
	DNCountry            string `bson:"dn_country,omitempty" json:"dnCountry,omitempty"`
	DNProvince           string `bson:"dn_province,omitempty" json:"dnProvince,omitempty"`
	DNLocality           string `bson:"dn_locality,omitempty" json:"dnLocality,omitempty"`
	DNEmail              string `bson:"dn_email,omitempty" json:"dnEmail,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// FileState is the processing state of a downloaded file.
type FileState string

const (
	// FileDraft means the payload is stored but not yet imported.
	FileDraft FileState = "draft"
	// FileDone means process() has materialized the statements.
	FileDone FileState = "done"
)

// DownloadedFile is one payload fetched from the bank.
type DownloadedFile struct {
	ID           string    `bson:"_id" json:"id"`
	Name         string    `bson:"name" json:"name"`
	Format       string    `bson:"format" json:"format"`
	ConnectionID string    `bson:"connection_id" json:"connectionId"`
	UserID       string    `bson:"user_id" json:"userId"`
	Payload      []byte    `bson:"payload" json:"-"`
	State        FileState `bson:"state" json:"state"`

	DateFrom     *time.Time `bson:"date_from,omitempty" json:"dateFrom,omitempty"`
	DateTo       *time.Time `bson:"date_to,omitempty" json:"dateTo,omitempty"`
	DownloadedAt time.Time  `bson:"downloaded_at" json:"downloadedAt"`

	// Note accumulates processing successes, warnings and errors.
	Note string `bson:"note,omitempty" json:"note,omitempty"`

	// StatementIDs and CompanyIDs are filled by processing.
	StatementIDs []string `bson:"statement_ids,omitempty" json:"statementIds,omitempty"`
	CompanyIDs   []string `bson:"company_ids,omitempty" json:"companyIds,omitempty"`
}

// FileFilter narrows ListFiles.
type FileFilter struct {
	ConnectionID string
	UserID       string
	Format       string
	State        FileState
	Limit        int
}

// Statement is one imported bank statement.
type Statement struct {
	ID           string    `bson:"_id" json:"id"`
	Name         string    `bson:"name" json:"name"`
	JournalID    string    `bson:"journal_id" json:"journalId"`
	CompanyID    string    `bson:"company_id" json:"companyId"`
	Date         time.Time `bson:"date" json:"date"`
	SourceFormat string    `bson:"source_format" json:"sourceFormat"`
	FileID       string    `bson:"file_id" json:"fileId"`

	// Amount is the decimal string sum of the statement's entries.
	Amount string `bson:"amount,omitempty" json:"amount,omitempty"`
}

// Journal is an accounting journal statements are imported into.
type Journal struct {
	ID            string `bson:"_id" json:"id"`
	Code          string `bson:"code" json:"code"`
	Name          string `bson:"name" json:"name"`
	AccountNumber string `bson:"account_number" json:"accountNumber"`
	CurrencyCode  string `bson:"currency_code,omitempty" json:"currencyCode,omitempty"`
	CompanyID     string `bson:"company_id" json:"companyId"`
}

// BatchState is the outcome of one scheduled import run.
type BatchState string

const (
	BatchDraft BatchState = "draft"
	BatchError BatchState = "error"
	BatchDone  BatchState = "done"
)

// BatchLogLevel classifies one batch log entry.
type BatchLogLevel string

const (
	BatchInfo    BatchLogLevel = "info"
	BatchWarning BatchLogLevel = "warning"
	BatchFailure BatchLogLevel = "error"
)

// BatchLogEntry is one line of a batch run report.
type BatchLogEntry struct {
	Level   BatchLogLevel `bson:"level" json:"level"`
	Message string        `bson:"message" json:"message"`
	Time    time.Time     `bson:"time" json:"time"`
}

// BatchLog is the report of one scheduled import run. Partial success
// is a first-class outcome: the log aggregates per-item successes,
// warnings and errors instead of a single pass/fail flag.
type BatchLog struct {
	ID            string          `bson:"_id" json:"id"`
	State         BatchState      `bson:"state" json:"state"`
	ConnectionIDs []string        `bson:"connection_ids" json:"connectionIds"`
	Entries       []BatchLogEntry `bson:"entries" json:"entries"`
	StartedAt     time.Time       `bson:"started_at" json:"startedAt"`
	FinishedAt    *time.Time      `bson:"finished_at,omitempty" json:"finishedAt,omitempty"`
}

// Add appends an entry to the batch log.
func (b *BatchLog) Add(level BatchLogLevel, message string) {
	b.Entries = append(b.Entries, BatchLogEntry{Level: level, Message: message, Time: time.Now().UTC()})
}

// HasErrors reports whether any entry is an error.
func (b *BatchLog) HasErrors() bool {
	for _, e := range b.Entries {
		if e.Level == BatchFailure {
			return true
		}
	}
	return false
}
