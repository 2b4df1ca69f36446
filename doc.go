// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goebics implements the client side of the EBICS (Electronic
Banking Internet Communication Standard) protocol for exchanging
payment files and account statements with banks.

# Overview

go-ebics is a Go implementation of the EBICS client protocol together
with the surrounding plumbing a finance back office needs: key
management with bank key verification, statement download and
splitting, payment file upload and a scheduled import pipeline.

# Specifications Implemented

This library implements the following specifications:

  - EBICS 2.4 (H003) and 2.5 (H004): https://www.ebics.org/en/specifications
  - EBICS 3.0 (H005) with BTF addressing
  - EBICS host version negotiation (HEV / H000)
  - XML Signature Syntax and Processing: https://www.w3.org/TR/xmldsig-core1/
  - CFONB 120-character account statement records
  - ISO 20022 camt.052 / camt.053 / camt.054 bank-to-customer reporting

# Package Structure

The library is organized into the following packages:

	github.com/sirosfoundation/go-ebics/pkg/ebics     - Protocol engine: orders, transactions, signatures
	github.com/sirosfoundation/go-ebics/pkg/keyring   - Passphrase-protected subscriber and bank keys
	github.com/sirosfoundation/go-ebics/pkg/statement - Statement splitting and journal resolution
	github.com/sirosfoundation/go-ebics/pkg/transport - HTTPS transport with TLS 1.2/1.3
	github.com/sirosfoundation/go-ebics/cmd/ebicsctl  - Operator command line tool

# Quick Start

To fetch account statements:

	import (
	    "github.com/sirosfoundation/go-ebics/pkg/ebics"
	    "github.com/sirosfoundation/go-ebics/pkg/keyring"
	    "github.com/sirosfoundation/go-ebics/pkg/transport"
	)

	keys, _ := keyring.Open("/var/lib/ebics/keys/USER1_keys", passphrase)
	client, _ := ebics.NewClient(ebics.ClientConfig{
	    Bank:    ebics.Bank{HostID: "EBIXQUAL", URL: "https://ebics.bank.example/ebicsweb"},
	    User:    ebics.User{PartnerID: "PARTNER1", UserID: "USER1"},
	    Version: ebics.VersionH004,
	    Keys:    keys,
	    Poster:  transport.NewClient(transport.DefaultConfig()),
	})

	result, err := client.Download(ctx, ebics.DownloadOrder{OrderType: "C53"})
	if err != nil {
	    // handle ebics.ErrNoDownloadData and friends
	}
	// ... store result.Data durably, then acknowledge:
	err = client.ConfirmDownload(ctx, result.TransactionID, true)

# Security Model

Subscriber key material never leaves the keyring file, which is
encrypted with AES-256-GCM under an Argon2id-derived key. Every
transactional request carries a detached XML signature over its
authenticated elements; responses are verified against the bank's
authentication key once it has been fetched (HPB) and explicitly
activated after out-of-band fingerprint verification. Order data is
compressed, encrypted with a per-transaction AES key and wrapped with
the bank's encryption key.

# License

BSD-2-Clause License
*/
package goebics
