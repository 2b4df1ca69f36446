// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package ebics implements the client side of the EBICS protocol for the
H003, H004 and H005 schema versions.

# Client Creation

Create a client from a bank endpoint, a subscriber identity and the
subscriber's keyring:

	client, err := ebics.NewClient(ebics.ClientConfig{
	    Bank:    ebics.Bank{HostID: "EBIXQUAL", URL: "https://bank.example/ebics"},
	    User:    ebics.User{PartnerID: "PARTNER1", UserID: "USER1"},
	    Version: ebics.VersionH004,
	    Keys:    keyring,
	    Poster:  transport.NewClient(transport.DefaultConfig()),
	})

# Subscriber Initialization

A fresh subscriber walks through version negotiation, key submission and
bank key retrieval:

	err = client.NegotiateVersion(ctx)
	err = client.INI(ctx, sigPassphrase)
	err = client.HIA(ctx)
	keys, err := client.HPB(ctx)

The keys returned by HPB must be checked out-of-band against the bank's
published hash values before they are activated for use.

# Transactions

Download runs the Initialisation and Transfer phases and hands back the
decoded order data together with the transaction id. The bank keeps the
data flagged for re-delivery until ConfirmDownload acknowledges it:

	result, err := client.Download(ctx, ebics.DownloadOrder{OrderType: "FDL", FileFormat: "camt.053"})
	err = client.ConfirmDownload(ctx, result.TransactionID, true)

Upload seals the payload for the bank's encryption key, attaches the
bank-technical signature and streams the segments:

	orderID, err := client.Upload(ctx, ebics.UploadOrder{OrderType: "FUL", FileFormat: "pain.001"}, sigPassphrase)

On H003 connections the client assigns order ids from an OrderIDSource;
later versions let the bank assign them.

# References

  - EBICS specification: https://www.ebics.org/en/specification
*/
package ebics
