// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport provides the HTTPS transport used for EBICS exchanges.

EBICS servers accept XML request documents via HTTP POST and answer with
an XML response document. The client enforces TLS 1.2 or newer with a
restricted cipher suite list:

	client := transport.NewClient(transport.DefaultConfig())
	response, err := client.Post(ctx, "https://bank.example/ebics", document)
*/
package transport
