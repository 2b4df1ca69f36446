// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package service implements the application operations of the EBICS
// connection manager: subscriber key initialization, downloads,
// uploads, statement processing and the scheduled import entry point.
//
// The package composes the protocol engine (pkg/ebics), the keyring
// (pkg/keyring), the statement splitter (pkg/statement) and a storage
// backend (internal/storage) behind narrow interfaces so each
// collaborator can be replaced in tests.
package service
