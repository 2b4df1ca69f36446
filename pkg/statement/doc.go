// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package statement turns downloaded bank files into independently
importable single-account statements.

A single EBICS download commonly bundles statements for many accounts,
currencies and legal entities. The splitters in this package cut such a
payload into per-account chunks, resolve each chunk to exactly one
journal and re-serialize it as a standalone document. Sections that
cannot be resolved are reported, never guessed.

DuplicateGuard is the post-import correction layer: it removes
statements that a downstream parser imported twice for the formats known
not to deduplicate themselves.
*/
package statement
