// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package keyring stores the RSA key material of one EBICS subscriber in a
single passphrase-protected file.

The file holds the bank-technical signature key, the authentication key
(X002), the encryption key (E002), optional X.509 certificates and the
bank's public keys. It is sealed with AES-GCM under an Argon2id derived
key; the signature key can additionally be wrapped under a separate
signature passphrase.

Open a keyring (a missing file yields an empty one) and generate keys:

	kr, err := keyring.Open(keyring.Path(keysRoot, userID), passphrase)
	err = kr.Create("A005", 2048)

Bank keys fetched via HPB are stored inactive and only become usable
after an operator has verified their fingerprints:

	err = kr.SetBankKeys(auth, enc, document)
	err = kr.ActivateBankKeys()
*/
package keyring
