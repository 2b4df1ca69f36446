// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package keyring

import (
	"fmt"
	"strings"
	"time"
)

// INILetterParams describes the header of an INI letter.
type INILetterParams struct {
	BankName  string
	HostID    string
	PartnerID string
	UserID    string
	// Lang selects the letter language: "fr", "de", anything else
	// falls back to English.
	Lang string
}

type iniLetterText struct {
	title     string
	date      string
	bank      string
	host      string
	partner   string
	user      string
	signature string
	auth      string
	enc       string
	footer    string
}

var iniLetterTexts = map[string]iniLetterText{
	"en": {
		title:     "EBICS Initialization Letter",
		date:      "Date",
		bank:      "Bank",
		host:      "Host ID",
		partner:   "Partner ID",
		user:      "User ID",
		signature: "Public key for the electronic signature",
		auth:      "Public key for the identification and authentication signature",
		enc:       "Public key for the encryption",
		footer:    "I hereby confirm the above public keys for my EBICS access.\n\nPlace/Date                     Signature",
	},
	"fr": {
		title:     "Lettre d'initialisation EBICS",
		date:      "Date",
		bank:      "Banque",
		host:      "Identifiant d'hôte",
		partner:   "Identifiant de partenaire",
		user:      "Identifiant d'utilisateur",
		signature: "Clé publique de signature électronique",
		auth:      "Clé publique d'authentification",
		enc:       "Clé publique de chiffrement",
		footer:    "Je confirme par la présente les clés publiques ci-dessus pour mon accès EBICS.\n\nLieu/Date                     Signature",
	},
	"de": {
		title:     "EBICS Initialisierungsbrief",
		date:      "Datum",
		bank:      "Bank",
		host:      "Host-ID",
		partner:   "Partner-ID",
		user:      "Teilnehmer-ID",
		signature: "Öffentlicher Schlüssel für die elektronische Unterschrift",
		auth:      "Öffentlicher Schlüssel für die Authentifikation",
		enc:       "Öffentlicher Schlüssel für die Verschlüsselung",
		footer:    "Hiermit bestätige ich die obigen öffentlichen Schlüssel für meinen EBICS-Zugang.\n\nOrt/Datum                     Unterschrift",
	},
}

// INILetter renders the human-deliverable initialization letter listing
// the fingerprints of the subscriber's public keys. The letter has to be
// signed and sent to the bank out-of-band before the bank activates the
// subscriber.
func (k *Keyring) INILetter(p INILetterParams, sigPassphrase string) (string, error) {
	sigKey, err := k.SignatureKey(sigPassphrase)
	if err != nil {
		return "", err
	}
	authKey, err := k.AuthenticationKey()
	if err != nil {
		return "", err
	}
	encKey, err := k.EncryptionKey()
	if err != nil {
		return "", err
	}

	text, ok := iniLetterTexts[strings.ToLower(p.Lang)]
	if !ok {
		text = iniLetterTexts["en"]
	}
	keyVersion := k.KeyVersion()
	if keyVersion == "" {
		keyVersion = "A006"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", text.title, strings.Repeat("=", len(text.title)))
	fmt.Fprintf(&b, "%s: %s\n", text.date, time.Now().Format("2006-01-02"))
	fmt.Fprintf(&b, "%s: %s\n", text.bank, p.BankName)
	fmt.Fprintf(&b, "%s: %s\n", text.host, p.HostID)
	fmt.Fprintf(&b, "%s: %s\n", text.partner, p.PartnerID)
	fmt.Fprintf(&b, "%s: %s\n\n", text.user, p.UserID)

	fmt.Fprintf(&b, "%s (%s)\nSHA-256: %s\n\n", text.signature, keyVersion, Fingerprint(&sigKey.PublicKey))
	fmt.Fprintf(&b, "%s (X002)\nSHA-256: %s\n\n", text.auth, Fingerprint(&authKey.PublicKey))
	fmt.Fprintf(&b, "%s (E002)\nSHA-256: %s\n\n", text.enc, Fingerprint(&encKey.PublicKey))
	b.WriteString(text.footer)
	b.WriteString("\n")
	return b.String(), nil
}

// INILetterLang picks the letter language: the bank country code for
// French and German banks, otherwise the operator locale (first two
// letters), defaulting to English.
func INILetterLang(bankCountry, operatorLocale string) string {
	switch strings.ToUpper(bankCountry) {
	case "FR":
		return "fr"
	case "DE":
		return "de"
	}
	if len(operatorLocale) >= 2 {
		return strings.ToLower(operatorLocale[:2])
	}
	return "en"
}
