// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/beevik/etree"
)

// Key order data documents exchanged during subscriber initialization.

// buildSignaturePubKeyOrderData builds the INI order data carrying the
// public electronic signature key.
func buildSignaturePubKeyOrderData(v Version, user User, keyVersion KeyVersion, pub *rsa.PublicKey) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("SignaturePubKeyOrderData")
	root.CreateAttr("xmlns", "http://www.ebics.org/S001")

	info := root.CreateElement("SignaturePubKeyInfo")
	writePubKeyValue(info, pub)
	info.CreateElement("SignatureVersion").SetText(string(keyVersion))

	root.CreateElement("PartnerID").SetText(user.PartnerID)
	root.CreateElement("UserID").SetText(user.UserID)

	out, _ := doc.WriteToBytes()
	return out
}

// buildHIARequestOrderData builds the HIA order data carrying the public
// authentication and encryption keys.
func buildHIARequestOrderData(v Version, user User, auth, enc *rsa.PublicKey) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("HIARequestOrderData")
	root.CreateAttr("xmlns", v.Namespace())

	authInfo := root.CreateElement("AuthenticationPubKeyInfo")
	writePubKeyValue(authInfo, auth)
	authInfo.CreateElement("AuthenticationVersion").SetText("X002")

	encInfo := root.CreateElement("EncryptionPubKeyInfo")
	writePubKeyValue(encInfo, enc)
	encInfo.CreateElement("EncryptionVersion").SetText("E002")

	root.CreateElement("PartnerID").SetText(user.PartnerID)
	root.CreateElement("UserID").SetText(user.UserID)

	out, _ := doc.WriteToBytes()
	return out
}

func writePubKeyValue(parent *etree.Element, pub *rsa.PublicKey) {
	value := parent.CreateElement("PubKeyValue")
	rsaValue := value.CreateElement("ds:RSAKeyValue")
	rsaValue.CreateAttr("xmlns:ds", dsigNamespace)
	rsaValue.CreateElement("ds:Modulus").SetText(base64.StdEncoding.EncodeToString(pub.N.Bytes()))
	rsaValue.CreateElement("ds:Exponent").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
	value.CreateElement("TimeStamp").SetText(ebicsTimestamp(time.Now()))
}

// BankKeys is the result of an HPB retrieval: the bank's public keys plus
// the raw order data document they were parsed from, kept so the operator
// can verify fingerprints out-of-band before trusting them.
type BankKeys struct {
	Authentication *rsa.PublicKey
	Encryption     *rsa.PublicKey
	Document       []byte
}

// parseHPBResponseOrderData extracts the bank keys from the HPB order
// data.
func parseHPBResponseOrderData(data []byte) (*BankKeys, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing HPB order data: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("HPB order data is empty")
	}

	auth, err := readPubKeyValue(root.FindElement(".//AuthenticationPubKeyInfo"))
	if err != nil {
		return nil, fmt.Errorf("bank authentication key: %w", err)
	}
	enc, err := readPubKeyValue(root.FindElement(".//EncryptionPubKeyInfo"))
	if err != nil {
		return nil, fmt.Errorf("bank encryption key: %w", err)
	}
	return &BankKeys{Authentication: auth, Encryption: enc, Document: data}, nil
}

func readPubKeyValue(info *etree.Element) (*rsa.PublicKey, error) {
	if info == nil {
		return nil, fmt.Errorf("key info element missing")
	}
	modElem := findLocal(info, "Modulus")
	expElem := findLocal(info, "Exponent")
	if modElem == nil || expElem == nil {
		return nil, fmt.Errorf("modulus or exponent missing")
	}
	mod, err := base64.StdEncoding.DecodeString(modElem.Text())
	if err != nil {
		return nil, fmt.Errorf("modulus is not valid base64: %w", err)
	}
	exp, err := base64.StdEncoding.DecodeString(expElem.Text())
	if err != nil {
		return nil, fmt.Errorf("exponent is not valid base64: %w", err)
	}
	e := new(big.Int).SetBytes(exp)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(mod), E: int(e.Int64())}, nil
}

// findLocal finds the first descendant with the given local tag name,
// ignoring namespace prefixes.
func findLocal(parent *etree.Element, tag string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			return child
		}
		if found := findLocal(child, tag); found != nil {
			return found
		}
	}
	return nil
}
