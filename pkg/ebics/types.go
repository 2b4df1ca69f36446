// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import "fmt"

// Version identifies the EBICS protocol version negotiated with the bank.
type Version string

const (
	// VersionH003 is EBICS 2.4. Requires client-generated OrderIDs.
	VersionH003 Version = "H003"
	// VersionH004 is EBICS 2.5.
	VersionH004 Version = "H004"
	// VersionH005 is EBICS 3.0. Requires X.509 certificates and BTF order
	// addressing.
	VersionH005 Version = "H005"
)

// Namespace returns the XML namespace of the request schema for v.
func (v Version) Namespace() string {
	return "urn:org:ebics:" + string(v)
}

// Valid reports whether v is a supported protocol version.
func (v Version) Valid() bool {
	switch v {
	case VersionH003, VersionH004, VersionH005:
		return true
	}
	return false
}

// ClientOrderID reports whether the client has to generate OrderIDs for
// this version.
func (v Version) ClientOrderID() bool { return v == VersionH003 }

// hevNamespace is the version-independent namespace of the HEV exchange.
const hevNamespace = "http://www.ebics.org/H000"

// SignatureClass is the EBICS signature authority of a subscriber.
type SignatureClass string

const (
	// SignatureE authorizes orders with a single signature.
	SignatureE SignatureClass = "E"
	// SignatureT is a transport-only signature: uploads need a separate
	// out-of-band approval.
	SignatureT SignatureClass = "T"
)

// KeyVersion selects the electronic signature scheme of the user keys.
type KeyVersion string

const (
	// KeyVersionA005 is RSASSA-PKCS1-v1_5.
	KeyVersionA005 KeyVersion = "A005"
	// KeyVersionA006 is RSASSA-PSS.
	KeyVersionA006 KeyVersion = "A006"
)

// Bank identifies one EBICS host.
type Bank struct {
	HostID string
	URL    string
}

// User identifies one EBICS subscriber under a partner contract.
type User struct {
	PartnerID      string
	UserID         string
	SignatureClass SignatureClass
}

// BTF is the EBICS 3.0 Business Transaction Format descriptor, replacing
// the fixed legacy order type codes for BTU/BTD orders.
type BTF struct {
	Service   string
	Message   string
	Scope     string
	Option    string
	Container string
	Version   string
	Variant   string
	Format    string
}

func (b BTF) String() string {
	return fmt.Sprintf("%s/%s", b.Service, b.Message)
}

// Validate checks the mandatory BTF fields.
func (b BTF) Validate() error {
	if b.Service == "" || b.Message == "" {
		return &ConfigurationError{Field: "btf", Reason: "service and message are required"}
	}
	return nil
}
