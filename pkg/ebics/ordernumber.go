// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package ebics

import (
	"fmt"
	"regexp"
	"sync"
)

// Order numbers for legacy protocol versions are 4-character strings over
// the alphabet [A-Z0-9], between "A000" and "ZZZZ", and must be unique per
// PartnerID. Newer protocol versions let the bank assign the OrderID.

var orderNumberPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{3}$`)

// ValidOrderNumber reports whether s is a well-formed legacy order number.
func ValidOrderNumber(s string) bool {
	return orderNumberPattern.MatchString(s)
}

// NextOrderNumber returns the order number following cur.
//
// The increment walks from the least-significant character: '9' rolls to
// 'A' and stops, 'Z' carries to the next position unchanged, any other
// character is bumped by one and stops. Past "ZZZZ" the counter wraps to
// "A000". The 'Z' carry-without-reset behaviour matches the first observed
// revision of the reference counter; the alternative ('Z' resets to '0')
// was rejected to keep already issued sequences stable.
func NextOrderNumber(cur string) (string, error) {
	if !ValidOrderNumber(cur) {
		return "", fmt.Errorf("invalid order number %q: must match [A-Z][A-Z0-9]{3}", cur)
	}
	digits := []byte(cur)
	for i := len(digits) - 1; i >= 0; i-- {
		switch digits[i] {
		case '9':
			digits[i] = 'A'
		case 'Z':
			continue
		default:
			digits[i]++
		}
		break
	}
	next := string(digits)
	if next == "ZZZZ" {
		next = "A000"
	}
	return next, nil
}

// OrderIDSource supplies OrderIDs for outgoing orders. Protocol version
// H003 requires the client to generate them; later versions receive the
// OrderID from the bank.
type OrderIDSource interface {
	// NextOrderID returns the OrderID to attach to the next order for the
	// given partner, or "" when the bank assigns OrderIDs itself.
	NextOrderID(partnerID string) (string, error)

	// Advance records that orderID has been consumed so the following
	// order gets a distinct ID. A no-op for bank-assigned IDs.
	Advance(orderID string) error
}

// SequencedOrderIDs is the H003 OrderIDSource. It hands out the current
// counter value and advances it after each issued order. Issuance is
// serialized: EBICS allows a single in-flight transaction per connection.
type SequencedOrderIDs struct {
	mu      sync.Mutex
	current string
	persist func(next string) error
}

// NewSequencedOrderIDs returns a sequencer starting at current ("A000"
// when empty). persist, when non-nil, is called with the new counter value
// after every advance so the caller can store it transactionally with the
// order.
func NewSequencedOrderIDs(current string, persist func(next string) error) (*SequencedOrderIDs, error) {
	if current == "" {
		current = "A000"
	}
	if !ValidOrderNumber(current) {
		return nil, fmt.Errorf("invalid order number %q: must match [A-Z][A-Z0-9]{3}", current)
	}
	return &SequencedOrderIDs{current: current, persist: persist}, nil
}

// NextOrderID implements OrderIDSource.
func (s *SequencedOrderIDs) NextOrderID(partnerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// Advance implements OrderIDSource.
func (s *SequencedOrderIDs) Advance(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := NextOrderNumber(orderID)
	if err != nil {
		return err
	}
	s.current = next
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return fmt.Errorf("persisting order number: %w", err)
		}
	}
	return nil
}

// Current returns the counter value the next order will use.
func (s *SequencedOrderIDs) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// BankAssignedOrderIDs is the OrderIDSource for protocol versions H004 and
// H005 where the bank generates OrderIDs.
type BankAssignedOrderIDs struct{}

func (BankAssignedOrderIDs) NextOrderID(partnerID string) (string, error) { return "", nil }

func (BankAssignedOrderIDs) Advance(orderID string) error { return nil }
