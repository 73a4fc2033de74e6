// Subscriber email value type.
//
// Addresses stored in the delivery queue were validated at signup, but rows
// can outlive validation rules (or be seeded by older code paths), so the
// worker re-parses each address before attempting a send. A parse failure is
// a permanent failure: the task is dropped, never retried.
package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

// SubscriberEmail is a validated email address.
type SubscriberEmail string

// ParseSubscriberEmail validates raw and returns it as a SubscriberEmail.
// Validation follows RFC 5322 address syntax via net/mail, with a few extra
// guards: no surrounding whitespace, no display name, a non-empty local part
// and a dotted domain.
func ParseSubscriberEmail(raw string) (SubscriberEmail, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("subscriber email cannot be empty")
	}
	if raw != strings.TrimSpace(raw) {
		return "", fmt.Errorf("%q contains surrounding whitespace", raw)
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%q is not a valid subscriber email: %w", raw, err)
	}
	// Reject "Name <user@host>" forms; the queue stores bare addresses.
	if addr.Address != raw {
		return "", fmt.Errorf("%q is not a bare email address", raw)
	}
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return "", fmt.Errorf("%q is missing a local part or domain", raw)
	}
	if !strings.Contains(raw[at+1:], ".") {
		return "", fmt.Errorf("%q has no domain suffix", raw)
	}
	return SubscriberEmail(raw), nil
}

// String returns the raw address.
func (e SubscriberEmail) String() string { return string(e) }
