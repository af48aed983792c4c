package domain

import (
	"strings"
)

// placeholderNames are generic ERP records (walk-in sales, test rows) that
// must never be offered to a caller as "their" identity.
var placeholderNames = []string{
	"CONSUMIDOR FINAL",
	"CLIENTE GENERICO",
	"CLIENTE GENÉRICO",
	"MOSTRADOR",
}

// Identity is a customer record of the ERP.
type Identity struct {
	ID          int    `json:"id"`
	DisplayName string `json:"display_name"`
	Document    string `json:"document"`
	Phone       string `json:"phone,omitempty"`
}

// IsValidForUse filters out placeholder records the ERP returns as noise:
// generic walk-in customers and blank or dummy ("1", "0") documents.
func (i Identity) IsValidForUse() bool {
	if i.ID <= 0 {
		return false
	}
	name := strings.ToUpper(strings.TrimSpace(i.DisplayName))
	if name == "" {
		return false
	}
	for _, p := range placeholderNames {
		if name == p {
			return false
		}
	}
	doc := DigitsOnly(i.Document)
	if doc == "" || strings.Trim(doc, "0") == "" || doc == "1" {
		return false
	}
	return true
}

// FilterValid returns the identities that pass IsValidForUse, preserving order.
func FilterValid(ids []Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		if id.IsValidForUse() {
			out = append(out, id)
		}
	}
	return out
}

// MaskDocument keeps only the last 4 digits of a document number.
func MaskDocument(doc string) string {
	d := DigitsOnly(doc)
	if len(d) <= 4 {
		return strings.Repeat("*", len(d))
	}
	return "****" + d[len(d)-4:]
}

// MaskPhone is used for logging; it keeps the last 4 digits.
func MaskPhone(phone string) string {
	d := DigitsOnly(phone)
	if len(d) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
}

// DigitsOnly strips every non-digit character.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SamePhone compares two phone numbers by their trailing 10 digits, which
// absorbs country code and WhatsApp "9" mobile prefix differences.
func SamePhone(a, b string) bool {
	da, db := DigitsOnly(a), DigitsOnly(b)
	if da == "" || db == "" {
		return false
	}
	const tail = 10
	if len(da) > tail {
		da = da[len(da)-tail:]
	}
	if len(db) > tail {
		db = db[len(db)-tail:]
	}
	return da == db
}
