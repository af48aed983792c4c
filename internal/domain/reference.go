package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExternalReference correlates a gateway payment with a conversation debt.
// Its wire form is "{customerId}:{debtId}:{suffix}".
type ExternalReference struct {
	CustomerID int
	DebtID     string
	Suffix     string
}

func (r ExternalReference) String() string {
	return fmt.Sprintf("%d:%s:%s", r.CustomerID, r.DebtID, r.Suffix)
}

// ParseExternalReference splits a reference on its first and last colon so
// that debt ids containing ':' survive the round trip.
func ParseExternalReference(s string) (ExternalReference, error) {
	first := strings.Index(s, ":")
	last := strings.LastIndex(s, ":")
	if first <= 0 || last <= first+1 || last == len(s)-1 {
		return ExternalReference{}, &ErrValidation{Field: "external_reference", Message: "expected customerId:debtId:suffix"}
	}
	id, err := strconv.Atoi(s[:first])
	if err != nil || id <= 0 {
		return ExternalReference{}, &ErrValidation{Field: "external_reference", Message: "invalid customer id"}
	}
	return ExternalReference{CustomerID: id, DebtID: s[first+1 : last], Suffix: s[last+1:]}, nil
}

// DebtIDFor returns the ERP reference of a balance, or a stable id derived
// from the customer and the date when the ERP does not provide one.
func DebtIDFor(customerID int, snapshot *BalanceSnapshot, now time.Time) string {
	if snapshot != nil && strings.TrimSpace(snapshot.Reference) != "" {
		return strings.TrimSpace(snapshot.Reference)
	}
	return fmt.Sprintf("DEBT-%d-%s", customerID, now.Format("20060102"))
}
