package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Balance, receipts and payment preferences (ERP + gateway)
// ============================================================

// BalanceItem is one itemised line of the customer's current account.
type BalanceItem struct {
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Date          string          `json:"date,omitempty"` // YYYY-MM-DD
}

// BalanceSnapshot is the ERP balance response for one customer at a date.
type BalanceSnapshot struct {
	Reference string          `json:"reference,omitempty"`
	Total     decimal.Decimal `json:"total"`
	DueDate   string          `json:"due_date,omitempty"`
	AsOf      string          `json:"as_of,omitempty"`
	Items     []BalanceItem   `json:"items,omitempty"`
}

// HasDebt reports whether the snapshot carries a positive balance.
func (b *BalanceSnapshot) HasDebt() bool {
	return b != nil && b.Total.IsPositive()
}

// Receipt is the ERP response to a receipt creation.
type Receipt struct {
	ReceiptNumber string          `json:"receipt_number"`
	Amount        decimal.Decimal `json:"amount"`
	IssuedAt      time.Time       `json:"issued_at"`
}

// PreferenceRequest is what the workflow asks the payment gateway for.
type PreferenceRequest struct {
	Amount            decimal.Decimal
	Description       string
	ExternalReference string
	PayerPhone        string
	PayerName         string
}

// PaymentPreference is a checkout created in the payment gateway.
type PaymentPreference struct {
	PreferenceID string `json:"preference_id"`
	PaymentURL   string `json:"payment_url"`
	SandboxURL   string `json:"sandbox_url,omitempty"`
}

// Payment statuses reported by the gateway.
const (
	PaymentStatusApproved = "approved"
	PaymentStatusPending  = "pending"
	PaymentStatusRejected = "rejected"
)

// PaymentNotification is the normalised view of a gateway webhook after the
// payment itself has been fetched.
type PaymentNotification struct {
	PaymentID         string          `json:"payment_id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"amount"`
}
