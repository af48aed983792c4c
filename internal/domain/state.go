package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Conversation state: the record threaded through every node
// ============================================================

// DefaultMaxErrors is the number of external failures tolerated in a
// conversation before it is handed over to a human.
const DefaultMaxErrors = 3

// NodeID identifies a workflow node. The set is closed.
type NodeID string

const (
	NodeNone           NodeID = ""
	NodeIdentification NodeID = "identification"
	NodeRegistration   NodeID = "registration"
	NodeDebtCheck      NodeID = "debt_check"
	NodeConfirmation   NodeID = "confirmation"
	NodePaymentLink    NodeID = "payment_link"
	NodeInvoice        NodeID = "invoice"
	NodeRespond        NodeID = "respond"
	NodeTerminate      NodeID = "terminate"
)

// AllNodes lists every executable node.
func AllNodes() []NodeID {
	return []NodeID{
		NodeIdentification,
		NodeRegistration,
		NodeDebtCheck,
		NodeConfirmation,
		NodePaymentLink,
		NodeInvoice,
		NodeRespond,
		NodeTerminate,
	}
}

// DebtStatus tracks where the presented debt is in its lifecycle.
type DebtStatus string

const (
	DebtStatusNone           DebtStatus = "none"
	DebtStatusPending        DebtStatus = "pending"
	DebtStatusConfirmed      DebtStatus = "confirmed"
	DebtStatusPaymentPending DebtStatus = "payment_pending"
	DebtStatusInvoiced       DebtStatus = "invoiced"
)

// debtTransitions is the debt status state machine. Staying in the same
// status is always allowed and not listed.
//
// invoiced -> pending opens a new debt cycle for a customer who comes back
// after a settled debt; it never skips confirmed.
var debtTransitions = map[DebtStatus][]DebtStatus{
	DebtStatusNone:           {DebtStatusPending},
	DebtStatusPending:        {DebtStatusConfirmed, DebtStatusNone},
	DebtStatusConfirmed:      {DebtStatusPaymentPending, DebtStatusInvoiced, DebtStatusNone},
	DebtStatusPaymentPending: {DebtStatusInvoiced},
	DebtStatusInvoiced:       {DebtStatusPending},
}

// CanTransition reports whether the debt status may move from -> to.
func CanTransition(from, to DebtStatus) bool {
	if from == "" {
		from = DebtStatusNone
	}
	if from == to {
		return true
	}
	for _, allowed := range debtTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RegistrationStep is the position inside the self-registration form.
type RegistrationStep string

const (
	RegistrationNone     RegistrationStep = "none"
	RegistrationName     RegistrationStep = "name"
	RegistrationDocument RegistrationStep = "document"
	RegistrationConfirm  RegistrationStep = "confirm"
)

// RegistrationData is the partial identity being collected.
type RegistrationData struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// SessionKey identifies one conversation in the session store.
type SessionKey struct {
	OrganizationID string `json:"organization_id"`
	Phone          string `json:"phone"`
}

// ConversationState is owned by the engine for the duration of a turn and
// persisted whole between turns.
type ConversationState struct {
	// Identity
	CustomerPhone  string `json:"customer_phone"`
	ERPCustomerID  *int   `json:"erp_customer_id,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	IsSelf         bool   `json:"is_self"`
	OrganizationID string `json:"organization_id"`

	// Identification flow
	AwaitingDocumentInput    bool             `json:"awaiting_document_input"`
	RequiresDisambiguation   bool             `json:"requires_disambiguation"`
	DisambiguationCandidates []Identity       `json:"disambiguation_candidates,omitempty"`
	RegistrationStep         RegistrationStep `json:"registration_step"`
	RegistrationData         RegistrationData `json:"registration_data"`
	LastGreetingDate         string           `json:"last_greeting_date,omitempty"`

	// Debt / payment
	DebtID               string           `json:"debt_id,omitempty"`
	DebtData             *BalanceSnapshot `json:"debt_data,omitempty"`
	TotalDebt            decimal.Decimal  `json:"total_debt"`
	PaymentAmount        decimal.Decimal  `json:"payment_amount"`
	IsPartialPayment     bool             `json:"is_partial_payment"`
	DebtStatus           DebtStatus       `json:"debt_status"`
	AwaitingConfirmation bool             `json:"awaiting_confirmation"`

	// External payment correlation
	PaymentPreferenceID      string `json:"payment_preference_id,omitempty"`
	PaymentInitPoint         string `json:"payment_init_point,omitempty"`
	PaymentExternalReference string `json:"payment_external_reference,omitempty"`
	AwaitingPayment          bool   `json:"awaiting_payment"`
	ReceiptNumber            string `json:"receipt_number,omitempty"`

	// Control
	ErrorCount    int       `json:"error_count"`
	MaxErrors     int       `json:"max_errors"`
	IsComplete    bool      `json:"is_complete"`
	RequiresHuman bool      `json:"requires_human"`
	NextNode      NodeID    `json:"next_node,omitempty"`
	LastNode      NodeID    `json:"last_node,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewConversationState creates the state for the first message of a session.
func NewConversationState(phone, organizationID string, maxErrors int) ConversationState {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return ConversationState{
		CustomerPhone:    phone,
		OrganizationID:   organizationID,
		RegistrationStep: RegistrationNone,
		RegistrationData: RegistrationData{Phone: phone},
		DebtStatus:       DebtStatusNone,
		MaxErrors:        maxErrors,
	}
}

// Key returns the session store key of this conversation.
func (s ConversationState) Key() SessionKey {
	return SessionKey{OrganizationID: s.OrganizationID, Phone: s.CustomerPhone}
}

// IsIdentified reports whether the ERP identity is resolved.
func (s ConversationState) IsIdentified() bool {
	return s.ERPCustomerID != nil
}

// InRegistration reports whether the registration form is in progress.
func (s ConversationState) InRegistration() bool {
	return s.RegistrationStep != "" && s.RegistrationStep != RegistrationNone
}

// ErrorBudgetExhausted reports whether the conversation must be escalated.
func (s ConversationState) ErrorBudgetExhausted() bool {
	max := s.MaxErrors
	if max <= 0 {
		max = DefaultMaxErrors
	}
	return s.ErrorCount >= max
}

// EffectivePaymentAmount is the amount the customer agreed to pay; it falls
// back to the total debt when no explicit amount was set.
func (s ConversationState) EffectivePaymentAmount() decimal.Decimal {
	if s.PaymentAmount.IsPositive() {
		return s.PaymentAmount
	}
	return s.TotalDebt
}

// RemainingBalance is what is left of the debt after the agreed payment. It
// is derived on demand and never stored.
func (s ConversationState) RemainingBalance() decimal.Decimal {
	rest := s.TotalDebt.Sub(s.EffectivePaymentAmount())
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// BeginTurn resets per-turn control fields. An escalated conversation stays
// complete until an operator resets it.
func (s ConversationState) BeginTurn() ConversationState {
	s.NextNode = NodeNone
	if !s.RequiresHuman {
		s.IsComplete = false
	}
	if s.DebtStatus == "" {
		s.DebtStatus = DebtStatusNone
	}
	if s.RegistrationStep == "" {
		s.RegistrationStep = RegistrationNone
	}
	if s.MaxErrors <= 0 {
		s.MaxErrors = DefaultMaxErrors
	}
	return s
}

// Clone returns a copy that shares no slices or pointers with s.
func (s ConversationState) Clone() ConversationState {
	c := s
	if s.ERPCustomerID != nil {
		id := *s.ERPCustomerID
		c.ERPCustomerID = &id
	}
	if s.DisambiguationCandidates != nil {
		c.DisambiguationCandidates = append([]Identity(nil), s.DisambiguationCandidates...)
	}
	if s.DebtData != nil {
		d := *s.DebtData
		d.Items = append([]BalanceItem(nil), s.DebtData.Items...)
		c.DebtData = &d
	}
	return c
}

// awaitingFlags counts the "awaiting X" flags that are set.
func (s ConversationState) awaitingFlags() int {
	n := 0
	for _, f := range []bool{s.AwaitingConfirmation, s.RequiresDisambiguation, s.AwaitingDocumentInput} {
		if f {
			n++
		}
	}
	return n
}
