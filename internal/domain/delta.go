package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Delta is the partial update a node returns. Nil pointer fields are left
// untouched by ApplyDelta; flags describe operations that have no natural
// "value" (clearing, incrementing).
type Delta struct {
	ERPCustomerID *int
	CustomerName  *string
	IsSelf        *bool

	AwaitingDocumentInput    *bool
	RequiresDisambiguation   *bool
	DisambiguationCandidates *[]Identity
	RegistrationStep         *RegistrationStep
	RegistrationData         *RegistrationData
	LastGreetingDate         *string

	DebtID               *string
	DebtData             *BalanceSnapshot
	TotalDebt            *decimal.Decimal
	PaymentAmount        *decimal.Decimal
	IsPartialPayment     *bool
	DebtStatus           *DebtStatus
	AwaitingConfirmation *bool

	PaymentPreferenceID      *string
	PaymentInitPoint         *string
	PaymentExternalReference *string
	AwaitingPayment          *bool
	ReceiptNumber            *string

	IsComplete *bool
	NextNode   *NodeID

	// ClearDebt wipes every debt and payment field before the rest of the
	// delta is applied.
	ClearDebt       bool
	IncrementErrors bool
	ResetErrors     bool
	// Escalate hands the conversation to a human.
	Escalate bool
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// IsEmpty reports whether applying the delta would change nothing.
func (d Delta) IsEmpty() bool {
	return d == Delta{}
}

// ApplyDelta merges d into s and enforces the state invariants. It is the
// only place conversation state is mutated. s is not modified.
func ApplyDelta(s ConversationState, d Delta) (ConversationState, error) {
	next := s.Clone()
	from := next.DebtStatus
	if from == "" {
		from = DebtStatusNone
	}

	if d.ClearDebt {
		next.DebtID = ""
		next.DebtData = nil
		next.TotalDebt = decimal.Zero
		next.PaymentAmount = decimal.Zero
		next.IsPartialPayment = false
		next.AwaitingConfirmation = false
		next.PaymentPreferenceID = ""
		next.PaymentInitPoint = ""
		next.PaymentExternalReference = ""
		next.AwaitingPayment = false
	}

	if d.ERPCustomerID != nil {
		id := *d.ERPCustomerID
		next.ERPCustomerID = &id
	}
	setIf(&next.CustomerName, d.CustomerName)
	setIf(&next.IsSelf, d.IsSelf)

	setIf(&next.AwaitingDocumentInput, d.AwaitingDocumentInput)
	setIf(&next.RequiresDisambiguation, d.RequiresDisambiguation)
	if d.DisambiguationCandidates != nil {
		next.DisambiguationCandidates = append([]Identity(nil), (*d.DisambiguationCandidates)...)
	}
	setIf(&next.RegistrationStep, d.RegistrationStep)
	setIf(&next.RegistrationData, d.RegistrationData)
	setIf(&next.LastGreetingDate, d.LastGreetingDate)

	setIf(&next.DebtID, d.DebtID)
	if d.DebtData != nil {
		snap := *d.DebtData
		snap.Items = append([]BalanceItem(nil), d.DebtData.Items...)
		next.DebtData = &snap
	}
	setIf(&next.TotalDebt, d.TotalDebt)
	setIf(&next.PaymentAmount, d.PaymentAmount)
	setIf(&next.IsPartialPayment, d.IsPartialPayment)
	setIf(&next.AwaitingConfirmation, d.AwaitingConfirmation)

	setIf(&next.PaymentPreferenceID, d.PaymentPreferenceID)
	setIf(&next.PaymentInitPoint, d.PaymentInitPoint)
	setIf(&next.PaymentExternalReference, d.PaymentExternalReference)
	setIf(&next.AwaitingPayment, d.AwaitingPayment)
	setIf(&next.ReceiptNumber, d.ReceiptNumber)

	setIf(&next.IsComplete, d.IsComplete)
	setIf(&next.NextNode, d.NextNode)

	to := from
	if d.ClearDebt {
		to = DebtStatusNone
	}
	if d.DebtStatus != nil {
		to = *d.DebtStatus
	}
	if !CanTransition(from, to) {
		return s, &ErrIllegalTransition{From: from, To: to}
	}
	next.DebtStatus = to

	// A newly raised "awaiting" flag wins over the others.
	switch {
	case isTrue(d.AwaitingConfirmation):
		next.RequiresDisambiguation = false
		next.AwaitingDocumentInput = false
	case isTrue(d.RequiresDisambiguation):
		next.AwaitingConfirmation = false
		next.AwaitingDocumentInput = false
	case isTrue(d.AwaitingDocumentInput):
		next.AwaitingConfirmation = false
		next.RequiresDisambiguation = false
	}
	if next.awaitingFlags() > 1 {
		return s, &ErrIllegalTransition{From: from, To: to, Reason: "more than one awaiting flag set"}
	}
	if !next.RequiresDisambiguation {
		next.DisambiguationCandidates = nil
	}

	if next.IsPartialPayment {
		if next.PaymentAmount.GreaterThan(next.TotalDebt) {
			return s, &ErrIllegalTransition{From: from, To: to, Reason: "partial payment exceeds total debt"}
		}
	} else {
		next.PaymentAmount = next.TotalDebt
	}

	if d.ResetErrors {
		next.ErrorCount = 0
	}
	if d.IncrementErrors {
		next.ErrorCount++
	}
	if d.Escalate || next.ErrorBudgetExhausted() {
		next.RequiresHuman = true
		next.IsComplete = true
	}
	return next, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func isTrue(b *bool) bool { return b != nil && *b }

// Touch stamps the state with the time of the turn.
func (s ConversationState) Touch(now time.Time) ConversationState {
	s.UpdatedAt = now.UTC()
	return s
}
