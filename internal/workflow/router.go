package workflow

import (
	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

// Decision is the router's answer for one pass.
type Decision struct {
	Node   domain.NodeID
	Reason string
	// Cancelled is set when the customer rejected a pending confirmation.
	Cancelled bool
	// NeedsIntent asks the caller to classify the message and route again.
	// It is never set when an intent was supplied.
	NeedsIntent bool
}

// Routing reasons.
const (
	ReasonErrorBudget         = "error_budget_exhausted"
	ReasonDisambiguation      = "awaiting_disambiguation"
	ReasonRegistration        = "registration_in_progress"
	ReasonAwaitingDocument    = "awaiting_document"
	ReasonUnidentified        = "unidentified"
	ReasonAffirmative         = "affirmative"
	ReasonRejected            = "rejected"
	ReasonOutOfScopeInterrupt = "out_of_scope_while_confirming"
	ReasonConfirmedPayment    = "confirmed_payment_keyword"
	ReasonInvoiceIntent       = "invoice_intent"
	ReasonConfirmIntent       = "confirm_intent"
	ReasonDebtIntent          = "debt_intent"
	ReasonOutOfScope          = "out_of_scope"
	ReasonDefault             = "default_debt_query"
	ReasonClassify            = "needs_classification"
)

// Router decides which node handles a message. It has no side effects.
type Router struct {
	// PaymentsEnabled selects PaymentLink over Invoice after a confirmation.
	PaymentsEnabled bool
}

// Route applies the routing rules in priority order; the first match wins.
func (r Router) Route(s domain.ConversationState, msg string, intent *domain.IntentResult, vocab *Vocabulary) Decision {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}

	switch {
	case s.ErrorBudgetExhausted():
		return Decision{Node: domain.NodeTerminate, Reason: ReasonErrorBudget}
	case s.RequiresDisambiguation:
		return Decision{Node: domain.NodeIdentification, Reason: ReasonDisambiguation}
	case s.InRegistration():
		return Decision{Node: domain.NodeRegistration, Reason: ReasonRegistration}
	case s.AwaitingDocumentInput:
		return Decision{Node: domain.NodeIdentification, Reason: ReasonAwaitingDocument}
	case !s.IsIdentified():
		return Decision{Node: domain.NodeIdentification, Reason: ReasonUnidentified}
	}

	if s.AwaitingConfirmation {
		switch {
		case vocab.IsAffirmative(msg):
			return Decision{Node: domain.NodeConfirmation, Reason: ReasonAffirmative}
		case vocab.IsNegative(msg):
			return Decision{Node: domain.NodeTerminate, Reason: ReasonRejected, Cancelled: true}
		case intent == nil:
			return Decision{NeedsIntent: true, Reason: ReasonClassify}
		case intent.IsOutOfScope:
			// Confirmation drops the pending question and hands over to Respond.
			return Decision{Node: domain.NodeConfirmation, Reason: ReasonOutOfScopeInterrupt}
		}
	}

	if s.DebtStatus == domain.DebtStatusConfirmed && vocab.MentionsInvoice(msg) {
		return Decision{Node: r.settlementNode(), Reason: ReasonConfirmedPayment}
	}

	kw := vocab.KeywordIntent(msg)
	if kw == "" && intent != nil {
		kw = intent.Intent
	}
	switch kw {
	case domain.IntentInvoice:
		return r.routeInvoice(s)
	case domain.IntentConfirm:
		return Decision{Node: domain.NodeConfirmation, Reason: ReasonConfirmIntent}
	case domain.IntentDebtQuery:
		return Decision{Node: domain.NodeDebtCheck, Reason: ReasonDebtIntent}
	}

	switch {
	case intent == nil:
		return Decision{NeedsIntent: true, Reason: ReasonClassify}
	case intent.IsOutOfScope:
		return Decision{Node: domain.NodeRespond, Reason: ReasonOutOfScope}
	}
	return Decision{Node: domain.NodeDebtCheck, Reason: ReasonDefault}
}

// routeInvoice handles a payment/receipt request outside the confirmed state.
func (r Router) routeInvoice(s domain.ConversationState) Decision {
	switch s.DebtStatus {
	case domain.DebtStatusConfirmed, domain.DebtStatusPending:
		// A pending debt reaches the node so it can ask for confirmation first.
		return Decision{Node: r.settlementNode(), Reason: ReasonInvoiceIntent}
	default:
		// Nothing presented yet, a link already issued, or a settled cycle:
		// DebtCheck shows where the customer stands.
		return Decision{Node: domain.NodeDebtCheck, Reason: ReasonInvoiceIntent}
	}
}

func (r Router) settlementNode() domain.NodeID {
	if r.PaymentsEnabled {
		return domain.NodePaymentLink
	}
	return domain.NodeInvoice
}
