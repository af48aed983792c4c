package domain

import "time"

// InboundMessage is one message received from a customer on any channel.
type InboundMessage struct {
	ID             string    `json:"id"` // provider message id, used for dedup
	From           string    `json:"from"`
	Body           string    `json:"body"`
	OrganizationID string    `json:"organization_id"`
	ReceivedAt     time.Time `json:"received_at"`
}

// OutboundMessage is a user-facing text produced by a node.
type OutboundMessage struct {
	Text string `json:"text"`
	// Interim marks progress notices sent before a slow lookup.
	Interim bool `json:"interim,omitempty"`
}

// Text is a shorthand for a regular outbound message.
func Text(s string) OutboundMessage { return OutboundMessage{Text: s} }

// TurnResult is the outcome of processing one inbound message.
type TurnResult struct {
	Messages  []OutboundMessage `json:"messages"`
	State     ConversationState `json:"state"`
	Path      []NodeID          `json:"path"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

// Intent tags produced by keyword detection or the classifier.
const (
	IntentDebtQuery  = "debt_query"
	IntentConfirm    = "confirm"
	IntentInvoice    = "invoice"
	IntentInfo       = "info"
	IntentGreeting   = "greeting"
	IntentFarewell   = "farewell"
	IntentThanks     = "thanks"
	IntentOutOfScope = "out_of_scope"
	IntentUnknown    = "unknown"
)

// IntentResult is the classifier's reading of a message.
type IntentResult struct {
	Intent       string  `json:"intent"`
	IsOutOfScope bool    `json:"is_out_of_scope"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// IntentFlags is the conversation context passed to the classifier.
type IntentFlags struct {
	AwaitingConfirmation bool       `json:"awaiting_confirmation"`
	IsIdentified         bool       `json:"is_identified"`
	DebtStatus           DebtStatus `json:"debt_status"`
}

// FlagsFor extracts the classifier context from a state.
func FlagsFor(s ConversationState) IntentFlags {
	return IntentFlags{
		AwaitingConfirmation: s.AwaitingConfirmation,
		IsIdentified:         s.IsIdentified(),
		DebtStatus:           s.DebtStatus,
	}
}
