package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

// ConfirmationNode interprets the answer to a presented debt. On a yes it
// chains to the settlement node (PaymentLink, or Invoice when online
// payment is off) within the same turn.
type ConfirmationNode struct {
	balance         port.BalanceLookup
	paymentsEnabled bool
	timeout         time.Duration
	logger          *zap.Logger
}

// NewConfirmationNode creates the confirmation node.
func NewConfirmationNode(balance port.BalanceLookup, paymentsEnabled bool, timeout time.Duration, logger *zap.Logger) *ConfirmationNode {
	return &ConfirmationNode{balance: balance, paymentsEnabled: paymentsEnabled, timeout: timeout, logger: logger}
}

func (n *ConfirmationNode) ID() domain.NodeID { return domain.NodeConfirmation }

// Execute handles the yes/no answer. Only an explicit affirmative answer
// confirms; a confirm intent from keywords or the classifier re-prompts.
func (n *ConfirmationNode) Execute(ctx context.Context, in Input) Result {
	s := in.State
	affirmative := in.Vocabulary.IsAffirmative(in.Message)
	negative := !affirmative && in.Vocabulary.IsNegative(in.Message)

	if in.Intent != nil && in.Intent.IsOutOfScope && !affirmative && !negative {
		r := Result{
			Continue: &ContinuationRequest{Node: domain.NodeRespond, Reason: ReasonOutOfScopeInterrupt},
			Outcome:  "out_of_scope",
		}
		r.Delta.AwaitingConfirmation = domain.Ptr(false)
		return r
	}

	switch s.DebtStatus {
	case domain.DebtStatusPaymentPending:
		return complete(say("link_pending", pendingLinkMessage(s.PaymentInitPoint)))
	case domain.DebtStatusNone, domain.DebtStatusInvoiced, "":
		return n.autoFetch(ctx, in)
	}
	if s.DebtID == "" {
		return n.autoFetch(ctx, in)
	}

	switch {
	case affirmative:
		next := n.settlementNode()
		confirmed := s
		confirmed.DebtStatus = domain.DebtStatusConfirmed

		r := say("confirmed", confirmationSummary(confirmed))
		r.Delta.DebtStatus = domain.Ptr(domain.DebtStatusConfirmed)
		r.Delta.AwaitingConfirmation = domain.Ptr(false)
		r.Delta.NextNode = domain.Ptr(next)
		r.Continue = &ContinuationRequest{Node: next, Reason: "confirmed"}
		return r
	case negative:
		return complete(say("rejected", msgRejected))
	default:
		r := say(OutcomeValidation, msgAnswerYesNo)
		if s.DebtStatus == domain.DebtStatusPending {
			r.Delta.AwaitingConfirmation = domain.Ptr(true)
		}
		return r
	}
}

// autoFetch recovers a session that lost its debt: the "please wait" notice
// goes first in the ordered messages, followed by the outcome of the query.
func (n *ConfirmationNode) autoFetch(ctx context.Context, in Input) Result {
	interim := domain.OutboundMessage{Text: msgFetchingDebt, Interim: true}

	snap, res, ok := fetchBalance(ctx, n.balance, n.timeout, n.logger, in)
	if !ok {
		if res.Outcome == OutcomeExternalError {
			res.Messages = []domain.OutboundMessage{domain.Text(msgRetypeQuery)}
		}
		res.Messages = append([]domain.OutboundMessage{interim}, res.Messages...)
		return res
	}

	r := presentDebt(in.State, snap, in.Now)
	r.Messages = append([]domain.OutboundMessage{interim}, r.Messages...)
	r.Outcome = "auto_fetched"
	return r
}

func (n *ConfirmationNode) settlementNode() domain.NodeID {
	if n.paymentsEnabled {
		return domain.NodePaymentLink
	}
	return domain.NodeInvoice
}
