// Package workflow implements the pharmacy conversation engine: a router
// that picks the next node from the conversation state, the nodes that do
// the work, and the engine that applies their deltas.
package workflow

import (
	"context"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

// Input is everything a node may read. State is a copy; nodes never write
// to it and express changes through Result.Delta.
type Input struct {
	State      domain.ConversationState
	Message    string
	Intent     *domain.IntentResult
	Vocabulary *Vocabulary
	Decision   Decision
	Now        time.Time
}

// ContinuationRequest asks the engine to run another node in the same turn.
type ContinuationRequest struct {
	Node   domain.NodeID
	Reason string
}

// Result is what a node hands back to the engine.
type Result struct {
	Delta    domain.Delta
	Messages []domain.OutboundMessage
	Continue *ContinuationRequest
	// Outcome is a short label for metrics and logs ("identified",
	// "external_error", "precondition"...).
	Outcome string
}

// Node is one unit of work in the conversation.
type Node interface {
	ID() domain.NodeID
	Execute(ctx context.Context, in Input) Result
}

// Outcome labels shared across nodes.
const (
	OutcomeOK            = "ok"
	OutcomeExternalError = "external_error"
	OutcomeValidation    = "validation"
	OutcomePrecondition  = "precondition"
	OutcomeFatal         = "fatal"
	OutcomePassthrough   = "passthrough"
)

func externalFailure() Result {
	return Result{
		Delta:    domain.Delta{IncrementErrors: true},
		Messages: []domain.OutboundMessage{domain.Text(msgRetry)},
		Outcome:  OutcomeExternalError,
	}
}

func say(outcome string, texts ...string) Result {
	msgs := make([]domain.OutboundMessage, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, domain.Text(t))
	}
	return Result{Messages: msgs, Outcome: outcome}
}

func complete(r Result) Result {
	r.Delta.IsComplete = domain.Ptr(true)
	return r
}
