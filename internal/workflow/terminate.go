package workflow

import (
	"context"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

// TerminateNode ends the conversation: either the customer rejected the
// pending debt, or the error budget is spent and a human takes over.
type TerminateNode struct{}

func (TerminateNode) ID() domain.NodeID { return domain.NodeTerminate }

func (TerminateNode) Execute(_ context.Context, in Input) Result {
	if in.Decision.Cancelled {
		r := complete(say("cancelled", msgCancelled))
		r.Delta.ClearDebt = true
		return r
	}
	r := say("escalated", msgEscalation)
	r.Delta.Escalate = true
	return r
}
