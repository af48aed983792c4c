package workflow

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

const respondTask = "answer_public_query"

// RespondNode answers questions outside the debt flow (opening hours,
// farewells, thanks). It never touches debt fields.
type RespondNode struct {
	generator port.ResponseGenerator
	timeout   time.Duration
	logger    *zap.Logger
}

// NewRespondNode creates the respond node. generator may be nil, in which
// case templated replies are used.
func NewRespondNode(generator port.ResponseGenerator, timeout time.Duration, logger *zap.Logger) *RespondNode {
	return &RespondNode{generator: generator, timeout: timeout, logger: logger}
}

func (n *RespondNode) ID() domain.NodeID { return domain.NodeRespond }

func (n *RespondNode) Execute(ctx context.Context, in Input) Result {
	intent := domain.IntentOutOfScope
	if in.Intent != nil && in.Intent.Intent != "" {
		intent = in.Intent.Intent
	}

	if n.generator != nil {
		callCtx, cancel := withTimeout(ctx, n.timeout)
		defer cancel()

		text, err := n.generator.Generate(callCtx, intent, in.State, respondTask)
		if err == nil && strings.TrimSpace(text) != "" {
			return complete(say("generated", strings.TrimSpace(text)))
		}
		n.logger.Warn("response generation failed, using template",
			zap.String("intent", intent),
			zap.Error(err),
		)
	}
	return complete(say("templated", templatedReply(intent, in.Message)))
}

func templatedReply(intent, msg string) string {
	n := normalize(msg)
	switch {
	case intent == domain.IntentFarewell || strings.Contains(n, "chau") || strings.Contains(n, "adios") || strings.Contains(n, "hasta luego"):
		return "¡Hasta luego! Cuando necesites consultar tu cuenta, escribinos."
	case intent == domain.IntentThanks || strings.Contains(n, "gracias"):
		return "¡De nada! Estamos para ayudarte."
	}
	return msgGenericHelp + " Para otras consultas comunicate directamente con la farmacia."
}
