package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

var tracer = otel.Tracer("workflow")

// MaxChainHops is how many times a node may hand over to another node
// within one turn.
const MaxChainHops = 2

// ErrChainLimit means nodes kept requesting continuations past
// MaxChainHops. It indicates a bug, never user input.
var ErrChainLimit = errors.New("workflow: same-turn chain limit exceeded")

// Outcome is the result of one engine pass.
type Outcome struct {
	State    domain.ConversationState
	Messages []domain.OutboundMessage
	Path     []domain.NodeID
	Intent   *domain.IntentResult
}

// Engine routes a message, runs nodes and merges their deltas. It is safe
// for concurrent use; callers serialise turns of the same conversation.
type Engine struct {
	router     Router
	nodes      map[domain.NodeID]Node
	classifier port.IntentClassifier
	timeout    time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine validates that nodes cover every NodeID exactly once.
// classifier may be nil, in which case keyword fallback is used.
func NewEngine(router Router, nodes []Node, classifier port.IntentClassifier, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) (*Engine, error) {
	table := make(map[domain.NodeID]Node, len(nodes))
	for _, n := range nodes {
		if _, dup := table[n.ID()]; dup {
			return nil, fmt.Errorf("workflow: duplicate node %q", n.ID())
		}
		table[n.ID()] = n
	}
	for _, id := range domain.AllNodes() {
		if _, ok := table[id]; !ok {
			return nil, fmt.Errorf("workflow: no node registered for %q", id)
		}
	}
	return &Engine{
		router:     router,
		nodes:      table,
		classifier: classifier,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Dependencies are the collaborators the standard node set needs.
type Dependencies struct {
	Identity        port.IdentityLookup
	Balance         port.BalanceLookup
	Receipts        port.ReceiptService
	Payments        port.PaymentGateway
	Classifier      port.IntentClassifier
	Responder       port.ResponseGenerator
	PaymentsEnabled bool
	// Timeout bounds every external call.
	Timeout time.Duration
}

// New builds the engine with the standard node set.
func New(deps Dependencies, metrics *observability.Metrics, logger *zap.Logger) (*Engine, error) {
	enabled := deps.PaymentsEnabled && deps.Payments != nil
	nodes := []Node{
		NewIdentificationNode(deps.Identity, deps.Timeout, logger),
		NewRegistrationNode(deps.Identity, deps.Timeout, logger),
		NewDebtCheckNode(deps.Balance, deps.Timeout, logger),
		NewConfirmationNode(deps.Balance, enabled, deps.Timeout, logger),
		NewPaymentLinkNode(deps.Payments, enabled, deps.Timeout, logger),
		NewInvoiceNode(deps.Receipts, deps.Timeout, logger),
		NewRespondNode(deps.Responder, deps.Timeout, logger),
		TerminateNode{},
	}
	return NewEngine(Router{PaymentsEnabled: enabled}, nodes, deps.Classifier, deps.Timeout, metrics, logger)
}

// WithClock replaces the engine clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ProcessTurn runs one inbound message through the workflow. Node failures
// are already folded into the returned state; an error means the turn must
// be discarded (illegal transition, runaway chain).
func (e *Engine) ProcessTurn(ctx context.Context, state domain.ConversationState, msg string, vocab *Vocabulary) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "workflow.ProcessTurn")
	defer span.End()

	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	state = state.BeginTurn()

	var intent *domain.IntentResult
	decision := e.router.Route(state, msg, nil, vocab)
	if decision.NeedsIntent {
		intent = e.classify(ctx, state, msg, vocab)
		decision = e.router.Route(state, msg, intent, vocab)
	}
	span.SetAttributes(
		attribute.String("route.node", string(decision.Node)),
		attribute.String("route.reason", decision.Reason),
	)

	out, err := e.run(ctx, state, decision, msg, intent, vocab)
	out.Intent = intent
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

// RunNode executes a node directly, bypassing the router. Used for
// out-of-band events such as payment notifications.
func (e *Engine) RunNode(ctx context.Context, state domain.ConversationState, node domain.NodeID, vocab *Vocabulary) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "workflow.RunNode")
	defer span.End()
	span.SetAttributes(attribute.String("node", string(node)))

	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if _, ok := e.nodes[node]; !ok {
		return Outcome{State: state}, fmt.Errorf("workflow: unknown node %q", node)
	}
	return e.run(ctx, state.BeginTurn(), Decision{Node: node, Reason: "direct"}, "", nil, vocab)
}

func (e *Engine) run(ctx context.Context, state domain.ConversationState, decision Decision, msg string, intent *domain.IntentResult, vocab *Vocabulary) (Outcome, error) {
	out := Outcome{State: state}
	now := e.now()
	current := decision.Node

	for hops := 0; ; hops++ {
		node := e.nodes[current]
		res := e.execute(ctx, node, Input{
			State:      out.State,
			Message:    msg,
			Intent:     intent,
			Vocabulary: vocab,
			Decision:   decision,
			Now:        now,
		})

		before := out.State
		next, err := domain.ApplyDelta(before, res.Delta)
		if err != nil {
			e.logger.Error("node produced an invalid delta",
				zap.String("node", string(current)),
				zap.Error(err),
			)
			return out, fmt.Errorf("apply %s delta: %w", current, err)
		}
		next.LastNode = current
		out.State = next
		out.Path = append(out.Path, current)
		out.Messages = append(out.Messages, res.Messages...)

		if !before.RequiresHuman && next.RequiresHuman {
			e.metrics.IncrEscalation()
			e.logger.Warn("conversation escalated to a human",
				observability.Phone(next.CustomerPhone),
				zap.String("node", string(current)),
				zap.Int("error_count", next.ErrorCount),
			)
			if !res.Delta.Escalate {
				out.Messages = append(out.Messages, domain.Text(msgEscalation))
			}
			break
		}

		if res.Continue == nil {
			break
		}
		if hops+1 > MaxChainHops {
			return out, fmt.Errorf("%w: %v -> %s", ErrChainLimit, out.Path, res.Continue.Node)
		}
		if _, ok := e.nodes[res.Continue.Node]; !ok {
			return out, fmt.Errorf("workflow: continuation to unknown node %q", res.Continue.Node)
		}
		e.logger.Debug("continuing in the same turn",
			zap.String("from", string(current)),
			zap.String("to", string(res.Continue.Node)),
			zap.String("reason", res.Continue.Reason),
		)
		current = res.Continue.Node
		decision = Decision{Node: current, Reason: res.Continue.Reason}
	}

	out.State = out.State.Touch(now)
	return out, nil
}

func (e *Engine) execute(ctx context.Context, node Node, in Input) Result {
	ctx, span := tracer.Start(ctx, "node."+string(node.ID()))
	defer span.End()

	res := node.Execute(ctx, in)
	if res.Outcome == "" {
		res.Outcome = OutcomeOK
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome))
	if res.Outcome == OutcomeExternalError {
		span.SetStatus(codes.Error, "external call failed")
		e.metrics.IncrExternalError(string(node.ID()))
	}
	e.metrics.IncrNodeExecution(string(node.ID()), res.Outcome)
	return res
}

// classify asks the classifier for an intent. Failures fall back to the
// keyword reading of the message and do not count against the error
// budget: the turn can still be routed.
func (e *Engine) classify(ctx context.Context, state domain.ConversationState, msg string, vocab *Vocabulary) *domain.IntentResult {
	if e.classifier == nil {
		return vocab.FallbackIntent(msg)
	}

	ctx, span := tracer.Start(ctx, "workflow.classify")
	defer span.End()

	callCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.classifier.Analyze(callCtx, msg, domain.FlagsFor(state), state.OrganizationID)
	if err != nil || res == nil {
		e.metrics.IncrExternalError("intent_classifier")
		e.logger.Warn("intent classification failed, using keywords",
			observability.Phone(state.CustomerPhone),
			zap.Error(err),
		)
		return vocab.FallbackIntent(msg)
	}
	span.SetAttributes(
		attribute.String("intent", res.Intent),
		attribute.Bool("out_of_scope", res.IsOutOfScope),
	)
	return res
}
