package workflow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

// IdentificationNode resolves the caller to an ERP customer by phone,
// document or a choice among several candidates.
type IdentificationNode struct {
	lookup  port.IdentityLookup
	timeout time.Duration
	logger  *zap.Logger
}

// NewIdentificationNode creates the identification node.
func NewIdentificationNode(lookup port.IdentityLookup, timeout time.Duration, logger *zap.Logger) *IdentificationNode {
	return &IdentificationNode{lookup: lookup, timeout: timeout, logger: logger}
}

func (n *IdentificationNode) ID() domain.NodeID { return domain.NodeIdentification }

// Execute runs the identification sub-flow that matches the state.
func (n *IdentificationNode) Execute(ctx context.Context, in Input) Result {
	s := in.State
	switch {
	case s.IsIdentified():
		return Result{Outcome: OutcomePassthrough}
	case s.RequiresDisambiguation:
		return n.selectCandidate(in)
	case s.AwaitingDocumentInput:
		return n.byDocument(ctx, in)
	}
	return n.byPhone(ctx, in)
}

func (n *IdentificationNode) byPhone(ctx context.Context, in Input) Result {
	callCtx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	found, err := n.lookup.SearchByPhone(callCtx, in.State.CustomerPhone)
	if err != nil {
		n.logger.Warn("identity search by phone failed",
			observability.Phone(in.State.CustomerPhone),
			zap.Error(err),
		)
		return externalFailure()
	}

	valid := domain.FilterValid(found)
	switch len(valid) {
	case 0:
		// The phone is unknown but the first message already carries a
		// document: search by it instead of asking.
		if _, ok := in.Vocabulary.ExtractDocument(in.Message); ok {
			return n.byDocument(ctx, in)
		}
		if in.Vocabulary.IsOutOfScope(in.Message) {
			// Public questions do not need an identity.
			return Result{
				Continue: &ContinuationRequest{Node: domain.NodeRespond, Reason: ReasonOutOfScope},
				Outcome:  "public_query",
			}
		}
		r := say("ask_document", msgAskDocument)
		r.Delta.AwaitingDocumentInput = domain.Ptr(true)
		return r
	case 1:
		return identified(in, valid[0], true)
	default:
		return disambiguate(valid)
	}
}

func (n *IdentificationNode) byDocument(ctx context.Context, in Input) Result {
	doc, ok := in.Vocabulary.ExtractDocument(in.Message)
	if !ok {
		r := say(OutcomeValidation, msgDocumentInvalid)
		r.Delta.AwaitingDocumentInput = domain.Ptr(true)
		return r
	}

	callCtx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	found, err := n.lookup.SearchByDocument(callCtx, doc)
	if err != nil {
		n.logger.Warn("identity search by document failed",
			observability.Phone(in.State.CustomerPhone),
			zap.String("document", domain.MaskDocument(doc)),
			zap.Error(err),
		)
		return externalFailure()
	}

	valid := domain.FilterValid(found)
	switch len(valid) {
	case 0:
		r := say("offer_registration", msgOfferRegister)
		r.Delta.AwaitingDocumentInput = domain.Ptr(false)
		r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationName)
		r.Delta.RegistrationData = &domain.RegistrationData{
			Document: doc,
			Phone:    in.State.CustomerPhone,
		}
		return r
	case 1:
		return identified(in, valid[0], domain.SamePhone(valid[0].Phone, in.State.CustomerPhone))
	default:
		return disambiguate(valid)
	}
}

func (n *IdentificationNode) selectCandidate(in Input) Result {
	candidates := in.State.DisambiguationCandidates
	if len(candidates) == 0 || in.Vocabulary.IsDocumentEscape(in.Message) {
		r := say("document_mode", msgAskDocument)
		r.Delta.RequiresDisambiguation = domain.Ptr(false)
		r.Delta.AwaitingDocumentInput = domain.Ptr(true)
		return r
	}

	choice, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(in.Message), ".")))
	if err != nil || choice < 1 || choice > len(candidates) {
		return say(OutcomeValidation, disambiguationInvalid(len(candidates)))
	}
	c := candidates[choice-1]
	return identified(in, c, domain.SamePhone(c.Phone, in.State.CustomerPhone))
}

// identified resolves the conversation to id, greeting the customer at most
// once per day. A debt or payment question in the same message goes straight
// on to DebtCheck.
func identified(in Input, id domain.Identity, isSelf bool) Result {
	today := in.Now.Format("2006-01-02")
	r := Result{Outcome: "identified"}
	r.Delta.ERPCustomerID = domain.Ptr(id.ID)
	r.Delta.CustomerName = domain.Ptr(id.DisplayName)
	r.Delta.IsSelf = domain.Ptr(isSelf)
	r.Delta.RequiresDisambiguation = domain.Ptr(false)
	r.Delta.AwaitingDocumentInput = domain.Ptr(false)

	if in.State.LastGreetingDate != today {
		r.Messages = append(r.Messages, domain.Text(greeting(id.DisplayName)))
		r.Delta.LastGreetingDate = domain.Ptr(today)
	}

	switch in.Vocabulary.KeywordIntent(in.Message) {
	case domain.IntentDebtQuery, domain.IntentInvoice:
		r.Continue = &ContinuationRequest{Node: domain.NodeDebtCheck, Reason: ReasonDebtIntent}
	default:
		r.Messages = append(r.Messages, domain.Text(identifiedMessage(id.DisplayName)))
	}
	return r
}

func disambiguate(candidates []domain.Identity) Result {
	r := say("disambiguation", disambiguationPrompt(candidates))
	r.Delta.RequiresDisambiguation = domain.Ptr(true)
	r.Delta.DisambiguationCandidates = &candidates
	return r
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
