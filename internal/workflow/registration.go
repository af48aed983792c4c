package workflow

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

const (
	minNameLength     = 3
	minDocumentDigits = 6
	maxDocumentDigits = 11
)

// RegistrationNode walks a caller unknown to the ERP through
// name → document → confirm and creates the customer.
type RegistrationNode struct {
	lookup  port.IdentityLookup
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistrationNode creates the registration node.
func NewRegistrationNode(lookup port.IdentityLookup, timeout time.Duration, logger *zap.Logger) *RegistrationNode {
	return &RegistrationNode{lookup: lookup, timeout: timeout, logger: logger}
}

func (n *RegistrationNode) ID() domain.NodeID { return domain.NodeRegistration }

// Execute advances the form by one step.
func (n *RegistrationNode) Execute(ctx context.Context, in Input) Result {
	data := in.State.RegistrationData
	if data.Phone == "" {
		data.Phone = in.State.CustomerPhone
	}

	switch in.State.RegistrationStep {
	case domain.RegistrationName:
		return n.name(in, data)
	case domain.RegistrationDocument:
		return n.document(in, data)
	case domain.RegistrationConfirm:
		return n.confirm(ctx, in, data)
	default:
		r := say("start", msgAskName)
		r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationName)
		r.Delta.RegistrationData = &domain.RegistrationData{Phone: data.Phone, Document: data.Document}
		return r
	}
}

func (n *RegistrationNode) name(in Input, data domain.RegistrationData) Result {
	name := strings.Join(strings.Fields(in.Message), " ")
	if countNonSpace(name) < minNameLength {
		return say(OutcomeValidation, msgNameTooShort)
	}
	data.Name = strings.ToUpper(name)

	if data.Document != "" {
		r := say("ask_confirm", registrationSummary(data))
		r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationConfirm)
		r.Delta.RegistrationData = &data
		return r
	}
	r := say("ask_document", msgAskRegDocument)
	r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationDocument)
	r.Delta.RegistrationData = &data
	return r
}

func (n *RegistrationNode) document(in Input, data domain.RegistrationData) Result {
	doc := domain.DigitsOnly(in.Message)
	if len(doc) < minDocumentDigits || len(doc) > maxDocumentDigits {
		return say(OutcomeValidation, msgRegDocInvalid)
	}
	data.Document = doc

	r := say("ask_confirm", registrationSummary(data))
	r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationConfirm)
	r.Delta.RegistrationData = &data
	return r
}

func (n *RegistrationNode) confirm(ctx context.Context, in Input, data domain.RegistrationData) Result {
	switch {
	case in.Vocabulary.IsAffirmative(in.Message):
		return n.create(ctx, in, data)
	case in.Vocabulary.IsNegative(in.Message):
		r := say("restart", msgRegRestart)
		r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationName)
		r.Delta.RegistrationData = &domain.RegistrationData{Phone: data.Phone}
		return r
	default:
		return say(OutcomeValidation, msgRegAnswerYesNo)
	}
}

func (n *RegistrationNode) create(ctx context.Context, in Input, data domain.RegistrationData) Result {
	callCtx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	created, err := n.lookup.Create(callCtx, data.Name, data.Document, data.Phone)
	if err == nil && created != nil {
		id := *created
		if id.DisplayName == "" {
			id.DisplayName = data.Name
		}
		return registered(in, id)
	}
	if err == nil {
		err = &domain.ErrExternalService{Service: "erp", Err: errors.New("empty create response")}
	}

	var dup *domain.ErrDuplicateIdentity
	var unsupported *domain.ErrUnsupported
	switch {
	case errors.As(err, &dup):
		existing, lookupErr := n.existing(callCtx, dup, data.Document)
		if lookupErr != nil {
			n.logger.Warn("duplicate identity could not be resolved",
				observability.Phone(data.Phone),
				zap.Error(lookupErr),
			)
			return externalFailure()
		}
		n.logger.Info("registration matched existing customer",
			observability.Phone(data.Phone),
			zap.Int("erp_customer_id", existing.ID),
		)
		return registered(in, *existing)
	case errors.As(err, &unsupported):
		n.logger.Warn("registration not supported by ERP", observability.Phone(data.Phone))
		r := say(OutcomeFatal, msgRegUnsupported)
		r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationNone)
		r.Delta.Escalate = true
		return r
	default:
		n.logger.Warn("identity creation failed", observability.Phone(data.Phone), zap.Error(err))
		return externalFailure()
	}
}

// existing returns the record behind a duplicate error, searching by
// document when the ERP did not include it.
func (n *RegistrationNode) existing(ctx context.Context, dup *domain.ErrDuplicateIdentity, document string) (*domain.Identity, error) {
	if dup.Existing != nil && dup.Existing.ID > 0 {
		return dup.Existing, nil
	}
	found, err := n.lookup.SearchByDocument(ctx, document)
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		if id.ID > 0 {
			return &id, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "identity", ID: domain.MaskDocument(document)}
}

func registered(in Input, id domain.Identity) Result {
	r := say("registered", registrationDone(id.DisplayName))
	r.Delta.ERPCustomerID = domain.Ptr(id.ID)
	r.Delta.CustomerName = domain.Ptr(id.DisplayName)
	r.Delta.IsSelf = domain.Ptr(true)
	r.Delta.RegistrationStep = domain.Ptr(domain.RegistrationNone)
	r.Delta.RegistrationData = &domain.RegistrationData{}
	r.Delta.LastGreetingDate = domain.Ptr(in.Now.Format("2006-01-02"))
	return r
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
