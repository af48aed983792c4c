package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

// PaymentLinkNode creates a checkout for the confirmed amount. It never
// issues the receipt; payment completion arrives through the gateway
// notification.
type PaymentLinkNode struct {
	gateway port.PaymentGateway
	enabled bool
	timeout time.Duration
	logger  *zap.Logger
	// suffix generates the unique tail of the external reference.
	suffix func() string
}

// NewPaymentLinkNode creates the payment link node. A nil gateway behaves
// as a disabled integration.
func NewPaymentLinkNode(gateway port.PaymentGateway, enabled bool, timeout time.Duration, logger *zap.Logger) *PaymentLinkNode {
	return &PaymentLinkNode{
		gateway: gateway,
		enabled: enabled && gateway != nil,
		timeout: timeout,
		logger:  logger,
		suffix:  referenceSuffix,
	}
}

func (n *PaymentLinkNode) ID() domain.NodeID { return domain.NodePaymentLink }

// Execute checks every precondition before touching the gateway.
func (n *PaymentLinkNode) Execute(ctx context.Context, in Input) Result {
	s := in.State
	amount := s.EffectivePaymentAmount()

	switch {
	case !n.enabled:
		return complete(say(OutcomePrecondition, msgPaymentsDisabled))
	case s.DebtStatus != domain.DebtStatusConfirmed:
		return complete(say(OutcomePrecondition, msgConfirmFirst))
	case !s.IsIdentified():
		return complete(say(OutcomePrecondition, msgIdentityMissing))
	case !amount.IsPositive():
		return complete(say(OutcomePrecondition, msgPayAmountInvalid))
	}

	ref := domain.ExternalReference{
		CustomerID: *s.ERPCustomerID,
		DebtID:     s.DebtID,
		Suffix:     n.suffix(),
	}.String()

	callCtx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	pref, err := n.gateway.CreatePreference(callCtx, domain.PreferenceRequest{
		Amount:            amount,
		Description:       fmt.Sprintf("Pago cuenta corriente %s", s.DebtID),
		ExternalReference: ref,
		PayerPhone:        s.CustomerPhone,
		PayerName:         s.CustomerName,
	})
	if err != nil || pref == nil {
		n.logger.Warn("payment preference creation failed",
			observability.Phone(s.CustomerPhone),
			zap.String("external_reference", ref),
			zap.Error(err),
		)
		return externalFailure()
	}

	url := pref.PaymentURL
	if url == "" {
		url = pref.SandboxURL
	}

	r := complete(say("link_created", paymentLinkMessage(amount, url)))
	r.Delta.PaymentPreferenceID = domain.Ptr(pref.PreferenceID)
	r.Delta.PaymentInitPoint = domain.Ptr(url)
	r.Delta.PaymentExternalReference = domain.Ptr(ref)
	r.Delta.DebtStatus = domain.Ptr(domain.DebtStatusPaymentPending)
	r.Delta.AwaitingPayment = domain.Ptr(true)
	return r
}

// referenceSuffix returns 8 hex characters of a random UUID.
func referenceSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
