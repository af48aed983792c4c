package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

// InvoiceNode issues the ERP receipt for a confirmed debt, either right
// after confirmation (no online payment) or when the gateway reports the
// payment as approved.
type InvoiceNode struct {
	receipts port.ReceiptService
	timeout  time.Duration
	logger   *zap.Logger
}

// NewInvoiceNode creates the invoice node.
func NewInvoiceNode(receipts port.ReceiptService, timeout time.Duration, logger *zap.Logger) *InvoiceNode {
	return &InvoiceNode{receipts: receipts, timeout: timeout, logger: logger}
}

func (n *InvoiceNode) ID() domain.NodeID { return domain.NodeInvoice }

// Execute creates the receipt. It never retries on its own.
func (n *InvoiceNode) Execute(ctx context.Context, in Input) Result {
	s := in.State
	amount := s.EffectivePaymentAmount()

	switch {
	case s.DebtStatus == domain.DebtStatusInvoiced:
		return complete(say("already_invoiced",
			fmt.Sprintf("Ya emitimos el comprobante N° %s para este pago.", s.ReceiptNumber)))
	case s.DebtStatus != domain.DebtStatusConfirmed && s.DebtStatus != domain.DebtStatusPaymentPending:
		return complete(say(OutcomePrecondition, msgInvoiceNotReady))
	case !s.IsIdentified():
		return complete(say(OutcomePrecondition, msgIdentityMissing))
	case !amount.IsPositive():
		return complete(say(OutcomePrecondition, msgInvoiceAmount))
	}

	var items []domain.BalanceItem
	if s.DebtData != nil {
		items = s.DebtData.Items
	}

	callCtx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	receipt, err := n.receipts.CreateReceipt(callCtx, *s.ERPCustomerID, amount, items)
	if err != nil || receipt == nil {
		n.logger.Error("receipt creation failed",
			zap.Int("erp_customer_id", *s.ERPCustomerID),
			zap.String("debt_id", s.DebtID),
			zap.Error(err),
		)
		r := complete(say(OutcomeExternalError, msgInvoiceFailed))
		r.Delta.IncrementErrors = true
		return r
	}

	r := complete(say("invoiced", receiptMessage(receipt.ReceiptNumber, amount, s.RemainingBalance())))
	r.Delta.ReceiptNumber = domain.Ptr(receipt.ReceiptNumber)
	r.Delta.DebtStatus = domain.Ptr(domain.DebtStatusInvoiced)
	r.Delta.AwaitingPayment = domain.Ptr(false)
	return r
}
