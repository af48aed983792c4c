package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

// DebtCheckNode fetches the customer's balance and presents it for
// confirmation.
type DebtCheckNode struct {
	balance port.BalanceLookup
	timeout time.Duration
	logger  *zap.Logger
}

// NewDebtCheckNode creates the debt check node.
func NewDebtCheckNode(balance port.BalanceLookup, timeout time.Duration, logger *zap.Logger) *DebtCheckNode {
	return &DebtCheckNode{balance: balance, timeout: timeout, logger: logger}
}

func (n *DebtCheckNode) ID() domain.NodeID { return domain.NodeDebtCheck }

// Execute presents the current debt, or where the customer stands when a
// debt is already confirmed or has a payment link.
func (n *DebtCheckNode) Execute(ctx context.Context, in Input) Result {
	s := in.State
	if !s.IsIdentified() {
		return complete(say("identity_missing", msgIdentityMissing))
	}

	switch s.DebtStatus {
	case domain.DebtStatusPaymentPending:
		return complete(say("link_pending", pendingLinkMessage(s.PaymentInitPoint)))
	case domain.DebtStatusConfirmed:
		return complete(say("already_confirmed", alreadyConfirmed(s)))
	}

	snap, res, ok := fetchBalance(ctx, n.balance, n.timeout, n.logger, in)
	if !ok {
		return res
	}
	return presentDebt(s, snap, in.Now)
}

// fetchBalance queries the ERP. When ok is false, res is the result to
// return (external failure or no debt).
func fetchBalance(ctx context.Context, balance port.BalanceLookup, timeout time.Duration, logger *zap.Logger, in Input) (*domain.BalanceSnapshot, Result, bool) {
	s := in.State
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	snap, err := balance.GetBalance(callCtx, *s.ERPCustomerID, in.Now, true)
	if err != nil {
		logger.Warn("balance lookup failed",
			zap.Int("erp_customer_id", *s.ERPCustomerID),
			zap.Error(err),
		)
		return nil, externalFailure(), false
	}
	if !snap.HasDebt() {
		r := complete(say("no_debt", msgNoDebt))
		if s.DebtStatus == domain.DebtStatusPending {
			r.Delta.ClearDebt = true
		}
		return nil, r, false
	}
	return snap, Result{}, true
}

// presentDebt stores a fresh snapshot and asks for confirmation. A settled
// cycle (invoiced) is cleared first so no stale payment data survives.
func presentDebt(s domain.ConversationState, snap *domain.BalanceSnapshot, now time.Time) Result {
	r := say("debt_presented", debtSummary(s.CustomerName, snap))
	r.Delta.ClearDebt = s.DebtStatus == domain.DebtStatusInvoiced
	r.Delta.DebtID = domain.Ptr(domain.DebtIDFor(*s.ERPCustomerID, snap, now))
	r.Delta.DebtData = snap
	r.Delta.TotalDebt = domain.Ptr(snap.Total)
	r.Delta.PaymentAmount = domain.Ptr(snap.Total)
	r.Delta.IsPartialPayment = domain.Ptr(false)
	r.Delta.DebtStatus = domain.Ptr(domain.DebtStatusPending)
	r.Delta.AwaitingConfirmation = domain.Ptr(true)
	return r
}
