package workflow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"
)

// --- Mocks ---

var errBoom = &domain.ErrExternalService{Service: "erp", Err: errors.New("connection refused")}

type mockIdentity struct {
	byPhone    []domain.Identity
	byDocument []domain.Identity
	phoneErr   error
	docErr     error
	created    *domain.Identity
	createErr  error

	phoneCalls  int
	docCalls    int
	createCalls int
	lastDoc     string
}

func (m *mockIdentity) SearchByPhone(_ context.Context, _ string) ([]domain.Identity, error) {
	m.phoneCalls++
	return m.byPhone, m.phoneErr
}

func (m *mockIdentity) SearchByDocument(_ context.Context, doc string) ([]domain.Identity, error) {
	m.docCalls++
	m.lastDoc = doc
	return m.byDocument, m.docErr
}

func (m *mockIdentity) Create(_ context.Context, name, doc, phone string) (*domain.Identity, error) {
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	if m.created != nil {
		return m.created, nil
	}
	return &domain.Identity{ID: 900, DisplayName: name, Document: doc, Phone: phone}, nil
}

type mockBalance struct {
	snapshot *domain.BalanceSnapshot
	err      error
	calls    int
}

func (m *mockBalance) GetBalance(_ context.Context, _ int, _ time.Time, _ bool) (*domain.BalanceSnapshot, error) {
	m.calls++
	return m.snapshot, m.err
}

type mockReceipts struct {
	number     string
	err        error
	calls      int
	lastAmount decimal.Decimal
}

func (m *mockReceipts) CreateReceipt(_ context.Context, _ int, amount decimal.Decimal, _ []domain.BalanceItem) (*domain.Receipt, error) {
	m.calls++
	m.lastAmount = amount
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Receipt{ReceiptNumber: m.number, Amount: amount}, nil
}

type mockGateway struct {
	err     error
	calls   int
	lastReq domain.PreferenceRequest
}

func (m *mockGateway) CreatePreference(_ context.Context, req domain.PreferenceRequest) (*domain.PaymentPreference, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &domain.PaymentPreference{PreferenceID: "pref-1", PaymentURL: "https://pay.example/checkout/pref-1"}, nil
}

func (m *mockGateway) GetPayment(_ context.Context, id string) (*domain.PaymentNotification, error) {
	return nil, &domain.ErrNotFound{Resource: "payment", ID: id}
}

type mockClassifier struct {
	result *domain.IntentResult
	err    error
	calls  int
}

func (m *mockClassifier) Analyze(_ context.Context, _ string, _ domain.IntentFlags, _ string) (*domain.IntentResult, error) {
	m.calls++
	return m.result, m.err
}

type mockGenerator struct {
	text string
	err  error
}

func (m *mockGenerator) Generate(_ context.Context, _ string, _ domain.ConversationState, _ string) (string, error) {
	return m.text, m.err
}

// --- Helpers ---

var testNow = time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)

type harness struct {
	identity   *mockIdentity
	balance    *mockBalance
	receipts   *mockReceipts
	gateway    *mockGateway
	classifier *mockClassifier
	generator  *mockGenerator
	engine     *workflow.Engine
}

func newHarness(t *testing.T, paymentsEnabled bool) *harness {
	t.Helper()
	h := &harness{
		identity:   &mockIdentity{},
		balance:    &mockBalance{},
		receipts:   &mockReceipts{number: "R-0001"},
		gateway:    &mockGateway{},
		classifier: &mockClassifier{result: &domain.IntentResult{Intent: domain.IntentUnknown}},
		generator:  &mockGenerator{text: "Abrimos de 8 a 22."},
	}
	engine, err := workflow.New(workflow.Dependencies{
		Identity:        h.identity,
		Balance:         h.balance,
		Receipts:        h.receipts,
		Payments:        h.gateway,
		Classifier:      h.classifier,
		Responder:       h.generator,
		PaymentsEnabled: paymentsEnabled,
		Timeout:         time.Second,
	}, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	h.engine = engine.WithClock(func() time.Time { return testNow })
	return h
}

func (h *harness) turn(t *testing.T, s domain.ConversationState, msg string) workflow.Outcome {
	t.Helper()
	out, err := h.engine.ProcessTurn(context.Background(), s, msg, nil)
	if err != nil {
		t.Fatalf("ProcessTurn(%q): %v", msg, err)
	}
	return out
}

func newState() domain.ConversationState {
	return domain.NewConversationState("5491155550000", "org-1", 3)
}

func identifiedState(id int) domain.ConversationState {
	s := newState()
	s.ERPCustomerID = &id
	s.CustomerName = "GARCIA ANA"
	s.LastGreetingDate = testNow.Format("2006-01-02")
	return s
}

// pendingState is an identified customer with a presented, unconfirmed debt.
func pendingState(total string) domain.ConversationState {
	s := identifiedState(7)
	amount := decimal.RequireFromString(total)
	s.DebtID = "DEBT-7-20260310"
	s.DebtData = &domain.BalanceSnapshot{Total: amount}
	s.TotalDebt = amount
	s.PaymentAmount = amount
	s.DebtStatus = domain.DebtStatusPending
	s.AwaitingConfirmation = true
	return s
}

func debtSnapshot(total string) *domain.BalanceSnapshot {
	return &domain.BalanceSnapshot{
		Total:   decimal.RequireFromString(total),
		DueDate: "2026-03-31",
		Items: []domain.BalanceItem{
			{Description: "Ibuprofeno 400", Amount: decimal.RequireFromString(total), InvoiceNumber: "FC-0001-00001234"},
		},
	}
}

func texts(msgs []domain.OutboundMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n---\n")
}

func assertAtMostOneAwaiting(t *testing.T, s domain.ConversationState) {
	t.Helper()
	n := 0
	for _, f := range []bool{s.AwaitingConfirmation, s.RequiresDisambiguation, s.AwaitingDocumentInput} {
		if f {
			n++
		}
	}
	if n > 1 {
		t.Fatalf("more than one awaiting flag set: confirm=%v disamb=%v doc=%v",
			s.AwaitingConfirmation, s.RequiresDisambiguation, s.AwaitingDocumentInput)
	}
}
