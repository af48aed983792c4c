package workflow_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"
)

func threeCustomers() []domain.Identity {
	return []domain.Identity{
		{ID: 11, DisplayName: "PEREZ JUAN", Document: "20111222", Phone: "5491155550000"},
		{ID: 0, DisplayName: "CONSUMIDOR FINAL", Document: "1"},
		{ID: 12, DisplayName: "PEREZ MARIA", Document: "21333444"},
		{ID: 13, DisplayName: "PEREZ LUCAS", Document: "40555666"},
	}
}

// A single identity behind the phone identifies the caller.
func TestIdentification_SinglePhoneMatchIdentifies(t *testing.T) {
	h := newHarness(t, true)
	h.identity.byPhone = []domain.Identity{{ID: 7, DisplayName: "GARCIA ANA", Document: "30123456", Phone: "5491155550000"}}

	out := h.turn(t, newState(), "hola")

	if out.State.ERPCustomerID == nil || *out.State.ERPCustomerID != 7 {
		t.Fatalf("expected customer 7, got %v", out.State.ERPCustomerID)
	}
	if out.State.AwaitingDocumentInput {
		t.Error("expected awaitingDocumentInput=false")
	}
	if !out.State.IsSelf {
		t.Error("expected phone owner to be marked as self")
	}
	if out.State.LastGreetingDate != "2026-03-10" {
		t.Errorf("expected greeting date recorded, got %q", out.State.LastGreetingDate)
	}
	if !strings.Contains(texts(out.Messages), "Hola Garcia Ana") {
		t.Errorf("expected greeting, got %q", texts(out.Messages))
	}
	if h.classifier.calls != 0 {
		t.Errorf("identification must not consult the classifier, got %d calls", h.classifier.calls)
	}
}

func TestIdentification_PhoneSearchComesFirst(t *testing.T) {
	h := newHarness(t, true)
	h.identity.byPhone = []domain.Identity{{ID: 7, DisplayName: "GARCIA ANA", Document: "30123456", Phone: "5491155550000"}}

	out := h.turn(t, newState(), "hola, mi dni es 30123456")

	if h.identity.phoneCalls != 1 || h.identity.docCalls != 0 {
		t.Errorf("expected only a phone search, got phone=%d doc=%d", h.identity.phoneCalls, h.identity.docCalls)
	}
	if out.State.ERPCustomerID == nil || *out.State.ERPCustomerID != 7 {
		t.Errorf("expected customer 7, got %v", out.State.ERPCustomerID)
	}
}

func TestIdentification_GreetsOncePerDay(t *testing.T) {
	h := newHarness(t, true)
	h.identity.byPhone = []domain.Identity{{ID: 7, DisplayName: "GARCIA ANA", Document: "30123456"}}

	s := newState()
	s.LastGreetingDate = "2026-03-10"
	out := h.turn(t, s, "hola")

	if strings.Contains(texts(out.Messages), "Hola") {
		t.Errorf("expected no second greeting on the same day, got %q", texts(out.Messages))
	}
}

// Three valid identities trigger disambiguation.
func TestIdentification_Disambiguation(t *testing.T) {
	h := newHarness(t, true)
	h.identity.byPhone = threeCustomers()

	out := h.turn(t, newState(), "hola")
	s := out.State
	if !s.RequiresDisambiguation || len(s.DisambiguationCandidates) != 3 {
		t.Fatalf("expected disambiguation over 3 candidates, got %v / %d", s.RequiresDisambiguation, len(s.DisambiguationCandidates))
	}
	if msg := texts(out.Messages); !strings.Contains(msg, "****3444") || strings.Contains(msg, "21333444") {
		t.Errorf("expected masked documents in the list, got %q", msg)
	}

	invalid := h.turn(t, s, "abc")
	if !invalid.State.RequiresDisambiguation || invalid.State.ERPCustomerID != nil {
		t.Error("non-numeric answer must keep disambiguation open")
	}
	if !strings.Contains(texts(invalid.Messages), "Opción inválida") {
		t.Errorf("expected re-prompt, got %q", texts(invalid.Messages))
	}

	chosen := h.turn(t, s, "2")
	if chosen.State.ERPCustomerID == nil || *chosen.State.ERPCustomerID != s.DisambiguationCandidates[1].ID {
		t.Fatalf("expected candidate index 1, got %v", chosen.State.ERPCustomerID)
	}
	if chosen.State.RequiresDisambiguation || chosen.State.DisambiguationCandidates != nil {
		t.Error("expected disambiguation cleared after selection")
	}
}

func TestDisambiguation_EscapeToDocument(t *testing.T) {
	h := newHarness(t, true)
	s := newState()
	s.RequiresDisambiguation = true
	s.DisambiguationCandidates = threeCustomers()[2:]

	out := h.turn(t, s, "DNI")

	if out.State.RequiresDisambiguation || !out.State.AwaitingDocumentInput {
		t.Errorf("expected switch to document mode, got disamb=%v doc=%v", out.State.RequiresDisambiguation, out.State.AwaitingDocumentInput)
	}
}

// Round trip: any valid 1-based selection resolves to that exact candidate.
func TestDisambiguation_RoundTrip(t *testing.T) {
	h := newHarness(t, true)
	for n := 2; n <= 5; n++ {
		candidates := make([]domain.Identity, n)
		for i := range candidates {
			candidates[i] = domain.Identity{ID: 100 + i, DisplayName: "CLIENTE " + string(rune('A'+i)), Document: "3000000" + string(rune('0'+i))}
		}
		for pick := 1; pick <= n; pick++ {
			s := newState()
			s.RequiresDisambiguation = true
			s.DisambiguationCandidates = candidates

			out := h.turn(t, s, strconv.Itoa(pick))

			if out.State.ERPCustomerID == nil || *out.State.ERPCustomerID != candidates[pick-1].ID {
				t.Fatalf("n=%d pick=%d: got %v", n, pick, out.State.ERPCustomerID)
			}
			if out.State.RequiresDisambiguation {
				t.Fatalf("n=%d pick=%d: disambiguation still open", n, pick)
			}
		}
	}
}

func TestIdentification_DocumentFlow(t *testing.T) {
	h := newHarness(t, true)
	h.identity.byDocument = []domain.Identity{{ID: 21, DisplayName: "LOPEZ RAUL", Document: "30123456"}}

	s := newState()
	s.AwaitingDocumentInput = true

	bad := h.turn(t, s, "no me acuerdo")
	if !bad.State.AwaitingDocumentInput || h.identity.docCalls != 0 {
		t.Fatal("unreadable document must re-prompt without a lookup")
	}
	if bad.State.ErrorCount != 0 {
		t.Error("validation errors must not count against the error budget")
	}

	out := h.turn(t, s, "mi dni es 30.123.456")
	if h.identity.lastDoc != "30123456" {
		t.Errorf("expected normalised document lookup, got %q", h.identity.lastDoc)
	}
	if out.State.ERPCustomerID == nil || *out.State.ERPCustomerID != 21 {
		t.Fatalf("expected customer 21, got %v", out.State.ERPCustomerID)
	}
	if out.State.IsSelf {
		t.Error("identity without matching phone must not be marked as self")
	}
}

func TestIdentification_PublicQueryWithoutIdentity(t *testing.T) {
	h := newHarness(t, true)

	out := h.turn(t, newState(), "¿cuál es el horario?")

	if got := out.Path; len(got) != 2 || got[1] != domain.NodeRespond {
		t.Fatalf("expected identification -> respond, got %v", got)
	}
	if out.State.AwaitingDocumentInput {
		t.Error("public query must not ask for a document")
	}
	if !strings.Contains(texts(out.Messages), "Abrimos de 8 a 22.") {
		t.Errorf("expected generated answer, got %q", texts(out.Messages))
	}
}

func TestIdentification_LookupErrorCountsAgainstBudget(t *testing.T) {
	h := newHarness(t, true)
	h.identity.phoneErr = errBoom

	out := h.turn(t, newState(), "hola")

	if out.State.ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", out.State.ErrorCount)
	}
	if !strings.Contains(texts(out.Messages), "intentarlo de nuevo") {
		t.Errorf("expected retry message, got %q", texts(out.Messages))
	}
}

// Idempotence: identification of an identified caller changes nothing.
func TestIdentification_IdempotentWhenIdentified(t *testing.T) {
	h := newHarness(t, true)
	node := workflow.NewIdentificationNode(h.identity, time.Second, zap.NewNop())
	s := identifiedState(7)

	res := node.Execute(context.Background(), workflow.Input{
		State: s, Message: "30123456", Vocabulary: workflow.DefaultVocabulary(), Now: testNow,
	})

	if !res.Delta.IsEmpty() || len(res.Messages) != 0 || res.Continue != nil {
		t.Fatalf("expected passthrough, got %+v", res)
	}
	next, err := domain.ApplyDelta(s, res.Delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *next.ERPCustomerID != 7 || next.CustomerName != s.CustomerName || next.DebtStatus != s.DebtStatus {
		t.Error("expected unchanged state")
	}
	if h.identity.phoneCalls+h.identity.docCalls+h.identity.createCalls != 0 {
		t.Error("expected no external calls")
	}
}

// Plain confirmation chains into the payment link in one turn.
func TestConfirmation_ChainsToPaymentLink(t *testing.T) {
	h := newHarness(t, true)
	s := pendingState("1000.00")

	node := workflow.NewConfirmationNode(h.balance, true, time.Second, zap.NewNop())
	res := node.Execute(context.Background(), workflow.Input{
		State: s, Message: "si", Vocabulary: workflow.DefaultVocabulary(),
		Decision: workflow.Decision{Node: domain.NodeConfirmation, Reason: workflow.ReasonAffirmative},
		Now:      testNow,
	})
	confirmed, err := domain.ApplyDelta(s, res.Delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if confirmed.DebtStatus != domain.DebtStatusConfirmed {
		t.Errorf("expected confirmed, got %s", confirmed.DebtStatus)
	}
	if !confirmed.PaymentAmount.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("expected payment amount 1000, got %s", confirmed.PaymentAmount)
	}
	if !confirmed.RemainingBalance().IsZero() {
		t.Errorf("expected zero remaining balance, got %s", confirmed.RemainingBalance())
	}
	if confirmed.NextNode != domain.NodePaymentLink || res.Continue == nil || res.Continue.Node != domain.NodePaymentLink {
		t.Errorf("expected continuation to payment link, got next=%q continue=%+v", confirmed.NextNode, res.Continue)
	}
	if confirmed.AwaitingConfirmation {
		t.Error("expected awaitingConfirmation cleared")
	}

	out := h.turn(t, s, "Sí!")
	if len(out.Path) != 2 || out.Path[0] != domain.NodeConfirmation || out.Path[1] != domain.NodePaymentLink {
		t.Fatalf("expected confirmation -> payment_link, got %v", out.Path)
	}
	if out.State.DebtStatus != domain.DebtStatusPaymentPending || !out.State.AwaitingPayment || !out.State.IsComplete {
		t.Errorf("expected payment pending and turn complete, got %+v", out.State)
	}
	if out.State.NextNode != domain.NodePaymentLink {
		t.Errorf("expected nextNode recorded, got %q", out.State.NextNode)
	}
	if h.gateway.calls != 1 || !h.gateway.lastReq.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected one preference for 1000, got %d calls amount %s", h.gateway.calls, h.gateway.lastReq.Amount)
	}
	ref, err := domain.ParseExternalReference(out.State.PaymentExternalReference)
	if err != nil {
		t.Fatalf("invalid external reference %q: %v", out.State.PaymentExternalReference, err)
	}
	if ref.CustomerID != 7 || ref.DebtID != "DEBT-7-20260310" || len(ref.Suffix) != 8 {
		t.Errorf("unexpected reference %+v", ref)
	}
	if !strings.Contains(texts(out.Messages), "https://pay.example/checkout/pref-1") {
		t.Errorf("expected link in messages, got %q", texts(out.Messages))
	}
}

func TestPaymentLink_SuffixAvoidsCollisions(t *testing.T) {
	h := newHarness(t, true)
	s := pendingState("1000.00")

	first := h.turn(t, s, "si")
	second := h.turn(t, s, "si")

	if first.State.PaymentExternalReference == second.State.PaymentExternalReference {
		t.Error("expected distinct external references for repeated links")
	}
}

// Partial payment leaves the rest as remaining balance.
func TestConfirmation_PartialPayment(t *testing.T) {
	h := newHarness(t, true)
	s := pendingState("1000.00")
	s.PaymentAmount = decimal.RequireFromString("400.00")
	s.IsPartialPayment = true

	out := h.turn(t, s, "si")

	if !out.State.RemainingBalance().Equal(decimal.RequireFromString("600")) {
		t.Errorf("expected remaining 600, got %s", out.State.RemainingBalance())
	}
	if !h.gateway.lastReq.Amount.Equal(decimal.RequireFromString("400")) {
		t.Errorf("expected link for 400, got %s", h.gateway.lastReq.Amount)
	}
	if !strings.Contains(texts(out.Messages), "$600,00") {
		t.Errorf("expected remaining balance in summary, got %q", texts(out.Messages))
	}
}

// Three failed balance lookups escalate to a human.
func TestDebtCheck_ErrorBudgetEscalates(t *testing.T) {
	h := newHarness(t, true)
	h.balance.err = errBoom
	s := identifiedState(7)

	for i := 1; i <= 3; i++ {
		out := h.turn(t, s, "cuanto debo")
		s = out.State
		if s.ErrorCount != i {
			t.Fatalf("turn %d: expected error count %d, got %d", i, i, s.ErrorCount)
		}
		if s.AwaitingConfirmation {
			t.Fatalf("turn %d: failed lookup must not await confirmation", i)
		}
	}
	if !s.RequiresHuman || !s.IsComplete {
		t.Fatal("expected escalation after the third failure")
	}

	if d := (workflow.Router{}).Route(s.BeginTurn(), "si", nil, workflow.DefaultVocabulary()); d.Node != domain.NodeTerminate {
		t.Errorf("expected Terminate regardless of content, got %s", d.Node)
	}

	out := h.turn(t, s, "si")
	if len(out.Path) != 1 || out.Path[0] != domain.NodeTerminate {
		t.Errorf("expected terminate, got %v", out.Path)
	}
	if !out.State.RequiresHuman || !out.State.IsComplete {
		t.Error("expected conversation to stay escalated")
	}
	if h.balance.calls != 3 {
		t.Errorf("expected no further lookups, got %d", h.balance.calls)
	}
	if !strings.Contains(texts(out.Messages), "comunicate directamente con la farmacia") {
		t.Errorf("expected escalation copy, got %q", texts(out.Messages))
	}
}

// A document detected upstream skips the document step.
func TestRegistration_SkipsDocumentStep(t *testing.T) {
	h := newHarness(t, true)

	out := h.turn(t, newState(), "hola, soy 30123456")
	if h.identity.phoneCalls != 1 || h.identity.lastDoc != "30123456" {
		t.Fatalf("expected phone then document search, got phone=%d doc=%q", h.identity.phoneCalls, h.identity.lastDoc)
	}
	if out.State.RegistrationStep != domain.RegistrationName || out.State.RegistrationData.Document != "30123456" {
		t.Fatalf("expected registration at name with document captured, got %+v", out.State.RegistrationData)
	}

	tooShort := h.turn(t, out.State, "Al")
	if tooShort.State.RegistrationStep != domain.RegistrationName {
		t.Error("short name must not advance the form")
	}

	named := h.turn(t, out.State, "  Ana   Garcia ")
	if named.State.RegistrationStep != domain.RegistrationConfirm {
		t.Fatalf("expected name -> confirm, got %s", named.State.RegistrationStep)
	}
	if named.State.RegistrationData.Name != "ANA GARCIA" {
		t.Errorf("expected uppercased name, got %q", named.State.RegistrationData.Name)
	}

	done := h.turn(t, named.State, "si")
	if done.State.ERPCustomerID == nil || *done.State.ERPCustomerID != 900 {
		t.Fatalf("expected created customer, got %v", done.State.ERPCustomerID)
	}
	if done.State.RegistrationStep != domain.RegistrationNone || done.State.RegistrationData.Document != "" {
		t.Error("expected registration fields cleared")
	}
	if h.identity.createCalls != 1 {
		t.Errorf("expected one create call, got %d", h.identity.createCalls)
	}
}

func TestRegistration_DocumentStepAndRestart(t *testing.T) {
	h := newHarness(t, true)
	s := newState()
	s.RegistrationStep = domain.RegistrationName

	named := h.turn(t, s, "juan perez")
	if named.State.RegistrationStep != domain.RegistrationDocument {
		t.Fatalf("expected document step, got %s", named.State.RegistrationStep)
	}

	bad := h.turn(t, named.State, "12-34")
	if bad.State.RegistrationStep != domain.RegistrationDocument {
		t.Error("short document must not advance")
	}

	withDoc := h.turn(t, named.State, "DNI 20.111.222")
	if withDoc.State.RegistrationStep != domain.RegistrationConfirm || withDoc.State.RegistrationData.Document != "20111222" {
		t.Fatalf("expected confirm with digits only, got %+v", withDoc.State.RegistrationData)
	}

	unclear := h.turn(t, withDoc.State, "tal vez")
	if unclear.State.RegistrationStep != domain.RegistrationConfirm {
		t.Error("unclear answer must re-prompt")
	}

	restart := h.turn(t, withDoc.State, "no")
	if restart.State.RegistrationStep != domain.RegistrationName || restart.State.RegistrationData.Name != "" || restart.State.RegistrationData.Document != "" {
		t.Errorf("expected reset to name with data cleared, got %+v", restart.State.RegistrationData)
	}
}

func TestRegistration_DuplicateAndUnsupported(t *testing.T) {
	s := newState()
	s.RegistrationStep = domain.RegistrationConfirm
	s.RegistrationData = domain.RegistrationData{Name: "ANA GARCIA", Document: "30123456", Phone: s.CustomerPhone}

	t.Run("duplicate uses existing record", func(t *testing.T) {
		h := newHarness(t, true)
		h.identity.createErr = &domain.ErrDuplicateIdentity{
			Document: "30123456",
			Existing: &domain.Identity{ID: 55, DisplayName: "GARCIA ANA", Document: "30123456"},
		}
		out := h.turn(t, s, "si")
		if out.State.ERPCustomerID == nil || *out.State.ERPCustomerID != 55 {
			t.Fatalf("expected existing customer 55, got %v", out.State.ERPCustomerID)
		}
		if out.State.ErrorCount != 0 {
			t.Error("duplicate is not an error")
		}
	})

	t.Run("unsupported is fatal", func(t *testing.T) {
		h := newHarness(t, true)
		h.identity.createErr = &domain.ErrUnsupported{Operation: "create_customer"}
		out := h.turn(t, s, "si")
		if !out.State.RequiresHuman || !out.State.IsComplete {
			t.Fatal("expected escalation")
		}
		if strings.Count(texts(out.Messages), "comunicate") > 1 {
			t.Errorf("expected a single escalation message, got %q", texts(out.Messages))
		}
	})
}

func TestDebtCheck_PresentsDebt(t *testing.T) {
	h := newHarness(t, true)
	h.balance.snapshot = debtSnapshot("1234.5")

	out := h.turn(t, identifiedState(7), "quiero saber mi saldo")

	s := out.State
	if s.DebtStatus != domain.DebtStatusPending || !s.AwaitingConfirmation {
		t.Fatalf("expected pending debt awaiting confirmation, got %s/%v", s.DebtStatus, s.AwaitingConfirmation)
	}
	if s.DebtID != "DEBT-7-20260310" || !s.TotalDebt.Equal(decimal.RequireFromString("1234.5")) {
		t.Errorf("unexpected debt fields: %q %s", s.DebtID, s.TotalDebt)
	}
	msg := texts(out.Messages)
	for _, want := range []string{"Garcia Ana", "$1.234,50", "Ibuprofeno 400", "2026-03-31", "SI o NO"} {
		if !strings.Contains(msg, want) {
			t.Errorf("summary missing %q: %q", want, msg)
		}
	}
	assertAtMostOneAwaiting(t, s)
}

func TestDebtCheck_NoDebt(t *testing.T) {
	h := newHarness(t, true)

	out := h.turn(t, identifiedState(7), "deuda")

	if !out.State.IsComplete || out.State.AwaitingConfirmation {
		t.Error("no debt must end the turn without awaiting confirmation")
	}
	if !strings.Contains(texts(out.Messages), "No registrás deuda") {
		t.Errorf("unexpected message %q", texts(out.Messages))
	}
}

func TestConfirmation_Rejection(t *testing.T) {
	h := newHarness(t, true)

	out := h.turn(t, pendingState("500"), "No, gracias")

	if len(out.Path) != 1 || out.Path[0] != domain.NodeTerminate {
		t.Fatalf("expected terminate, got %v", out.Path)
	}
	if out.State.DebtStatus != domain.DebtStatusNone || out.State.DebtID != "" || out.State.AwaitingConfirmation {
		t.Errorf("expected debt reset, got %s %q", out.State.DebtStatus, out.State.DebtID)
	}
	if out.State.RequiresHuman {
		t.Error("cancellation is not an escalation")
	}
	if h.gateway.calls != 0 {
		t.Error("rejection must not create a link")
	}
}

func TestConfirmation_OutOfScopeInterrupt(t *testing.T) {
	h := newHarness(t, true)
	h.classifier.result = &domain.IntentResult{Intent: domain.IntentInfo, IsOutOfScope: true}

	out := h.turn(t, pendingState("500"), "a qué hora abren hoy")

	if h.classifier.calls != 1 {
		t.Errorf("expected one classifier call, got %d", h.classifier.calls)
	}
	if len(out.Path) != 2 || out.Path[0] != domain.NodeConfirmation || out.Path[1] != domain.NodeRespond {
		t.Fatalf("expected confirmation -> respond, got %v", out.Path)
	}
	if out.State.AwaitingConfirmation {
		t.Error("expected pending confirmation dropped")
	}
	if out.State.DebtStatus != domain.DebtStatusPending {
		t.Errorf("expected debt untouched, got %s", out.State.DebtStatus)
	}
}

func TestConfirmation_RepromptOnUnclearAnswer(t *testing.T) {
	node := workflow.NewConfirmationNode(&mockBalance{}, true, time.Second, zap.NewNop())
	s := pendingState("500")

	res := node.Execute(context.Background(), workflow.Input{
		State: s, Message: "quizás", Vocabulary: workflow.DefaultVocabulary(), Now: testNow,
	})

	next, err := domain.ApplyDelta(s, res.Delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.AwaitingConfirmation || next.DebtStatus != domain.DebtStatusPending {
		t.Errorf("expected to keep awaiting confirmation, got %v/%s", next.AwaitingConfirmation, next.DebtStatus)
	}
	if !strings.Contains(texts(res.Messages), "SI para confirmar o NO") {
		t.Errorf("expected yes/no prompt, got %q", texts(res.Messages))
	}
}

func TestConfirmation_ConfirmIntentNeedsExplicitYes(t *testing.T) {
	tests := []struct {
		name   string
		intent *domain.IntentResult
		msg    string
	}{
		{"classifier confirm", &domain.IntentResult{Intent: domain.IntentConfirm}, "bueno supongo que esta bien mandalo"},
		{"confirm keyword in a sentence", &domain.IntentResult{Intent: domain.IntentUnknown}, "acepto pero antes quiero ver el detalle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.classifier.result = tt.intent

			out := h.turn(t, pendingState("1000.00"), tt.msg)

			if h.gateway.calls != 0 {
				t.Errorf("expected no payment link, got %d gateway calls", h.gateway.calls)
			}
			if out.State.DebtStatus != domain.DebtStatusPending || !out.State.AwaitingConfirmation {
				t.Errorf("expected debt still awaiting confirmation, got %s/%v", out.State.DebtStatus, out.State.AwaitingConfirmation)
			}
			if len(out.Path) != 1 || out.Path[0] != domain.NodeConfirmation {
				t.Errorf("expected confirmation only, got %v", out.Path)
			}
			if !strings.Contains(texts(out.Messages), "SI para confirmar o NO") {
				t.Errorf("expected yes/no prompt, got %q", texts(out.Messages))
			}
		})
	}
}

func TestConfirmation_NegativeQuestionDoesNotReject(t *testing.T) {
	h := newHarness(t, true)
	h.balance.snapshot = debtSnapshot("500")

	out := h.turn(t, pendingState("500"), "no entiendo")

	if out.State.DebtStatus != domain.DebtStatusPending || out.State.DebtID == "" {
		t.Errorf("expected presented debt kept, got %s %q", out.State.DebtStatus, out.State.DebtID)
	}
	for _, n := range out.Path {
		if n == domain.NodeTerminate {
			t.Fatalf("a question must not cancel the debt, got %v", out.Path)
		}
	}
}

func TestConfirmation_AutoFetchPutsInterimFirst(t *testing.T) {
	h := newHarness(t, true)
	h.balance.snapshot = debtSnapshot("1500")

	out := h.turn(t, identifiedState(7), "confirmo")

	if len(out.Messages) < 2 || !out.Messages[0].Interim || !strings.Contains(out.Messages[0].Text, "consultando tu deuda") {
		t.Fatalf("expected interim message first, got %+v", out.Messages)
	}
	if out.State.DebtStatus != domain.DebtStatusPending || !out.State.AwaitingConfirmation {
		t.Errorf("expected fetched debt presented, got %s", out.State.DebtStatus)
	}

	h.balance.err = errBoom
	failed := h.turn(t, identifiedState(7), "confirmo")
	if !strings.Contains(texts(failed.Messages), "volver a escribir tu consulta") {
		t.Errorf("expected retype fallback, got %q", texts(failed.Messages))
	}
}

func TestPaymentsDisabled_ConfirmationChainsToInvoice(t *testing.T) {
	h := newHarness(t, false)

	out := h.turn(t, pendingState("800"), "dale")

	if len(out.Path) != 2 || out.Path[1] != domain.NodeInvoice {
		t.Fatalf("expected confirmation -> invoice, got %v", out.Path)
	}
	if out.State.DebtStatus != domain.DebtStatusInvoiced || out.State.ReceiptNumber != "R-0001" {
		t.Errorf("expected invoiced with receipt, got %s %q", out.State.DebtStatus, out.State.ReceiptNumber)
	}
	if h.gateway.calls != 0 {
		t.Error("gateway must not be called with payments disabled")
	}
}

func TestInvoice_FailureIsTerminalWithoutRetry(t *testing.T) {
	h := newHarness(t, false)
	h.receipts.err = errBoom

	out := h.turn(t, pendingState("800"), "si")

	if out.State.DebtStatus != domain.DebtStatusConfirmed {
		t.Errorf("expected debt to stay confirmed, got %s", out.State.DebtStatus)
	}
	if out.State.ErrorCount != 1 || !out.State.IsComplete {
		t.Errorf("expected counted terminal failure, got count=%d complete=%v", out.State.ErrorCount, out.State.IsComplete)
	}
	if h.receipts.calls != 1 {
		t.Errorf("expected a single attempt, got %d", h.receipts.calls)
	}
}

func TestRunNode_InvoiceAfterPayment(t *testing.T) {
	h := newHarness(t, true)
	s := pendingState("1000")
	s.AwaitingConfirmation = false
	s.DebtStatus = domain.DebtStatusPaymentPending
	s.AwaitingPayment = true
	s.PaymentAmount = decimal.RequireFromString("400")
	s.IsPartialPayment = true

	out, err := h.engine.RunNode(context.Background(), s, domain.NodeInvoice, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State.DebtStatus != domain.DebtStatusInvoiced || out.State.AwaitingPayment {
		t.Errorf("expected invoiced, got %s", out.State.DebtStatus)
	}
	if !h.receipts.lastAmount.Equal(decimal.RequireFromString("400")) {
		t.Errorf("expected receipt for the agreed amount, got %s", h.receipts.lastAmount)
	}
	if !strings.Contains(texts(out.Messages), "Saldo pendiente: $600,00") {
		t.Errorf("expected remaining balance in receipt message, got %q", texts(out.Messages))
	}

	again, err := h.engine.RunNode(context.Background(), out.State, domain.NodeInvoice, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.receipts.calls != 1 || again.State.ReceiptNumber != "R-0001" {
		t.Error("expected second invoice run to be a no-op")
	}
}

// PaymentLink with an unconfirmed debt never reaches the gateway.
func TestPaymentLink_RequiresConfirmedDebt(t *testing.T) {
	gw := &mockGateway{}
	node := workflow.NewPaymentLinkNode(gw, true, time.Second, zap.NewNop())

	for _, status := range []domain.DebtStatus{
		domain.DebtStatusNone, domain.DebtStatusPending, domain.DebtStatusPaymentPending, domain.DebtStatusInvoiced,
	} {
		s := pendingState("100")
		s.DebtStatus = status
		s.AwaitingConfirmation = false

		res := node.Execute(context.Background(), workflow.Input{State: s, Vocabulary: workflow.DefaultVocabulary(), Now: testNow})

		if !strings.Contains(texts(res.Messages), "confirmes tu deuda") {
			t.Errorf("%s: expected confirm-first message, got %q", status, texts(res.Messages))
		}
		if res.Delta.IncrementErrors || res.Delta.DebtStatus != nil {
			t.Errorf("%s: precondition failure must not touch state", status)
		}
	}
	if gw.calls != 0 {
		t.Errorf("expected no gateway calls, got %d", gw.calls)
	}
}

func TestPaymentLink_Preconditions(t *testing.T) {
	gw := &mockGateway{}
	confirmed := pendingState("100")
	confirmed.DebtStatus = domain.DebtStatusConfirmed

	disabled := workflow.NewPaymentLinkNode(gw, false, time.Second, zap.NewNop())
	res := disabled.Execute(context.Background(), workflow.Input{State: confirmed, Now: testNow})
	if !strings.Contains(texts(res.Messages), "no está disponible") {
		t.Errorf("expected disabled message, got %q", texts(res.Messages))
	}

	enabled := workflow.NewPaymentLinkNode(gw, true, time.Second, zap.NewNop())
	zero := confirmed
	zero.TotalDebt = decimal.Zero
	zero.PaymentAmount = decimal.Zero
	res = enabled.Execute(context.Background(), workflow.Input{State: zero, Now: testNow})
	if !strings.Contains(texts(res.Messages), "No hay un monto") {
		t.Errorf("expected amount message, got %q", texts(res.Messages))
	}

	if gw.calls != 0 {
		t.Errorf("expected no gateway calls, got %d", gw.calls)
	}
}

func TestPaymentLink_GatewayErrorCounts(t *testing.T) {
	h := newHarness(t, true)
	h.gateway.err = errBoom

	out := h.turn(t, pendingState("100"), "si")

	if out.State.DebtStatus != domain.DebtStatusConfirmed || out.State.ErrorCount != 1 {
		t.Errorf("expected confirmed with one error, got %s/%d", out.State.DebtStatus, out.State.ErrorCount)
	}

	retry := h.turn(t, out.State, "quiero pagar")
	if len(retry.Path) != 1 || retry.Path[0] != domain.NodePaymentLink {
		t.Errorf("expected payment keyword to retry the link, got %v", retry.Path)
	}
}

func TestClassifierFailureFallsBackToKeywords(t *testing.T) {
	h := newHarness(t, true)
	h.classifier.err = errors.New("model unavailable")
	h.balance.snapshot = debtSnapshot("50")

	out := h.turn(t, identifiedState(7), "hola que tal")

	if h.classifier.calls != 1 {
		t.Errorf("expected one classifier call, got %d", h.classifier.calls)
	}
	if len(out.Path) != 1 || out.Path[0] != domain.NodeDebtCheck {
		t.Errorf("expected default debt check, got %v", out.Path)
	}
	if out.State.ErrorCount != 0 {
		t.Error("classifier failure must not count against the error budget")
	}
}

// Debt status only moves along the allowed transitions and at most one
// awaiting flag is ever set, across a scripted conversation.
func TestConversationInvariants(t *testing.T) {
	h := newHarness(t, true)
	h.identity.byPhone = threeCustomers()
	h.balance.snapshot = debtSnapshot("300")

	script := []string{"hola", "x", "2", "deuda", "mmm", "no", "cuanto debo", "si", "pagar", "deuda", "gracias"}
	s := newState()
	for _, msg := range script {
		out := h.turn(t, s, msg)
		if !domain.CanTransition(s.DebtStatus, out.State.DebtStatus) {
			t.Fatalf("%q: illegal transition %s -> %s", msg, s.DebtStatus, out.State.DebtStatus)
		}
		assertAtMostOneAwaiting(t, out.State)
		if out.State.IsPartialPayment == false && !out.State.PaymentAmount.Equal(out.State.TotalDebt) {
			t.Fatalf("%q: payment amount drifted from total", msg)
		}
		s = out.State
	}
	if s.DebtStatus != domain.DebtStatusPaymentPending {
		t.Errorf("expected script to end with a payment link, got %s", s.DebtStatus)
	}
}

type loopNode struct{ id domain.NodeID }

func (n loopNode) ID() domain.NodeID { return n.id }

func (n loopNode) Execute(_ context.Context, _ workflow.Input) workflow.Result {
	return workflow.Result{Continue: &workflow.ContinuationRequest{Node: n.id}}
}

func standardNodes(replace workflow.Node) []workflow.Node {
	nodes := []workflow.Node{
		workflow.NewIdentificationNode(&mockIdentity{}, time.Second, zap.NewNop()),
		workflow.NewRegistrationNode(&mockIdentity{}, time.Second, zap.NewNop()),
		workflow.NewDebtCheckNode(&mockBalance{}, time.Second, zap.NewNop()),
		workflow.NewConfirmationNode(&mockBalance{}, true, time.Second, zap.NewNop()),
		workflow.NewPaymentLinkNode(&mockGateway{}, true, time.Second, zap.NewNop()),
		workflow.NewInvoiceNode(&mockReceipts{}, time.Second, zap.NewNop()),
		workflow.NewRespondNode(nil, time.Second, zap.NewNop()),
		workflow.TerminateNode{},
	}
	if replace == nil {
		return nodes
	}
	for i, n := range nodes {
		if n.ID() == replace.ID() {
			nodes[i] = replace
		}
	}
	return nodes
}

func TestEngine_ChainLimit(t *testing.T) {
	engine, err := workflow.NewEngine(workflow.Router{}, standardNodes(loopNode{id: domain.NodeRespond}), nil, time.Second, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	_, err = engine.ProcessTurn(context.Background(), identifiedState(7), "gracias", nil)

	if !errors.Is(err, workflow.ErrChainLimit) {
		t.Fatalf("expected ErrChainLimit, got %v", err)
	}
}

func TestEngine_ValidatesDispatchTable(t *testing.T) {
	nodes := standardNodes(nil)[:7]

	if _, err := workflow.NewEngine(workflow.Router{}, nodes, nil, time.Second, observability.NewMetrics(), zap.NewNop()); err == nil {
		t.Fatal("expected error for missing terminate node")
	}

	dup := append(standardNodes(nil), workflow.TerminateNode{})
	if _, err := workflow.NewEngine(workflow.Router{}, dup, nil, time.Second, observability.NewMetrics(), zap.NewNop()); err == nil {
		t.Fatal("expected error for duplicate node")
	}
}
