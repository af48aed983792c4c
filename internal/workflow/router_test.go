package workflow_test

import (
	"testing"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"
)

func TestRouter_PriorityOrder(t *testing.T) {
	vocab := workflow.DefaultVocabulary()
	oos := &domain.IntentResult{Intent: domain.IntentInfo, IsOutOfScope: true}
	unknown := &domain.IntentResult{Intent: domain.IntentUnknown}

	exhausted := identifiedState(7)
	exhausted.ErrorCount = 3
	exhausted.RequiresDisambiguation = true

	disamb := newState()
	disamb.RequiresDisambiguation = true
	disamb.RegistrationStep = domain.RegistrationName

	registering := newState()
	registering.RegistrationStep = domain.RegistrationDocument
	registering.AwaitingDocumentInput = true

	awaitingDoc := newState()
	awaitingDoc.AwaitingDocumentInput = true

	confirmed := pendingState("100")
	confirmed.AwaitingConfirmation = false
	confirmed.DebtStatus = domain.DebtStatusConfirmed

	paymentPending := confirmed
	paymentPending.DebtStatus = domain.DebtStatusPaymentPending

	tests := []struct {
		name      string
		state     domain.ConversationState
		msg       string
		intent    *domain.IntentResult
		payments  bool
		want      domain.NodeID
		cancelled bool
	}{
		{"error budget beats everything", exhausted, "si", nil, true, domain.NodeTerminate, false},
		{"disambiguation beats registration", disamb, "1", nil, true, domain.NodeIdentification, false},
		{"registration beats awaiting document", registering, "30123456", nil, true, domain.NodeRegistration, false},
		{"awaiting document", awaitingDoc, "30123456", nil, true, domain.NodeIdentification, false},
		{"unidentified", newState(), "deuda", nil, true, domain.NodeIdentification, false},
		{"affirmative while confirming", pendingState("100"), "Si", nil, true, domain.NodeConfirmation, false},
		{"negative while confirming", pendingState("100"), "no", nil, true, domain.NodeTerminate, true},
		{"out of scope while confirming", pendingState("100"), "que horario tienen hoy", oos, true, domain.NodeConfirmation, false},
		{"confirmed pays with link", confirmed, "quiero pagar", nil, true, domain.NodePaymentLink, false},
		{"confirmed pays with invoice when payments off", confirmed, "quiero pagar", nil, false, domain.NodeInvoice, false},
		{"invoice keyword before confirmation", pendingState("100"), "mandame la factura por favor", unknown, true, domain.NodePaymentLink, false},
		{"invoice keyword with link issued", paymentPending, "factura", nil, true, domain.NodeDebtCheck, false},
		{"invoice keyword without debt", identifiedState(7), "quiero pagar", nil, true, domain.NodeDebtCheck, false},
		{"confirm keyword", identifiedState(7), "quiero confirmar", nil, true, domain.NodeConfirmation, false},
		{"debt keyword", identifiedState(7), "cuánto debo?", nil, true, domain.NodeDebtCheck, false},
		{"classified debt query", identifiedState(7), "me pasás lo que tengo?", &domain.IntentResult{Intent: domain.IntentDebtQuery}, true, domain.NodeDebtCheck, false},
		{"out of scope", identifiedState(7), "a que hora cierran", oos, true, domain.NodeRespond, false},
		{"default is debt check", identifiedState(7), "hola", unknown, true, domain.NodeDebtCheck, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := workflow.Router{PaymentsEnabled: tt.payments}.Route(tt.state.BeginTurn(), tt.msg, tt.intent, vocab)
			if d.NeedsIntent {
				t.Fatalf("unexpected NeedsIntent")
			}
			if d.Node != tt.want {
				t.Errorf("expected %s, got %s (%s)", tt.want, d.Node, d.Reason)
			}
			if d.Cancelled != tt.cancelled {
				t.Errorf("expected cancelled=%v, got %v", tt.cancelled, d.Cancelled)
			}
		})
	}
}

func TestRouter_NeedsIntentOnlyWithoutIntent(t *testing.T) {
	vocab := workflow.DefaultVocabulary()
	r := workflow.Router{PaymentsEnabled: true}

	for _, s := range []domain.ConversationState{identifiedState(7), pendingState("100")} {
		d := r.Route(s, "tengo una pregunta", nil, vocab)
		if !d.NeedsIntent || d.Node != domain.NodeNone {
			t.Errorf("expected NeedsIntent without a node, got %+v", d)
		}
		d = r.Route(s, "tengo una pregunta", &domain.IntentResult{Intent: domain.IntentUnknown}, vocab)
		if d.NeedsIntent {
			t.Errorf("NeedsIntent must not be set when an intent is supplied")
		}
	}
}

func TestRouter_KeywordsBypassClassification(t *testing.T) {
	d := workflow.Router{}.Route(identifiedState(7), "necesito el recibo", nil, workflow.DefaultVocabulary())

	if d.NeedsIntent || d.Node != domain.NodeDebtCheck {
		t.Errorf("expected keyword routing without classification, got %+v", d)
	}
}

func TestRouter_NilVocabularyUsesDefaults(t *testing.T) {
	d := workflow.Router{}.Route(pendingState("100"), "dale", nil, nil)

	if d.Node != domain.NodeConfirmation {
		t.Errorf("expected confirmation, got %s", d.Node)
	}
}
