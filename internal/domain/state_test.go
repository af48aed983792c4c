package domain_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to domain.DebtStatus
		want     bool
	}{
		{domain.DebtStatusNone, domain.DebtStatusPending, true},
		{domain.DebtStatusPending, domain.DebtStatusConfirmed, true},
		{domain.DebtStatusConfirmed, domain.DebtStatusPaymentPending, true},
		{domain.DebtStatusPaymentPending, domain.DebtStatusInvoiced, true},
		{domain.DebtStatusConfirmed, domain.DebtStatusInvoiced, true},
		{domain.DebtStatusPending, domain.DebtStatusNone, true},
		{domain.DebtStatusConfirmed, domain.DebtStatusNone, true},
		{domain.DebtStatusInvoiced, domain.DebtStatusPending, true},
		{domain.DebtStatusPending, domain.DebtStatusPending, true},
		{"", domain.DebtStatusPending, true},

		{domain.DebtStatusPending, domain.DebtStatusPaymentPending, false},
		{domain.DebtStatusNone, domain.DebtStatusConfirmed, false},
		{domain.DebtStatusPaymentPending, domain.DebtStatusNone, false},
		{domain.DebtStatusPaymentPending, domain.DebtStatusConfirmed, false},
		{domain.DebtStatusInvoiced, domain.DebtStatusConfirmed, false},
		{domain.DebtStatusConfirmed, domain.DebtStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := domain.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestApplyDelta_RejectsIllegalTransition(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)

	_, err := domain.ApplyDelta(s, domain.Delta{DebtStatus: domain.Ptr(domain.DebtStatusPaymentPending)})

	var illegal *domain.ErrIllegalTransition
	if !errors.As(err, &illegal) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if illegal.From != domain.DebtStatusNone || illegal.To != domain.DebtStatusPaymentPending {
		t.Errorf("unexpected transition in error: %+v", illegal)
	}
}

func TestApplyDelta_DoesNotMutateInput(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)
	s.DisambiguationCandidates = []domain.Identity{{ID: 1, DisplayName: "A", Document: "12345678"}}
	s.RequiresDisambiguation = true

	next, err := domain.ApplyDelta(s, domain.Delta{
		ERPCustomerID:          domain.Ptr(1),
		RequiresDisambiguation: domain.Ptr(false),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ERPCustomerID != nil || !s.RequiresDisambiguation || len(s.DisambiguationCandidates) != 1 {
		t.Error("input state was mutated")
	}
	if next.DisambiguationCandidates != nil {
		t.Error("expected candidates cleared once disambiguation ends")
	}
}

func TestApplyDelta_AtMostOneAwaitingFlag(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)
	s.AwaitingDocumentInput = true

	next, err := domain.ApplyDelta(s, domain.Delta{
		RequiresDisambiguation:   domain.Ptr(true),
		DisambiguationCandidates: &[]domain.Identity{{ID: 1}, {ID: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.AwaitingDocumentInput {
		t.Error("expected AwaitingDocumentInput cleared by newly raised flag")
	}
	if !next.RequiresDisambiguation {
		t.Error("expected RequiresDisambiguation set")
	}

	_, err = domain.ApplyDelta(s, domain.Delta{
		AwaitingDocumentInput:  domain.Ptr(false),
		AwaitingConfirmation:   domain.Ptr(false),
		RequiresDisambiguation: domain.Ptr(false),
	})
	if err != nil {
		t.Fatalf("clearing all flags must succeed: %v", err)
	}
}

func TestApplyDelta_PaymentAmountFollowsTotal(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)

	next, err := domain.ApplyDelta(s, domain.Delta{
		TotalDebt:     domain.Ptr(decimal.RequireFromString("1000.00")),
		PaymentAmount: domain.Ptr(decimal.RequireFromString("250")),
		DebtStatus:    domain.Ptr(domain.DebtStatusPending),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.PaymentAmount.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("expected payment amount to equal total without partial flag, got %s", next.PaymentAmount)
	}
	if !next.RemainingBalance().IsZero() {
		t.Errorf("expected zero remaining balance, got %s", next.RemainingBalance())
	}
}

func TestApplyDelta_PartialPayment(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)

	next, err := domain.ApplyDelta(s, domain.Delta{
		TotalDebt:        domain.Ptr(decimal.RequireFromString("1000.00")),
		PaymentAmount:    domain.Ptr(decimal.RequireFromString("400.00")),
		IsPartialPayment: domain.Ptr(true),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.RemainingBalance().Equal(decimal.RequireFromString("600")) {
		t.Errorf("expected remaining 600, got %s", next.RemainingBalance())
	}

	_, err = domain.ApplyDelta(s, domain.Delta{
		TotalDebt:        domain.Ptr(decimal.RequireFromString("100")),
		PaymentAmount:    domain.Ptr(decimal.RequireFromString("150")),
		IsPartialPayment: domain.Ptr(true),
	})
	var illegal *domain.ErrIllegalTransition
	if !errors.As(err, &illegal) {
		t.Fatalf("expected partial payment above total to fail, got %v", err)
	}
}

func TestApplyDelta_ErrorBudgetEscalates(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)
	s.ErrorCount = 2

	next, err := domain.ApplyDelta(s, domain.Delta{IncrementErrors: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ErrorCount != 3 {
		t.Errorf("expected error count 3, got %d", next.ErrorCount)
	}
	if !next.RequiresHuman || !next.IsComplete {
		t.Error("expected escalation once the error budget is exhausted")
	}
}

func TestApplyDelta_ClearDebt(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)
	s.DebtStatus = domain.DebtStatusPending
	s.DebtID = "D-1"
	s.TotalDebt = decimal.NewFromInt(10)
	s.PaymentAmount = decimal.NewFromInt(10)
	s.AwaitingConfirmation = true

	next, err := domain.ApplyDelta(s, domain.Delta{ClearDebt: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.DebtStatus != domain.DebtStatusNone || next.DebtID != "" || !next.TotalDebt.IsZero() || next.AwaitingConfirmation {
		t.Errorf("expected debt cleared, got %+v", next)
	}
}

func TestBeginTurn_KeepsEscalatedConversationClosed(t *testing.T) {
	s := domain.NewConversationState("5491100000000", "org-1", 3)
	s.IsComplete = true
	s.NextNode = domain.NodePaymentLink

	if got := s.BeginTurn(); got.IsComplete || got.NextNode != domain.NodeNone {
		t.Errorf("expected per-turn fields reset, got complete=%v next=%q", got.IsComplete, got.NextNode)
	}

	s.RequiresHuman = true
	if got := s.BeginTurn(); !got.IsComplete {
		t.Error("escalated conversation must stay complete")
	}
}

func TestIdentity_IsValidForUse(t *testing.T) {
	tests := []struct {
		name string
		id   domain.Identity
		want bool
	}{
		{"valid", domain.Identity{ID: 7, DisplayName: "GARCIA ANA", Document: "30123456"}, true},
		{"placeholder name", domain.Identity{ID: 1, DisplayName: "Consumidor Final", Document: "30123456"}, false},
		{"blank document", domain.Identity{ID: 2, DisplayName: "PEREZ", Document: " "}, false},
		{"dummy document", domain.Identity{ID: 3, DisplayName: "PEREZ", Document: "1"}, false},
		{"zero document", domain.Identity{ID: 4, DisplayName: "PEREZ", Document: "0000"}, false},
		{"missing id", domain.Identity{DisplayName: "PEREZ", Document: "30123456"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.IsValidForUse(); got != tt.want {
				t.Errorf("IsValidForUse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaskDocument(t *testing.T) {
	if got := domain.MaskDocument("30.123.456"); got != "****3456" {
		t.Errorf("MaskDocument = %q", got)
	}
	if !domain.SamePhone("+5491123456789", "1123456789") {
		t.Error("expected phones to match on trailing digits")
	}
}

func TestExternalReference_RoundTrip(t *testing.T) {
	ref := domain.ExternalReference{CustomerID: 42, DebtID: "FAC:0001", Suffix: "a1b2c3d4"}

	got, err := domain.ParseExternalReference(ref.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != ref {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ref)
	}

	for _, bad := range []string{"", "42", "42:D1", "x:D1:abc", "42::", ":D1:abc"} {
		if _, err := domain.ParseExternalReference(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
