// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the workflow and
// service layers from the ERP, payment gateway, LLM and storage adapters.
package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

// IdentityLookup resolves and creates customer identities in the ERP.
type IdentityLookup interface {
	SearchByPhone(ctx context.Context, phone string) ([]domain.Identity, error)
	SearchByDocument(ctx context.Context, document string) ([]domain.Identity, error)
	// Create returns *domain.ErrDuplicateIdentity when the document is already
	// registered and *domain.ErrUnsupported when the ERP cannot create customers.
	Create(ctx context.Context, name, document, phone string) (*domain.Identity, error)
}

// BalanceLookup queries the customer's current account. A nil snapshot with
// a nil error means the customer owes nothing.
type BalanceLookup interface {
	GetBalance(ctx context.Context, customerID int, asOf time.Time, detailed bool) (*domain.BalanceSnapshot, error)
}

// ReceiptService issues receipts in the ERP.
type ReceiptService interface {
	CreateReceipt(ctx context.Context, customerID int, amount decimal.Decimal, items []domain.BalanceItem) (*domain.Receipt, error)
}

// PaymentGateway creates checkout preferences and reads back payments.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, req domain.PreferenceRequest) (*domain.PaymentPreference, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.PaymentNotification, error)
}

// IntentClassifier maps a message to a coarse intent. Only consulted when
// keyword routing cannot decide.
type IntentClassifier interface {
	Analyze(ctx context.Context, message string, flags domain.IntentFlags, organizationID string) (*domain.IntentResult, error)
}

// ResponseGenerator renders free-form replies. Callers never inspect the text.
type ResponseGenerator interface {
	Generate(ctx context.Context, intent string, state domain.ConversationState, task string) (string, error)
}

// MessageSender delivers outbound text to a customer.
type MessageSender interface {
	Send(ctx context.Context, phone, text string) error
}

// SessionStore persists conversation state between turns.
type SessionStore interface {
	// Load returns *domain.ErrNotFound when no session exists.
	Load(ctx context.Context, key domain.SessionKey) (*domain.ConversationState, error)
	Save(ctx context.Context, state domain.ConversationState) error
	Delete(ctx context.Context, key domain.SessionKey) error
	// FindByReference resolves a payment external reference to its session.
	FindByReference(ctx context.Context, externalReference string) (*domain.SessionKey, error)
}

// VocabularyStore holds per-organization keyword overrides. Empty lists in
// the returned set keep the defaults.
type VocabularyStore interface {
	GetVocabulary(ctx context.Context, organizationID string) (*domain.VocabularySet, error)
	ReplaceVocabulary(ctx context.Context, organizationID string, set domain.VocabularySet) error
}

// DedupStore records processed inbound message ids.
type DedupStore interface {
	// MarkSeen returns false when the id was already recorded.
	MarkSeen(ctx context.Context, messageID, phone string, receivedAt time.Time) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
