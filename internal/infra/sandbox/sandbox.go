// Package sandbox is an in-memory ERP and payment gateway for local
// development and the chat simulator. It behaves like the real adapters at
// the port level, including duplicate detection and payment lookups.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

var (
	_ port.IdentityLookup = (*ERP)(nil)
	_ port.BalanceLookup  = (*ERP)(nil)
	_ port.ReceiptService = (*ERP)(nil)
	_ port.PaymentGateway = (*Gateway)(nil)
)

// ERP keeps customers and their current-account balances.
type ERP struct {
	mu        sync.Mutex
	customers map[int]domain.Identity
	balances  map[int]*domain.BalanceSnapshot
	receipts  int
	nextID    int
}

// NewERP creates an empty ERP.
func NewERP() *ERP {
	return &ERP{
		customers: make(map[int]domain.Identity),
		balances:  make(map[int]*domain.BalanceSnapshot),
		nextID:    1000,
	}
}

// NewSeededERP returns an ERP with a few demo customers.
func NewSeededERP() *ERP {
	e := NewERP()
	e.AddCustomer(domain.Identity{ID: 7, DisplayName: "GARCIA ANA", Document: "30123456", Phone: "5491155550000"},
		domain.BalanceItem{Description: "Ibuprofeno 400 x30", Amount: decimal.RequireFromString("4500.00"), InvoiceNumber: "FC-0001"},
		domain.BalanceItem{Description: "Amoxicilina 500 x16", Amount: decimal.RequireFromString("7850.50"), InvoiceNumber: "FC-0002"},
	)
	e.AddCustomer(domain.Identity{ID: 8, DisplayName: "GARCIA JUAN", Document: "28999111", Phone: "5491155550000"})
	e.AddCustomer(domain.Identity{ID: 9, DisplayName: "PEREZ LUIS", Document: "25444555", Phone: "5491166660000"},
		domain.BalanceItem{Description: "Losartan 50 x30", Amount: decimal.RequireFromString("3200.00"), InvoiceNumber: "FC-0003"},
	)
	return e
}

// AddCustomer registers id with the given debt lines.
func (e *ERP) AddCustomer(id domain.Identity, items ...domain.BalanceItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customers[id.ID] = id
	if len(items) > 0 {
		e.setBalanceLocked(id.ID, items)
	}
}

// SetBalance replaces the debt of customerID. No items clears it.
func (e *ERP) SetBalance(customerID int, items ...domain.BalanceItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(items) == 0 {
		delete(e.balances, customerID)
		return
	}
	e.setBalanceLocked(customerID, items)
}

func (e *ERP) setBalanceLocked(customerID int, items []domain.BalanceItem) {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	e.balances[customerID] = &domain.BalanceSnapshot{
		Reference: fmt.Sprintf("CC-%d-%04d", customerID, len(items)),
		Total:     total,
		Items:     append([]domain.BalanceItem(nil), items...),
	}
}

func (e *ERP) SearchByPhone(_ context.Context, phone string) ([]domain.Identity, error) {
	return e.search(func(id domain.Identity) bool { return domain.SamePhone(id.Phone, phone) }), nil
}

func (e *ERP) SearchByDocument(_ context.Context, document string) ([]domain.Identity, error) {
	doc := domain.DigitsOnly(document)
	return e.search(func(id domain.Identity) bool { return domain.DigitsOnly(id.Document) == doc }), nil
}

func (e *ERP) search(match func(domain.Identity) bool) []domain.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Identity
	for _, id := range e.customers {
		if match(id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *ERP) Create(_ context.Context, name, document, phone string) (*domain.Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc := domain.DigitsOnly(document)
	for _, existing := range e.customers {
		if domain.DigitsOnly(existing.Document) == doc {
			ex := existing
			return nil, &domain.ErrDuplicateIdentity{Document: doc, Existing: &ex}
		}
	}
	e.nextID++
	id := domain.Identity{ID: e.nextID, DisplayName: strings.ToUpper(strings.TrimSpace(name)), Document: doc, Phone: domain.DigitsOnly(phone)}
	e.customers[id.ID] = id
	return &id, nil
}

func (e *ERP) GetBalance(_ context.Context, customerID int, asOf time.Time, detailed bool) (*domain.BalanceSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.balances[customerID]
	if !ok {
		return nil, nil
	}
	snap := *b
	snap.AsOf = asOf.Format("2006-01-02")
	snap.DueDate = asOf.AddDate(0, 0, 10).Format("2006-01-02")
	if detailed {
		snap.Items = append([]domain.BalanceItem(nil), b.Items...)
	} else {
		snap.Items = nil
	}
	return &snap, nil
}

// CreateReceipt issues a receipt and lowers the balance by amount.
func (e *ERP) CreateReceipt(_ context.Context, customerID int, amount decimal.Decimal, _ []domain.BalanceItem) (*domain.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.customers[customerID]; !ok {
		return nil, &domain.ErrNotFound{Resource: "customer", ID: fmt.Sprint(customerID)}
	}
	e.receipts++
	if b, ok := e.balances[customerID]; ok {
		rest := b.Total.Sub(amount)
		if rest.IsPositive() {
			b.Total = rest
			b.Items = []domain.BalanceItem{{Description: "Saldo anterior", Amount: rest}}
		} else {
			delete(e.balances, customerID)
		}
	}
	return &domain.Receipt{
		ReceiptNumber: fmt.Sprintf("R-%06d", e.receipts),
		Amount:        amount,
		IssuedAt:      time.Now(),
	}, nil
}

// Gateway is an in-memory checkout. Payments stay pending until Approve is
// called.
type Gateway struct {
	mu       sync.Mutex
	baseURL  string
	payments map[string]*domain.PaymentNotification
	byRef    map[string]string
}

// NewGateway creates a Gateway whose checkout links start with baseURL.
func NewGateway(baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = "https://sandbox.pagos.local/checkout"
	}
	return &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		payments: make(map[string]*domain.PaymentNotification),
		byRef:    make(map[string]string),
	}
}

func (g *Gateway) CreatePreference(_ context.Context, req domain.PreferenceRequest) (*domain.PaymentPreference, error) {
	if !req.Amount.IsPositive() {
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be positive"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.byRef[req.ExternalReference]; ok {
		return g.preference(id), nil
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	g.payments[id] = &domain.PaymentNotification{
		PaymentID:         id,
		Status:            domain.PaymentStatusPending,
		ExternalReference: req.ExternalReference,
		Amount:            req.Amount,
	}
	g.byRef[req.ExternalReference] = id
	return g.preference(id), nil
}

func (g *Gateway) preference(id string) *domain.PaymentPreference {
	url := g.baseURL + "/" + id
	return &domain.PaymentPreference{PreferenceID: "pref-" + id, PaymentURL: url, SandboxURL: url}
}

func (g *Gateway) GetPayment(_ context.Context, paymentID string) (*domain.PaymentNotification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: paymentID}
	}
	c := *p
	return &c, nil
}

// Approve marks the payment behind externalReference as approved and
// returns its id, as the gateway webhook would announce it.
func (g *Gateway) Approve(externalReference string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byRef[externalReference]
	if !ok {
		return "", &domain.ErrNotFound{Resource: "payment_reference", ID: externalReference}
	}
	g.payments[id].Status = domain.PaymentStatusApproved
	return id, nil
}
