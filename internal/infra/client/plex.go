package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
)

// PlexClient talks to the pharmacy ERP: customer search and creation,
// current-account balance and receipts. It implements
// port.IdentityLookup, port.BalanceLookup and port.ReceiptService.
type PlexClient struct {
	ep endpoint
}

// NewPlexClient creates a new PlexClient. user and password are sent as
// HTTP basic auth when user is not empty.
func NewPlexClient(httpClient *http.Client, baseURL, user, password string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *PlexClient {
	ep := endpoint{
		service:    "plex",
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}
	if user != "" {
		ep.authorize = func(r *http.Request) { r.SetBasicAuth(user, password) }
	}
	return &PlexClient{ep: ep}
}

type plexCustomer struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Document string `json:"document"`
	Phone    string `json:"phone"`
}

func (c plexCustomer) identity() domain.Identity {
	return domain.Identity{ID: c.ID, DisplayName: c.Name, Document: c.Document, Phone: c.Phone}
}

type plexCustomerList struct {
	Customers []plexCustomer `json:"customers"`
}

type plexCreateRequest struct {
	Name     string `json:"name"`
	Document string `json:"document"`
	Phone    string `json:"phone"`
}

type plexConflict struct {
	Customer *plexCustomer `json:"customer"`
}

type plexBalance struct {
	Reference string          `json:"reference"`
	Total     decimal.Decimal `json:"total"`
	DueDate   string          `json:"due_date"`
	AsOf      string          `json:"as_of"`
	Items     []struct {
		Description   string          `json:"description"`
		Amount        decimal.Decimal `json:"amount"`
		InvoiceNumber string          `json:"invoice_number"`
		Date          string          `json:"date"`
	} `json:"items"`
}

type plexReceiptRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Items  []domain.BalanceItem `json:"items,omitempty"`
}

// SearchByPhone lists the customers registered with phone.
func (c *PlexClient) SearchByPhone(ctx context.Context, phone string) ([]domain.Identity, error) {
	ctx, span := tracer.Start(ctx, "PlexClient.SearchByPhone")
	defer span.End()
	span.SetAttributes(attribute.String("customer.phone", domain.MaskPhone(phone)))

	return c.search(ctx, url.Values{"phone": {domain.DigitsOnly(phone)}})
}

// SearchByDocument lists the customers registered with document.
func (c *PlexClient) SearchByDocument(ctx context.Context, document string) ([]domain.Identity, error) {
	ctx, span := tracer.Start(ctx, "PlexClient.SearchByDocument")
	defer span.End()
	span.SetAttributes(attribute.String("customer.document", domain.MaskDocument(document)))

	return c.search(ctx, url.Values{"document": {domain.DigitsOnly(document)}})
}

func (c *PlexClient) search(ctx context.Context, query url.Values) ([]domain.Identity, error) {
	var list plexCustomerList
	err := c.ep.call(ctx, func() error {
		list = plexCustomerList{}
		return c.ep.do(ctx, http.MethodGet, "/api/customers?"+query.Encode(), nil, &list, notFoundAs("customer", query.Encode()))
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Identity, 0, len(list.Customers))
	for _, cust := range list.Customers {
		out = append(out, cust.identity())
	}
	return out, nil
}

// Create registers a new customer. A 409 carries the existing record and
// becomes ErrDuplicateIdentity; a 501 means the ERP cannot create customers.
func (c *PlexClient) Create(ctx context.Context, name, document, phone string) (*domain.Identity, error) {
	ctx, span := tracer.Start(ctx, "PlexClient.Create")
	defer span.End()
	span.SetAttributes(attribute.String("customer.document", domain.MaskDocument(document)))

	req := plexCreateRequest{Name: name, Document: document, Phone: domain.DigitsOnly(phone)}
	var created plexCustomer

	err := c.ep.call(ctx, func() error {
		return c.ep.do(ctx, http.MethodPost, "/api/customers", req, &created, func(status int, body []byte) error {
			if status != http.StatusConflict {
				return nil
			}
			dup := &domain.ErrDuplicateIdentity{Document: document}
			var conflict plexConflict
			if json.Unmarshal(body, &conflict) == nil && conflict.Customer != nil {
				existing := conflict.Customer.identity()
				dup.Existing = &existing
			}
			return resilience.Permanent(dup)
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	id := created.identity()
	return &id, nil
}

// GetBalance returns the customer's balance at asOf. A customer unknown to
// the accounting module owes nothing.
func (c *PlexClient) GetBalance(ctx context.Context, customerID int, asOf time.Time, detailed bool) (*domain.BalanceSnapshot, error) {
	ctx, span := tracer.Start(ctx, "PlexClient.GetBalance")
	defer span.End()
	span.SetAttributes(attribute.Int("customer.id", customerID))

	query := url.Values{
		"as_of":    {asOf.Format("2006-01-02")},
		"detailed": {strconv.FormatBool(detailed)},
	}
	path := fmt.Sprintf("/api/customers/%d/balance?%s", customerID, query.Encode())

	var bal plexBalance
	err := c.ep.call(ctx, func() error {
		bal = plexBalance{}
		return c.ep.do(ctx, http.MethodGet, path, nil, &bal, notFoundAs("balance", strconv.Itoa(customerID)))
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	snap := &domain.BalanceSnapshot{
		Reference: bal.Reference,
		Total:     bal.Total,
		DueDate:   bal.DueDate,
		AsOf:      bal.AsOf,
	}
	for _, it := range bal.Items {
		snap.Items = append(snap.Items, domain.BalanceItem{
			Description:   it.Description,
			Amount:        it.Amount,
			InvoiceNumber: it.InvoiceNumber,
			Date:          it.Date,
		})
	}
	return snap, nil
}

// CreateReceipt issues a receipt for amount. It is not retried: a timeout
// after the ERP accepted the request would otherwise issue two receipts.
func (c *PlexClient) CreateReceipt(ctx context.Context, customerID int, amount decimal.Decimal, items []domain.BalanceItem) (*domain.Receipt, error) {
	ctx, span := tracer.Start(ctx, "PlexClient.CreateReceipt")
	defer span.End()
	span.SetAttributes(
		attribute.Int("customer.id", customerID),
		attribute.String("amount", amount.StringFixed(2)),
	)

	path := fmt.Sprintf("/api/customers/%d/receipts", customerID)
	var receipt domain.Receipt

	once := c.ep
	once.cfg.MaxRetries = 0
	err := once.call(ctx, func() error {
		return once.do(ctx, http.MethodPost, path, plexReceiptRequest{Amount: amount, Items: items}, &receipt, nil)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &receipt, nil
}
