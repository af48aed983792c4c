package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
)

const currencyARS = "ARS"

// MercadoPagoClient creates checkout preferences and reads payments back.
// It implements port.PaymentGateway.
type MercadoPagoClient struct {
	ep              endpoint
	notificationURL string
}

// NewMercadoPagoClient creates a new MercadoPagoClient. notificationURL is
// where the gateway posts payment events; empty leaves it to the account
// configuration.
func NewMercadoPagoClient(httpClient *http.Client, baseURL, accessToken, notificationURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *MercadoPagoClient {
	return &MercadoPagoClient{
		ep: endpoint{
			service:    "mercadopago",
			httpClient: httpClient,
			baseURL:    baseURL,
			cb:         cb,
			cfg:        cfg,
			authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+accessToken)
			},
		},
		notificationURL: notificationURL,
	}
}

type mpItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	CurrencyID string      `json:"currency_id"`
	UnitPrice  json.Number `json:"unit_price"`
}

type mpPayer struct {
	Name  string `json:"name,omitempty"`
	Phone struct {
		Number string `json:"number,omitempty"`
	} `json:"phone"`
}

type mpPreferenceRequest struct {
	Items             []mpItem `json:"items"`
	ExternalReference string   `json:"external_reference"`
	NotificationURL   string   `json:"notification_url,omitempty"`
	Payer             mpPayer  `json:"payer"`
}

type mpPreference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type mpPayment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount json.Number `json:"transaction_amount"`
}

// CreatePreference creates a checkout for req.Amount. The external reference
// doubles as idempotency key, so a retried request never creates two
// checkouts.
func (c *MercadoPagoClient) CreatePreference(ctx context.Context, req domain.PreferenceRequest) (*domain.PaymentPreference, error) {
	ctx, span := tracer.Start(ctx, "MercadoPagoClient.CreatePreference")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.external_reference", req.ExternalReference),
		attribute.String("payment.amount", req.Amount.StringFixed(2)),
	)

	if !req.Amount.IsPositive() {
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be positive"}
	}

	body := mpPreferenceRequest{
		Items: []mpItem{{
			Title:      req.Description,
			Quantity:   1,
			CurrencyID: currencyARS,
			UnitPrice:  json.Number(req.Amount.StringFixed(2)),
		}},
		ExternalReference: req.ExternalReference,
		NotificationURL:   c.notificationURL,
	}
	body.Payer.Name = req.PayerName
	body.Payer.Phone.Number = domain.DigitsOnly(req.PayerPhone)

	ep := c.ep
	auth := ep.authorize
	ep.authorize = func(r *http.Request) {
		auth(r)
		r.Header.Set("X-Idempotency-Key", req.ExternalReference)
	}

	var pref mpPreference
	err := ep.call(ctx, func() error {
		pref = mpPreference{}
		return ep.do(ctx, http.MethodPost, "/checkout/preferences", body, &pref, nil)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &domain.PaymentPreference{
		PreferenceID: pref.ID,
		PaymentURL:   pref.InitPoint,
		SandboxURL:   pref.SandboxInitPoint,
	}, nil
}

// GetPayment fetches a payment by id. Webhook bodies are never trusted for
// status or reference; they only carry the id to look up.
func (c *MercadoPagoClient) GetPayment(ctx context.Context, paymentID string) (*domain.PaymentNotification, error) {
	ctx, span := tracer.Start(ctx, "MercadoPagoClient.GetPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	var p mpPayment
	err := c.ep.call(ctx, func() error {
		p = mpPayment{}
		return c.ep.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &p, notFoundAs("payment", paymentID))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	amount := decimal.Zero
	if p.TransactionAmount != "" {
		if a, perr := decimal.NewFromString(p.TransactionAmount.String()); perr == nil {
			amount = a
		}
	}
	id := p.ID.String()
	if id == "" {
		id = paymentID
	}
	return &domain.PaymentNotification{
		PaymentID:         id,
		Status:            p.Status,
		ExternalReference: p.ExternalReference,
		Amount:            amount,
	}, nil
}
