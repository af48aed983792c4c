package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/whatsapp"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

type webhooks struct {
	deps   Dependencies
	logger *zap.Logger
}

// ============================================================
// POST /v1/webhooks/whatsapp
// ============================================================

// whatsapp accepts a Twilio inbound message. The provider only needs an
// acknowledgement; replies are pushed through the REST API.
func (h *webhooks) whatsapp(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /v1/webhooks/whatsapp")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	if h.deps.Signatures != nil && !h.validSignature(r) {
		h.logger.Warn("whatsapp webhook: invalid signature", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	msg := domain.InboundMessage{
		ID:             r.PostForm.Get("MessageSid"),
		From:           whatsapp.FromAddress(r.PostForm.Get("From")),
		Body:           r.PostForm.Get("Body"),
		OrganizationID: r.URL.Query().Get("org"),
		ReceivedAt:     time.Now(),
	}
	span.SetAttributes(attribute.String("message.id", msg.ID))

	if msg.From == "" {
		writeError(w, http.StatusBadRequest, "From is required")
		return
	}
	if strings.TrimSpace(msg.Body) == "" {
		// Media and status callbacks carry no text.
		h.logger.Debug("whatsapp webhook without text ignored", zap.String("message_id", msg.ID))
		writeEmptyTwiML(w)
		return
	}

	h.run(ctx, "whatsapp", func(ctx context.Context) error {
		_, err := h.deps.Conversations.HandleInbound(ctx, msg)
		return err
	}, func(err error) {
		h.logger.Error("inbound turn failed", observability.Phone(msg.From), zap.String("message_id", msg.ID), zap.Error(err))
	})
	writeEmptyTwiML(w)
}

func (h *webhooks) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	url := strings.TrimRight(h.deps.PublicBaseURL, "/") + r.URL.RequestURI()
	return h.deps.Signatures.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}

// ============================================================
// POST /v1/webhooks/payments
// ============================================================

// paymentNotification is the Mercado Pago webhook body. Older IPN
// deliveries put the same data in the query string instead.
type paymentNotification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (h *webhooks) payments(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /v1/webhooks/payments")
	defer span.End()

	kind, paymentID, err := parsePaymentNotification(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body")
		return
	}
	span.SetAttributes(attribute.String("payment.id", paymentID), attribute.String("notification.type", kind))

	if kind != "payment" || paymentID == "" {
		h.logger.Debug("payment webhook ignored", zap.String("type", kind))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	failed := false
	h.run(ctx, "payment", func(ctx context.Context) error {
		_, err := h.deps.Conversations.HandlePaymentNotification(ctx, paymentID)
		return err
	}, func(err error) {
		h.logger.Error("payment notification failed", zap.String("payment_id", paymentID), zap.Error(err))
		if h.deps.SyncWebhooks && domain.IsExternal(err) {
			// Let the gateway retry later.
			handleServiceError(w, err, h.logger)
			failed = true
		}
	})
	if !failed {
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func parsePaymentNotification(r *http.Request) (kind, id string, err error) {
	q := r.URL.Query()
	kind = firstNonEmpty(q.Get("type"), q.Get("topic"))
	id = firstNonEmpty(q.Get("data.id"), q.Get("id"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return "", "", err
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		var n paymentNotification
		if err := json.Unmarshal(body, &n); err != nil {
			return "", "", err
		}
		kind = firstNonEmpty(n.Type, kind)
		id = firstNonEmpty(n.Data.ID, id)
	}
	return kind, id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// run executes a webhook turn. In background mode the turn outlives the
// request, bounded by WebhookTimeout and the bulkhead.
func (h *webhooks) run(ctx context.Context, name string, fn func(context.Context) error, onErr func(error)) {
	if h.deps.SyncWebhooks {
		if err := fn(ctx); err != nil {
			onErr(err)
		}
		return
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.deps.WebhookTimeout)
	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("webhook turn panicked", zap.String("webhook", name), zap.Any("panic", p))
			}
		}()
		if b := h.deps.Bulkhead; b != nil {
			if err := b.Acquire(bg); err != nil {
				onErr(err)
				return
			}
			defer b.Release()
		}
		if err := fn(bg); err != nil {
			onErr(err)
		}
	}()
}
