package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// POST /v1/conversations/{phone}/messages
// ============================================================

func sendMessageHandler(svc *service.ConversationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/conversations/{phone}/messages")
		defer span.End()

		phone := chi.URLParam(r, "phone")
		if domain.DigitsOnly(phone) == "" {
			writeError(w, http.StatusBadRequest, "phone is required")
			return
		}
		span.SetAttributes(attribute.String("customer.phone", domain.MaskPhone(phone)))

		var req domain.SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		org, ok := organizationFor(ctx, req.OrganizationID)
		if !ok {
			writeError(w, http.StatusForbidden, "token is not valid for this organization")
			return
		}

		turnID := uuid.New().String()
		messageID := req.MessageID
		if messageID == "" {
			messageID = turnID
		}

		start := time.Now()
		result, err := svc.ProcessMessage(ctx, domain.InboundMessage{
			ID:             messageID,
			From:           phone,
			Body:           req.Message,
			OrganizationID: org,
			ReceivedAt:     start,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, toSendMessageResponse(turnID, result, time.Since(start)))
	}
}

func toSendMessageResponse(turnID string, result *domain.TurnResult, latency time.Duration) domain.SendMessageResponse {
	resp := domain.SendMessageResponse{
		TurnID:    turnID,
		Messages:  make([]string, 0, len(result.Messages)),
		Path:      result.Path,
		Duplicate: result.Duplicate,
		LatencyMs: latency.Milliseconds(),
	}
	if resp.Path == nil {
		resp.Path = []domain.NodeID{}
	}
	for _, m := range result.Messages {
		resp.Messages = append(resp.Messages, m.Text)
	}
	if !result.Duplicate {
		resp.DebtStatus = result.State.DebtStatus
		resp.IsComplete = result.State.IsComplete
		resp.RequiresHuman = result.State.RequiresHuman
	}
	return resp
}

// ============================================================
// GET /v1/conversations/{phone}
// ============================================================

func getConversationHandler(svc *service.ConversationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/conversations/{phone}")
		defer span.End()

		phone := chi.URLParam(r, "phone")
		org, ok := organizationFor(ctx, r.URL.Query().Get("organization_id"))
		if !ok {
			writeError(w, http.StatusForbidden, "token is not valid for this organization")
			return
		}

		state, err := svc.GetConversation(ctx, org, phone)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// ============================================================
// DELETE /v1/conversations/{phone}
// ============================================================

func resetConversationHandler(svc *service.ConversationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/conversations/{phone}")
		defer span.End()

		phone := chi.URLParam(r, "phone")
		org, ok := organizationFor(ctx, r.URL.Query().Get("organization_id"))
		if !ok {
			writeError(w, http.StatusForbidden, "token is not valid for this organization")
			return
		}

		if err := svc.ResetConversation(ctx, org, phone); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if claims := ClaimsFromContext(ctx); claims != nil {
			logger.Info("conversation reset by operator",
				zap.String("operator", claims.Sub),
				observability.Phone(phone),
			)
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "conversation reset"})
	}
}

// ============================================================
// GET/PUT /v1/organizations/{org}/vocabulary
// ============================================================

func getVocabularyHandler(vocab *service.VocabularyResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/organizations/{org}/vocabulary")
		defer span.End()

		org, ok := organizationFor(ctx, chi.URLParam(r, "org"))
		if !ok {
			writeError(w, http.StatusForbidden, "token is not valid for this organization")
			return
		}

		set, err := vocab.Overrides(ctx, org)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if set == nil {
			set = &domain.VocabularySet{}
		}
		writeJSON(w, http.StatusOK, set)
	}
}

func putVocabularyHandler(vocab *service.VocabularyResolver, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/organizations/{org}/vocabulary")
		defer span.End()

		org, ok := organizationFor(ctx, chi.URLParam(r, "org"))
		if !ok {
			writeError(w, http.StatusForbidden, "token is not valid for this organization")
			return
		}
		span.SetAttributes(attribute.String("organization.id", org))

		var set domain.VocabularySet
		if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := vocab.Replace(ctx, org, set); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "vocabulary updated", ID: org})
	}
}

// ============================================================
// POST /v1/dev/payments/{reference}/approve (sandbox only)
// ============================================================

func devApprovePaymentHandler(gateway PaymentApprover, svc *service.ConversationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/dev/payments/{reference}/approve")
		defer span.End()

		ref := chi.URLParam(r, "reference")
		paymentID, err := gateway.Approve(ref)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		start := time.Now()
		result, err := svc.HandlePaymentNotification(ctx, paymentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, toSendMessageResponse(paymentID, result, time.Since(start)))
	}
}
