// Package service orchestrates conversation turns: deduplication,
// per-conversation serialisation, session persistence, the workflow engine
// and outbound delivery.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"
)

var tracer = otel.Tracer("service/conversation")

// Options tune the conversation service.
type Options struct {
	// DefaultOrganizationID is used when a message carries none.
	DefaultOrganizationID string
	// MaxErrors is the error budget of new conversations.
	MaxErrors int
}

// ConversationService runs turns for every channel. Turns of the same
// conversation are serialised; distinct conversations run concurrently.
type ConversationService struct {
	engine   *workflow.Engine
	sessions port.SessionStore
	dedup    port.DedupStore
	sender   port.MessageSender
	payments port.PaymentGateway
	vocab    *VocabularyResolver
	locks    *resilience.KeyedLock
	opts     Options
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewConversationService wires the service. dedup, sender and payments may
// be nil: no deduplication, no push delivery, no payment notifications.
func NewConversationService(
	engine *workflow.Engine,
	sessions port.SessionStore,
	dedup port.DedupStore,
	sender port.MessageSender,
	payments port.PaymentGateway,
	vocab *VocabularyResolver,
	opts Options,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ConversationService {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = domain.DefaultMaxErrors
	}
	return &ConversationService{
		engine:   engine,
		sessions: sessions,
		dedup:    dedup,
		sender:   sender,
		payments: payments,
		vocab:    vocab,
		locks:    resilience.NewKeyedLock(),
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleInbound processes a channel message and pushes the replies through
// the message sender, in order.
func (s *ConversationService) HandleInbound(ctx context.Context, msg domain.InboundMessage) (*domain.TurnResult, error) {
	return s.handle(ctx, msg, true)
}

// ProcessMessage processes a message and returns the replies without
// sending them. Used by synchronous API callers.
func (s *ConversationService) ProcessMessage(ctx context.Context, msg domain.InboundMessage) (*domain.TurnResult, error) {
	return s.handle(ctx, msg, false)
}

func (s *ConversationService) handle(ctx context.Context, msg domain.InboundMessage, deliver bool) (*domain.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.HandleInbound")
	defer span.End()

	start := time.Now()
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.From == "" {
		return nil, &domain.ErrValidation{Field: "from", Message: "required"}
	}
	if msg.Body == "" {
		return nil, &domain.ErrValidation{Field: "body", Message: "empty message"}
	}
	if msg.OrganizationID == "" {
		msg.OrganizationID = s.opts.DefaultOrganizationID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = start
	}
	span.SetAttributes(
		attribute.String("organization.id", msg.OrganizationID),
		attribute.String("message.id", msg.ID),
	)

	if s.isDuplicate(ctx, msg) {
		s.metrics.IncrDuplicate()
		s.logger.Info("duplicate inbound message dropped",
			observability.Phone(msg.From),
			zap.String("message_id", msg.ID),
		)
		return &domain.TurnResult{Duplicate: true}, nil
	}

	key := domain.SessionKey{OrganizationID: msg.OrganizationID, Phone: msg.From}
	unlock, err := s.locks.Lock(ctx, lockKey(key))
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.loadOrCreate(ctx, key)
	if err != nil {
		s.metrics.IncrTurn("error")
		return nil, err
	}

	vocab := s.vocab.Resolve(ctx, msg.OrganizationID)
	out, err := s.engine.ProcessTurn(ctx, state, msg.Body, vocab)
	if err != nil {
		s.metrics.IncrTurn("error")
		span.RecordError(err)
		s.logger.Error("turn discarded",
			observability.Phone(msg.From),
			zap.Any("path", out.Path),
			zap.Error(err),
		)
		return nil, err
	}

	result, err := s.finish(ctx, out, deliver)
	if err != nil {
		return nil, err
	}
	if s.dedup != nil && msg.ID != "" {
		if err := s.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			s.logger.Warn("failed to mark message processed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	s.metrics.RecordTurnDuration(string(out.State.LastNode), time.Since(start))
	s.logger.Info("turn processed",
		observability.Phone(msg.From),
		zap.Any("path", out.Path),
		zap.String("debt_status", string(out.State.DebtStatus)),
		zap.Int("messages", len(out.Messages)),
		zap.Duration("latency", time.Since(start)),
	)
	return result, nil
}

// HandlePaymentNotification settles the debt behind an approved payment.
// The webhook only names the payment: status and reference are read back
// from the gateway. Repeated notifications for an invoiced debt are no-ops.
func (s *ConversationService) HandlePaymentNotification(ctx context.Context, paymentID string) (*domain.TurnResult, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.HandlePaymentNotification")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	if s.payments == nil {
		return nil, &domain.ErrUnsupported{Operation: "payment notifications"}
	}
	if strings.TrimSpace(paymentID) == "" {
		return nil, &domain.ErrValidation{Field: "payment_id", Message: "required"}
	}

	payment, err := s.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusApproved {
		s.logger.Info("payment notification ignored",
			zap.String("payment_id", paymentID),
			zap.String("status", payment.Status),
		)
		return &domain.TurnResult{}, nil
	}

	ref, err := domain.ParseExternalReference(payment.ExternalReference)
	if err != nil {
		return nil, err
	}
	key, err := s.sessions.FindByReference(ctx, payment.ExternalReference)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, lockKey(*key))
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.sessions.Load(ctx, *key)
	if err != nil {
		return nil, err
	}
	if state.PaymentExternalReference != payment.ExternalReference || !state.IsIdentified() || *state.ERPCustomerID != ref.CustomerID {
		s.logger.Warn("payment reference does not match the conversation",
			zap.String("payment_id", paymentID),
			zap.String("external_reference", payment.ExternalReference),
		)
		return nil, &domain.ErrValidation{Field: "external_reference", Message: "does not match the conversation"}
	}

	switch state.DebtStatus {
	case domain.DebtStatusInvoiced:
		s.logger.Info("payment already invoiced", zap.String("payment_id", paymentID))
		return &domain.TurnResult{State: *state}, nil
	case domain.DebtStatusPaymentPending:
	default:
		s.logger.Warn("approved payment for a debt that is not awaiting payment",
			zap.String("payment_id", paymentID),
			zap.String("debt_status", string(state.DebtStatus)),
		)
		return &domain.TurnResult{State: *state}, nil
	}
	if payment.Amount.LessThan(state.EffectivePaymentAmount()) {
		s.logger.Warn("approved amount below the agreed payment",
			zap.String("payment_id", paymentID),
			zap.String("approved", payment.Amount.StringFixed(2)),
			zap.String("agreed", state.EffectivePaymentAmount().StringFixed(2)),
		)
	}

	out, err := s.engine.RunNode(ctx, *state, domain.NodeInvoice, s.vocab.Resolve(ctx, key.OrganizationID))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.finish(ctx, out, true)
}

// GetConversation returns the stored state of a conversation.
func (s *ConversationService) GetConversation(ctx context.Context, organizationID, phone string) (*domain.ConversationState, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.GetConversation")
	defer span.End()

	return s.sessions.Load(ctx, s.key(organizationID, phone))
}

// ResetConversation deletes a conversation so the next message starts over.
// It is how an operator closes an escalated conversation.
func (s *ConversationService) ResetConversation(ctx context.Context, organizationID, phone string) error {
	ctx, span := tracer.Start(ctx, "ConversationService.ResetConversation")
	defer span.End()

	key := s.key(organizationID, phone)
	unlock, err := s.locks.Lock(ctx, lockKey(key))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.sessions.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.Info("conversation reset", observability.Phone(phone), zap.String("organization_id", key.OrganizationID))
	return nil
}

// finish persists the turn and, when asked, delivers its messages. A
// delivery failure is logged; the state is already saved.
func (s *ConversationService) finish(ctx context.Context, out workflow.Outcome, deliver bool) (*domain.TurnResult, error) {
	if err := s.sessions.Save(ctx, out.State); err != nil {
		s.metrics.IncrTurn("error")
		s.logger.Error("failed to save session", observability.Phone(out.State.CustomerPhone), zap.Error(err))
		return nil, err
	}
	s.metrics.IncrTurn("success")

	if deliver && s.sender != nil {
		for i, m := range out.Messages {
			if err := s.sender.Send(ctx, out.State.CustomerPhone, m.Text); err != nil {
				s.logger.Error("message delivery failed",
					observability.Phone(out.State.CustomerPhone),
					zap.Int("index", i),
					zap.Int("pending", len(out.Messages)-i),
					zap.Error(err),
				)
				break
			}
		}
	}

	return &domain.TurnResult{
		Messages: out.Messages,
		State:    out.State,
		Path:     out.Path,
	}, nil
}

func (s *ConversationService) loadOrCreate(ctx context.Context, key domain.SessionKey) (domain.ConversationState, error) {
	state, err := s.sessions.Load(ctx, key)
	var nf *domain.ErrNotFound
	if errors.As(err, &nf) {
		s.logger.Debug("new conversation", observability.Phone(key.Phone))
		return domain.NewConversationState(key.Phone, key.OrganizationID, s.opts.MaxErrors), nil
	}
	if err != nil {
		return domain.ConversationState{}, err
	}
	return *state, nil
}

// isDuplicate records the message id. Dedup store errors fail open.
func (s *ConversationService) isDuplicate(ctx context.Context, msg domain.InboundMessage) bool {
	if s.dedup == nil || msg.ID == "" {
		return false
	}
	fresh, err := s.dedup.MarkSeen(ctx, msg.ID, msg.From, msg.ReceivedAt)
	if err != nil {
		s.logger.Warn("dedup store unavailable", zap.String("message_id", msg.ID), zap.Error(err))
		return false
	}
	return !fresh
}

func (s *ConversationService) key(organizationID, phone string) domain.SessionKey {
	if organizationID == "" {
		organizationID = s.opts.DefaultOrganizationID
	}
	return domain.SessionKey{OrganizationID: organizationID, Phone: phone}
}

func lockKey(key domain.SessionKey) string {
	return key.OrganizationID + "|" + domain.DigitsOnly(key.Phone)
}
