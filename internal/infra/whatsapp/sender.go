// Package whatsapp delivers outbound WhatsApp messages through the Twilio
// messaging API.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
)

var tracer = otel.Tracer("whatsapp")

const channelPrefix = "whatsapp:"

// MessageCreator is the slice of the Twilio API the sender uses.
// *twilioApi.ApiService satisfies it.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Sender implements port.MessageSender.
type Sender struct {
	api     MessageCreator
	from    string
	cb      *gobreaker.CircuitBreaker
	cfg     resilience.Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewSender creates a Sender backed by the Twilio REST API. from is the
// business number, with or without the "whatsapp:" prefix.
func NewSender(accountSID, authToken, from string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) (*Sender, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("whatsapp: account SID and auth token must be provided")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewSenderWithAPI(rest.Api, from, cb, cfg, metrics, logger)
}

// NewSenderWithAPI creates a Sender on top of an existing API client.
func NewSenderWithAPI(api MessageCreator, from string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) (*Sender, error) {
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("whatsapp: from number must be provided")
	}
	return &Sender{
		api:     api,
		from:    address(from),
		cb:      cb,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Send delivers one text message to phone.
func (s *Sender) Send(ctx context.Context, phone, text string) error {
	ctx, span := tracer.Start(ctx, "whatsapp.Send")
	defer span.End()
	span.SetAttributes(attribute.String("customer.phone", domain.MaskPhone(phone)))

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(address(phone))
	params.SetFrom(s.from)
	params.SetBody(text)

	var sid string
	_, err := s.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, s.cfg, func() error {
			msg, err := s.api.CreateMessage(params)
			if err != nil {
				return classify(err)
			}
			if msg != nil && msg.Sid != nil {
				sid = *msg.Sid
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		s.metrics.IncrExternalError("twilio")
		s.logger.Error("whatsapp send failed", observability.Phone(phone), zap.Error(err))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &domain.ErrCircuitOpen{Service: "twilio"}
		}
		return &domain.ErrExternalService{Service: "twilio", Err: err}
	}

	s.logger.Debug("whatsapp message sent", observability.Phone(phone), zap.String("sid", sid))
	return nil
}

// classify marks client errors as permanent; only throttling and server
// errors are worth another attempt.
func classify(err error) error {
	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) {
		if rest.Status == http.StatusTooManyRequests || rest.Status >= 500 {
			return err
		}
		return resilience.Permanent(fmt.Errorf("twilio %d (code %d): %s", rest.Status, rest.Code, rest.Message))
	}
	return err
}

// address turns a phone number into a Twilio WhatsApp address.
func address(phone string) string {
	phone = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(phone), channelPrefix))
	digits := domain.DigitsOnly(phone)
	if digits == "" {
		return channelPrefix + phone
	}
	return channelPrefix + "+" + digits
}

// FromAddress strips the channel prefix of an inbound "From" value.
func FromAddress(from string) string {
	return strings.TrimPrefix(strings.TrimSpace(from), channelPrefix)
}
