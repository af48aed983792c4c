// Package llm adapts the OpenAI chat completions API to the intent
// classifier and response generator ports.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
)

var tracer = otel.Tracer("llm")

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// Client implements port.IntentClassifier and port.ResponseGenerator on top
// of one chat model.
type Client struct {
	api     openai.Client
	model   openai.ChatModel
	cb      *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates a Client. Extra request options (base URL, retries) are
// passed through to the SDK.
func New(apiKey, model string, cb *gobreaker.CircuitBreaker, metrics *observability.Metrics, logger *zap.Logger, opts ...option.RequestOption) *Client {
	if model == "" {
		model = string(DefaultModel)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		api:     openai.NewClient(opts...),
		model:   openai.ChatModel(model),
		cb:      cb,
		metrics: metrics,
		logger:  logger,
	}
}

const classifierPrompt = `Sos el clasificador de intenciones del asistente de WhatsApp de una farmacia argentina.
El cliente puede consultar su deuda de cuenta corriente, confirmarla, pedir el link de pago o el comprobante.
Respondé SOLO un objeto JSON con esta forma:
{"intent": "<intent>", "is_out_of_scope": <bool>, "confidence": <0..1>}
Valores de intent: debt_query, confirm, invoice, info, greeting, farewell, thanks, out_of_scope, unknown.
is_out_of_scope es true cuando el mensaje no tiene relación con la cuenta corriente (horarios, dirección, saludos de despedida, agradecimientos, otros temas).`

type classification struct {
	Intent       string  `json:"intent"`
	IsOutOfScope bool    `json:"is_out_of_scope"`
	Confidence   float64 `json:"confidence"`
}

var knownIntents = map[string]bool{
	domain.IntentDebtQuery:  true,
	domain.IntentConfirm:    true,
	domain.IntentInvoice:    true,
	domain.IntentInfo:       true,
	domain.IntentGreeting:   true,
	domain.IntentFarewell:   true,
	domain.IntentThanks:     true,
	domain.IntentOutOfScope: true,
	domain.IntentUnknown:    true,
}

// Analyze classifies message given the conversation flags.
func (c *Client) Analyze(ctx context.Context, message string, flags domain.IntentFlags, organizationID string) (*domain.IntentResult, error) {
	ctx, span := tracer.Start(ctx, "llm.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("organization.id", organizationID))

	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return nil, err
	}
	user := fmt.Sprintf("Contexto: %s\nMensaje: %s", flagsJSON, message)

	content, err := c.complete(ctx, classifierPrompt, user)
	if err != nil {
		return nil, err
	}

	var out classification
	if err := json.Unmarshal([]byte(stripFences(content)), &out); err != nil {
		return nil, &domain.ErrExternalService{Service: "openai", Err: fmt.Errorf("unparseable classification %q: %w", content, err)}
	}
	intent := strings.ToLower(strings.TrimSpace(out.Intent))
	if !knownIntents[intent] {
		intent = domain.IntentUnknown
	}
	if intent == domain.IntentOutOfScope {
		out.IsOutOfScope = true
	}
	span.SetAttributes(attribute.String("intent", intent))

	return &domain.IntentResult{
		Intent:       intent,
		IsOutOfScope: out.IsOutOfScope,
		Confidence:   out.Confidence,
	}, nil
}

const generatorPrompt = `Sos el asistente virtual de WhatsApp de una farmacia argentina. Respondé en español rioplatense, en no más de dos oraciones, con tono cordial.
Nunca inventes montos, horarios, direcciones ni datos de la cuenta del cliente. Si no sabés la respuesta, sugerí comunicarse directamente con la farmacia.
Recordá que podés ayudar a consultar la deuda, confirmarla y generar el link de pago.`

// Generate writes a short reply for intent. Only non-sensitive context is
// sent to the model: the customer's first name and where the debt stands.
func (c *Client) Generate(ctx context.Context, intent string, state domain.ConversationState, task string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("intent", intent), attribute.String("task", task))

	var b strings.Builder
	fmt.Fprintf(&b, "Tarea: %s\nIntención: %s\n", task, intent)
	if state.IsIdentified() {
		if first := firstName(state.CustomerName); first != "" {
			fmt.Fprintf(&b, "Cliente: %s\n", first)
		}
		fmt.Fprintf(&b, "Estado de la deuda: %s\n", state.DebtStatus)
	}
	return c.complete(ctx, generatorPrompt, b.String())
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: c.model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			},
		})
	})
	if err != nil {
		c.metrics.IncrExternalError("openai")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &domain.ErrCircuitOpen{Service: "openai"}
		}
		return "", &domain.ErrExternalService{Service: "openai", Err: err}
	}

	resp := result.(*openai.ChatCompletion)
	c.metrics.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if len(resp.Choices) == 0 {
		return "", &domain.ErrExternalService{Service: "openai", Err: errors.New("no choices returned")}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug("llm completion",
		zap.String("model", string(c.model)),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)
	return content, nil
}

// stripFences removes a markdown code fence around a JSON answer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func firstName(full string) string {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return ""
	}
	// ERP names are "SURNAME NAME"; the last word is the given name.
	r := []rune(strings.ToLower(parts[len(parts)-1]))
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
