package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/cache"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/llm"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/sandbox"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/session"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
	"github.com/boddenberg/pharmacy-assistant-go/internal/service"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"
)

// ChatCmd runs an interactive conversation against the sandbox.
type ChatCmd struct {
	Phone          string        `short:"p" long:"phone" default:"+5491166660000" description:"customer phone number"`
	Organization   string        `short:"o" long:"org" default:"default" description:"organization id"`
	NoPayments     bool          `long:"no-payments" description:"disable payment links"`
	VocabularyFile string        `long:"vocabulary" description:"YAML vocabulary merged over the defaults"`
	OpenAIKey      string        `long:"openai-key" env:"OPENAI_API_KEY" description:"enables the model classifier and responder"`
	OpenAIModel    string        `long:"model" env:"OPENAI_MODEL" description:"chat model"`
	Timeout        time.Duration `long:"timeout" default:"15s" description:"external call timeout"`
	LogLevel       string        `long:"log-level" default:"error" description:"log level"`
}

// Execute implements flags.Commander.
func (c *ChatCmd) Execute(_ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sim, err := c.newSimulator(observability.NewLogger(c.LogLevel))
	if err != nil {
		return err
	}
	defer sim.Close()

	fmt.Fprintf(os.Stdout, "chatting as %s (org %s). Commands: /approve /state /reset /quit\n", c.Phone, c.Organization)
	return sim.REPL(ctx, os.Stdin, os.Stdout)
}

type simulator struct {
	svc      *service.ConversationService
	gateway  *sandbox.Gateway
	sessions *session.MemoryStore
	vocab    *cache.InMemory[*workflow.Vocabulary]
	phone    string
	org      string
	seq      int
}

func (c *ChatCmd) newSimulator(logger *zap.Logger) (*simulator, error) {
	metrics := observability.NewMetrics()
	erp := sandbox.NewSeededERP()
	gw := sandbox.NewGateway("")

	var (
		classifier port.IntentClassifier
		responder  port.ResponseGenerator
	)
	if c.OpenAIKey != "" {
		model := llm.New(c.OpenAIKey, c.OpenAIModel, resilience.NewCircuitBreaker("openai"), metrics, logger)
		classifier, responder = model, model
	}

	engine, err := workflow.New(workflow.Dependencies{
		Identity:        erp,
		Balance:         erp,
		Receipts:        erp,
		Payments:        gw,
		Classifier:      classifier,
		Responder:       responder,
		PaymentsEnabled: !c.NoPayments,
		Timeout:         c.Timeout,
	}, metrics, logger)
	if err != nil {
		return nil, err
	}

	base := workflow.DefaultVocabularySet()
	if c.VocabularyFile != "" {
		data, err := os.ReadFile(c.VocabularyFile)
		if err != nil {
			return nil, err
		}
		set, err := workflow.ParseVocabularySet(data)
		if err != nil {
			return nil, err
		}
		base = base.Merge(&set)
	}

	vocab := cache.New[*workflow.Vocabulary](time.Hour)
	sessions := session.NewMemoryStore(24 * time.Hour)
	resolver := service.NewVocabularyResolver(nil, base, vocab, metrics, logger)
	svc := service.NewConversationService(engine, sessions, nil, nil, gw, resolver,
		service.Options{DefaultOrganizationID: c.Organization}, metrics, logger)

	return &simulator{
		svc:      svc,
		gateway:  gw,
		sessions: sessions,
		vocab:    vocab,
		phone:    c.Phone,
		org:      c.Organization,
	}, nil
}

func (s *simulator) Close() {
	s.vocab.Close()
	s.sessions.Close()
}

// REPL reads one customer message per line until EOF or /quit.
func (s *simulator) REPL(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := s.handle(ctx, line, out); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

func (s *simulator) handle(ctx context.Context, line string, out io.Writer) error {
	switch line {
	case "/approve":
		return s.approve(ctx, out)
	case "/state":
		state, err := s.svc.GetConversation(ctx, s.org, s.phone)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "/reset":
		if err := s.svc.ResetConversation(ctx, s.org, s.phone); err != nil {
			return err
		}
		fmt.Fprintln(out, "(conversation reset)")
		return nil
	}

	s.seq++
	res, err := s.svc.ProcessMessage(ctx, domain.InboundMessage{
		ID:             fmt.Sprintf("sim-%d", s.seq),
		From:           s.phone,
		Body:           line,
		OrganizationID: s.org,
	})
	if err != nil {
		return err
	}
	printTurn(out, res)
	return nil
}

// approve settles the pending payment link as if the customer had paid it.
func (s *simulator) approve(ctx context.Context, out io.Writer) error {
	state, err := s.svc.GetConversation(ctx, s.org, s.phone)
	if err != nil {
		return err
	}
	if state.PaymentExternalReference == "" {
		return errors.New("no payment link issued yet")
	}
	paymentID, err := s.gateway.Approve(state.PaymentExternalReference)
	if err != nil {
		return err
	}
	res, err := s.svc.HandlePaymentNotification(ctx, paymentID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "(payment %s approved)\n", paymentID)
	printTurn(out, res)
	return nil
}

func printTurn(out io.Writer, res *domain.TurnResult) {
	for _, m := range res.Messages {
		prefix := "bot:"
		if m.Interim {
			prefix = "bot (interim):"
		}
		fmt.Fprintf(out, "%s %s\n", prefix, m.Text)
	}
	path := make([]string, 0, len(res.Path))
	for _, n := range res.Path {
		path = append(path, string(n))
	}
	fmt.Fprintf(out, "   [%s | debt=%s]\n", strings.Join(path, " -> "), res.State.DebtStatus)
}
