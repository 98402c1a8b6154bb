// ABOUTME: Ticket orchestration pipeline: sentiment, knowledge lookup, escalation, reply generation
// ABOUTME: Runs the stages in order and folds their results into a single outcome

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

// Resolution values recorded on the conversation when a pipeline run completes.
const (
	ResolutionAutoResolved = "auto_resolved"
	ResolutionEscalated    = "escalated"
)

// Urgency levels attached to escalations.
const (
	UrgencyNormal    = "normal"
	UrgencyHigh      = "high"
	UrgencyImmediate = "immediate"
)

// FatalError marks a stage failure that retrying cannot fix, such as a
// malformed knowledge base entry. The pipeline stops retrying and escalates.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Request is everything a pipeline run needs about one ticket. The worker
// assembles it from the store before invoking Run.
type Request struct {
	Ticket       *store.Ticket
	Conversation *store.Conversation
	Customer     *store.Customer
	Inbound      *store.Message
	History      []*store.Message
}

// Outcome is the pipeline's verdict on one ticket.
type Outcome struct {
	Sentiment  float64
	Category   string
	Resolution string
	Reply      string // formatted for the ticket's channel; empty when nothing should be sent

	Escalate         bool
	EscalationReason string
	EscalationTarget string
	Urgency          string
}

// Analyzer scores the emotional tone of a message between 0 (hostile)
// and 1 (delighted).
type Analyzer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Knowledge answers customer questions from curated material. A nil Answer
// with nil error means no entry matched.
type Knowledge interface {
	Match(ctx context.Context, text string) (*Answer, error)
}

// Generator turns a knowledge answer (or its absence) into reply text.
type Generator interface {
	Generate(ctx context.Context, req *Request, answer *Answer, sentiment float64) (string, error)
}

// Pipeline wires the stages together. Stage order is fixed: sentiment first
// because escalation depends on it, formatting last because it needs the
// final text.
type Pipeline struct {
	analyzer  Analyzer
	knowledge Knowledge
	policy    *EscalationPolicy
	generator Generator
	formatter *Formatter

	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// Config tunes pipeline retry behavior.
type Config struct {
	MaxRetries int
	Backoff    time.Duration
}

// New assembles a pipeline from its stages.
func New(analyzer Analyzer, knowledge Knowledge, policy *EscalationPolicy, generator Generator, formatter *Formatter, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &Pipeline{
		analyzer:   analyzer,
		knowledge:  knowledge,
		policy:     policy,
		generator:  generator,
		formatter:  formatter,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     logger.With("component", "pipeline"),
	}
}

// Run processes one ticket and always produces an outcome: a transient stage
// failure is retried with backoff, and anything still failing after that
// escalates to a human rather than dropping the ticket.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Ticket == nil || req.Inbound == nil {
		return nil, fmt.Errorf("pipeline request missing ticket or inbound message")
	}
	log := p.logger.With("ticket_id", req.Ticket.ID, "channel", req.Ticket.Channel)

	text := req.Inbound.Body

	// Sentiment failures degrade to neutral instead of blocking the ticket.
	sentiment, err := withRetry(ctx, p, "sentiment", func() (float64, error) {
		return p.analyzer.Score(ctx, text)
	})
	if err != nil {
		log.Warn("sentiment analysis failed, assuming neutral", "error", err)
		sentiment = NeutralSentiment
	}

	answer, err := withRetry(ctx, p, "knowledge", func() (*Answer, error) {
		return p.knowledge.Match(ctx, text)
	})
	if err != nil {
		log.Warn("knowledge lookup failed", "error", err)
		return p.escalated(req, sentiment, "knowledge base unavailable", "", UrgencyNormal), nil
	}

	decision := p.policy.Evaluate(req, text, sentiment, answer)

	out := &Outcome{
		Sentiment: sentiment,
		Category:  categoryFor(answer, req.Ticket),
	}
	if decision.Escalate {
		// No automated reply on escalation: the human taking over speaks next.
		out.Escalate = true
		out.EscalationReason = decision.Reason
		out.EscalationTarget = decision.Target
		out.Urgency = decision.Urgency
		out.Resolution = ResolutionEscalated
		return out, nil
	}

	reply, err := withRetry(ctx, p, "generate", func() (string, error) {
		return p.generator.Generate(ctx, req, answer, sentiment)
	})
	if err != nil {
		log.Warn("reply generation failed, escalating", "error", err)
		return p.escalated(req, sentiment, "reply generation failed", "", UrgencyNormal), nil
	}

	out.Resolution = ResolutionAutoResolved
	out.Reply = p.formatter.Format(req.Ticket.Channel, req.Ticket.Reference, reply)
	return out, nil
}

func (p *Pipeline) escalated(req *Request, sentiment float64, reason, target, urgency string) *Outcome {
	return &Outcome{
		Sentiment:        sentiment,
		Category:         categoryFor(nil, req.Ticket),
		Resolution:       ResolutionEscalated,
		Escalate:         true,
		EscalationReason: reason,
		EscalationTarget: target,
		Urgency:          urgency,
	}
}

// withRetry runs fn up to the pipeline's retry limit with linear backoff.
// A FatalError stops immediately.
func withRetry[T any](ctx context.Context, p *Pipeline, stage string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return zero, err
		}
		if attempt < p.maxRetries {
			p.logger.Debug("stage retry", "stage", stage, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(time.Duration(attempt) * p.backoff):
			}
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", stage, p.maxRetries, lastErr)
}

func categoryFor(answer *Answer, t *store.Ticket) string {
	if answer != nil && answer.Category != "" {
		return answer.Category
	}
	if t.Category != "" {
		return t.Category
	}
	return "general"
}
