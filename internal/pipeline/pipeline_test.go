// ABOUTME: Tests for the orchestration pipeline and its stages
// ABOUTME: Covers sentiment scoring, knowledge matching, escalation rules, and full runs

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

func testRequest(channel, body string) *Request {
	return &Request{
		Ticket: &store.Ticket{
			ID:        "t-1",
			Channel:   channel,
			Reference: "AB23CD",
		},
		Conversation: &store.Conversation{ID: "c-1"},
		Inbound:      &store.Message{ID: "m-1", Body: body},
	}
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	kb, err := LoadKnowledge("")
	require.NoError(t, err)
	return New(
		NewLexiconAnalyzer(),
		kb,
		NewEscalationPolicy(PolicyConfig{}),
		NewTemplateGenerator(),
		NewFormatter(FormatterConfig{}),
		Config{MaxRetries: 2, Backoff: time.Millisecond},
		nil,
	)
}

func TestLexiconAnalyzer(t *testing.T) {
	a := NewLexiconAnalyzer()
	ctx := context.Background()

	angry, err := a.Score(ctx, "This is absolutely unacceptable, the worst service I have ever used!!!")
	require.NoError(t, err)
	assert.Less(t, angry, 0.3)

	happy, err := a.Score(ctx, "Thank you so much, the new dashboard is great!")
	require.NoError(t, err)
	assert.Greater(t, happy, 0.6)

	neutral, err := a.Score(ctx, "How do I export my data to CSV?")
	require.NoError(t, err)
	assert.InDelta(t, NeutralSentiment, neutral, 0.1)

	shouting, err := a.Score(ctx, "WHY IS NOTHING WORKING ON MY ACCOUNT")
	require.NoError(t, err)
	calm, err := a.Score(ctx, "Why is nothing working on my account")
	require.NoError(t, err)
	assert.Less(t, shouting, calm, "all-caps should read angrier than the same text in lower case")

	_, err = a.Score(ctx, "   ")
	assert.Error(t, err)
}

func TestLexiconAnalyzer_Clamped(t *testing.T) {
	a := NewLexiconAnalyzer()

	s, err := a.Score(context.Background(),
		"furious outraged pathetic disgusting scam terrible horrible awful worst useless incompetent!!!")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
	assert.Equal(t, 0.0, s)
}

func TestKnowledge_BuiltinMatch(t *testing.T) {
	kb, err := LoadKnowledge("")
	require.NoError(t, err)
	ctx := context.Background()

	answer, err := kb.Match(ctx, "I forgot my password and I'm locked out")
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "reset_password", answer.ID)
	assert.False(t, answer.Escalate)

	answer, err = kb.Match(ctx, "I want a refund for last month")
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "refund", answer.ID)
	assert.True(t, answer.Escalate)
	assert.Equal(t, "billing", answer.Target)

	answer, err = kb.Match(ctx, "My cat walked across the keyboard")
	require.NoError(t, err)
	assert.Nil(t, answer)
}

func TestKnowledge_LoadsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[entry]]
id = "shipping"
title = "Shipping times"
keywords = ["shipping", "delivery"]
category = "orders"
body = "Orders ship within two business days."
`), 0o644))

	kb, err := LoadKnowledge(path)
	require.NoError(t, err)
	assert.Equal(t, 1, kb.Entries())

	answer, err := kb.Match(context.Background(), "when is my delivery arriving")
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "shipping", answer.ID)
}

func TestKnowledge_RejectsInvalidEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[entry]]
id = "broken"
keywords = ["x"]
body = ""
`), 0o644))

	_, err := LoadKnowledge(path)
	require.Error(t, err)
	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)
}

func TestEscalationPolicy(t *testing.T) {
	p := NewEscalationPolicy(PolicyConfig{})
	req := testRequest("email", "")

	tests := []struct {
		name      string
		text      string
		sentiment float64
		answer    *Answer
		escalate  bool
		target    string
		urgency   string
	}{
		{
			name: "legal keyword", text: "I will contact my lawyer about this",
			sentiment: 0.5, escalate: true, target: TargetLegal, urgency: UrgencyHigh,
		},
		{
			name: "billing keyword", text: "please process a chargeback",
			sentiment: 0.5, escalate: true, target: TargetBilling, urgency: UrgencyHigh,
		},
		{
			name: "human request", text: "let me talk to a real person",
			sentiment: 0.5, escalate: true, target: TargetSupport, urgency: UrgencyNormal,
		},
		{
			name: "manager request", text: "I want to speak to your manager",
			sentiment: 0.5, escalate: true, target: TargetManagement, urgency: UrgencyNormal,
		},
		{
			name: "keyword needs word boundary", text: "I study humanities and agentless systems",
			sentiment: 0.5, escalate: false,
		},
		{
			name: "hostile sentiment", text: "everything is broken",
			sentiment: 0.1, escalate: true, target: TargetSupport, urgency: UrgencyImmediate,
		},
		{
			name: "negative sentiment", text: "this keeps failing",
			sentiment: 0.25, escalate: true, target: TargetSupport, urgency: UrgencyHigh,
		},
		{
			name: "knowledge flag", text: "how much is the enterprise plan",
			sentiment: 0.5, answer: &Answer{ID: "pricing", Escalate: true, Target: TargetBilling},
			escalate: true, target: TargetBilling, urgency: UrgencyNormal,
		},
		{
			name: "short unmatched stays automated", text: "how do I export data?",
			sentiment: 0.5, escalate: false,
		},
		{
			name:      "long unmatched escalates",
			text:      strings.Repeat("our integration has a subtle failure mode ", 12),
			sentiment: 0.5, escalate: true, target: TargetSupport, urgency: UrgencyNormal,
		},
		{
			// Complexity is word count, not characters: a pasted URL or
			// stack trace is not an involved request.
			name:      "few long words stay automated",
			text:      "error details at " + strings.Repeat("x", 600),
			sentiment: 0.5, escalate: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(req, tt.text, tt.sentiment, tt.answer)
			assert.Equal(t, tt.escalate, d.Escalate)
			if tt.escalate {
				assert.Equal(t, tt.target, d.Target)
				assert.Equal(t, tt.urgency, d.Urgency)
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestEscalationPolicy_StickyConversation(t *testing.T) {
	p := NewEscalationPolicy(PolicyConfig{})
	req := testRequest("email", "")
	req.Conversation.Resolution = ResolutionEscalated

	d := p.Evaluate(req, "thanks, one more question about exports", 0.8, nil)
	assert.True(t, d.Escalate, "a conversation already with support stays with support")
}

func TestFormatter(t *testing.T) {
	f := NewFormatter(FormatterConfig{})

	email := f.Format("email", "AB23CD", "Here is how to reset your password.")
	assert.True(t, strings.HasPrefix(email, "Dear Customer,"))
	assert.Contains(t, email, "Ticket: AB23CD")
	assert.Contains(t, email, "Best regards")

	form := f.Format("webform", "AB23CD", "Here is how.")
	assert.Contains(t, form, "Reference AB23CD")

	unknown := f.Format("carrier-pigeon", "AB23CD", "body")
	assert.Equal(t, "body", unknown)
}

func TestFormatter_WhatsAppTruncation(t *testing.T) {
	f := NewFormatter(FormatterConfig{WhatsAppLimit: 120})

	short := f.Format("whatsapp", "AB23CD", "All good.")
	assert.Equal(t, "All good.", short)

	long := strings.Repeat("every word here is load bearing ", 20)
	got := f.Format("whatsapp", "AB23CD", long)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 120)
	assert.Contains(t, got, "AB23CD")
	// Cut lands on a word boundary: the text before the marker must end with
	// a complete word from the source.
	before := strings.TrimSuffix(got, " … (continued in ticket AB23CD)")
	assert.True(t, strings.HasSuffix(long, " ") || strings.Contains(long, before+" "),
		"truncation should not split a word: %q", before)
}

func TestPipeline_AutoResolvesKnownQuestion(t *testing.T) {
	p := testPipeline(t)

	req := testRequest("email", "Hi, I forgot my password and can't log in. Can you help?")
	out, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, out.Escalate)
	assert.Equal(t, ResolutionAutoResolved, out.Resolution)
	assert.Equal(t, "account", out.Category)
	assert.Contains(t, out.Reply, "Forgot password")
	assert.Contains(t, out.Reply, "Ticket: AB23CD")
}

func TestPipeline_EscalatesAngryLegalThreat(t *testing.T) {
	p := testPipeline(t)

	req := testRequest("whatsapp", "This is unacceptable and a scam. You will hear from my lawyer.")
	out, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, out.Escalate)
	assert.Equal(t, ResolutionEscalated, out.Resolution)
	assert.Equal(t, TargetLegal, out.EscalationTarget)
	assert.Equal(t, UrgencyHigh, out.Urgency)
	assert.Empty(t, out.Reply, "escalated tickets send no automated reply")
}

type failingAnalyzer struct{}

func (failingAnalyzer) Score(context.Context, string) (float64, error) {
	return 0, errors.New("model offline")
}

func TestPipeline_NeutralWhenSentimentFails(t *testing.T) {
	kb, err := LoadKnowledge("")
	require.NoError(t, err)
	p := New(failingAnalyzer{}, kb, NewEscalationPolicy(PolicyConfig{}),
		NewTemplateGenerator(), NewFormatter(FormatterConfig{}),
		Config{MaxRetries: 2, Backoff: time.Millisecond}, nil)

	req := testRequest("email", "How do I reset my password?")
	out, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, NeutralSentiment, out.Sentiment)
	assert.False(t, out.Escalate, "a sentiment outage alone must not escalate")
}

type failingKnowledge struct{ calls int }

func (f *failingKnowledge) Match(context.Context, string) (*Answer, error) {
	f.calls++
	return nil, errors.New("kb unreachable")
}

func TestPipeline_EscalatesWhenKnowledgeUnavailable(t *testing.T) {
	fk := &failingKnowledge{}
	p := New(NewLexiconAnalyzer(), fk, NewEscalationPolicy(PolicyConfig{}),
		NewTemplateGenerator(), NewFormatter(FormatterConfig{}),
		Config{MaxRetries: 3, Backoff: time.Millisecond}, nil)

	out, err := p.Run(context.Background(), testRequest("email", "How do I export data?"))
	require.NoError(t, err, "the ticket still resolves to an outcome")

	assert.True(t, out.Escalate)
	assert.Equal(t, 3, fk.calls, "transient failures are retried before escalating")
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, *Request, *Answer, float64) (string, error) {
	return "", errors.New("template render failed")
}

func TestPipeline_EscalatesWhenGenerationFails(t *testing.T) {
	kb, err := LoadKnowledge("")
	require.NoError(t, err)
	p := New(NewLexiconAnalyzer(), kb, NewEscalationPolicy(PolicyConfig{}),
		failingGenerator{}, NewFormatter(FormatterConfig{}),
		Config{MaxRetries: 2, Backoff: time.Millisecond}, nil)

	out, err := p.Run(context.Background(), testRequest("email", "How do I reset my password?"))
	require.NoError(t, err)

	assert.True(t, out.Escalate)
	assert.Equal(t, ResolutionEscalated, out.Resolution)
}
