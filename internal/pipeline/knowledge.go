// ABOUTME: Keyword-matched knowledge base backing the reply generator
// ABOUTME: Entries load from a TOML file; a built-in set covers common requests

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Answer is one knowledge base entry. Entries flagged Escalate describe
// topics automation may acknowledge but never settle on its own.
type Answer struct {
	ID       string   `toml:"id"`
	Title    string   `toml:"title"`
	Keywords []string `toml:"keywords"`
	Category string   `toml:"category"`
	Body     string   `toml:"body"`
	Escalate bool     `toml:"escalate"`
	Target   string   `toml:"target"`
}

type knowledgeFile struct {
	Entries []Answer `toml:"entry"`
}

// FileKnowledge matches inbound text against entry keywords and returns the
// entry with the most hits. Ties break toward the entry declared first, so
// file order expresses priority.
type FileKnowledge struct {
	entries []Answer
}

// LoadKnowledge reads entries from a TOML file. An empty path loads the
// built-in entries.
func LoadKnowledge(path string) (*FileKnowledge, error) {
	if path == "" {
		return &FileKnowledge{entries: builtinAnswers}, nil
	}
	var f knowledgeFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("loading knowledge base %s: %w", path, err)
	}
	for i := range f.Entries {
		e := &f.Entries[i]
		if e.ID == "" || len(e.Keywords) == 0 {
			return nil, &FatalError{Stage: "knowledge", Err: fmt.Errorf("entry %d missing id or keywords", i)}
		}
		if !e.Escalate && strings.TrimSpace(e.Body) == "" {
			return nil, &FatalError{Stage: "knowledge", Err: fmt.Errorf("entry %s has no body and is not an escalation", e.ID)}
		}
	}
	return &FileKnowledge{entries: f.Entries}, nil
}

// Match implements Knowledge. Returns (nil, nil) when nothing matches.
func (k *FileKnowledge) Match(_ context.Context, text string) (*Answer, error) {
	lower := strings.ToLower(text)

	best := -1
	bestHits := 0
	for i := range k.entries {
		hits := 0
		for _, kw := range k.entries[i].Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return nil, nil
	}
	answer := k.entries[best]
	return &answer, nil
}

// Entries returns the loaded entries, primarily for health reporting.
func (k *FileKnowledge) Entries() int { return len(k.entries) }

var builtinAnswers = []Answer{
	{
		ID:       "reset_password",
		Title:    "Password reset",
		Keywords: []string{"password", "reset", "forgot", "locked out", "can't log in", "cannot log in"},
		Category: "account",
		Body: "You can reset your password from the sign-in page: click \"Forgot password\", " +
			"enter the email on your account, and follow the link we send you. The link expires " +
			"after 30 minutes. If no email arrives, check your spam folder or ask us to resend it.",
	},
	{
		ID:       "account_setup",
		Title:    "Account setup",
		Keywords: []string{"set up", "setup", "getting started", "onboard", "create account", "new account"},
		Category: "account",
		Body: "Welcome aboard! To finish setting up your account: 1) confirm your email address, " +
			"2) complete your organization profile under Settings, and 3) invite your teammates " +
			"from the Members page. Our getting-started guide walks through each step in detail.",
	},
	{
		ID:       "api_key",
		Title:    "API keys",
		Keywords: []string{"api key", "api token", "access token", "integration key"},
		Category: "technical",
		Body: "API keys are managed under Settings > Developer. You can create up to five keys " +
			"per workspace; each key is shown once at creation, so store it somewhere safe. " +
			"Revoking a key takes effect within a minute.",
	},
	{
		ID:       "downtime",
		Title:    "Service status",
		Keywords: []string{"down", "outage", "not working", "unavailable", "offline", "status page"},
		Category: "technical",
		Body: "We're sorry for the disruption. Current platform status and incident updates are " +
			"published on our status page. If the status page shows all systems operational and " +
			"you're still affected, reply with the error you're seeing and we'll dig in.",
	},
	{
		ID:       "pricing",
		Title:    "Pricing and plans",
		Keywords: []string{"pricing", "price", "quote", "upgrade", "downgrade", "plan", "enterprise"},
		Category: "billing",
		Escalate: true,
		Target:   "billing",
	},
	{
		ID:       "refund",
		Title:    "Refunds and cancellations",
		Keywords: []string{"refund", "money back", "cancel", "cancellation", "chargeback"},
		Category: "billing",
		Escalate: true,
		Target:   "billing",
	},
}
