// ABOUTME: Escalation policy deciding when a ticket must reach a human
// ABOUTME: Combines keyword triggers, sentiment thresholds, and knowledge base flags

package pipeline

import (
	"regexp"
	"strings"
)

// Escalation targets routed on the escalations topic.
const (
	TargetSupport    = "support"
	TargetBilling    = "billing"
	TargetLegal      = "legal"
	TargetManagement = "management"
)

// Decision is the policy's verdict for one message.
type Decision struct {
	Escalate bool
	Reason   string
	Target   string
	Urgency  string
}

// PolicyConfig tunes the escalation policy. Zero values fall back to the
// defaults below.
type PolicyConfig struct {
	// EscalateBelow hands off tickets whose sentiment drops under this score.
	EscalateBelow float64
	// HostileBelow marks the handoff immediate.
	HostileBelow float64
	// ComplexityLimit escalates unmatched messages longer than this many
	// words; automation should not guess at long, involved requests.
	ComplexityLimit int
	HardKeywords    []string
	HumanKeywords   []string
}

const (
	defaultEscalateBelow   = 0.3
	defaultHostileBelow    = 0.2
	defaultComplexityLimit = 60
)

// Topics where a wrong automated answer has legal or financial consequences.
var defaultHardKeywords = []string{
	"lawyer", "legal", "sue", "attorney", "lawsuit",
	"refund", "cancellation", "cancel", "chargeback",
	"gdpr", "data breach", "compliance",
}

// Explicit requests for a person. Matched on word boundaries so "humanities"
// or "agentless" do not trigger.
var defaultHumanKeywords = []string{
	"human", "agent", "real person", "manager", "representative",
}

var legalTerms = map[string]bool{
	"lawyer": true, "legal": true, "sue": true, "attorney": true,
	"lawsuit": true, "gdpr": true, "data breach": true, "compliance": true,
}

var billingTerms = map[string]bool{
	"refund": true, "cancellation": true, "cancel": true, "chargeback": true,
}

// EscalationPolicy evaluates messages in priority order: hard keywords first,
// then explicit human requests, then sentiment, then knowledge base flags.
// The first matching rule sets the reason and target.
type EscalationPolicy struct {
	cfg           PolicyConfig
	humanPatterns []*regexp.Regexp
}

// NewEscalationPolicy builds a policy, filling defaults for zero config values.
func NewEscalationPolicy(cfg PolicyConfig) *EscalationPolicy {
	if cfg.EscalateBelow == 0 {
		cfg.EscalateBelow = defaultEscalateBelow
	}
	if cfg.HostileBelow == 0 {
		cfg.HostileBelow = defaultHostileBelow
	}
	if cfg.ComplexityLimit == 0 {
		cfg.ComplexityLimit = defaultComplexityLimit
	}
	if len(cfg.HardKeywords) == 0 {
		cfg.HardKeywords = defaultHardKeywords
	}
	if len(cfg.HumanKeywords) == 0 {
		cfg.HumanKeywords = defaultHumanKeywords
	}

	p := &EscalationPolicy{cfg: cfg}
	for _, kw := range cfg.HumanKeywords {
		p.humanPatterns = append(p.humanPatterns,
			regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
	}
	return p
}

// Evaluate decides whether the ticket escalates and where it goes.
func (p *EscalationPolicy) Evaluate(req *Request, text string, sentiment float64, answer *Answer) Decision {
	lower := strings.ToLower(text)

	for _, kw := range p.cfg.HardKeywords {
		if strings.Contains(lower, kw) {
			return Decision{
				Escalate: true,
				Reason:   "policy keyword: " + kw,
				Target:   targetForKeyword(kw),
				Urgency:  UrgencyHigh,
			}
		}
	}

	for i, pat := range p.humanPatterns {
		if pat.MatchString(text) {
			target := TargetSupport
			if strings.Contains(strings.ToLower(p.cfg.HumanKeywords[i]), "manager") {
				target = TargetManagement
			}
			return Decision{
				Escalate: true,
				Reason:   "customer asked for a person",
				Target:   target,
				Urgency:  UrgencyNormal,
			}
		}
	}

	if sentiment < p.cfg.HostileBelow {
		return Decision{
			Escalate: true,
			Reason:   "hostile sentiment",
			Target:   TargetSupport,
			Urgency:  UrgencyImmediate,
		}
	}
	if sentiment < p.cfg.EscalateBelow {
		return Decision{
			Escalate: true,
			Reason:   "negative sentiment",
			Target:   TargetSupport,
			Urgency:  UrgencyHigh,
		}
	}

	// Once a conversation has gone to a human it stays with a human.
	if req.Conversation != nil && req.Conversation.Resolution == ResolutionEscalated {
		return Decision{
			Escalate: true,
			Reason:   "conversation already with support",
			Target:   TargetSupport,
			Urgency:  UrgencyNormal,
		}
	}

	if answer != nil && answer.Escalate {
		target := answer.Target
		if target == "" {
			target = TargetSupport
		}
		return Decision{
			Escalate: true,
			Reason:   "topic requires review: " + answer.ID,
			Target:   target,
			Urgency:  UrgencyNormal,
		}
	}

	if answer == nil && len(strings.Fields(text)) > p.cfg.ComplexityLimit {
		return Decision{
			Escalate: true,
			Reason:   "no confident answer for a complex request",
			Target:   TargetSupport,
			Urgency:  UrgencyNormal,
		}
	}

	return Decision{}
}

func targetForKeyword(kw string) string {
	switch {
	case legalTerms[kw]:
		return TargetLegal
	case billingTerms[kw]:
		return TargetBilling
	default:
		return TargetSupport
	}
}
