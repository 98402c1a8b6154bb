// ABOUTME: Channel-agnostic message representation used inside the core
// ABOUTME: Defines channels, identifier normalization, and inbound validation

package canonical

import (
	"fmt"
	"strings"
	"time"
)

// Supported channels. Each channel has its own provider-specific wire format
// handled by an adapter; inside the core only these names exist.
const (
	ChannelEmail    = "email"
	ChannelWebForm  = "webform"
	ChannelWhatsApp = "whatsapp"
)

// Identifier types carried by inbound messages.
const (
	IdentifierEmail = "email"
	IdentifierPhone = "phone"
)

// Identifier is a typed contact identifier carried alongside a message, such
// as the phone number field of a web form submitted from an email address.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Message is the canonical representation of a message crossing the channel
// boundary in either direction.
type Message struct {
	Channel           string       `json:"channel"`
	SenderType        string       `json:"sender_type"`  // "email" or "phone"
	SenderValue       string       `json:"sender_value"` // normalized identifier
	Body              string       `json:"body"`
	ProviderMessageID string       `json:"provider_message_id"`
	ReceivedAt        time.Time    `json:"received_at"`
	Extra             []Identifier `json:"extra_identifiers,omitempty"`
}

// ValidationError describes a malformed canonical message. Messages failing
// validation are dropped at the boundary, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid canonical message: %s: %s", e.Field, e.Reason)
}

// KnownChannel reports whether name is one of the supported channels.
func KnownChannel(name string) bool {
	switch name {
	case ChannelEmail, ChannelWebForm, ChannelWhatsApp:
		return true
	}
	return false
}

// Validate checks structural requirements and normalizes the sender
// identifier in place. Returns *ValidationError on failure.
func (m *Message) Validate() error {
	if !KnownChannel(m.Channel) {
		return &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", m.Channel)}
	}
	if m.ProviderMessageID == "" {
		return &ValidationError{Field: "provider_message_id", Reason: "required"}
	}
	if strings.TrimSpace(m.Body) == "" {
		return &ValidationError{Field: "body", Reason: "empty"}
	}

	normalized, err := NormalizeIdentifier(m.SenderType, m.SenderValue)
	if err != nil {
		return err
	}
	m.SenderValue = normalized

	// Extra identifiers are hints, not requirements: an unparseable phone
	// number typed into a web form field is dropped, not fatal.
	kept := m.Extra[:0]
	for _, extra := range m.Extra {
		v, err := NormalizeIdentifier(extra.Type, extra.Value)
		if err != nil {
			continue
		}
		if extra.Type == m.SenderType && v == m.SenderValue {
			continue
		}
		kept = append(kept, Identifier{Type: extra.Type, Value: v})
	}
	m.Extra = kept

	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	return nil
}

// NormalizeIdentifier canonicalizes an identifier value for exact-match
// lookup: emails are trimmed and lower-cased, phone numbers reduced to E.164
// (leading + and digits only). Lookups must never see un-normalized values.
func NormalizeIdentifier(idType, value string) (string, error) {
	switch idType {
	case IdentifierEmail:
		return normalizeEmail(value)
	case IdentifierPhone:
		return normalizePhone(value)
	default:
		return "", &ValidationError{Field: "sender_type", Reason: fmt.Sprintf("unknown identifier type %q", idType)}
	}
}

func normalizeEmail(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	at := strings.Index(v, "@")
	if at <= 0 || at == len(v)-1 || strings.ContainsAny(v, " \t") {
		return "", &ValidationError{Field: "sender_value", Reason: fmt.Sprintf("malformed email %q", value)}
	}
	if !strings.Contains(v[at+1:], ".") {
		return "", &ValidationError{Field: "sender_value", Reason: fmt.Sprintf("malformed email %q", value)}
	}
	return v, nil
}

func normalizePhone(value string) (string, error) {
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators are dropped
		default:
			return "", &ValidationError{Field: "sender_value", Reason: fmt.Sprintf("malformed phone %q", value)}
		}
	}
	v := b.String()
	digits := strings.TrimPrefix(v, "+")
	if len(digits) < 7 || len(digits) > 15 || strings.HasPrefix(digits, "0") {
		return "", &ValidationError{Field: "sender_value", Reason: fmt.Sprintf("malformed phone %q", value)}
	}
	if !strings.HasPrefix(v, "+") {
		v = "+" + v
	}
	return v, nil
}
