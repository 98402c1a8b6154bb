// ABOUTME: Channel-specific rendering of generated replies
// ABOUTME: Email letter framing, web form footer, WhatsApp length capping

package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
)

// FormatterConfig tunes per-channel rendering.
type FormatterConfig struct {
	// WhatsAppLimit caps WhatsApp replies in characters. Default 1000.
	WhatsAppLimit int
}

// Formatter renders a reply body for a channel. Formatting never fails: an
// unknown channel gets the plain body.
type Formatter struct {
	whatsappLimit int
}

// NewFormatter creates a formatter, defaulting unset limits.
func NewFormatter(cfg FormatterConfig) *Formatter {
	if cfg.WhatsAppLimit <= 0 {
		cfg.WhatsAppLimit = 1000
	}
	return &Formatter{whatsappLimit: cfg.WhatsAppLimit}
}

// Format renders body for the channel, stamping the ticket reference where
// the channel's conventions expect it.
func (f *Formatter) Format(channel, reference, body string) string {
	switch channel {
	case canonical.ChannelEmail:
		return f.email(reference, body)
	case canonical.ChannelWebForm:
		return f.webForm(reference, body)
	case canonical.ChannelWhatsApp:
		return f.whatsapp(reference, body)
	default:
		return body
	}
}

func (f *Formatter) email(reference, body string) string {
	var b strings.Builder
	b.WriteString("Dear Customer,\n\n")
	b.WriteString(body)
	b.WriteString("\n\nTicket: ")
	b.WriteString(reference)
	b.WriteString("\n\nBest regards,\nThe Support Team")
	return b.String()
}

func (f *Formatter) webForm(reference, body string) string {
	return body + fmt.Sprintf(
		"\n\n---\nReference %s. You can check on this request any time by replying through the support portal.",
		reference)
}

// whatsapp caps the reply length, cutting at a word boundary and pointing the
// customer at the full ticket rather than sending a wall of text.
func (f *Formatter) whatsapp(reference, body string) string {
	if utf8.RuneCountInString(body) <= f.whatsappLimit {
		return body
	}

	marker := fmt.Sprintf("… (continued in ticket %s)", reference)
	// One extra rune for the space joining body and marker.
	budget := f.whatsappLimit - utf8.RuneCountInString(marker) - 1
	if budget < 1 {
		return marker
	}

	runes := []rune(body)
	cut := budget
	for cut > 0 && !isSpace(runes[cut-1]) {
		cut--
	}
	if cut == 0 {
		// No word boundary inside the budget; hard cut.
		cut = budget
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + " " + marker
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
