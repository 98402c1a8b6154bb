// ABOUTME: Template-based reply generation from knowledge base answers
// ABOUTME: Adjusts tone to sentiment and falls back to a clarifying reply

package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// TemplateGenerator builds replies from knowledge base bodies. Tone tracks
// sentiment: an apology leads when the customer is upset, a plain
// acknowledgment otherwise.
type TemplateGenerator struct{}

// NewTemplateGenerator returns the built-in generator.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(_ context.Context, req *Request, answer *Answer, sentiment float64) (string, error) {
	if answer == nil {
		return fallbackReply, nil
	}
	body := strings.TrimSpace(answer.Body)
	if body == "" {
		return "", fmt.Errorf("knowledge entry %s has an empty body", answer.ID)
	}

	var b strings.Builder
	if sentiment < 0.4 {
		b.WriteString("We're sorry for the trouble this has caused. ")
	} else {
		b.WriteString("Thanks for reaching out. ")
	}
	b.WriteString(body)

	if len(req.History) > 2 {
		b.WriteString("\n\nIf this doesn't resolve it, just reply here and we'll pick up where we left off.")
	}
	return b.String(), nil
}

const fallbackReply = "Thanks for getting in touch. Could you share a few more details about " +
	"what you're trying to do and what you're seeing? That will help us point you to the right fix."
