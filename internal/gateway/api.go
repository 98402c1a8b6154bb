// ABOUTME: HTTP API handlers for the operational surface of the gateway
// ABOUTME: Ticket submission and inspection, sweeps, customer lookup, health

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/worker"
)

// TicketResponse is the JSON shape for ticket lookups.
type TicketResponse struct {
	ID               string   `json:"id"`
	ConversationID   string   `json:"conversation_id"`
	CustomerID       string   `json:"customer_id"`
	Channel          string   `json:"channel"`
	Category         string   `json:"category"`
	Priority         string   `json:"priority"`
	Status           string   `json:"status"`
	Reference        string   `json:"reference"`
	ResolutionNotes  string   `json:"resolution_notes,omitempty"`
	Sentiment        *float64 `json:"sentiment,omitempty"`
	EscalationTarget string   `json:"escalation_target,omitempty"`
	CreatedAt        string   `json:"created_at"`
	ResolvedAt       string   `json:"resolved_at,omitempty"`
}

// CustomerResponse is the JSON shape for customer lookups.
type CustomerResponse struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"display_name,omitempty"`
	Identifiers []IdentifierResponse `json:"identifiers"`
	CreatedAt   string               `json:"created_at"`
}

// IdentifierResponse is one linked identifier in a customer lookup.
type IdentifierResponse struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Verified bool   `json:"verified"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/tickets", g.handleTickets)
	mux.HandleFunc("/tickets/", g.handleTicketByID)
	mux.HandleFunc("/process", g.handleProcessAll)
	mux.HandleFunc("/customers", g.handleCustomerLookup)
	return mux
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	g.sendJSON(w, status, errorResponse{Error: msg})
}

// handleHealth handles GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"knowledge_entries": g.knowledge.Entries(),
	})
}

// handleTickets handles POST /tickets: a canonical message in, the ingestion
// result out. This is the path web form submissions and adapter-less
// integrations use.
func (g *Gateway) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var msg canonical.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := g.ingest.Ingest(r.Context(), &msg)
	if err != nil {
		var verr *canonical.ValidationError
		if errors.As(err, &verr) {
			g.sendJSONError(w, http.StatusBadRequest, verr.Error())
			return
		}
		g.logger.Error("ingest failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	g.sendJSON(w, status, res)
}

// handleTicketByID handles GET /tickets/{id} and POST /tickets/{id}/process.
func (g *Gateway) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tickets/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusNotFound, "ticket id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		g.getTicket(w, r, id)
	case action == "process" && r.Method == http.MethodPost:
		g.processTicket(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) getTicket(w http.ResponseWriter, r *http.Request, id string) {
	ticket, err := g.store.GetTicket(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "ticket not found")
		return
	}
	if err != nil {
		g.logger.Error("loading ticket", "ticket_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := TicketResponse{
		ID:               ticket.ID,
		ConversationID:   ticket.ConversationID,
		CustomerID:       ticket.CustomerID,
		Channel:          ticket.Channel,
		Category:         ticket.Category,
		Priority:         ticket.Priority,
		Status:           ticket.Status,
		Reference:        ticket.Reference,
		ResolutionNotes:  ticket.ResolutionNotes,
		EscalationTarget: "",
		CreatedAt:        ticket.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if ticket.ResolvedAt != nil {
		resp.ResolvedAt = ticket.ResolvedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if conv, err := g.store.GetConversation(r.Context(), ticket.ConversationID); err == nil {
		resp.Sentiment = conv.Sentiment
		resp.EscalationTarget = conv.EscalationTarget
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) processTicket(w http.ResponseWriter, r *http.Request, id string) {
	out, err := g.processor.Process(r.Context(), id)
	switch {
	case errors.Is(err, worker.ErrSkipped):
		g.sendJSONError(w, http.StatusConflict, "ticket is claimed or already processed")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "ticket not found")
	case err != nil:
		g.logger.Error("processing ticket", "ticket_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		g.sendJSON(w, http.StatusOK, out)
	}
}

// handleProcessAll handles POST /process: one sweep over pending tickets.
func (g *Gateway) handleProcessAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := g.processor.ProcessAll(r.Context())
	if err != nil {
		g.logger.Error("sweep failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, stats)
}

// handleCustomerLookup handles GET /customers?type=email&value=a@example.com.
func (g *Gateway) handleCustomerLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	idType := r.URL.Query().Get("type")
	value := r.URL.Query().Get("value")
	if idType == "" || value == "" {
		g.sendJSONError(w, http.StatusBadRequest, "type and value query parameters are required")
		return
	}

	normalized, err := canonical.NormalizeIdentifier(idType, value)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	customer, err := g.store.GetCustomerByIdentifier(r.Context(), idType, normalized)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "no customer with that identifier")
		return
	}
	if err != nil {
		g.logger.Error("customer lookup", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	idents, err := g.store.ListIdentifiers(r.Context(), customer.ID)
	if err != nil {
		g.logger.Error("listing identifiers", "customer_id", customer.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := CustomerResponse{
		ID:          customer.ID,
		DisplayName: customer.DisplayName,
		CreatedAt:   customer.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, ident := range idents {
		resp.Identifiers = append(resp.Identifiers, IdentifierResponse{
			Type:     ident.Type,
			Value:    ident.Value,
			Verified: ident.Verified,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}
