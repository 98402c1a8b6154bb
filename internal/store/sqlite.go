// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides customer/conversation/message/ticket persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			merged_into  TEXT REFERENCES customers(id),
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS customer_identifiers (
			customer_id TEXT NOT NULL REFERENCES customers(id),
			type        TEXT NOT NULL,
			value       TEXT NOT NULL,
			verified    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,

			PRIMARY KEY (type, value),
			CHECK (type IN ('email', 'phone'))
		);

		CREATE INDEX IF NOT EXISTS idx_identifiers_customer
			ON customer_identifiers(customer_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			customer_id       TEXT NOT NULL REFERENCES customers(id),
			channel           TEXT NOT NULL,
			status            TEXT NOT NULL,
			sentiment         REAL,
			resolution        TEXT NOT NULL DEFAULT '',
			escalation_target TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			last_message_at   TEXT NOT NULL,
			ended_at          TEXT,

			CHECK (status IN ('active', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_id, status, last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id),
			channel             TEXT NOT NULL,
			direction           TEXT NOT NULL,
			role                TEXT NOT NULL,
			body                TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			delivery_status     TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (role IN ('customer', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider
			ON messages(channel, provider_message_id)
			WHERE direction = 'inbound' AND provider_message_id != '';

		CREATE TABLE IF NOT EXISTS tickets (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL UNIQUE REFERENCES conversations(id),
			customer_id      TEXT NOT NULL REFERENCES customers(id),
			channel          TEXT NOT NULL,
			category         TEXT NOT NULL DEFAULT '',
			priority         TEXT NOT NULL DEFAULT 'medium',
			status           TEXT NOT NULL DEFAULT 'open',
			reference        TEXT NOT NULL,
			resolution_notes TEXT NOT NULL DEFAULT '',
			claimed_until    TEXT,
			created_at       TEXT NOT NULL,
			resolved_at      TEXT,

			CHECK (status IN ('open', 'in_progress', 'resolved', 'escalated')),
			CHECK (priority IN ('low', 'medium', 'high', 'urgent'))
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status
			ON tickets(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_tickets_customer
			ON tickets(customer_id);

		CREATE TABLE IF NOT EXISTS processed_events (
			channel             TEXT NOT NULL,
			provider_message_id TEXT NOT NULL,
			seen_at             TEXT NOT NULL,

			PRIMARY KEY (channel, provider_message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_processed_events_seen
			ON processed_events(seen_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeFormat pads nanoseconds to a fixed width so that the lexicographic
// ordering SQL applies to these TEXT columns matches time order. RFC3339Nano
// trims trailing zeros, which sorts "12:00:00Z" after "12:00:00.5Z".
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Customers and identifiers ---

func (s *SQLiteStore) CreateCustomer(ctx context.Context, customer *Customer, ident *Identifier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (id, display_name, created_at)
		VALUES (?, ?, ?)
	`, customer.ID, customer.DisplayName, formatTime(customer.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting customer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customer_identifiers (customer_id, type, value, verified, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ident.CustomerID, ident.Type, ident.Value, ident.Verified, formatTime(ident.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("inserting identifier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing customer: %w", err)
	}

	s.logger.Debug("created customer", "id", customer.ID, "identifier_type", ident.Type)
	return nil
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, merged_into, created_at
		FROM customers
		WHERE id = ?
	`, id)
	return scanCustomer(row)
}

func (s *SQLiteStore) GetCustomerByIdentifier(ctx context.Context, idType, value string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.display_name, c.merged_into, c.created_at
		FROM customer_identifiers ci
		JOIN customers c ON c.id = ci.customer_id
		WHERE ci.type = ? AND ci.value = ?
	`, idType, value)
	return scanCustomer(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	var mergedInto sql.NullString
	var createdAt string

	err := row.Scan(&c.ID, &c.DisplayName, &mergedInto, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning customer: %w", err)
	}

	if mergedInto.Valid {
		c.MergedInto = &mergedInto.String
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) AddIdentifier(ctx context.Context, ident *Identifier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_identifiers (customer_id, type, value, verified, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ident.CustomerID, ident.Type, ident.Value, ident.Verified, formatTime(ident.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("inserting identifier: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIdentifiers(ctx context.Context, customerID string) ([]*Identifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, type, value, verified, created_at
		FROM customer_identifiers
		WHERE customer_id = ?
		ORDER BY created_at
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("querying identifiers: %w", err)
	}
	defer rows.Close()

	var idents []*Identifier
	for rows.Next() {
		var ident Identifier
		var createdAt string
		if err := rows.Scan(&ident.CustomerID, &ident.Type, &ident.Value, &ident.Verified, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning identifier: %w", err)
		}
		if ident.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		idents = append(idents, &ident)
	}
	return idents, rows.Err()
}

func (s *SQLiteStore) MergeCustomers(ctx context.Context, primaryID, secondaryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-point everything the secondary owns to the primary.
	if _, err := tx.ExecContext(ctx,
		`UPDATE customer_identifiers SET customer_id = ? WHERE customer_id = ?`,
		primaryID, secondaryID); err != nil {
		return fmt.Errorf("reassigning identifiers: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET customer_id = ? WHERE customer_id = ?`,
		primaryID, secondaryID); err != nil {
		return fmt.Errorf("reassigning conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tickets SET customer_id = ? WHERE customer_id = ?`,
		primaryID, secondaryID); err != nil {
		return fmt.Errorf("reassigning tickets: %w", err)
	}

	// Secondary stays for audit with a pointer to the survivor.
	res, err := tx.ExecContext(ctx,
		`UPDATE customers SET merged_into = ? WHERE id = ? AND merged_into IS NULL`,
		primaryID, secondaryID)
	if err != nil {
		return fmt.Errorf("marking customer merged: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking merge result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing merge: %w", err)
	}

	s.logger.Info("merged customers", "primary", primaryID, "secondary", secondaryID)
	return nil
}

// --- Conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_id, channel, status, sentiment, resolution, escalation_target, created_at, last_message_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.CustomerID, conv.Channel, conv.Status, conv.Sentiment,
		conv.Resolution, conv.EscalationTarget,
		formatTime(conv.CreatedAt), formatTime(conv.LastMessageAt), formatNullTime(conv.EndedAt))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, channel, status, sentiment, resolution, escalation_target, created_at, last_message_at, ended_at
		FROM conversations
		WHERE id = ?
	`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) ActiveConversation(ctx context.Context, customerID string, cutoff time.Time) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, channel, status, sentiment, resolution, escalation_target, created_at, last_message_at, ended_at
		FROM conversations
		WHERE customer_id = ? AND status = 'active' AND last_message_at >= ?
		ORDER BY last_message_at DESC
		LIMIT 1
	`, customerID, formatTime(cutoff))
	return scanConversation(row)
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var sentiment sql.NullFloat64
	var createdAt, lastMessageAt string
	var endedAt sql.NullString

	err := row.Scan(&conv.ID, &conv.CustomerID, &conv.Channel, &conv.Status,
		&sentiment, &conv.Resolution, &conv.EscalationTarget,
		&createdAt, &lastMessageAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if sentiment.Valid {
		conv.Sentiment = &sentiment.Float64
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if conv.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking touch result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, channel, direction, role, body, provider_message_id, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Channel, msg.Direction, msg.Role,
		msg.Body, msg.ProviderMessageID, msg.DeliveryStatus, formatTime(msg.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, channel, direction, role, body, provider_message_id, delivery_status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) LatestInboundMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, channel, direction, role, body, provider_message_id, delivery_status, created_at
		FROM messages
		WHERE conversation_id = ? AND direction = 'inbound'
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationID)
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAt string

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Channel, &msg.Direction,
		&msg.Role, &msg.Body, &msg.ProviderMessageID, &msg.DeliveryStatus, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) UpdateDeliveryStatus(ctx context.Context, messageID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE id = ?`,
		status, messageID)
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tickets ---

func (s *SQLiteStore) CreateTicket(ctx context.Context, ticket *Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, conversation_id, customer_id, channel, category, priority, status, reference, resolution_notes, claimed_until, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ticket.ID, ticket.ConversationID, ticket.CustomerID, ticket.Channel,
		ticket.Category, ticket.Priority, ticket.Status, ticket.Reference,
		ticket.ResolutionNotes, formatNullTime(ticket.ClaimedUntil),
		formatTime(ticket.CreatedAt), formatNullTime(ticket.ResolvedAt))
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	s.logger.Debug("created ticket", "id", ticket.ID, "conversation_id", ticket.ConversationID)
	return nil
}

const ticketColumns = `id, conversation_id, customer_id, channel, category, priority, status, reference, resolution_notes, claimed_until, created_at, resolved_at`

func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	return scanTicket(row)
}

func (s *SQLiteStore) GetTicketByConversation(ctx context.Context, conversationID string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE conversation_id = ?`, conversationID)
	return scanTicket(row)
}

func (s *SQLiteStore) ListPendingTickets(ctx context.Context, limit int) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE status IN ('open', 'in_progress')
		 ORDER BY created_at
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var claimedUntil, resolvedAt sql.NullString
	var createdAt string

	err := row.Scan(&t.ID, &t.ConversationID, &t.CustomerID, &t.Channel,
		&t.Category, &t.Priority, &t.Status, &t.Reference, &t.ResolutionNotes,
		&claimedUntil, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ticket: %w", err)
	}

	if t.ClaimedUntil, err = parseNullTime(claimedUntil); err != nil {
		return nil, fmt.Errorf("parsing claimed_until: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	return &t, nil
}

// ClaimTicket is the per-ticket processing lock: a compare-and-set that moves
// an open ticket (or an in_progress ticket whose claim has expired) to
// in_progress with a fresh deadline. Losing the CAS returns ErrStaleTicket.
func (s *SQLiteStore) ClaimTicket(ctx context.Context, id string, deadline time.Time) (*Ticket, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = 'in_progress', claimed_until = ?
		WHERE id = ?
		  AND (status = 'open'
		       OR (status = 'in_progress' AND claimed_until IS NOT NULL AND claimed_until < ?))
	`, formatTime(deadline), id, now)
	if err != nil {
		return nil, fmt.Errorf("claiming ticket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim result: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from already-claimed for the caller.
		if _, err := s.GetTicket(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStaleTicket
	}
	return s.GetTicket(ctx, id)
}

func (s *SQLiteStore) CommitOutcome(ctx context.Context, outcome *TicketOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = ?, resolution_notes = ?, claimed_until = NULL, resolved_at = ?,
		    category = COALESCE(NULLIF(?, ''), category),
		    priority = COALESCE(NULLIF(?, ''), priority)
		WHERE id = ? AND status = 'in_progress'
	`, outcome.Status, outcome.ResolutionNotes, formatTime(now),
		outcome.Category, outcome.Priority, outcome.TicketID)
	if err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking ticket update: %w", err)
	}
	if affected == 0 {
		return ErrStaleTicket
	}

	ticket, err := scanTicket(tx.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, outcome.TicketID))
	if err != nil {
		return err
	}

	if outcome.Outbound != nil {
		msg := outcome.Outbound
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, channel, direction, role, body, provider_message_id, delivery_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.Channel, msg.Direction, msg.Role,
			msg.Body, msg.ProviderMessageID, msg.DeliveryStatus, formatTime(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting outbound message: %w", err)
		}
	}

	convQuery := `UPDATE conversations SET sentiment = COALESCE(?, sentiment), resolution = ?, escalation_target = ?, last_message_at = ?`
	args := []any{outcome.Sentiment, outcome.Resolution, outcome.EscalationTarget, formatTime(now)}
	if outcome.EndConversation {
		convQuery += `, status = 'ended', ended_at = ?`
		args = append(args, formatTime(now))
	}
	convQuery += ` WHERE id = ?`
	args = append(args, ticket.ConversationID)

	if _, err := tx.ExecContext(ctx, convQuery, args...); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing outcome: %w", err)
	}

	s.logger.Debug("committed ticket outcome",
		"ticket_id", outcome.TicketID,
		"status", outcome.Status,
		"outbound", outcome.Outbound != nil)
	return nil
}

// --- Idempotent ingestion bookkeeping ---

func (s *SQLiteStore) RecordProcessedEvent(ctx context.Context, channel, providerMessageID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (channel, provider_message_id, seen_at)
		VALUES (?, ?, ?)
	`, channel, providerMessageID, formatTime(seenAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("recording processed event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProcessedEvent(ctx context.Context, channel, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE channel = ? AND provider_message_id = ?
	`, channel, providerMessageID)
	if err != nil {
		return fmt.Errorf("deleting processed event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE seen_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purging processed events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
