// ABOUTME: Postgres implementation of the Store interface using jackc/pgx
// ABOUTME: Mirrors the SQLite schema for deployments with a shared database

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the given database URL and creates the schema
// if it doesn't exist.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			merged_into  TEXT REFERENCES customers(id),
			created_at   TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS customer_identifiers (
			customer_id TEXT NOT NULL REFERENCES customers(id),
			type        TEXT NOT NULL CHECK (type IN ('email', 'phone')),
			value       TEXT NOT NULL,
			verified    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL,

			PRIMARY KEY (type, value)
		);

		CREATE INDEX IF NOT EXISTS idx_identifiers_customer
			ON customer_identifiers(customer_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			customer_id       TEXT NOT NULL REFERENCES customers(id),
			channel           TEXT NOT NULL,
			status            TEXT NOT NULL CHECK (status IN ('active', 'ended')),
			sentiment         DOUBLE PRECISION,
			resolution        TEXT NOT NULL DEFAULT '',
			escalation_target TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			last_message_at   TIMESTAMPTZ NOT NULL,
			ended_at          TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_id, status, last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id),
			channel             TEXT NOT NULL,
			direction           TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
			role                TEXT NOT NULL CHECK (role IN ('customer', 'agent', 'system')),
			body                TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			delivery_status     TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL
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
			priority         TEXT NOT NULL DEFAULT 'medium' CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
			status           TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'in_progress', 'resolved', 'escalated')),
			reference        TEXT NOT NULL,
			resolution_notes TEXT NOT NULL DEFAULT '',
			claimed_until    TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			resolved_at      TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status
			ON tickets(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_tickets_customer
			ON tickets(customer_id);

		CREATE TABLE IF NOT EXISTS processed_events (
			channel             TEXT NOT NULL,
			provider_message_id TEXT NOT NULL,
			seen_at             TIMESTAMPTZ NOT NULL,

			PRIMARY KEY (channel, provider_message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_processed_events_seen
			ON processed_events(seen_at);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// isUniqueViolation checks for the Postgres unique_violation error code.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Customers and identifiers ---

func (s *PostgresStore) CreateCustomer(ctx context.Context, customer *Customer, ident *Identifier) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO customers (id, display_name, created_at)
		VALUES ($1, $2, $3)
	`, customer.ID, customer.DisplayName, customer.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting customer: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO customer_identifiers (customer_id, type, value, verified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ident.CustomerID, ident.Type, ident.Value, ident.Verified, ident.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("inserting identifier: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return s.scanCustomerRow(s.pool.QueryRow(ctx, `
		SELECT id, display_name, merged_into, created_at
		FROM customers WHERE id = $1
	`, id))
}

func (s *PostgresStore) GetCustomerByIdentifier(ctx context.Context, idType, value string) (*Customer, error) {
	return s.scanCustomerRow(s.pool.QueryRow(ctx, `
		SELECT c.id, c.display_name, c.merged_into, c.created_at
		FROM customer_identifiers ci
		JOIN customers c ON c.id = ci.customer_id
		WHERE ci.type = $1 AND ci.value = $2
	`, idType, value))
}

func (s *PostgresStore) scanCustomerRow(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.DisplayName, &c.MergedInto, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) AddIdentifier(ctx context.Context, ident *Identifier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customer_identifiers (customer_id, type, value, verified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ident.CustomerID, ident.Type, ident.Value, ident.Verified, ident.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentifier
		}
		return fmt.Errorf("inserting identifier: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIdentifiers(ctx context.Context, customerID string) ([]*Identifier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT customer_id, type, value, verified, created_at
		FROM customer_identifiers
		WHERE customer_id = $1
		ORDER BY created_at
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("querying identifiers: %w", err)
	}
	defer rows.Close()

	var idents []*Identifier
	for rows.Next() {
		var ident Identifier
		if err := rows.Scan(&ident.CustomerID, &ident.Type, &ident.Value, &ident.Verified, &ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning identifier: %w", err)
		}
		idents = append(idents, &ident)
	}
	return idents, rows.Err()
}

func (s *PostgresStore) MergeCustomers(ctx context.Context, primaryID, secondaryID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE customer_identifiers SET customer_id = $1 WHERE customer_id = $2`,
		primaryID, secondaryID); err != nil {
		return fmt.Errorf("reassigning identifiers: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET customer_id = $1 WHERE customer_id = $2`,
		primaryID, secondaryID); err != nil {
		return fmt.Errorf("reassigning conversations: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tickets SET customer_id = $1 WHERE customer_id = $2`,
		primaryID, secondaryID); err != nil {
		return fmt.Errorf("reassigning tickets: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE customers SET merged_into = $1 WHERE id = $2 AND merged_into IS NULL`,
		primaryID, secondaryID)
	if err != nil {
		return fmt.Errorf("marking customer merged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing merge: %w", err)
	}

	s.logger.Info("merged customers", "primary", primaryID, "secondary", secondaryID)
	return nil
}

// --- Conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, customer_id, channel, status, sentiment, resolution, escalation_target, created_at, last_message_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, conv.ID, conv.CustomerID, conv.Channel, conv.Status, conv.Sentiment,
		conv.Resolution, conv.EscalationTarget,
		conv.CreatedAt.UTC(), conv.LastMessageAt.UTC(), conv.EndedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

const pgConversationColumns = `id, customer_id, channel, status, sentiment, resolution, escalation_target, created_at, last_message_at, ended_at`

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.scanConversationRow(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (s *PostgresStore) ActiveConversation(ctx context.Context, customerID string, cutoff time.Time) (*Conversation, error) {
	return s.scanConversationRow(s.pool.QueryRow(ctx,
		`SELECT `+pgConversationColumns+` FROM conversations
		 WHERE customer_id = $1 AND status = 'active' AND last_message_at >= $2
		 ORDER BY last_message_at DESC
		 LIMIT 1`, customerID, cutoff.UTC()))
}

func (s *PostgresStore) scanConversationRow(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.CustomerID, &conv.Channel, &conv.Status,
		&conv.Sentiment, &conv.Resolution, &conv.EscalationTarget,
		&conv.CreatedAt, &conv.LastMessageAt, &conv.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

const pgMessageColumns = `id, conversation_id, channel, direction, role, body, provider_message_id, delivery_status, created_at`

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (`+pgMessageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, msg.ID, msg.ConversationID, msg.Channel, msg.Direction, msg.Role,
		msg.Body, msg.ProviderMessageID, msg.DeliveryStatus, msg.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at
		 LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Channel, &msg.Direction,
			&msg.Role, &msg.Body, &msg.ProviderMessageID, &msg.DeliveryStatus, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) LatestInboundMessage(ctx context.Context, conversationID string) (*Message, error) {
	var msg Message
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE conversation_id = $1 AND direction = 'inbound'
		 ORDER BY created_at DESC
		 LIMIT 1`, conversationID).
		Scan(&msg.ID, &msg.ConversationID, &msg.Channel, &msg.Direction,
			&msg.Role, &msg.Body, &msg.ProviderMessageID, &msg.DeliveryStatus, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &msg, nil
}

func (s *PostgresStore) UpdateDeliveryStatus(ctx context.Context, messageID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET delivery_status = $1 WHERE id = $2`, status, messageID)
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tickets ---

const pgTicketColumns = `id, conversation_id, customer_id, channel, category, priority, status, reference, resolution_notes, claimed_until, created_at, resolved_at`

func (s *PostgresStore) CreateTicket(ctx context.Context, ticket *Ticket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets (`+pgTicketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ticket.ID, ticket.ConversationID, ticket.CustomerID, ticket.Channel,
		ticket.Category, ticket.Priority, ticket.Status, ticket.Reference,
		ticket.ResolutionNotes, ticket.ClaimedUntil, ticket.CreatedAt.UTC(), ticket.ResolvedAt)
	if err != nil {
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	return s.scanTicketRow(s.pool.QueryRow(ctx,
		`SELECT `+pgTicketColumns+` FROM tickets WHERE id = $1`, id))
}

func (s *PostgresStore) GetTicketByConversation(ctx context.Context, conversationID string) (*Ticket, error) {
	return s.scanTicketRow(s.pool.QueryRow(ctx,
		`SELECT `+pgTicketColumns+` FROM tickets WHERE conversation_id = $1`, conversationID))
}

func (s *PostgresStore) ListPendingTickets(ctx context.Context, limit int) ([]*Ticket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTicketColumns+` FROM tickets
		 WHERE status IN ('open', 'in_progress')
		 ORDER BY created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		ticket, err := s.scanTicketRow(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *PostgresStore) scanTicketRow(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.ConversationID, &t.CustomerID, &t.Channel,
		&t.Category, &t.Priority, &t.Status, &t.Reference, &t.ResolutionNotes,
		&t.ClaimedUntil, &t.CreatedAt, &t.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ticket: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ClaimTicket(ctx context.Context, id string, deadline time.Time) (*Ticket, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets
		SET status = 'in_progress', claimed_until = $1
		WHERE id = $2
		  AND (status = 'open'
		       OR (status = 'in_progress' AND claimed_until IS NOT NULL AND claimed_until < NOW()))
	`, deadline.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("claiming ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTicket(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStaleTicket
	}
	return s.GetTicket(ctx, id)
}

func (s *PostgresStore) CommitOutcome(ctx context.Context, outcome *TicketOutcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = $1, resolution_notes = $2, claimed_until = NULL, resolved_at = $3,
		    category = COALESCE(NULLIF($4, ''), category),
		    priority = COALESCE(NULLIF($5, ''), priority)
		WHERE id = $6 AND status = 'in_progress'
	`, outcome.Status, outcome.ResolutionNotes, now,
		outcome.Category, outcome.Priority, outcome.TicketID)
	if err != nil {
		return fmt.Errorf("updating ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTicket
	}

	var conversationID string
	err = tx.QueryRow(ctx,
		`SELECT conversation_id FROM tickets WHERE id = $1`, outcome.TicketID).
		Scan(&conversationID)
	if err != nil {
		return fmt.Errorf("reading ticket conversation: %w", err)
	}

	if outcome.Outbound != nil {
		msg := outcome.Outbound
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (`+pgMessageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, msg.ID, msg.ConversationID, msg.Channel, msg.Direction, msg.Role,
			msg.Body, msg.ProviderMessageID, msg.DeliveryStatus, msg.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("inserting outbound message: %w", err)
		}
	}

	if outcome.EndConversation {
		_, err = tx.Exec(ctx, `
			UPDATE conversations
			SET sentiment = COALESCE($1, sentiment), resolution = $2, escalation_target = $3,
			    last_message_at = $4, status = 'ended', ended_at = $4
			WHERE id = $5
		`, outcome.Sentiment, outcome.Resolution, outcome.EscalationTarget, now, conversationID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE conversations
			SET sentiment = COALESCE($1, sentiment), resolution = $2, escalation_target = $3,
			    last_message_at = $4
			WHERE id = $5
		`, outcome.Sentiment, outcome.Resolution, outcome.EscalationTarget, now, conversationID)
	}
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing outcome: %w", err)
	}
	return nil
}

// --- Idempotent ingestion bookkeeping ---

func (s *PostgresStore) RecordProcessedEvent(ctx context.Context, channel, providerMessageID string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (channel, provider_message_id, seen_at)
		VALUES ($1, $2, $3)
	`, channel, providerMessageID, seenAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("recording processed event: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProcessedEvent(ctx context.Context, channel, providerMessageID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM processed_events WHERE channel = $1 AND provider_message_id = $2
	`, channel, providerMessageID)
	if err != nil {
		return fmt.Errorf("deleting processed event: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE seen_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
