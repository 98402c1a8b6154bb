// ABOUTME: Cross-channel customer identity resolution and merging
// ABOUTME: Maps normalized identifiers to stable customer records, following merge pointers

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

// ErrSelfMerge is returned when primary and secondary resolve to the same customer.
var ErrSelfMerge = errors.New("cannot merge a customer into itself")

// ResolverStore defines what the resolver needs from storage.
type ResolverStore interface {
	CreateCustomer(ctx context.Context, customer *store.Customer, ident *store.Identifier) error
	GetCustomer(ctx context.Context, id string) (*store.Customer, error)
	GetCustomerByIdentifier(ctx context.Context, idType, value string) (*store.Customer, error)
	AddIdentifier(ctx context.Context, ident *store.Identifier) error
	MergeCustomers(ctx context.Context, primaryID, secondaryID string) error
}

// Resolver maps channel identifiers to stable customer records. Callers must
// pass normalized values (see canonical.NormalizeIdentifier); Resolve
// normalizes again defensively because an un-normalized lookup would silently
// split one customer into two.
type Resolver struct {
	store  ResolverStore
	logger *slog.Logger
}

// New creates a Resolver.
func New(s ResolverStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		logger: logger.With("component", "identity"),
	}
}

// Resolution is the result of resolving an identifier.
type Resolution struct {
	CustomerID string
	IsNew      bool
}

// Resolve returns the customer owning the identifier, creating a new customer
// with that single unverified identifier on first contact.
//
// Two concurrent first-contacts from the same identifier must not create two
// customers: the storage layer's uniqueness constraint decides the winner and
// the loser retries by re-reading.
func (r *Resolver) Resolve(ctx context.Context, idType, value string) (*Resolution, error) {
	normalized, err := canonical.NormalizeIdentifier(idType, value)
	if err != nil {
		return nil, err
	}

	if customer, err := r.lookup(ctx, idType, normalized); err == nil {
		return &Resolution{CustomerID: customer.ID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	customerID := uuid.New().String()
	now := time.Now().UTC()
	err = r.store.CreateCustomer(ctx,
		&store.Customer{ID: customerID, CreatedAt: now},
		&store.Identifier{
			CustomerID: customerID,
			Type:       idType,
			Value:      normalized,
			CreatedAt:  now,
		})
	if err == nil {
		r.logger.Debug("created customer", "customer_id", customerID, "identifier_type", idType)
		return &Resolution{CustomerID: customerID, IsNew: true}, nil
	}
	if !errors.Is(err, store.ErrDuplicateIdentifier) {
		return nil, fmt.Errorf("creating customer: %w", err)
	}

	// Lost the create race: someone else registered the identifier between
	// our lookup and insert. Re-read and use theirs.
	customer, err := r.lookup(ctx, idType, normalized)
	if err != nil {
		return nil, fmt.Errorf("re-reading after create race: %w", err)
	}
	r.logger.Debug("resolved after create race", "customer_id", customer.ID)
	return &Resolution{CustomerID: customer.ID}, nil
}

// Attach links an additional identifier to an existing customer, merging when
// the identifier already belongs to a different customer (e.g. an email
// address given during a WhatsApp conversation). Returns the surviving
// customer id.
func (r *Resolver) Attach(ctx context.Context, customerID, idType, value string) (string, error) {
	normalized, err := canonical.NormalizeIdentifier(idType, value)
	if err != nil {
		return "", err
	}

	owner, err := r.lookup(ctx, idType, normalized)
	switch {
	case err == nil:
		if owner.ID == customerID {
			return customerID, nil
		}
		// Identifier belongs to another existing customer: the current
		// interaction proves both records are the same person.
		if err := r.Merge(ctx, customerID, owner.ID); err != nil {
			if errors.Is(err, ErrSelfMerge) {
				// Both already follow to the same survivor.
				return owner.ID, nil
			}
			return "", err
		}
		return customerID, nil
	case errors.Is(err, store.ErrNotFound):
		addErr := r.store.AddIdentifier(ctx, &store.Identifier{
			CustomerID: customerID,
			Type:       idType,
			Value:      normalized,
			CreatedAt:  time.Now().UTC(),
		})
		if errors.Is(addErr, store.ErrDuplicateIdentifier) {
			// Raced with another attach; re-resolve and merge if needed.
			return r.Attach(ctx, customerID, idType, value)
		}
		if addErr != nil {
			return "", fmt.Errorf("adding identifier: %w", addErr)
		}
		return customerID, nil
	default:
		return "", err
	}
}

// Merge folds secondary into primary: all identifiers, conversations, and
// tickets move to primary, and secondary is marked merged-away for audit.
func (r *Resolver) Merge(ctx context.Context, primaryID, secondaryID string) error {
	primary, err := r.follow(ctx, primaryID)
	if err != nil {
		return fmt.Errorf("loading primary: %w", err)
	}
	secondary, err := r.follow(ctx, secondaryID)
	if err != nil {
		return fmt.Errorf("loading secondary: %w", err)
	}
	if primary.ID == secondary.ID {
		return ErrSelfMerge
	}

	if err := r.store.MergeCustomers(ctx, primary.ID, secondary.ID); err != nil {
		return fmt.Errorf("merging customers: %w", err)
	}
	r.logger.Info("merged customer records", "primary", primary.ID, "secondary", secondary.ID)
	return nil
}

// lookup resolves an identifier and follows merge pointers to the surviving
// record, so identifiers registered before a merge still resolve correctly.
func (r *Resolver) lookup(ctx context.Context, idType, value string) (*store.Customer, error) {
	customer, err := r.store.GetCustomerByIdentifier(ctx, idType, value)
	if err != nil {
		return nil, err
	}
	if customer.MergedInto == nil {
		return customer, nil
	}
	return r.follow(ctx, *customer.MergedInto)
}

// follow walks the merged-into chain to the live record. Chains are short
// (each merge re-points to the current survivor) but a bound guards against
// corrupt data.
func (r *Resolver) follow(ctx context.Context, customerID string) (*store.Customer, error) {
	id := customerID
	for depth := 0; depth < 16; depth++ {
		customer, err := r.store.GetCustomer(ctx, id)
		if err != nil {
			return nil, err
		}
		if customer.MergedInto == nil {
			return customer, nil
		}
		id = *customer.MergedInto
	}
	return nil, fmt.Errorf("merge chain too deep starting at %s", customerID)
}
