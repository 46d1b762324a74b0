/**
 * @description
 * This file contains the core business logic for the charge-service. The
 * `Service` struct orchestrates the charge lifecycle: creation, eligibility,
 * occurrence generation, and atomic payment execution against the repository.
 *
 * Key features:
 * - Payment execution wraps the mark-paid, debit, and ledger writes in a single
 *   database transaction; the mark-paid write is conditional on the charge
 *   still being unpaid, so concurrent payments resolve to one winner.
 * - Occurrence generation is idempotent: re-running it for the same paid charge
 *   never creates a duplicate successor.
 * - Lifecycle events are published to RabbitMQ after a successful commit and
 *   never fail the operation.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For lifecycle event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/moneta-app/charge-service/internal/domain"
	"github.com/moneta-app/charge-service/internal/store"
	"github.com/moneta-app/charge-service/pkg/rabbitmq"
)

const chargeEventsExchange = "moneta.events"

// Service provides the business logic for the charge lifecycle.
type Service struct {
	repo   store.Repository
	events rabbitmq.Publisher
	now    func() time.Time
}

// NewService creates a new charge service instance.
func NewService(repo store.Repository, events rabbitmq.Publisher) *Service {
	return &Service{
		repo:   repo,
		events: events,
		now:    time.Now,
	}
}

// CreateCharge validates and persists a new charge for a user.
func (s *Service) CreateCharge(ctx context.Context, charge domain.Charge) (*domain.Charge, error) {
	if err := charge.Validate(); err != nil {
		return nil, err
	}

	charge.ID = uuid.New()
	charge.IsPaid = false
	charge.PaidDate = nil
	charge.IsActive = true
	charge.CreatedAt = s.now()

	if err := s.repo.InsertCharge(ctx, &charge); err != nil {
		return nil, fmt.Errorf("failed to insert charge: %w", err)
	}
	return &charge, nil
}

// GetCharge retrieves a single charge scoped to its owner.
func (s *Service) GetCharge(ctx context.Context, chargeID, userID uuid.UUID) (*domain.Charge, error) {
	return s.repo.GetCharge(ctx, chargeID, userID)
}

// ListCharges retrieves a user's charges with optional filters.
func (s *Service) ListCharges(ctx context.Context, userID uuid.UUID, filter domain.ChargeFilter) ([]domain.Charge, error) {
	return s.repo.ListCharges(ctx, userID, filter)
}

// ListUpcomingCharges retrieves unpaid charges whose reminder window has opened.
func (s *Service) ListUpcomingCharges(ctx context.Context, userID uuid.UUID) ([]domain.Charge, error) {
	return s.repo.ListUpcomingCharges(ctx, userID, s.now())
}

// DeleteCharge removes a charge. This is the explicit destructive operation;
// the recurrence flow itself never deletes paid history.
func (s *Service) DeleteCharge(ctx context.Context, chargeID, userID uuid.UUID) error {
	return s.repo.DeleteCharge(ctx, chargeID, userID)
}

// resolvePayment re-fetches the charge and validates that a payment could
// proceed right now. It is the single source of truth shared by PayCharge and
// CanPayCharge, so the two can never diverge.
func (s *Service) resolvePayment(ctx context.Context, chargeID uuid.UUID, accountOverride *uuid.UUID, userID uuid.UUID) (*domain.Charge, uuid.UUID, error) {
	charge, err := s.repo.GetCharge(ctx, chargeID, userID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if charge.IsPaid {
		return nil, uuid.Nil, store.ErrChargeAlreadyPaid
	}

	accountID := accountOverride
	if accountID == nil {
		accountID = charge.AccountID
	}
	if accountID == nil {
		return nil, uuid.Nil, domain.ErrNoAccountLinked
	}

	balance, err := s.repo.GetAccountBalance(ctx, *accountID, userID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if balance < charge.Amount {
		return nil, uuid.Nil, store.ErrInsufficientFunds
	}

	return charge, *accountID, nil
}

// PayCharge executes a payment for one charge: marks it paid, debits the
// account, and records the ledger entry — all inside one database transaction.
// The autoPaid flag only annotates the published event.
func (s *Service) PayCharge(ctx context.Context, chargeID uuid.UUID, accountOverride *uuid.UUID, userID uuid.UUID, autoPaid bool) (*domain.Charge, error) {
	charge, accountID, err := s.resolvePayment(ctx, chargeID, accountOverride, userID)
	if err != nil {
		return nil, err
	}

	paidAt := s.now()
	entry := &domain.LedgerTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		AccountID:   accountID,
		ChargeID:    &charge.ID,
		Amount:      -charge.Amount,
		Category:    domain.LedgerCategoryCharge,
		Description: charge.Name,
		CreatedAt:   paidAt,
	}

	err = s.repo.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.MarkChargePaid(ctx, charge.ID, userID, paidAt); err != nil {
			return err
		}
		// Funds were validated above, but the debit is re-guarded at write
		// time: the balance may have changed since the read.
		if err := tx.DebitAccount(ctx, accountID, userID, charge.Amount); err != nil {
			return err
		}
		if err := tx.InsertLedgerTransaction(ctx, entry); err != nil {
			return fmt.Errorf("failed to record ledger transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	charge.IsPaid = true
	charge.PaidDate = &paidAt

	if s.events != nil {
		event := rabbitmq.ChargePaidEvent{
			ChargeID:  charge.ID,
			UserID:    userID,
			AccountID: accountID,
			Amount:    charge.Amount,
			AutoPaid:  autoPaid,
			Timestamp: paidAt,
		}
		if err := s.events.Publish(ctx, chargeEventsExchange, "charge.paid", event); err != nil {
			log.Printf("WARN: failed to publish charge.paid event for charge %s: %v", charge.ID, err)
		}
	}

	return charge, nil
}

// CanPayCharge is the read-only pre-check variant of PayCharge's validation.
// It never returns an error; failures become a reason string.
func (s *Service) CanPayCharge(ctx context.Context, chargeID, userID uuid.UUID) domain.CanPayResult {
	_, _, err := s.resolvePayment(ctx, chargeID, nil, userID)
	if err == nil {
		return domain.CanPayResult{CanPay: true}
	}

	var reason string
	switch {
	case errors.Is(err, store.ErrChargeNotFound):
		reason = "charge not found"
	case errors.Is(err, store.ErrChargeAlreadyPaid):
		reason = "charge is already paid"
	case errors.Is(err, domain.ErrNoAccountLinked):
		reason = "no payment account linked"
	case errors.Is(err, store.ErrAccountNotFound):
		reason = "payment account not found"
	case errors.Is(err, store.ErrInsufficientFunds):
		reason = "insufficient funds"
	default:
		reason = "unable to verify charge, please retry"
	}
	return domain.CanPayResult{CanPay: false, Reason: reason}
}

// GenerateNextOccurrence computes and persists the successor of a paid
// recurring charge. It returns the new charge's id, or nil when nothing was
// created (non-recurring input, or the successor already exists).
func (s *Service) GenerateNextOccurrence(ctx context.Context, charge domain.Charge, userID uuid.UUID) (*uuid.UUID, error) {
	if !charge.IsRecurring || !charge.IsPaid {
		return nil, nil
	}

	nextDue := domain.NextDueDate(charge.DueDate, charge.Recurrence)

	exists, err := s.repo.ChargeExists(ctx, userID, charge.Name, charge.Recurrence, nextDue)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing occurrence: %w", err)
	}
	if exists {
		return nil, nil
	}

	successor := domain.Charge{
		ID:                    uuid.New(),
		UserID:                userID,
		Name:                  charge.Name,
		Amount:                charge.Amount,
		DueDate:               nextDue,
		Category:              charge.Category,
		IsPaid:                false,
		IsRecurring:           true,
		Recurrence:            charge.Recurrence,
		IsActive:              true,
		AccountID:             charge.AccountID,
		AutoDeduct:            charge.AutoDeduct,
		StartPaymentNextMonth: charge.StartPaymentNextMonth,
		ReminderDays:          charge.ReminderDays,
		PaymentMethod:         charge.PaymentMethod,
		CreatedAt:             s.now(),
	}
	if err := s.repo.InsertCharge(ctx, &successor); err != nil {
		return nil, fmt.Errorf("failed to insert next occurrence: %w", err)
	}

	if s.events != nil {
		event := rabbitmq.OccurrenceCreatedEvent{
			ChargeID:       successor.ID,
			SourceChargeID: charge.ID,
			UserID:         userID,
			DueDate:        nextDue,
			Timestamp:      successor.CreatedAt,
		}
		if err := s.events.Publish(ctx, chargeEventsExchange, "charge.occurrence_created", event); err != nil {
			log.Printf("WARN: failed to publish charge.occurrence_created event for charge %s: %v", successor.ID, err)
		}
	}

	return &successor.ID, nil
}

// ProcessRecurringCharges finds all paid, active, recurring charges for a user
// and generates the next occurrence for each. A single charge's failure never
// aborts the batch; errors are collected per item, tagged with the charge name.
func (s *Service) ProcessRecurringCharges(ctx context.Context, userID uuid.UUID) (domain.BatchResult, error) {
	paid, recurring, active := true, true, true
	charges, err := s.repo.ListCharges(ctx, userID, domain.ChargeFilter{IsPaid: &paid, IsRecurring: &recurring, IsActive: &active})
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("failed to list recurring charges: %w", err)
	}

	result := domain.BatchResult{}
	for _, charge := range charges {
		if _, err := s.GenerateNextOccurrence(ctx, charge, userID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", charge.Name, err))
			continue
		}
		result.Processed++
	}
	return result, nil
}

// RunAutoDeduct sweeps a user's unpaid auto-deduct charges, paying each one
// that is eligible right now. AlreadyPaid conflicts (a concurrent manual
// payment) are swallowed; other failures are collected per item.
func (s *Service) RunAutoDeduct(ctx context.Context, userID uuid.UUID) (domain.BatchResult, error) {
	unpaid, active := false, true
	charges, err := s.repo.ListCharges(ctx, userID, domain.ChargeFilter{IsPaid: &unpaid, IsActive: &active})
	if err != nil {
		return domain.BatchResult{}, fmt.Errorf("failed to list unpaid charges: %w", err)
	}

	now := s.now()
	result := domain.BatchResult{}
	for _, charge := range charges {
		if !charge.AutoDeduct {
			continue
		}

		history, err := s.repo.ListPaymentsByCharge(ctx, charge.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", charge.Name, err))
			continue
		}
		if !EligibleForAutoDeduct(charge, now, history) {
			continue
		}

		if _, err := s.PayCharge(ctx, charge.ID, nil, userID, true); err != nil {
			if errors.Is(err, store.ErrChargeAlreadyPaid) {
				// A manual payment won the race; nothing to do.
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", charge.Name, err))
			continue
		}
		result.Processed++
	}
	return result, nil
}
