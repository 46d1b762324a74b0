/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * operations required by the charge-service. The interface decouples the business
 * logic from the PostgreSQL implementation and lets tests substitute in-memory
 * stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/moneta-app/charge-service/internal/domain"
)

var (
	ErrChargeNotFound    = errors.New("charge not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrChargeAlreadyPaid = errors.New("charge already paid")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Charge methods
	GetCharge(ctx context.Context, chargeID, userID uuid.UUID) (*domain.Charge, error)
	ListCharges(ctx context.Context, userID uuid.UUID, filter domain.ChargeFilter) ([]domain.Charge, error)
	ListUpcomingCharges(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.Charge, error)
	InsertCharge(ctx context.Context, charge *domain.Charge) error
	DeleteCharge(ctx context.Context, chargeID, userID uuid.UUID) error
	// ChargeExists reports whether a charge already exists for the given
	// (user, name, recurrence, due date) tuple. The occurrence generator uses
	// it as its idempotency guard.
	ChargeExists(ctx context.Context, userID uuid.UUID, name string, recurrence domain.Recurrence, dueDate time.Time) (bool, error)
	// MarkChargePaid flips is_paid conditionally on the charge still being
	// unpaid at write time. Returns ErrChargeAlreadyPaid when a concurrent
	// payment won the race.
	MarkChargePaid(ctx context.Context, chargeID, userID uuid.UUID, paidAt time.Time) error

	// Account and ledger methods
	GetAccountBalance(ctx context.Context, accountID, userID uuid.UUID) (int64, error)
	// DebitAccount subtracts amount conditionally on balance >= amount.
	// Returns ErrInsufficientFunds when the balance no longer covers it.
	DebitAccount(ctx context.Context, accountID, userID uuid.UUID, amount int64) error
	InsertLedgerTransaction(ctx context.Context, entry *domain.LedgerTransaction) error
	ListPaymentsByCharge(ctx context.Context, chargeID uuid.UUID) ([]domain.Payment, error)

	// Batch scoping methods, used by the cron jobs to fan out per user.
	ListUsersWithPaidRecurringCharges(ctx context.Context) ([]uuid.UUID, error)
	ListUsersWithAutoDeductCharges(ctx context.Context) ([]uuid.UUID, error)

	// WithTx runs fn against a repository bound to a single database
	// transaction. All writes inside fn commit together or not at all.
	WithTx(ctx context.Context, fn func(Repository) error) error
}
