/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL queries for the charges, accounts, and transactions
 * tables. Conditional writes (mark-paid, debit) carry their guard in the WHERE
 * clause so that concurrent attempts resolve at the database, not in Go.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneta-app/charge-service/internal/domain"
)

// DBTX is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx,
// letting the same query methods run pooled or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db   DBTX
	pool *pgxpool.Pool // nil when bound to a transaction
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool, pool: pool}
}

const chargeColumns = `id, user_id, name, amount, due_date, category, is_paid, paid_date,
	is_recurring, COALESCE(recurrence, ''), is_active, account_id, auto_deduct,
	start_payment_next_month, reminder_days, payment_method, created_at`

func scanCharge(row pgx.Row) (*domain.Charge, error) {
	var c domain.Charge
	var recurrence string
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Name,
		&c.Amount,
		&c.DueDate,
		&c.Category,
		&c.IsPaid,
		&c.PaidDate,
		&c.IsRecurring,
		&recurrence,
		&c.IsActive,
		&c.AccountID,
		&c.AutoDeduct,
		&c.StartPaymentNextMonth,
		&c.ReminderDays,
		&c.PaymentMethod,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Recurrence = domain.Recurrence(recurrence)
	return &c, nil
}

// GetCharge retrieves a single charge scoped to its owner.
func (r *PostgresRepository) GetCharge(ctx context.Context, chargeID, userID uuid.UUID) (*domain.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1 AND user_id = $2`
	charge, err := scanCharge(r.db.QueryRow(ctx, query, chargeID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChargeNotFound
		}
		return nil, err
	}
	return charge, nil
}

// ListCharges retrieves a user's charges, optionally narrowed by paid,
// recurring, and active flags.
func (r *PostgresRepository) ListCharges(ctx context.Context, userID uuid.UUID, filter domain.ChargeFilter) ([]domain.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE user_id = $1`
	args := []any{userID}

	if filter.IsPaid != nil {
		args = append(args, *filter.IsPaid)
		query += fmt.Sprintf(" AND is_paid = $%d", len(args))
	}
	if filter.IsRecurring != nil {
		args = append(args, *filter.IsRecurring)
		query += fmt.Sprintf(" AND is_recurring = $%d", len(args))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		query += fmt.Sprintf(" AND is_active = $%d", len(args))
	}
	query += " ORDER BY due_date ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []domain.Charge
	for rows.Next() {
		charge, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, *charge)
	}
	return charges, rows.Err()
}

// ListUpcomingCharges retrieves unpaid active charges whose reminder window
// has opened (due_date within reminder_days of now).
func (r *PostgresRepository) ListUpcomingCharges(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.Charge, error) {
	query := `
		SELECT ` + chargeColumns + `
		FROM charges
		WHERE user_id = $1
		  AND is_paid = FALSE
		  AND is_active = TRUE
		  AND due_date <= $2::timestamptz + (reminder_days * INTERVAL '1 day')
		ORDER BY due_date ASC
	`
	rows, err := r.db.Query(ctx, query, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []domain.Charge
	for rows.Next() {
		charge, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, *charge)
	}
	return charges, rows.Err()
}

// InsertCharge persists a new charge record.
func (r *PostgresRepository) InsertCharge(ctx context.Context, charge *domain.Charge) error {
	query := `
		INSERT INTO charges (
			id, user_id, name, amount, due_date, category, is_paid, paid_date,
			is_recurring, recurrence, is_active, account_id, auto_deduct,
			start_payment_next_month, reminder_days, payment_method, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Exec(ctx, query,
		charge.ID,
		charge.UserID,
		charge.Name,
		charge.Amount,
		charge.DueDate,
		charge.Category,
		charge.IsPaid,
		charge.PaidDate,
		charge.IsRecurring,
		string(charge.Recurrence),
		charge.IsActive,
		charge.AccountID,
		charge.AutoDeduct,
		charge.StartPaymentNextMonth,
		charge.ReminderDays,
		charge.PaymentMethod,
		charge.CreatedAt,
	)
	return err
}

// DeleteCharge removes a charge. Ledger history is preserved; the foreign key
// on transactions.charge_id is ON DELETE SET NULL.
func (r *PostgresRepository) DeleteCharge(ctx context.Context, chargeID, userID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM charges WHERE id = $1 AND user_id = $2`, chargeID, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrChargeNotFound
	}
	return nil
}

// ChargeExists reports whether a charge row already exists for the tuple the
// occurrence generator is about to create.
func (r *PostgresRepository) ChargeExists(ctx context.Context, userID uuid.UUID, name string, recurrence domain.Recurrence, dueDate time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM charges
			WHERE user_id = $1
			  AND name = $2
			  AND COALESCE(recurrence, '') = $3
			  AND due_date::date = $4::date
		)
	`
	err := r.db.QueryRow(ctx, query, userID, name, string(recurrence), dueDate).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkChargePaid flips is_paid with a compare-and-swap on the previous value,
// so two concurrent payments resolve to one winner.
func (r *PostgresRepository) MarkChargePaid(ctx context.Context, chargeID, userID uuid.UUID, paidAt time.Time) error {
	query := `
		UPDATE charges
		SET is_paid = TRUE, paid_date = $3
		WHERE id = $1 AND user_id = $2 AND is_paid = FALSE
	`
	result, err := r.db.Exec(ctx, query, chargeID, userID, paidAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing charge from one that lost the race.
		var isPaid bool
		err := r.db.QueryRow(ctx, `SELECT is_paid FROM charges WHERE id = $1 AND user_id = $2`, chargeID, userID).Scan(&isPaid)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChargeNotFound
		}
		if err != nil {
			return err
		}
		return ErrChargeAlreadyPaid
	}
	return nil
}

// GetAccountBalance retrieves the current balance of a user's account.
func (r *PostgresRepository) GetAccountBalance(ctx context.Context, accountID, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 AND user_id = $2`, accountID, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

// DebitAccount subtracts amount from an account, guarded on sufficient funds
// at write time.
func (r *PostgresRepository) DebitAccount(ctx context.Context, accountID, userID uuid.UUID, amount int64) error {
	query := `
		UPDATE accounts
		SET balance = balance - $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND balance >= $3
	`
	result, err := r.db.Exec(ctx, query, accountID, userID, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var balance int64
		err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 AND user_id = $2`, accountID, userID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		return ErrInsufficientFunds
	}
	return nil
}

// InsertLedgerTransaction writes the accounting entry for a payment.
func (r *PostgresRepository) InsertLedgerTransaction(ctx context.Context, entry *domain.LedgerTransaction) error {
	query := `
		INSERT INTO transactions (id, user_id, account_id, charge_id, amount, category, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.AccountID,
		entry.ChargeID,
		entry.Amount,
		entry.Category,
		entry.Description,
		entry.CreatedAt,
	)
	return err
}

// ListPaymentsByCharge returns the payment history of a charge, most recent
// first, derived from its ledger entries.
func (r *PostgresRepository) ListPaymentsByCharge(ctx context.Context, chargeID uuid.UUID) ([]domain.Payment, error) {
	query := `
		SELECT created_at, amount
		FROM transactions
		WHERE charge_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, chargeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var paidAt time.Time
		var amount int64
		if err := rows.Scan(&paidAt, &amount); err != nil {
			return nil, err
		}
		// Ledger amounts are negative for expenses; the payment amount is positive.
		payments = append(payments, domain.Payment{
			PaymentDate:  paidAt,
			PaymentMonth: domain.MonthKey(paidAt),
			Amount:       -amount,
		})
	}
	return payments, rows.Err()
}

// ListUsersWithPaidRecurringCharges returns the users that have at least one
// paid, active, recurring charge awaiting occurrence generation.
func (r *PostgresRepository) ListUsersWithPaidRecurringCharges(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT user_id FROM charges
		WHERE is_paid = TRUE AND is_recurring = TRUE AND is_active = TRUE
	`
	return r.listUserIDs(ctx, query)
}

// ListUsersWithAutoDeductCharges returns the users that have at least one
// unpaid, active charge flagged for auto-deduction.
func (r *PostgresRepository) ListUsersWithAutoDeductCharges(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT user_id FROM charges
		WHERE is_paid = FALSE AND auto_deduct = TRUE AND is_active = TRUE
	`
	return r.listUserIDs(ctx, query)
}

func (r *PostgresRepository) listUserIDs(ctx context.Context, query string) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithTx runs fn against a repository bound to a single database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		return errors.New("nested transactions are not supported")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
