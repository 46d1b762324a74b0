/**
 * @description
 * This file defines the core domain models for the charge-service: recurring and
 * one-off charges, their payment history, and the ledger entries written when a
 * charge is paid.
 */
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Recurrence is the billing cycle of a recurring charge.
type Recurrence string

const (
	RecurrenceMonthly   Recurrence = "monthly"
	RecurrenceQuarterly Recurrence = "quarterly"
	RecurrenceYearly    Recurrence = "yearly"
)

// LedgerCategoryCharge tags ledger entries written by charge payments so that
// downstream analytics exclude them from discretionary spending.
const LedgerCategoryCharge = "recurring_charge"

var (
	ErrNonPositiveAmount = errors.New("charge amount must be positive")
	ErrMissingRecurrence = errors.New("recurring charge requires a recurrence")
	ErrMissingName       = errors.New("charge name is required")
	ErrNoAccountLinked   = errors.New("charge has no payment account")
)

// Charge represents a recurring or one-off financial obligation owned by a user.
type Charge struct {
	ID                    uuid.UUID  `json:"id"`
	UserID                uuid.UUID  `json:"user_id"`
	Name                  string     `json:"name"`
	Amount                int64      `json:"amount"` // minor currency units
	DueDate               time.Time  `json:"due_date"`
	Category              string     `json:"category"`
	IsPaid                bool       `json:"is_paid"`
	PaidDate              *time.Time `json:"paid_date,omitempty"`
	IsRecurring           bool       `json:"is_recurring"`
	Recurrence            Recurrence `json:"recurrence,omitempty"`
	IsActive              bool       `json:"is_active"`
	AccountID             *uuid.UUID `json:"account_id,omitempty"`
	AutoDeduct            bool       `json:"auto_deduct"`
	StartPaymentNextMonth bool       `json:"start_payment_next_month"`
	ReminderDays          int        `json:"reminder_days"`
	PaymentMethod         *string    `json:"payment_method,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Validate checks the invariants a charge must satisfy before it is persisted.
func (c *Charge) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	if c.IsRecurring && c.Recurrence == "" {
		return ErrMissingRecurrence
	}
	return nil
}

// Payment is one prior payment of a charge, derived from its ledger history.
type Payment struct {
	PaymentDate  time.Time `json:"payment_date"`
	PaymentMonth string    `json:"payment_month"`
	Amount       int64     `json:"amount"`
}

// Month returns the calendar month the payment was made in. The stored
// payment_month is preferred when present; otherwise it is derived from the
// payment date.
func (p Payment) Month() string {
	if p.PaymentMonth != "" {
		return p.PaymentMonth
	}
	return MonthKey(p.PaymentDate)
}

// LedgerTransaction is the accounting entry written against an account when a
// charge is paid. Amount is negative for expenses.
type LedgerTransaction struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	AccountID   uuid.UUID  `json:"account_id"`
	ChargeID    *uuid.UUID `json:"charge_id,omitempty"`
	Amount      int64      `json:"amount"`
	Category    string     `json:"category"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ChargeFilter narrows a charge listing. Nil fields are not applied.
type ChargeFilter struct {
	IsPaid      *bool
	IsRecurring *bool
	IsActive    *bool
}

// BatchResult reports the outcome of a batch run over a user's charges.
type BatchResult struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors"`
}

// CanPayResult is the read-only payment pre-check outcome.
type CanPayResult struct {
	CanPay bool   `json:"can_pay"`
	Reason string `json:"reason,omitempty"`
}

// MonthKey formats a date as the YYYY-MM month key used for eligibility and
// double-charge suppression.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}
