/**
 * @description
 * Pure auto-deduction eligibility rules. This is the single source of truth for
 * "should this charge be deducted right now" — the batch sweep, the HTTP
 * pre-check, and any diagnostic tooling all call the same function.
 */
package app

import (
	"time"

	"github.com/moneta-app/charge-service/internal/domain"
)

// EligibleForAutoDeduct decides whether a charge should be auto-deducted at
// `now`, given its payment history. It is a pure predicate: malformed input
// means "not eligible", never an error.
//
// Preconditions: the charge is unpaid, flagged for auto-deduction, linked to a
// payment account, and has a positive amount. The due month is always derived
// from the due date, never stored separately.
func EligibleForAutoDeduct(charge domain.Charge, now time.Time, history []domain.Payment) bool {
	if charge.IsPaid || !charge.AutoDeduct || charge.AccountID == nil || charge.Amount <= 0 {
		return false
	}
	if charge.DueDate.IsZero() {
		return false
	}

	if charge.StartPaymentNextMonth {
		// Skip the month the charge was created in, so a newly registered
		// obligation is never deducted immediately. After that, wait for the
		// due date itself.
		if domain.MonthKey(charge.CreatedAt) == domain.MonthKey(now) {
			return false
		}
		if now.Before(charge.DueDate) {
			return false
		}
	} else {
		// As-soon-as-possible policy: due this calendar month, or already
		// overdue from a prior month.
		dueThisMonth := domain.MonthKey(charge.DueDate) == domain.MonthKey(now)
		overdue := !now.Before(charge.DueDate)
		if !dueThisMonth && !overdue {
			return false
		}
	}

	// Never deduct twice in the same month.
	if last, ok := latestPayment(history); ok && last.Month() == domain.MonthKey(now) {
		return false
	}

	return true
}

// latestPayment returns the most recent payment by date, tolerating history in
// any order.
func latestPayment(history []domain.Payment) (domain.Payment, bool) {
	if len(history) == 0 {
		return domain.Payment{}, false
	}
	last := history[0]
	for _, p := range history[1:] {
		if p.PaymentDate.After(last.PaymentDate) {
			last = p
		}
	}
	return last, true
}
