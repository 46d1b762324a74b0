package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/moneta-app/charge-service/internal/domain"
	"github.com/moneta-app/charge-service/internal/store"
)

// stubRepo is an in-memory store.Repository for exercising the service
// without a database. WithTx snapshots state and restores it when fn fails,
// mirroring transactional rollback.
type stubRepo struct {
	mu   sync.Mutex
	txMu sync.Mutex

	charges  map[uuid.UUID]domain.Charge
	balances map[uuid.UUID]int64
	ledger   []domain.LedgerTransaction

	failLedgerInsert bool
	failInsertName   string
	listErr          error
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		charges:  make(map[uuid.UUID]domain.Charge),
		balances: make(map[uuid.UUID]int64),
	}
}

func (s *stubRepo) seedCharge(c domain.Charge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[c.ID] = c
}

func (s *stubRepo) GetCharge(_ context.Context, chargeID, userID uuid.UUID) (*domain.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok || c.UserID != userID {
		return nil, store.ErrChargeNotFound
	}
	copied := c
	return &copied, nil
}

func (s *stubRepo) ListCharges(_ context.Context, userID uuid.UUID, filter domain.ChargeFilter) ([]domain.Charge, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Charge
	for _, c := range s.charges {
		if c.UserID != userID {
			continue
		}
		if filter.IsPaid != nil && c.IsPaid != *filter.IsPaid {
			continue
		}
		if filter.IsRecurring != nil && c.IsRecurring != *filter.IsRecurring {
			continue
		}
		if filter.IsActive != nil && c.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *stubRepo) ListUpcomingCharges(_ context.Context, userID uuid.UUID, now time.Time) ([]domain.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Charge
	for _, c := range s.charges {
		if c.UserID != userID || c.IsPaid || !c.IsActive {
			continue
		}
		window := now.AddDate(0, 0, c.ReminderDays)
		if !c.DueDate.After(window) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubRepo) InsertCharge(_ context.Context, charge *domain.Charge) error {
	if s.failInsertName != "" && charge.Name == s.failInsertName {
		return errors.New("simulated insert failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[charge.ID] = *charge
	return nil
}

func (s *stubRepo) DeleteCharge(_ context.Context, chargeID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok || c.UserID != userID {
		return store.ErrChargeNotFound
	}
	delete(s.charges, chargeID)
	return nil
}

func (s *stubRepo) ChargeExists(_ context.Context, userID uuid.UUID, name string, recurrence domain.Recurrence, dueDate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.charges {
		if c.UserID != userID || c.Name != name || c.Recurrence != recurrence {
			continue
		}
		cy, cm, cd := c.DueDate.Date()
		dy, dm, dd := dueDate.Date()
		if cy == dy && cm == dm && cd == dd {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) MarkChargePaid(_ context.Context, chargeID, userID uuid.UUID, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[chargeID]
	if !ok || c.UserID != userID {
		return store.ErrChargeNotFound
	}
	if c.IsPaid {
		return store.ErrChargeAlreadyPaid
	}
	c.IsPaid = true
	c.PaidDate = &paidAt
	s.charges[chargeID] = c
	return nil
}

func (s *stubRepo) GetAccountBalance(_ context.Context, accountID, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[accountID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	return balance, nil
}

func (s *stubRepo) DebitAccount(_ context.Context, accountID, userID uuid.UUID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if balance < amount {
		return store.ErrInsufficientFunds
	}
	s.balances[accountID] = balance - amount
	return nil
}

func (s *stubRepo) InsertLedgerTransaction(_ context.Context, entry *domain.LedgerTransaction) error {
	if s.failLedgerInsert {
		return errors.New("simulated ledger failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *stubRepo) ListPaymentsByCharge(_ context.Context, chargeID uuid.UUID) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, e := range s.ledger {
		if e.ChargeID == nil || *e.ChargeID != chargeID {
			continue
		}
		out = append(out, domain.Payment{
			PaymentDate:  e.CreatedAt,
			PaymentMonth: domain.MonthKey(e.CreatedAt),
			Amount:       -e.Amount,
		})
	}
	return out, nil
}

func (s *stubRepo) ListUsersWithPaidRecurringCharges(_ context.Context) ([]uuid.UUID, error) {
	return s.userIDs(func(c domain.Charge) bool { return c.IsPaid && c.IsRecurring && c.IsActive })
}

func (s *stubRepo) ListUsersWithAutoDeductCharges(_ context.Context) ([]uuid.UUID, error) {
	return s.userIDs(func(c domain.Charge) bool { return !c.IsPaid && c.AutoDeduct && c.IsActive })
}

func (s *stubRepo) userIDs(match func(domain.Charge) bool) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, c := range s.charges {
		if match(c) && !seen[c.UserID] {
			seen[c.UserID] = true
			out = append(out, c.UserID)
		}
	}
	return out, nil
}

func (s *stubRepo) WithTx(_ context.Context, fn func(store.Repository) error) error {
	// Serialize transactions so a failed one can restore the pre-tx snapshot
	// without clobbering a concurrent commit.
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	chargesSnap := make(map[uuid.UUID]domain.Charge, len(s.charges))
	for id, c := range s.charges {
		chargesSnap[id] = c
	}
	balancesSnap := make(map[uuid.UUID]int64, len(s.balances))
	for id, b := range s.balances {
		balancesSnap[id] = b
	}
	ledgerSnap := make([]domain.LedgerTransaction, len(s.ledger))
	copy(ledgerSnap, s.ledger)
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.charges = chargesSnap
		s.balances = balancesSnap
		s.ledger = ledgerSnap
		s.mu.Unlock()
		return err
	}
	return nil
}

func newTestService(repo *stubRepo, now time.Time) *Service {
	svc := NewService(repo, nil)
	svc.now = func() time.Time { return now }
	return svc
}

func unpaidCharge(userID, accountID uuid.UUID, amount int64) domain.Charge {
	return domain.Charge{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        "Rent",
		Amount:      amount,
		DueDate:     date(2025, time.March, 15),
		IsRecurring: true,
		Recurrence:  domain.RecurrenceMonthly,
		IsActive:    true,
		AccountID:   &accountID,
		CreatedAt:   date(2025, time.February, 1),
	}
}

func TestCreateCharge_RejectsInvalidInput(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, date(2025, time.March, 1))

	charge := domain.Charge{Name: "Gym", Amount: 0, DueDate: date(2025, time.March, 10)}
	if _, err := svc.CreateCharge(context.Background(), charge); !errors.Is(err, domain.ErrNonPositiveAmount) {
		t.Fatalf("expected ErrNonPositiveAmount, got %v", err)
	}
	if len(repo.charges) != 0 {
		t.Fatal("invalid charge must not be persisted")
	}
}

func TestPayCharge_Success(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[accountID] = 8000
	charge := unpaidCharge(userID, accountID, 5000)
	repo.seedCharge(charge)

	svc := newTestService(repo, date(2025, time.March, 15))

	paid, err := svc.PayCharge(context.Background(), charge.ID, nil, userID, false)
	if err != nil {
		t.Fatalf("PayCharge failed: %v", err)
	}
	if !paid.IsPaid || paid.PaidDate == nil {
		t.Fatal("expected charge to be marked paid")
	}
	if repo.balances[accountID] != 3000 {
		t.Fatalf("balance = %d, want 3000", repo.balances[accountID])
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(repo.ledger))
	}
	entry := repo.ledger[0]
	if entry.Amount != -5000 {
		t.Fatalf("ledger amount = %d, want -5000", entry.Amount)
	}
	if entry.Category != domain.LedgerCategoryCharge {
		t.Fatalf("ledger category = %q, want %q", entry.Category, domain.LedgerCategoryCharge)
	}
	if entry.ChargeID == nil || *entry.ChargeID != charge.ID {
		t.Fatal("ledger entry must reference the paid charge")
	}
}

func TestPayCharge_InsufficientFundsLeavesStateUntouched(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[accountID] = 100
	charge := unpaidCharge(userID, accountID, 5000)
	repo.seedCharge(charge)

	svc := newTestService(repo, date(2025, time.March, 15))

	if _, err := svc.PayCharge(context.Background(), charge.ID, nil, userID, false); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if repo.charges[charge.ID].IsPaid {
		t.Fatal("charge must remain unpaid")
	}
	if repo.balances[accountID] != 100 {
		t.Fatalf("balance = %d, want 100", repo.balances[accountID])
	}
	if len(repo.ledger) != 0 {
		t.Fatal("no ledger entry must be written")
	}
}

func TestPayCharge_RollsBackOnLedgerFailure(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[accountID] = 8000
	repo.failLedgerInsert = true
	charge := unpaidCharge(userID, accountID, 5000)
	repo.seedCharge(charge)

	svc := newTestService(repo, date(2025, time.March, 15))

	if _, err := svc.PayCharge(context.Background(), charge.ID, nil, userID, false); err == nil {
		t.Fatal("expected payment to fail")
	}
	if repo.charges[charge.ID].IsPaid {
		t.Fatal("charge must remain unpaid after rollback")
	}
	if repo.balances[accountID] != 8000 {
		t.Fatalf("balance = %d, want 8000 after rollback", repo.balances[accountID])
	}
	if len(repo.ledger) != 0 {
		t.Fatal("no ledger entry must survive the rollback")
	}
}

func TestPayCharge_ConcurrentDoublePay(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[accountID] = 20000
	charge := unpaidCharge(userID, accountID, 5000)
	repo.seedCharge(charge)

	svc := newTestService(repo, date(2025, time.March, 15))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PayCharge(context.Background(), charge.ID, nil, userID, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrChargeAlreadyPaid):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("got %d successes and %d conflicts, want exactly 1 of each", successes, conflicts)
	}
	if repo.balances[accountID] != 15000 {
		t.Fatalf("balance = %d, want a single debit to 15000", repo.balances[accountID])
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(repo.ledger))
	}
}

func TestPayCharge_AccountOverride(t *testing.T) {
	userID, linkedID, overrideID := uuid.New(), uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[linkedID] = 10000
	repo.balances[overrideID] = 10000
	charge := unpaidCharge(userID, linkedID, 5000)
	repo.seedCharge(charge)

	svc := newTestService(repo, date(2025, time.March, 15))

	if _, err := svc.PayCharge(context.Background(), charge.ID, &overrideID, userID, false); err != nil {
		t.Fatalf("PayCharge failed: %v", err)
	}
	if repo.balances[overrideID] != 5000 {
		t.Fatalf("override balance = %d, want 5000", repo.balances[overrideID])
	}
	if repo.balances[linkedID] != 10000 {
		t.Fatalf("linked balance = %d, want untouched 10000", repo.balances[linkedID])
	}
}

func TestCanPayCharge_Reasons(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	now := date(2025, time.March, 15)

	t.Run("charge not found", func(t *testing.T) {
		svc := newTestService(newStubRepo(), now)
		result := svc.CanPayCharge(context.Background(), uuid.New(), userID)
		if result.CanPay || result.Reason != "charge not found" {
			t.Fatalf("got %+v", result)
		}
	})

	t.Run("already paid", func(t *testing.T) {
		repo := newStubRepo()
		charge := unpaidCharge(userID, accountID, 5000)
		charge.IsPaid = true
		repo.seedCharge(charge)
		svc := newTestService(repo, now)
		result := svc.CanPayCharge(context.Background(), charge.ID, userID)
		if result.CanPay || result.Reason != "charge is already paid" {
			t.Fatalf("got %+v", result)
		}
	})

	t.Run("no account linked", func(t *testing.T) {
		repo := newStubRepo()
		charge := unpaidCharge(userID, accountID, 5000)
		charge.AccountID = nil
		repo.seedCharge(charge)
		svc := newTestService(repo, now)
		result := svc.CanPayCharge(context.Background(), charge.ID, userID)
		if result.CanPay || result.Reason != "no payment account linked" {
			t.Fatalf("got %+v", result)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		repo := newStubRepo()
		repo.balances[accountID] = 10
		charge := unpaidCharge(userID, accountID, 5000)
		repo.seedCharge(charge)
		svc := newTestService(repo, now)
		result := svc.CanPayCharge(context.Background(), charge.ID, userID)
		if result.CanPay || result.Reason != "insufficient funds" {
			t.Fatalf("got %+v", result)
		}
	})

	t.Run("payable", func(t *testing.T) {
		repo := newStubRepo()
		repo.balances[accountID] = 10000
		charge := unpaidCharge(userID, accountID, 5000)
		repo.seedCharge(charge)
		svc := newTestService(repo, now)
		result := svc.CanPayCharge(context.Background(), charge.ID, userID)
		if !result.CanPay || result.Reason != "" {
			t.Fatalf("got %+v", result)
		}
	})
}

func TestGenerateNextOccurrence_Idempotent(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	paidAt := date(2025, time.January, 31)
	charge := unpaidCharge(userID, accountID, 5000)
	charge.DueDate = date(2025, time.January, 31)
	charge.IsPaid = true
	charge.PaidDate = &paidAt
	repo.seedCharge(charge)

	svc := newTestService(repo, date(2025, time.February, 1))

	newID, err := svc.GenerateNextOccurrence(context.Background(), charge, userID)
	if err != nil {
		t.Fatalf("GenerateNextOccurrence failed: %v", err)
	}
	if newID == nil {
		t.Fatal("expected a successor to be created")
	}

	successor := repo.charges[*newID]
	wantDue := date(2025, time.February, 28)
	if !successor.DueDate.Equal(wantDue) {
		t.Fatalf("successor due date = %s, want %s", successor.DueDate.Format("2006-01-02"), wantDue.Format("2006-01-02"))
	}
	if successor.IsPaid || !successor.IsActive || !successor.IsRecurring {
		t.Fatal("successor must start unpaid, active, and recurring")
	}
	if successor.Name != charge.Name || successor.Amount != charge.Amount {
		t.Fatal("successor must inherit name and amount")
	}

	// Re-running the generator for the same charge must be a no-op.
	again, err := svc.GenerateNextOccurrence(context.Background(), charge, userID)
	if err != nil {
		t.Fatalf("second GenerateNextOccurrence failed: %v", err)
	}
	if again != nil {
		t.Fatal("expected no duplicate successor")
	}
	if len(repo.charges) != 2 {
		t.Fatalf("charges = %d, want 2", len(repo.charges))
	}
}

func TestGenerateNextOccurrence_SkipsNonRecurringAndUnpaid(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	svc := newTestService(repo, date(2025, time.March, 1))

	oneOff := unpaidCharge(userID, accountID, 5000)
	oneOff.IsRecurring = false
	oneOff.IsPaid = true
	if id, err := svc.GenerateNextOccurrence(context.Background(), oneOff, userID); err != nil || id != nil {
		t.Fatalf("one-off charge: got (%v, %v), want (nil, nil)", id, err)
	}

	unpaid := unpaidCharge(userID, accountID, 5000)
	if id, err := svc.GenerateNextOccurrence(context.Background(), unpaid, userID); err != nil || id != nil {
		t.Fatalf("unpaid charge: got (%v, %v), want (nil, nil)", id, err)
	}
}

func TestProcessRecurringCharges_CollectsPerItemErrors(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	paidAt := date(2025, time.March, 1)

	good := unpaidCharge(userID, accountID, 5000)
	good.Name = "Rent"
	good.IsPaid = true
	good.PaidDate = &paidAt
	repo.seedCharge(good)

	bad := unpaidCharge(userID, accountID, 2000)
	bad.Name = "Internet"
	bad.IsPaid = true
	bad.PaidDate = &paidAt
	repo.seedCharge(bad)

	repo.failInsertName = "Internet"

	svc := newTestService(repo, date(2025, time.March, 20))

	result, err := svc.ProcessRecurringCharges(context.Background(), userID)
	if err != nil {
		t.Fatalf("ProcessRecurringCharges failed: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("processed = %d, want 1", result.Processed)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "Internet") {
		t.Fatalf("errors = %v, want one tagged with the failing charge name", result.Errors)
	}
}

func TestRunAutoDeduct(t *testing.T) {
	userID := uuid.New()
	fundedAccount, emptyAccount := uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[fundedAccount] = 100000
	repo.balances[emptyAccount] = 0
	now := date(2025, time.March, 15)

	eligible := unpaidCharge(userID, fundedAccount, 5000)
	eligible.Name = "Rent"
	eligible.AutoDeduct = true
	repo.seedCharge(eligible)

	manual := unpaidCharge(userID, fundedAccount, 3000)
	manual.Name = "Gym"
	repo.seedCharge(manual)

	notDue := unpaidCharge(userID, fundedAccount, 2000)
	notDue.Name = "Insurance"
	notDue.AutoDeduct = true
	notDue.DueDate = date(2025, time.June, 15)
	repo.seedCharge(notDue)

	broke := unpaidCharge(userID, emptyAccount, 9000)
	broke.Name = "Streaming"
	broke.AutoDeduct = true
	repo.seedCharge(broke)

	svc := newTestService(repo, now)

	result, err := svc.RunAutoDeduct(context.Background(), userID)
	if err != nil {
		t.Fatalf("RunAutoDeduct failed: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("processed = %d, want 1", result.Processed)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "Streaming") {
		t.Fatalf("errors = %v, want one for the underfunded charge", result.Errors)
	}
	if !repo.charges[eligible.ID].IsPaid {
		t.Fatal("eligible auto-deduct charge must be paid")
	}
	if repo.charges[manual.ID].IsPaid {
		t.Fatal("manual charge must be skipped")
	}
	if repo.charges[notDue.ID].IsPaid {
		t.Fatal("charge not yet due must be skipped")
	}
	if repo.balances[fundedAccount] != 95000 {
		t.Fatalf("balance = %d, want a single 5000 debit", repo.balances[fundedAccount])
	}
}

func TestRunAutoDeduct_SkipsChargePaidThisMonth(t *testing.T) {
	userID, accountID := uuid.New(), uuid.New()
	repo := newStubRepo()
	repo.balances[accountID] = 100000
	now := date(2025, time.March, 20)

	charge := unpaidCharge(userID, accountID, 5000)
	charge.AutoDeduct = true
	repo.seedCharge(charge)

	chargeID := charge.ID
	repo.ledger = append(repo.ledger, domain.LedgerTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		AccountID: accountID,
		ChargeID:  &chargeID,
		Amount:    -5000,
		Category:  domain.LedgerCategoryCharge,
		CreatedAt: date(2025, time.March, 5),
	})

	svc := newTestService(repo, now)

	result, err := svc.RunAutoDeduct(context.Background(), userID)
	if err != nil {
		t.Fatalf("RunAutoDeduct failed: %v", err)
	}
	if result.Processed != 0 || len(result.Errors) != 0 {
		t.Fatalf("got %+v, want no processing for an already-covered month", result)
	}
	if repo.balances[accountID] != 100000 {
		t.Fatalf("balance = %d, want untouched 100000", repo.balances[accountID])
	}
}
