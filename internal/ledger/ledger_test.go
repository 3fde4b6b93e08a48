package ledger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/mathgrader/internal/model"
)

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	return New(NewMemoryStore(), opts...)
}

func TestCalculateCost(t *testing.T) {
	p := DefaultPricing()
	tests := []struct {
		count    int
		feedback bool
		want     int64
	}{
		{10, false, 9},
		{5, true, 10},
		{0, true, 0},
		{1, false, 1},
		{9, false, 9},
		{11, false, 9},  // floor(9.9)
		{10, true, 18},  // 20 * 0.9
		{25, false, 22}, // floor(22.5)
	}
	for _, tt := range tests {
		if got := CalculateCost(tt.count, tt.feedback, p); got != tt.want {
			t.Errorf("CalculateCost(%d, %v) = %d, want %d", tt.count, tt.feedback, got, tt.want)
		}
	}
}

func TestRateToBP(t *testing.T) {
	if got := RateToBP(0.10); got != 1000 {
		t.Errorf("RateToBP(0.10) = %d, want 1000", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		balance int64
		want    Status
	}{
		{11, StatusHealthy},
		{10, StatusLow},
		{6, StatusLow},
		{5, StatusCritical},
		{1, StatusCritical},
		{0, StatusZero},
		{-3, StatusZero},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.balance); got != tt.want {
			t.Errorf("StatusFor(%d) = %q, want %q", tt.balance, got, tt.want)
		}
	}
	if !StatusZero.Blocks() || StatusCritical.Blocks() {
		t.Error("only the zero band blocks grading")
	}
}

func TestRefundShares(t *testing.T) {
	tests := []struct {
		reserved        int64
		total, refunded int
		want            []int64
	}{
		{3, 3, 1, []int64{1}},
		{9, 10, 3, []int64{1, 1, 0}}, // floor(2.7) = 2
		{20, 10, 3, []int64{2, 2, 2}},
		{10, 4, 3, []int64{3, 2, 2}}, // floor(7.5) = 7
		{5, 5, 0, nil},
		{5, 5, 9, []int64{1, 1, 1, 1, 1}},
	}
	for _, tt := range tests {
		got := RefundShares(tt.reserved, tt.total, tt.refunded)
		if !slices.Equal(got, tt.want) {
			t.Errorf("RefundShares(%d, %d, %d) = %v, want %v", tt.reserved, tt.total, tt.refunded, got, tt.want)
		}
	}
}

func TestDebitCredit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	if _, err := l.Credit(ctx, "u1", 10, model.OpAdminGrant, "grant-1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	e, err := l.Debit(ctx, "u1", 4, model.OpSubmissionDebit, "sub-1")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if e.Amount != -4 || e.BalanceAfter != 6 || e.Seq != 2 {
		t.Errorf("entry = %+v, want amount -4 balance 6 seq 2", e)
	}
	bal, _ := l.Balance(ctx, "u1")
	if bal != 6 {
		t.Errorf("Balance = %d, want 6", bal)
	}

	if _, err := l.Debit(ctx, "u1", 0, model.OpSubmissionDebit, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Debit(0) = %v, want ErrInvalidAmount", err)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if _, err := l.Credit(ctx, "u1", 3, model.OpAdminGrant, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	before, _ := l.Entries(ctx, "u1")

	_, err := l.Debit(ctx, "u1", 5, model.OpSubmissionDebit, "batch-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Debit() = %v, want ErrInsufficientBalance", err)
	}
	var ibe *InsufficientBalanceError
	if !errors.As(err, &ibe) || ibe.Balance != 3 || ibe.Required != 5 {
		t.Errorf("error detail = %+v", ibe)
	}

	after, _ := l.Entries(ctx, "u1")
	if len(after) != len(before) {
		t.Errorf("ledger changed: %d entries before, %d after", len(before), len(after))
	}
	bal, _ := l.Balance(ctx, "u1")
	if bal != 3 {
		t.Errorf("Balance = %d, want 3", bal)
	}
}

func TestRefundOncePerReference(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if _, err := l.Refund(ctx, "u1", 1, "batch-1:s2"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if _, err := l.Refund(ctx, "u1", 1, "batch-1:s2"); !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("second Refund() = %v, want ErrDuplicateReference", err)
	}
	bal, _ := l.Balance(ctx, "u1")
	if bal != 1 {
		t.Errorf("Balance = %d, want 1", bal)
	}
}

func TestSignupBonus(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, WithSignupBonus(5))

	for range 2 {
		if err := l.EnsureSignupBonus(ctx, "u1"); err != nil {
			t.Fatalf("EnsureSignupBonus: %v", err)
		}
	}
	entries, _ := l.Entries(ctx, "u1")
	if len(entries) != 1 || entries[0].Operation != model.OpSignupBonus || entries[0].Amount != 5 {
		t.Errorf("entries = %+v, want one signup bonus of 5", entries)
	}
}

// slowEntries widens the window between reading entries and appending.
type slowEntries struct {
	*MemoryStore
}

func (s slowEntries) LedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	entries, err := s.MemoryStore.LedgerEntries(ctx, userID)
	time.Sleep(5 * time.Millisecond)
	return entries, err
}

func TestSignupBonusConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	l := New(slowEntries{NewMemoryStore()}, WithSignupBonus(5))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.EnsureSignupBonus(ctx, "u1"); err != nil {
				t.Errorf("EnsureSignupBonus: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, _ := l.Entries(ctx, "u1")
	if len(entries) != 1 || entries[0].Operation != model.OpSignupBonus {
		t.Errorf("entries = %+v, want one signup bonus", entries)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 5 {
		t.Errorf("Balance = %d, want 5", bal)
	}
}

func TestLoggerOption(t *testing.T) {
	var logs bytes.Buffer
	l := New(NewMemoryStore(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if _, err := l.Grant(context.Background(), "u1", 3, "g1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !strings.Contains(logs.String(), "ledger credit") {
		t.Errorf("credit not logged through the ledger logger: %q", logs.String())
	}
}

func TestReplayInvariant(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	rng := rand.New(rand.NewPCG(1, 2))

	for range 200 {
		amount := rng.Int64N(7) + 1
		if rng.IntN(2) == 0 {
			_, _ = l.Debit(ctx, "u1", amount, model.OpSubmissionDebit, "")
		} else {
			_, _ = l.Credit(ctx, "u1", amount, model.OpAdminGrant, "")
		}
	}

	entries, err := l.Entries(ctx, "u1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Amount
		if e.BalanceAfter < 0 {
			t.Fatalf("balance went negative at seq %d", e.Seq)
		}
	}
	if last := entries[len(entries)-1].BalanceAfter; last != sum {
		t.Errorf("last balance %d != sum of amounts %d", last, sum)
	}
}

func TestConcurrentDebitsSerialized(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if _, err := l.Credit(ctx, "u1", 50, model.OpAdminGrant, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, blocked int
	for range 80 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", 1, model.OpSubmissionDebit, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				blocked++
			default:
				t.Errorf("Debit: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 50 || blocked != 30 {
		t.Errorf("ok = %d, blocked = %d, want 50 and 30", ok, blocked)
	}
	entries, _ := l.Entries(ctx, "u1")
	if err := Verify(entries); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyDetectsBrokenReplay(t *testing.T) {
	entries := []model.LedgerEntry{
		{Seq: 1, Amount: 5, BalanceAfter: 5},
		{Seq: 2, Amount: -2, BalanceAfter: 4},
	}
	if err := Verify(entries); !errors.Is(err, ErrInvariant) {
		t.Errorf("Verify() = %v, want ErrInvariant", err)
	}
}

func TestMemoryStoreRejectsStaleBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.AppendLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Amount: 5, BalanceAfter: 5}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := s.AppendLedgerEntry(ctx, model.LedgerEntry{UserID: "u1", Amount: -1, BalanceAfter: -1})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale append = %v, want ErrConflict", err)
	}
}
