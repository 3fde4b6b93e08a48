// Package ledger keeps the append-only token balance of each user.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/mathgrader/internal/model"
)

var (
	// ErrInsufficientBalance is matched by *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount is returned for non-positive debits and credits.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrConflict means the balance changed between read and append.
	ErrConflict = errors.New("ledger balance changed concurrently")
	// ErrDuplicateReference means a refund was already issued for the reference.
	ErrDuplicateReference = errors.New("refund already issued for reference")
	// ErrInvariant means stored entries do not replay to their balances.
	ErrInvariant = errors.New("ledger entries do not replay")
)

// InsufficientBalanceError reports what a blocked debit needed.
type InsufficientBalanceError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// Store persists ledger entries.
type Store interface {
	// AppendLedgerEntry writes e atomically. It assigns e.Seq and must fail
	// with ErrConflict when the user's latest balance is not
	// e.BalanceAfter - e.Amount, and with ErrDuplicateReference for a second
	// refund with the same reference.
	AppendLedgerEntry(ctx context.Context, e model.LedgerEntry) (model.LedgerEntry, error)
	// LedgerEntries returns a user's entries in Seq order.
	LedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	// LedgerBalance returns the latest BalanceAfter, or 0 for a new user.
	LedgerBalance(ctx context.Context, userID string) (int64, error)
}

// Ledger serializes balance mutations per user over a Store.
type Ledger struct {
	store       Store
	pricing     Pricing
	signupBonus int64
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithPricing sets the cost model.
func WithPricing(p Pricing) Option {
	return func(l *Ledger) { l.pricing = p }
}

// WithSignupBonus credits new users with n tokens on first use.
func WithSignupBonus(n int64) Option {
	return func(l *Ledger) { l.signupBonus = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger over s.
func New(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   s,
		pricing: DefaultPricing(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Pricing returns the cost model in use.
func (l *Ledger) Pricing() Pricing { return l.pricing }

func (l *Ledger) lock(userID string) func() {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Debit removes amount from the user's balance. When the balance is lower
// than amount nothing is written and an *InsufficientBalanceError is returned.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, op model.Operation, ref string) (model.LedgerEntry, error) {
	if amount <= 0 {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	unlock := l.lock(userID)
	defer unlock()

	balance, err := l.store.LedgerBalance(ctx, userID)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("read balance: %w", err)
	}
	if balance < amount {
		return model.LedgerEntry{}, &InsufficientBalanceError{Balance: balance, Required: amount}
	}
	e, err := l.append(ctx, userID, balance, -amount, op, ref)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	l.logger.Info("ledger debit", "user", userID, "amount", amount, "operation", op, "reference", ref, "balance", e.BalanceAfter)
	return e, nil
}

// Credit adds amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, op model.Operation, ref string) (model.LedgerEntry, error) {
	if amount <= 0 {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	unlock := l.lock(userID)
	defer unlock()
	return l.credit(ctx, userID, amount, op, ref)
}

// credit appends a credit. The caller holds the user's lock.
func (l *Ledger) credit(ctx context.Context, userID string, amount int64, op model.Operation, ref string) (model.LedgerEntry, error) {
	balance, err := l.store.LedgerBalance(ctx, userID)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("read balance: %w", err)
	}
	e, err := l.append(ctx, userID, balance, amount, op, ref)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	l.logger.Info("ledger credit", "user", userID, "amount", amount, "operation", op, "reference", ref, "balance", e.BalanceAfter)
	return e, nil
}

func (l *Ledger) append(ctx context.Context, userID string, balance, amount int64, op model.Operation, ref string) (model.LedgerEntry, error) {
	e, err := l.store.AppendLedgerEntry(ctx, model.LedgerEntry{
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: balance + amount,
		Operation:    op,
		ReferenceID:  ref,
	})
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append %s entry: %w", op, err)
	}
	return e, nil
}

// Grant is an admin credit.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, ref string) (model.LedgerEntry, error) {
	return l.Credit(ctx, userID, amount, model.OpAdminGrant, ref)
}

// Refund credits amount back against a reference. A second refund for the
// same reference fails with ErrDuplicateReference.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, ref string) (model.LedgerEntry, error) {
	return l.Credit(ctx, userID, amount, model.OpRefund, ref)
}

// EnsureSignupBonus credits the configured bonus to a user with no entries.
// The check and the credit run under the user's lock.
func (l *Ledger) EnsureSignupBonus(ctx context.Context, userID string) error {
	if l.signupBonus <= 0 {
		return nil
	}
	unlock := l.lock(userID)
	defer unlock()

	entries, err := l.store.LedgerEntries(ctx, userID)
	if err != nil {
		return fmt.Errorf("read entries: %w", err)
	}
	if len(entries) > 0 {
		return nil
	}
	_, err = l.credit(ctx, userID, l.signupBonus, model.OpSignupBonus, "signup")
	return err
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.LedgerBalance(ctx, userID)
}

// Entries returns the user's entries in insertion order.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return l.store.LedgerEntries(ctx, userID)
}

// Verify checks that entries replay: each BalanceAfter is the previous one
// plus Amount, starting from zero.
func Verify(entries []model.LedgerEntry) error {
	var balance int64
	for i, e := range entries {
		balance += e.Amount
		if e.BalanceAfter != balance {
			return fmt.Errorf("%w: entry %d (seq %d) has balance %d, want %d", ErrInvariant, i, e.Seq, e.BalanceAfter, balance)
		}
	}
	return nil
}
