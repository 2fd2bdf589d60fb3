// Package store defines the persistence interface for the farming engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/unifarm/farming-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateTransaction is returned by ApplyTransaction when the
	// external reference already exists. Callers treat it as "already
	// applied", never as a retryable failure.
	ErrDuplicateTransaction = errors.New("store: duplicate transaction reference")

	// ErrInsufficientBalance is returned when a debit would push a balance
	// below zero. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrUplineAlreadySet is returned by SetReferrer when the user already
	// has an upline. The original upline is preserved.
	ErrUplineAlreadySet = errors.New("store: upline already set")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for user reads.
//
// ApplyTransaction and PurchaseBoost are the only balance mutation points.
// Both are atomic: either the balance delta and the transaction row(s)
// all persist, or none do.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByTelegramID retrieves a user by Telegram chat ID.
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)

	// GetUserByReferralCode retrieves a user by their referral code.
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)

	// SetReferrer sets the user's upline exactly once. Returns
	// ErrUplineAlreadySet if a referrer is already recorded.
	SetReferrer(ctx context.Context, userID, referrerID string) error

	// --- Immutable ledger ---

	// ApplyTransaction appends a transaction and applies its balance delta
	// as one atomic unit. A colliding external reference yields
	// ErrDuplicateTransaction with no balance change; a debit past zero
	// yields ErrInsufficientBalance with no row appended.
	ApplyTransaction(ctx context.Context, tx *model.Transaction) error

	// Withdraw applies a debit transaction and shrinks the matching
	// position's principal by the debited amount as one atomic unit. The
	// position is deactivated when its principal reaches zero. A user with
	// no position of the given type just gets the debit.
	Withdraw(ctx context.Context, tx *model.Transaction, ptype model.PositionType) error

	// GetTransactionByReference looks up a transaction by external reference.
	GetTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error)

	// GetTransactionsByUser returns a user's transactions, newest first.
	GetTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error)

	// --- Accrual positions ---

	// UpsertPosition creates or replaces a user's position of one type.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// GrowPosition adds p.Principal to the stored principal (creating the
	// position if absent) and marks it active, as a single conditional
	// write. Concurrent grows never lose an increment.
	GrowPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves one user's position of one type.
	GetPosition(ctx context.Context, userID string, ptype model.PositionType) (*model.Position, error)

	// ListActivePositions returns all active positions of one type.
	ListActivePositions(ctx context.Context, ptype model.PositionType) ([]model.Position, error)

	// AdvancePosition moves last_period forward to period. Positions never
	// move backward; a stale period is a no-op.
	AdvancePosition(ctx context.Context, userID string, ptype model.PositionType, period int64) error

	// DeactivatePosition marks a position inactive (full withdrawal).
	DeactivatePosition(ctx context.Context, userID string, ptype model.PositionType) error

	// --- Referral edges ---

	// CreateReferralEdges materializes a user's upline chain. Called once
	// at registration; edges are read-only afterward.
	CreateReferralEdges(ctx context.Context, edges []model.ReferralEdge) error

	// GetReferralEdges returns a user's upline edges ordered by level.
	GetReferralEdges(ctx context.Context, referredUserID string) ([]model.ReferralEdge, error)

	// --- Boost catalog ---

	// ListBoostPackages returns all active catalog entries.
	ListBoostPackages(ctx context.Context) ([]model.BoostPackage, error)

	// GetBoostPackage retrieves a catalog entry by ID.
	GetBoostPackage(ctx context.Context, id string) (*model.BoostPackage, error)

	// PurchaseBoost debits the purchase, credits the optional bonus, and
	// activates the boost position as one atomic unit. bonusTx may be nil.
	PurchaseBoost(ctx context.Context, purchaseTx, bonusTx *model.Transaction, pos *model.Position) error
}
