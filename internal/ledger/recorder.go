// Package ledger provides the Transaction Recorder: the single write path
// for every balance-affecting event. Each call appends one immutable
// transaction record and applies the matching balance delta as one atomic
// store unit. No code path, including administrative tooling, mutates a
// balance without going through Record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/metrics"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/store"
)

// Notifier receives best-effort balance-change events after a transaction
// is durably committed. Implementations must not block; a missed event is
// tolerated because the ledger, not the notifier, is the source of truth.
type Notifier interface {
	BalanceChanged(userID string, currency model.Currency, amount decimal.Decimal, txType model.TransactionType)
}

// RecordParams describes one balance-affecting event.
type RecordParams struct {
	UserID      string
	Type        model.TransactionType
	Currency    model.Currency
	Amount      decimal.Decimal // signed: credit > 0, debit < 0
	Description string
	Metadata    map[string]string

	// ExternalReference, when set, deduplicates the event system-wide.
	// Replaying Record with the same reference returns the original
	// transaction without a second balance delta.
	ExternalReference string
}

// Recorder creates immutable transaction records. Pass nil for notifier if
// balance-change broadcasting is not needed.
type Recorder struct {
	store    store.Store
	log      *slog.Logger
	notifier Notifier
}

// NewRecorder creates a transaction recorder.
func NewRecorder(st store.Store, log *slog.Logger, notifier Notifier) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: st, log: log, notifier: notifier}
}

// Record applies one balance-affecting event.
//
// Guarantees:
//   - The balance delta and the transaction row persist atomically, or
//     neither does.
//   - A debit that would push the balance negative returns
//     store.ErrInsufficientBalance with state unchanged.
//   - A colliding external reference returns the previously recorded
//     transaction and nil error (idempotent replay). Callers retrying a
//     transient storage failure reuse the same reference to get this.
func (r *Recorder) Record(ctx context.Context, p RecordParams) (*model.Transaction, error) {
	return r.record(ctx, p, r.store.ApplyTransaction)
}

// RecordWithdrawal applies a debit and shrinks the user's position of the
// given type in the same atomic store unit, so withdrawn funds stop
// accruing yield the instant they leave the balance. Replay semantics
// match Record.
func (r *Recorder) RecordWithdrawal(ctx context.Context, p RecordParams, ptype model.PositionType) (*model.Transaction, error) {
	return r.record(ctx, p, func(ctx context.Context, tx *model.Transaction) error {
		return r.store.Withdraw(ctx, tx, ptype)
	})
}

func (r *Recorder) record(ctx context.Context, p RecordParams, apply func(context.Context, *model.Transaction) error) (*model.Transaction, error) {
	if p.UserID == "" {
		return nil, errors.New("ledger: user id is required")
	}
	if !p.Currency.Valid() {
		return nil, fmt.Errorf("ledger: invalid currency %q", p.Currency)
	}
	if p.Amount.IsZero() {
		return nil, errors.New("ledger: amount must be non-zero")
	}

	tx := &model.Transaction{
		ID:                uuid.New().String(),
		UserID:            p.UserID,
		Type:              p.Type,
		Currency:          p.Currency,
		Amount:            p.Amount,
		Status:            model.TxStatusCompleted,
		Description:       p.Description,
		Metadata:          p.Metadata,
		ExternalReference: p.ExternalReference,
		CreatedAt:         time.Now().UTC(),
	}

	err := apply(ctx, tx)
	switch {
	case err == nil:
		// fallthrough to commit path below

	case errors.Is(err, store.ErrDuplicateTransaction) && p.ExternalReference != "":
		existing, lookupErr := r.store.GetTransactionByReference(ctx, p.ExternalReference)
		if lookupErr != nil {
			return nil, fmt.Errorf("ledger: duplicate reference %s, lookup failed: %w",
				p.ExternalReference, lookupErr)
		}
		metrics.DuplicateReplays.Inc()
		r.log.Debug("duplicate reference replayed",
			"reference", p.ExternalReference,
			"tx_id", existing.ID,
		)
		return existing, nil

	case errors.Is(err, store.ErrInsufficientBalance):
		metrics.InsufficientBalanceRejections.Inc()
		return nil, err

	default:
		return nil, fmt.Errorf("ledger: record %s for user %s: %w", p.Type, p.UserID, err)
	}

	metrics.TransactionsTotal.WithLabelValues(string(p.Type), string(p.Currency)).Inc()
	r.log.Info("transaction recorded",
		"tx_id", tx.ID,
		"user", p.UserID,
		"type", p.Type,
		"currency", p.Currency,
		"amount", p.Amount.String(),
	)

	// Best-effort: the transaction is already committed, a dropped event
	// never rolls it back.
	if r.notifier != nil {
		r.notifier.BalanceChanged(p.UserID, p.Currency, p.Amount, p.Type)
	}

	return tx, nil
}
