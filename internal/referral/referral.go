// Package referral implements multi-level referral commissions: upline
// resolution at registration, edge materialization, and per-earning fan-out
// of rewards across up to 20 ancestor levels.
//
// Percentages are snapshotted onto the edges when they are materialized, so
// historical payouts stay reproducible even after the live level table
// changes.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/ledger"
	"github.com/unifarm/farming-engine/internal/metrics"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/store"
)

// MaxLevels is the depth of the upline chain.
const MaxLevels = 20

// LevelTable is one versioned set of per-level commission percentages.
// Percent values are fractions of the source earning (1 = 100%).
type LevelTable struct {
	Version  int
	Percents [MaxLevels]decimal.Decimal // index 0 = level 1
}

// DefaultLevelTable returns the standard commission schedule:
// level 1 = 100%, level 2 = 20%, levels 3..20 = 1% each.
func DefaultLevelTable() LevelTable {
	t := LevelTable{Version: 1}
	t.Percents[0] = decimal.NewFromInt(1)
	t.Percents[1] = decimal.NewFromFloat(0.2)
	low := decimal.NewFromFloat(0.01)
	for i := 2; i < MaxLevels; i++ {
		t.Percents[i] = low
	}
	return t
}

// Percent returns the commission fraction for a 1-based level.
func (t LevelTable) Percent(level int) decimal.Decimal {
	if level < 1 || level > MaxLevels {
		return decimal.Zero
	}
	return t.Percents[level-1]
}

// LevelFailure describes one failed level during distribution.
type LevelFailure struct {
	Level      int
	AncestorID string
	Err        error
}

// PartialFanoutError reports the levels that failed to credit during one
// distribution. Successful levels stand; failed levels can be replayed
// selectively because each carries its own external reference.
type PartialFanoutError struct {
	SourceTxID string
	Failures   []LevelFailure
}

func (e *PartialFanoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "referral: %d level(s) failed for source tx %s:", len(e.Failures), e.SourceTxID)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " L%d(%s): %v;", f.Level, f.AncestorID, f.Err)
	}
	return b.String()
}

// Distributor fans a source user's earning out across their upline.
type Distributor struct {
	store    store.Store
	recorder *ledger.Recorder
	log      *slog.Logger
	table    LevelTable
}

// NewDistributor creates a referral distributor using the given level
// table for new edge materialization.
func NewDistributor(st store.Store, rec *ledger.Recorder, log *slog.Logger, table LevelTable) *Distributor {
	if log == nil {
		log = slog.Default()
	}
	return &Distributor{store: st, recorder: rec, log: log, table: table}
}

// Distribute credits each ancestor of sourceUserID their level's share of
// amount. Each level is independent: one failed credit never blocks the
// rest, and the per-level external reference makes replays safe.
//
// Returns nil, or a *PartialFanoutError listing only the failed levels.
func (d *Distributor) Distribute(ctx context.Context, sourceUserID, sourceTxID string, amount decimal.Decimal, currency model.Currency) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	edges, err := d.store.GetReferralEdges(ctx, sourceUserID)
	if err != nil {
		return fmt.Errorf("referral: load edges for %s: %w", sourceUserID, err)
	}
	if len(edges) == 0 {
		return nil
	}

	var failures []LevelFailure
	for _, edge := range edges {
		commission := amount.Mul(edge.Percent).Round(8)
		if commission.LessThanOrEqual(decimal.Zero) {
			continue
		}

		_, err := d.recorder.Record(ctx, ledger.RecordParams{
			UserID:      edge.AncestorUserID,
			Type:        model.TxReferralReward,
			Currency:    currency,
			Amount:      commission,
			Description: fmt.Sprintf("Level %d referral reward", edge.Level),
			Metadata: map[string]string{
				"source_user_id": sourceUserID,
				"source_tx_id":   sourceTxID,
				"level":          strconv.Itoa(edge.Level),
			},
			ExternalReference: fmt.Sprintf("referral:%s:%d", sourceTxID, edge.Level),
		})
		if err != nil {
			metrics.ReferralFanoutFailures.Inc()
			d.log.Error("referral credit failed",
				"source_tx", sourceTxID,
				"level", edge.Level,
				"ancestor", edge.AncestorUserID,
				"err", err,
			)
			failures = append(failures, LevelFailure{
				Level:      edge.Level,
				AncestorID: edge.AncestorUserID,
				Err:        err,
			})
			continue
		}
		metrics.ReferralRewards.WithLabelValues(strconv.Itoa(edge.Level)).Inc()
	}

	if len(failures) > 0 {
		return &PartialFanoutError{SourceTxID: sourceTxID, Failures: failures}
	}
	return nil
}

// ResolveUpline links a newly registered user to the owner of referralCode
// and materializes their referral edges for levels 1..20. It runs exactly
// once per user: a user who already has an upline keeps it, and the second
// call returns store.ErrUplineAlreadySet.
//
// An empty or unresolvable code is not an error — the user simply has no
// upline.
func (d *Distributor) ResolveUpline(ctx context.Context, newUserID, referralCode string) error {
	if referralCode == "" {
		return nil
	}

	referrer, err := d.store.GetUserByReferralCode(ctx, referralCode)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Warn("referral code did not resolve", "code", referralCode, "user", newUserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("referral: resolve code %s: %w", referralCode, err)
	}
	if referrer.ID == newUserID {
		d.log.Warn("self-referral ignored", "user", newUserID)
		return nil
	}

	if err := d.store.SetReferrer(ctx, newUserID, referrer.ID); err != nil {
		if !errors.Is(err, store.ErrUplineAlreadySet) {
			return err
		}
		// When the stored upline already is this referrer, fall through
		// and re-materialize the edges: a crash between linking and edge
		// creation heals on replay. Edge writes are idempotent.
		stored, lookupErr := d.store.GetUser(ctx, newUserID)
		if lookupErr != nil {
			return lookupErr
		}
		if stored.ReferrerID == nil || *stored.ReferrerID != referrer.ID {
			d.log.Warn("upline already set, keeping original", "user", newUserID)
			return err
		}
	}

	edges := []model.ReferralEdge{{
		ReferredUserID: newUserID,
		AncestorUserID: referrer.ID,
		Level:          1,
		Percent:        d.table.Percent(1),
	}}

	// The referrer's level-N ancestor is the new user's level-N+1 ancestor.
	ancestorEdges, err := d.store.GetReferralEdges(ctx, referrer.ID)
	if err != nil {
		return fmt.Errorf("referral: load ancestor edges for %s: %w", referrer.ID, err)
	}
	for _, e := range ancestorEdges {
		level := e.Level + 1
		if level > MaxLevels {
			break
		}
		edges = append(edges, model.ReferralEdge{
			ReferredUserID: newUserID,
			AncestorUserID: e.AncestorUserID,
			Level:          level,
			Percent:        d.table.Percent(level),
		})
	}

	if err := d.store.CreateReferralEdges(ctx, edges); err != nil {
		return fmt.Errorf("referral: materialize edges for %s: %w", newUserID, err)
	}

	d.log.Info("upline resolved",
		"user", newUserID,
		"referrer", referrer.ID,
		"levels", len(edges),
		"table_version", d.table.Version,
	)
	return nil
}
