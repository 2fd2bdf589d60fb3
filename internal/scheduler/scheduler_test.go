package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/accrual"
	"github.com/unifarm/farming-engine/internal/ledger"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/referral"
	"github.com/unifarm/farming-engine/internal/scheduler"
	"github.com/unifarm/farming-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	ms    *store.MemoryStore
	rec   *ledger.Recorder
	clock *clockwork.FakeClock
	sched *scheduler.Scheduler
}

func newEnv(t *testing.T, mode accrual.Mode) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := ledger.NewRecorder(ms, nil, nil)
	dist := referral.NewDistributor(ms, rec, nil, referral.DefaultLevelTable())
	clock := clockwork.NewFakeClockAt(baseTime)

	sched, err := scheduler.New(scheduler.Config{
		Clock:         clock,
		Store:         ms,
		Recorder:      rec,
		Distributor:   dist,
		PositionType:  model.PositionFarming,
		Interval:      5 * time.Minute,
		PeriodsPerDay: 288,
		Mode:          mode,
	})
	if err != nil {
		t.Fatalf("scheduler init: %v", err)
	}
	return &env{ms: ms, rec: rec, clock: clock, sched: sched}
}

func (e *env) seedFarmer(t *testing.T, id string, tgID int64, principal float64) {
	t.Helper()
	ctx := context.Background()
	if err := e.ms.CreateUser(ctx, &model.User{
		ID:           id,
		TelegramID:   tgID,
		ReferralCode: "CODE-" + id,
		Status:       "active",
		CreatedAt:    baseTime,
	}); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	period := accrual.PeriodIndex(e.clock.Now(), 288)
	if err := e.ms.UpsertPosition(ctx, &model.Position{
		UserID:     id,
		Type:       model.PositionFarming,
		Principal:  d(principal),
		DailyRate:  d(0.01),
		LastPeriod: period - 1,
		Active:     true,
		CreatedAt:  baseTime,
	}); err != nil {
		t.Fatalf("seed position %s: %v", id, err)
	}
}

func TestTick_CreditsExactlyOnePeriod(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "u1", 1, 19291)
	ctx := context.Background()

	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	u, _ := e.ms.GetUser(ctx, "u1")
	want := decimal.RequireFromString("0.66982639")
	if !u.BalanceUNI.Equal(want) {
		t.Errorf("expected %s credited, got %s", want, u.BalanceUNI)
	}
}

func TestTick_SamePeriodNoSecondCredit(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "u1", 1, 19291)
	ctx := context.Background()

	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	balAfterFirst, _ := e.ms.GetUser(ctx, "u1")

	// A second tick within the same period changes nothing.
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	u, _ := e.ms.GetUser(ctx, "u1")
	if !u.BalanceUNI.Equal(balAfterFirst.BalanceUNI) {
		t.Errorf("repeated tick in the same period must not re-credit: %s vs %s",
			balAfterFirst.BalanceUNI, u.BalanceUNI)
	}

	txs, _ := e.ms.GetTransactionsByUser(ctx, "u1", 10)
	if len(txs) != 1 {
		t.Errorf("expected one yield transaction, got %d", len(txs))
	}
}

func TestTick_IntervalModeNoCatchUpAfterDelay(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "u1", 1, 19291)
	ctx := context.Background()

	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// Six hours of downtime: interval mode still pays exactly one period.
	e.clock.Advance(6 * time.Hour)
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("delayed tick: %v", err)
	}

	u, _ := e.ms.GetUser(ctx, "u1")
	perPeriod := decimal.RequireFromString("0.66982639")
	want := perPeriod.Mul(decimal.NewFromInt(2))
	if !u.BalanceUNI.Equal(want) {
		t.Errorf("delayed interval tick must pay one period: expected %s, got %s",
			want, u.BalanceUNI)
	}
}

func TestTick_CumulativeModeCappedAtOneDay(t *testing.T) {
	e := newEnv(t, accrual.ModeCumulative)
	e.seedFarmer(t, "u1", 1, 1000)
	ctx := context.Background()

	// Three days of downtime: payout caps at one day's yield (10 UNI at
	// 1%/day on 1000).
	e.clock.Advance(72 * time.Hour)
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	u, _ := e.ms.GetUser(ctx, "u1")
	if !u.BalanceUNI.Equal(d(10)) {
		t.Errorf("payout must cap at one day's yield (10), got %s", u.BalanceUNI)
	}
}

func TestTick_CrashReplayCreditsOnlyUncredited(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "userA", 1, 1000)
	e.seedFarmer(t, "userB", 2, 1000)
	ctx := context.Background()

	// Simulate a crash mid-tick: user A was credited for this period but
	// the tick died before reaching user B.
	period := accrual.PeriodIndex(e.clock.Now(), 288)
	_, err := e.rec.Record(ctx, ledger.RecordParams{
		UserID:            "userA",
		Type:              model.TxFarmingReward,
		Currency:          model.CurrencyUNI,
		Amount:            decimal.RequireFromString("0.03472222"),
		ExternalReference: fmt.Sprintf("farming:userA:%d", period),
	})
	if err != nil {
		t.Fatalf("pre-credit userA: %v", err)
	}

	// The replayed tick credits B once and does not re-credit A.
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("replay tick: %v", err)
	}

	a, _ := e.ms.GetUser(ctx, "userA")
	b, _ := e.ms.GetUser(ctx, "userB")
	perPeriod := decimal.RequireFromString("0.03472222")
	if !a.BalanceUNI.Equal(perPeriod) {
		t.Errorf("user A must keep exactly one credit, got %s", a.BalanceUNI)
	}
	if !b.BalanceUNI.Equal(perPeriod) {
		t.Errorf("user B must be credited exactly once, got %s", b.BalanceUNI)
	}

	aTxs, _ := e.ms.GetTransactionsByUser(ctx, "userA", 10)
	if len(aTxs) != 1 {
		t.Errorf("user A must have one transaction, got %d", len(aTxs))
	}
}

func TestTick_OneFailingUserDoesNotHaltBatch(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &failingStore{MemoryStore: ms, failUser: "bad"}
	rec := ledger.NewRecorder(fs, nil, nil)
	clock := clockwork.NewFakeClockAt(baseTime)

	sched, err := scheduler.New(scheduler.Config{
		Clock:         clock,
		Store:         fs,
		Recorder:      rec,
		PositionType:  model.PositionFarming,
		PeriodsPerDay: 288,
		Mode:          accrual.ModeInterval,
	})
	if err != nil {
		t.Fatalf("scheduler init: %v", err)
	}

	ctx := context.Background()
	period := accrual.PeriodIndex(clock.Now(), 288)
	for i, id := range []string{"bad", "good"} {
		if err := ms.CreateUser(ctx, &model.User{
			ID: id, TelegramID: int64(i + 1), ReferralCode: "CODE-" + id,
			Status: "active", CreatedAt: baseTime,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		if err := ms.UpsertPosition(ctx, &model.Position{
			UserID: id, Type: model.PositionFarming,
			Principal: d(1000), DailyRate: d(0.01),
			LastPeriod: period - 1, Active: true, CreatedAt: baseTime,
		}); err != nil {
			t.Fatalf("seed position %s: %v", id, err)
		}
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick must not fail on a single user's error: %v", err)
	}

	good, _ := ms.GetUser(ctx, "good")
	if good.BalanceUNI.IsZero() {
		t.Error("the healthy user must still be credited")
	}
	bad, _ := ms.GetUser(ctx, "bad")
	if !bad.BalanceUNI.IsZero() {
		t.Errorf("the failing user must not be credited, got %s", bad.BalanceUNI)
	}
}

func TestTick_YieldFansOutToUpline(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "farmer", 1, 19291)

	ctx := context.Background()
	if err := e.ms.CreateUser(ctx, &model.User{
		ID: "sponsor", TelegramID: 99, ReferralCode: "CODE-sponsor",
		Status: "active", CreatedAt: baseTime,
	}); err != nil {
		t.Fatalf("seed sponsor: %v", err)
	}
	table := referral.DefaultLevelTable()
	if err := e.ms.CreateReferralEdges(ctx, []model.ReferralEdge{{
		ReferredUserID: "farmer",
		AncestorUserID: "sponsor",
		Level:          1,
		Percent:        table.Percent(1),
	}}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	// Level 1 receives 100% of the farmer's yield.
	yield := decimal.RequireFromString("0.66982639")
	sponsor, _ := e.ms.GetUser(ctx, "sponsor")
	if !sponsor.BalanceUNI.Equal(yield) {
		t.Errorf("sponsor should receive 100%% of the yield, got %s", sponsor.BalanceUNI)
	}

	// Replaying the tick changes no balance a second time.
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("replay tick: %v", err)
	}
	sponsorAgain, _ := e.ms.GetUser(ctx, "sponsor")
	if !sponsorAgain.BalanceUNI.Equal(yield) {
		t.Errorf("replay must not re-credit the sponsor, got %s", sponsorAgain.BalanceUNI)
	}
}

func TestTick_NoYieldAfterFullWithdrawal(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "u1", 1, 500)
	ctx := context.Background()

	// Fund the balance, then withdraw everything. The debit and the
	// position shrink land atomically, so the position is inactive before
	// the next tick.
	if _, err := e.rec.Record(ctx, ledger.RecordParams{
		UserID:            "u1",
		Type:              model.TxDeposit,
		Currency:          model.CurrencyUNI,
		Amount:            d(500),
		ExternalReference: "0xfund",
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := e.rec.RecordWithdrawal(ctx, ledger.RecordParams{
		UserID:            "u1",
		Type:              model.TxWithdrawal,
		Currency:          model.CurrencyUNI,
		Amount:            d(-500),
		ExternalReference: "withdrawal:u1:wd-1",
	}, model.PositionFarming); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	e.clock.Advance(10 * time.Minute)
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	u, _ := e.ms.GetUser(ctx, "u1")
	if !u.BalanceUNI.IsZero() {
		t.Errorf("no yield may accrue on a fully withdrawn principal, got %s", u.BalanceUNI)
	}
	txs, _ := e.ms.GetTransactionsByUser(ctx, "u1", 10)
	for _, tx := range txs {
		if tx.Type == model.TxFarmingReward {
			t.Errorf("unexpected yield credit after full withdrawal: %s", tx.Amount)
		}
	}
}

func TestTick_EmptyPrincipalAdvancesWatermark(t *testing.T) {
	e := newEnv(t, accrual.ModeInterval)
	e.seedFarmer(t, "u1", 1, 0)
	ctx := context.Background()

	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	pos, err := e.ms.GetPosition(ctx, "u1", model.PositionFarming)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	want := accrual.PeriodIndex(e.clock.Now(), 288)
	if pos.LastPeriod != want {
		t.Errorf("watermark should advance for empty positions: got %d want %d",
			pos.LastPeriod, want)
	}

	u, _ := e.ms.GetUser(ctx, "u1")
	if !u.BalanceUNI.IsZero() {
		t.Errorf("empty principal must not pay, got %s", u.BalanceUNI)
	}
}

// failingStore rejects transactions for one user.
type failingStore struct {
	*store.MemoryStore
	failUser string
}

func (s *failingStore) ApplyTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.UserID == s.failUser {
		return fmt.Errorf("storage unavailable for %s", tx.UserID)
	}
	return s.MemoryStore.ApplyTransaction(ctx, tx)
}
