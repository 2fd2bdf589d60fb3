package referral_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/ledger"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/referral"
	"github.com/unifarm/farming-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, tgID int64) {
	t.Helper()
	err := ms.CreateUser(context.Background(), &model.User{
		ID:           id,
		TelegramID:   tgID,
		ReferralCode: "CODE-" + id,
		Status:       "active",
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed user %s: %v", id, err)
	}
}

func newEnv(t *testing.T) (*store.MemoryStore, *referral.Distributor) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := ledger.NewRecorder(ms, nil, nil)
	dist := referral.NewDistributor(ms, rec, nil, referral.DefaultLevelTable())
	return ms, dist
}

// --- Upline resolution ---

func TestResolveUpline_LinksAndMaterializesEdges(t *testing.T) {
	ms, dist := newEnv(t)
	ctx := context.Background()
	seedUser(t, ms, "alice", 1)
	seedUser(t, ms, "bob", 2)
	seedUser(t, ms, "carol", 3)

	// bob joins under alice, carol joins under bob.
	if err := dist.ResolveUpline(ctx, "bob", "CODE-alice"); err != nil {
		t.Fatalf("resolve bob: %v", err)
	}
	if err := dist.ResolveUpline(ctx, "carol", "CODE-bob"); err != nil {
		t.Fatalf("resolve carol: %v", err)
	}

	edges, _ := ms.GetReferralEdges(ctx, "carol")
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges for carol, got %d", len(edges))
	}
	if edges[0].Level != 1 || edges[0].AncestorUserID != "bob" {
		t.Errorf("level 1 must be the direct referrer: %+v", edges[0])
	}
	if edges[1].Level != 2 || edges[1].AncestorUserID != "alice" {
		t.Errorf("level 2 must be the referrer's referrer: %+v", edges[1])
	}

	// Level-1 edge matches the stored upline pointer.
	carol, _ := ms.GetUser(ctx, "carol")
	if carol.ReferrerID == nil || *carol.ReferrerID != "bob" {
		t.Errorf("carol's upline must be bob, got %v", carol.ReferrerID)
	}
}

func TestResolveUpline_Immutable(t *testing.T) {
	ms, dist := newEnv(t)
	ctx := context.Background()
	seedUser(t, ms, "alice", 1)
	seedUser(t, ms, "eve", 2)
	seedUser(t, ms, "bob", 3)

	if err := dist.ResolveUpline(ctx, "bob", "CODE-alice"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	err := dist.ResolveUpline(ctx, "bob", "CODE-eve")
	if !errors.Is(err, store.ErrUplineAlreadySet) {
		t.Fatalf("expected ErrUplineAlreadySet, got %v", err)
	}

	bob, _ := ms.GetUser(ctx, "bob")
	if bob.ReferrerID == nil || *bob.ReferrerID != "alice" {
		t.Errorf("original upline must be preserved, got %v", bob.ReferrerID)
	}
}

func TestResolveUpline_ReplayAfterPartialLinkMaterializesEdges(t *testing.T) {
	ms, dist := newEnv(t)
	ctx := context.Background()
	seedUser(t, ms, "alice", 1)
	seedUser(t, ms, "bob", 2)

	// Crash window: the upline pointer persisted but the edges did not.
	if err := ms.SetReferrer(ctx, "bob", "alice"); err != nil {
		t.Fatalf("set referrer: %v", err)
	}

	// Replaying the resolution must heal the missing edges, not bail out.
	if err := dist.ResolveUpline(ctx, "bob", "CODE-alice"); err != nil {
		t.Fatalf("replay with the matching code must succeed: %v", err)
	}

	edges, _ := ms.GetReferralEdges(ctx, "bob")
	if len(edges) != 1 || edges[0].AncestorUserID != "alice" || edges[0].Level != 1 {
		t.Fatalf("expected one level-1 edge to alice after replay, got %+v", edges)
	}

	// A second replay is a no-op: still exactly one edge per level.
	if err := dist.ResolveUpline(ctx, "bob", "CODE-alice"); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	edges, _ = ms.GetReferralEdges(ctx, "bob")
	if len(edges) != 1 {
		t.Errorf("edge materialization must be idempotent, got %d edges", len(edges))
	}
}

func TestResolveUpline_UnknownCodeIgnored(t *testing.T) {
	ms, dist := newEnv(t)
	seedUser(t, ms, "bob", 1)

	if err := dist.ResolveUpline(context.Background(), "bob", "CODE-nobody"); err != nil {
		t.Fatalf("unresolvable code must not error: %v", err)
	}
	bob, _ := ms.GetUser(context.Background(), "bob")
	if bob.ReferrerID != nil {
		t.Errorf("no upline should be set for unknown code, got %v", *bob.ReferrerID)
	}
}

func TestResolveUpline_SelfReferralIgnored(t *testing.T) {
	ms, dist := newEnv(t)
	seedUser(t, ms, "bob", 1)

	if err := dist.ResolveUpline(context.Background(), "bob", "CODE-bob"); err != nil {
		t.Fatalf("self-referral must not error: %v", err)
	}
	bob, _ := ms.GetUser(context.Background(), "bob")
	if bob.ReferrerID != nil {
		t.Error("self-referral must not set an upline")
	}
}

// --- Distribution ---

// seedChain creates a source user with a fully populated 20-level upline
// and returns the ancestor IDs by level.
func seedChain(t *testing.T, ms *store.MemoryStore) (source string, ancestors []string) {
	t.Helper()
	ctx := context.Background()
	table := referral.DefaultLevelTable()

	source = "source"
	seedUser(t, ms, source, 100)

	var edges []model.ReferralEdge
	for level := 1; level <= referral.MaxLevels; level++ {
		id := fmt.Sprintf("ancestor-%02d", level)
		seedUser(t, ms, id, int64(100+level))
		ancestors = append(ancestors, id)
		edges = append(edges, model.ReferralEdge{
			ReferredUserID: source,
			AncestorUserID: id,
			Level:          level,
			Percent:        table.Percent(level),
		})
	}
	if err := ms.CreateReferralEdges(ctx, edges); err != nil {
		t.Fatalf("failed to seed edges: %v", err)
	}
	return source, ancestors
}

func TestDistribute_FanoutConservation(t *testing.T) {
	ms, dist := newEnv(t)
	ctx := context.Background()
	source, ancestors := seedChain(t, ms)

	earned := d(0.66982639)
	if err := dist.Distribute(ctx, source, "tx-1", earned, model.CurrencyUNI); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	table := referral.DefaultLevelTable()
	total := decimal.Zero
	for i, id := range ancestors {
		u, _ := ms.GetUser(ctx, id)
		want := earned.Mul(table.Percent(i + 1)).Round(8)
		if !u.BalanceUNI.Equal(want) {
			t.Errorf("level %d: expected %s, got %s", i+1, want, u.BalanceUNI)
		}
		total = total.Add(u.BalanceUNI)

		// Each ancestor is credited for exactly one level.
		txs, _ := ms.GetTransactionsByUser(ctx, id, 10)
		if len(txs) != 1 {
			t.Errorf("ancestor %s: expected one credit, got %d", id, len(txs))
		}
	}

	wantTotal := decimal.Zero
	for level := 1; level <= referral.MaxLevels; level++ {
		wantTotal = wantTotal.Add(earned.Mul(table.Percent(level)).Round(8))
	}
	if !total.Equal(wantTotal) {
		t.Errorf("total distributed %s must equal %s", total, wantTotal)
	}
}

func TestDistribute_ReplaySameSourceNoDoubleCredit(t *testing.T) {
	ms, dist := newEnv(t)
	ctx := context.Background()
	source, ancestors := seedChain(t, ms)

	earned := d(1)
	if err := dist.Distribute(ctx, source, "tx-1", earned, model.CurrencyUNI); err != nil {
		t.Fatalf("first distribute: %v", err)
	}
	if err := dist.Distribute(ctx, source, "tx-1", earned, model.CurrencyUNI); err != nil {
		t.Fatalf("replay must not error: %v", err)
	}

	u, _ := ms.GetUser(ctx, ancestors[0])
	if !u.BalanceUNI.Equal(d(1)) {
		t.Errorf("level 1 credited twice on replay: %s", u.BalanceUNI)
	}
}

func TestDistribute_NoEdgesNoCredits(t *testing.T) {
	ms, dist := newEnv(t)
	seedUser(t, ms, "loner", 1)

	if err := dist.Distribute(context.Background(), "loner", "tx-1", d(5), model.CurrencyUNI); err != nil {
		t.Fatalf("distribution with no upline must be a no-op: %v", err)
	}
}

// failingStore rejects credits for one ancestor to exercise the bulkhead.
type failingStore struct {
	*store.MemoryStore
	failUser string
}

func (s *failingStore) ApplyTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.UserID == s.failUser {
		return errors.New("storage unavailable")
	}
	return s.MemoryStore.ApplyTransaction(ctx, tx)
}

func TestDistribute_PartialFailureOtherLevelsStand(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &failingStore{MemoryStore: ms, failUser: "ancestor-02"}
	rec := ledger.NewRecorder(fs, nil, nil)
	dist := referral.NewDistributor(fs, rec, nil, referral.DefaultLevelTable())
	ctx := context.Background()

	source, ancestors := seedChain(t, ms)

	err := dist.Distribute(ctx, source, "tx-1", d(1), model.CurrencyUNI)
	var pfe *referral.PartialFanoutError
	if !errors.As(err, &pfe) {
		t.Fatalf("expected PartialFanoutError, got %v", err)
	}
	if len(pfe.Failures) != 1 || pfe.Failures[0].Level != 2 {
		t.Fatalf("expected exactly level 2 to fail, got %+v", pfe.Failures)
	}

	// Level 1 and level 3 were still credited.
	l1, _ := ms.GetUser(ctx, ancestors[0])
	if !l1.BalanceUNI.Equal(d(1)) {
		t.Errorf("level 1 should be credited despite level 2 failure, got %s", l1.BalanceUNI)
	}
	l3, _ := ms.GetUser(ctx, ancestors[2])
	if !l3.BalanceUNI.Equal(d(0.01)) {
		t.Errorf("level 3 should be credited despite level 2 failure, got %s", l3.BalanceUNI)
	}

	// Selective replay: once storage recovers, only the failed level pays.
	fs.failUser = ""
	if err := dist.Distribute(ctx, source, "tx-1", d(1), model.CurrencyUNI); err != nil {
		t.Fatalf("replay after recovery: %v", err)
	}
	l2, _ := ms.GetUser(ctx, ancestors[1])
	if !l2.BalanceUNI.Equal(d(0.2)) {
		t.Errorf("level 2 should be credited exactly once on replay, got %s", l2.BalanceUNI)
	}
	if l1again, _ := ms.GetUser(ctx, ancestors[0]); !l1again.BalanceUNI.Equal(d(1)) {
		t.Errorf("level 1 must not be re-credited on replay, got %s", l1again.BalanceUNI)
	}
}

func TestDefaultLevelTable(t *testing.T) {
	table := referral.DefaultLevelTable()
	if !table.Percent(1).Equal(d(1)) {
		t.Errorf("level 1 should be 100%%, got %s", table.Percent(1))
	}
	if !table.Percent(2).Equal(d(0.2)) {
		t.Errorf("level 2 should be 20%%, got %s", table.Percent(2))
	}
	if !table.Percent(20).Equal(d(0.01)) {
		t.Errorf("level 20 should be 1%%, got %s", table.Percent(20))
	}
	if !table.Percent(0).IsZero() || !table.Percent(21).IsZero() {
		t.Error("out-of-range levels must be zero")
	}
}
