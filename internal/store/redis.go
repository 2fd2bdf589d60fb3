package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unifarm/farming-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for user and catalog reads. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. The ledger itself is never cached — it is the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) SetReferrer(ctx context.Context, userID, referrerID string) error {
	if err := s.primary.SetReferrer(ctx, userID, referrerID); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(userID))
	return nil
}

func (s *CachedStore) ApplyTransaction(ctx context.Context, t *model.Transaction) error {
	if err := s.primary.ApplyTransaction(ctx, t); err != nil {
		return err
	}
	// Invalidate the balance snapshot; next read re-populates.
	s.rdb.Del(ctx, userKey(t.UserID))
	return nil
}

func (s *CachedStore) Withdraw(ctx context.Context, tx *model.Transaction, ptype model.PositionType) error {
	if err := s.primary.Withdraw(ctx, tx, ptype); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(tx.UserID))
	return nil
}

func (s *CachedStore) PurchaseBoost(ctx context.Context, purchaseTx, bonusTx *model.Transaction, pos *model.Position) error {
	if err := s.primary.PurchaseBoost(ctx, purchaseTx, bonusTx, pos); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(purchaseTx.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	id, err := s.rdb.Get(ctx, telegramKey(telegramID)).Result()
	if err == nil {
		return s.GetUser(ctx, id)
	}

	u, err := s.primary.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	s.cacheUser(ctx, u)
	s.rdb.Set(ctx, telegramKey(telegramID), u.ID, s.ttl)
	return u, nil
}

func (s *CachedStore) GetBoostPackage(ctx context.Context, id string) (*model.BoostPackage, error) {
	data, err := s.rdb.Get(ctx, packageKey(id)).Bytes()
	if err == nil {
		var p model.BoostPackage
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetBoostPackage(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, packageKey(id), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return s.primary.GetUserByReferralCode(ctx, code)
}

func (s *CachedStore) GetTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	return s.primary.GetTransactionByReference(ctx, ref)
}

func (s *CachedStore) GetTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	return s.primary.GetTransactionsByUser(ctx, userID, limit)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.primary.UpsertPosition(ctx, p)
}

func (s *CachedStore) GrowPosition(ctx context.Context, p *model.Position) error {
	return s.primary.GrowPosition(ctx, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID string, ptype model.PositionType) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, ptype)
}

func (s *CachedStore) ListActivePositions(ctx context.Context, ptype model.PositionType) ([]model.Position, error) {
	return s.primary.ListActivePositions(ctx, ptype)
}

func (s *CachedStore) AdvancePosition(ctx context.Context, userID string, ptype model.PositionType, period int64) error {
	return s.primary.AdvancePosition(ctx, userID, ptype, period)
}

func (s *CachedStore) DeactivatePosition(ctx context.Context, userID string, ptype model.PositionType) error {
	return s.primary.DeactivatePosition(ctx, userID, ptype)
}

func (s *CachedStore) CreateReferralEdges(ctx context.Context, edges []model.ReferralEdge) error {
	return s.primary.CreateReferralEdges(ctx, edges)
}

func (s *CachedStore) GetReferralEdges(ctx context.Context, referredUserID string) ([]model.ReferralEdge, error) {
	return s.primary.GetReferralEdges(ctx, referredUserID)
}

func (s *CachedStore) ListBoostPackages(ctx context.Context) ([]model.BoostPackage, error) {
	return s.primary.ListBoostPackages(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func userKey(id string) string         { return fmt.Sprintf("user:%s", id) }
func telegramKey(tgID int64) string    { return fmt.Sprintf("tg:%d", tgID) }
func packageKey(id string) string      { return fmt.Sprintf("boost_pkg:%s", id) }
