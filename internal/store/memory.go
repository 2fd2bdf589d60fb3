package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex spans every mutation, so the atomic apply unit holds the
// same all-or-nothing guarantee as the Postgres implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	byTG      map[int64]string
	byCode    map[string]string
	ledger    []model.Transaction
	byRef     map[string]int // external reference → ledger index
	positions map[string]*model.Position
	edges     map[string][]model.ReferralEdge
	packages  map[string]*model.BoostPackage
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		byTG:      make(map[int64]string),
		byCode:    make(map[string]string),
		byRef:     make(map[string]int),
		positions: make(map[string]*model.Position),
		edges:     make(map[string][]model.ReferralEdge),
		packages:  make(map[string]*model.BoostPackage),
	}
}

func posKey(userID string, ptype model.PositionType) string {
	return userID + "/" + string(ptype)
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrDuplicateTransaction
	}
	if _, ok := s.byTG[u.TelegramID]; ok {
		return ErrDuplicateTransaction
	}
	if _, ok := s.byCode[u.ReferralCode]; ok {
		return ErrDuplicateTransaction
	}

	cp := *u
	s.users[u.ID] = &cp
	s.byTG[u.TelegramID] = u.ID
	s.byCode[u.ReferralCode] = u.ID
	return nil
}

func (s *MemoryStore) getUserLocked(id string) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserLocked(id)
}

func (s *MemoryStore) GetUserByTelegramID(_ context.Context, telegramID int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTG[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.getUserLocked(id)
}

func (s *MemoryStore) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return s.getUserLocked(id)
}

func (s *MemoryStore) SetReferrer(_ context.Context, userID, referrerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.ReferrerID != nil {
		return ErrUplineAlreadySet
	}
	ref := referrerID
	u.ReferrerID = &ref
	return nil
}

// --- Immutable ledger ---

func (s *MemoryStore) ApplyTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(t)
}

func (s *MemoryStore) applyLocked(t *model.Transaction) error {
	if t.ExternalReference != "" {
		if _, ok := s.byRef[t.ExternalReference]; ok {
			return ErrDuplicateTransaction
		}
	}

	u, ok := s.users[t.UserID]
	if !ok {
		return ErrNotFound
	}

	if t.Status == model.TxStatusCompleted {
		switch t.Currency {
		case model.CurrencyTON:
			next := u.BalanceTON.Add(t.Amount)
			if next.IsNegative() {
				return ErrInsufficientBalance
			}
			u.BalanceTON = next
		default:
			next := u.BalanceUNI.Add(t.Amount)
			if next.IsNegative() {
				return ErrInsufficientBalance
			}
			u.BalanceUNI = next
		}
	}

	s.ledger = append(s.ledger, *t)
	if t.ExternalReference != "" {
		s.byRef[t.ExternalReference] = len(s.ledger) - 1
	}
	return nil
}

// Withdraw applies the debit and shrinks the matching position under one
// lock. The position floors at zero principal and deactivates when empty.
func (s *MemoryStore) Withdraw(_ context.Context, t *model.Transaction, ptype model.PositionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyLocked(t); err != nil {
		return err
	}

	if p, ok := s.positions[posKey(t.UserID, ptype)]; ok {
		p.Principal = p.Principal.Add(t.Amount)
		if !p.Principal.IsPositive() {
			p.Principal = decimal.Zero
			p.Active = false
		}
	}
	return nil
}

func (s *MemoryStore) GetTransactionByReference(_ context.Context, ref string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s.ledger[idx]
	return &cp, nil
}

func (s *MemoryStore) GetTransactionsByUser(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var txs []model.Transaction
	for i := len(s.ledger) - 1; i >= 0 && len(txs) < limit; i-- {
		if s.ledger[i].UserID == userID {
			txs = append(txs, s.ledger[i])
		}
	}
	return txs, nil
}

// --- Accrual positions ---

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertPositionLocked(p)
	return nil
}

func (s *MemoryStore) upsertPositionLocked(p *model.Position) {
	key := posKey(p.UserID, p.Type)
	cp := *p
	if existing, ok := s.positions[key]; ok && existing.LastPeriod > cp.LastPeriod {
		cp.LastPeriod = existing.LastPeriod
	}
	s.positions[key] = &cp
}

// GrowPosition adds the delta under one lock, mirroring the Postgres
// single-statement increment.
func (s *MemoryStore) GrowPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey(p.UserID, p.Type)
	if existing, ok := s.positions[key]; ok {
		existing.Principal = existing.Principal.Add(p.Principal)
		existing.DailyRate = p.DailyRate
		existing.Active = true
		return nil
	}
	cp := *p
	cp.Active = true
	s.positions[key] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID string, ptype model.PositionType) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, ptype)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context, ptype model.PositionType) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.Type == ptype && p.Active {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UserID < positions[j].UserID
	})
	return positions, nil
}

func (s *MemoryStore) AdvancePosition(_ context.Context, userID string, ptype model.PositionType, period int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posKey(userID, ptype)]
	if !ok {
		return ErrNotFound
	}
	if period > p.LastPeriod {
		p.LastPeriod = period
	}
	return nil
}

func (s *MemoryStore) DeactivatePosition(_ context.Context, userID string, ptype model.PositionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posKey(userID, ptype)]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

// --- Referral edges ---

func (s *MemoryStore) CreateReferralEdges(_ context.Context, edges []model.ReferralEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range edges {
		existing := s.edges[e.ReferredUserID]
		dup := false
		for _, have := range existing {
			if have.Level == e.Level {
				dup = true
				break
			}
		}
		if !dup {
			s.edges[e.ReferredUserID] = append(existing, e)
		}
	}
	return nil
}

func (s *MemoryStore) GetReferralEdges(_ context.Context, referredUserID string) ([]model.ReferralEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]model.ReferralEdge, len(s.edges[referredUserID]))
	copy(edges, s.edges[referredUserID])
	sort.Slice(edges, func(i, j int) bool { return edges[i].Level < edges[j].Level })
	return edges, nil
}

// --- Boost catalog ---

// SeedBoostPackage adds a catalog entry. Test/dev helper; the catalog is
// admin-managed in production.
func (s *MemoryStore) SeedBoostPackage(p *model.BoostPackage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.packages[p.ID] = &cp
}

func (s *MemoryStore) ListBoostPackages(_ context.Context) ([]model.BoostPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pkgs []model.BoostPackage
	for _, p := range s.packages {
		if p.Active {
			pkgs = append(pkgs, *p)
		}
	}
	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].PriceTON.LessThan(pkgs[j].PriceTON)
	})
	return pkgs, nil
}

func (s *MemoryStore) GetBoostPackage(_ context.Context, id string) (*model.BoostPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PurchaseBoost applies the debit, the optional bonus, and the position
// activation under one lock. On any failure the already-applied parts are
// rolled back so state is unchanged.
func (s *MemoryStore) PurchaseBoost(_ context.Context, purchaseTx, bonusTx *model.Transaction, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledgerLen := len(s.ledger)
	var uniBefore, tonBefore model.User
	if u, ok := s.users[purchaseTx.UserID]; ok {
		uniBefore = *u
		tonBefore = *u
	}

	rollback := func() {
		for _, t := range s.ledger[ledgerLen:] {
			if t.ExternalReference != "" {
				delete(s.byRef, t.ExternalReference)
			}
		}
		s.ledger = s.ledger[:ledgerLen]
		if u, ok := s.users[purchaseTx.UserID]; ok {
			u.BalanceUNI = uniBefore.BalanceUNI
			u.BalanceTON = tonBefore.BalanceTON
		}
	}

	if err := s.applyLocked(purchaseTx); err != nil {
		rollback()
		return err
	}
	if bonusTx != nil {
		if err := s.applyLocked(bonusTx); err != nil {
			rollback()
			return err
		}
	}

	active := *pos
	active.Active = true
	s.upsertPositionLocked(&active)
	return nil
}
