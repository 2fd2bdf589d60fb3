// Package wallet provides the HTTP handlers through which external
// collaborators reach the ledger: registration, deposits, withdrawals,
// boost purchases, and balance/transaction queries.
//
// Handlers never touch balance columns directly — every mutation goes
// through the Transaction Recorder or the store's atomic purchase unit.
// All monetary values use shopspring/decimal — never float64 for money.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/accrual"
	"github.com/unifarm/farming-engine/internal/ledger"
	"github.com/unifarm/farming-engine/internal/model"
	"github.com/unifarm/farming-engine/internal/referral"
	"github.com/unifarm/farming-engine/internal/store"
)

// Service handles wallet operations for the HTTP API.
type Service struct {
	store       store.Store
	recorder    *ledger.Recorder
	distributor *referral.Distributor

	// farmingRate is the daily yield rate applied to new farming positions.
	farmingRate   decimal.Decimal
	periodsPerDay int64
}

// NewService creates a wallet service.
func NewService(st store.Store, rec *ledger.Recorder, dist *referral.Distributor, farmingRate decimal.Decimal, periodsPerDay int64) *Service {
	if periodsPerDay <= 0 {
		periodsPerDay = 288
	}
	return &Service{
		store:         st,
		recorder:      rec,
		distributor:   dist,
		farmingRate:   farmingRate,
		periodsPerDay: periodsPerDay,
	}
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	TelegramID   int64  `json:"telegram_id"`
	Username     string `json:"username"`
	ReferralCode string `json:"referral_code"` // optional, from launch params
}

// DepositRequest is the JSON body for POST /deposits. TxHash comes from the
// external blockchain verifier and doubles as the dedup reference, so a
// given on-chain payment is credited at most once.
type DepositRequest struct {
	UserID   string          `json:"user_id"`
	Currency model.Currency  `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	TxHash   string          `json:"tx_hash"`
}

// WithdrawRequest is the JSON body for POST /withdrawals. IdempotencyKey
// is client-supplied and deduplicates retries: replaying the same key
// returns the original transaction without a second debit.
type WithdrawRequest struct {
	UserID         string          `json:"user_id"`
	Currency       model.Currency  `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PurchaseBoostRequest is the JSON body for POST /boosts/purchase.
type PurchaseBoostRequest struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/users.
// Creates the user, issues an immutable referral code, and resolves the
// upline exactly once from the presented code.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TelegramID == 0 {
		writeError(w, "telegram_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if existing, err := s.store.GetUserByTelegramID(ctx, req.TelegramID); err == nil {
		// Registration is idempotent per Telegram identity.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(existing)
		return
	}

	user := &model.User{
		ID:           uuid.New().String(),
		TelegramID:   req.TelegramID,
		Username:     req.Username,
		BalanceUNI:   decimal.Zero,
		BalanceTON:   decimal.Zero,
		ReferralCode: newReferralCode(),
		Status:       "active",
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		writeError(w, "failed to create user", http.StatusConflict)
		return
	}

	if err := s.distributor.ResolveUpline(ctx, user.ID, req.ReferralCode); err != nil &&
		!errors.Is(err, store.ErrUplineAlreadySet) {
		// The user exists either way; a failed linkage is logged, not fatal.
		slog.Error("upline resolution failed", "user", user.ID, "err", err)
	}

	created, err := s.store.GetUser(ctx, user.ID)
	if err != nil {
		created = user
	}

	slog.Info("user registered",
		"id", user.ID,
		"telegram_id", req.TelegramID,
		"referral_code", user.ReferralCode,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetTransactions handles GET /api/v1/users/{userID}/transactions.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	txs, err := s.store.GetTransactionsByUser(r.Context(), userID, 100)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

// Deposit handles POST /api/v1/deposits.
// Credits the verified amount and folds it into the farming position's
// principal. Replaying the same tx_hash returns the original transaction
// without a second credit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Currency.Valid() {
		writeError(w, "currency must be UNI or TON", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.TxHash == "" {
		writeError(w, "tx_hash is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	tx, err := s.recorder.Record(ctx, ledger.RecordParams{
		UserID:      req.UserID,
		Type:        model.TxDeposit,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Description: fmt.Sprintf("Deposit of %s %s", req.Amount, req.Currency),
		Metadata:    map[string]string{"tx_hash": req.TxHash},
		ExternalReference: req.TxHash,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to record deposit", http.StatusInternalServerError)
		return
	}

	// UNI deposits start or grow the farming position. The position's
	// watermark starts at the current period so idle history is never
	// back-paid.
	if req.Currency == model.CurrencyUNI {
		if err := s.growFarmingPosition(r, req.UserID, req.Amount); err != nil {
			slog.Error("farming position update failed", "user", req.UserID, "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

func (s *Service) growFarmingPosition(r *http.Request, userID string, amount decimal.Decimal) error {
	now := time.Now().UTC()

	// Principal carries the delta; the store adds it in one statement so
	// concurrent deposits never lose an increment. LastPeriod only seeds
	// newly created positions.
	return s.store.GrowPosition(r.Context(), &model.Position{
		UserID:     userID,
		Type:       model.PositionFarming,
		Principal:  amount,
		DailyRate:  s.farmingRate,
		LastPeriod: accrual.PeriodIndex(now, s.periodsPerDay),
		Active:     true,
		CreatedAt:  now,
	})
}

// Withdraw handles POST /api/v1/withdrawals.
// An over-debit is rejected with 422 and leaves the balance unchanged.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Currency.Valid() {
		writeError(w, "currency must be UNI or TON", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}

	params := ledger.RecordParams{
		UserID:            req.UserID,
		Type:              model.TxWithdrawal,
		Currency:          req.Currency,
		Amount:            req.Amount.Neg(),
		Description:       fmt.Sprintf("Withdrawal of %s %s", req.Amount, req.Currency),
		ExternalReference: fmt.Sprintf("withdrawal:%s:%s", req.UserID, req.IdempotencyKey),
	}

	// UNI withdrawals shrink the farming principal in the same atomic
	// unit as the debit: yield never accrues on funds that already left.
	var tx *model.Transaction
	var err error
	if req.Currency == model.CurrencyUNI {
		tx, err = s.recorder.RecordWithdrawal(r.Context(), params, model.PositionFarming)
	} else {
		tx, err = s.recorder.Record(r.Context(), params)
	}
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			writeError(w, "insufficient balance", http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to record withdrawal", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// StopFarming handles POST /api/v1/users/{userID}/farming/stop.
// Deactivates the farming position; accrual stops on the next tick.
func (s *Service) StopFarming(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := s.store.DeactivatePosition(r.Context(), userID, model.PositionFarming); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no farming position", http.StatusNotFound)
			return
		}
		writeError(w, "failed to stop farming", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

// ListBoostPackages handles GET /api/v1/boost-packages.
func (s *Service) ListBoostPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.store.ListBoostPackages(r.Context())
	if err != nil {
		writeError(w, "failed to list packages", http.StatusInternalServerError)
		return
	}
	if pkgs == nil {
		pkgs = []model.BoostPackage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pkgs)
}

// PurchaseBoost handles POST /api/v1/boosts/purchase.
// The TON debit, the one-time bonus credit, and the position activation are
// one atomic store unit: a boost can never be paid for without its position
// existing.
func (s *Service) PurchaseBoost(w http.ResponseWriter, r *http.Request) {
	var req PurchaseBoostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.PackageID == "" {
		writeError(w, "user_id and package_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	pkg, err := s.store.GetBoostPackage(ctx, req.PackageID)
	if err != nil {
		writeError(w, "boost package not found", http.StatusNotFound)
		return
	}
	if !pkg.Active {
		writeError(w, "boost package is not available", http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	purchaseID := uuid.New().String()

	purchaseTx := &model.Transaction{
		ID:          purchaseID,
		UserID:      req.UserID,
		Type:        model.TxBoostPurchase,
		Currency:    model.CurrencyTON,
		Amount:      pkg.PriceTON.Neg(),
		Status:      model.TxStatusCompleted,
		Description: fmt.Sprintf("Boost package %s", pkg.Name),
		Metadata:    map[string]string{"boost_package_id": pkg.ID},
		ExternalReference: fmt.Sprintf("boost_purchase:%s:%s", req.UserID, purchaseID),
		CreatedAt:   now,
	}

	var bonusTx *model.Transaction
	if pkg.BonusAmount.IsPositive() {
		bonusTx = &model.Transaction{
			ID:          uuid.New().String(),
			UserID:      req.UserID,
			Type:        model.TxManualAdjustment,
			Currency:    pkg.BonusCurrency,
			Amount:      pkg.BonusAmount,
			Status:      model.TxStatusCompleted,
			Description: fmt.Sprintf("Purchase bonus for %s", pkg.Name),
			Metadata:    map[string]string{"boost_package_id": pkg.ID},
			ExternalReference: fmt.Sprintf("boost_bonus:%s:%s", req.UserID, purchaseID),
			CreatedAt:   now,
		}
	}

	pkgID := pkg.ID
	pos := &model.Position{
		UserID:         req.UserID,
		Type:           model.PositionBoost,
		Principal:      pkg.PriceTON,
		DailyRate:      pkg.DailyRate,
		BoostPackageID: &pkgID,
		LastPeriod:     accrual.PeriodIndex(now, s.periodsPerDay),
		Active:         true,
		CreatedAt:      now,
	}

	if err := s.store.PurchaseBoost(ctx, purchaseTx, bonusTx, pos); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			writeError(w, "insufficient TON balance", http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to purchase boost", http.StatusInternalServerError)
		return
	}

	slog.Info("boost purchased",
		"user", req.UserID,
		"package", pkg.ID,
		"price", pkg.PriceTON.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(purchaseTx)
}

// newReferralCode issues a short unique code from a fresh UUID. Codes are
// immutable once stored on the user.
func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "UF" + strings.ToUpper(raw[:10])
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
