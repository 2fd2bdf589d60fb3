// Package model defines the core domain types shared across the farming engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is one of the two tokens the ledger tracks.
type Currency string

const (
	CurrencyUNI Currency = "UNI"
	CurrencyTON Currency = "TON"
)

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	return c == CurrencyUNI || c == CurrencyTON
}

// TransactionType classifies a balance-affecting event.
type TransactionType string

const (
	TxDeposit          TransactionType = "deposit"
	TxWithdrawal       TransactionType = "withdrawal"
	TxFarmingReward    TransactionType = "farming_reward"
	TxBoostReward      TransactionType = "boost_reward"
	TxReferralReward   TransactionType = "referral_reward"
	TxBoostPurchase    TransactionType = "boost_purchase"
	TxManualAdjustment TransactionType = "manual_adjustment"
)

// TransactionStatus is the lifecycle state of a transaction.
// Completed transactions are immutable.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
)

// PositionType identifies one of the per-user accrual positions.
type PositionType string

const (
	PositionFarming PositionType = "farming"
	PositionBoost   PositionType = "boost"
)

// Currency returns the payout currency for a position type: farming
// positions accrue UNI, boost positions accrue TON.
func (p PositionType) Currency() Currency {
	if p == PositionBoost {
		return CurrencyTON
	}
	return CurrencyUNI
}

// User identifies a participant. Balances are the single source of truth
// for available funds; they are never negative and only change through the
// store's atomic apply unit.
type User struct {
	ID           string          `json:"id" db:"id"`
	TelegramID   int64           `json:"telegram_id" db:"telegram_id"`
	Username     string          `json:"username,omitempty" db:"username"`
	BalanceUNI   decimal.Decimal `json:"balance_uni" db:"balance_uni"`
	BalanceTON   decimal.Decimal `json:"balance_ton" db:"balance_ton"`
	ReferralCode string          `json:"referral_code" db:"referral_code"` // unique, immutable once issued
	ReferrerID   *string         `json:"referrer_id,omitempty" db:"referrer_id"`
	Status       string          `json:"status" db:"status"` // "active" or "blocked"; never hard-deleted
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Balance returns the user's available balance in the given currency.
func (u *User) Balance(c Currency) decimal.Decimal {
	if c == CurrencyTON {
		return u.BalanceTON
	}
	return u.BalanceUNI
}

// Transaction is an immutable record of one balance-affecting event.
// Once status is completed, amount and currency never change; rows are
// never deleted.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	UserID      string            `json:"user_id" db:"user_id"`
	Type        TransactionType   `json:"type" db:"type"`
	Currency    Currency          `json:"currency" db:"currency"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"` // signed: credit > 0, debit < 0
	Status      TransactionStatus `json:"status" db:"status"`
	Description string            `json:"description" db:"description"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`

	// ExternalReference is the system-wide dedup key: a blockchain tx hash
	// for deposits, a deterministic (type, user, period) key for scheduler
	// credits, or a (source tx, level) key for referral rewards. Unique
	// when present.
	ExternalReference string `json:"external_reference,omitempty" db:"external_reference"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ReferralEdge is one level of a user's materialized upline chain.
// Edges are written once at registration and read-only afterward; the
// percent snapshot keeps historical payouts reproducible even if the live
// level table changes.
type ReferralEdge struct {
	ReferredUserID string          `json:"referred_user_id" db:"referred_user_id"`
	AncestorUserID string          `json:"ancestor_user_id" db:"ancestor_user_id"`
	Level          int             `json:"level" db:"level"` // 1..20
	Percent        decimal.Decimal `json:"percent" db:"percent"`
}

// Position is per-user accrual state for one position type.
// LastPeriod is the index of the last period credited; it only moves
// forward, and each period index is credited at most once.
type Position struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Type           PositionType    `json:"type" db:"type"`
	Principal      decimal.Decimal `json:"principal" db:"principal"`
	DailyRate      decimal.Decimal `json:"daily_rate" db:"daily_rate"`
	BoostPackageID *string         `json:"boost_package_id,omitempty" db:"boost_package_id"`
	LastPeriod     int64           `json:"last_period" db:"last_period"`
	Active         bool            `json:"active" db:"active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// BoostPackage is a catalog entry. Admin-managed; read-only to the engine.
type BoostPackage struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	PriceTON      decimal.Decimal `json:"price_ton" db:"price_ton"`
	MinDeposit    decimal.Decimal `json:"min_deposit" db:"min_deposit"`
	DailyRate     decimal.Decimal `json:"daily_rate" db:"daily_rate"`
	BonusAmount   decimal.Decimal `json:"bonus_amount" db:"bonus_amount"`
	BonusCurrency Currency        `json:"bonus_currency" db:"bonus_currency"`
	Active        bool            `json:"active" db:"active"`
}
