package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unifarm/farming-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The balance delta and the transaction append run inside one database
// transaction with a conditional UPDATE, so a failure at any point leaves
// state exactly as it was.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// uniqueViolation is the Postgres error code for constraint 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// balanceColumn maps a currency to its users column. Currencies are a
// closed enum, so the column name never comes from caller input.
func balanceColumn(c model.Currency) string {
	if c == model.CurrencyTON {
		return "balance_ton"
	}
	return "balance_uni"
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, telegram_id, username, balance_uni, balance_ton, referral_code, referrer_id, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		u.ID, u.TelegramID, u.Username,
		u.BalanceUNI.String(), u.BalanceTON.String(),
		u.ReferralCode, u.ReferrerID, u.Status, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", u.ID, ErrDuplicateTransaction)
	}
	return err
}

const userColumns = `id, telegram_id, username,
	        balance_uni::TEXT, balance_ton::TEXT,
	        referral_code, referrer_id, status, created_at`

func (s *PostgresStore) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var uni, ton string
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username,
		&uni, &ton,
		&u.ReferralCode, &u.ReferrerID, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.BalanceUNI, _ = decimalFromString(uni)
	u.BalanceTON, _ = decimalFromString(ton)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
}

func (s *PostgresStore) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return s.scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
}

// SetReferrer sets the upline only where none is recorded. The WHERE
// clause makes the exactly-once guarantee a single-statement conditional
// update, not a read-then-write.
func (s *PostgresStore) SetReferrer(ctx context.Context, userID, referrerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET referrer_id = $2 WHERE id = $1 AND referrer_id IS NULL`,
		userID, referrerID)
	if err != nil {
		return fmt.Errorf("set referrer for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrUplineAlreadySet
	}
	return nil
}

// --- Immutable ledger ---

func (s *PostgresStore) ApplyTransaction(ctx context.Context, t *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyTransactionTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// applyTransactionTx inserts the transaction row and applies its balance
// delta inside an open database transaction. Insert happens first so a
// duplicate reference aborts before any balance is touched.
func applyTransactionTx(ctx context.Context, tx pgx.Tx, t *model.Transaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var ref *string
	if t.ExternalReference != "" {
		ref = &t.ExternalReference
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, currency, amount, status, description, metadata, external_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.Type, t.Currency,
		t.Amount.String(), t.Status, t.Description, meta, ref, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if t.Status != model.TxStatusCompleted {
		return nil
	}

	col := balanceColumn(t.Currency)
	tag, err := tx.Exec(ctx,
		`UPDATE users
		 SET `+col+` = `+col+` + $2::NUMERIC
		 WHERE id = $1 AND `+col+` + $2::NUMERIC >= 0`,
		t.UserID, t.Amount.String(),
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, t.UserID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientBalance
	}
	return nil
}

// Withdraw runs the debit and the position shrink inside one database
// transaction, so the scheduler can never accrue yield on funds that have
// already left the balance.
func (s *PostgresStore) Withdraw(ctx context.Context, t *model.Transaction, ptype model.PositionType) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyTransactionTx(ctx, tx, t); err != nil {
		return err
	}

	// t.Amount is negative for debits: the principal floors at zero and
	// the position deactivates once nothing is left to farm.
	if _, err := tx.Exec(ctx,
		`UPDATE positions
		 SET principal = GREATEST(principal + $3::NUMERIC, 0),
		     active = active AND principal + $3::NUMERIC > 0
		 WHERE user_id = $1 AND type = $2`,
		t.UserID, ptype, t.Amount.String(),
	); err != nil {
		return fmt.Errorf("shrink position: %w", err)
	}
	return tx.Commit(ctx)
}

const txColumns = `id, user_id, type, currency, amount::TEXT, status,
	        description, metadata, COALESCE(external_reference, ''), created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var amount string
	var meta []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Currency, &amount, &t.Status,
		&t.Description, &meta, &t.ExternalReference, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Amount, _ = decimalFromString(amount)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return &t, nil
}

func (s *PostgresStore) GetTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE external_reference = $1`, ref))
}

func (s *PostgresStore) GetTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount string
		var meta []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Currency, &amount, &t.Status,
			&t.Description, &meta, &t.ExternalReference, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimalFromString(amount)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.Metadata)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Accrual positions ---

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, type, principal, daily_rate, boost_package_id, last_period, active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (user_id, type) DO UPDATE
		 SET principal = EXCLUDED.principal,
		     daily_rate = EXCLUDED.daily_rate,
		     boost_package_id = EXCLUDED.boost_package_id,
		     last_period = GREATEST(positions.last_period, EXCLUDED.last_period),
		     active = EXCLUDED.active`,
		p.UserID, p.Type, p.Principal.String(), p.DailyRate.String(),
		p.BoostPackageID, p.LastPeriod, p.Active, p.CreatedAt,
	)
	return err
}

// GrowPosition increments the principal in one statement; two concurrent
// deposits both land even when they race on the same position row.
func (s *PostgresStore) GrowPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, type, principal, daily_rate, boost_package_id, last_period, active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, TRUE, $7)
		 ON CONFLICT (user_id, type) DO UPDATE
		 SET principal = positions.principal + EXCLUDED.principal,
		     daily_rate = EXCLUDED.daily_rate,
		     active = TRUE`,
		p.UserID, p.Type, p.Principal.String(), p.DailyRate.String(),
		p.BoostPackageID, p.LastPeriod, p.CreatedAt,
	)
	return err
}

const positionColumns = `user_id, type, principal::TEXT, daily_rate::TEXT,
	        boost_package_id, last_period, active, created_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID string, ptype model.PositionType) (*model.Position, error) {
	var p model.Position
	var principal, rate string
	err := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND type = $2`,
		userID, ptype).
		Scan(&p.UserID, &p.Type, &principal, &rate,
			&p.BoostPackageID, &p.LastPeriod, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Principal, _ = decimalFromString(principal)
	p.DailyRate, _ = decimalFromString(rate)
	return &p, nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context, ptype model.PositionType) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE type = $1 AND active ORDER BY created_at`, ptype)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var principal, rate string
		if err := rows.Scan(&p.UserID, &p.Type, &principal, &rate,
			&p.BoostPackageID, &p.LastPeriod, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Principal, _ = decimalFromString(principal)
		p.DailyRate, _ = decimalFromString(rate)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// AdvancePosition is a single-statement conditional update; last_period
// never moves backward even under concurrent ticks.
func (s *PostgresStore) AdvancePosition(ctx context.Context, userID string, ptype model.PositionType, period int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET last_period = $3
		 WHERE user_id = $1 AND type = $2 AND last_period < $3`,
		userID, ptype, period)
	return err
}

func (s *PostgresStore) DeactivatePosition(ctx context.Context, userID string, ptype model.PositionType) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET active = FALSE WHERE user_id = $1 AND type = $2`,
		userID, ptype)
	return err
}

// --- Referral edges ---

func (s *PostgresStore) CreateReferralEdges(ctx context.Context, edges []model.ReferralEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO referral_edges (referred_user_id, ancestor_user_id, level, percent)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (referred_user_id, level) DO NOTHING`,
			e.ReferredUserID, e.AncestorUserID, e.Level, e.Percent.String(),
		); err != nil {
			return fmt.Errorf("insert edge level %d: %w", e.Level, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetReferralEdges(ctx context.Context, referredUserID string) ([]model.ReferralEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT referred_user_id, ancestor_user_id, level, percent::TEXT
		 FROM referral_edges WHERE referred_user_id = $1 ORDER BY level`, referredUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []model.ReferralEdge
	for rows.Next() {
		var e model.ReferralEdge
		var pct string
		if err := rows.Scan(&e.ReferredUserID, &e.AncestorUserID, &e.Level, &pct); err != nil {
			return nil, err
		}
		e.Percent, _ = decimalFromString(pct)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Boost catalog ---

const packageColumns = `id, name, price_ton::TEXT, min_deposit::TEXT,
	        daily_rate::TEXT, bonus_amount::TEXT, bonus_currency, active`

func (s *PostgresStore) ListBoostPackages(ctx context.Context) ([]model.BoostPackage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+packageColumns+` FROM boost_packages WHERE active ORDER BY price_ton`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pkgs []model.BoostPackage
	for rows.Next() {
		var p model.BoostPackage
		var price, minDep, rate, bonus string
		if err := rows.Scan(&p.ID, &p.Name, &price, &minDep, &rate, &bonus,
			&p.BonusCurrency, &p.Active); err != nil {
			return nil, err
		}
		p.PriceTON, _ = decimalFromString(price)
		p.MinDeposit, _ = decimalFromString(minDep)
		p.DailyRate, _ = decimalFromString(rate)
		p.BonusAmount, _ = decimalFromString(bonus)
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

func (s *PostgresStore) GetBoostPackage(ctx context.Context, id string) (*model.BoostPackage, error) {
	var p model.BoostPackage
	var price, minDep, rate, bonus string
	err := s.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM boost_packages WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &price, &minDep, &rate, &bonus,
			&p.BonusCurrency, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PriceTON, _ = decimalFromString(price)
	p.MinDeposit, _ = decimalFromString(minDep)
	p.DailyRate, _ = decimalFromString(rate)
	p.BonusAmount, _ = decimalFromString(bonus)
	return &p, nil
}

// PurchaseBoost runs the debit, the optional bonus credit, and the position
// activation inside one database transaction. A boost can never be paid for
// without its position existing.
func (s *PostgresStore) PurchaseBoost(ctx context.Context, purchaseTx, bonusTx *model.Transaction, pos *model.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyTransactionTx(ctx, tx, purchaseTx); err != nil {
		return err
	}
	if bonusTx != nil {
		if err := applyTransactionTx(ctx, tx, bonusTx); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, type, principal, daily_rate, boost_package_id, last_period, active, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (user_id, type) DO UPDATE
		 SET principal = EXCLUDED.principal,
		     daily_rate = EXCLUDED.daily_rate,
		     boost_package_id = EXCLUDED.boost_package_id,
		     last_period = GREATEST(positions.last_period, EXCLUDED.last_period),
		     active = TRUE`,
		pos.UserID, pos.Type, pos.Principal.String(), pos.DailyRate.String(),
		pos.BoostPackageID, pos.LastPeriod, pos.Active, pos.CreatedAt,
	); err != nil {
		return fmt.Errorf("activate position: %w", err)
	}

	return tx.Commit(ctx)
}
