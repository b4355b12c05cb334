package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/punchamoorthee/refdrop/internal/domain"
)

const accountColumns = "id, email, wallet_address, referral_code, COALESCE(referred_by, ''), credit_balance, verified, last_paid, created_at"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate applies the schema through a database/sql handle on the same pool.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.Db)
	defer db.Close()
	return Apply(ctx, db)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, s.Db, "id", id)
}

func (s *PostgresStore) GetAccountByWallet(ctx context.Context, wallet string) (*domain.Account, error) {
	return getAccount(ctx, s.Db, "wallet_address", wallet)
}

// EnsureRoot provisions the root sentinel if it does not exist yet.
func (s *PostgresStore) EnsureRoot(ctx context.Context) error {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO accounts (id, email, referral_code) VALUES ($1, '', $2) ON CONFLICT (id) DO NOTHING",
		domain.RootAccountID, domain.RootReferralCode,
	)
	if err != nil {
		return fmt.Errorf("root insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetVerified(ctx context.Context, id string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE accounts SET verified = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("verify update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) TeamCounts(ctx context.Context, id string, depth int) (map[int]int, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT level, COUNT(*) FROM referrals WHERE ancestor_id = $1 AND level BETWEEN 1 AND $2 GROUP BY level",
		id, depth,
	)
	if err != nil {
		return nil, fmt.Errorf("team query failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("team scan failed: %w", err)
		}
		counts[level] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListEligible(ctx context.Context, f domain.EligibilityFilter) ([]domain.Account, error) {
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := s.Db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts a
		WHERE a.id <> $1
		  AND a.verified
		  AND a.credit_balance > 0
		  AND a.wallet_address IS NOT NULL
		  AND (a.last_paid IS NULL OR a.last_paid <= $2)
		  AND NOT EXISTS (
			SELECT 1 FROM payout_entries e WHERE e.account_id = a.id AND e.status = 'pending'
		  )
		ORDER BY a.created_at, a.id
		LIMIT $3`,
		domain.RootAccountID, f.PaidBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eligibility query failed: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) BeginPayout(ctx context.Context, p domain.PendingPayout) error {
	return s.WithTx(ctx, func(t Tx) error {
		q := t.(*pgTx).q
		if _, err := q.Exec(ctx,
			"INSERT INTO payout_records (account_id, created_at) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING",
			p.AccountID, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("payout record insert failed: %w", err)
		}

		var status string
		err := q.QueryRow(ctx,
			"SELECT status FROM payout_entries WHERE account_id = $1 AND tx_id = $2",
			p.AccountID, p.TransactionID,
		).Scan(&status)
		switch {
		case err == nil && status == domain.PayoutPending:
			return nil
		case err == nil:
			return ErrTxReused
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("payout entry lookup failed: %w", err)
		}

		// payout_entries_one_pending_key allows one pending entry per account.
		_, err = q.Exec(ctx,
			`INSERT INTO payout_entries (account_id, tx_id, amount, last_valid, status, created_at)
			 VALUES ($1, $2, $3, $4, 'pending', $5)`,
			p.AccountID, p.TransactionID, p.Amount, int64(p.LastValid), p.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrPayoutInFlight
			}
			return fmt.Errorf("payout entry insert failed: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) CompletePayout(ctx context.Context, accountID, txID string, at time.Time) (bool, error) {
	settled := false
	err := s.WithTx(ctx, func(t Tx) error {
		q := t.(*pgTx).q
		var amount int64
		err := q.QueryRow(ctx,
			`UPDATE payout_entries SET status = 'confirmed', settled_at = $3
			 WHERE account_id = $1 AND tx_id = $2 AND status = 'pending'
			 RETURNING amount`,
			accountID, txID, at,
		).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("payout confirm failed: %w", err)
		}

		// Decrement by what was paid so credits landing mid-run survive.
		if _, err := q.Exec(ctx,
			"UPDATE accounts SET credit_balance = GREATEST(credit_balance - $1, 0), last_paid = $2 WHERE id = $3",
			amount, at, accountID,
		); err != nil {
			return fmt.Errorf("balance update failed: %w", err)
		}
		settled = true
		return nil
	})
	return settled, err
}

func (s *PostgresStore) AbortPayout(ctx context.Context, accountID, txID string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE payout_entries SET status = 'failed' WHERE account_id = $1 AND tx_id = $2 AND status = 'pending'",
		accountID, txID,
	)
	if err != nil {
		return fmt.Errorf("payout abort failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingPayouts(ctx context.Context) ([]domain.PendingPayout, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT account_id, tx_id, amount, last_valid, created_at FROM payout_entries WHERE status = 'pending' ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("pending query failed: %w", err)
	}
	defer rows.Close()

	var pending []domain.PendingPayout
	for rows.Next() {
		var (
			p         domain.PendingPayout
			lastValid int64
		)
		if err := rows.Scan(&p.AccountID, &p.TransactionID, &p.Amount, &lastValid, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("pending scan failed: %w", err)
		}
		p.LastValid = uint64(lastValid)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) GetPayoutRecord(ctx context.Context, accountID string) (*domain.PayoutRecord, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payout_records WHERE account_id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("payout record lookup failed: %w", err)
	}
	if !exists {
		return nil, ErrPayoutNotFound
	}

	rows, err := s.Db.Query(ctx,
		`SELECT amount, tx_id, COALESCE(settled_at, created_at) FROM payout_entries
		 WHERE account_id = $1 AND status = 'confirmed' ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("payout entries query failed: %w", err)
	}
	defer rows.Close()

	record := &domain.PayoutRecord{AccountID: accountID, Payouts: []domain.PayoutEntry{}}
	for rows.Next() {
		var e domain.PayoutEntry
		if err := rows.Scan(&e.Amount, &e.TransactionID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("payout entry scan failed: %w", err)
		}
		record.Payouts = append(record.Payouts, e)
	}
	return record, rows.Err()
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, t.q, "id", id)
}

func (t *pgTx) GetAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error) {
	return getAccount(ctx, t.q, "referral_code", code)
}

func (t *pgTx) InsertAccount(ctx context.Context, acc *domain.Account) error {
	var referredBy any
	if acc.ReferredBy != "" {
		referredBy = acc.ReferredBy
	}

	_, err := t.q.Exec(ctx,
		`INSERT INTO accounts (id, email, wallet_address, referral_code, referred_by, credit_balance, verified, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acc.ID, acc.Email, acc.WalletAddress, acc.ReferralCode, referredBy, acc.CreditBalance, acc.Verified, acc.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "accounts_wallet_address_key":
				return ErrWalletInUse
			case "accounts_referral_code_key":
				return ErrCodeInUse
			}
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, accountID, descendantID string, level int, amount int64) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE accounts SET credit_balance = credit_balance + $1 WHERE id = $2",
		amount, accountID,
	)
	if err != nil {
		return fmt.Errorf("credit update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	_, err = t.q.Exec(ctx,
		`INSERT INTO referrals (ancestor_id, descendant_id, level) VALUES ($1, $2, $3)
		 ON CONFLICT (ancestor_id, descendant_id) DO NOTHING`,
		accountID, descendantID, level,
	)
	if err != nil {
		return fmt.Errorf("referral insert failed: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, column, value string) (*domain.Account, error) {
	// column is always one of a fixed set of identifiers chosen by callers.
	acc, err := scanAccount(q.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE "+column+" = $1", value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	rows, err := q.Query(ctx, "SELECT descendant_id FROM referrals WHERE ancestor_id = $1 ORDER BY seq", acc.ID)
	if err != nil {
		return nil, fmt.Errorf("referrals query failed: %w", err)
	}
	defer rows.Close()

	acc.Referrals = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("referral scan failed: %w", err)
		}
		acc.Referrals = append(acc.Referrals, id)
	}
	return acc, rows.Err()
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(
		&acc.ID, &acc.Email, &acc.WalletAddress, &acc.ReferralCode, &acc.ReferredBy,
		&acc.CreditBalance, &acc.Verified, &acc.LastPaid, &acc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}
