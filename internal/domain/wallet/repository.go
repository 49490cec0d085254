package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// Store is the persistence boundary for wallets and their ledger rows.
// Implementations must be strongly consistent for read-after-write; they are
// not required to offer transactions spanning both records.
type Store interface {
	GetWallet(ctx context.Context, id uuid.UUID) (*Wallet, error)
	GetWalletByOwner(ctx context.Context, owner Owner) (*Wallet, error)
	// CreateWallet inserts w unless the owner already has a wallet, and
	// returns whichever wallet the owner ends up with.
	CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error)
	// UpdateWallet writes upd and advances the version by one, only if the
	// stored version and status still match current. Otherwise ErrVersionConflict.
	UpdateWallet(ctx context.Context, current *Wallet, upd WalletUpdate) error
	SetStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error

	InsertTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, walletID uuid.UUID, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID uuid.UUID, filter TransactionFilter) ([]Transaction, error)
	CountTransactions(ctx context.Context, walletID uuid.UUID, filter TransactionFilter) (int, error)
	CountDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int, error)
	SumTopupsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int64, error)

	// ListLedgerChecks pages wallets ordered by id, starting after afterID.
	ListLedgerChecks(ctx context.Context, afterID uuid.UUID, limit int) ([]LedgerCheck, error)
}

// Repository is the PostgreSQL Store.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const walletColumns = `id, user_id, organization_id, balance, locked_balance, currency, status, version,
		last_topup_at, last_deduction_at, created_at, updated_at`

const transactionColumns = `id, wallet_id, type, amount, direction, balance_before, balance_after, currency,
		reference_id, idempotency_key, signature, metadata, description, created_at`

func (r *Repository) GetWallet(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var w Wallet
	err := r.db.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("%w: get wallet: %v", ErrInternal, err)
	}
	return &w, nil
}

func (r *Repository) GetWalletByOwner(ctx context.Context, owner Owner) (*Wallet, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	arg := owner.UserID
	if owner.OrganizationID != uuid.Nil {
		query = `SELECT ` + walletColumns + ` FROM wallets WHERE organization_id = $1`
		arg = owner.OrganizationID
	}

	var w Wallet
	if err := r.db.GetContext(ctx, &w, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("%w: get wallet by owner: %v", ErrInternal, err)
	}
	return &w, nil
}

func (r *Repository) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	if err := w.Owner().Validate(); err != nil {
		return nil, err
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx2, `
		INSERT INTO wallets (
			id, user_id, organization_id, balance, locked_balance, currency, status, version, created_at, updated_at
		)
		VALUES (
			:id, :user_id, :organization_id, :balance, :locked_balance, :currency, :status, :version, :created_at, :updated_at
		)
		ON CONFLICT DO NOTHING
	`, w)
	if err != nil {
		return nil, fmt.Errorf("%w: create wallet: %v", ErrInternal, err)
	}

	return r.GetWalletByOwner(ctx, w.Owner())
}

func (r *Repository) UpdateWallet(ctx context.Context, current *Wallet, upd WalletUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $3,
		    locked_balance = $4,
		    last_topup_at = $5,
		    last_deduction_at = $6,
		    updated_at = $7,
		    version = version + 1
		WHERE id = $1 AND version = $2 AND status = $8
	`, current.ID, current.Version, upd.Balance, upd.LockedBalance, upd.LastTopupAt, upd.LastDeductionAt, upd.UpdatedAt, current.Status)
	if err != nil {
		return fmt.Errorf("%w: update wallet: %v", ErrInternal, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE wallets SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	if to == StatusClosed {
		query += ` AND locked_balance = 0`
	}

	result, err := r.db.ExecContext(ctx, query, id, from, to, at)
	if err != nil {
		return fmt.Errorf("%w: set wallet status: %v", ErrInternal, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrInternal, err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *Repository) InsertTransaction(ctx context.Context, tx *Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, wallet_id, type, amount, direction, balance_before, balance_after, currency,
			reference_id, idempotency_key, signature, metadata, description, created_at
		)
		VALUES (
			:id, :wallet_id, :type, :amount, :direction, :balance_before, :balance_after, :currency,
			:reference_id, :idempotency_key, :signature, :metadata, :description, :created_at
		)
	`, tx)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("%w: insert transaction: %v", ErrInternal, err)
	}
	return nil
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var tx Transaction
	err := r.db.GetContext(ctx, &tx, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: get transaction: %v", ErrInternal, err)
	}
	return &tx, nil
}

func (r *Repository) FindTransactionByIdempotencyKey(ctx context.Context, walletID uuid.UUID, key string) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var tx Transaction
	err := r.db.GetContext(ctx, &tx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1 AND idempotency_key = $2
		LIMIT 1
	`, walletID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: find transaction by key: %v", ErrInternal, err)
	}
	return &tx, nil
}

// buildFilter renders filter as extra WHERE clauses after "wallet_id = $1".
func buildFilter(walletID uuid.UUID, filter TransactionFilter) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{walletID}
	idx := 2

	if filter.Type != nil {
		fmt.Fprintf(&b, " AND type = $%d", idx)
		args = append(args, string(*filter.Type))
		idx++
	}
	if filter.Direction != nil {
		fmt.Fprintf(&b, " AND direction = $%d", idx)
		args = append(args, string(*filter.Direction))
		idx++
	}
	if filter.Since != nil {
		fmt.Fprintf(&b, " AND created_at > $%d", idx)
		args = append(args, *filter.Since)
	}
	return b.String(), args
}

func (r *Repository) ListTransactions(ctx context.Context, walletID uuid.UUID, filter TransactionFilter) ([]Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where, args := buildFilter(walletID, filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	n := len(args)
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE wallet_id = $1` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, limit, filter.Offset)

	transactions := make([]Transaction, 0)
	if err := r.db.SelectContext(ctx, &transactions, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrInternal, err)
	}
	return transactions, nil
}

func (r *Repository) CountTransactions(ctx context.Context, walletID uuid.UUID, filter TransactionFilter) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where, args := buildFilter(walletID, filter)
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM wallet_transactions WHERE wallet_id = $1`+where, args...); err != nil {
		return 0, fmt.Errorf("%w: count transactions: %v", ErrInternal, err)
	}
	return count, nil
}

func (r *Repository) CountDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int, error) {
	debit := DirectionDebit
	return r.CountTransactions(ctx, walletID, TransactionFilter{Direction: &debit, Since: &since})
}

func (r *Repository) SumTopupsSince(ctx context.Context, walletID uuid.UUID, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND type = $2 AND created_at >= $3
	`, walletID, string(TransactionTypeTopUp), since)
	if err != nil {
		return 0, fmt.Errorf("%w: sum topups: %v", ErrInternal, err)
	}
	return sum, nil
}

func (r *Repository) ListLedgerChecks(ctx context.Context, afterID uuid.UUID, limit int) ([]LedgerCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	checks := make([]LedgerCheck, 0)
	err := r.db.SelectContext(ctx, &checks, `
		SELECT w.id AS wallet_id, w.version, COUNT(t.id) AS ledger_rows
		FROM wallets w
		LEFT JOIN wallet_transactions t ON t.wallet_id = w.id
		WHERE w.id > $1
		GROUP BY w.id, w.version
		ORDER BY w.id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list ledger checks: %v", ErrInternal, err)
	}
	return checks, nil
}
