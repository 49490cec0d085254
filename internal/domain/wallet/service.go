package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mwork/wallet-ledger/internal/pkg/lockgate"
	"github.com/mwork/wallet-ledger/internal/pkg/logger"
	"github.com/mwork/wallet-ledger/internal/pkg/signature"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	defaultLockNamespace = "wallet"

	// Widths of wallet_transactions.reference_id and idempotency_key. The
	// stored key carries the operation prefix.
	maxReferenceIDLen = 255
	maxScopedKeyLen   = 300
)

// Operation names double as idempotency key scopes and metric labels.
const (
	OpTopUp       = "topup"
	OpDeduct      = "deduct"
	OpHold        = "hold"
	OpRelease     = "release"
	OpConfirmHold = "confirm_hold"
	OpRefund      = "refund"
	OpReward      = "reward"
	OpAdjust      = "adjust"
)

// Config is injected into the service at construction.
type Config struct {
	SignatureSecret string
	DailyTopupLimit int64
	DebitRateLimit  int
	DebitRateWindow time.Duration
	DefaultCurrency string
	Location        *time.Location
	LockNamespace   string
	Now             func() time.Time
}

// DefaultConfig returns the production limits without a signature secret.
func DefaultConfig() Config {
	return Config{
		DailyTopupLimit: 50_000_000,
		DebitRateLimit:  10,
		DebitRateWindow: time.Minute,
		DefaultCurrency: "KZT",
		Location:        time.UTC,
		LockNamespace:   defaultLockNamespace,
	}
}

// Metrics records operation outcomes.
type Metrics interface {
	ObserveOperation(operation, outcome string, took time.Duration)
	LedgerRowMissing()
}

// EventPublisher receives every committed ledger row.
type EventPublisher interface {
	PublishTransaction(ctx context.Context, event LedgerEvent) error
}

// GapNotifier is told about wallets whose write landed without a ledger row.
type GapNotifier interface {
	NotifyLedgerGap(ctx context.Context, walletID uuid.UUID) error
}

// Result is the outcome of a mutating operation. A duplicate request is a
// success with AlreadyProcessed set.
type Result struct {
	Success          bool            `json:"success"`
	AlreadyProcessed bool            `json:"already_processed,omitempty"`
	Transaction      *Transaction    `json:"transaction,omitempty"`
	Wallet           *Wallet         `json:"wallet,omitempty"`
	Error            *OperationError `json:"error,omitempty"`
}

func rejected(opErr *OperationError) *Result {
	return &Result{Success: false, Error: opErr}
}

func duplicate(tx *Transaction) *Result {
	return &Result{
		Success:          true,
		AlreadyProcessed: true,
		Transaction:      tx,
		Error:            newOpError(CodeAlreadyProcessed, "operation already processed"),
	}
}

type TopUpOptions struct {
	IdempotencyKey string
	PaymentID      string
	Description    string
}

// ChargeOptions covers deduct, hold, releaseHold and confirmHold.
type ChargeOptions struct {
	ReferenceID    string
	IdempotencyKey string
	Description    string
}

type RefundOptions struct {
	ReferenceID    string
	IdempotencyKey string
	Reason         string
}

type RewardOptions struct {
	IdempotencyKey string
	Campaign       string
	Description    string
}

type AdjustOptions struct {
	IdempotencyKey string
	Direction      Direction
	AdminID        string
	Reason         string
}

// TransactionQuery selects one page of a wallet's ledger.
type TransactionQuery struct {
	Limit  int
	Offset int
	Type   *TransactionType
}

type Service struct {
	store     Store
	locks     lockgate.Registry
	guard     *VersionGuard
	policy    *Policy
	signer    *signature.Signer
	cfg       Config
	now       func() time.Time
	metrics   Metrics
	publisher EventPublisher
	gaps      GapNotifier
}

func NewService(store Store, locks lockgate.Registry, cfg Config) (*Service, error) {
	if store == nil || locks == nil {
		return nil, errors.New("wallet: store and lock registry are required")
	}
	signer, err := signature.NewSigner(cfg.SignatureSecret)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	if cfg.LockNamespace == "" {
		cfg.LockNamespace = defaultLockNamespace
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "KZT"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:  store,
		locks:  locks,
		guard:  NewVersionGuard(store),
		policy: NewPolicy(store, cfg),
		signer: signer,
		cfg:    cfg,
		now:    cfg.Now,
	}, nil
}

func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) WithGapNotifier(n GapNotifier) *Service {
	s.gaps = n
	return s
}

// GetOrCreateWallet returns the owner's wallet, creating an empty ACTIVE one
// on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, owner Owner) (*Wallet, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	w, err := s.store.GetWalletByOwner(ctx, owner)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	now := s.timestamp()
	fresh := &Wallet{
		ID:        uuid.New(),
		Currency:  s.cfg.DefaultCurrency,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if owner.UserID != uuid.Nil {
		fresh.UserID = uuid.NullUUID{UUID: owner.UserID, Valid: true}
	} else {
		fresh.OrganizationID = uuid.NullUUID{UUID: owner.OrganizationID, Valid: true}
	}

	created, err := s.store.CreateWallet(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if created.ID == fresh.ID {
		logger.FromContext(ctx).Info().Str("wallet_id", created.ID.String()).Str("owner", owner.String()).Msg("wallet created")
	}
	return created, nil
}

func (s *Service) GetWalletBalance(ctx context.Context, walletID uuid.UUID) (*Balance, error) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return w.BalanceView(), nil
}

func (s *Service) TopUp(ctx context.Context, walletID uuid.UUID, amount int64, opts TopUpOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:            OpTopUp,
		kind:          TransactionTypeTopUp,
		direction:     DirectionCredit,
		amount:        amount,
		key:           opts.IdempotencyKey,
		referenceID:   opts.PaymentID,
		description:   opts.Description,
		metadata:      Metadata{TopUp: &TopUpMetadata{PaymentID: opts.PaymentID}},
		requireActive: true,
		policy: func(ctx context.Context) (*OperationError, error) {
			return s.policy.CheckDailyTopup(ctx, walletID, amount)
		},
		compute: credit,
	})
}

func (s *Service) Deduct(ctx context.Context, walletID uuid.UUID, amount int64, opts ChargeOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:            OpDeduct,
		kind:          TransactionTypeUsage,
		direction:     DirectionDebit,
		amount:        amount,
		key:           opts.IdempotencyKey,
		referenceID:   opts.ReferenceID,
		description:   opts.Description,
		metadata:      Metadata{Usage: &UsageMetadata{}},
		requireActive: true,
		policy: func(ctx context.Context) (*OperationError, error) {
			return s.policy.CheckDebitRate(ctx, walletID)
		},
		compute: debit,
	})
}

// Hold reserves amount from the available balance without spending it.
func (s *Service) Hold(ctx context.Context, walletID uuid.UUID, amount int64, opts ChargeOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:            OpHold,
		kind:          TransactionTypeHold,
		direction:     DirectionDebit,
		amount:        amount,
		key:           opts.IdempotencyKey,
		referenceID:   opts.ReferenceID,
		description:   opts.Description,
		metadata:      Metadata{Hold: &HoldMetadata{Phase: "hold"}},
		requireActive: true,
		compute: func(w *Wallet, amount int64) (int64, int64, *OperationError) {
			if w.Available() < amount {
				return 0, 0, fundsError(CodeInsufficientBalance, "insufficient balance", amount, w.Available())
			}
			return w.Balance, w.LockedBalance + amount, nil
		},
	})
}

// ReleaseHold returns held funds to the available balance.
func (s *Service) ReleaseHold(ctx context.Context, walletID uuid.UUID, amount int64, opts ChargeOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:          OpRelease,
		kind:        TransactionTypeRelease,
		direction:   DirectionCredit,
		amount:      amount,
		key:         opts.IdempotencyKey,
		referenceID: opts.ReferenceID,
		description: opts.Description,
		metadata:    Metadata{Hold: &HoldMetadata{Phase: "release"}},
		compute: func(w *Wallet, amount int64) (int64, int64, *OperationError) {
			if w.LockedBalance < amount {
				return 0, 0, fundsError(CodeInsufficientLocked, "insufficient locked balance", amount, w.LockedBalance)
			}
			return w.Balance, w.LockedBalance - amount, nil
		},
	})
}

// ConfirmHold spends previously held funds.
func (s *Service) ConfirmHold(ctx context.Context, walletID uuid.UUID, amount int64, opts ChargeOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:          OpConfirmHold,
		kind:        TransactionTypeUsage,
		direction:   DirectionDebit,
		amount:      amount,
		key:         opts.IdempotencyKey,
		referenceID: opts.ReferenceID,
		description: opts.Description,
		metadata:    Metadata{Usage: &UsageMetadata{ConfirmedFromHold: true}},
		compute: func(w *Wallet, amount int64) (int64, int64, *OperationError) {
			if w.LockedBalance < amount {
				return 0, 0, fundsError(CodeInsufficientLocked, "insufficient locked balance", amount, w.LockedBalance)
			}
			return w.Balance - amount, w.LockedBalance - amount, nil
		},
	})
}

func (s *Service) Refund(ctx context.Context, walletID uuid.UUID, amount int64, opts RefundOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:          OpRefund,
		kind:        TransactionTypeRefund,
		direction:   DirectionCredit,
		amount:      amount,
		key:         opts.IdempotencyKey,
		referenceID: opts.ReferenceID,
		description: opts.Reason,
		metadata:    Metadata{Refund: &RefundMetadata{Reason: opts.Reason}},
		compute:     credit,
	})
}

func (s *Service) CreditReward(ctx context.Context, walletID uuid.UUID, amount int64, opts RewardOptions) (*Result, error) {
	return s.apply(ctx, walletID, mutation{
		op:            OpReward,
		kind:          TransactionTypeRewardCredit,
		direction:     DirectionCredit,
		amount:        amount,
		key:           opts.IdempotencyKey,
		referenceID:   opts.Campaign,
		description:   opts.Description,
		metadata:      Metadata{Reward: &RewardMetadata{Campaign: opts.Campaign}},
		requireActive: true,
		compute:       credit,
	})
}

// Adjust is an administrative correction in either direction.
func (s *Service) Adjust(ctx context.Context, walletID uuid.UUID, amount int64, opts AdjustOptions) (*Result, error) {
	m := mutation{
		op:          OpAdjust,
		kind:        TransactionTypeAdjustment,
		direction:   opts.Direction,
		amount:      amount,
		key:         opts.IdempotencyKey,
		referenceID: opts.AdminID,
		description: opts.Reason,
		metadata:    Metadata{Adjustment: &AdjustmentMetadata{AdminID: opts.AdminID, Reason: opts.Reason}},
	}
	switch opts.Direction {
	case DirectionCredit:
		m.compute = credit
	case DirectionDebit:
		m.compute = debit
	default:
		return rejected(newOpError(CodeValidation, "adjustment direction must be credit or debit")), nil
	}
	return s.apply(ctx, walletID, m)
}

func credit(w *Wallet, amount int64) (int64, int64, *OperationError) {
	if w.Balance > math.MaxInt64-amount {
		return 0, 0, newOpError(CodeValidation, "amount overflows balance")
	}
	return w.Balance + amount, w.LockedBalance, nil
}

func debit(w *Wallet, amount int64) (int64, int64, *OperationError) {
	if w.Available() < amount {
		return 0, 0, fundsError(CodeInsufficientBalance, "insufficient balance", amount, w.Available())
	}
	return w.Balance - amount, w.LockedBalance, nil
}

type mutation struct {
	op            string
	kind          TransactionType
	direction     Direction
	amount        int64
	key           string
	referenceID   string
	description   string
	metadata      Metadata
	requireActive bool
	policy        func(ctx context.Context) (*OperationError, error)
	// compute returns the new balance and locked balance.
	compute func(w *Wallet, amount int64) (int64, int64, *OperationError)
}

func (s *Service) apply(ctx context.Context, walletID uuid.UUID, m mutation) (res *Result, err error) {
	started := s.now()
	defer func() { s.observe(m.op, res, err, started) }()

	if m.amount <= 0 {
		return rejected(newOpError(CodeValidation, "amount must be positive")), nil
	}
	if strings.TrimSpace(m.key) == "" {
		return rejected(newOpError(CodeValidation, "idempotency key is required")), nil
	}
	if utf8.RuneCountInString(m.op)+1+utf8.RuneCountInString(m.key) > maxScopedKeyLen {
		return rejected(newOpError(CodeValidation, "idempotency key is too long")), nil
	}
	if utf8.RuneCountInString(m.referenceID) > maxReferenceIDLen {
		return rejected(newOpError(CodeValidation, "reference id is too long")), nil
	}

	if m.policy != nil {
		opErr, err := m.policy(ctx)
		if err != nil {
			return nil, err
		}
		if opErr != nil {
			logger.FromContext(ctx).Warn().
				Str("wallet_id", walletID.String()).
				Str("operation", m.op).
				Str("code", string(opErr.Code)).
				Msg("wallet operation rejected by policy")
			return rejected(opErr), nil
		}
	}

	scoped := m.op + ":" + m.key
	acquired, err := s.locks.Acquire(ctx, scoped, s.cfg.LockNamespace)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire idempotency key: %v", ErrInternal, err)
	}
	if !acquired {
		return duplicate(nil), nil
	}

	res, err = s.applyLocked(ctx, walletID, scoped, m)
	if errors.Is(err, ErrLedgerRowMissing) {
		// The effect is applied; releasing would let a retry apply it again.
		return nil, err
	}
	if err != nil || !res.Success {
		s.release(ctx, scoped)
	}
	return res, err
}

func (s *Service) applyLocked(ctx context.Context, walletID uuid.UUID, scoped string, m mutation) (*Result, error) {
	existing, err := s.store.FindTransactionByIdempotencyKey(ctx, walletID, scoped)
	if err == nil {
		return duplicate(existing), nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return rejected(newOpError(CodeWalletNotFound, "wallet not found")), nil
		}
		return nil, err
	}

	if w.Status == StatusClosed || (m.requireActive && w.Status != StatusActive) {
		return rejected(statusError(w.Status)), nil
	}

	balance, locked, opErr := m.compute(w, m.amount)
	if opErr != nil {
		return rejected(opErr), nil
	}

	now := s.timestamp()
	upd := WalletUpdate{
		Balance:         balance,
		LockedBalance:   locked,
		LastTopupAt:     w.LastTopupAt,
		LastDeductionAt: w.LastDeductionAt,
		UpdatedAt:       now,
	}
	switch m.kind {
	case TransactionTypeTopUp:
		upd.LastTopupAt = &now
	case TransactionTypeUsage:
		upd.LastDeductionAt = &now
	}

	meta := m.metadata
	meta.V = metadataVersion
	tx := &Transaction{
		ID:             uuid.New(),
		WalletID:       w.ID,
		Type:           m.kind,
		Amount:         m.amount,
		Direction:      m.direction,
		BalanceBefore:  w.Balance,
		BalanceAfter:   balance,
		Currency:       w.Currency,
		ReferenceID:    m.referenceID,
		IdempotencyKey: scoped,
		Metadata:       meta,
		Description:    m.description,
		CreatedAt:      now,
	}
	tx.Signature = s.signer.Sign(signatureFields(tx))

	next, err := s.guard.Write(ctx, w, upd)
	if errors.Is(err, ErrWriteUnverified) {
		s.reportGap(ctx, applied(w, upd), tx, err)
		return nil, fmt.Errorf("%w: %s on wallet %s: %w", ErrLedgerRowMissing, m.op, w.ID, err)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertTransaction(ctx, tx); err != nil {
		s.reportGap(ctx, next, tx, err)
		return nil, fmt.Errorf("%w: %s on wallet %s: %v", ErrLedgerRowMissing, m.op, w.ID, err)
	}

	logger.FromContext(ctx).Info().
		Str("wallet_id", w.ID.String()).
		Str("operation", m.op).
		Int64("amount", m.amount).
		Int64("version", next.Version).
		Str("idempotency_key", scoped).
		Msg("wallet operation applied")

	s.publish(ctx, tx, next)
	return &Result{Success: true, Transaction: tx, Wallet: next}, nil
}

func (s *Service) release(ctx context.Context, scoped string) {
	// The caller's context may already be done; the release must still go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryTimeout)
	defer cancel()
	if _, err := s.locks.Release(ctx, scoped, s.cfg.LockNamespace); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("idempotency_key", scoped).Msg("failed to release idempotency key")
	}
}

func (s *Service) reportGap(ctx context.Context, w *Wallet, tx *Transaction, cause error) {
	logger.FromContext(ctx).Error().
		Err(cause).
		Str("wallet_id", w.ID.String()).
		Int64("version", w.Version).
		Str("type", string(tx.Type)).
		Int64("amount", tx.Amount).
		Str("idempotency_key", tx.IdempotencyKey).
		Msg("wallet updated but ledger row not persisted")

	if s.metrics != nil {
		s.metrics.LedgerRowMissing()
	}
	if s.gaps != nil {
		if err := s.gaps.NotifyLedgerGap(context.WithoutCancel(ctx), w.ID); err != nil {
			logger.FromContext(ctx).Warn().Err(err).Str("wallet_id", w.ID.String()).Msg("failed to notify reconciliation")
		}
	}
}

func (s *Service) publish(ctx context.Context, tx *Transaction, w *Wallet) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransaction(ctx, NewLedgerEvent(tx, w)); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("transaction_id", tx.ID.String()).Msg("failed to publish ledger event")
	}
}

func (s *Service) observe(op string, res *Result, err error, started time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "error"
	switch {
	case err != nil && errors.Is(err, ErrConcurrentModification):
		outcome = string(CodeConcurrentModification)
	case err != nil:
	case res.AlreadyProcessed:
		outcome = string(CodeAlreadyProcessed)
	case res.Success:
		outcome = "applied"
	case res.Error != nil:
		outcome = string(res.Error.Code)
	}
	s.metrics.ObserveOperation(op, outcome, s.now().Sub(started))
}

// timestamp is truncated to what PostgreSQL stores so signatures survive a round trip.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func signatureFields(tx *Transaction) signature.Fields {
	return signature.Fields{
		WalletID:      tx.WalletID.String(),
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		ReferenceID:   tx.ReferenceID,
		Timestamp:     tx.CreatedAt,
	}
}

// VerifyTransactionSignature recomputes the row signature. A row without a
// signature never verifies.
func (s *Service) VerifyTransactionSignature(tx *Transaction) bool {
	if tx == nil {
		return false
	}
	return s.signer.Verify(signatureFields(tx), tx.Signature)
}

func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetWalletTransactions returns one page of the ledger, newest first.
func (s *Service) GetWalletTransactions(ctx context.Context, walletID uuid.UUID, q TransactionQuery) (*TransactionPage, error) {
	if q.Type != nil && !q.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidFilter, *q.Type)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}

	filter := TransactionFilter{Type: q.Type, Limit: limit, Offset: offset}
	items, err := s.store.ListTransactions(ctx, walletID, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountTransactions(ctx, walletID, filter)
	if err != nil {
		return nil, err
	}
	return &TransactionPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *Service) FreezeWallet(ctx context.Context, walletID uuid.UUID) (*Wallet, error) {
	return s.transition(ctx, walletID, StatusFrozen)
}

func (s *Service) UnfreezeWallet(ctx context.Context, walletID uuid.UUID) (*Wallet, error) {
	return s.transition(ctx, walletID, StatusActive)
}

// CloseWallet is terminal and requires that no funds are held.
func (s *Service) CloseWallet(ctx context.Context, walletID uuid.UUID) (*Wallet, error) {
	return s.transition(ctx, walletID, StatusClosed)
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusFrozen || to == StatusClosed
	case StatusFrozen:
		return to == StatusActive || to == StatusClosed
	}
	return false
}

func (s *Service) transition(ctx context.Context, walletID uuid.UUID, to Status) (*Wallet, error) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Status == to {
		return w, nil
	}
	if !allowedTransition(w.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, w.Status, to)
	}
	if to == StatusClosed && w.LockedBalance != 0 {
		return nil, fmt.Errorf("%w: %d still held", ErrInvalidStatusTransition, w.LockedBalance)
	}

	if err := s.store.SetStatus(ctx, walletID, w.Status, to, s.timestamp()); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("wallet_id", walletID.String()).
		Str("from", string(w.Status)).
		Str("to", string(to)).
		Msg("wallet status changed")
	return s.store.GetWallet(ctx, walletID)
}
