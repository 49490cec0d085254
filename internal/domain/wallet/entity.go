package wallet

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a wallet.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusFrozen Status = "FROZEN"
	StatusClosed Status = "CLOSED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusFrozen, StatusClosed:
		return true
	}
	return false
}

// TransactionType defines supported ledger row types.
type TransactionType string

const (
	TransactionTypeTopUp        TransactionType = "TOPUP"
	TransactionTypeUsage        TransactionType = "USAGE"
	TransactionTypeHold         TransactionType = "HOLD"
	TransactionTypeRelease      TransactionType = "RELEASE"
	TransactionTypeRefund       TransactionType = "REFUND"
	TransactionTypeAdjustment   TransactionType = "ADJUSTMENT"
	TransactionTypeRewardCredit TransactionType = "REWARD_CREDIT"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeTopUp, TransactionTypeUsage, TransactionTypeHold, TransactionTypeRelease,
		TransactionTypeRefund, TransactionTypeAdjustment, TransactionTypeRewardCredit:
		return true
	}
	return false
}

// MovesBalance reports whether rows of this type change the spendable balance.
// HOLD and RELEASE only move funds in and out of the locked balance.
func (t TransactionType) MovesBalance() bool {
	return t != TransactionTypeHold && t != TransactionTypeRelease
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Owner identifies who a wallet belongs to: exactly one of a user or an organization.
type Owner struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
}

func UserOwner(id uuid.UUID) Owner { return Owner{UserID: id} }
func OrganizationOwner(id uuid.UUID) Owner { return Owner{OrganizationID: id} }

func (o Owner) Validate() error {
	hasUser := o.UserID != uuid.Nil
	hasOrg := o.OrganizationID != uuid.Nil
	if hasUser == hasOrg {
		return ErrInvalidOwner
	}
	return nil
}

func (o Owner) String() string {
	if o.UserID != uuid.Nil {
		return "user:" + o.UserID.String()
	}
	return "organization:" + o.OrganizationID.String()
}

type Wallet struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	UserID          uuid.NullUUID `db:"user_id" json:"user_id"`
	OrganizationID  uuid.NullUUID `db:"organization_id" json:"organization_id"`
	Balance         int64         `db:"balance" json:"balance"`
	LockedBalance   int64         `db:"locked_balance" json:"locked_balance"`
	Currency        string        `db:"currency" json:"currency"`
	Status          Status        `db:"status" json:"status"`
	Version         int64         `db:"version" json:"version"`
	LastTopupAt     *time.Time    `db:"last_topup_at" json:"last_topup_at,omitempty"`
	LastDeductionAt *time.Time    `db:"last_deduction_at" json:"last_deduction_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Available is the spendable part of the balance.
func (w *Wallet) Available() int64 {
	return w.Balance - w.LockedBalance
}

// BalanceView is the read model of the wallet's funds.
func (w *Wallet) BalanceView() *Balance {
	return &Balance{
		WalletID:      w.ID,
		Balance:       w.Balance,
		LockedBalance: w.LockedBalance,
		Available:     w.Available(),
		Currency:      w.Currency,
		Status:        w.Status,
		Version:       w.Version,
	}
}

func (w *Wallet) Owner() Owner {
	return Owner{UserID: w.UserID.UUID, OrganizationID: w.OrganizationID.UUID}
}

// WalletUpdate carries the fields a ledger operation writes. Version is
// advanced by the store, never set by callers.
type WalletUpdate struct {
	Balance         int64
	LockedBalance   int64
	LastTopupAt     *time.Time
	LastDeductionAt *time.Time
	UpdatedAt       time.Time
}

type Transaction struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	WalletID       uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	Type           TransactionType `db:"type" json:"type"`
	Amount         int64           `db:"amount" json:"amount"`
	Direction      Direction       `db:"direction" json:"direction"`
	BalanceBefore  int64           `db:"balance_before" json:"balance_before"`
	BalanceAfter   int64           `db:"balance_after" json:"balance_after"`
	Currency       string          `db:"currency" json:"currency"`
	ReferenceID    string          `db:"reference_id" json:"reference_id,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Signature      string          `db:"signature" json:"-"`
	Metadata       Metadata        `db:"metadata" json:"metadata"`
	Description    string          `db:"description" json:"description,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Balance is the read model returned by GetWalletBalance.
type Balance struct {
	WalletID      uuid.UUID `json:"wallet_id"`
	Balance       int64     `json:"balance"`
	LockedBalance int64     `json:"locked_balance"`
	Available     int64     `json:"available"`
	Currency      string    `json:"currency"`
	Status        Status    `json:"status"`
	Version       int64     `json:"version"`
}

// TransactionFilter narrows ledger reads.
type TransactionFilter struct {
	Type      *TransactionType
	Direction *Direction
	Since     *time.Time
	Limit     int
	Offset    int
}

// TransactionPage is one page of ledger rows, newest first.
type TransactionPage struct {
	Items  []Transaction `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// LedgerCheck pairs a wallet version with the number of ledger rows it owns.
type LedgerCheck struct {
	WalletID uuid.UUID `db:"wallet_id"`
	Version  int64     `db:"version"`
	Rows     int64     `db:"ledger_rows"`
}

const metadataVersion = 1

// Metadata is a versioned tagged union: at most one typed payload is set,
// matching the transaction type. It is informational only.
type Metadata struct {
	V          int                 `json:"v"`
	TopUp      *TopUpMetadata      `json:"topup,omitempty"`
	Usage      *UsageMetadata      `json:"usage,omitempty"`
	Hold       *HoldMetadata       `json:"hold,omitempty"`
	Refund     *RefundMetadata     `json:"refund,omitempty"`
	Adjustment *AdjustmentMetadata `json:"adjustment,omitempty"`
	Reward     *RewardMetadata     `json:"reward,omitempty"`
}

type TopUpMetadata struct {
	PaymentID string `json:"payment_id,omitempty"`
}

type UsageMetadata struct {
	ConfirmedFromHold bool `json:"confirmed_from_hold,omitempty"`
}

type HoldMetadata struct {
	Phase string `json:"phase"`
}

type RefundMetadata struct {
	Reason string `json:"reason,omitempty"`
}

type AdjustmentMetadata struct {
	AdminID string `json:"admin_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type RewardMetadata struct {
	Campaign string `json:"campaign,omitempty"`
}

func (m Metadata) Value() (driver.Value, error) {
	if m.V == 0 {
		m.V = metadataVersion
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{V: metadataVersion}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		*m = Metadata{V: metadataVersion}
		return nil
	}
	var out Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("metadata: decode: %w", err)
	}
	*m = out
	return nil
}
