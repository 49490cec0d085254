package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/wallet-ledger/internal/pkg/kafka"
)

// LedgerEvent is the message emitted for every committed ledger row.
type LedgerEvent struct {
	TransactionID  uuid.UUID       `json:"transaction_id"`
	WalletID       uuid.UUID       `json:"wallet_id"`
	Type           TransactionType `json:"type"`
	Direction      Direction       `json:"direction"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	LockedBalance  int64           `json:"locked_balance"`
	Currency       string          `json:"currency"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	WalletVersion  int64           `json:"wallet_version"`
	Signature      string          `json:"signature"`
	CreatedAt      time.Time       `json:"created_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func NewLedgerEvent(tx *Transaction, w *Wallet) LedgerEvent {
	return LedgerEvent{
		TransactionID:  tx.ID,
		WalletID:       tx.WalletID,
		Type:           tx.Type,
		Direction:      tx.Direction,
		Amount:         tx.Amount,
		BalanceAfter:   tx.BalanceAfter,
		LockedBalance:  w.LockedBalance,
		Currency:       tx.Currency,
		ReferenceID:    tx.ReferenceID,
		WalletVersion:  w.Version,
		Signature:      tx.Signature,
		CreatedAt:      tx.CreatedAt,
		IdempotencyKey: tx.IdempotencyKey,
	}
}

// KafkaPublisher writes ledger events keyed by wallet id.
type KafkaPublisher struct {
	writer kafka.MessageWriter
}

func NewKafkaPublisher(w kafka.MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishTransaction(ctx context.Context, event LedgerEvent) error {
	return kafka.WriteJSON(ctx, p.writer, event.WalletID.String(), event)
}
