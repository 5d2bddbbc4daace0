package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the economic kind of a transaction.
type TxType string

const (
	TxTypeBuy         TxType = "BUY"
	TxTypeSell        TxType = "SELL"
	TxTypeDividend    TxType = "DIVIDEND"
	TxTypeInterest    TxType = "INTEREST"
	TxTypeFee         TxType = "FEE"
	TxTypeDeposit     TxType = "DEPOSIT"
	TxTypeWithdrawal  TxType = "WITHDRAWAL"
	TxTypeSplit       TxType = "SPLIT"
	TxTypeTransferIn  TxType = "TRANSFER_IN"
	TxTypeTransferOut TxType = "TRANSFER_OUT"
)

// ParseTxType decodes the persisted form of a TxType.
func ParseTxType(s string) (TxType, error) {
	switch t := TxType(s); t {
	case TxTypeBuy, TxTypeSell, TxTypeDividend, TxTypeInterest, TxTypeFee,
		TxTypeDeposit, TxTypeWithdrawal, TxTypeSplit, TxTypeTransferIn, TxTypeTransferOut:
		return t, nil
	}
	return "", fmt.Errorf("%w: tx type %q", ErrInvalidEnum, s)
}

// Tx is a raw transaction as supplied by a broker.
type Tx struct {
	Identifier  IdentifierKey       `json:"identifier"`
	Description string              `json:"description,omitempty"`
	AccountID   string              `json:"account_id"`
	Currency    string              `json:"currency"`
	Units       decimal.Decimal     `json:"units"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	TradeDate   time.Time           `json:"trade_date"`
	SettledDate *time.Time          `json:"settled_date,omitempty"`
	Type        TxType              `json:"type"`
}

// StagingTx is a Tx held in staging for one batch.
type StagingTx struct {
	ID      int64
	BatchID int64
	Tx
}

// Complete reports whether the row can be linked to an instrument: either a
// free-text description or a full identifier triple is present.
func (t StagingTx) Complete() bool {
	return t.Description != "" || t.Identifier.Complete()
}

// Transaction is a promoted canonical transaction.
type Transaction struct {
	ID           int64
	BatchID      int64
	UserID       int64
	InstrumentID int64
	AccountID    string
	Currency     string
	Units        decimal.Decimal
	UnitPrice    decimal.NullDecimal
	TradeDate    time.Time
	SettledDate  *time.Time
	Type         TxType
	Description  string
}
