package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is a raw price observation as supplied upstream.
type PriceRecord struct {
	Identifier IdentifierKey   `json:"identifier"`
	Currency   string          `json:"currency"`
	Price      decimal.Decimal `json:"price"`
	AsOf       time.Time       `json:"as_of"`
}

// StagingPrice is a PriceRecord held in staging for one batch.
type StagingPrice struct {
	ID      int64
	BatchID int64
	PriceRecord
}

// Price is a promoted canonical price point.
type Price struct {
	ID           int64
	InstrumentID int64
	Currency     string
	Price        decimal.Decimal
	AsOf         time.Time
	BatchID      int64
}
