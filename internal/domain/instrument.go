package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	InstrumentTypeEquity  InstrumentType = "EQUITY"
	InstrumentTypeETF     InstrumentType = "ETF"
	InstrumentTypeFund    InstrumentType = "MUTUAL_FUND"
	InstrumentTypeBond    InstrumentType = "BOND"
	InstrumentTypeOption  InstrumentType = "OPTION"
	InstrumentTypeFuture  InstrumentType = "FUTURE"
	InstrumentTypeCash    InstrumentType = "CASH"
	InstrumentTypeCrypto  InstrumentType = "CRYPTO"
	InstrumentTypeUnknown InstrumentType = "UNKNOWN"
)

// ParseInstrumentType decodes the persisted form of an InstrumentType.
func ParseInstrumentType(s string) (InstrumentType, error) {
	switch t := InstrumentType(s); t {
	case InstrumentTypeEquity, InstrumentTypeETF, InstrumentTypeFund, InstrumentTypeBond,
		InstrumentTypeOption, InstrumentTypeFuture, InstrumentTypeCash, InstrumentTypeCrypto,
		InstrumentTypeUnknown:
		return t, nil
	case "":
		return InstrumentTypeUnknown, nil
	}
	return "", fmt.Errorf("%w: instrument type %q", ErrInvalidEnum, s)
}

// InstrumentStatus is the listing state of an instrument.
type InstrumentStatus string

const (
	InstrumentStatusActive   InstrumentStatus = "ACTIVE"
	InstrumentStatusInactive InstrumentStatus = "INACTIVE"
	InstrumentStatusDelisted InstrumentStatus = "DELISTED"
)

// ParseInstrumentStatus decodes the persisted form of an InstrumentStatus.
func ParseInstrumentStatus(s string) (InstrumentStatus, error) {
	switch st := InstrumentStatus(s); st {
	case InstrumentStatusActive, InstrumentStatusInactive, InstrumentStatusDelisted:
		return st, nil
	}
	return "", fmt.Errorf("%w: instrument status %q", ErrInvalidEnum, s)
}

// DerivativeKind is the kind of contract a derivative instrument represents.
type DerivativeKind string

const (
	DerivativeKindNone   DerivativeKind = ""
	DerivativeKindOption DerivativeKind = "OPTION"
	DerivativeKindFuture DerivativeKind = "FUTURE"
)

// ParseDerivativeKind decodes the persisted form of a DerivativeKind. The
// empty string means the instrument is not a derivative.
func ParseDerivativeKind(s string) (DerivativeKind, error) {
	switch k := DerivativeKind(s); k {
	case DerivativeKindNone, DerivativeKindOption, DerivativeKindFuture:
		return k, nil
	}
	return "", fmt.Errorf("%w: derivative kind %q", ErrInvalidEnum, s)
}

// PutCall is the right an option grants.
type PutCall string

const (
	PutCallNone PutCall = ""
	Put         PutCall = "PUT"
	Call        PutCall = "CALL"
)

// ParsePutCall decodes the persisted form of a PutCall.
func ParsePutCall(s string) (PutCall, error) {
	switch pc := PutCall(s); pc {
	case PutCallNone, Put, Call:
		return pc, nil
	}
	return "", fmt.Errorf("%w: put/call %q", ErrInvalidEnum, s)
}

// OptionStyle is the exercise style of an option.
type OptionStyle string

const (
	OptionStyleNone     OptionStyle = ""
	OptionStyleAmerican OptionStyle = "AMERICAN"
	OptionStyleEuropean OptionStyle = "EUROPEAN"
)

// ParseOptionStyle decodes the persisted form of an OptionStyle.
func ParseOptionStyle(s string) (OptionStyle, error) {
	switch st := OptionStyle(s); st {
	case OptionStyleNone, OptionStyleAmerican, OptionStyleEuropean:
		return st, nil
	}
	return "", fmt.Errorf("%w: option style %q", ErrInvalidEnum, s)
}

// IdentifierKey is the (namespace, domain, value) triple naming an
// instrument in some external scheme, e.g. ("ISIN", "", "US0378331005") or
// ("TICKER", "XNAS", "AAPL").
type IdentifierKey struct {
	Namespace string `json:"namespace"`
	Domain    string `json:"domain"`
	Value     string `json:"value"`
}

// Complete reports whether all three parts are present.
func (k IdentifierKey) Complete() bool {
	return k.Namespace != "" && k.Domain != "" && k.Value != ""
}

// IsZero reports whether all three parts are empty.
func (k IdentifierKey) IsZero() bool {
	return k.Namespace == "" && k.Domain == "" && k.Value == ""
}

func (k IdentifierKey) String() string {
	return k.Namespace + "|" + k.Domain + "|" + k.Value
}

// Less orders keys lexicographically by namespace, domain, value.
func (k IdentifierKey) Less(o IdentifierKey) bool {
	if k.Namespace != o.Namespace {
		return k.Namespace < o.Namespace
	}
	if k.Domain != o.Domain {
		return k.Domain < o.Domain
	}
	return k.Value < o.Value
}

// OptionTerms describes an option contract.
type OptionTerms struct {
	Expiration  time.Time       `json:"expiration"`
	PutCall     PutCall         `json:"put_call"`
	StrikePrice decimal.Decimal `json:"strike_price"`
	Style       OptionStyle     `json:"style,omitempty"`
}

// DerivativeRecord is the derivative part of an upstream instrument
// description.
type DerivativeRecord struct {
	Underlying IdentifierKey  `json:"underlying"`
	Kind       DerivativeKind `json:"kind"`
	Option     *OptionTerms   `json:"option,omitempty"`
}

// InstrumentRecord is an instrument description as supplied by a broker or
// returned by an identifier resolver.
type InstrumentRecord struct {
	Type        InstrumentType    `json:"type"`
	ListingMIC  string            `json:"listing_mic,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Identifiers []IdentifierKey   `json:"identifiers"`
	Derivative  *DerivativeRecord `json:"derivative,omitempty"`
}

// Instrument is the canonical record of a tradable thing.
type Instrument struct {
	ID         int64
	Type       InstrumentType
	Status     InstrumentStatus
	ListingMIC string
	Currency   string
	CreatedAt  time.Time
}

// Identifier is a canonical identifier attached to an instrument.
type Identifier struct {
	ID            int64
	InstrumentID  int64
	Key           IdentifierKey
	Source        string
	Authoritative bool
	ValidFrom     *time.Time
	ValidTo       *time.Time
	CreatedAt     time.Time
}

// Derivative links a derivative instrument to its underlying.
type Derivative struct {
	ID           int64
	InstrumentID int64
	UnderlyingID int64
	Kind         DerivativeKind
	PutCall      PutCall
	StrikePrice  decimal.Decimal
	Expiration   *time.Time
	Multiplier   decimal.Decimal
	Style        OptionStyle
}

// DefaultMultiplier is the contract multiplier used when none is supplied.
var DefaultMultiplier = decimal.NewFromInt(100)

// StagingInstrument is the flattened batch-scoped form of an
// InstrumentRecord.
type StagingInstrument struct {
	ID               int64
	BatchID          int64
	Type             InstrumentType
	Status           InstrumentStatus
	ListingMIC       string
	Currency         string
	Underlying       IdentifierKey
	DerivativeKind   DerivativeKind
	OptionExpiration *time.Time
	OptionPutCall    PutCall
	OptionStrike     decimal.NullDecimal
	OptionStyle      OptionStyle
	Source           string
}

// FlattenInstrument converts an InstrumentRecord into its staging form.
func FlattenInstrument(batchID int64, source string, r InstrumentRecord) StagingInstrument {
	si := StagingInstrument{
		BatchID:    batchID,
		Type:       r.Type,
		Status:     InstrumentStatusActive,
		ListingMIC: r.ListingMIC,
		Currency:   r.Currency,
		Source:     source,
	}
	if si.Type == "" {
		si.Type = InstrumentTypeUnknown
	}
	if d := r.Derivative; d != nil {
		si.Underlying = d.Underlying
		si.DerivativeKind = d.Kind
		if d.Option != nil {
			si.DerivativeKind = DerivativeKindOption
			exp := d.Option.Expiration
			if !exp.IsZero() {
				si.OptionExpiration = &exp
			}
			si.OptionPutCall = d.Option.PutCall
			si.OptionStrike = decimal.NewNullDecimal(d.Option.StrikePrice)
			si.OptionStyle = d.Option.Style
		}
	}
	return si
}

// StagingIdentifier is one identifier claim recorded for a batch. A zero
// StagingInstrumentID means the claim is not yet attached to a staged
// instrument, i.e. it is waiting for resolution.
type StagingIdentifier struct {
	ID                  int64
	BatchID             int64
	StagingInstrumentID int64
	Key                 IdentifierKey
	Source              string
}

// StagedInstrument is a staged instrument together with its identifier
// claims.
type StagedInstrument struct {
	Instrument  StagingInstrument
	Identifiers []IdentifierKey
}
