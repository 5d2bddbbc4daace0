package domain

import "context"

// Identifier sources recorded on staged claims.
const (
	SourceUser  = "user"
	SourceTx    = "tx"
	SourcePrice = "price"
)

// IdResolver maps identifier keys to instrument descriptions using some
// external reference source. Keys it cannot match are omitted from the
// result; that is not an error.
type IdResolver interface {
	Name() string
	Resolve(ctx context.Context, keys []IdentifierKey) ([]InstrumentRecord, error)
}

// StagingResolver resolves the unresolved identifier claims of a batch and
// stages the instruments it finds.
type StagingResolver interface {
	Resolve(ctx context.Context, batchID int64) error
}
