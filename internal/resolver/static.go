package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// StaticResolver answers from a fixed table of instrument descriptions.
type StaticResolver struct {
	name    string
	records []domain.InstrumentRecord
	index   map[domain.IdentifierKey][]int
}

// NewStaticResolver indexes records by every identifier they carry.
func NewStaticResolver(name string, records []domain.InstrumentRecord) *StaticResolver {
	s := &StaticResolver{
		name:    name,
		records: records,
		index:   make(map[domain.IdentifierKey][]int),
	}
	for i, rec := range records {
		for _, k := range rec.Identifiers {
			s.index[k] = append(s.index[k], i)
		}
	}
	return s
}

func (s *StaticResolver) Name() string { return s.name }

// Resolve returns each matching record once, in table order.
func (s *StaticResolver) Resolve(ctx context.Context, keys []domain.IdentifierKey) ([]domain.InstrumentRecord, error) {
	hit := make(map[int]bool)
	for _, k := range keys {
		for _, i := range s.index[k] {
			hit[i] = true
		}
	}
	var out []domain.InstrumentRecord
	for i, rec := range s.records {
		if hit[i] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// LoadStaticResolver reads a JSON array of instrument records from path.
func LoadStaticResolver(name, path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: read static table: %w", err)
	}
	var records []domain.InstrumentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("resolver: decode static table %s: %w", path, err)
	}
	for i, rec := range records {
		if len(rec.Identifiers) == 0 {
			return nil, fmt.Errorf("resolver: static table %s: record %d has no identifiers", path, i)
		}
	}
	return NewStaticResolver(name, records), nil
}
