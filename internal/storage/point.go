package storage

import (
	"maps"
	"slices"

	"liquidation-watch/internal/domain"
)

// Point is a time-series row: a measurement (table) with indexed tags and plain fields.
type Point interface {
	Measurement() string
	Tags() map[string]string
	Fields() map[string]string
}

var _ Point = (*domain.LiquidationRecord)(nil)

// Columns flattens p into column names and values, tags before fields,
// each group sorted by key.
func Columns(p Point) ([]string, []any) {
	tags, fields := p.Tags(), p.Fields()
	names := make([]string, 0, len(tags)+len(fields))
	values := make([]any, 0, len(tags)+len(fields))

	for _, group := range []map[string]string{tags, fields} {
		for _, k := range slices.Sorted(maps.Keys(group)) {
			names = append(names, k)
			values = append(values, group[k])
		}
	}
	return names, values
}
