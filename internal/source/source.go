// Package source enumerates the units of a record source and streams the
// records inside each unit.
package source

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/record"
)

// Reader streams the records of one unit. Next returns io.EOF after the last
// record. An error wrapping ErrRecordParse concerns a single line and the
// caller may keep reading; any other error ends the unit.
type Reader interface {
	Next() (record.Record, error)
	Close() error
}

// Source is a finite, ordered set of units.
type Source interface {
	// Units returns every unit id in a stable order.
	Units(ctx context.Context) ([]string, error)
	// Open starts streaming one unit.
	Open(ctx context.Context, unit string) (Reader, error)
}
