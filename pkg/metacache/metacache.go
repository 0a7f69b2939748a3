// Package metacache provides the shared cache used to memoize container
// metadata lookups. Values are a tagged variant: either the negative marker
// (the container is known to be absent) or the serialized record bytes.
//
// Every operation is best-effort. Callers treat an error the same as a miss;
// the origin database remains authoritative.
package metacache

import (
	"context"
	"time"
)

// negativeMarker is the stored form of a negative entry. It is kept as the
// literal "404" so cache contents stay interoperable with other front ends
// reading the same keys.
const negativeMarker = "404"

// Entry is a decoded cache value.
type Entry struct {
	// Negative marks a cached not-found result.
	Negative bool

	// Record holds the serialized metadata record when Negative is false.
	Record []byte
}

// Negative returns the negative entry.
func Negative() Entry { return Entry{Negative: true} }

// Record returns a positive entry holding the given serialized record.
func Record(bs []byte) Entry { return Entry{Record: bs} }

func (e Entry) encode() []byte {
	if e.Negative {
		return []byte(negativeMarker)
	}

	return e.Record
}

func decode(bs []byte) Entry {
	if string(bs) == negativeMarker {
		return Negative()
	}

	return Record(bs)
}

// Cache is the string-keyed cache service. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the entry stored under key. ok is false on a miss.
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)

	// Set stores the entry under key for the given lifetime.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error

	// Delete removes the entry stored under key, if any.
	Delete(ctx context.Context, key string) error
}
