// Package idgen generates identifiers for grids and exchange orders.
package idgen

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/jxskiss/base62"
	"github.com/oklog/ulid"
)

// Generator produces monotonic ULIDs; safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// New returns a generator seeded from the current time.
func New() *Generator {
	return NewWithClock(time.Now, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithClock returns a generator with an explicit clock and entropy source.
func NewWithClock(now func() time.Time, source io.Reader) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(source, 0),
		now:     now,
	}
}

// ULID returns the next identifier.
func (g *Generator) ULID() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// GridID returns "grid_<ULID>".
func (g *Generator) GridID() string {
	return "grid_" + g.ULID().String()
}

// ClientOrderID returns a base62 encoded ULID with the given prefix.
// Binance limits client order ids to 36 characters; the prefix is cut to fit.
func (g *Generator) ClientOrderID(prefix string) string {
	id := g.ULID()
	s := base62.EncodeToString(id[:])
	if len(prefix)+len(s) > 36 {
		prefix = prefix[:36-len(s)]
	}
	return prefix + s
}
