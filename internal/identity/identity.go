// Package identity assigns collision-free card identities from a durable
// per-day counter and pairs front/back captures under them.
package identity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
)

// Counter hands out the next sequence for a day. The ledger implements it.
type Counter interface {
	NextSeq(ctx context.Context, day int) (int, error)
}

// Assigner issues identities. Calls within a process serialize on a mutex;
// the counter store increments atomically across processes.
type Assigner struct {
	mu      sync.Mutex
	counter Counter
	loc     *time.Location
}

// NewAssigner creates an Assigner that numbers days in loc.
func NewAssigner(counter Counter, loc *time.Location) *Assigner {
	if loc == nil {
		loc = time.UTC
	}
	return &Assigner{counter: counter, loc: loc}
}

// Assign returns the next identity for the day of captureTime. A counter
// failure is a persistence error; there is no fallback counter.
func (a *Assigner) Assign(ctx context.Context, captureTime time.Time) (model.Identity, error) {
	day := JulianDay(captureTime, a.loc)

	a.mu.Lock()
	defer a.mu.Unlock()

	seq, err := a.counter.NextSeq(ctx, day)
	if err != nil {
		return model.Identity{}, model.Persistence("identity: counter unavailable", err)
	}
	id := model.Identity{Day: day, Seq: seq}
	zap.L().Debug("identity: assigned", zap.String("identity", id.String()))
	return id, nil
}

// JulianDay returns the Julian Day Number of t's calendar date in loc.
func JulianDay(t time.Time, loc *time.Location) int {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	a := (14 - int(m)) / 12
	yy := y + 4800 - a
	mm := int(m) + 12*a - 3
	return d + (153*mm+2)/5 + 365*yy + yy/4 - yy/100 + yy/400 - 32045
}
