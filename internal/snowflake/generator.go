// Package snowflake hands out 64-bit time-sortable ids. The worker slot
// embedded in every id is leased from a shared table by Allocator.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Epoch is 2024-02-01T00:00:00Z in unix milliseconds.
const Epoch int64 = 1706716800000

const (
	workerBits     = 5
	datacenterBits = 5
	sequenceBits   = 12

	MaxWorkerID     = 1<<workerBits - 1
	MaxDatacenterID = 1<<datacenterBits - 1
	maxSequence     = 1<<sequenceBits - 1

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

var (
	ErrInvalidID = errors.New("snowflake: worker or datacenter id out of range")
	// ErrClockBackwards is permanent for the generator that returned it.
	ErrClockBackwards = errors.New("snowflake: clock moved backwards")
)

// Generator is safe for concurrent use.
type Generator struct {
	worker     int64
	datacenter int64
	clock      func() int64

	mu       sync.Mutex
	last     int64
	sequence int64
	broken   error
}

type GeneratorOption func(*Generator)

// WithClock replaces the millisecond clock.
func WithClock(fn func() int64) GeneratorOption {
	return func(g *Generator) { g.clock = fn }
}

func NewGenerator(workerID, datacenterID int64, opts ...GeneratorOption) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID || datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("%w: worker %d, datacenter %d", ErrInvalidID, workerID, datacenterID)
	}
	g := &Generator{
		worker:     workerID,
		datacenter: datacenterID,
		clock:      func() int64 { return time.Now().UnixMilli() },
		last:       -1,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// FromSlot builds a generator for a packed (datacenter<<5 | worker) slot.
func FromSlot(slot int64, opts ...GeneratorOption) (*Generator, error) {
	return NewGenerator(slot&MaxWorkerID, slot>>workerBits, opts...)
}

// Next returns the next id. On sequence overflow it waits for the next
// millisecond.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.broken != nil {
		return 0, g.broken
	}
	ts := g.clock()
	if ts < g.last {
		g.broken = fmt.Errorf("%w: refusing ids for %d ms", ErrClockBackwards, g.last-ts)
		return 0, g.broken
	}
	if ts == g.last {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ts <= g.last {
				ts = g.clock()
			}
		}
	} else {
		g.sequence = 0
	}
	g.last = ts
	return (ts-Epoch)<<timestampShift | g.datacenter<<datacenterShift | g.worker<<workerShift | g.sequence, nil
}

// Parts splits an id back into its fields.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

func Decompose(id int64) Parts {
	return Parts{
		Time:         time.UnixMilli(id>>timestampShift + Epoch).UTC(),
		DatacenterID: id >> datacenterShift & MaxDatacenterID,
		WorkerID:     id >> workerShift & MaxWorkerID,
		Sequence:     id & maxSequence,
	}
}
