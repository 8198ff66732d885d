package ids

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// 1 unused sign bit | 41 bits ms since epoch | 10 bits node | 12 bits sequence
const (
	timestampBits = 41
	nodeBits      = 10
	seqBits       = 12

	MaxNodeID = 1<<nodeBits - 1
	maxSeq    = 1<<seqBits - 1
	tsMask    = 1<<timestampBits - 1
	tsShift   = nodeBits + seqBits
)

// DefaultEpoch is 2025-01-01 00:00:00 UTC.
var DefaultEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type Generator struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	clock    func() int64
}

type Option func(*Generator)

func WithEpoch(epoch time.Time) Option {
	return func(g *Generator) { g.epochMS = epoch.UnixMilli() }
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.clock = func() int64 { return now().UnixMilli() } }
}

func NewGenerator(nodeID int64, opts ...Option) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, fmt.Errorf("node id %d out of range 0..%d", nodeID, MaxNodeID)
	}
	g := &Generator{
		epochMS:  DefaultEpoch.UnixMilli(),
		nodeID:   nodeID,
		lastTSMS: -1,
		clock:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *Generator) NodeID() int64 { return g.nodeID }

// Next returns the next id. When 4096 ids were already issued in the
// current millisecond it blocks until the clock moves on. A clock that
// steps backwards keeps issuing on the last seen millisecond, so ids never
// decrease.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now < g.lastTSMS {
		now = g.lastTSMS
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & maxSeq
		if g.seq == 0 {
			for now <= g.lastTSMS {
				runtime.Gosched()
				now = g.clock()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - g.epochMS) & tsMask
	return ts<<tsShift | g.nodeID<<seqBits | g.seq
}

// Parts is the unpacked form of an id, for diagnostics.
type Parts struct {
	Time     time.Time
	NodeID   int64
	Sequence int64
}

func (g *Generator) Parse(id int64) Parts {
	ms := id>>tsShift + g.epochMS
	return Parts{
		Time:     time.UnixMilli(ms).UTC(),
		NodeID:   (id >> seqBits) & MaxNodeID,
		Sequence: id & maxSeq,
	}
}

var (
	defaultGen atomic.Pointer[Generator]
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		g, _ := NewGenerator(1)
		defaultGen.CompareAndSwap(nil, g)
	})
}

// Default returns the process-wide generator configured by SetNodeID.
func Default() *Generator {
	initDefault()
	return defaultGen.Load()
}

func Generate() int64 {
	return Default().Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID replaces the process-wide generator; call once from main.
// Safe against concurrent Generate calls.
func SetNodeID(nodeID int64) error {
	g, err := NewGenerator(nodeID)
	if err != nil {
		return err
	}
	initDefault()
	defaultGen.Store(g)
	return nil
}
