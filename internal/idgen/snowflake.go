// Package idgen generates local 64-bit ids for entities the archiver itself
// creates — sync operations and their abort handles — as opposed to
// platform-supplied entity ids, which are always taken verbatim from the
// gateway/REST payloads. Adapted from the teacher's tools/ids snowflake
// generator.
package idgen

import (
	"sync"
	"time"
)

type generator struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64
	seq      int64
	lastTSMS int64
}

var (
	defaultGen *generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = &generator{
			epochMS: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			nodeID:  1,
		}
	})
}

// SetNodeID distinguishes ids generated by concurrent archiver processes
// sharing one database, should the deployment ever run more than one.
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	defaultGen.nodeID = nodeID
}

// NextOperationID returns a fresh id for a SyncOperation's abort handle.
func NextOperationID() int64 {
	initDefault()
	return defaultGen.next()
}

func (g *generator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := time.Now().UnixMilli()
		if now < g.lastTSMS {
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				for now <= g.lastTSMS {
					now = time.Now().UnixMilli()
				}
				continue
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now
		ts := (now - g.epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}
