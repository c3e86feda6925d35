package core

import (
	"sync/atomic"
	"time"
)

// LogicalClock tracks the agent's view of "now" plus a server-reported
// offset applied when the tunnel server rejects a signature as expired by
// more than a few seconds (clock drift). Every signer reads the offset with
// a single atomic load, mirroring the cached-timestamp pattern used
// elsewhere for hot-path reads of slowly changing state.
type LogicalClock struct {
	offsetMillis atomic.Int64
}

// NewLogicalClock returns a clock with zero offset from the system clock.
func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

// Now returns the agent's logical time: system time adjusted by the current
// offset.
func (c *LogicalClock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offsetMillis.Load()) * time.Millisecond)
}

// NowUnixMillis returns Now() as Unix milliseconds, the unit the wire
// protocol uses for timestamps.
func (c *LogicalClock) NowUnixMillis() int64 {
	return c.Now().UnixMilli()
}

// Adjust adds deltaMillis to the current offset and returns the new offset.
// Called when the server reports SignatureExpired with a delta larger than
// the 3s tolerance in spec §3.
func (c *LogicalClock) Adjust(deltaMillis int64) int64 {
	return c.offsetMillis.Add(deltaMillis)
}

// Offset returns the current offset in milliseconds.
func (c *LogicalClock) Offset() int64 {
	return c.offsetMillis.Load()
}
