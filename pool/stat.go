package pool

import (
	"time"

	"github.com/jackc/puddle"
)

// Stat is a snapshot of pool gauges.
type Stat struct {
	s    *puddle.Stat
	size int32
}

// Size is the configured maximum number of connections.
func (s *Stat) Size() int {
	return int(s.size)
}

// Available is the number of idle connections ready to be acquired.
func (s *Stat) Available() int {
	return int(s.s.IdleResources())
}

// Initialized is the number of connections that currently exist, idle or
// acquired. With a lazy pool this grows toward Size as connections are
// first used.
func (s *Stat) Initialized() int {
	return int(s.s.TotalResources())
}

// AcquiredConns is the number of connections currently checked out.
func (s *Stat) AcquiredConns() int {
	return int(s.s.AcquiredResources())
}

// AcquireCount is the cumulative number of successful acquires.
func (s *Stat) AcquireCount() int64 {
	return s.s.AcquireCount()
}

// AcquireDuration is the total time spent waiting in Acquire.
func (s *Stat) AcquireDuration() time.Duration {
	return s.s.AcquireDuration()
}

// EmptyAcquireCount is the cumulative number of acquires that had to wait
// for a connection to be released or created.
func (s *Stat) EmptyAcquireCount() int64 {
	return s.s.EmptyAcquireCount()
}

// CanceledAcquireCount is the cumulative number of acquires canceled by
// their context.
func (s *Stat) CanceledAcquireCount() int64 {
	return s.s.CanceledAcquireCount()
}
