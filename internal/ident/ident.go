// Package ident allocates message identities: time-sortable, globally unique IDs
// paired with a per-device monotonic millisecond clock.
package ident

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns strictly increasing unix-millisecond timestamps, even when the
// wall clock stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt creates a clock backed by the given time source. Used by tests.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the next timestamp in milliseconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// Generator produces message IDs. IDs are UUIDv7 strings whose timestamp bits
// come from the generator's Clock, so IDs allocated on one device sort in
// allocation order.
type Generator struct {
	clock *Clock
}

// NewGenerator creates an ID generator. A nil clock uses the wall clock.
func NewGenerator(clock *Clock) *Generator {
	if clock == nil {
		clock = NewClock()
	}
	return &Generator{clock: clock}
}

// Clock exposes the generator's clock so callers can stamp other records
// consistently with message IDs.
func (g *Generator) Clock() *Clock {
	return g.clock
}

// Next allocates a new ID and returns it with the timestamp embedded in it.
func (g *Generator) Next() (string, int64, error) {
	ts := g.clock.Now()
	u, err := uuid.NewRandom()
	if err != nil {
		return "", 0, fmt.Errorf("random suffix: %w", err)
	}
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(ts))
	copy(u[0:6], stamp[2:8])
	u[6] = (u[6] & 0x0f) | 0x70
	u[8] = (u[8] & 0x3f) | 0x80
	return u.String(), ts, nil
}

// Timestamp extracts the millisecond timestamp embedded in an ID produced by Next.
func Timestamp(id string) (int64, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", id, err)
	}
	if u.Version() != 7 {
		return 0, fmt.Errorf("id %q is version %d, want 7", id, u.Version())
	}
	var stamp [8]byte
	copy(stamp[2:8], u[0:6])
	return int64(binary.BigEndian.Uint64(stamp[:])), nil
}
