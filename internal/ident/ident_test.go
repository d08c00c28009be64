package ident

import (
	"sort"
	"testing"
	"time"
)

func TestClockMonotonicWhenWallClockStalls(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	c := NewClockAt(func() time.Time { return fixed })

	a := c.Now()
	b := c.Now()
	d := c.Now()
	if !(a < b && b < d) {
		t.Errorf("timestamps not strictly increasing: %d %d %d", a, b, d)
	}
}

func TestClockMonotonicWhenWallClockStepsBack(t *testing.T) {
	now := time.UnixMilli(2000)
	c := NewClockAt(func() time.Time { return now })

	first := c.Now()
	now = time.UnixMilli(1000)
	second := c.Now()
	if second <= first {
		t.Errorf("second = %d, want > %d", second, first)
	}
}

func TestGeneratorIDsSortInAllocationOrder(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	g := NewGenerator(NewClockAt(func() time.Time { return fixed }))

	var ids []string
	for range 200 {
		id, _, err := g.Next()
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("ids are not lexicographically sorted in allocation order")
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	g := NewGenerator(nil)
	id, ts, err := g.Next()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Timestamp(id)
	if err != nil {
		t.Fatal(err)
	}
	if got != ts {
		t.Errorf("Timestamp(%s) = %d, want %d", id, got, ts)
	}
}

func TestTimestampRejectsForeignIDs(t *testing.T) {
	if _, err := Timestamp("not-a-uuid"); err == nil {
		t.Error("expected error for malformed id")
	}
	if _, err := Timestamp("6ba7b810-9dad-41d1-80b4-00c04fd430c8"); err == nil {
		t.Error("expected error for v4 id")
	}
}
