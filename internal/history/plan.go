// Package history decides how much of a chat to materialize when it is
// opened and pages older and newer messages on demand.
package history

import "time"

// Strategy names a load plan.
type Strategy string

const (
	Single Strategy = "single"
	Tiered Strategy = "tiered"
	Paged  Strategy = "paged"
)

// Tier is one scheduled load: Count more messages, Delay after open.
type Tier struct {
	Count int
	Delay time.Duration
}

// Plan is the load schedule chosen for a chat.
type Plan struct {
	Strategy Strategy
	Tiers    []Tier
}

// Total is the number of messages the plan loads without scrolling.
func (p Plan) Total() int {
	n := 0
	for _, t := range p.Tiers {
		n += t.Count
	}
	return n
}

// Policy holds the thresholds and delays of the loader.
type Policy struct {
	SmallBacklog int
	LargeBacklog int
	MinLoad      int
	Headroom     int
	FirstTier    int
	SecondTier   int
	ShortDelay   time.Duration
	LongDelay    time.Duration
	PageSize     int
}

// DefaultPolicy: up to 50 unread loads max(50, unread+10) at once; up to 500
// loads 100, then 200 more after 300ms, then the rest after 1.5s; beyond that
// 50-message pages on scroll.
func DefaultPolicy() Policy {
	return Policy{
		SmallBacklog: 50,
		LargeBacklog: 500,
		MinLoad:      50,
		Headroom:     10,
		FirstTier:    100,
		SecondTier:   200,
		ShortDelay:   300 * time.Millisecond,
		LongDelay:    1500 * time.Millisecond,
		PageSize:     50,
	}
}

// Choose selects the plan for a chat with unread outstanding messages.
func (p Policy) Choose(unread int) Plan {
	unread = max(unread, 0)
	switch {
	case unread <= p.SmallBacklog:
		return Plan{Strategy: Single, Tiers: []Tier{{Count: max(p.MinLoad, unread+p.Headroom)}}}
	case unread <= p.LargeBacklog:
		tiers := []Tier{
			{Count: p.FirstTier},
			{Count: p.SecondTier, Delay: p.ShortDelay},
		}
		if rest := unread + p.Headroom - p.FirstTier - p.SecondTier; rest > 0 {
			tiers = append(tiers, Tier{Count: rest, Delay: p.LongDelay})
		}
		return Plan{Strategy: Tiered, Tiers: tiers}
	default:
		return Plan{Strategy: Paged, Tiers: []Tier{{Count: p.PageSize}}}
	}
}
