package backend

import "fmt"

// Tier is a capability/cost class of backend model. A task starts at one tier
// and may only move upward along the fixed ordering for its lifetime.
type Tier string

const (
	TierFast     Tier = "fast"
	TierDefault  Tier = "default"
	TierCode     Tier = "code"
	TierResearch Tier = "research"
	TierFrontier Tier = "frontier"
)

// tierOrder fixes the escalation ordering, cheapest first.
var tierOrder = []Tier{TierFast, TierDefault, TierCode, TierResearch, TierFrontier}

// Tiers returns all tiers in escalation order.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	for _, t := range tierOrder {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier: %s", s)
}

// Rank returns the tier's position in the escalation order, or -1 if unknown.
func (t Tier) Rank() int {
	for i, o := range tierOrder {
		if o == t {
			return i
		}
	}
	return -1
}

// Valid reports whether the tier is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Next returns the next tier upward. ok is false at the top of the ordering.
func (t Tier) Next() (next Tier, ok bool) {
	r := t.Rank()
	if r < 0 || r == len(tierOrder)-1 {
		return t, false
	}
	return tierOrder[r+1], true
}

// Above reports whether t is strictly above other in the escalation order.
func (t Tier) Above(other Tier) bool {
	return t.Rank() > other.Rank()
}
