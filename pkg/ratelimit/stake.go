package ratelimit

import (
	"math"

	"github.com/xcrystal627/commune/pkg/auth"
)

// StakeTable maps an address to the amounts it has staked to other addresses.
type StakeTable = map[string]map[string]float64

// RateModel turns caller identity and stake into a per-window call allowance.
type RateModel struct {
	AdminRate float64
	OwnerRate float64
	LocalRate float64
	MaxRate   float64
	MinRate   float64
	// StakePrice is the stake that buys one call per window at cost weight 1.
	StakePrice      float64
	DirectWeight    float64
	DelegatedWeight float64
	OwnerWeight     float64
}

func DefaultRateModel() RateModel {
	return RateModel{
		AdminRate:       1000,
		OwnerRate:       1000,
		LocalRate:       1000,
		MaxRate:         1000,
		MinRate:         1,
		StakePrice:      1000,
		DirectWeight:    1,
		DelegatedWeight: 1,
		OwnerWeight:     1,
	}
}

// Identity is what the gate knows about a verified caller before rating it.
type Identity struct {
	Caller string
	Owner  string
	Admin  bool
	Local  bool
}

// StakeScore sums the caller's own stake, stake delegated to the caller and
// stake the module owner delegated to the caller, each weighted.
func (m RateModel) StakeScore(caller, owner string, stakeTo, stakeFrom StakeTable) float64 {
	direct := sum(stakeTo[caller])
	delegated := sum(stakeFrom[caller])
	fromOwner := 0.0
	if row, ok := stakeTo[owner]; ok {
		fromOwner = row[caller]
	}
	return m.DirectWeight*direct + m.DelegatedWeight*delegated + m.OwnerWeight*fromOwner
}

// Rate classifies the caller and returns its allowance for a function with
// the given cost weight. The stake price is scaled per call and never stored.
func (m RateModel) Rate(id Identity, stakeTo, stakeFrom StakeTable, costWeight float64) auth.Caller {
	c := auth.Caller{
		Address: id.Caller,
		IsAdmin: id.Admin,
		IsOwner: id.Caller != "" && id.Caller == id.Owner,
		IsLocal: id.Local,
	}
	switch {
	case c.IsAdmin:
		c.Class, c.Rate = auth.ClassAdmin, m.AdminRate
	case c.IsOwner:
		c.Class, c.Rate = auth.ClassOwner, m.OwnerRate
	case c.IsLocal:
		c.Class, c.Rate = auth.ClassLocal, m.LocalRate
	default:
		c.Class = auth.ClassStake
		if costWeight <= 0 {
			costWeight = 1
		}
		price := m.StakePrice * costWeight
		rate := 0.0
		if price > 0 {
			rate = m.StakeScore(id.Caller, id.Owner, stakeTo, stakeFrom) / price
		}
		c.Rate = math.Max(m.MinRate, math.Min(m.MaxRate, rate))
	}
	return c
}

// Limit converts a rate into a whole-call limit of at least one.
func Limit(rate float64) int {
	n := int(math.Floor(rate))
	if n < 1 {
		return 1
	}
	return n
}

func sum(row map[string]float64) float64 {
	total := 0.0
	for _, v := range row {
		total += v
	}
	return total
}
