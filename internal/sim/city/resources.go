package city

import (
	"math"

	"isocity/internal/sim/catalog"
)

// Params holds the economy constants the aggregator applies on top of the
// raw per-building sums.
type Params struct {
	BaseHappiness          float64
	UnemploymentPenaltyMax float64
	DeficitPenalty         float64
	IncomePerResident      float64
	ExpensePerResident     float64
}

// Snapshot is the derived resource state of a grid. Power and Water are net
// balances (production minus consumption).
type Snapshot struct {
	Population          float64
	ResidentialCapacity int
	Jobs                int
	Power               int
	Water               int
	Happiness           float64
	Unemployed          float64
	PowerDeficit        int
	WaterDeficit        int
	Income              float64
	Expenses            float64
	NetIncome           float64
}

// Aggregate derives a snapshot treating the grid's full residential capacity
// as the population. This is what a replica shows between authoritative
// updates.
func Aggregate(g *Grid, cat *catalog.Catalog, p Params) Snapshot {
	capacity, _, _, _, _ := sums(g, cat)
	return AggregateAt(g, cat, p, float64(capacity))
}

// AggregateAt derives a snapshot for a given live population (the damped
// value the tick engine advances). It is a pure function of its inputs:
// calling it twice without mutating the grid yields identical snapshots.
func AggregateAt(g *Grid, cat *catalog.Catalog, p Params, population float64) Snapshot {
	capacity, jobs, power, water, happinessSum := sums(g, cat)
	if population < 0 {
		population = 0
	}

	s := Snapshot{
		Population:          population,
		ResidentialCapacity: capacity,
		Jobs:                jobs,
		Power:               power,
		Water:               water,
	}
	s.Unemployed = math.Max(0, population-float64(jobs))
	if power < 0 {
		s.PowerDeficit = -power
	}
	if water < 0 {
		s.WaterDeficit = -water
	}

	h := p.BaseHappiness + happinessSum
	if population > 0 {
		h -= p.UnemploymentPenaltyMax * (s.Unemployed / population)
	}
	if s.PowerDeficit > 0 {
		h -= p.DeficitPenalty
	}
	if s.WaterDeficit > 0 {
		h -= p.DeficitPenalty
	}
	s.Happiness = math.Max(0, math.Min(100, h))

	s.Income = population * p.IncomePerResident
	s.Expenses = population * p.ExpensePerResident
	s.NetIncome = s.Income - s.Expenses
	return s
}

func sums(g *Grid, cat *catalog.Catalog) (capacity, jobs, power, water int, happiness float64) {
	for i := range g.Cells {
		c := &g.Cells[i]
		if !c.Occupied || c.Building == "" {
			continue
		}
		b, ok := cat.Get(c.Building)
		if !ok {
			continue
		}
		capacity += b.Residents
		jobs += b.Workers
		power += b.Power
		water += b.Water
		happiness += float64(b.Happiness)
	}
	return
}
