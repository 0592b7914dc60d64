package city

import (
	"math"
	"testing"

	"isocity/internal/sim/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load("../../../configs/buildings.json")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func testParams() Params {
	return Params{
		BaseHappiness:          50,
		UnemploymentPenaltyMax: 30,
		DeficitPenalty:         20,
		IncomePerResident:      10,
		ExpensePerResident:     5,
	}
}

func place(t *testing.T, g *Grid, x, y int, building string) {
	t.Helper()
	c := g.At(x, y)
	if c == nil || c.Occupied {
		t.Fatalf("cannot place %s at (%d,%d)", building, x, y)
	}
	c.Building = building
	c.Occupied = true
}

func TestAggregate_EmptyGrid(t *testing.T) {
	cat := testCatalog(t)
	g := NewGrid(10, 10, 3, 0)

	s := Aggregate(&g, cat, testParams())
	if s.Population != 0 || s.Jobs != 0 || s.Power != 0 || s.Water != 0 {
		t.Fatalf("empty grid should aggregate to zero: %+v", s)
	}
	// Population-relative ratios must not divide by zero.
	if s.Happiness != 50 {
		t.Fatalf("empty grid base happiness = %v, want 50", s.Happiness)
	}
	if s.NetIncome != 0 {
		t.Fatalf("empty grid net income = %v", s.NetIncome)
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	cat := testCatalog(t)
	g := NewGrid(20, 20, 99, 0.05)
	place(t, &g, 0, 0, "residential_small")
	place(t, &g, 1, 0, "commercial_small")
	place(t, &g, 2, 0, "power_plant")
	place(t, &g, 3, 0, "water_plant")

	a := Aggregate(&g, cat, testParams())
	b := Aggregate(&g, cat, testParams())
	if a != b {
		t.Fatalf("aggregation not idempotent:\n%+v\n%+v", a, b)
	}
}

func TestAggregate_SumsAndDeficits(t *testing.T) {
	cat := testCatalog(t)
	g := NewGrid(20, 20, 1, 0)
	place(t, &g, 0, 0, "residential_medium") // 40 residents, -10 power, -10 water
	place(t, &g, 1, 0, "commercial_small")   // 5 workers, -2 power, -1 water, +1 happiness

	s := Aggregate(&g, cat, testParams())
	if s.ResidentialCapacity != 40 || s.Jobs != 5 {
		t.Fatalf("capacity/jobs = %d/%d, want 40/5", s.ResidentialCapacity, s.Jobs)
	}
	if s.Power != -12 || s.PowerDeficit != 12 {
		t.Fatalf("power = %d deficit %d, want -12/12", s.Power, s.PowerDeficit)
	}
	if s.Water != -11 || s.WaterDeficit != 11 {
		t.Fatalf("water = %d deficit %d, want -11/11", s.Water, s.WaterDeficit)
	}
	if s.Unemployed != 35 {
		t.Fatalf("unemployed = %v, want 35", s.Unemployed)
	}

	// 50 base + 1 building - 30*(35/40) unemployment - 20 power - 20 water.
	want := 50.0 + 1 - 30*(35.0/40.0) - 20 - 20
	if want < 0 {
		want = 0
	}
	if math.Abs(s.Happiness-want) > 1e-9 {
		t.Fatalf("happiness = %v, want %v", s.Happiness, want)
	}

	if s.Income != 400 || s.Expenses != 200 || s.NetIncome != 200 {
		t.Fatalf("income/expenses/net = %v/%v/%v", s.Income, s.Expenses, s.NetIncome)
	}
}

func TestAggregate_HappinessClamped(t *testing.T) {
	cat := testCatalog(t)
	g := NewGrid(20, 20, 1, 0)
	// Lots of parks, no residents: happiness would exceed 100 unclamped.
	for x := 0; x < 10; x++ {
		place(t, &g, x, 0, "park")
	}
	s := Aggregate(&g, cat, testParams())
	if s.Happiness != 100 {
		t.Fatalf("happiness = %v, want clamp at 100", s.Happiness)
	}

	// Heavy industry with power+water deficits and full unemployment floors at 0.
	g2 := NewGrid(20, 20, 1, 0)
	place(t, &g2, 0, 0, "residential_large")
	for x := 1; x < 8; x++ {
		place(t, &g2, x, 0, "industrial_large")
	}
	s2 := AggregateAt(&g2, cat, testParams(), float64(s.ResidentialCapacity)+5000)
	if s2.Happiness < 0 || s2.Happiness > 100 {
		t.Fatalf("happiness out of range: %v", s2.Happiness)
	}
}

func TestAggregateAt_LivePopulation(t *testing.T) {
	cat := testCatalog(t)
	g := NewGrid(20, 20, 1, 0)
	place(t, &g, 0, 0, "residential_small") // capacity 4

	s := AggregateAt(&g, cat, testParams(), 2)
	if s.Population != 2 || s.ResidentialCapacity != 4 {
		t.Fatalf("population/capacity = %v/%d", s.Population, s.ResidentialCapacity)
	}
	if s.Income != 20 || s.Expenses != 10 || s.NetIncome != 10 {
		t.Fatalf("income at pop 2: %+v", s)
	}
	if s.Unemployed != 2 {
		t.Fatalf("unemployed = %v, want 2", s.Unemployed)
	}

	if neg := AggregateAt(&g, cat, testParams(), -3); neg.Population != 0 {
		t.Fatalf("negative population should clamp to 0, got %v", neg.Population)
	}
}

func TestAggregate_IgnoresWaterAndUnknown(t *testing.T) {
	cat := testCatalog(t)
	g := NewGrid(4, 1, 1, 0)
	g.At(0, 0).Terrain = TerrainWater
	g.At(0, 0).Occupied = true
	g.At(1, 0).Building = "not_in_catalog"
	g.At(1, 0).Occupied = true
	place(t, &g, 2, 0, "park")

	s := Aggregate(&g, cat, testParams())
	if s.Jobs != 2 {
		t.Fatalf("only park workers should count, jobs = %d", s.Jobs)
	}
}
