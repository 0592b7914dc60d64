package city

import (
	"errors"
	"testing"
	"time"
)

func testWorld(t *testing.T) *World {
	t.Helper()
	// waterChance 0 keeps placement targets deterministic.
	return NewWorld("w1", "Test Town", "u1", 20, 20, 42, 0, 10000)
}

func TestValidatePlacement(t *testing.T) {
	cat := testCatalog(t)
	small, _ := cat.Get("residential_small")
	large, _ := cat.Get("industrial_large")

	w := testWorld(t)
	w.Grid.At(2, 2).Terrain = TerrainWater
	w.Grid.At(2, 2).Occupied = true

	if err := w.ValidatePlacement(-1, 0, small); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("out of bounds: %v", err)
	}
	if err := w.ValidatePlacement(2, 2, small); !errors.Is(err, ErrWater) {
		t.Fatalf("water: %v", err)
	}
	if err := w.ValidatePlacement(0, 0, small); err != nil {
		t.Fatalf("valid placement rejected: %v", err)
	}

	w.CommitPlacement(0, 0, small, time.Now())
	if err := w.ValidatePlacement(0, 0, small); !errors.Is(err, ErrOccupied) {
		t.Fatalf("occupied: %v", err)
	}

	w.Treasury = 100
	if err := w.ValidatePlacement(1, 1, large); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("funds: %v", err)
	}
}

func TestCommitPlacement(t *testing.T) {
	cat := testCatalog(t)
	small, _ := cat.Get("residential_small")
	w := testWorld(t)

	before := w.LastUpdated
	mut := w.CommitPlacement(3, 4, small, time.Now())
	if mut.Building != "residential_small" || mut.Cost != 100 {
		t.Fatalf("mutation record: %+v", mut)
	}
	c := w.Grid.At(3, 4)
	if !c.Occupied || c.Building != "residential_small" {
		t.Fatalf("cell not committed: %+v", c)
	}
	if w.Treasury != 9900 {
		t.Fatalf("treasury = %v, want 9900", w.Treasury)
	}
	if !w.LastUpdated.After(before) {
		t.Fatalf("lastUpdated did not advance")
	}
}

func TestLastUpdatedMonotonic(t *testing.T) {
	cat := testCatalog(t)
	small, _ := cat.Get("residential_small")
	w := testWorld(t)

	// Two commits at the same wall-clock instant still order strictly.
	now := time.Now()
	w.CommitPlacement(0, 0, small, now)
	first := w.LastUpdated
	w.CommitPlacement(1, 0, small, now)
	if !w.LastUpdated.After(first) {
		t.Fatalf("lastUpdated not monotonic: %v then %v", first, w.LastUpdated)
	}
}

func TestRemoval(t *testing.T) {
	cat := testCatalog(t)
	small, _ := cat.Get("residential_small")
	w := testWorld(t)
	w.Grid.At(5, 5).Terrain = TerrainWater
	w.Grid.At(5, 5).Occupied = true

	if err := w.ValidateRemoval(0, 0); !errors.Is(err, ErrUnoccupied) {
		t.Fatalf("empty cell removal: %v", err)
	}
	if err := w.ValidateRemoval(-1, 9); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("out of bounds removal: %v", err)
	}
	// Water with no building has nothing to remove.
	if err := w.ValidateRemoval(5, 5); !errors.Is(err, ErrUnoccupied) {
		t.Fatalf("water removal: %v", err)
	}

	w.CommitPlacement(1, 1, small, time.Now())
	if err := w.ValidateRemoval(1, 1); err != nil {
		t.Fatalf("valid removal rejected: %v", err)
	}
	w.CommitRemoval(1, 1, time.Now())
	c := w.Grid.At(1, 1)
	if c.Occupied || c.Building != "" || c.Terrain != TerrainGrass {
		t.Fatalf("cell after removal: %+v", c)
	}
	// No refund on removal.
	if w.Treasury != 9900 {
		t.Fatalf("treasury = %v, want 9900", w.Treasury)
	}
}

func TestRefresh(t *testing.T) {
	cat := testCatalog(t)
	small, _ := cat.Get("residential_small")
	w := testWorld(t)
	w.Population = 2
	w.CommitPlacement(0, 0, small, time.Now())

	w.Refresh(cat, testParams())
	if w.Resources.Population != 2 || w.Resources.ResidentialCapacity != 4 {
		t.Fatalf("refresh snapshot: %+v", w.Resources)
	}
}
