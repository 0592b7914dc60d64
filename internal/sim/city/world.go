package city

import (
	"errors"
	"time"

	"isocity/internal/sim/catalog"
)

// Validation failures for grid mutations. The authority maps these onto
// protocol reason codes.
var (
	ErrOutOfBounds       = errors.New("coordinates out of bounds")
	ErrWater             = errors.New("cell is water")
	ErrOccupied          = errors.New("cell is occupied")
	ErrUnoccupied        = errors.New("cell has no building")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// World is one player's city: grid, treasury and derived resources. The
// authority owns the canonical instance; replicas hold copies, never a
// shared reference.
type World struct {
	ID    string
	Name  string
	Owner string

	Grid       Grid
	Treasury   float64
	Population float64
	Resources  Snapshot

	TradingEnabled  bool
	TradesCompleted int

	LastUpdated time.Time
}

func NewWorld(id, name, owner string, width, height int, seed int64, waterChance, treasury float64) *World {
	return &World{
		ID:             id,
		Name:           name,
		Owner:          owner,
		Grid:           NewGrid(width, height, seed, waterChance),
		Treasury:       treasury,
		TradingEnabled: true,
		LastUpdated:    time.Now(),
	}
}

// Mutation is the confirmation record of a committed grid change.
type Mutation struct {
	X        int
	Y        int
	Building string
	Cost     float64
}

func (w *World) ValidatePlacement(x, y int, b catalog.Building) error {
	c := w.Grid.At(x, y)
	if c == nil {
		return ErrOutOfBounds
	}
	if c.Terrain == TerrainWater {
		return ErrWater
	}
	if c.Occupied {
		return ErrOccupied
	}
	if w.Treasury < b.Cost {
		return ErrInsufficientFunds
	}
	return nil
}

// CommitPlacement applies a placement that already passed validation against
// this world's current state. Never call it on stale data.
func (w *World) CommitPlacement(x, y int, b catalog.Building, now time.Time) Mutation {
	c := w.Grid.At(x, y)
	c.Building = b.ID
	c.Occupied = true
	w.Treasury -= b.Cost
	w.touch(now)
	return Mutation{X: x, Y: y, Building: b.ID, Cost: b.Cost}
}

func (w *World) ValidateRemoval(x, y int) error {
	c := w.Grid.At(x, y)
	if c == nil {
		return ErrOutOfBounds
	}
	if c.Building == "" {
		return ErrUnoccupied
	}
	return nil
}

// CommitRemoval restores the cell to bare terrain. Water stays water and
// stays occupied.
func (w *World) CommitRemoval(x, y int, now time.Time) Mutation {
	c := w.Grid.At(x, y)
	c.Building = ""
	c.Occupied = c.Terrain == TerrainWater
	w.touch(now)
	return Mutation{X: x, Y: y}
}

// Refresh recomputes derived resources from the grid at the world's live
// population.
func (w *World) Refresh(cat *catalog.Catalog, p Params) {
	w.Resources = AggregateAt(&w.Grid, cat, p, w.Population)
}

func (w *World) touch(now time.Time) {
	// LastUpdated is monotonic even when commits land within one clock tick.
	if !now.After(w.LastUpdated) {
		now = w.LastUpdated.Add(time.Nanosecond)
	}
	w.LastUpdated = now
}
