package city

import (
	"fmt"
	"math/rand"
)

type Terrain uint8

const (
	TerrainGrass Terrain = iota
	TerrainWater
)

func (t Terrain) String() string {
	if t == TerrainWater {
		return "water"
	}
	return "grass"
}

func ParseTerrain(s string) (Terrain, error) {
	switch s {
	case "grass":
		return TerrainGrass, nil
	case "water":
		return TerrainWater, nil
	}
	return TerrainGrass, fmt.Errorf("unknown terrain %q", s)
}

// Cell invariant: Occupied == (Building != "") || Terrain == TerrainWater.
// Water cells are permanently non-buildable and occupied by definition.
type Cell struct {
	X        int
	Y        int
	Terrain  Terrain
	Building string
	Occupied bool
}

// Grid is a rectangular tile map, row-major in Cells.
type Grid struct {
	Width  int
	Height int
	Cells  []Cell
}

// NewGrid generates terrain from the seed: mostly grass with a sprinkling
// of water. The same seed always yields the same map.
func NewGrid(width, height int, seed int64, waterChance float64) Grid {
	rng := rand.New(rand.NewSource(seed))
	g := Grid{
		Width:  width,
		Height: height,
		Cells:  make([]Cell, width*height),
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := Cell{X: x, Y: y, Terrain: TerrainGrass}
			if rng.Float64() < waterChance {
				c.Terrain = TerrainWater
				c.Occupied = true
			}
			g.Cells[y*width+x] = c
		}
	}
	return g
}

func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

// At returns the cell at (x, y), or nil when out of bounds.
func (g *Grid) At(x, y int) *Cell {
	if !g.InBounds(x, y) {
		return nil
	}
	return &g.Cells[y*g.Width+x]
}

func (g *Grid) Clone() Grid {
	out := Grid{Width: g.Width, Height: g.Height, Cells: make([]Cell, len(g.Cells))}
	copy(out.Cells, g.Cells)
	return out
}
