package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Building is an immutable catalog entry shared by client and server.
// Power/Water are per-tick deltas: positive produces, negative consumes.
type Building struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Cost        float64 `json:"cost"`
	Upkeep      float64 `json:"upkeep"`
	Residents   int     `json:"residents"`
	Workers     int     `json:"workers"`
	Power       int     `json:"power"`
	Water       int     `json:"water"`
	Happiness   int     `json:"happiness"`
	Description string  `json:"description,omitempty"`
}

type Catalog struct {
	ByID   map[string]Building
	IDs    []string
	Digest string
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var defs []Building
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("buildings.json: %w", err)
	}

	c := &Catalog{ByID: make(map[string]Building, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("buildings.json: empty id")
		}
		if _, dup := c.ByID[d.ID]; dup {
			return nil, fmt.Errorf("buildings.json: duplicate id %s", d.ID)
		}
		if d.Cost < 0 || d.Residents < 0 || d.Workers < 0 {
			return nil, fmt.Errorf("buildings.json: %s: negative cost/residents/workers", d.ID)
		}
		c.ByID[d.ID] = d
		c.IDs = append(c.IDs, d.ID)
	}
	sort.Strings(c.IDs)

	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])
	return c, nil
}

func (c *Catalog) Get(id string) (Building, bool) {
	b, ok := c.ByID[id]
	return b, ok
}

// Categories returns the distinct categories in stable order.
func (c *Catalog) Categories() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range c.IDs {
		cat := c.ByID[id].Category
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}
