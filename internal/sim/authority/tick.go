package authority

import (
	"time"

	"isocity/internal/protocol"
	"isocity/internal/sim/city"
)

// tick advances every active world by dt seconds of simulation time, sweeps
// trade expiry, flushes dirty worlds to the store and broadcasts the
// resulting resource deltas. When paused the economy freezes but expiry,
// persistence and broadcasts keep running.
func (a *Authority) tick(now time.Time, dt float64) {
	if dt <= 0 {
		return
	}
	if !a.paused {
		p := a.economyParams()
		for _, w := range a.reg.All() {
			snap := city.AggregateAt(&w.Grid, a.cat, p, w.Population)

			// Population chases capacity scaled by happiness. Damped so a new
			// residential block fills over many ticks rather than instantly.
			target := float64(snap.ResidentialCapacity) * (snap.Happiness / 100)
			w.Population += (target - w.Population) * a.cfg.Economy.GrowthRate * dt
			if w.Population < 0 {
				w.Population = 0
			}
			w.Treasury += snap.NetIncome * dt

			w.Refresh(a.cat, p)
			a.markDirty(w.ID)
		}
	}

	a.sweepTrades(now)
	a.flushDirty()
	a.broadcastTick(now)
}

func (a *Authority) flushDirty() {
	for id := range a.dirty {
		if w := a.reg.Get(id); w != nil {
			a.store.QueueWorld(w)
		}
		delete(a.dirty, id)
	}
}

// broadcastTick sends each session the delta for the world it views plus the
// world of any user it has a live trade with, so treasuries backing open
// offers stay current on both screens.
func (a *Authority) broadcastTick(now time.Time) {
	ts := now.UnixMilli()
	for _, s := range a.sessions {
		if s.worldID == "" {
			continue
		}
		worlds := make(map[string]protocol.ResourceDelta, 1)
		if w := a.reg.Get(s.worldID); w != nil {
			worlds[w.ID] = resourceDelta(w)
		}

		uid := s.client.UserID()
		for _, tr := range a.trades {
			if tr.Status != TradeStatusPending {
				continue
			}
			var partner string
			switch uid {
			case tr.From:
				partner = tr.To
			case tr.To:
				partner = tr.From
			default:
				continue
			}
			if ps, ok := a.byUser[partner]; ok && ps.worldID != "" {
				if w := a.reg.Get(ps.worldID); w != nil {
					worlds[w.ID] = resourceDelta(w)
				}
			}
		}

		s.client.Send(protocol.SimUpdateMsg{
			Type:            protocol.TypeSimUpdate,
			ProtocolVersion: protocol.Version,
			Timestamp:       ts,
			SimulationSpeed: a.simSpeed,
			Paused:          a.paused,
			Worlds:          worlds,
		})
	}
}
