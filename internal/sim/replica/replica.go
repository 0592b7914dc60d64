// Package replica holds the client-side copy of a world. Mutations apply
// optimistically against the copy and are rolled back if the authority
// rejects them; the grid is otherwise only ever touched by authoritative
// remote mutations and full state reloads.
package replica

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"isocity/internal/protocol"
	"isocity/internal/sim/catalog"
	"isocity/internal/sim/city"
)

// WorldFromState rebuilds a world copy from a full authoritative state
// message, the starting point for a fresh replica.
func WorldFromState(msg protocol.WorldStateMsg) (*city.World, error) {
	if len(msg.Cells) != msg.Width*msg.Height {
		return nil, fmt.Errorf("world state has %d cells, want %d", len(msg.Cells), msg.Width*msg.Height)
	}
	grid := city.Grid{Width: msg.Width, Height: msg.Height, Cells: make([]city.Cell, len(msg.Cells))}
	for i, c := range msg.Cells {
		terrain, err := city.ParseTerrain(c.Terrain)
		if err != nil {
			return nil, fmt.Errorf("cell (%d,%d): %w", c.X, c.Y, err)
		}
		grid.Cells[i] = city.Cell{
			X:        c.X,
			Y:        c.Y,
			Terrain:  terrain,
			Building: c.Building,
			Occupied: c.Occupied,
		}
	}
	return &city.World{
		ID:             msg.WorldID,
		Name:           msg.Name,
		Owner:          msg.OwnerID,
		Grid:           grid,
		Treasury:       msg.Resources.Money,
		Population:     msg.Resources.Population,
		TradingEnabled: msg.TradingEnabled,
		LastUpdated:    time.Now(),
	}, nil
}

// Rejection is a locally detected validation failure. It carries the same
// reason code the authority would have used.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return r.Code + ": " + r.Message }

const (
	actionPlace  = "place"
	actionRemove = "remove"
)

// PendingAction is the undo record for one optimistic mutation. Before holds
// the exact prior state of the single cell the action touched; rollback
// restores that cell and refunds the cost, nothing else.
type PendingAction struct {
	ActionID string
	Kind     string
	X, Y     int
	Building string
	Cost     float64
	Before   city.Cell
	IssuedAt time.Time
}

// Event is pushed to the embedding client whenever the replica state changes
// for a reason other than a direct local call.
type Event struct {
	Kind     string // "confirmed", "rejected", "rolled_back", "remote", "resources"
	ActionID string
	Code     string
	Message  string
	X, Y     int
	Building string
}

// Replica owns a single world copy plus the in-flight action log. It is not
// goroutine-safe: the embedding client drives it from one loop, the same way
// the authority drives canonical worlds.
type Replica struct {
	cat    *catalog.Catalog
	params city.Params
	world  *city.World

	// Ordered oldest-first so timeout scans and rollbacks preserve issue
	// order.
	order    []string
	pending  map[string]*PendingAction
	inFlight map[[2]int]string

	send    func(protocol.MutationMsg)
	onEvent func(Event)
	now     func() time.Time
	timeout time.Duration
}

// New wraps an authoritative world copy. send is invoked with every
// optimistic mutation the replica issues; the caller owns delivery.
func New(w *city.World, cat *catalog.Catalog, p city.Params, timeout time.Duration, send func(protocol.MutationMsg)) *Replica {
	return &Replica{
		cat:      cat,
		params:   p,
		world:    w,
		pending:  make(map[string]*PendingAction),
		inFlight: make(map[[2]int]string),
		send:     send,
		now:      time.Now,
		timeout:  timeout,
	}
}

// SetClock overrides the time source. Tests use it to drive the watchdog.
func (r *Replica) SetClock(now func() time.Time) { r.now = now }

// SetEventFunc registers the state-change callback. Nil disables events.
func (r *Replica) SetEventFunc(fn func(Event)) { r.onEvent = fn }

// World exposes the replica's current view for rendering. Callers must not
// mutate it.
func (r *Replica) World() *city.World { return r.world }

// Pending returns the number of unresolved optimistic actions.
func (r *Replica) Pending() int { return len(r.pending) }

// PlaceBuilding validates against the local view, applies optimistically and
// emits the mutation. The returned action id matches the later confirmation
// or rejection.
func (r *Replica) PlaceBuilding(x, y int, building string) (string, error) {
	b, ok := r.cat.Get(building)
	if !ok {
		return "", &Rejection{Code: protocol.ErrBadRequest, Message: fmt.Sprintf("unknown building %q", building)}
	}
	if id, busy := r.inFlight[[2]int{x, y}]; busy {
		return "", &Rejection{Code: protocol.ErrPendingCell, Message: "cell has unresolved action " + id}
	}
	if err := r.world.ValidatePlacement(x, y, b); err != nil {
		return "", localRejection(err)
	}

	before := *r.world.Grid.At(x, y)
	mut := r.world.CommitPlacement(x, y, b, r.now())
	r.world.Refresh(r.cat, r.params)

	id := uuid.NewString()
	r.track(&PendingAction{
		ActionID: id,
		Kind:     actionPlace,
		X:        x,
		Y:        y,
		Building: b.ID,
		Cost:     mut.Cost,
		Before:   before,
		IssuedAt: r.now(),
	})
	r.send(protocol.MutationMsg{
		Type:            protocol.TypePlaceBuilding,
		ProtocolVersion: protocol.Version,
		ActionID:        id,
		X:               x,
		Y:               y,
		Building:        b.ID,
	})
	return id, nil
}

// RemoveBuilding is the demolition counterpart of PlaceBuilding. No refund is
// applied locally because the authority grants none.
func (r *Replica) RemoveBuilding(x, y int) (string, error) {
	if id, busy := r.inFlight[[2]int{x, y}]; busy {
		return "", &Rejection{Code: protocol.ErrPendingCell, Message: "cell has unresolved action " + id}
	}
	if err := r.world.ValidateRemoval(x, y); err != nil {
		return "", localRejection(err)
	}

	before := *r.world.Grid.At(x, y)
	r.world.CommitRemoval(x, y, r.now())
	r.world.Refresh(r.cat, r.params)

	id := uuid.NewString()
	r.track(&PendingAction{
		ActionID: id,
		Kind:     actionRemove,
		X:        x,
		Y:        y,
		Before:   before,
		IssuedAt: r.now(),
	})
	r.send(protocol.MutationMsg{
		Type:            protocol.TypeRemoveBuilding,
		ProtocolVersion: protocol.Version,
		ActionID:        id,
		X:               x,
		Y:               y,
	})
	return id, nil
}

// Confirm settles a pending action. The optimistic state is already correct,
// so only the log entry is retired. The authoritative treasury is adopted
// only once nothing else is in flight: while other actions are pending the
// canonical value excludes their local deductions, and adopting it early
// would let a later rollback refund money that was never charged.
func (r *Replica) Confirm(msg protocol.ConfirmedMsg) {
	a, ok := r.pending[msg.ActionID]
	if !ok {
		return
	}
	r.untrack(a)
	if len(r.pending) == 0 {
		r.world.Treasury = msg.Treasury
		r.world.Refresh(r.cat, r.params)
	}
	r.emit(Event{Kind: "confirmed", ActionID: a.ActionID, X: a.X, Y: a.Y, Building: a.Building})
}

// Reject rolls back a pending action: the recorded cell is restored and, for
// placements, the cost refunded. Cells touched by later actions are not
// revisited because one cell never carries two in-flight actions.
func (r *Replica) Reject(msg protocol.RejectedMsg) {
	a, ok := r.pending[msg.ActionID]
	if !ok {
		return
	}
	r.rollback(a)
	r.emit(Event{Kind: "rejected", ActionID: a.ActionID, Code: msg.Code, Message: msg.Message, X: a.X, Y: a.Y, Building: a.Building})
}

// ApplyRemotePlacement overwrites a cell with an authoritative mutation made
// by another session. Remote mutations never conflict with local pending
// actions; the authority sequenced both.
func (r *Replica) ApplyRemotePlacement(msg protocol.RemoteMutationMsg) {
	c := r.world.Grid.At(msg.X, msg.Y)
	if c == nil {
		return
	}
	c.Building = msg.Building
	c.Occupied = true
	r.world.Refresh(r.cat, r.params)
	r.emit(Event{Kind: "remote", X: msg.X, Y: msg.Y, Building: msg.Building})
}

func (r *Replica) ApplyRemoteRemoval(msg protocol.RemoteMutationMsg) {
	c := r.world.Grid.At(msg.X, msg.Y)
	if c == nil {
		return
	}
	c.Building = ""
	c.Occupied = c.Terrain == city.TerrainWater
	r.world.Refresh(r.cat, r.params)
	r.emit(Event{Kind: "remote", X: msg.X, Y: msg.Y})
}

// ApplyResources takes the per-tick authoritative resource delta. It replaces
// treasury, population and derived aggregates; the grid is never touched.
func (r *Replica) ApplyResources(d protocol.ResourceDelta) {
	r.world.Treasury = d.Money
	r.world.Population = d.Population
	r.world.Refresh(r.cat, r.params)
	// Happiness comes straight from the authority; the local recompute can
	// lag while actions are in flight.
	r.world.Resources.Happiness = d.Happiness
	r.emit(Event{Kind: "resources"})
}

// ResolveTimeouts rolls back every pending action the authority has not
// answered within the watchdog window, oldest first, and returns their ids.
// Silence is treated as a transient failure, not a confirmation.
func (r *Replica) ResolveTimeouts(now time.Time) []string {
	var expired []string
	for _, id := range append([]string(nil), r.order...) {
		a, ok := r.pending[id]
		if !ok || now.Sub(a.IssuedAt) < r.timeout {
			continue
		}
		r.rollback(a)
		r.emit(Event{Kind: "rolled_back", ActionID: a.ActionID, Code: protocol.ErrTimeout,
			Message: "no response from server", X: a.X, Y: a.Y, Building: a.Building})
		expired = append(expired, id)
	}
	return expired
}

func (r *Replica) rollback(a *PendingAction) {
	r.untrack(a)
	*r.world.Grid.At(a.X, a.Y) = a.Before
	if a.Kind == actionPlace {
		r.world.Treasury += a.Cost
	}
	r.world.Refresh(r.cat, r.params)
}

func (r *Replica) track(a *PendingAction) {
	r.pending[a.ActionID] = a
	r.inFlight[[2]int{a.X, a.Y}] = a.ActionID
	r.order = append(r.order, a.ActionID)
}

func (r *Replica) untrack(a *PendingAction) {
	delete(r.pending, a.ActionID)
	delete(r.inFlight, [2]int{a.X, a.Y})
	for i, id := range r.order {
		if id == a.ActionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Replica) emit(e Event) {
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

func localRejection(err error) *Rejection {
	code := protocol.ErrBadRequest
	switch err {
	case city.ErrOutOfBounds:
		code = protocol.ErrOutOfBounds
	case city.ErrWater:
		code = protocol.ErrWater
	case city.ErrOccupied:
		code = protocol.ErrOccupied
	case city.ErrUnoccupied:
		code = protocol.ErrUnoccupied
	case city.ErrInsufficientFunds:
		code = protocol.ErrNoFunds
	}
	return &Rejection{Code: code, Message: err.Error()}
}
