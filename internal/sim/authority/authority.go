// Package authority runs the canonical simulation. One goroutine owns every
// loaded world, all sessions and all trades; transports deliver raw messages
// into its inbox and everything else happens inside the loop, so no world
// state is ever locked or shared.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"isocity/internal/protocol"
	"isocity/internal/sim/catalog"
	"isocity/internal/sim/city"
	"isocity/internal/sim/tuning"
)

// Client is one connected session as the authority sees it. Send must never
// block; transports buffer or drop.
type Client interface {
	ID() string
	UserID() string
	Username() string
	Send(v any)
}

// Store is the persistence collaborator. QueueWorld is asynchronous and
// coalescing; the loop never waits on disk.
type Store interface {
	LoadWorld(id string) (*city.World, error)
	FindWorldByOwner(owner string) (*city.World, error)
	QueueWorld(w *city.World)
	SaveTrade(tr *Trade)
	LoadPendingTrades() ([]*Trade, error)
}

type session struct {
	client  Client
	worldID string
	viewer  bool
}

type inbound struct {
	client Client
	data   []byte
}

// Authority is the single-threaded authoritative core.
type Authority struct {
	cfg   tuning.Tuning
	cat   *catalog.Catalog
	store Store
	log   *log.Logger

	inbox        chan inbound
	connectCh    chan Client
	disconnectCh chan Client
	controlCh    chan simControl

	reg      *Registry
	sessions map[string]*session            // conn id -> session
	byUser   map[string]*session            // user id -> session (one live session per user)
	byWorld  map[string]map[string]*session // world id -> conn id -> session
	trades   map[string]*Trade
	dirty    map[string]struct{}

	simSpeed float64
	paused   bool
	now      func() time.Time
}

type simControl struct {
	speed  float64
	paused bool
}

func New(cfg tuning.Tuning, cat *catalog.Catalog, store Store, reg *Registry, logger *log.Logger) *Authority {
	return &Authority{
		cfg:          cfg,
		cat:          cat,
		store:        store,
		log:          logger,
		inbox:        make(chan inbound, 256),
		connectCh:    make(chan Client, 16),
		disconnectCh: make(chan Client, 16),
		controlCh:    make(chan simControl, 4),
		reg:          reg,
		sessions:     make(map[string]*session),
		byUser:       make(map[string]*session),
		byWorld:      make(map[string]map[string]*session),
		trades:       make(map[string]*Trade),
		dirty:        make(map[string]struct{}),
		simSpeed:     cfg.SimulationSpeed,
		now:          time.Now,
	}
}

// Connect hands a freshly authenticated client to the loop.
func (a *Authority) Connect(c Client) { a.connectCh <- c }

// Disconnect detaches a client. Safe to call for clients the loop never saw.
func (a *Authority) Disconnect(c Client) { a.disconnectCh <- c }

// Deliver queues one raw message from a client.
func (a *Authority) Deliver(c Client, data []byte) {
	a.inbox <- inbound{client: c, data: data}
}

// SetSimulation adjusts the speed multiplier and pause flag. A speed of zero
// keeps the current multiplier. Takes effect on the next loop pass.
func (a *Authority) SetSimulation(speed float64, paused bool) {
	a.controlCh <- simControl{speed: speed, paused: paused}
}

// Run drives the loop until ctx is cancelled. Inbound messages are handled
// immediately on receipt; the ticker only advances the simulation, sweeps
// trade expiry and flushes persistence.
func (a *Authority) Run(ctx context.Context) {
	if trades, err := a.store.LoadPendingTrades(); err != nil {
		a.log.Printf("load pending trades: %v", err)
	} else {
		for _, tr := range trades {
			a.trades[tr.ID] = tr
		}
	}

	ticker := time.NewTicker(a.cfg.TickInterval())
	defer ticker.Stop()
	last := a.now()
	for {
		select {
		case <-ctx.Done():
			a.flushDirty()
			return
		case c := <-a.connectCh:
			a.handleConnect(c)
		case c := <-a.disconnectCh:
			a.handleDisconnect(c)
		case m := <-a.inbox:
			a.handleMessage(m.client, m.data)
		case ctl := <-a.controlCh:
			if ctl.speed > 0 {
				a.simSpeed = ctl.speed
			}
			a.paused = ctl.paused
			a.log.Printf("simulation control speed=%.2f paused=%v", a.simSpeed, a.paused)
		case now := <-ticker.C:
			a.tick(now, now.Sub(last).Seconds()*a.simSpeed)
			last = now
		}
	}
}

func (a *Authority) handleConnect(c Client) {
	if prev, ok := a.byUser[c.UserID()]; ok {
		// Newest connection wins; the stale one is detached silently.
		a.detach(prev)
		delete(a.sessions, prev.client.ID())
	}
	s := &session{client: c}
	a.sessions[c.ID()] = s
	a.byUser[c.UserID()] = s

	c.Send(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		UserID:          c.UserID(),
		Username:        c.Username(),
		TickIntervalMs:  a.cfg.TickIntervalMs,
		SimulationSpeed: a.simSpeed,
		CatalogDigest:   a.cat.Digest,
		CatalogCount:    len(a.cat.IDs),
	})
	a.log.Printf("session connected user=%s conn=%s", c.UserID(), c.ID())
}

func (a *Authority) handleDisconnect(c Client) {
	s, ok := a.sessions[c.ID()]
	if !ok {
		return
	}
	a.detach(s)
	delete(a.sessions, c.ID())
	if a.byUser[c.UserID()] == s {
		delete(a.byUser, c.UserID())
	}
	a.log.Printf("session disconnected user=%s conn=%s", c.UserID(), c.ID())
}

// detach removes a session from its world and tells the remaining viewers.
func (a *Authority) detach(s *session) {
	if s.worldID == "" {
		return
	}
	ws := a.byWorld[s.worldID]
	delete(ws, s.client.ID())
	if len(ws) == 0 {
		delete(a.byWorld, s.worldID)
		a.deactivate(s.worldID)
	}
	a.broadcastWorld(s.worldID, s.client.ID(), protocol.PlayerLeftMsg{
		Type:            protocol.TypePlayerLeft,
		ProtocolVersion: protocol.Version,
		UserID:          s.client.UserID(),
		Username:        s.client.Username(),
	})
	s.worldID = ""
	s.viewer = false
}

func (a *Authority) handleMessage(c Client, data []byte) {
	s, ok := a.sessions[c.ID()]
	if !ok {
		return
	}
	base, err := protocol.DecodeBase(data)
	if err != nil {
		a.errorTo(c, protocol.ErrProtoBadRequest, "malformed message")
		return
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		a.errorTo(c, protocol.ErrProtoBadRequest,
			fmt.Sprintf("protocol version %q not supported", base.ProtocolVersion))
		return
	}

	switch base.Type {
	case protocol.TypeCreateWorld:
		a.handleCreateWorld(s, data)
	case protocol.TypeLoadWorld:
		a.handleLoadWorld(s, data)
	case protocol.TypePlaceBuilding:
		a.handlePlace(s, data)
	case protocol.TypeRemoveBuilding:
		a.handleRemove(s, data)
	case protocol.TypeOfferTrade:
		a.handleOfferTrade(s, data)
	case protocol.TypeRespondTrade:
		a.handleRespondTrade(s, data)
	case protocol.TypeCancelTrade:
		a.handleCancelTrade(s, data)
	case protocol.TypeTimeSync:
		c.Send(protocol.TimeSyncMsg{
			Type:            protocol.TypeTimeSync,
			ProtocolVersion: protocol.Version,
			ServerTime:      a.now().UnixMilli(),
		})
	default:
		a.errorTo(c, protocol.ErrProtoBadRequest, fmt.Sprintf("unknown message type %q", base.Type))
	}
}

func (a *Authority) handleCreateWorld(s *session, data []byte) {
	var msg protocol.CreateWorldMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed create_world")
		return
	}
	// One city per user. The registry is checked first so a world whose
	// store row is still in the writer queue cannot be replaced.
	if a.reg.FindByOwner(s.client.UserID()) != nil {
		a.errorTo(s.client, protocol.ErrBadRequest, "user already owns a world")
		return
	}
	if existing, err := a.store.FindWorldByOwner(s.client.UserID()); err != nil {
		a.errorTo(s.client, protocol.ErrInternal, "world lookup failed")
		return
	} else if existing != nil {
		a.errorTo(s.client, protocol.ErrBadRequest, "user already owns a world")
		return
	}

	width, height := msg.Width, msg.Height
	if width <= 0 {
		width = a.cfg.GridWidth
	}
	if height <= 0 {
		height = a.cfg.GridHeight
	}
	seed := msg.Seed
	if seed == 0 {
		seed = a.now().UnixNano()
	}
	name := msg.Name
	if name == "" {
		name = s.client.Username() + "'s city"
	}

	w := city.NewWorld(uuid.NewString(), name, s.client.UserID(),
		width, height, seed, a.cfg.WaterChance, a.cfg.StartingTreasury)
	w.Refresh(a.cat, a.economyParams())
	a.reg.Activate(w)
	a.markDirty(w.ID)
	a.store.QueueWorld(w)

	a.attach(s, w, false)
	a.log.Printf("world created id=%s owner=%s %dx%d", w.ID, w.Owner, width, height)
}

func (a *Authority) handleLoadWorld(s *session, data []byte) {
	var msg protocol.LoadWorldMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed load_world")
		return
	}

	var (
		w   *city.World
		err error
	)
	if msg.WorldID == "" {
		// Empty id means "my world".
		w, err = a.ownerWorld(s.client.UserID())
	} else {
		w, err = a.ensureWorld(msg.WorldID)
	}
	if err != nil {
		a.errorTo(s.client, protocol.ErrInternal, "world load failed")
		return
	}
	if w == nil {
		a.errorTo(s.client, protocol.ErrWorldNotFound, "no such world")
		return
	}

	viewer := msg.Watch || w.Owner != s.client.UserID()
	if !msg.Watch && w.Owner != s.client.UserID() {
		a.errorTo(s.client, protocol.ErrNoPermission, "not the owner; load with watch to observe")
		return
	}
	a.attach(s, w, viewer)
}

// attach binds a session to a world, sends the full state and announces the
// arrival to everyone else on the world.
func (a *Authority) attach(s *session, w *city.World, viewer bool) {
	a.detach(s)
	// Re-attaching to the world the detach just emptied must keep it active.
	a.reg.Activate(w)
	s.worldID = w.ID
	s.viewer = viewer
	if a.byWorld[w.ID] == nil {
		a.byWorld[w.ID] = make(map[string]*session)
	}
	a.byWorld[w.ID][s.client.ID()] = s

	s.client.Send(a.worldState(w, viewer))
	a.broadcastWorld(w.ID, s.client.ID(), protocol.PlayerJoinedMsg{
		Type:            protocol.TypePlayerJoined,
		ProtocolVersion: protocol.Version,
		UserID:          s.client.UserID(),
		Username:        s.client.Username(),
		WorldID:         w.ID,
		WorldName:       w.Name,
	})
}

func (a *Authority) handlePlace(s *session, data []byte) {
	var msg protocol.MutationMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.ActionID == "" {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed place_building")
		return
	}
	w, ok := a.mutableWorld(s, msg.ActionID)
	if !ok {
		return
	}
	b, ok := a.cat.Get(msg.Building)
	if !ok {
		a.reject(s.client, msg.ActionID, protocol.ErrBadRequest, fmt.Sprintf("unknown building %q", msg.Building))
		return
	}
	if err := w.ValidatePlacement(msg.X, msg.Y, b); err != nil {
		code, m := mutationCode(err)
		a.reject(s.client, msg.ActionID, code, m)
		return
	}

	mut := w.CommitPlacement(msg.X, msg.Y, b, a.now())
	w.Refresh(a.cat, a.economyParams())
	a.markDirty(w.ID)

	s.client.Send(protocol.ConfirmedMsg{
		Type:            protocol.TypeConfirmed,
		ProtocolVersion: protocol.Version,
		ActionID:        msg.ActionID,
		X:               mut.X,
		Y:               mut.Y,
		Building:        mut.Building,
		Cost:            mut.Cost,
		Treasury:        w.Treasury,
	})
	// Other viewers get the resulting cell only, no action id.
	a.broadcastWorld(w.ID, s.client.ID(), protocol.RemoteMutationMsg{
		Type:            protocol.TypePlaced,
		ProtocolVersion: protocol.Version,
		X:               mut.X,
		Y:               mut.Y,
		Building:        mut.Building,
		Username:        s.client.Username(),
	})
}

func (a *Authority) handleRemove(s *session, data []byte) {
	var msg protocol.MutationMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.ActionID == "" {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed remove_building")
		return
	}
	w, ok := a.mutableWorld(s, msg.ActionID)
	if !ok {
		return
	}
	if err := w.ValidateRemoval(msg.X, msg.Y); err != nil {
		code, m := mutationCode(err)
		a.reject(s.client, msg.ActionID, code, m)
		return
	}

	mut := w.CommitRemoval(msg.X, msg.Y, a.now())
	w.Refresh(a.cat, a.economyParams())
	a.markDirty(w.ID)

	s.client.Send(protocol.ConfirmedMsg{
		Type:            protocol.TypeConfirmed,
		ProtocolVersion: protocol.Version,
		ActionID:        msg.ActionID,
		X:               mut.X,
		Y:               mut.Y,
		Treasury:        w.Treasury,
	})
	a.broadcastWorld(w.ID, s.client.ID(), protocol.RemoteMutationMsg{
		Type:            protocol.TypeRemoved,
		ProtocolVersion: protocol.Version,
		X:               mut.X,
		Y:               mut.Y,
		Username:        s.client.Username(),
	})
}

// mutableWorld resolves the world a session may mutate, rejecting viewers
// and detached sessions against the given action id.
func (a *Authority) mutableWorld(s *session, actionID string) (*city.World, bool) {
	if s.worldID == "" {
		a.reject(s.client, actionID, protocol.ErrWorldNotFound, "no world loaded")
		return nil, false
	}
	if s.viewer {
		a.reject(s.client, actionID, protocol.ErrNoPermission, "viewers cannot mutate")
		return nil, false
	}
	w := a.reg.Get(s.worldID)
	if w == nil {
		a.reject(s.client, actionID, protocol.ErrWorldNotFound, "world not loaded")
		return nil, false
	}
	return w, true
}

// ownerWorld finds a user's world in the registry first, falling back to the
// store.
func (a *Authority) ownerWorld(userID string) (*city.World, error) {
	if w := a.reg.FindByOwner(userID); w != nil {
		return w, nil
	}
	w, err := a.store.FindWorldByOwner(userID)
	if err != nil || w == nil {
		return nil, err
	}
	w.Refresh(a.cat, a.economyParams())
	a.reg.Activate(w)
	return w, nil
}

// ensureWorld activates a world into the registry, loading it if needed.
func (a *Authority) ensureWorld(id string) (*city.World, error) {
	if w := a.reg.Get(id); w != nil {
		return w, nil
	}
	w, err := a.store.LoadWorld(id)
	if err != nil || w == nil {
		return nil, err
	}
	w.Refresh(a.cat, a.economyParams())
	a.reg.Activate(w)
	return w, nil
}

// deactivate saves a world and drops it from the registry once nothing keeps
// it live. Worlds backing a pending trade stay active so validate-at-accept
// reads a current treasury.
func (a *Authority) deactivate(worldID string) {
	w := a.reg.Get(worldID)
	if w == nil {
		return
	}
	for _, tr := range a.trades {
		if !tr.Terminal() && (tr.From == w.Owner || tr.To == w.Owner) {
			return
		}
	}
	a.store.QueueWorld(w)
	delete(a.dirty, worldID)
	a.reg.Deactivate(worldID)
}

func (a *Authority) worldState(w *city.World, viewer bool) protocol.WorldStateMsg {
	cells := make([]protocol.CellWire, len(w.Grid.Cells))
	for i, c := range w.Grid.Cells {
		cells[i] = protocol.CellWire{
			X:        c.X,
			Y:        c.Y,
			Terrain:  c.Terrain.String(),
			Building: c.Building,
			Occupied: c.Occupied,
		}
	}
	return protocol.WorldStateMsg{
		Type:            protocol.TypeWorldState,
		ProtocolVersion: protocol.Version,
		WorldID:         w.ID,
		Name:            w.Name,
		OwnerID:         w.Owner,
		Width:           w.Grid.Width,
		Height:          w.Grid.Height,
		Cells:           cells,
		Resources:       resourceDelta(w),
		TradingEnabled:  w.TradingEnabled,
		Viewer:          viewer,
	}
}

func resourceDelta(w *city.World) protocol.ResourceDelta {
	return protocol.ResourceDelta{
		Money:      w.Treasury,
		Population: w.Population,
		Happiness:  w.Resources.Happiness,
		Power:      w.Resources.Power,
		Water:      w.Resources.Water,
		Jobs:       w.Resources.Jobs,
	}
}

func (a *Authority) broadcastWorld(worldID, exceptConn string, v any) {
	for id, s := range a.byWorld[worldID] {
		if id == exceptConn {
			continue
		}
		s.client.Send(v)
	}
}

func (a *Authority) reject(c Client, actionID, code, message string) {
	c.Send(protocol.RejectedMsg{
		Type:            protocol.TypeRejected,
		ProtocolVersion: protocol.Version,
		ActionID:        actionID,
		Code:            code,
		Message:         message,
	})
}

func (a *Authority) errorTo(c Client, code, message string) {
	c.Send(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (a *Authority) markDirty(worldID string) { a.dirty[worldID] = struct{}{} }

func (a *Authority) economyParams() city.Params {
	return city.Params{
		BaseHappiness:          a.cfg.Economy.BaseHappiness,
		UnemploymentPenaltyMax: a.cfg.Economy.UnemploymentPenaltyMax,
		DeficitPenalty:         a.cfg.Economy.DeficitPenalty,
		IncomePerResident:      a.cfg.Economy.IncomePerResident,
		ExpensePerResident:     a.cfg.Economy.ExpensePerResident,
	}
}

func mutationCode(err error) (string, string) {
	switch err {
	case city.ErrOutOfBounds:
		return protocol.ErrOutOfBounds, "coordinates out of bounds"
	case city.ErrWater:
		return protocol.ErrWater, "cannot build on water"
	case city.ErrOccupied:
		return protocol.ErrOccupied, "cell is occupied"
	case city.ErrUnoccupied:
		return protocol.ErrUnoccupied, "nothing to remove"
	case city.ErrInsufficientFunds:
		return protocol.ErrNoFunds, "insufficient funds"
	}
	return protocol.ErrInternal, err.Error()
}
