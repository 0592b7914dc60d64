// Package citydb persists worlds and trades in a single sqlite file. Writes
// flow through one writer goroutine fed by a buffered channel, so the
// simulation loop never waits on disk; grids are stored as zstd-compressed
// JSON blobs.
package citydb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"isocity/internal/sim/authority"
	"isocity/internal/sim/city"
)

type Store struct {
	db  *sql.DB
	log *log.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqWorld reqKind = iota + 1
	reqTrade
)

type req struct {
	kind  reqKind
	world worldRow
	trade tradeRow
}

type worldRow struct {
	ID              string
	Owner           string
	Name            string
	Width           int
	Height          int
	Treasury        float64
	Population      float64
	TradingEnabled  bool
	TradesCompleted int
	UpdatedAt       string
	Grid            []byte
}

type tradeRow struct {
	ID           string
	From         string
	FromName     string
	To           string
	OfferMoney   float64
	RequestMoney float64
	Message      string
	Status       string
	CreatedAt    string
	ExpiresAt    string
	ResolvedAt   string
}

// cellRec is the stored shape of one grid cell. Kept separate from the sim
// type so the on-disk format survives refactors.
type cellRec struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Terrain  string `json:"t"`
	Building string `json:"b,omitempty"`
	Occupied bool   `json:"o,omitempty"`
}

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
)

func Open(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		log: logger,
		// Sized for a burst of every loaded world going dirty in one tick.
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL keeps per-tick upserts cheap; NORMAL is enough durability for
	// state that is rewritten every second anyway.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			treasury REAL NOT NULL,
			population REAL NOT NULL,
			trading_enabled INTEGER NOT NULL,
			trades_completed INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			grid BLOB NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_worlds_owner ON worlds(owner);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			from_user TEXT NOT NULL,
			from_name TEXT NOT NULL,
			to_user TEXT NOT NULL,
			offer_money REAL NOT NULL,
			request_money REAL NOT NULL,
			message TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			resolved_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_parties ON trades(from_user, to_user);`,
	}
	for _, st := range stmts {
		if _, err := db.Exec(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// QueueWorld serializes the world in the caller's goroutine (the loop owns
// the live instance) and hands the frozen row to the writer. If the writer is
// saturated the row is dropped; the next dirty flush re-queues it.
func (s *Store) QueueWorld(w *city.World) {
	if s == nil || s.closed.Load() {
		return
	}
	row, err := encodeWorld(w)
	if err != nil {
		s.log.Printf("citydb: encode world %s: %v", w.ID, err)
		return
	}
	select {
	case s.ch <- req{kind: reqWorld, world: row}:
	default:
		s.log.Printf("citydb: writer saturated, dropping world %s", w.ID)
	}
}

// SaveTrade persists a trade row asynchronously, same contract as QueueWorld.
func (s *Store) SaveTrade(tr *authority.Trade) {
	if s == nil || s.closed.Load() {
		return
	}
	row := tradeRow{
		ID:           tr.ID,
		From:         tr.From,
		FromName:     tr.FromName,
		To:           tr.To,
		OfferMoney:   tr.OfferMoney,
		RequestMoney: tr.RequestMoney,
		Message:      tr.Message,
		Status:       tr.Status,
		CreatedAt:    tr.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:    tr.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if !tr.ResolvedAt.IsZero() {
		row.ResolvedAt = tr.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqTrade, trade: row}:
	default:
		s.log.Printf("citydb: writer saturated, dropping trade %s", tr.ID)
	}
}

func (s *Store) LoadWorld(id string) (*city.World, error) {
	row := s.db.QueryRow(`SELECT id, owner, name, width, height, treasury, population,
		trading_enabled, trades_completed, updated_at, grid FROM worlds WHERE id = ?`, id)
	w, err := scanWorld(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *Store) FindWorldByOwner(owner string) (*city.World, error) {
	row := s.db.QueryRow(`SELECT id, owner, name, width, height, treasury, population,
		trading_enabled, trades_completed, updated_at, grid FROM worlds WHERE owner = ?`, owner)
	w, err := scanWorld(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *Store) LoadPendingTrades() ([]*authority.Trade, error) {
	rows, err := s.db.Query(`SELECT id, from_user, from_name, to_user, offer_money,
		request_money, message, status, created_at, expires_at, resolved_at
		FROM trades WHERE status = ?`, authority.TradeStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*authority.Trade
	for rows.Next() {
		var r tradeRow
		var message, resolved sql.NullString
		if err := rows.Scan(&r.ID, &r.From, &r.FromName, &r.To, &r.OfferMoney,
			&r.RequestMoney, &message, &r.Status, &r.CreatedAt, &r.ExpiresAt, &resolved); err != nil {
			return nil, err
		}
		r.Message = message.String
		r.ResolvedAt = resolved.String
		tr, err := decodeTrade(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) loop() {
	upsertWorld, err := s.db.Prepare(`INSERT OR REPLACE INTO worlds
		(id, owner, name, width, height, treasury, population, trading_enabled, trades_completed, updated_at, grid)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.log.Printf("citydb: prepare world upsert: %v", err)
		return
	}
	defer func() { _ = upsertWorld.Close() }()
	upsertTrade, err := s.db.Prepare(`INSERT OR REPLACE INTO trades
		(id, from_user, from_name, to_user, offer_money, request_money, message, status, created_at, expires_at, resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.log.Printf("citydb: prepare trade upsert: %v", err)
		return
	}
	defer func() { _ = upsertTrade.Close() }()

	// Failed writes are kept and retried, newest row wins per key.
	retryWorlds := make(map[string]worldRow)
	retryTrades := make(map[string]tradeRow)
	retry := time.NewTicker(5 * time.Second)
	defer retry.Stop()

	writeWorld := func(r worldRow) {
		_, err := upsertWorld.Exec(r.ID, r.Owner, r.Name, r.Width, r.Height, r.Treasury,
			r.Population, r.TradingEnabled, r.TradesCompleted, r.UpdatedAt, r.Grid)
		if err != nil {
			s.log.Printf("citydb: upsert world %s: %v", r.ID, err)
			retryWorlds[r.ID] = r
			return
		}
		delete(retryWorlds, r.ID)
	}
	writeTrade := func(r tradeRow) {
		var resolved any
		if r.ResolvedAt != "" {
			resolved = r.ResolvedAt
		}
		_, err := upsertTrade.Exec(r.ID, r.From, r.FromName, r.To, r.OfferMoney,
			r.RequestMoney, r.Message, r.Status, r.CreatedAt, r.ExpiresAt, resolved)
		if err != nil {
			s.log.Printf("citydb: upsert trade %s: %v", r.ID, err)
			retryTrades[r.ID] = r
			return
		}
		delete(retryTrades, r.ID)
	}

	for {
		select {
		case m, ok := <-s.ch:
			if !ok {
				for _, r := range retryWorlds {
					writeWorld(r)
				}
				for _, r := range retryTrades {
					writeTrade(r)
				}
				return
			}
			switch m.kind {
			case reqWorld:
				writeWorld(m.world)
			case reqTrade:
				writeTrade(m.trade)
			}
		case <-retry.C:
			for _, r := range retryWorlds {
				writeWorld(r)
			}
			for _, r := range retryTrades {
				writeTrade(r)
			}
		}
	}
}

func encodeWorld(w *city.World) (worldRow, error) {
	cells := make([]cellRec, len(w.Grid.Cells))
	for i, c := range w.Grid.Cells {
		cells[i] = cellRec{
			X:        c.X,
			Y:        c.Y,
			Terrain:  c.Terrain.String(),
			Building: c.Building,
			Occupied: c.Occupied,
		}
	}
	raw, err := json.Marshal(cells)
	if err != nil {
		return worldRow{}, err
	}
	return worldRow{
		ID:              w.ID,
		Owner:           w.Owner,
		Name:            w.Name,
		Width:           w.Grid.Width,
		Height:          w.Grid.Height,
		Treasury:        w.Treasury,
		Population:      w.Population,
		TradingEnabled:  w.TradingEnabled,
		TradesCompleted: w.TradesCompleted,
		UpdatedAt:       w.LastUpdated.UTC().Format(time.RFC3339Nano),
		Grid:            zstdEnc.EncodeAll(raw, nil),
	}, nil
}

func scanWorld(row *sql.Row) (*city.World, error) {
	var r worldRow
	if err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.Width, &r.Height, &r.Treasury,
		&r.Population, &r.TradingEnabled, &r.TradesCompleted, &r.UpdatedAt, &r.Grid); err != nil {
		return nil, err
	}

	raw, err := zstdDec.DecodeAll(r.Grid, nil)
	if err != nil {
		return nil, fmt.Errorf("world %s: decompress grid: %w", r.ID, err)
	}
	var cells []cellRec
	if err := json.Unmarshal(raw, &cells); err != nil {
		return nil, fmt.Errorf("world %s: decode grid: %w", r.ID, err)
	}
	if len(cells) != r.Width*r.Height {
		return nil, fmt.Errorf("world %s: grid has %d cells, want %d", r.ID, len(cells), r.Width*r.Height)
	}

	grid := city.Grid{Width: r.Width, Height: r.Height, Cells: make([]city.Cell, len(cells))}
	for i, c := range cells {
		terrain, err := city.ParseTerrain(c.Terrain)
		if err != nil {
			return nil, fmt.Errorf("world %s: cell %d: %w", r.ID, i, err)
		}
		grid.Cells[i] = city.Cell{
			X:        c.X,
			Y:        c.Y,
			Terrain:  terrain,
			Building: c.Building,
			Occupied: c.Occupied,
		}
	}

	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("world %s: updated_at: %w", r.ID, err)
	}
	return &city.World{
		ID:              r.ID,
		Name:            r.Name,
		Owner:           r.Owner,
		Grid:            grid,
		Treasury:        r.Treasury,
		Population:      r.Population,
		TradingEnabled:  r.TradingEnabled,
		TradesCompleted: r.TradesCompleted,
		LastUpdated:     updated,
	}, nil
}

func decodeTrade(r tradeRow) (*authority.Trade, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("trade %s: created_at: %w", r.ID, err)
	}
	expires, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("trade %s: expires_at: %w", r.ID, err)
	}
	tr := &authority.Trade{
		ID:           r.ID,
		From:         r.From,
		FromName:     r.FromName,
		To:           r.To,
		OfferMoney:   r.OfferMoney,
		RequestMoney: r.RequestMoney,
		Message:      r.Message,
		Status:       r.Status,
		CreatedAt:    created,
		ExpiresAt:    expires,
	}
	if r.ResolvedAt != "" {
		resolved, err := time.Parse(time.RFC3339Nano, r.ResolvedAt)
		if err != nil {
			return nil, fmt.Errorf("trade %s: resolved_at: %w", r.ID, err)
		}
		tr.ResolvedAt = resolved
	}
	return tr, nil
}
