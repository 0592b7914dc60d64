// A soak client: connects, loads (or founds) its city and keeps building
// through the optimistic replica, logging every rollback it observes.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"isocity/internal/protocol"
	"isocity/internal/sim/catalog"
	"isocity/internal/sim/city"
	"isocity/internal/sim/replica"
	"isocity/internal/sim/tuning"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		token     = flag.String("token", "bot1:Bot", "auth token (user_id:username)")
		configDir = flag.String("configs", "./configs", "config directory")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	cat, err := catalog.Load(filepath.Join(*configDir, "buildings.json"))
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}
	tune := tuning.Defaults()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Token:           *token,
		ClientName:      "soak-bot",
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	b := &bot{
		conn:   conn,
		log:    logger,
		cat:    cat,
		tune:   tune,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		if err := b.handle(msg); err != nil {
			logger.Printf("handle: %v", err)
			return
		}
	}
}

type bot struct {
	conn *websocket.Conn
	log  *log.Logger
	cat  *catalog.Catalog
	tune tuning.Tuning
	rng  *rand.Rand

	rep *replica.Replica
}

func (b *bot) handle(msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return nil
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return nil
		}
		b.log.Printf("WELCOME user=%s tick=%dms catalog=%d", w.UserID, w.TickIntervalMs, w.CatalogCount)
		return b.conn.WriteJSON(protocol.LoadWorldMsg{
			Type: protocol.TypeLoadWorld, ProtocolVersion: protocol.Version,
		})

	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil
		}
		if e.Code == protocol.ErrWorldNotFound && b.rep == nil {
			b.log.Printf("no city yet, founding one")
			return b.conn.WriteJSON(protocol.CreateWorldMsg{
				Type: protocol.TypeCreateWorld, ProtocolVersion: protocol.Version,
				Name: "Botville",
			})
		}
		b.log.Printf("ERROR %s: %s", e.Code, e.Message)

	case protocol.TypeWorldState:
		var st protocol.WorldStateMsg
		if err := json.Unmarshal(msg, &st); err != nil {
			return nil
		}
		w, err := replica.WorldFromState(st)
		if err != nil {
			return err
		}
		b.rep = replica.New(w, b.cat, b.params(), b.tune.WatchdogTimeout(), func(m protocol.MutationMsg) {
			_ = b.conn.WriteJSON(m)
		})
		b.rep.SetEventFunc(func(e replica.Event) {
			if e.Kind == "rejected" || e.Kind == "rolled_back" {
				b.log.Printf("rollback action=%s code=%s at (%d,%d)", e.ActionID, e.Code, e.X, e.Y)
			}
		})
		b.log.Printf("WORLD_STATE id=%s %dx%d treasury=%.0f", st.WorldID, st.Width, st.Height, st.Resources.Money)

	case protocol.TypeConfirmed:
		var c protocol.ConfirmedMsg
		if err := json.Unmarshal(msg, &c); err != nil || b.rep == nil {
			return nil
		}
		b.rep.Confirm(c)

	case protocol.TypeRejected:
		var r protocol.RejectedMsg
		if err := json.Unmarshal(msg, &r); err != nil || b.rep == nil {
			return nil
		}
		b.rep.Reject(r)

	case protocol.TypePlaced:
		var r protocol.RemoteMutationMsg
		if err := json.Unmarshal(msg, &r); err != nil || b.rep == nil {
			return nil
		}
		b.rep.ApplyRemotePlacement(r)

	case protocol.TypeRemoved:
		var r protocol.RemoteMutationMsg
		if err := json.Unmarshal(msg, &r); err != nil || b.rep == nil {
			return nil
		}
		b.rep.ApplyRemoteRemoval(r)

	case protocol.TypeSimUpdate:
		var up protocol.SimUpdateMsg
		if err := json.Unmarshal(msg, &up); err != nil || b.rep == nil {
			return nil
		}
		if d, ok := up.Worlds[b.rep.World().ID]; ok {
			b.rep.ApplyResources(d)
		}
		b.rep.ResolveTimeouts(time.Now())
		b.act()
	}
	return nil
}

// act occasionally drops a random affordable building on a random cell. Local
// validation filters most bad picks; the rest exercise the rollback path.
func (b *bot) act() {
	if b.rep.Pending() > 4 || b.rng.Intn(3) != 0 {
		return
	}
	w := b.rep.World()
	kind := b.cat.IDs[b.rng.Intn(len(b.cat.IDs))]
	x := b.rng.Intn(w.Grid.Width)
	y := b.rng.Intn(w.Grid.Height)
	if _, err := b.rep.PlaceBuilding(x, y, kind); err == nil {
		b.log.Printf("placing %s at (%d,%d) treasury=%.0f", kind, x, y, w.Treasury)
	}
}

func (b *bot) params() city.Params {
	e := b.tune.Economy
	return city.Params{
		BaseHappiness:          e.BaseHappiness,
		UnemploymentPenaltyMax: e.UnemploymentPenaltyMax,
		DeficitPenalty:         e.DeficitPenalty,
		IncomePerResident:      e.IncomePerResident,
		ExpensePerResident:     e.ExpensePerResident,
	}
}
