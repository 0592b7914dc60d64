package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"isocity/internal/protocol"
)

// The schemas are the published wire contract; every message the server emits
// or accepts must satisfy them exactly as Go marshals it.
func TestSchemas_ValidateMarshaledMessages(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", name))
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}
	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		raw, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", raw, err)
		}
	}

	validate(compile("hello.schema.json"), protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version,
		Token: "u1:alice", ClientName: "soak-bot",
	})

	validate(compile("welcome.schema.json"), protocol.WelcomeMsg{
		Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version,
		SessionID: "s1", UserID: "u1", Username: "alice",
		TickIntervalMs: 1000, SimulationSpeed: 1.0,
		CatalogDigest: "deadbeef", CatalogCount: 21,
	})

	validate(compile("world_state.schema.json"), protocol.WorldStateMsg{
		Type: protocol.TypeWorldState, ProtocolVersion: protocol.Version,
		WorldID: "w1", Name: "Town", OwnerID: "u1", Width: 2, Height: 1,
		Cells: []protocol.CellWire{
			{X: 0, Y: 0, Terrain: "grass", Building: "park", Occupied: true},
			{X: 1, Y: 0, Terrain: "water", Occupied: true},
		},
		Resources:      protocol.ResourceDelta{Money: 10000, Happiness: 50},
		TradingEnabled: true,
	})

	mutation := compile("mutation.schema.json")
	validate(mutation, protocol.MutationMsg{
		Type: protocol.TypePlaceBuilding, ProtocolVersion: protocol.Version,
		ActionID: "a1", X: 2, Y: 3, Building: "residential_small",
	})
	validate(mutation, protocol.MutationMsg{
		Type: protocol.TypeRemoveBuilding, ProtocolVersion: protocol.Version,
		ActionID: "a2", X: 2, Y: 3,
	})

	validate(compile("mutation_confirmed.schema.json"), protocol.ConfirmedMsg{
		Type: protocol.TypeConfirmed, ProtocolVersion: protocol.Version,
		ActionID: "a1", X: 2, Y: 3, Building: "residential_small",
		Cost: 100, Treasury: 9900,
	})

	validate(compile("mutation_rejected.schema.json"), protocol.RejectedMsg{
		Type: protocol.TypeRejected, ProtocolVersion: protocol.Version,
		ActionID: "a1", Code: protocol.ErrOccupied, Message: "cell is occupied",
	})

	simUpdate := compile("sim_update.schema.json")
	validate(simUpdate, protocol.SimUpdateMsg{
		Type: protocol.TypeSimUpdate, ProtocolVersion: protocol.Version,
		Timestamp: 1767225600000, SimulationSpeed: 1.0,
		Worlds: map[string]protocol.ResourceDelta{
			"w1": {Money: 9900, Population: 3.5, Happiness: 47, Power: 980, Water: 940, Jobs: 37},
		},
	})
	validate(simUpdate, protocol.SimUpdateMsg{
		Type: protocol.TypeSimUpdate, ProtocolVersion: protocol.Version,
		Timestamp: 1767225600000, SimulationSpeed: 2.0, Paused: true,
		Worlds: map[string]protocol.ResourceDelta{},
	})

	validate(compile("trade_offered.schema.json"), protocol.TradeOfferedMsg{
		Type: protocol.TypeTradeOffered, ProtocolVersion: protocol.Version,
		TradeID: "t1", From: "u1", FromName: "alice",
		Offer: protocol.MoneyBundle{Money: 500}, Request: protocol.MoneyBundle{Money: 200},
		CreatedAt: 1767225600000, ExpiresAt: 1767312000000,
	})

	tradeResult := compile("trade_result.schema.json")
	validate(tradeResult, protocol.TradeResultMsg{
		Type: protocol.TypeTradeResult, ProtocolVersion: protocol.Version,
		TradeID: "t1", Status: "completed", With: "u2",
	})
	validate(tradeResult, protocol.TradeResultMsg{
		Type: protocol.TypeTradeResult, ProtocolVersion: protocol.Version,
		TradeID: "t1", Status: "pending", Code: protocol.ErrTradeInsolvent,
		Message: "a party can no longer cover the trade",
	})

	validate(compile("error.schema.json"), protocol.ErrorMsg{
		Type: protocol.TypeError, ProtocolVersion: protocol.Version,
		Code: protocol.ErrProtoBadRequest, Message: "malformed message",
	})
}

func TestSchemas_RejectBadSamples(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "mutation.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	bad := []string{
		`{"type":"PLACE_BUILDING","protocol_version":"1.0","x":1,"y":1}`,
		`{"type":"TELEPORT","protocol_version":"1.0","action_id":"a1","x":1,"y":1}`,
		`{"type":"PLACE_BUILDING","protocol_version":"1.0","action_id":"","x":1,"y":1}`,
		`{"type":"PLACE_BUILDING","protocol_version":"1.0","action_id":"a1","x":1.5,"y":1}`,
	}
	for _, raw := range bad {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err == nil {
			t.Fatalf("expected schema violation: %s", raw)
		}
	}
}
