package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeCreateWorld = "CREATE_WORLD"
	TypeLoadWorld   = "LOAD_WORLD"
	TypeWorldState  = "WORLD_STATE"

	TypePlaceBuilding  = "PLACE_BUILDING"
	TypeRemoveBuilding = "REMOVE_BUILDING"
	TypeConfirmed      = "MUTATION_CONFIRMED"
	TypeRejected       = "MUTATION_REJECTED"
	TypePlaced         = "BUILDING_PLACED"
	TypeRemoved        = "BUILDING_REMOVED"

	TypeSimUpdate = "SIM_UPDATE"

	TypeOfferTrade   = "OFFER_TRADE"
	TypeRespondTrade = "RESPOND_TRADE"
	TypeCancelTrade  = "CANCEL_TRADE"
	TypeTradeOffered = "TRADE_OFFERED"
	TypeTradeResult  = "TRADE_RESULT"

	TypePlayerJoined = "PLAYER_JOINED"
	TypePlayerLeft   = "PLAYER_LEFT"
	TypeTimeSync     = "TIME_SYNC"
	TypeError        = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
