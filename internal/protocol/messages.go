package protocol

// HELLO (client -> server). Token carries a pre-verified identity issued by
// the auth collaborator; the core never inspects credentials beyond it.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Token           string `json:"token"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	SessionID       string  `json:"session_id"`
	UserID          string  `json:"user_id"`
	Username        string  `json:"username"`
	TickIntervalMs  int     `json:"tick_interval_ms"`
	SimulationSpeed float64 `json:"simulation_speed"`
	CatalogDigest   string  `json:"catalog_digest"`
	CatalogCount    int     `json:"catalog_count"`
}

type CreateWorldMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	Seed            int64  `json:"seed,omitempty"`
}

// LOAD_WORLD attaches the connection to a world. Watch requests a read-only
// view of somebody else's world; mutations stay owner-only either way.
type LoadWorldMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	Watch           bool   `json:"watch,omitempty"`
}

type CellWire struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Terrain  string `json:"terrain"`
	Building string `json:"building,omitempty"`
	Occupied bool   `json:"occupied"`
}

type ResourceDelta struct {
	Money      float64 `json:"money"`
	Population float64 `json:"population"`
	Happiness  float64 `json:"happiness"`
	Power      int     `json:"power"`
	Water      int     `json:"water"`
	Jobs       int     `json:"jobs"`
}

// WORLD_STATE (server -> client): full canonical copy sent on load/create
// and after a reconnect. Diff catch-up is deliberately not offered.
type WorldStateMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	WorldID         string        `json:"world_id"`
	Name            string        `json:"name"`
	OwnerID         string        `json:"owner_id"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	Cells           []CellWire    `json:"cells"`
	Resources       ResourceDelta `json:"resources"`
	TradingEnabled  bool          `json:"trading_enabled"`
	Viewer          bool          `json:"viewer,omitempty"`
}

// PLACE_BUILDING / REMOVE_BUILDING (client -> server). ActionID is chosen by
// the client and echoed verbatim in the confirmation or rejection.
type MutationMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActionID        string `json:"action_id"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Building        string `json:"building,omitempty"`
}

type ConfirmedMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ActionID        string  `json:"action_id"`
	X               int     `json:"x"`
	Y               int     `json:"y"`
	Building        string  `json:"building,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	Treasury        float64 `json:"treasury"`
}

type RejectedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActionID        string `json:"action_id"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// BUILDING_PLACED / BUILDING_REMOVED (server -> other viewers). Anonymized:
// no action id, just the resulting cell.
type RemoteMutationMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	Building        string `json:"building,omitempty"`
	Username        string `json:"username,omitempty"`
}

// SIM_UPDATE (server -> client), once per tick. Worlds holds the delta for
// the world the recipient views plus any world it has a live trade with.
type SimUpdateMsg struct {
	Type            string                   `json:"type"`
	ProtocolVersion string                   `json:"protocol_version"`
	Timestamp       int64                    `json:"timestamp"`
	SimulationSpeed float64                  `json:"simulation_speed"`
	Paused          bool                     `json:"paused,omitempty"`
	Worlds          map[string]ResourceDelta `json:"worlds"`
}

type MoneyBundle struct {
	Money float64 `json:"money"`
}

type OfferTradeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Ref             string      `json:"ref"`
	To              string      `json:"to"`
	Offer           MoneyBundle `json:"offer"`
	Request         MoneyBundle `json:"request"`
	Message         string      `json:"message,omitempty"`
}

type TradeOfferedMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	TradeID         string      `json:"trade_id"`
	From            string      `json:"from"`
	FromName        string      `json:"from_name"`
	Offer           MoneyBundle `json:"offer"`
	Request         MoneyBundle `json:"request"`
	Message         string      `json:"message,omitempty"`
	CreatedAt       int64       `json:"created_at"`
	ExpiresAt       int64       `json:"expires_at"`
}

type RespondTradeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TradeID         string `json:"trade_id"`
	Accept          bool   `json:"accept"`
	Reason          string `json:"reason,omitempty"`
}

type CancelTradeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TradeID         string `json:"trade_id"`
}

// TRADE_RESULT (server -> both parties): any lifecycle outcome, including a
// failed accept that left the offer pending.
type TradeResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TradeID         string `json:"trade_id"`
	Ref             string `json:"ref,omitempty"`
	Status          string `json:"status"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	With            string `json:"with,omitempty"`
}

type PlayerJoinedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	WorldID         string `json:"world_id"`
	WorldName       string `json:"world_name,omitempty"`
}

type PlayerLeftMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
}

type TimeSyncMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ServerTime      int64  `json:"server_time"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
