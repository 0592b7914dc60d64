package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing/state.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrNoPermission  = "E_NO_PERMISSION"

	// Mutation validation.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrOutOfBounds = "E_OUT_OF_BOUNDS"
	ErrWater       = "E_WATER"
	ErrOccupied    = "E_OCCUPIED"
	ErrUnoccupied  = "E_UNOCCUPIED"
	ErrNoFunds     = "E_NO_FUNDS"

	// Replica-local conflict: a second mutation raced a cell with an
	// unresolved pending action.
	ErrPendingCell = "E_PENDING_CELL"

	// Trade lifecycle.
	ErrTradeDisabled  = "E_TRADE_DISABLED"
	ErrTradeNotFound  = "E_TRADE_NOT_FOUND"
	ErrTradeTerminal  = "E_TRADE_TERMINAL"
	ErrTradeExpired   = "E_TRADE_EXPIRED"
	ErrTradeInsolvent = "E_TRADE_INSOLVENT"

	// Transient infrastructure: recovered locally, safe to retry.
	ErrTimeout  = "E_TIMEOUT"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldNotFound:   {},
	ErrNoPermission:    {},
	ErrBadRequest:      {},
	ErrOutOfBounds:     {},
	ErrWater:           {},
	ErrOccupied:        {},
	ErrUnoccupied:      {},
	ErrNoFunds:         {},
	ErrPendingCell:     {},
	ErrTradeDisabled:   {},
	ErrTradeNotFound:   {},
	ErrTradeTerminal:   {},
	ErrTradeExpired:    {},
	ErrTradeInsolvent:  {},
	ErrTimeout:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// IsValidation reports whether a code belongs to the validation class:
// surfaced to the originating party only, never fatal, no retry.
func IsValidation(code string) bool {
	switch code {
	case ErrBadRequest, ErrOutOfBounds, ErrWater, ErrOccupied, ErrUnoccupied,
		ErrNoFunds, ErrTradeDisabled, ErrWorldNotFound, ErrNoPermission:
		return true
	}
	return false
}

// IsConflict reports whether a code belongs to the conflict class: the
// original action or offer is reverted to its prior state.
func IsConflict(code string) bool {
	switch code {
	case ErrPendingCell, ErrTradeInsolvent:
		return true
	}
	return false
}

// IsTransient reports whether a code belongs to the transient infrastructure
// class: recovered locally (retry, re-queue or full reload), never fatal.
func IsTransient(code string) bool {
	return code == ErrTimeout || code == ErrInternal
}
