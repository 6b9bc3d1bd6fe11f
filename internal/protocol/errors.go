package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Rejected actions: expected outcomes, the builder stays in its state.
	ErrBlocked      = "E_BLOCKED"
	ErrNoSnap       = "E_NO_SNAP"
	ErrNoResource   = "E_NO_RESOURCE"
	ErrNotPlaceable = "E_NOT_PLACEABLE"
	ErrNotDeletable = "E_NOT_DELETABLE"
	ErrNoTarget     = "E_NO_TARGET"

	// Session/state layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrStale      = "E_STALE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBlocked:         {},
	ErrNoSnap:          {},
	ErrNoResource:      {},
	ErrNotPlaceable:    {},
	ErrNotDeletable:    {},
	ErrNoTarget:        {},
	ErrBadRequest:      {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
