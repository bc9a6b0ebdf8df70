package viewerproto

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Diff validation at the applier boundary.
	ErrDiffBadType      = "E_DIFF_BAD_TYPE"
	ErrDiffMissingField = "E_DIFF_MISSING_FIELD"
	ErrDiffSchema       = "E_DIFF_SCHEMA"
	ErrDiffBadValue     = "E_DIFF_BAD_VALUE"

	// Store outcomes.
	ErrBatchCapacity = "E_BATCH_CAPACITY"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrProtoVersion:     {},
	ErrDiffBadType:      {},
	ErrDiffMissingField: {},
	ErrDiffSchema:       {},
	ErrDiffBadValue:     {},
	ErrBatchCapacity:    {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
