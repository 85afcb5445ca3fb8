package ws

// Wire error codes.
const (
	CodeValidation  = "VALIDATION"
	CodeNotFound    = "NOT_FOUND"
	CodeReservation = "RESERVATION"
	CodePhase       = "PHASE"
	CodeRateLimit   = "RATE_LIMIT"
	CodeConflict    = "CONFLICT"
	CodeInternal    = "INTERNAL"
)

// Canonical user-facing messages. NotFound is shared by absent,
// quarantined, and completed rooms so the quarantine decision never
// leaks. Reservation messages carry 予約 for the client UI.
const (
	msgRoomNotFound       = "room not found"
	msgRetryRoomList      = "room list updated, retry"
	msgNoJoinableRoom     = "参加できる部屋がありません"
	msgNoEmptyFrame       = "no empty frame"
	msgNotAccepting       = "not accepting submissions"
	msgAlreadySubmitted   = "already submitted"
	msgBadDataURL         = "dataUrl が不正/大きすぎる"
	msgReservationInvalid = "予約が無効または期限切れです"
	msgReservationFrame   = "予約とフレーム番号が一致しません"
	msgReservationMissing = "予約トークンが必要です"
	msgInvalidRoomID      = "invalid roomId"
	msgFrameOutOfRange    = "frameIndex out of range"
	msgServerError        = "server error"
)

// protoError is a handler rejection surfaced as exactly one error frame.
type protoError struct {
	code    string
	message string
}

func (e *protoError) Error() string { return e.message }

func errValidation(msg string) *protoError  { return &protoError{CodeValidation, msg} }
func errNotFound(msg string) *protoError    { return &protoError{CodeNotFound, msg} }
func errReservation(msg string) *protoError { return &protoError{CodeReservation, msg} }
func errPhase(msg string) *protoError       { return &protoError{CodePhase, msg} }
func errConflict(msg string) *protoError    { return &protoError{CodeConflict, msg} }
func errInternal() *protoError              { return &protoError{CodeInternal, msgServerError} }
