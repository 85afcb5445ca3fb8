// Package room holds the data model of a 60-frame animation room: the
// frame slots, commit flags, reservation maps, and the DRAWING/PLAYBACK
// state machine. A Room value is not self-synchronizing; callers serialize
// access per room (see internal/store).
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/Nayuta-umeda/anim5s-server/internal/ident"
)

// Errors
var (
	ErrNoEmptyFrame        = errors.New("no empty frame")
	ErrFrameOutOfRange     = errors.New("frame index out of range")
	ErrFrameReserved       = errors.New("frame already reserved")
	ErrFrameCommitted      = errors.New("frame already committed")
	ErrReservationInvalid  = errors.New("reservation invalid or expired")
	ErrReservationMismatch = errors.New("reservation frame mismatch")
)

// Limits
const (
	FrameCount      = 60
	PlaybackFPS     = 12
	MaxDataURLBytes = 1_500_000
	DataURLPrefix   = "data:image/"
	MaxThemeLen     = 40
)

// Phase is the room lifecycle state, derived from the commit flags.
type Phase string

const (
	PhaseDrawing  Phase = "DRAWING"
	PhasePlayback Phase = "PLAYBACK"
)

// themePool is the fallback pool when a room is created with a blank theme.
var themePool = []string{
	"走る犬",
	"跳ねるボール",
	"雨の日",
	"打ち上げ花火",
	"宇宙旅行",
	"海の底",
	"ネコの冒険",
	"ロボットダンス",
}

// Reservation grants the sole right to commit one frame until ExpiresAt.
type Reservation struct {
	FrameIndex int   `json:"frameIndex"`
	ExpiresAt  int64 `json:"expiresAt"` // ms
}

// Room is the coordinated collection of 60 frames plus its theme,
// reservations, and timestamps.
type Room struct {
	ID        string
	Theme     string
	Frames    []string // len FrameCount; "" = empty slot
	Committed []bool   // len FrameCount; parallel to Frames
	CreatedAt int64    // ms
	UpdatedAt int64    // ms
	Phase     Phase

	// Reservations maps token -> grant; ReservedByFrame is the inverse.
	// At most one live reservation per frame; the inverse map is
	// authoritative for which token owns a frame, and Sweep is the single
	// rebuilder of consistency between the two.
	Reservations    map[string]Reservation
	ReservedByFrame map[int]string
}

// New constructs an empty DRAWING room. Blank themes fall back to a
// random pick from the fixed pool.
func New(id, theme string, now int64) *Room {
	return &Room{
		ID:              id,
		Theme:           NormalizeTheme(theme),
		Frames:          make([]string, FrameCount),
		Committed:       make([]bool, FrameCount),
		CreatedAt:       now,
		UpdatedAt:       now,
		Phase:           PhaseDrawing,
		Reservations:    make(map[string]Reservation),
		ReservedByFrame: make(map[int]string),
	}
}

// NormalizeTheme trims the label and substitutes a random pool entry
// when the result is blank. Over-long labels are truncated by rune.
func NormalizeTheme(theme string) string {
	t := strings.TrimSpace(theme)
	if t == "" {
		return themePool[rand.Intn(len(themePool))]
	}
	if r := []rune(t); len(r) > MaxThemeLen {
		t = string(r[:MaxThemeLen])
	}
	return t
}

// ValidDataURL reports whether s is an acceptable frame payload: the
// literal prefix "data:image/" and at most MaxDataURLBytes bytes.
func ValidDataURL(s string) bool {
	return strings.HasPrefix(s, DataURLPrefix) && len(s) <= MaxDataURLBytes
}

// FilledCount returns the number of committed frames.
func (r *Room) FilledCount() int {
	n := 0
	for _, c := range r.Committed {
		if c {
			n++
		}
	}
	return n
}

// AllCommitted reports whether every frame has been committed.
func (r *Room) AllCommitted() bool {
	for _, c := range r.Committed {
		if !c {
			return false
		}
	}
	return true
}

// NormalizePhase rederives Phase from the commit flags. It must run
// before every external observation of the room; the stored phase exists
// only for persistence.
func (r *Room) NormalizePhase() {
	if r.AllCommitted() {
		r.Phase = PhasePlayback
	} else {
		r.Phase = PhaseDrawing
	}
}

// Sweep drops every reservation that is expired, points at a committed
// or out-of-range frame, or is an orphan (the inverse map names a
// different token for its frame). Idempotent.
func (r *Room) Sweep(now int64) {
	for tok, res := range r.Reservations {
		switch {
		case res.FrameIndex < 0 || res.FrameIndex >= FrameCount:
		case res.ExpiresAt <= now:
		case r.Committed[res.FrameIndex]:
		case r.ReservedByFrame[res.FrameIndex] != tok:
		default:
			continue
		}
		delete(r.Reservations, tok)
		if res.FrameIndex >= 0 && res.FrameIndex < FrameCount && r.ReservedByFrame[res.FrameIndex] == tok {
			delete(r.ReservedByFrame, res.FrameIndex)
		}
	}
	for idx, tok := range r.ReservedByFrame {
		if _, ok := r.Reservations[tok]; !ok {
			delete(r.ReservedByFrame, idx)
		}
	}
}

// FirstEmptyUnreserved returns the smallest frame index that is neither
// committed nor reserved, or -1 when no such frame exists. Callers should
// Sweep first.
func (r *Room) FirstEmptyUnreserved() int {
	for i := 0; i < FrameCount; i++ {
		if r.Committed[i] {
			continue
		}
		if _, taken := r.ReservedByFrame[i]; taken {
			continue
		}
		return i
	}
	return -1
}

// Reserve mints a fresh token granting frameIndex until now+ttl and
// records it in both maps.
func (r *Room) Reserve(frameIndex int, now int64, ttl time.Duration) (string, error) {
	if frameIndex < 0 || frameIndex >= FrameCount {
		return "", ErrFrameOutOfRange
	}
	if r.Committed[frameIndex] {
		return "", ErrFrameCommitted
	}
	if _, taken := r.ReservedByFrame[frameIndex]; taken {
		return "", ErrFrameReserved
	}

	tok := ident.NewReservationToken()
	r.Reservations[tok] = Reservation{
		FrameIndex: frameIndex,
		ExpiresAt:  now + ttl.Milliseconds(),
	}
	r.ReservedByFrame[frameIndex] = tok
	return tok, nil
}

// Lookup returns the live reservation for token, if any.
func (r *Room) Lookup(token string, now int64) (Reservation, bool) {
	res, ok := r.Reservations[token]
	if !ok || res.ExpiresAt <= now {
		return Reservation{}, false
	}
	return res, true
}

// Consume validates token against frameIndex and removes it from both
// maps. The reservation must be live and its recorded frame must match.
func (r *Room) Consume(token string, frameIndex int, now int64) error {
	res, ok := r.Reservations[token]
	if !ok || res.ExpiresAt <= now {
		return ErrReservationInvalid
	}
	if res.FrameIndex != frameIndex {
		return ErrReservationMismatch
	}
	delete(r.Reservations, token)
	if r.ReservedByFrame[res.FrameIndex] == token {
		delete(r.ReservedByFrame, res.FrameIndex)
	}
	return nil
}

// Commit writes the payload into the slot and flips its commit flag.
// Irreversible; the caller has already validated the payload and
// consumed the covering reservation.
func (r *Room) Commit(frameIndex int, dataURL string, now int64) {
	r.Frames[frameIndex] = dataURL
	r.Committed[frameIndex] = true
	r.UpdatedAt = now
	r.NormalizePhase()
}

// State is the wire-facing room snapshot (the room_state payload). It
// never includes frame payloads.
type State struct {
	RoomID     string `json:"roomId"`
	Theme      string `json:"theme"`
	FrameCount int    `json:"frameCount"`
	FPS        int    `json:"fps"`
	Phase      Phase  `json:"phase"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
	Filled     []bool `json:"filled"`
	Completed  bool   `json:"completed"`
}

// State snapshots the room for clients.
func (r *Room) State() State {
	filled := make([]bool, FrameCount)
	copy(filled, r.Committed)
	return State{
		RoomID:     r.ID,
		Theme:      r.Theme,
		FrameCount: FrameCount,
		FPS:        PlaybackFPS,
		Phase:      r.Phase,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Filled:     filled,
		Completed:  r.AllCommitted(),
	}
}

// diskRoom is the persisted JSON shape. Reservations are stored as an
// array of [token, reservation] pairs; the inverse map is rebuilt on load.
type diskRoom struct {
	RoomID       string            `json:"roomId"`
	Theme        string            `json:"theme"`
	Frames       []string          `json:"frames"`
	Committed    []bool            `json:"committed"`
	CreatedAt    int64             `json:"createdAt"`
	UpdatedAt    int64             `json:"updatedAt"`
	Phase        Phase             `json:"phase"`
	Reservations []json.RawMessage `json:"reservations"`
}

// MarshalJSON serializes the room in its on-disk shape.
func (r *Room) MarshalJSON() ([]byte, error) {
	entries := make([]json.RawMessage, 0, len(r.Reservations))
	for tok, res := range r.Reservations {
		raw, err := json.Marshal([2]any{tok, res})
		if err != nil {
			return nil, err
		}
		entries = append(entries, raw)
	}
	return json.Marshal(diskRoom{
		RoomID:       r.ID,
		Theme:        r.Theme,
		Frames:       r.Frames,
		Committed:    r.Committed,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		Phase:        r.Phase,
		Reservations: entries,
	})
}

// UnmarshalJSON restores a room from its on-disk shape, padding the frame
// arrays to FrameCount, rebuilding the inverse reservation map from the
// uncommitted slots, and renormalizing the phase.
func (r *Room) UnmarshalJSON(data []byte) error {
	var d diskRoom
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}

	r.ID = d.RoomID
	r.Theme = d.Theme
	r.CreatedAt = d.CreatedAt
	r.UpdatedAt = d.UpdatedAt
	r.Phase = d.Phase

	r.Frames = make([]string, FrameCount)
	copy(r.Frames, d.Frames)
	r.Committed = make([]bool, FrameCount)
	for i := 0; i < FrameCount && i < len(d.Committed); i++ {
		// Commit flags follow the payloads; an empty slot is never committed.
		r.Committed[i] = d.Committed[i] && r.Frames[i] != ""
	}

	r.Reservations = make(map[string]Reservation)
	r.ReservedByFrame = make(map[int]string)
	for _, raw := range d.Reservations {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("room %s: malformed reservation entry", d.RoomID)
		}
		var tok string
		var res Reservation
		if err := json.Unmarshal(pair[0], &tok); err != nil {
			return err
		}
		if err := json.Unmarshal(pair[1], &res); err != nil {
			return err
		}
		r.Reservations[tok] = res
		if res.FrameIndex >= 0 && res.FrameIndex < FrameCount && !r.Committed[res.FrameIndex] {
			if _, taken := r.ReservedByFrame[res.FrameIndex]; !taken {
				r.ReservedByFrame[res.FrameIndex] = tok
			}
		}
	}

	r.NormalizePhase()
	return nil
}
