package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nayuta-umeda/anim5s-server/internal/ident"
	"github.com/Nayuta-umeda/anim5s-server/internal/room"
	"github.com/Nayuta-umeda/anim5s-server/internal/store"
)

const protocolVersion = 1

// hello: idempotent liveness probe.
func (h *Handler) handleHello(c *Conn) error {
	c.enqueue(outbound("welcome", welcomeData{
		Protocol:   protocolVersion,
		ServerTime: time.Now().UnixMilli(),
	}))
	return nil
}

// create_public_and_submit: mint a room and commit frame 0 in one step.
// A room only ever comes into existence through this verb.
func (h *Handler) handleCreate(c *Conn, raw json.RawMessage) error {
	var d createData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errValidation(msgBadDataURL)
	}
	if !room.ValidDataURL(d.DataURL) {
		return errValidation(msgBadDataURL)
	}

	now := time.Now().UnixMilli()
	st, err := h.store.Create(d.Theme, now, func(r *room.Room) error {
		r.Commit(0, d.DataURL, now)
		return nil
	})
	if err != nil {
		logrus.WithField("event", "create_failed").WithError(err).Error("room creation failed")
		return errInternal()
	}

	c.bind(st.RoomID)
	c.enqueue(outbound("created_public", st))
	h.hub.Broadcast(st.RoomID, outbound("frame_committed", frameCommittedData{
		RoomID:     st.RoomID,
		FrameIndex: 0,
	}))
	logrus.WithFields(logrus.Fields{"event": "room_created", "roomId": st.RoomID}).Info("public room created")
	return nil
}

// join_random: pick a joinable room from the index, reserve its first
// open frame, and attach the connection.
func (h *Handler) handleJoinRandom(c *Conn) error {
	id, err := h.store.RandomJoinable()
	if errors.Is(err, store.ErrNoJoinableRoom) {
		return errNotFound(msgNoJoinableRoom)
	}
	if err != nil {
		return errInternal()
	}

	joined, err := h.reserveIn(id)
	if errors.Is(err, store.ErrRoomNotFound) {
		if !h.store.Quarantined(id) && !h.store.Dir().RoomExists(id) {
			// The index pointed at a room file that no longer exists.
			h.store.DropIndexEntry(id)
			return errNotFound(msgRetryRoomList)
		}
		return errNotFound(msgRoomNotFound)
	}
	if err != nil {
		return err
	}

	c.bind(id)
	c.enqueue(outbound("room_joined", joined))
	return nil
}

// join_by_id: like join_random but for a caller-chosen room. Quarantined,
// missing, and completed rooms all answer "room not found".
func (h *Handler) handleJoinByID(c *Conn, raw json.RawMessage) error {
	var d joinByIDData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errValidation(msgInvalidRoomID)
	}
	id := ident.NormalizeRoomID(d.RoomID)
	if id == "" {
		return errValidation(msgInvalidRoomID)
	}

	joined, err := h.reserveIn(id)
	if errors.Is(err, store.ErrRoomNotFound) {
		return errNotFound(msgRoomNotFound)
	}
	if err != nil {
		return err
	}
	c.bind(id)
	c.enqueue(outbound("room_joined", joined))
	return nil
}

// reserveIn assigns the smallest open frame of a DRAWING room and mints
// its reservation, persisting before the grant is surfaced.
func (h *Handler) reserveIn(id string) (roomJoinedData, error) {
	ttl := h.store.ReservationTTL()
	now := time.Now().UnixMilli()
	var out roomJoinedData

	err := h.store.Mutate(id, func(r *room.Room) error {
		if r.Phase != room.PhaseDrawing {
			return errNotFound(msgRoomNotFound)
		}
		idx := r.FirstEmptyUnreserved()
		if idx < 0 {
			return errConflict(msgNoEmptyFrame)
		}
		tok, err := r.Reserve(idx, now, ttl)
		if err != nil {
			return errInternal()
		}
		res := r.Reservations[tok]
		st := r.State()
		out = roomJoinedData{
			RoomID:               r.ID,
			Theme:                r.Theme,
			AssignedFrame:        idx,
			ReservationToken:     tok,
			ReservationExpiresAt: res.ExpiresAt,
			Filled:               st.Filled,
		}
		return nil
	})
	return out, err
}

// join_room: attach for streaming. view=true works in any phase so
// completed rooms can be reviewed; otherwise a live reservation on a
// DRAWING room is required.
func (h *Handler) handleJoinRoom(c *Conn, raw json.RawMessage) error {
	var d joinRoomData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errValidation(msgInvalidRoomID)
	}
	id := ident.NormalizeRoomID(d.RoomID)
	if id == "" {
		return errValidation(msgInvalidRoomID)
	}

	now := time.Now().UnixMilli()
	var st room.State
	err := h.store.View(id, func(r *room.Room) error {
		if !d.View {
			if d.ReservationToken == "" {
				return errReservation(msgReservationMissing)
			}
			if r.Phase != room.PhaseDrawing {
				return errPhase(msgNotAccepting)
			}
			if _, live := r.Lookup(d.ReservationToken, now); !live {
				return errReservation(msgReservationInvalid)
			}
		}
		st = r.State()
		return nil
	})
	if errors.Is(err, store.ErrRoomNotFound) {
		return errNotFound(msgRoomNotFound)
	}
	if err != nil {
		return err
	}

	c.bind(id)
	c.enqueue(outbound("room_state", st))
	return nil
}

// resync: re-establish view after reconnection, defaulting to the
// connection's current attachment.
func (h *Handler) handleResync(c *Conn, raw json.RawMessage) error {
	var d resyncData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return errValidation(msgInvalidRoomID)
		}
	}
	// The attachment fallback is only for an absent roomId; a present
	// but malformed one is rejected outright.
	id := c.RoomID()
	if d.RoomID != "" {
		id = ident.NormalizeRoomID(d.RoomID)
		if id == "" {
			return errValidation(msgInvalidRoomID)
		}
	}
	if id == "" {
		return errNotFound(msgRoomNotFound)
	}

	var st room.State
	err := h.store.View(id, func(r *room.Room) error {
		st = r.State()
		return nil
	})
	if errors.Is(err, store.ErrRoomNotFound) {
		return errNotFound(msgRoomNotFound)
	}
	if err != nil {
		return err
	}

	c.bind(id)
	c.enqueue(outbound("room_state", st))
	return nil
}

// get_frame: fetch one committed payload. Uncommitted frames are
// silently dropped; clients poll after frame_committed broadcasts.
func (h *Handler) handleGetFrame(c *Conn, raw json.RawMessage) error {
	var d getFrameData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errValidation(msgFrameOutOfRange)
	}
	id := ident.NormalizeRoomID(d.RoomID)
	if id == "" {
		return errValidation(msgInvalidRoomID)
	}
	if d.FrameIndex < 0 || d.FrameIndex >= room.FrameCount {
		return errValidation(msgFrameOutOfRange)
	}

	var payload string
	var committed bool
	err := h.store.View(id, func(r *room.Room) error {
		committed = r.Committed[d.FrameIndex]
		payload = r.Frames[d.FrameIndex]
		return nil
	})
	if errors.Is(err, store.ErrRoomNotFound) {
		return errNotFound(msgRoomNotFound)
	}
	if err != nil {
		return err
	}
	if !committed {
		h.metrics.Inc("msg.get_frame.empty")
		return nil
	}

	c.enqueue(outbound("frame_data", frameData{
		RoomID:     id,
		FrameIndex: d.FrameIndex,
		DataURL:    payload,
	}))
	return nil
}

// submit_frame: the critical write path. Steps up to the reservation
// removal run inside the per-room critical section; the events are
// published only after the room is durable, still inside the section so
// every attached connection observes commits in order.
func (h *Handler) handleSubmit(c *Conn, raw json.RawMessage) error {
	var d submitData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errValidation(msgBadDataURL)
	}
	id := ident.NormalizeRoomID(d.RoomID)
	if id == "" {
		return errValidation(msgInvalidRoomID)
	}

	now := time.Now().UnixMilli()
	var completed bool
	var st room.State

	err := h.store.MutateThen(id, func(r *room.Room) error {
		if r.Phase == room.PhasePlayback {
			return errPhase(msgNotAccepting)
		}
		if d.FrameIndex < 0 || d.FrameIndex >= room.FrameCount {
			return errValidation(msgFrameOutOfRange)
		}
		if d.ReservationToken == "" {
			return errReservation(msgReservationMissing)
		}
		res, live := r.Lookup(d.ReservationToken, now)
		if !live {
			return errReservation(msgReservationInvalid)
		}
		if res.FrameIndex != d.FrameIndex {
			return errReservation(msgReservationFrame)
		}
		if r.Committed[d.FrameIndex] {
			return errConflict(msgAlreadySubmitted)
		}
		if !room.ValidDataURL(d.DataURL) {
			return errValidation(msgBadDataURL)
		}

		r.Commit(d.FrameIndex, d.DataURL, now)
		if err := r.Consume(d.ReservationToken, d.FrameIndex, now); err != nil {
			return errInternal()
		}
		completed = r.AllCommitted()
		st = r.State()
		return nil
	}, func() {
		h.hub.Broadcast(id, outbound("frame_committed", frameCommittedData{
			RoomID:     id,
			FrameIndex: d.FrameIndex,
		}))
		c.enqueue(outbound("submitted", submittedData{
			RoomID:     id,
			FrameIndex: d.FrameIndex,
		}))
		if completed {
			h.hub.Broadcast(id, outbound("start_playback", startPlaybackData{RoomID: id}))
			h.hub.Broadcast(id, outbound("room_state", st))
		}
	})
	if errors.Is(err, store.ErrRoomNotFound) {
		return errNotFound(msgRoomNotFound)
	}
	if err != nil {
		return err
	}

	if completed {
		logrus.WithFields(logrus.Fields{"event": "room_completed", "roomId": id}).Info("room sealed for playback")
	}
	return nil
}
