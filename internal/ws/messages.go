package ws

import "encoding/json"

// Envelope is the inbound frame shape.
type Envelope struct {
	T    string          `json:"t"`
	Data json.RawMessage `json:"data"`
}

// Outbound is the versioned outbound frame shape.
type Outbound struct {
	V    int    `json:"v"`
	T    string `json:"t"`
	TS   int64  `json:"ts"`
	Data any    `json:"data"`
}

// Inbound payloads.

type createData struct {
	Theme   string `json:"theme"`
	DataURL string `json:"dataUrl"`
}

type joinByIDData struct {
	RoomID string `json:"roomId"`
}

type joinRoomData struct {
	RoomID           string `json:"roomId"`
	View             bool   `json:"view"`
	ReservationToken string `json:"reservationToken"`
}

type resyncData struct {
	RoomID string `json:"roomId"`
}

type getFrameData struct {
	RoomID     string `json:"roomId"`
	FrameIndex int    `json:"frameIndex"`
}

type submitData struct {
	RoomID           string `json:"roomId"`
	FrameIndex       int    `json:"frameIndex"`
	ReservationToken string `json:"reservationToken"`
	DataURL          string `json:"dataUrl"`
}

// Outbound payloads.

type welcomeData struct {
	Protocol   int   `json:"protocol"`
	ServerTime int64 `json:"serverTime"`
}

type roomJoinedData struct {
	RoomID               string `json:"roomId"`
	Theme                string `json:"theme"`
	AssignedFrame        int    `json:"assignedFrame"`
	ReservationToken     string `json:"reservationToken"`
	ReservationExpiresAt int64  `json:"reservationExpiresAt"`
	Filled               []bool `json:"filled"`
}

type frameData struct {
	RoomID     string `json:"roomId"`
	FrameIndex int    `json:"frameIndex"`
	DataURL    string `json:"dataUrl"`
}

type frameCommittedData struct {
	RoomID     string `json:"roomId"`
	FrameIndex int    `json:"frameIndex"`
}

type submittedData struct {
	RoomID     string `json:"roomId"`
	FrameIndex int    `json:"frameIndex"`
}

type startPlaybackData struct {
	RoomID string `json:"roomId"`
}

type errorData struct {
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}
