// Package ident mints and validates room identifiers and reservation tokens.
package ident

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
	"strings"
)

// Limits
const (
	RoomIDLength = 7  // generated room IDs
	TokenBytes   = 24 // 192 bits of entropy (base64url encoded = 32 chars)
)

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var roomIDPattern = regexp.MustCompile(`^[A-Z0-9]{6,12}$`)

// idByteLimit is the largest multiple of the alphabet size below 256.
// Random bytes at or above it are rejected so every character stays
// equally likely.
const idByteLimit = 256 - 256%len(roomIDAlphabet)

// idChar maps one random byte onto the alphabet, rejecting bytes that
// would skew the distribution.
func idChar(b byte) (byte, bool) {
	if int(b) >= idByteLimit {
		return 0, false
	}
	return roomIDAlphabet[int(b)%len(roomIDAlphabet)], true
}

// NewRoomID returns a fresh 7-character room ID drawn uniformly from
// [A-Z0-9]. Callers must check for collisions against existing rooms
// and retry.
func NewRoomID() string {
	id := make([]byte, 0, RoomIDLength)
	buf := make([]byte, RoomIDLength)
	for len(id) < RoomIDLength {
		if _, err := rand.Read(buf); err != nil {
			panic("ident: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range buf {
			if c, ok := idChar(b); ok {
				id = append(id, c)
				if len(id) == RoomIDLength {
					break
				}
			}
		}
	}
	return string(id)
}

// NormalizeRoomID trims and upper-cases raw and validates it against
// ^[A-Z0-9]{6,12}$. Returns the empty string if validation fails.
func NormalizeRoomID(raw string) string {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if !roomIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// NewReservationToken returns a cryptographically random opaque token.
func NewReservationToken() string {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("ident: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
