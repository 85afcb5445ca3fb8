package ident

import (
	"strings"
	"testing"
)

func TestNewRoomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		if len(id) != RoomIDLength {
			t.Fatalf("expected %d chars, got %q", RoomIDLength, id)
		}
		for _, r := range id {
			if !strings.ContainsRune(roomIDAlphabet, r) {
				t.Fatalf("unexpected character %q in room ID %q", r, id)
			}
		}
		if NormalizeRoomID(id) != id {
			t.Errorf("generated ID %q failed normalization", id)
		}
		seen[id] = true
	}
	if len(seen) < 90 {
		t.Errorf("expected mostly unique IDs, got %d unique of 100", len(seen))
	}
}

func TestIDCharUniform(t *testing.T) {
	// Every alphabet character must have the same number of accepted
	// byte preimages, and everything at or above the limit is rejected.
	counts := make(map[byte]int)
	for i := 0; i < 256; i++ {
		c, ok := idChar(byte(i))
		if !ok {
			if i < idByteLimit {
				t.Fatalf("byte %d rejected below the limit", i)
			}
			continue
		}
		if i >= idByteLimit {
			t.Fatalf("byte %d accepted at or above the limit", i)
		}
		counts[c]++
	}
	if len(counts) != len(roomIDAlphabet) {
		t.Fatalf("only %d of %d characters reachable", len(counts), len(roomIDAlphabet))
	}
	want := idByteLimit / len(roomIDAlphabet)
	for c, n := range counts {
		if n != want {
			t.Errorf("character %q has %d preimages, want %d", c, n, want)
		}
	}
}

func TestNormalizeRoomID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ABC123", "ABC123"},
		{"abc123", "ABC123"},
		{"  ab12cd  ", "AB12CD"},
		{"ABCDEF123456", "ABCDEF123456"},
		{"ABCDE", ""},              // too short
		{"ABCDEF1234567", ""},      // too long
		{"ABC-12", ""},             // bad character
		{"", ""},
		{"   ", ""},
		{"日本語ROOM", ""},
	}
	for _, c := range cases {
		if got := NormalizeRoomID(c.in); got != c.want {
			t.Errorf("NormalizeRoomID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewReservationToken(t *testing.T) {
	a := NewReservationToken()
	b := NewReservationToken()
	if len(a) < 16 {
		t.Fatalf("token too short: %d chars", len(a))
	}
	if a == b {
		t.Error("expected distinct tokens")
	}
}
