package room

import (
	"encoding/json"
	"testing"
	"time"
)

const testTTL = 3 * time.Minute

func nowMs() int64 { return time.Now().UnixMilli() }

func TestNewRoom(t *testing.T) {
	r := New("TEST123", "走る犬", nowMs())
	if len(r.Frames) != FrameCount || len(r.Committed) != FrameCount {
		t.Fatalf("expected %d slots, got %d/%d", FrameCount, len(r.Frames), len(r.Committed))
	}
	if r.Phase != PhaseDrawing {
		t.Errorf("new room phase = %s, want DRAWING", r.Phase)
	}
	if r.Theme != "走る犬" {
		t.Errorf("theme = %q", r.Theme)
	}
}

func TestNormalizeTheme(t *testing.T) {
	if got := NormalizeTheme("  花火  "); got != "花火" {
		t.Errorf("trim: got %q", got)
	}
	if got := NormalizeTheme(""); got == "" {
		t.Error("blank theme should fall back to the pool")
	}
	if got := NormalizeTheme("   "); got == "" {
		t.Error("whitespace theme should fall back to the pool")
	}
}

func TestValidDataURL(t *testing.T) {
	if !ValidDataURL("data:image/png;base64,AAAA") {
		t.Error("valid payload rejected")
	}
	if ValidDataURL("data:text/plain,hello") {
		t.Error("non-image prefix accepted")
	}
	if ValidDataURL("") {
		t.Error("empty payload accepted")
	}
	big := "data:image/png;base64," + string(make([]byte, MaxDataURLBytes))
	if ValidDataURL(big) {
		t.Error("oversized payload accepted")
	}
}

func TestReserveAndConsume(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)

	tok, err := r.Reserve(5, now, testTTL)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.ReservedByFrame[5] != tok {
		t.Fatal("inverse map not updated")
	}

	// Second reservation on the same frame must fail.
	if _, err := r.Reserve(5, now, testTTL); err != ErrFrameReserved {
		t.Errorf("expected ErrFrameReserved, got %v", err)
	}

	if err := r.Consume(tok, 5, now); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(r.Reservations) != 0 || len(r.ReservedByFrame) != 0 {
		t.Error("consume left reservation state behind")
	}
}

func TestConsumeMismatchAndExpiry(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)

	tok, _ := r.Reserve(3, now, testTTL)
	if err := r.Consume(tok, 4, now); err != ErrReservationMismatch {
		t.Errorf("expected mismatch, got %v", err)
	}
	if err := r.Consume("nosuchtoken", 3, now); err != ErrReservationInvalid {
		t.Errorf("expected invalid, got %v", err)
	}

	// Expired token is invalid.
	late := now + testTTL.Milliseconds() + 1
	if err := r.Consume(tok, 3, late); err != ErrReservationInvalid {
		t.Errorf("expected invalid after expiry, got %v", err)
	}
}

func TestReserveCommittedFrame(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)
	r.Commit(0, "data:image/png;base64,AA", now)

	if _, err := r.Reserve(0, now, testTTL); err != ErrFrameCommitted {
		t.Errorf("expected ErrFrameCommitted, got %v", err)
	}
	if _, err := r.Reserve(-1, now, testTTL); err != ErrFrameOutOfRange {
		t.Errorf("expected ErrFrameOutOfRange, got %v", err)
	}
	if _, err := r.Reserve(FrameCount, now, testTTL); err != ErrFrameOutOfRange {
		t.Errorf("expected ErrFrameOutOfRange, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)
	tok, _ := r.Reserve(1, now, testTTL)

	r.Sweep(now + 1)
	if _, ok := r.Reservations[tok]; !ok {
		t.Fatal("live reservation swept")
	}

	r.Sweep(now + testTTL.Milliseconds() + 1)
	if len(r.Reservations) != 0 || len(r.ReservedByFrame) != 0 {
		t.Error("expired reservation survived sweep")
	}
	// Idempotent.
	r.Sweep(now + testTTL.Milliseconds() + 1)
}

func TestSweepCommittedAndOrphans(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)

	tok, _ := r.Reserve(2, now, testTTL)
	r.Committed[2] = true
	r.Frames[2] = "data:image/png;base64,AA"
	r.Sweep(now)
	if _, ok := r.Reservations[tok]; ok {
		t.Error("reservation on committed frame survived sweep")
	}

	// Orphan: token present but inverse map names a different owner.
	r.Reservations["orphan"] = Reservation{FrameIndex: 7, ExpiresAt: now + 10000}
	live, _ := r.Reserve(7, now, testTTL)
	r.Sweep(now)
	if _, ok := r.Reservations["orphan"]; ok {
		t.Error("orphan token survived sweep")
	}
	if r.ReservedByFrame[7] != live {
		t.Error("live owner displaced by sweep")
	}

	// Dangling inverse entry without a token.
	r2 := New("TEST456", "t", now)
	r2.ReservedByFrame[9] = "ghost"
	r2.Sweep(now)
	if _, ok := r2.ReservedByFrame[9]; ok {
		t.Error("dangling inverse entry survived sweep")
	}
}

func TestNoTwoLiveReservationsPerFrame(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)
	for i := 0; i < 10; i++ {
		idx := r.FirstEmptyUnreserved()
		if _, err := r.Reserve(idx, now, testTTL); err != nil {
			t.Fatalf("reserve %d: %v", idx, err)
		}
	}
	owners := make(map[int]int)
	for _, res := range r.Reservations {
		owners[res.FrameIndex]++
	}
	for idx, n := range owners {
		if n != 1 {
			t.Errorf("frame %d has %d reservations", idx, n)
		}
	}
}

func TestFirstEmptyUnreserved(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)
	r.Commit(0, "data:image/png;base64,AA", now)
	if _, err := r.Reserve(1, now, testTTL); err != nil {
		t.Fatal(err)
	}
	if got := r.FirstEmptyUnreserved(); got != 2 {
		t.Errorf("FirstEmptyUnreserved = %d, want 2", got)
	}

	for i := 0; i < FrameCount; i++ {
		r.Committed[i] = true
		r.Frames[i] = "data:image/png;base64,AA"
	}
	if got := r.FirstEmptyUnreserved(); got != -1 {
		t.Errorf("full room FirstEmptyUnreserved = %d, want -1", got)
	}
}

func TestPhaseDerivation(t *testing.T) {
	now := nowMs()
	r := New("TEST123", "t", now)
	for i := 0; i < FrameCount-1; i++ {
		r.Commit(i, "data:image/png;base64,AA", now)
		if r.Phase != PhaseDrawing {
			t.Fatalf("phase flipped early at frame %d", i)
		}
	}
	r.Commit(FrameCount-1, "data:image/png;base64,AA", now)
	if r.Phase != PhasePlayback {
		t.Fatal("phase not PLAYBACK after final commit")
	}
	if !r.State().Completed {
		t.Error("state not completed")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	now := nowMs()
	r := New("ABC1234", "海の底", now)
	r.Commit(0, "data:image/png;base64,AAAA", now)
	tok, _ := r.Reserve(1, now, testTTL)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Room
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != "ABC1234" || back.Theme != "海の底" {
		t.Errorf("identity lost: %q %q", back.ID, back.Theme)
	}
	if !back.Committed[0] || back.Frames[0] != "data:image/png;base64,AAAA" {
		t.Error("committed frame lost")
	}
	res, ok := back.Reservations[tok]
	if !ok || res.FrameIndex != 1 {
		t.Fatal("reservation lost in round trip")
	}
	if back.ReservedByFrame[1] != tok {
		t.Error("inverse map not rebuilt on load")
	}
	if back.Phase != PhaseDrawing {
		t.Errorf("phase = %s", back.Phase)
	}
}

func TestUnmarshalRepairsCommitFlags(t *testing.T) {
	// A committed flag with an empty payload must be cleared on load.
	raw := `{"roomId":"FIX1234","theme":"t","frames":["data:image/png;base64,AA",""],` +
		`"committed":[true,true],"createdAt":1,"updatedAt":2,"phase":"DRAWING","reservations":[]}`
	var r Room
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !r.Committed[0] {
		t.Error("valid commit flag cleared")
	}
	if r.Committed[1] {
		t.Error("commit flag without payload survived load")
	}
	for i := 0; i < FrameCount; i++ {
		if r.Committed[i] != (r.Frames[i] != "") {
			t.Fatalf("commit invariant broken at %d", i)
		}
	}
}

func TestUnmarshalDropsReservationOnCommittedFrame(t *testing.T) {
	raw := `{"roomId":"FIX1234","theme":"t","frames":["data:image/png;base64,AA"],` +
		`"committed":[true],"createdAt":1,"updatedAt":2,"phase":"DRAWING",` +
		`"reservations":[["tok",{"frameIndex":0,"expiresAt":99999999999999}]]}`
	var r Room
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := r.ReservedByFrame[0]; ok {
		t.Error("inverse entry rebuilt for committed frame")
	}
}
