package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Nayuta-umeda/anim5s-server/internal/room"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d := New(t.TempDir())
	if err := d.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return d
}

func makeRoom(id string, filled int) *room.Room {
	now := time.Now().UnixMilli()
	r := room.New(id, "テスト", now)
	for i := 0; i < filled; i++ {
		r.Commit(i, "data:image/png;base64,AA", now)
	}
	return r
}

func TestSaveAndLoadRoom(t *testing.T) {
	d := newDir(t)
	r := makeRoom("AAAA111", 3)

	if err := d.SaveRoom(r); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := d.LoadRoom("AAAA111")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.ID != "AAAA111" || back.FilledCount() != 3 {
		t.Errorf("round trip lost state: %s %d", back.ID, back.FilledCount())
	}
	// P1: committed[i] == (frames[i] non-empty) on disk.
	for i := range back.Committed {
		if back.Committed[i] != (back.Frames[i] != "") {
			t.Fatalf("commit invariant broken at %d", i)
		}
	}
}

func TestLoadRoomNotFound(t *testing.T) {
	d := newDir(t)
	if _, err := d.LoadRoom("MISSING1"); err != ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestAtomicWriteLeavesNoPartialTarget(t *testing.T) {
	d := newDir(t)
	r := makeRoom("AAAA222", 2)
	if err := d.SaveRoom(r); err != nil {
		t.Fatal(err)
	}

	// Simulate a crashed write: a stray tmp file next to the target.
	stray := filepath.Join(d.roomsDir(), "AAAA222.json.tmp_999_1")
	if err := os.WriteFile(stray, []byte(`{"truncated`), 0o644); err != nil {
		t.Fatal(err)
	}

	// The target must still parse and the scan must ignore the tmp file.
	if _, err := d.LoadRoom("AAAA222"); err != nil {
		t.Fatalf("target corrupted by tmp file: %v", err)
	}
	ids, err := d.scanRoomIDs()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if strings.Contains(id, "tmp_") {
			t.Errorf("scan picked up tmp file: %s", id)
		}
	}
	if len(ids) != 1 {
		t.Errorf("expected 1 room on disk, got %d", len(ids))
	}
}

func TestRebuildIndex(t *testing.T) {
	d := newDir(t)
	if err := d.SaveRoom(makeRoom("ROOM001", 10)); err != nil {
		t.Fatal(err)
	}
	full := makeRoom("ROOM002", room.FrameCount)
	if err := d.SaveRoom(full); err != nil {
		t.Fatal(err)
	}

	idx, err := d.RebuildIndex()
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(idx) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(idx))
	}
	if e := idx["ROOM001"]; e.FilledCount != 10 || e.Completed {
		t.Errorf("ROOM001 entry: %+v", e)
	}
	if e := idx["ROOM002"]; e.FilledCount != room.FrameCount || !e.Completed {
		t.Errorf("ROOM002 entry: %+v", e)
	}
}

func TestLoadIndexRebuildsWhenMissingOrCorrupt(t *testing.T) {
	d := newDir(t)
	if err := d.SaveRoom(makeRoom("ROOM001", 5)); err != nil {
		t.Fatal(err)
	}

	// Missing index.
	idx, err := d.LoadIndex()
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if len(idx) != 1 {
		t.Fatalf("rebuilt index has %d entries", len(idx))
	}

	// Corrupt index. P4: rebuilt index matches a fresh scan.
	if err := os.WriteFile(d.indexPath(), []byte("{{{"), 0o644); err != nil {
		t.Fatal(err)
	}
	idx2, err := d.LoadIndex()
	if err != nil {
		t.Fatalf("load corrupt: %v", err)
	}
	scanned, err := d.RebuildIndex()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx2) != len(scanned) {
		t.Fatalf("rebuilt index diverges from scan: %d vs %d", len(idx2), len(scanned))
	}
	for id, e := range scanned {
		if idx2[id] != e {
			t.Errorf("entry %s diverges: %+v vs %+v", id, idx2[id], e)
		}
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	d := newDir(t)
	set, err := d.LoadQuarantine()
	if err != nil || len(set) != 0 {
		t.Fatalf("fresh quarantine: %v %v", set, err)
	}

	if err := d.SaveQuarantine(map[string]bool{"BAD0001": true, "BAD0002": true}); err != nil {
		t.Fatal(err)
	}
	back, err := d.LoadQuarantine()
	if err != nil {
		t.Fatal(err)
	}
	if !back["BAD0001"] || !back["BAD0002"] || len(back) != 2 {
		t.Errorf("quarantine round trip: %v", back)
	}
}

func TestBackupContents(t *testing.T) {
	d := newDir(t)
	if err := d.SaveRoom(makeRoom("ROOM001", 1)); err != nil {
		t.Fatal(err)
	}
	idx, _ := d.RebuildIndex()

	stamp, err := d.RunBackup(idx, []string{"ROOM001", "GONE999"}, time.Now(), 24)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	dir := filepath.Join(d.backupsDir(), stamp)
	for _, name := range []string{"rooms_index.json", "manifest.json", "ROOM001.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("backup missing %s: %v", name, err)
		}
	}
	// A dirty room whose file vanished is skipped, not fatal.
	if _, err := os.Stat(filepath.Join(dir, "GONE999.json")); err == nil {
		t.Error("backup contains file for vanished room")
	}

	var manifest struct {
		Rooms []string `json:"rooms"`
	}
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatal(err)
	}
	if len(manifest.Rooms) != 2 {
		t.Errorf("manifest rooms: %v", manifest.Rooms)
	}
}

func TestBackupRotation(t *testing.T) {
	d := newDir(t)
	if err := d.SaveRoom(makeRoom("ROOM001", 1)); err != nil {
		t.Fatal(err)
	}
	idx, _ := d.RebuildIndex()

	const keep = 3
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var stamps []string
	for i := 0; i < keep+4; i++ {
		stamp, err := d.RunBackup(idx, []string{"ROOM001"}, base.Add(time.Duration(i)*time.Minute), keep)
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		stamps = append(stamps, stamp)
	}

	// P8: exactly keep directories remain, and they are the most recent.
	got := d.ListBackups()
	if len(got) != keep {
		t.Fatalf("expected %d backups, got %d: %v", keep, len(got), got)
	}
	want := stamps[len(stamps)-keep:]
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backup %d = %s, want %s", i, got[i], want[i])
		}
	}
}
