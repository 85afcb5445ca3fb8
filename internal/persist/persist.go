// Package persist owns the on-disk layout of the server: per-room JSON
// files, the rooms index, the quarantine set, and incremental backups.
// Every write goes through an atomic tmp+rename so readers never observe
// a partial file.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nayuta-umeda/anim5s-server/internal/room"
)

// Errors
var (
	ErrRoomNotFound = errors.New("room file not found")
)

const (
	roomsDirName   = "rooms"
	backupsDirName = "backups"
	indexFileName  = "rooms_index.json"
	quarantineFile = "quarantine.json"
)

// IndexEntry is the per-room materialized view used for random selection
// without loading full rooms.
type IndexEntry struct {
	Theme       string `json:"theme"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	FilledCount int    `json:"filledCount"`
	Completed   bool   `json:"completed"`
}

// Index maps roomId to its materialized view. Rebuildable from the
// per-room files.
type Index map[string]IndexEntry

// EntryFor derives the index view of a room.
func EntryFor(r *room.Room) IndexEntry {
	filled := r.FilledCount()
	return IndexEntry{
		Theme:       r.Theme,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		FilledCount: filled,
		Completed:   r.Phase == room.PhasePlayback || filled >= room.FrameCount,
	}
}

// Dir is a handle on the data directory. One process owns the directory
// exclusively.
type Dir struct {
	root string
}

// New returns a Dir rooted at path. Call Bootstrap before use.
func New(path string) *Dir {
	return &Dir{root: path}
}

// Root returns the data directory path.
func (d *Dir) Root() string { return d.root }

// Bootstrap creates the directory skeleton. Unrecoverable I/O here is a
// startup failure.
func (d *Dir) Bootstrap() error {
	for _, p := range []string{d.root, d.roomsDir(), d.backupsDir()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("persist: create %s: %w", p, err)
		}
	}
	return nil
}

func (d *Dir) roomsDir() string   { return filepath.Join(d.root, roomsDirName) }
func (d *Dir) backupsDir() string { return filepath.Join(d.root, backupsDirName) }
func (d *Dir) indexPath() string  { return filepath.Join(d.root, indexFileName) }
func (d *Dir) roomPath(id string) string {
	return filepath.Join(d.roomsDir(), id+".json")
}

// atomicWrite writes data to path via a tmp file named
// <path>.tmp_<pid>_<ts> followed by a rename over the target.
func (d *Dir) atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp_%d_%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SaveRoom atomically persists the room.
func (d *Dir) SaveRoom(r *room.Room) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("persist: marshal room %s: %w", r.ID, err)
	}
	return d.atomicWrite(d.roomPath(r.ID), data)
}

// LoadRoom reads and deserializes one room. Returns ErrRoomNotFound when
// the file is absent.
func (d *Dir) LoadRoom(id string) (*room.Room, error) {
	data, err := os.ReadFile(d.roomPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var r room.Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("persist: room %s: %w", id, err)
	}
	return &r, nil
}

// RoomExists reports whether a room file is present on disk.
func (d *Dir) RoomExists(id string) bool {
	_, err := os.Stat(d.roomPath(id))
	return err == nil
}

// DeleteRoomFile removes the room file. Only used for test fixtures and
// stale-entry cleanup paths; rooms are never deleted in normal operation.
func (d *Dir) DeleteRoomFile(id string) error {
	return os.Remove(d.roomPath(id))
}

// scanRoomIDs lists room IDs from rooms/*.json, ignoring tmp leftovers.
func (d *Dir) scanRoomIDs() ([]string, error) {
	entries, err := os.ReadDir(d.roomsDir())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp_") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// RoomCountOnDisk counts the persisted room files.
func (d *Dir) RoomCountOnDisk() int {
	ids, err := d.scanRoomIDs()
	if err != nil {
		return 0
	}
	return len(ids)
}

// LoadIndex reads rooms_index.json. A missing or unparseable index is
// rebuilt from the room files and written back (crash-safe startup).
func (d *Dir) LoadIndex() (Index, error) {
	data, err := os.ReadFile(d.indexPath())
	if err == nil {
		var idx Index
		if jsonErr := json.Unmarshal(data, &idx); jsonErr == nil && idx != nil {
			return idx, nil
		}
		logrus.WithField("event", "index_corrupt").Warn("rooms index unparseable, rebuilding")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return d.RebuildIndex()
}

// SaveIndex atomically persists the index.
func (d *Dir) SaveIndex(idx Index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return d.atomicWrite(d.indexPath(), data)
}

// RebuildIndex scans rooms/*.json, derives each room's index entry, and
// atomically writes the fresh index. Unreadable room files are skipped
// with a log line rather than failing startup.
func (d *Dir) RebuildIndex() (Index, error) {
	ids, err := d.scanRoomIDs()
	if err != nil {
		return nil, err
	}
	idx := make(Index, len(ids))
	for _, id := range ids {
		r, err := d.LoadRoom(id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"event":  "index_rebuild_skip",
				"roomId": id,
			}).WithError(err).Warn("skipping unreadable room file")
			continue
		}
		idx[r.ID] = EntryFor(r)
	}
	if err := d.SaveIndex(idx); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"event": "index_rebuilt",
		"rooms": len(idx),
	}).Info("rooms index rebuilt from disk")
	return idx, nil
}

// LoadQuarantine reads the persisted quarantine set. Absent file means an
// empty set.
func (d *Dir) LoadQuarantine() (map[string]bool, error) {
	data, err := os.ReadFile(filepath.Join(d.root, quarantineFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("persist: quarantine: %w", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// SaveQuarantine atomically persists the quarantine set as a sorted array.
func (d *Dir) SaveQuarantine(set map[string]bool) error {
	ids := make([]string, 0, len(set))
	for id, on := range set {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return d.atomicWrite(filepath.Join(d.root, quarantineFile), data)
}

// backupManifest lists the rooms included in one backup directory.
type backupManifest struct {
	CreatedAt int64    `json:"createdAt"`
	Rooms     []string `json:"rooms"`
}

// RunBackup snapshots the index and the dirty rooms into a fresh
// timestamped directory under backups/, then prunes the oldest
// directories beyond keep. Returns the backup directory name.
func (d *Dir) RunBackup(idx Index, dirty []string, now time.Time, keep int) (string, error) {
	stamp := now.UTC().Format("20060102T150405Z")
	dir := filepath.Join(d.backupsDir(), stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	idxData, err := json.Marshal(idx)
	if err != nil {
		return "", err
	}
	if err := d.atomicWrite(filepath.Join(dir, indexFileName), idxData); err != nil {
		return "", err
	}

	sorted := append([]string(nil), dirty...)
	sort.Strings(sorted)
	manifest, err := json.Marshal(backupManifest{CreatedAt: now.UnixMilli(), Rooms: sorted})
	if err != nil {
		return "", err
	}
	if err := d.atomicWrite(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return "", err
	}

	for _, id := range sorted {
		data, err := os.ReadFile(d.roomPath(id))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := d.atomicWrite(filepath.Join(dir, id+".json"), data); err != nil {
			return "", err
		}
	}

	if err := d.PruneBackups(keep); err != nil {
		logrus.WithField("event", "backup_prune_failed").WithError(err).Warn("backup pruning failed")
	}
	return stamp, nil
}

// ListBackups returns the backup directory names in ascending lexical
// order, which matches chronological order for the timestamp format.
func (d *Dir) ListBackups() []string {
	entries, err := os.ReadDir(d.backupsDir())
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// BackupCount returns the number of backup directories.
func (d *Dir) BackupCount() int { return len(d.ListBackups()) }

// PruneBackups removes the oldest backup directories beyond keep.
func (d *Dir) PruneBackups(keep int) error {
	names := d.ListBackups()
	if keep < 0 {
		keep = 0
	}
	for len(names) > keep {
		victim := names[0]
		names = names[1:]
		if err := os.RemoveAll(filepath.Join(d.backupsDir(), victim)); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"event":  "backup_pruned",
			"backup": victim,
		}).Info("pruned old backup")
	}
	return nil
}
