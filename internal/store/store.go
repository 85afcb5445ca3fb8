// Package store owns the process-wide room state: the bounded in-memory
// cache with idle and size eviction, per-room serialization of mutations,
// the rooms index, the quarantine set, and the dirty set driving
// incremental backups. All disk access goes through internal/persist.
package store

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Nayuta-umeda/anim5s-server/internal/ident"
	"github.com/Nayuta-umeda/anim5s-server/internal/metrics"
	"github.com/Nayuta-umeda/anim5s-server/internal/persist"
	"github.com/Nayuta-umeda/anim5s-server/internal/room"
)

// Errors
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrNoJoinableRoom = errors.New("no joinable room")
	ErrStaleIndex     = errors.New("stale index entry")
	ErrMintExhausted  = errors.New("could not mint unique room id")
)

// Cadences for the background loops.
const (
	EvictInterval      = 15 * time.Second
	BackupTickInterval = 30 * time.Second
	mintAttempts       = 10
)

// Options tunes the store. Zero values take the documented defaults.
type Options struct {
	CacheMax       int
	CacheIdle      time.Duration
	ReservationTTL time.Duration
	BackupInterval time.Duration
	BackupKeep     int
	Metrics        *metrics.Metrics
}

type entry struct {
	room       *room.Room
	lastAccess time.Time
}

// roomLock serializes access to one room; refs counts holders and
// waiters so the entry outlives everyone using it.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Store is the process-wide singleton owning rooms and their lifecycle.
type Store struct {
	dir  *persist.Dir
	opts Options

	mu         sync.Mutex
	cache      map[string]*entry
	index      persist.Index
	quarantine map[string]bool
	dirty      map[string]bool
	locks      map[string]*roomLock
	lastBackup time.Time

	group singleflight.Group
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New loads the index (rebuilding it when missing or corrupt) and the
// quarantine set, and returns a ready store. Call Start to launch the
// background loops.
func New(dir *persist.Dir, opts Options) (*Store, error) {
	if opts.CacheMax <= 0 {
		opts.CacheMax = 80
	}
	if opts.CacheIdle <= 0 {
		opts.CacheIdle = 5 * time.Minute
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = 3 * time.Minute
	}
	if opts.BackupInterval <= 0 {
		opts.BackupInterval = 30 * time.Minute
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = 24
	}

	idx, err := dir.LoadIndex()
	if err != nil {
		return nil, fmt.Errorf("store: load index: %w", err)
	}
	quarantine, err := dir.LoadQuarantine()
	if err != nil {
		return nil, fmt.Errorf("store: load quarantine: %w", err)
	}

	return &Store{
		dir:        dir,
		opts:       opts,
		cache:      make(map[string]*entry),
		index:      idx,
		quarantine: quarantine,
		dirty:      make(map[string]bool),
		locks:      make(map[string]*roomLock),
		lastBackup: time.Now(),
		stop:       make(chan struct{}),
	}, nil
}

// ReservationTTL returns the configured reservation lifetime.
func (s *Store) ReservationTTL() time.Duration { return s.opts.ReservationTTL }

// Dir returns the underlying data directory handle.
func (s *Store) Dir() *persist.Dir { return s.dir }

// Start launches the eviction and backup loops.
func (s *Store) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(EvictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.EvictOnce(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(BackupTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.BackupIfDue(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the background loops.
func (s *Store) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// lockRoom acquires the per-room mutex and returns its release func.
// Entries are reference counted and removed only when the last holder
// releases, so a mutex in use is never replaced by a fresh one and two
// writers can never run the mutate-save sequence concurrently.
func (s *Store) lockRoom(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &roomLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// ensure resolves id into the cache, coalescing concurrent disk loads of
// the same room through singleflight. It runs before the per-room lock
// is taken so a cold read never holds the lock across disk I/O.
func (s *Store) ensure(id string) error {
	s.mu.Lock()
	if s.quarantine[id] {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if e, ok := s.cache[id]; ok {
		e.lastAccess = time.Now()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(id, func() (any, error) {
		r, err := s.dir.LoadRoom(id)
		if errors.Is(err, persist.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		if err != nil {
			s.recordInternal("LOAD", err)
			return nil, err
		}
		r.Sweep(time.Now().UnixMilli())
		r.NormalizePhase()
		return r, nil
	})
	if err != nil {
		return err
	}
	r := v.(*room.Room)

	s.mu.Lock()
	if _, ok := s.cache[id]; !ok {
		s.cache[id] = &entry{room: r, lastAccess: time.Now()}
	}
	s.mu.Unlock()
	return nil
}

// acquire returns the cached room with its per-room lock held. When the
// entry is evicted or quarantined between the load and the lock, the
// resolution is retried.
func (s *Store) acquire(id string) (*room.Room, func(), error) {
	for {
		if err := s.ensure(id); err != nil {
			return nil, nil, err
		}
		unlock := s.lockRoom(id)

		s.mu.Lock()
		if e, ok := s.cache[id]; ok && !s.quarantine[id] {
			e.lastAccess = time.Now()
			r := e.room
			s.mu.Unlock()
			return r, unlock, nil
		}
		s.mu.Unlock()
		unlock()
	}
}

// View runs fn with the room under its per-room lock without persisting
// afterwards. fn must not mutate durable state.
func (s *Store) View(id string, fn func(*room.Room) error) error {
	r, unlock, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()

	r.Sweep(time.Now().UnixMilli())
	r.NormalizePhase()
	return fn(r)
}

// Mutate runs fn with the room under its per-room lock and, when fn
// succeeds, persists the room and refreshes its index entry before the
// lock is released. When fn fails nothing is written.
func (s *Store) Mutate(id string, fn func(*room.Room) error) error {
	return s.MutateThen(id, fn, nil)
}

// MutateThen is Mutate with a publish hook that runs after the room is
// durably saved but before the per-room lock is released, so per-room
// event ordering matches commit ordering. The hook must not block (it
// may push to channels, not perform network sends).
func (s *Store) MutateThen(id string, fn func(*room.Room) error, publish func()) error {
	r, unlock, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer unlock()

	r.Sweep(time.Now().UnixMilli())
	r.NormalizePhase()
	if err := fn(r); err != nil {
		return err
	}
	if err := s.save(r); err != nil {
		return err
	}
	if publish != nil {
		publish()
	}
	return nil
}

// Create mints a fresh room ID (retrying on collision), builds the room,
// applies init, and persists it before the room becomes observable.
// Returns the room's state snapshot taken inside the critical section.
func (s *Store) Create(theme string, now int64, init func(*room.Room) error) (room.State, error) {
	var id string
	for i := 0; i < mintAttempts; i++ {
		candidate := ident.NewRoomID()
		s.mu.Lock()
		_, inCache := s.cache[candidate]
		_, inIndex := s.index[candidate]
		s.mu.Unlock()
		if inCache || inIndex || s.dir.RoomExists(candidate) {
			continue
		}
		id = candidate
		break
	}
	if id == "" {
		return room.State{}, ErrMintExhausted
	}

	unlock := s.lockRoom(id)
	defer unlock()

	r := room.New(id, theme, now)
	if init != nil {
		if err := init(r); err != nil {
			return room.State{}, err
		}
	}
	if err := s.save(r); err != nil {
		return room.State{}, err
	}
	return r.State(), nil
}

// save persists the room, refreshes its index entry, and marks it dirty
// for the next backup. On success the cache entry is replaced with the
// saved object, displacing any copy a concurrent cold load inserted
// while the caller held the room lock. On write failure the cached copy
// is dropped so the next access reloads the durable state.
func (s *Store) save(r *room.Room) error {
	if err := s.dir.SaveRoom(r); err != nil {
		s.recordInternal("SAVE", err)
		s.mu.Lock()
		delete(s.cache, r.ID)
		s.mu.Unlock()
		return fmt.Errorf("store: save room %s: %w", r.ID, err)
	}

	s.mu.Lock()
	s.index[r.ID] = persist.EntryFor(r)
	s.dirty[r.ID] = true
	s.cache[r.ID] = &entry{room: r, lastAccess: time.Now()}
	idx := s.copyIndexLocked()
	s.mu.Unlock()

	if err := s.dir.SaveIndex(idx); err != nil {
		s.recordInternal("INDEX", err)
	}
	return nil
}

func (s *Store) copyIndexLocked() persist.Index {
	idx := make(persist.Index, len(s.index))
	for k, v := range s.index {
		idx[k] = v
	}
	return idx
}

// RandomJoinable picks uniformly at random among index entries that are
// not quarantined, not completed, and not full.
func (s *Store) RandomJoinable() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]string, 0, len(s.index))
	for id, e := range s.index {
		if s.quarantine[id] || e.Completed || e.FilledCount >= room.FrameCount {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return "", ErrNoJoinableRoom
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// DropIndexEntry removes a stale index entry whose room file no longer
// exists, and persists the trimmed index.
func (s *Store) DropIndexEntry(id string) {
	s.mu.Lock()
	delete(s.index, id)
	idx := s.copyIndexLocked()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"event": "index_stale_drop", "roomId": id}).Warn("dropped stale index entry")
	if err := s.dir.SaveIndex(idx); err != nil {
		s.recordInternal("INDEX", err)
	}
}

// Quarantined reports whether the room is hidden by the quarantine set.
func (s *Store) Quarantined(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantine[id]
}

// SetQuarantine updates and persists the quarantine set, returning the
// resulting state for the room.
func (s *Store) SetQuarantine(id string, on bool) (bool, error) {
	s.mu.Lock()
	if on {
		s.quarantine[id] = true
	} else {
		delete(s.quarantine, id)
	}
	set := make(map[string]bool, len(s.quarantine))
	for k, v := range s.quarantine {
		set[k] = v
	}
	s.mu.Unlock()

	if err := s.dir.SaveQuarantine(set); err != nil {
		s.recordInternal("QUARANTINE", err)
		return on, err
	}
	logrus.WithFields(logrus.Fields{
		"event":       "quarantine_set",
		"roomId":      id,
		"quarantined": on,
	}).Info("quarantine updated")
	return on, nil
}

// EvictOnce runs one eviction pass: drop idle entries, then trim by
// ascending lastAccess until within the size bound. Saves are
// synchronous, so dropping an entry never loses state. Room internals
// are never touched here; they belong to whoever holds the room lock,
// and reservations are swept on every access instead.
func (s *Store) EvictOnce(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.cache {
		if now.Sub(e.lastAccess) > s.opts.CacheIdle {
			delete(s.cache, id)
		}
	}

	if len(s.cache) <= s.opts.CacheMax {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	byAge := make([]aged, 0, len(s.cache))
	for id, e := range s.cache {
		byAge = append(byAge, aged{id, e.lastAccess})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].at.Before(byAge[j].at) })
	for _, a := range byAge {
		if len(s.cache) <= s.opts.CacheMax {
			break
		}
		delete(s.cache, a.id)
	}
}

// BackupIfDue runs an incremental backup when the configured interval has
// elapsed and the dirty set is non-empty. Returns whether a backup ran.
func (s *Store) BackupIfDue(now time.Time) bool {
	s.mu.Lock()
	if now.Sub(s.lastBackup) < s.opts.BackupInterval || len(s.dirty) == 0 {
		s.mu.Unlock()
		return false
	}
	dirty := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		dirty = append(dirty, id)
	}
	s.dirty = make(map[string]bool)
	s.lastBackup = now
	idx := s.copyIndexLocked()
	s.mu.Unlock()

	stamp, err := s.dir.RunBackup(idx, dirty, now, s.opts.BackupKeep)
	if err != nil {
		s.recordInternal("BACKUP", err)
		// Keep the rooms dirty so the next cycle retries them.
		s.mu.Lock()
		for _, id := range dirty {
			s.dirty[id] = true
		}
		s.mu.Unlock()
		return false
	}
	logrus.WithFields(logrus.Fields{
		"event":  "backup_done",
		"backup": stamp,
		"rooms":  len(dirty),
	}).Info("incremental backup written")
	return true
}

// Stats for health reporting.

func (s *Store) CachedRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Store) IndexCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

func (s *Store) QuarantineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quarantine)
}

func (s *Store) recordInternal(code string, err error) {
	logrus.WithFields(logrus.Fields{"event": "internal_error", "code": code}).WithError(err).Error("persistence failure")
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordError(code, err.Error())
	}
}
