// Package store keeps the locally persisted set of events a user believes
// they are enrolled in. It is the fallback when the remote enrollment list
// is unavailable and is never trusted over fresh remote data.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// EntryName is the name of the single persisted entry, suffixed per user.
const EntryName = "enrolledEvents"

var ErrNoEntry = errors.New("store: no entry")

// Backend persists one opaque value per key. Get returns ErrNoEntry when the key is absent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Set is a read-only snapshot of the cached membership.
type Set map[int64]struct{}

func (s Set) IsMember(eventID int64) bool {
	_, ok := s[eventID]
	return ok
}

func (s Set) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var keyLocks sync.Map

func lockFor(key string) *sync.Mutex {
	mu, _ := keyLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func KeyFor(userID int64) string {
	return fmt.Sprintf("%s:%d", EntryName, userID)
}

// Store is the cache of one user. Every read and write goes through it.
type Store struct {
	backend Backend
	userID  int64
	key     string
	mu      *sync.Mutex
	log     *zerolog.Logger
}

func New(backend Backend, userID int64, log *zerolog.Logger) *Store {
	key := KeyFor(userID)
	return &Store{
		backend: backend,
		userID:  userID,
		key:     key,
		mu:      lockFor(key),
		log:     log,
	}
}

func (s *Store) UserID() int64 {
	return s.userID
}

func (s *Store) IsMember(ctx context.Context, eventID int64) bool {
	for _, id := range s.load(ctx) {
		if id == eventID {
			return true
		}
	}
	return false
}

func (s *Store) Snapshot(ctx context.Context) Set {
	ids := s.load(ctx)
	set := make(Set, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s *Store) Add(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.load(ctx)
	for _, id := range ids {
		if id == eventID {
			return nil
		}
	}
	return s.save(ctx, append(ids, eventID))
}

func (s *Store) Remove(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.load(ctx)
	kept := ids[:0]
	for _, id := range ids {
		if id != eventID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	return s.save(ctx, kept)
}

// load never fails: absent, unreadable or malformed content is an empty set.
func (s *Store) load(ctx context.Context) []int64 {
	raw, err := s.backend.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNoEntry) {
			s.log.Warn().Err(err).Str("key", s.key).Msg("local enrollment cache unreadable, using empty set")
		}
		return nil
	}
	var ids []int64
	if err := sonic.Unmarshal(raw, &ids); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("local enrollment cache malformed, using empty set")
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Store) save(ctx context.Context, ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	raw, err := sonic.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode local enrollment cache: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("write local enrollment cache %s: %w", s.key, err)
	}
	return nil
}
