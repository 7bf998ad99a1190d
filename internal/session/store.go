// Package session keeps the in-memory per-chat configuration.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/aethra/internal/tables"
)

// ErrNotFound is returned for chats that never sent the init command.
var ErrNotFound = errors.New("session not found")

// State tags where a chat is in the configuration dialogue.
type State int

const (
	Configured State = iota
	AwaitingGender
	AwaitingValue
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case AwaitingGender:
		return "awaiting_gender"
	case AwaitingValue:
		return "awaiting_value"
	}
	return "unknown"
}

// Session is one chat's configuration. Values handed out by the Store are
// snapshots; mutate through Store.Update.
type Session struct {
	ID       int64
	Language string
	Gender   tables.Gender
	Voice    string
	Rate     string
	Pitch    string
	Volume   string

	State    State
	Awaiting tables.Kind

	// Pending maps request ids to transient output paths of in-flight
	// synthesis requests.
	Pending map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Session) clone() Session {
	if s.Pending != nil {
		pending := make(map[string]string, len(s.Pending))
		for k, v := range s.Pending {
			pending[k] = v
		}
		s.Pending = pending
	}
	return s
}

// Preset returns the current value of a preset kind.
func (s Session) Preset(kind tables.Kind) string {
	switch kind {
	case tables.KindRate:
		return s.Rate
	case tables.KindPitch:
		return s.Pitch
	case tables.KindVolume:
		return s.Volume
	}
	return ""
}

// SetPreset assigns the value of a preset kind.
func (s *Session) SetPreset(kind tables.Kind, value string) {
	switch kind {
	case tables.KindRate:
		s.Rate = value
	case tables.KindPitch:
		s.Pitch = value
	case tables.KindVolume:
		s.Volume = value
	}
}

type entry struct {
	mu      sync.Mutex
	session Session
}

// Store maps chat ids to sessions. The index lock is held only for map
// access; each chat's session has its own mutex so chats never serialise
// against each other.
type Store struct {
	catalog *tables.Catalog
	mu      sync.RWMutex
	entries map[int64]*entry
	clock   func() time.Time
}

func NewStore(catalog *tables.Catalog) *Store {
	return &Store{
		catalog: catalog,
		entries: make(map[int64]*entry),
		clock:   time.Now,
	}
}

// Defaults returns a fresh session for id without storing it.
func (st *Store) Defaults(id int64) Session {
	now := st.clock().UTC()
	return Session{
		ID:        id,
		Language:  st.catalog.DefaultLanguage,
		Gender:    st.catalog.DefaultGender,
		Voice:     st.catalog.DefaultVoice(),
		Rate:      st.catalog.Rates.Default(),
		Pitch:     st.catalog.Pitches.Default(),
		Volume:    st.catalog.Volumes.Default(),
		State:     Configured,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (st *Store) lookup(id int64) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[id]
}

// Get returns a snapshot of the chat's session.
func (st *Store) Get(id int64) (Session, error) {
	e := st.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone(), nil
}

// CreateOrReset installs default settings for id. Pending output paths of
// in-flight requests survive a reset so their cleanup bookkeeping holds.
func (st *Store) CreateOrReset(id int64) Session {
	fresh := st.Defaults(id)

	st.mu.Lock()
	e, ok := st.entries[id]
	if !ok {
		e = &entry{session: fresh}
		st.entries[id] = e
		st.mu.Unlock()
		return fresh.clone()
	}
	st.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	fresh.CreatedAt = e.session.CreatedAt
	fresh.Pending = e.session.Pending
	e.session = fresh
	return e.session.clone()
}

// Update applies fn to a working copy of the session and commits it when fn
// returns nil. Updates to the same id run one at a time.
func (st *Store) Update(id int64, fn func(*Session) error) (Session, error) {
	e := st.lookup(id)
	if e == nil {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.session.clone()
	if err := fn(&work); err != nil {
		return e.session.clone(), err
	}
	work.UpdatedAt = st.clock().UTC()
	e.session = work
	return e.session.clone(), nil
}

// Len reports the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}
