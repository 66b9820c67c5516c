// Package memory holds the in-memory session registry: the authoritative map
// of live participants and their lazily learned datagram endpoints.
package memory

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
)

var (
	ErrRosterFull   = errors.New("roster is full")
	ErrNotFound     = errors.New("participant is not found")
	ErrRebindDenied = errors.New("endpoint rebind denied")
)

type binding struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

type entry struct {
	participant model.Participant
	endpoints   map[model.Plane]*binding
}

// Endpoint pairs a participant id with its bound datagram address on a plane.
type Endpoint struct {
	ID   uint32
	Addr *net.UDPAddr
}

// Store is the session registry. All operations serialize under one mutex;
// reverse lookup by datagram source address is O(1) after the first learn.
type Store struct {
	mx           *sync.Mutex
	participants map[uint32]*entry
	byAddr       map[model.Plane]map[string]uint32
	maxUsers     int
	grace        time.Duration
}

func NewStore(maxUsers int, grace time.Duration) *Store {
	return &Store{
		mx:           &sync.Mutex{},
		participants: make(map[uint32]*entry),
		byAddr: map[model.Plane]map[string]uint32{
			model.PlaneVideo:  make(map[string]uint32),
			model.PlaneAudio:  make(map[string]uint32),
			model.PlaneScreen: make(map[string]uint32),
		},
		maxUsers: maxUsers,
		grace:    grace,
	}
}

// Add inserts a participant. Capacity overflow yields ErrRosterFull and
// leaves the roster untouched.
func (s *Store) Add(p model.Participant) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.participants) >= s.maxUsers {
		return ErrRosterFull
	}
	s.participants[p.ID] = &entry{
		participant: p,
		endpoints:   make(map[model.Plane]*binding),
	}
	return nil
}

// Remove deletes a participant and all its endpoint bindings.
func (s *Store) Remove(id uint32) (model.Participant, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.participants[id]
	if !ok {
		return model.Participant{}, false
	}
	for plane, b := range e.endpoints {
		delete(s.byAddr[plane], b.addr.String())
	}
	delete(s.participants, id)
	return e.participant, true
}

func (s *Store) Get(id uint32) (model.Participant, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.participants[id]
	if !ok {
		return model.Participant{}, false
	}
	return e.participant, true
}

func (s *Store) Len() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.participants)
}

// Snapshot returns the roster ordered by id.
func (s *Store) Snapshot() []model.RosterEntry {
	s.mx.Lock()
	defer s.mx.Unlock()
	entries := make([]model.RosterEntry, 0, len(s.participants))
	for _, e := range s.participants {
		entries = append(entries, model.RosterEntry{
			ID:       e.participant.ID,
			Username: e.participant.Username,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// BindDatagram learns addr as id's endpoint on a plane. The first packet from
// a live id binds; a different source address for an already-bound id rebinds
// only if the previous endpoint has been silent for the grace interval.
func (s *Store) BindDatagram(plane model.Plane, id uint32, addr *net.UDPAddr, now time.Time) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.participants[id]
	if !ok {
		return ErrNotFound
	}
	b, bound := e.endpoints[plane]
	if bound {
		if b.addr.String() == addr.String() {
			b.lastSeen = now
			return nil
		}
		if now.Sub(b.lastSeen) < s.grace {
			return ErrRebindDenied
		}
		delete(s.byAddr[plane], b.addr.String())
	}
	e.endpoints[plane] = &binding{addr: addr, lastSeen: now}
	s.byAddr[plane][addr.String()] = id
	return nil
}

// ResolveDatagram maps a source address back to a bound id and refreshes the
// binding's liveness.
func (s *Store) ResolveDatagram(plane model.Plane, addr *net.UDPAddr, now time.Time) (uint32, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	id, ok := s.byAddr[plane][addr.String()]
	if !ok {
		return 0, false
	}
	if b, bound := s.participants[id].endpoints[plane]; bound {
		b.lastSeen = now
	}
	return id, true
}

// Endpoint returns id's bound address on a plane, if learned.
func (s *Store) Endpoint(plane model.Plane, id uint32) (*net.UDPAddr, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.participants[id]
	if !ok {
		return nil, false
	}
	b, bound := e.endpoints[plane]
	if !bound {
		return nil, false
	}
	return b.addr, true
}

// Endpoints returns every bound address on a plane except the given id's,
// for fan-out iteration over a snapshot instead of under callers' locks.
func (s *Store) Endpoints(plane model.Plane, except uint32) []Endpoint {
	s.mx.Lock()
	defer s.mx.Unlock()
	eps := make([]Endpoint, 0, len(s.participants))
	for id, e := range s.participants {
		if id == except {
			continue
		}
		if b, bound := e.endpoints[plane]; bound {
			eps = append(eps, Endpoint{ID: id, Addr: b.addr})
		}
	}
	return eps
}

// AllEndpoints returns every bound address on a plane including the owner's.
func (s *Store) AllEndpoints(plane model.Plane) []Endpoint {
	s.mx.Lock()
	defer s.mx.Unlock()
	eps := make([]Endpoint, 0, len(s.participants))
	for id, e := range s.participants {
		if b, bound := e.endpoints[plane]; bound {
			eps = append(eps, Endpoint{ID: id, Addr: b.addr})
		}
	}
	return eps
}
