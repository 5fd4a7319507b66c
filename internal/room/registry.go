package room

import (
	"log"
	"sync"
	"time"
)

// DefaultGracePeriod is how long an empty room survives before its state is
// freed. It debounces page reloads and flaky reconnects.
const DefaultGracePeriod = 30 * time.Second

// Registry owns every live room. It is created once and passed explicitly
// to every connection handler; all access to the room table is serialized
// by its mutex.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	grace time.Duration
}

func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		rooms: make(map[string]*Room),
		grace: grace,
	}
}

// GetOrCreate returns the room for id, creating it lazily on first contact.
func (reg *Registry) GetOrCreate(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	if !ok {
		r = newRoom(id)
		reg.rooms[id] = r
		log.Printf("Room %s created", id)
	}
	return r
}

// Acquire returns the room for id with c already attached. The lookup and
// the attach are not one critical section, so the grace-timer collector can
// retire the room in between; a retired room rejects the attach and the
// lookup is retried, landing on a fresh room under the same id.
func (reg *Registry) Acquire(id string, c Conn) *Room {
	for {
		r := reg.GetOrCreate(id)
		if r.Attach(c) {
			return r
		}
	}
}

// Get returns the room for id if it is live.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Len reports the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// RoomIDs lists the ids of all live rooms.
func (reg *Registry) RoomIDs() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Release starts the grace timer for a room that just became empty. The
// timer is never cancelled: at fire time the room re-checks, under its own
// lock, that it is still empty and has drained for the full grace window,
// so a reconnection during the window keeps the room alive implicitly.
func (reg *Registry) Release(r *Room) {
	time.AfterFunc(reg.grace, func() {
		reg.collect(r)
	})
}

func (reg *Registry) collect(r *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rooms[r.ID] != r {
		return
	}
	if !r.retire(reg.grace) {
		return
	}
	delete(reg.rooms, r.ID)
	log.Printf("Room %s destroyed (empty for %v)", r.ID, reg.grace)
}
