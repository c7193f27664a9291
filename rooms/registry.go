// Package rooms keeps the live member set of every room and fans broadcasts
// out to it.
package rooms

import (
	"chatroom-server/core"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Member is a live subscriber of a room. Deliver must not block; it reports
// false when the payload could not be queued.
type Member interface {
	Deliver(payload []byte) bool
}

// Delivery is the outcome of one broadcast. Dropped members have already been
// removed from the room.
type Delivery struct {
	Sent    int
	Dropped []Member
}

type room struct {
	mu       sync.Mutex
	members  map[Member]struct{}
	capacity int
	closed   bool
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// acquire returns the room locked, creating it when needed.
func (reg *Registry) acquire(roomID string, capacity int) *room {
	for {
		reg.mu.Lock()
		r, ok := reg.rooms[roomID]
		if !ok {
			r = &room{members: make(map[Member]struct{}), capacity: capacity}
			reg.rooms[roomID] = r
		}
		reg.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r
		}
		// lost a race with the last Leave; the room is gone from the map
		r.mu.Unlock()
	}
}

func (reg *Registry) lookup(roomID string) *room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

// dropIfEmpty must be called with r.mu held.
func (reg *Registry) dropIfEmpty(roomID string, r *room) {
	if len(r.members) > 0 {
		return
	}
	r.closed = true
	reg.mu.Lock()
	if reg.rooms[roomID] == r {
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()
}

// Join adds m to the room. Joining twice is a no-op. A capacity of zero means
// unbounded; otherwise Join fails with core.ErrRoomFull once the room holds
// capacity members.
func (reg *Registry) Join(roomID string, capacity int, m Member) error {
	r := reg.acquire(roomID, capacity)
	defer r.mu.Unlock()

	if _, ok := r.members[m]; ok {
		return nil
	}
	if r.capacity > 0 && len(r.members) >= r.capacity {
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"members": len(r.members),
		}).Warn("Room is full")
		return core.ErrRoomFull
	}
	r.members[m] = struct{}{}
	return nil
}

// Leave removes m from the room and reports whether it was a member.
func (reg *Registry) Leave(roomID string, m Member) bool {
	r := reg.lookup(roomID)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m]; !ok {
		return false
	}
	delete(r.members, m)
	reg.dropIfEmpty(roomID, r)
	return true
}

// Broadcast hands payload to every member under the room lock, so all members
// observe broadcasts to one room in the same order. Members that refuse the
// payload are removed and returned in Delivery.Dropped.
func (reg *Registry) Broadcast(roomID string, payload []byte) Delivery {
	var d Delivery

	r := reg.lookup(roomID)
	if r == nil {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for m := range r.members {
		if m.Deliver(payload) {
			d.Sent++
			continue
		}
		delete(r.members, m)
		d.Dropped = append(d.Dropped, m)
	}
	if len(d.Dropped) > 0 {
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"dropped": len(d.Dropped),
		}).Warn("Dropped members that could not keep up")
		reg.dropIfEmpty(roomID, r)
	}
	return d
}

func (reg *Registry) Count(roomID string) int {
	r := reg.lookup(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Snapshot returns the live member count of every non-empty room.
func (reg *Registry) Snapshot() map[string]int {
	reg.mu.RLock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	reg.mu.RUnlock()

	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		if n := reg.Count(id); n > 0 {
			counts[id] = n
		}
	}
	return counts
}

// Members returns every live member across all rooms, ordered by room id.
func (reg *Registry) Members() []Member {
	reg.mu.RLock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	reg.mu.RUnlock()
	sort.Strings(ids)

	var out []Member
	for _, id := range ids {
		r := reg.lookup(id)
		if r == nil {
			continue
		}
		r.mu.Lock()
		for m := range r.members {
			out = append(out, m)
		}
		r.mu.Unlock()
	}
	return out
}
