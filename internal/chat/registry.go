package chat

import (
	"sort"
	"sync"
	"time"
)

// Member is one user currently present in a room.
type Member struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"join_time"`
}

// Snapshot is the room_info payload.
type Snapshot struct {
	Room    string   `json:"room"`
	Count   int      `json:"count"`
	Members []string `json:"members"`
	Detail  []Member `json:"members_detail"`
}

// Registry tracks who is in which room. A room with no members is dropped.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]time.Time
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

// Join adds user to room. Rejoining keeps the original join time.
func (r *Registry) Join(room, user string) (Snapshot, error) {
	if !validKey(room) || !validKey(user) {
		return Snapshot{}, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]time.Time)
		r.rooms[room] = members
	}
	if _, ok := members[user]; !ok {
		members[user] = r.now()
	}
	return r.snapshotLocked(room), nil
}

// Leave removes user from room. It reports whether the user was present and
// returns the snapshot after removal.
func (r *Registry) Leave(room, user string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return Snapshot{Room: room, Members: []string{}, Detail: []Member{}}, false
	}
	if _, ok := members[user]; !ok {
		return r.snapshotLocked(room), false
	}
	delete(members, user)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return r.snapshotLocked(room), true
}

func (r *Registry) Snapshot(room string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(room)
}

// Occupied reports whether room has at least one member.
func (r *Registry) Occupied(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room]) > 0
}

// Online counts members across every room.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.rooms {
		n += len(m)
	}
	return n
}

// Evict drops every member of room and returns who was there.
func (r *Registry) Evict(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshotLocked(room)
	delete(r.rooms, room)
	return snap.Members
}

func (r *Registry) snapshotLocked(room string) Snapshot {
	members := r.rooms[room]
	detail := make([]Member, 0, len(members))
	for name, at := range members {
		detail = append(detail, Member{Username: name, JoinedAt: at})
	}
	sort.Slice(detail, func(i, j int) bool {
		if !detail[i].JoinedAt.Equal(detail[j].JoinedAt) {
			return detail[i].JoinedAt.Before(detail[j].JoinedAt)
		}
		return detail[i].Username < detail[j].Username
	})
	names := make([]string, len(detail))
	for i, m := range detail {
		names[i] = m.Username
	}
	return Snapshot{Room: room, Count: len(detail), Members: names, Detail: detail}
}
