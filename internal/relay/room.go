package relay

import (
	"sync"

	apperrors "duocall/pkg/errors"
)

// Member is one connection's view as seen by the room registry.
type Member interface {
	ID() string
	Send(env Envelope) error
}

// Room holds at most two members, ordered by join time.
type Room struct {
	id      string
	members []Member
}

// Registry tracks room membership. All mutations for a given room run
// under one mutex, so join order (and therefore role assignment) is
// decided by a single sequencer even when joins race.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Join adds m to roomID, creating the room if absent. It returns the
// assigned role (initiator=true for the second joiner) and the member
// already present, if any. A third join is rejected with ROOM_FULL and
// the member set is left untouched.
func (r *Registry) Join(roomID string, m Member) (initiator bool, peer Member, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{id: roomID}
		r.rooms[roomID] = room
	}

	switch len(room.members) {
	case 0:
		room.members = append(room.members, m)
		return false, nil, nil
	case 1:
		peer = room.members[0]
		room.members = append(room.members, m)
		return true, peer, nil
	default:
		return false, nil, apperrors.NewRoomFullError(roomID)
	}
}

// Others returns every member of roomID except selfID.
func (r *Registry) Others(roomID, selfID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	others := make([]Member, 0, len(room.members))
	for _, m := range room.members {
		if m.ID() != selfID {
			others = append(others, m)
		}
	}
	return others
}

// Leave removes the member from every room it belongs to. It returns,
// per room, the members that remain and should be notified. Empty
// rooms are deleted.
func (r *Registry) Leave(memberID string) map[string][]Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := make(map[string][]Member)
	for roomID, room := range r.rooms {
		kept := room.members[:0]
		found := false
		for _, m := range room.members {
			if m.ID() == memberID {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		if !found {
			continue
		}
		room.members = kept
		if len(kept) == 0 {
			delete(r.rooms, roomID)
		} else {
			remaining[roomID] = append([]Member(nil), kept...)
		}
	}
	return remaining
}

// Size reports the current member count of roomID.
func (r *Registry) Size(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return len(room.members)
	}
	return 0
}

// RoomCount reports the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
