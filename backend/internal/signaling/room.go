package signaling

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Role is the part a user plays in a room.
type Role string

const (
	RoleSource Role = "source"
	RoleViewer Role = "viewer"
)

func (r Role) valid() bool {
	return r == RoleSource || r == RoleViewer
}

var roomIDPattern = regexp.MustCompile(`^[A-Z0-9_-]{1,64}$`)

// NormalizeRoomID trims and upper-cases a room id and checks it is a usable token.
func NormalizeRoomID(id string) (string, error) {
	norm := strings.ToUpper(strings.TrimSpace(id))
	if !roomIDPattern.MatchString(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	return norm, nil
}

// Endpoint is the transport handle used to deliver messages to one user.
type Endpoint interface {
	Deliver(msg *Message) bool
}

// User is a registered participant. RoomID is empty until the user joins.
type User struct {
	ID          string
	DisplayName string
	Role        Role
	RoomID      string

	endpoint Endpoint
}

// Member is a snapshot of a user inside a room.
type Member struct {
	ID          string
	DisplayName string
	Role        Role
	// Number is the 1-based viewer number; zero for the source.
	Number int

	endpoint Endpoint
}

// RoomView is a consistent snapshot of a room taken under its lock.
type RoomView struct {
	ID         string
	Source     *Member
	Viewers    []Member
	MaxViewers int
}

// Viewer finds a viewer in the snapshot by user id.
func (v RoomView) Viewer(id string) (Member, bool) {
	for _, m := range v.Viewers {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Members returns the source (if any) followed by every viewer.
func (v RoomView) Members() []Member {
	out := make([]Member, 0, len(v.Viewers)+1)
	if v.Source != nil {
		out = append(out, *v.Source)
	}
	return append(out, v.Viewers...)
}

// ViewerList returns the viewers in wire form.
func (v RoomView) ViewerList() []ViewerInfo {
	out := make([]ViewerInfo, 0, len(v.Viewers))
	for _, m := range v.Viewers {
		out = append(out, ViewerInfo{ID: m.ID, Number: m.Number, DisplayName: m.DisplayName})
	}
	return out
}

// Room holds one source slot and up to maxViewers viewers.
type Room struct {
	mu sync.Mutex

	ID         string
	source     *Member
	viewers    []Member
	maxViewers int

	// deleted is set once the room has been removed from the registry so
	// that a caller racing the removal retries with a fresh room.
	deleted bool
}

func (r *Room) empty() bool {
	return r.source == nil && len(r.viewers) == 0
}

// nextViewerNumber returns one past the highest number still held.
func (r *Room) nextViewerNumber() int {
	highest := 0
	for _, v := range r.viewers {
		if v.Number > highest {
			highest = v.Number
		}
	}
	return highest + 1
}

func (r *Room) view() RoomView {
	v := RoomView{
		ID:         r.ID,
		MaxViewers: r.maxViewers,
		Viewers:    make([]Member, len(r.viewers)),
	}
	copy(v.Viewers, r.viewers)
	if r.source != nil {
		src := *r.source
		v.Source = &src
	}
	return v
}

// JoinResult describes a successful join.
type JoinResult struct {
	Member Member
	Room   RoomView
}

// LeaveResult describes a user leaving a room.
type LeaveResult struct {
	Member      Member
	Room        RoomView
	RoomDeleted bool
}

// Registry is the authoritative store of users and rooms. Operations on a
// single room are serialized by that room's lock; different rooms proceed
// independently.
type Registry struct {
	maxViewers int

	usersMu sync.RWMutex
	users   map[string]*User

	roomsMu sync.Mutex
	rooms   map[string]*Room
}

// NewRegistry creates an empty registry enforcing maxViewers per room.
func NewRegistry(maxViewers int) *Registry {
	return &Registry{
		maxViewers: maxViewers,
		users:      make(map[string]*User),
		rooms:      make(map[string]*Room),
	}
}

// MaxViewers returns the per-room viewer cap.
func (r *Registry) MaxViewers() int {
	return r.maxViewers
}

// Register creates a user with a fresh id. It does not join any room.
func (r *Registry) Register(displayName string, role Role, ep Endpoint) (User, error) {
	if !role.valid() {
		return User{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = string(role)
	}
	u := &User{
		ID:          uuid.NewString(),
		DisplayName: name,
		Role:        role,
		endpoint:    ep,
	}

	r.usersMu.Lock()
	r.users[u.ID] = u
	r.usersMu.Unlock()

	return *u, nil
}

// User looks up a registered user.
func (r *Registry) User(id string) (User, error) {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}
	return *u, nil
}

// Users lists every registered user ordered by display name.
func (r *Registry) Users() []UserSummary {
	r.usersMu.RLock()
	out := make([]UserSummary, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, UserSummary{DisplayName: u.DisplayName, Role: u.Role, RoomID: u.RoomID})
	}
	r.usersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// Endpoints returns the delivery handle of every registered user.
func (r *Registry) Endpoints() []Endpoint {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()

	out := make([]Endpoint, 0, len(r.users))
	for _, u := range r.users {
		if u.endpoint != nil {
			out = append(out, u.endpoint)
		}
	}
	return out
}

// JoinRoom places the user into roomID using the role it registered with,
// creating the room if needed.
func (r *Registry) JoinRoom(userID, roomID string) (JoinResult, error) {
	id, err := NormalizeRoomID(roomID)
	if err != nil {
		return JoinResult{}, err
	}

	for {
		room := r.roomFor(id, true)

		room.mu.Lock()
		if room.deleted {
			room.mu.Unlock()
			continue
		}
		res, err := r.joinLocked(room, userID)
		if err != nil && room.empty() {
			r.removeLocked(room)
		}
		room.mu.Unlock()
		return res, err
	}
}

func (r *Registry) joinLocked(room *Room, userID string) (JoinResult, error) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if u.RoomID != "" {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, u.RoomID)
	}

	m := Member{ID: u.ID, DisplayName: u.DisplayName, Role: u.Role, endpoint: u.endpoint}
	switch u.Role {
	case RoleSource:
		if room.source != nil {
			return JoinResult{}, ErrRoleAlreadyTaken
		}
		room.source = &m
	case RoleViewer:
		if len(room.viewers) >= room.maxViewers {
			return JoinResult{}, &RoomFullError{CurrentCount: len(room.viewers), MaxViewers: room.maxViewers}
		}
		m.Number = room.nextViewerNumber()
		room.viewers = append(room.viewers, m)
	default:
		return JoinResult{}, fmt.Errorf("%w: %q", ErrInvalidRole, u.Role)
	}
	u.RoomID = room.ID

	return JoinResult{Member: m, Room: room.view()}, nil
}

// Leave removes the user from its room. The registration is kept.
func (r *Registry) Leave(userID string) (LeaveResult, error) {
	return r.leave(userID, false)
}

// Unregister removes the user from its room, if any, and forgets it.
// The returned result is only meaningful when the user was in a room.
func (r *Registry) Unregister(userID string) (LeaveResult, bool, error) {
	res, err := r.leave(userID, true)
	switch {
	case err == nil:
		return res, true, nil
	case errors.Is(err, ErrNotInRoom):
		return LeaveResult{}, false, nil
	default:
		return LeaveResult{}, false, err
	}
}

func (r *Registry) leave(userID string, forget bool) (LeaveResult, error) {
	for {
		r.usersMu.RLock()
		u, ok := r.users[userID]
		roomID := ""
		if ok {
			roomID = u.RoomID
		}
		r.usersMu.RUnlock()

		if !ok {
			return LeaveResult{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
		}
		if roomID == "" {
			if forget {
				r.forget(userID)
			}
			return LeaveResult{}, ErrNotInRoom
		}

		room := r.roomFor(roomID, false)
		if room == nil {
			// The room vanished between reads; the user's RoomID is stale.
			r.clearRoom(userID, roomID)
			continue
		}

		room.mu.Lock()
		if room.deleted {
			room.mu.Unlock()
			continue
		}
		res, err := r.leaveLocked(room, userID, forget)
		room.mu.Unlock()
		if errors.Is(err, ErrNotInRoom) {
			continue
		}
		return res, err
	}
}

func (r *Registry) leaveLocked(room *Room, userID string, forget bool) (LeaveResult, error) {
	var (
		m     Member
		found bool
	)
	if room.source != nil && room.source.ID == userID {
		m, found = *room.source, true
		room.source = nil
	} else {
		for i, v := range room.viewers {
			if v.ID == userID {
				m, found = v, true
				room.viewers = append(room.viewers[:i], room.viewers[i+1:]...)
				break
			}
		}
	}

	r.usersMu.Lock()
	if u, ok := r.users[userID]; ok && u.RoomID == room.ID {
		u.RoomID = ""
	}
	if found && forget {
		delete(r.users, userID)
	}
	r.usersMu.Unlock()

	if !found {
		return LeaveResult{}, ErrNotInRoom
	}

	res := LeaveResult{Member: m, Room: room.view()}
	if room.empty() {
		r.removeLocked(room)
		res.RoomDeleted = true
	}
	return res, nil
}

// Room returns a snapshot of the room or ErrUnknownRoom.
func (r *Registry) Room(roomID string) (RoomView, error) {
	id, err := NormalizeRoomID(roomID)
	if err != nil {
		return RoomView{}, err
	}
	room := r.roomFor(id, false)
	if room == nil {
		return RoomView{}, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.deleted {
		return RoomView{}, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return room.view(), nil
}

// Stats reports the number of live rooms and registered users.
func (r *Registry) Stats() (rooms, users int) {
	r.roomsMu.Lock()
	rooms = len(r.rooms)
	r.roomsMu.Unlock()

	r.usersMu.RLock()
	users = len(r.users)
	r.usersMu.RUnlock()
	return rooms, users
}

// roomFor fetches the room, optionally creating it. roomsMu is never held
// while a room lock is acquired.
func (r *Registry) roomFor(id string, create bool) *Room {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	room, ok := r.rooms[id]
	if !ok && create {
		room = &Room{ID: id, maxViewers: r.maxViewers}
		r.rooms[id] = room
	}
	return room
}

// removeLocked deletes an empty room. The caller holds room.mu.
func (r *Registry) removeLocked(room *Room) {
	room.deleted = true

	r.roomsMu.Lock()
	if r.rooms[room.ID] == room {
		delete(r.rooms, room.ID)
	}
	r.roomsMu.Unlock()
}

func (r *Registry) clearRoom(userID, roomID string) {
	r.usersMu.Lock()
	if u, ok := r.users[userID]; ok && u.RoomID == roomID {
		u.RoomID = ""
	}
	r.usersMu.Unlock()
}

func (r *Registry) forget(userID string) {
	r.usersMu.Lock()
	delete(r.users, userID)
	r.usersMu.Unlock()
}
