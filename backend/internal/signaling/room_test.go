package signaling

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func mustRegister(t *testing.T, r *Registry, name string, role Role) User {
	t.Helper()
	u, err := r.Register(name, role, nil)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u
}

func TestRegistryJoinScenario(t *testing.T) {
	r := NewRegistry(10)

	alice := mustRegister(t, r, "Alice", RoleSource)
	if _, err := r.JoinRoom(alice.ID, "AB12"); err != nil {
		t.Fatalf("source join: %v", err)
	}

	bob := mustRegister(t, r, "Bob", RoleViewer)
	res, err := r.JoinRoom(bob.ID, "AB12")
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if res.Member.Number != 1 || len(res.Room.Viewers) != 1 {
		t.Fatalf("bob: number=%d total=%d, want 1/1", res.Member.Number, len(res.Room.Viewers))
	}

	cara := mustRegister(t, r, "Cara", RoleViewer)
	res, err = r.JoinRoom(cara.ID, "ab12")
	if err != nil {
		t.Fatalf("cara join: %v", err)
	}
	if res.Member.Number != 2 || len(res.Room.Viewers) != 2 {
		t.Fatalf("cara: number=%d total=%d, want 2/2", res.Member.Number, len(res.Room.Viewers))
	}

	for i := 3; i <= 10; i++ {
		v := mustRegister(t, r, fmt.Sprintf("viewer-%d", i), RoleViewer)
		if _, err := r.JoinRoom(v.ID, "AB12"); err != nil {
			t.Fatalf("viewer %d join: %v", i, err)
		}
	}

	late := mustRegister(t, r, "Late", RoleViewer)
	_, err = r.JoinRoom(late.ID, "AB12")
	var full *RoomFullError
	if !errors.As(err, &full) {
		t.Fatalf("11th join err=%v, want RoomFullError", err)
	}
	if full.CurrentCount != 10 || full.MaxViewers != 10 {
		t.Fatalf("RoomFull(%d/%d), want 10/10", full.CurrentCount, full.MaxViewers)
	}
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("RoomFullError does not unwrap to ErrRoomFull")
	}
	if u, _ := r.User(late.ID); u.RoomID != "" {
		t.Fatalf("rejected viewer still bound to room %q", u.RoomID)
	}
}

func TestRegistrySecondSourceRejected(t *testing.T) {
	r := NewRegistry(10)
	a := mustRegister(t, r, "Alice", RoleSource)
	b := mustRegister(t, r, "Mallory", RoleSource)

	if _, err := r.JoinRoom(a.ID, "ROOM"); err != nil {
		t.Fatalf("first source: %v", err)
	}
	if _, err := r.JoinRoom(b.ID, "ROOM"); !errors.Is(err, ErrRoleAlreadyTaken) {
		t.Fatalf("second source err=%v, want ErrRoleAlreadyTaken", err)
	}

	view, err := r.Room("room")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if view.Source == nil || view.Source.ID != a.ID {
		t.Fatalf("source slot changed: %+v", view.Source)
	}
}

func TestRegistryRejectsDoubleJoin(t *testing.T) {
	r := NewRegistry(10)
	v := mustRegister(t, r, "Bob", RoleViewer)
	if _, err := r.JoinRoom(v.ID, "ONE"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.JoinRoom(v.ID, "TWO"); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("err=%v, want ErrAlreadyInRoom", err)
	}
	if _, err := r.Room("TWO"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("failed join left room TWO behind: %v", err)
	}
}

func TestRegistryInvalidInput(t *testing.T) {
	r := NewRegistry(10)
	if _, err := r.Register("x", Role("admin"), nil); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err=%v, want ErrInvalidRole", err)
	}
	v := mustRegister(t, r, "Bob", RoleViewer)
	for _, id := range []string{"", "   ", "has space", "bad/slash"} {
		if _, err := r.JoinRoom(v.ID, id); !errors.Is(err, ErrInvalidRoomID) {
			t.Fatalf("JoinRoom(%q) err=%v, want ErrInvalidRoomID", id, err)
		}
	}
	if _, err := r.JoinRoom("nobody", "ROOM"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err=%v, want ErrUnknownUser", err)
	}
}

func TestRegistryConcurrentViewerNumbersDistinct(t *testing.T) {
	const viewers = 10
	r := NewRegistry(viewers)

	ids := make([]string, viewers)
	for i := range ids {
		ids[i] = mustRegister(t, r, fmt.Sprintf("v%d", i), RoleViewer).ID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[int]string)
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := r.JoinRoom(id, "RACE")
			if err != nil {
				t.Errorf("join %s: %v", id, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if other, dup := numbers[res.Member.Number]; dup {
				t.Errorf("viewer number %d given to %s and %s", res.Member.Number, other, id)
			}
			numbers[res.Member.Number] = id
		}(id)
	}
	wg.Wait()

	for n := 1; n <= viewers; n++ {
		if _, ok := numbers[n]; !ok {
			t.Fatalf("number %d never assigned: %v", n, numbers)
		}
	}

	view, err := r.Room("RACE")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	for i, v := range view.Viewers {
		if v.Number != i+1 {
			t.Fatalf("viewer at position %d has number %d; numbers must follow join order", i, v.Number)
		}
	}
}

func TestRegistryNumbersNotDuplicatedAfterLeave(t *testing.T) {
	r := NewRegistry(10)
	a := mustRegister(t, r, "A", RoleViewer)
	b := mustRegister(t, r, "B", RoleViewer)
	c := mustRegister(t, r, "C", RoleViewer)

	r.JoinRoom(a.ID, "ROOM")
	r.JoinRoom(b.ID, "ROOM")
	if _, err := r.Leave(a.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	res, err := r.JoinRoom(c.ID, "ROOM")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Member.Number == 2 {
		t.Fatalf("C got number 2 which B still holds")
	}
	if res.Member.Number != 3 {
		t.Fatalf("C number=%d, want 3", res.Member.Number)
	}
}

func TestRegistrySourceLeaveEmptiesSlot(t *testing.T) {
	r := NewRegistry(10)
	src := mustRegister(t, r, "Alice", RoleSource)
	v := mustRegister(t, r, "Bob", RoleViewer)
	r.JoinRoom(src.ID, "AB12")
	r.JoinRoom(v.ID, "AB12")

	res, inRoom, err := r.Unregister(src.ID)
	if err != nil || !inRoom {
		t.Fatalf("unregister: inRoom=%v err=%v", inRoom, err)
	}
	if res.Member.Role != RoleSource || res.RoomDeleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Room.Source != nil || len(res.Room.Viewers) != 1 {
		t.Fatalf("room after source left: %+v", res.Room)
	}
	if _, err := r.User(src.ID); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("source still registered: %v", err)
	}

	// A new source may now take the room.
	next := mustRegister(t, r, "Dana", RoleSource)
	if _, err := r.JoinRoom(next.ID, "AB12"); err != nil {
		t.Fatalf("replacement source: %v", err)
	}
}

func TestRegistryDeletesEmptyRoom(t *testing.T) {
	r := NewRegistry(10)
	src := mustRegister(t, r, "Alice", RoleSource)
	v := mustRegister(t, r, "Bob", RoleViewer)
	r.JoinRoom(src.ID, "AB12")
	r.JoinRoom(v.ID, "AB12")

	if res, _ := r.Leave(v.ID); res.RoomDeleted {
		t.Fatalf("room deleted while source present")
	}
	res, err := r.Leave(src.ID)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !res.RoomDeleted {
		t.Fatalf("room not deleted when empty")
	}
	if _, err := r.Room("AB12"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("lookup err=%v, want ErrUnknownRoom", err)
	}
	if rooms, users := r.Stats(); rooms != 0 || users != 2 {
		t.Fatalf("stats rooms=%d users=%d", rooms, users)
	}
	if _, err := r.Leave(src.ID); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("second leave err=%v, want ErrNotInRoom", err)
	}
}

func TestRegistryUnregisterWithoutRoom(t *testing.T) {
	r := NewRegistry(10)
	u := mustRegister(t, r, "Idle", RoleViewer)
	_, inRoom, err := r.Unregister(u.ID)
	if err != nil || inRoom {
		t.Fatalf("inRoom=%v err=%v", inRoom, err)
	}
	if len(r.Users()) != 0 {
		t.Fatalf("user not forgotten")
	}
}

func TestRegistryConcurrentJoinLeaveKeepsInvariants(t *testing.T) {
	r := NewRegistry(3)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		role := RoleViewer
		if i%5 == 0 {
			role = RoleSource
		}
		u := mustRegister(t, r, fmt.Sprintf("u%d", i), role)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := r.JoinRoom(id, "CHURN"); err == nil {
				r.Leave(id)
			}
		}(u.ID)
	}
	wg.Wait()

	if _, err := r.Room("CHURN"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("room should be gone once everyone left: %v", err)
	}
}
