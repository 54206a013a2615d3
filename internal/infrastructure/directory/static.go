// Package directory implements the user and room directories the call
// service consults for membership and display information.
package directory

import (
	"context"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

// StaticDirectory serves users and rooms from memory. It backs development
// setups and tests.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[domain.UserID]domain.UserProfile
	rooms map[domain.RoomRef][]domain.UserID
}

var (
	_ ports.UserDirectory = (*StaticDirectory)(nil)
	_ ports.RoomDirectory = (*StaticDirectory)(nil)
)

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		users: make(map[domain.UserID]domain.UserProfile),
		rooms: make(map[domain.RoomRef][]domain.UserID),
	}
}

func (d *StaticDirectory) AddUser(profile domain.UserProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[profile.ID] = profile
}

// SetRoom replaces the member list of room.
func (d *StaticDirectory) SetRoom(room domain.RoomRef, members ...domain.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[room] = append([]domain.UserID(nil), members...)
}

func (d *StaticDirectory) GetProfile(ctx context.Context, userID domain.UserID) (*domain.UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &p, nil
}

func (d *StaticDirectory) Members(ctx context.Context, room domain.RoomRef) ([]domain.UserID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members, ok := d.rooms[room]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return append([]domain.UserID(nil), members...), nil
}

func (d *StaticDirectory) IsMember(ctx context.Context, room domain.RoomRef, userID domain.UserID) (bool, error) {
	members, err := d.Members(ctx, room)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *StaticDirectory) Close() {}
