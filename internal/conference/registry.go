package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/metrics"
)

// Registry owns the set of live rooms. Rooms are created on demand and
// removed the moment their last peer leaves; there is no idle grace period
// and nothing is persisted.
type Registry struct {
	log    *slog.Logger
	met    *metrics.Metrics
	engine media.Engine
	codecs []media.RTPCodecCapability

	maxRooms        int
	maxPeersPerRoom int

	mu    sync.Mutex
	rooms map[string]*Room
}

type RegistryOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Codecs restricts the router codec set; empty means the full default set.
	Codecs []media.RTPCodecCapability
	// MaxRooms and MaxPeersPerRoom are admission limits; zero means unlimited.
	MaxRooms        int
	MaxPeersPerRoom int
}

func NewRegistry(engine media.Engine, opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	codecs := opts.Codecs
	if len(codecs) == 0 {
		codecs = media.DefaultCodecCapabilities()
	}
	return &Registry{
		log:             log,
		met:             opts.Metrics,
		engine:          engine,
		codecs:          codecs,
		maxRooms:        opts.MaxRooms,
		maxPeersPerRoom: opts.MaxPeersPerRoom,
		rooms:           make(map[string]*Room),
	}
}

// CreateRoom allocates a router from the engine and registers a room around
// it. If the room cannot be registered the router is released again, so a
// failed create leaves no trace.
func (reg *Registry) CreateRoom(ctx context.Context) (*Room, error) {
	reg.mu.Lock()
	if reg.maxRooms > 0 && len(reg.rooms) >= reg.maxRooms {
		reg.mu.Unlock()
		return nil, ErrTooManyRooms
	}
	reg.mu.Unlock()

	router, err := reg.engine.CreateRouter(ctx, media.RouterOptions{Codecs: reg.codecs})
	if err != nil {
		reg.log.Error("router creation failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: create router: %v", ErrEngineFailure, err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		id, err := newRoomID()
		if err != nil {
			_ = router.Close()
			return nil, err
		}

		reg.mu.Lock()
		if reg.maxRooms > 0 && len(reg.rooms) >= reg.maxRooms {
			reg.mu.Unlock()
			_ = router.Close()
			return nil, ErrTooManyRooms
		}
		if _, exists := reg.rooms[id]; exists {
			// Extremely unlikely (8 bytes of crypto-random entropy). Try again.
			reg.mu.Unlock()
			continue
		}

		room := newRoom(id, router, reg.maxPeersPerRoom, reg.log, reg.met)
		room.onEmpty = func() { reg.RemoveIfEmpty(id) }
		reg.rooms[id] = room
		reg.mu.Unlock()

		reg.met.RoomOpened()
		reg.log.Info("room created", slog.String("room_id", id))
		return room, nil
	}

	_ = router.Close()
	return nil, errors.New("failed to allocate unique room id")
}

// Get resolves a room id.
func (reg *Registry) Get(roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// RemoveIfEmpty deletes the room if it currently has no peers. A join racing
// this call either lands before the emptiness check and keeps the room alive,
// or observes the closed room and fails with ErrRoomNotFound.
func (reg *Registry) RemoveIfEmpty(roomID string) {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	if !room.closeIfEmpty() {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	_ = room.router.Close()
	reg.met.RoomClosed()
	reg.log.Info("room removed", slog.String("room_id", roomID))
}

// Len reports the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Close force-closes every room. Peers are not notified; the gateway is
// expected to be tearing their connections down concurrently.
func (reg *Registry) Close() {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, room := range rooms {
		room.shutdown()
		reg.met.RoomClosed()
	}
}
