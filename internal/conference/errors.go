package conference

import "errors"

var (
	// ErrRoomNotFound covers both a missing room id and requests from a peer
	// the room no longer knows about.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotFound is returned when a referenced transport or consumer does not
	// exist or is not owned by the requesting peer.
	ErrNotFound                 = errors.New("not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrAlreadyJoined            = errors.New("peer already joined a room")
	ErrRoomFull                 = errors.New("room is full")
	ErrTooManyRooms             = errors.New("too many rooms")
	// ErrEngineFailure wraps errors surfaced by the media engine while
	// servicing a request.
	ErrEngineFailure = errors.New("media engine failure")
)
