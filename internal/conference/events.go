package conference

import "github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"

// Event names as they appear on the wire.
const (
	EventPeerJoined      = "peerJoined"
	EventPeerLeft        = "peerLeft"
	EventNewProducer     = "newProducer"
	EventConsumerClosed  = "consumerClosed"
	EventConsumerPaused  = "consumerPaused"
	EventConsumerResumed = "consumerResumed"
)

// Event is a fire-and-forget notification fanned out to peers. Events are not
// acknowledged, persisted or replayed; a peer that cannot keep up is torn down
// by its gateway session.
type Event struct {
	Name string
	Data any
}

// Sender delivers events to a single peer's connection.
//
// Push is called with the room lock held and therefore must never block: a
// gateway implementation enqueues into a bounded buffer and handles overflow
// by scheduling the connection for teardown.
type Sender interface {
	Push(ev Event)
}

type PeerJoinedData struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
}

type PeerLeftData struct {
	PeerID string `json:"peerId"`
}

type NewProducerData struct {
	ProducerID     string          `json:"producerId"`
	ProducerPeerID string          `json:"producerPeerId"`
	Kind           media.MediaKind `json:"kind"`
}

type ConsumerClosedData struct {
	ConsumerID string `json:"consumerId"`
}

type ConsumerPausedData struct {
	ConsumerID string `json:"consumerId"`
}

type ConsumerResumedData struct {
	ConsumerID string `json:"consumerId"`
}
