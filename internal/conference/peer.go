package conference

// peer is a room's view of one connected participant. All fields are guarded
// by the owning room's mutex; the id sets track ownership so a leave can
// cascade without scanning the room-wide maps.
type peer struct {
	id          string
	displayName string
	muted       bool
	sender      Sender

	transports map[string]struct{}
	producers  map[string]struct{}
	consumers  map[string]struct{}
}

func newPeer(id, displayName string, sender Sender) *peer {
	return &peer{
		id:          id,
		displayName: displayName,
		sender:      sender,
		transports:  make(map[string]struct{}),
		producers:   make(map[string]struct{}),
		consumers:   make(map[string]struct{}),
	}
}

// PeerInfo is the wire representation of a participant, included in join
// replies so a new peer can render the existing roster.
type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Muted       bool   `json:"muted"`
}

func (p *peer) info() PeerInfo {
	return PeerInfo{ID: p.id, DisplayName: p.displayName, Muted: p.muted}
}
