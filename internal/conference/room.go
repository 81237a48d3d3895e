package conference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/metrics"
)

// Direction records which way a transport was requested to carry media. It is
// bookkeeping only; the engine negotiates actual directionality per producer
// and consumer.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type transportEntry struct {
	transport media.Transport
	peerID    string
	direction Direction
	connected bool
}

type producerEntry struct {
	producer media.Producer
	peerID   string
	kind     media.MediaKind
	paused   bool
}

type consumerEntry struct {
	consumer   media.Consumer
	peerID     string
	producerID string
}

// Room owns all signaling state for one conference: its peers, their
// transports, producers and consumers, plus the engine router they share.
//
// Every mutation runs under r.mu, which is also held across the engine calls a
// mutation makes. The engine contract guarantees callbacks are delivered
// asynchronously, so holding the lock across those calls cannot deadlock.
type Room struct {
	id       string
	log      *slog.Logger
	met      *metrics.Metrics
	router   media.Router
	maxPeers int

	// onEmpty is invoked, outside the lock, after the last peer leaves.
	onEmpty func()

	mu         sync.Mutex
	closed     bool
	peers      map[string]*peer
	transports map[string]*transportEntry
	producers  map[string]*producerEntry
	consumers  map[string]*consumerEntry

	// consumersByProducer indexes live consumers by the producer they feed
	// from, so a producer close can notify exactly the affected peers without
	// scanning the consumer map.
	consumersByProducer map[string]map[string]struct{}
}

func newRoom(id string, router media.Router, maxPeers int, log *slog.Logger, met *metrics.Metrics) *Room {
	return &Room{
		id:                  id,
		log:                 log.With(slog.String("room_id", id)),
		met:                 met,
		router:              router,
		maxPeers:            maxPeers,
		peers:               make(map[string]*peer),
		transports:          make(map[string]*transportEntry),
		producers:           make(map[string]*producerEntry),
		consumers:           make(map[string]*consumerEntry),
		consumersByProducer: make(map[string]map[string]struct{}),
	}
}

func (r *Room) ID() string { return r.id }

// JoinResult is everything a peer needs to start negotiating after joining:
// the router capabilities to intersect with its own, the current roster, and
// a snapshot of the producers it should consume.
type JoinResult struct {
	RTPCapabilities media.RTPCapabilities
	Peers           []PeerInfo
	Producers       []NewProducerData
}

// TransportInfo carries the engine-side transport parameters the client needs
// to connect: ICE credentials, candidates and the DTLS fingerprint.
type TransportInfo struct {
	ID             string               `json:"id"`
	ICEParameters  media.ICEParameters  `json:"iceParameters"`
	ICECandidates  []media.ICECandidate `json:"iceCandidates"`
	DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
}

// ConsumerInfo describes a newly created consumer. Consumers start paused;
// the client resumes once its receiving pipeline is wired.
type ConsumerInfo struct {
	ID             string              `json:"id"`
	ProducerID     string              `json:"producerId"`
	Kind           media.MediaKind     `json:"kind"`
	RTPParameters  media.RTPParameters `json:"rtpParameters"`
	Type           string              `json:"type"`
	ProducerPaused bool                `json:"producerPaused"`
}

// peerLocked resolves peerID, folding "room closed" and "unknown peer" into
// ErrRoomNotFound: in both cases the peer has no usable room context.
func (r *Room) peerLocked(peerID string) (*peer, error) {
	if r.closed {
		return nil, ErrRoomNotFound
	}
	p, ok := r.peers[peerID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return p, nil
}

// Join registers the peer and returns the join snapshot. The snapshot and the
// peerJoined broadcast to existing peers happen in one critical section, so
// every producer is reported to the new peer exactly once: either in the
// snapshot or as a later newProducer event, never both, never neither.
func (r *Room) Join(peerID, displayName string, sender Sender) (JoinResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if _, ok := r.peers[peerID]; ok {
		r.mu.Unlock()
		return JoinResult{}, ErrAlreadyJoined
	}
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}

	peers := make([]PeerInfo, 0, len(r.peers))
	for _, other := range r.peers {
		peers = append(peers, other.info())
		other.sender.Push(Event{Name: EventPeerJoined, Data: PeerJoinedData{PeerID: peerID, DisplayName: displayName}})
	}
	producers := make([]NewProducerData, 0, len(r.producers))
	for id, pe := range r.producers {
		producers = append(producers, NewProducerData{ProducerID: id, ProducerPeerID: pe.peerID, Kind: pe.kind})
	}
	r.peers[peerID] = newPeer(peerID, displayName, sender)
	n := len(r.peers)
	r.mu.Unlock()

	r.met.PeerJoined()
	r.log.Info("peer joined", slog.String("peer_id", peerID), slog.Int("peers", n))
	return JoinResult{
		RTPCapabilities: r.router.RTPCapabilities(),
		Peers:           peers,
		Producers:       producers,
	}, nil
}

// Leave removes the peer and everything it owns. Safe to call for a peer that
// already left or never joined; repeated calls are no-ops.
//
// Consumers owned by other peers that fed from this peer's producers are
// deregistered and their owners receive consumerClosed, then every remaining
// peer receives peerLeft. The peer's engine transports are closed after the
// room state is already consistent, so the engine's own close cascade finds
// nothing left to report.
func (r *Room) Leave(peerID string) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)

	for consumerID := range p.consumers {
		r.removeConsumerLocked(consumerID)
	}
	producerIDs := make([]string, 0, len(p.producers))
	for producerID := range p.producers {
		producerIDs = append(producerIDs, producerID)
	}
	for _, producerID := range producerIDs {
		r.closeProducerLocked(producerID)
	}
	transports := make([]media.Transport, 0, len(p.transports))
	for transportID := range p.transports {
		if te, ok := r.transports[transportID]; ok {
			transports = append(transports, te.transport)
			delete(r.transports, transportID)
		}
	}
	for _, other := range r.peers {
		other.sender.Push(Event{Name: EventPeerLeft, Data: PeerLeftData{PeerID: peerID}})
	}
	remaining := len(r.peers)
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.met.PeerLeft()
	r.log.Info("peer left", slog.String("peer_id", peerID), slog.Int("peers", remaining))

	if remaining == 0 && r.onEmpty != nil {
		r.onEmpty()
	}
}

// CreateTransport allocates an engine transport for the peer and returns the
// parameters the client needs to connect to it.
func (r *Room) CreateTransport(ctx context.Context, peerID string, direction Direction) (TransportInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return TransportInfo{}, err
	}

	t, err := r.router.CreateTransport(ctx)
	if err != nil {
		r.log.Error("create transport failed", slog.String("peer_id", peerID), slog.String("error", err.Error()))
		return TransportInfo{}, fmt.Errorf("%w: create transport: %v", ErrEngineFailure, err)
	}
	id := t.ID()
	r.transports[id] = &transportEntry{transport: t, peerID: peerID, direction: direction}
	p.transports[id] = struct{}{}
	t.OnClose(func() { r.handleTransportClosed(id) })

	r.log.Debug("transport created",
		slog.String("peer_id", peerID),
		slog.String("transport_id", id),
		slog.String("direction", string(direction)))
	return TransportInfo{
		ID:             id,
		ICEParameters:  t.ICEParameters(),
		ICECandidates:  t.ICECandidates(),
		DTLSParameters: t.DTLSParameters(),
	}, nil
}

// ConnectTransport feeds the client's DTLS (and, for engines that need them,
// ICE) parameters into the engine transport.
func (r *Room) ConnectTransport(ctx context.Context, peerID, transportID string, opts media.ConnectOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.peerLocked(peerID); err != nil {
		return err
	}
	te, ok := r.transports[transportID]
	if !ok || te.peerID != peerID {
		return ErrNotFound
	}
	if err := te.transport.Connect(ctx, opts); err != nil {
		return fmt.Errorf("%w: connect transport: %v", ErrEngineFailure, err)
	}
	te.connected = true
	r.log.Debug("transport connected", slog.String("peer_id", peerID), slog.String("transport_id", transportID))
	return nil
}

// Produce creates an engine producer on the peer's transport and announces it
// to every other peer.
func (r *Room) Produce(ctx context.Context, peerID, transportID string, kind media.MediaKind, params media.RTPParameters) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return "", err
	}
	te, ok := r.transports[transportID]
	if !ok || te.peerID != peerID {
		return "", ErrNotFound
	}

	producer, err := te.transport.Produce(ctx, media.ProducerOptions{Kind: kind, RTPParameters: params})
	if err != nil {
		return "", fmt.Errorf("%w: produce: %v", ErrEngineFailure, err)
	}
	id := producer.ID()
	r.producers[id] = &producerEntry{producer: producer, peerID: peerID, kind: kind}
	p.producers[id] = struct{}{}
	producer.OnClose(func() { r.handleProducerClosed(id) })

	for otherID, other := range r.peers {
		if otherID == peerID {
			continue
		}
		other.sender.Push(Event{Name: EventNewProducer, Data: NewProducerData{ProducerID: id, ProducerPeerID: peerID, Kind: kind}})
	}
	r.met.ProducerCreated()
	r.log.Info("producer created",
		slog.String("peer_id", peerID),
		slog.String("producer_id", id),
		slog.String("kind", string(kind)))
	return id, nil
}

// Consume creates a consumer on the peer's transport for the given producer.
// The consumer starts paused; the client calls resumeConsumer once ready.
func (r *Room) Consume(ctx context.Context, peerID, transportID, producerID string, caps media.RTPCapabilities) (ConsumerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return ConsumerInfo{}, err
	}
	te, ok := r.transports[transportID]
	if !ok || te.peerID != peerID {
		return ConsumerInfo{}, ErrNotFound
	}
	pe, ok := r.producers[producerID]
	if !ok {
		return ConsumerInfo{}, ErrProducerNotFound
	}
	if !r.router.CanConsume(producerID, caps) {
		return ConsumerInfo{}, ErrIncompatibleCapabilities
	}

	consumer, err := te.transport.Consume(ctx, media.ConsumerOptions{
		ProducerID:      producerID,
		RTPCapabilities: caps,
		Paused:          true,
	})
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("%w: consume: %v", ErrEngineFailure, err)
	}
	id := consumer.ID()
	r.consumers[id] = &consumerEntry{consumer: consumer, peerID: peerID, producerID: producerID}
	set, ok := r.consumersByProducer[producerID]
	if !ok {
		set = make(map[string]struct{})
		r.consumersByProducer[producerID] = set
	}
	set[id] = struct{}{}
	p.consumers[id] = struct{}{}
	consumer.OnClose(func() { r.handleConsumerClosed(id) })

	r.met.ConsumerCreated()
	r.log.Debug("consumer created",
		slog.String("peer_id", peerID),
		slog.String("consumer_id", id),
		slog.String("producer_id", producerID))
	return ConsumerInfo{
		ID:             id,
		ProducerID:     producerID,
		Kind:           consumer.Kind(),
		RTPParameters:  consumer.RTPParameters(),
		Type:           consumer.Type(),
		ProducerPaused: pe.paused,
	}, nil
}

// ResumeConsumer unpauses the peer's consumer. Resuming a consumer that is
// already running succeeds; resuming one that no longer exists reports
// ErrNotFound.
func (r *Room) ResumeConsumer(peerID, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.peerLocked(peerID); err != nil {
		return err
	}
	ce, ok := r.consumers[consumerID]
	if !ok || ce.peerID != peerID {
		return ErrNotFound
	}
	if err := ce.consumer.Resume(); err != nil {
		return fmt.Errorf("%w: resume consumer: %v", ErrEngineFailure, err)
	}
	return nil
}

// PauseConsumer pauses the peer's consumer without tearing it down.
func (r *Room) PauseConsumer(peerID, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.peerLocked(peerID); err != nil {
		return err
	}
	ce, ok := r.consumers[consumerID]
	if !ok || ce.peerID != peerID {
		return ErrNotFound
	}
	if err := ce.consumer.Pause(); err != nil {
		return fmt.Errorf("%w: pause consumer: %v", ErrEngineFailure, err)
	}
	return nil
}

// PauseProducer pauses the peer's producer and tells every consuming peer via
// consumerPaused. Pausing an audio producer marks the peer muted in the
// roster.
func (r *Room) PauseProducer(peerID, producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	pe, ok := r.producers[producerID]
	if !ok || pe.peerID != peerID {
		return ErrProducerNotFound
	}
	if pe.paused {
		return nil
	}
	if err := pe.producer.Pause(); err != nil {
		return fmt.Errorf("%w: pause producer: %v", ErrEngineFailure, err)
	}
	pe.paused = true
	if pe.kind == media.MediaKindAudio {
		p.muted = true
	}
	r.notifyConsumersLocked(producerID, EventConsumerPaused)
	return nil
}

// ResumeProducer resumes the peer's producer and tells every consuming peer
// via consumerResumed.
func (r *Room) ResumeProducer(peerID, producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	pe, ok := r.producers[producerID]
	if !ok || pe.peerID != peerID {
		return ErrProducerNotFound
	}
	if !pe.paused {
		return nil
	}
	if err := pe.producer.Resume(); err != nil {
		return fmt.Errorf("%w: resume producer: %v", ErrEngineFailure, err)
	}
	pe.paused = false
	if pe.kind == media.MediaKindAudio {
		p.muted = false
	}
	r.notifyConsumersLocked(producerID, EventConsumerResumed)
	return nil
}

// CloseProducer ends the peer's producer. Room state transitions first, so
// the engine's close cascade observes consumers that are already deregistered
// and the consumerClosed fan-out happens exactly once.
func (r *Room) CloseProducer(peerID, producerID string) error {
	r.mu.Lock()
	if _, err := r.peerLocked(peerID); err != nil {
		r.mu.Unlock()
		return err
	}
	pe, ok := r.producers[producerID]
	if !ok || pe.peerID != peerID {
		r.mu.Unlock()
		return ErrProducerNotFound
	}
	producer := pe.producer
	r.closeProducerLocked(producerID)
	r.mu.Unlock()

	_ = producer.Close()
	return nil
}

func (r *Room) notifyConsumersLocked(producerID, event string) {
	for consumerID := range r.consumersByProducer[producerID] {
		ce, ok := r.consumers[consumerID]
		if !ok {
			continue
		}
		owner, ok := r.peers[ce.peerID]
		if !ok {
			continue
		}
		switch event {
		case EventConsumerPaused:
			owner.sender.Push(Event{Name: event, Data: ConsumerPausedData{ConsumerID: consumerID}})
		case EventConsumerResumed:
			owner.sender.Push(Event{Name: event, Data: ConsumerResumedData{ConsumerID: consumerID}})
		}
	}
}

// closeProducerLocked is the single transition for a producer leaving the
// room, shared by explicit close, the owner leaving, and engine-side close
// callbacks. The first caller deregisters the producer and its dependent
// consumers and pushes consumerClosed to each affected owner; later callers
// find no entry and do nothing, so redundant triggers collapse to one event
// per consumer.
func (r *Room) closeProducerLocked(producerID string) {
	pe, ok := r.producers[producerID]
	if !ok {
		return
	}
	delete(r.producers, producerID)
	if owner, ok := r.peers[pe.peerID]; ok {
		delete(owner.producers, producerID)
	}

	for consumerID := range r.consumersByProducer[producerID] {
		ce := r.consumers[consumerID]
		r.removeConsumerLocked(consumerID)
		if ce == nil {
			continue
		}
		if owner, ok := r.peers[ce.peerID]; ok {
			owner.sender.Push(Event{Name: EventConsumerClosed, Data: ConsumerClosedData{ConsumerID: consumerID}})
		}
	}
	delete(r.consumersByProducer, producerID)

	r.met.ProducerClosed()
	r.log.Info("producer closed", slog.String("producer_id", producerID), slog.String("peer_id", pe.peerID))
}

// removeConsumerLocked deregisters a consumer from all room maps without
// notifying anyone. Callers that owe the owner a consumerClosed push it
// themselves.
func (r *Room) removeConsumerLocked(consumerID string) {
	ce, ok := r.consumers[consumerID]
	if !ok {
		return
	}
	delete(r.consumers, consumerID)
	if set, ok := r.consumersByProducer[ce.producerID]; ok {
		delete(set, consumerID)
		if len(set) == 0 {
			delete(r.consumersByProducer, ce.producerID)
		}
	}
	if owner, ok := r.peers[ce.peerID]; ok {
		delete(owner.consumers, consumerID)
	}
	r.met.ConsumerClosed()
}

// handleProducerClosed is the engine callback path for a producer that went
// away without an explicit closeProducer request.
func (r *Room) handleProducerClosed(producerID string) {
	r.mu.Lock()
	r.closeProducerLocked(producerID)
	r.mu.Unlock()
}

// handleConsumerClosed is the engine callback path for a consumer the engine
// tore down on its own. If the room transition already removed the entry this
// is a no-op, preserving the one-event-per-consumer guarantee.
func (r *Room) handleConsumerClosed(consumerID string) {
	r.mu.Lock()
	ce, ok := r.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeConsumerLocked(consumerID)
	if owner, ok := r.peers[ce.peerID]; ok {
		owner.sender.Push(Event{Name: EventConsumerClosed, Data: ConsumerClosedData{ConsumerID: consumerID}})
	}
	r.mu.Unlock()
}

func (r *Room) handleTransportClosed(transportID string) {
	r.mu.Lock()
	te, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.transports, transportID)
	if owner, ok := r.peers[te.peerID]; ok {
		delete(owner.transports, transportID)
	}
	r.mu.Unlock()
}

// closeIfEmpty marks the room closed if no peers remain, returning whether it
// did. Once closed the room rejects all further operations.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	if r.closed || len(r.peers) > 0 {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()
	return true
}

// shutdown force-closes the room regardless of remaining peers. Used on
// service shutdown; peers are not notified because their connections are
// being torn down by the gateway at the same time.
func (r *Room) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.peers = make(map[string]*peer)
	transports := make([]media.Transport, 0, len(r.transports))
	for _, te := range r.transports {
		transports = append(transports, te.transport)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	_ = r.router.Close()
}
