package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media/mediatest"
)

func TestRoom_JoinReturnsCapabilitiesAndRoster(t *testing.T) {
	_, room, _ := newTestRoom(t)

	sa, resA := join(t, room, "a")
	if len(resA.RTPCapabilities.Codecs) == 0 {
		t.Fatalf("join result has no router codecs")
	}
	if len(resA.Peers) != 0 || len(resA.Producers) != 0 {
		t.Fatalf("first peer should see empty room, got peers=%d producers=%d", len(resA.Peers), len(resA.Producers))
	}

	_, resB := join(t, room, "b")
	if len(resB.Peers) != 1 || resB.Peers[0].ID != "a" {
		t.Fatalf("b roster = %+v, want just a", resB.Peers)
	}
	if resB.Peers[0].DisplayName != "name-a" {
		t.Fatalf("b roster display name = %q", resB.Peers[0].DisplayName)
	}

	joined := sa.named(EventPeerJoined)
	if len(joined) != 1 {
		t.Fatalf("a got %d peerJoined events, want 1", len(joined))
	}
	if data := joined[0].Data.(PeerJoinedData); data.PeerID != "b" {
		t.Fatalf("peerJoined payload = %+v, want peer b", data)
	}
}

func TestRoom_JoinDuplicatePeerRejected(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")

	_, err := room.Join("a", "again", &recordingSender{})
	if !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("duplicate join err = %v, want ErrAlreadyJoined", err)
	}
	if peers, _, _, _ := roomCounts(room); peers != 1 {
		t.Fatalf("peers = %d after rejected join, want 1", peers)
	}
}

func TestRoom_JoinFullRoomRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{MaxPeersPerRoom: 1})
	room, err := reg.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	join(t, room, "a")

	_, err = room.Join("b", "b", &recordingSender{})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("join err = %v, want ErrRoomFull", err)
	}
}

func TestRoom_JoinSnapshotExactlyOnceUnderProducerChurn(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	ta := mustCreateTransport(t, room, "a", DirectionSend)

	const total = 20
	done := make(chan []string)
	go func() {
		ids := make([]string, 0, total)
		for i := 0; i < total; i++ {
			id, err := room.Produce(context.Background(), "a", ta.ID, media.MediaKindVideo, videoProducerParams(uint32(1000+i)))
			if err != nil {
				break
			}
			ids = append(ids, id)
		}
		done <- ids
	}()

	sb := &recordingSender{}
	res, err := room.Join("b", "b", sb)
	if err != nil {
		t.Fatalf("Join(b): %v", err)
	}
	produced := <-done
	if len(produced) != total {
		t.Fatalf("produced %d producers, want %d", len(produced), total)
	}

	// Every producer must reach b exactly once: via the join snapshot or via
	// a newProducer event, never both and never neither.
	seen := make(map[string]int)
	for _, p := range res.Producers {
		seen[p.ProducerID]++
	}
	for _, ev := range sb.named(EventNewProducer) {
		seen[ev.Data.(NewProducerData).ProducerID]++
	}
	if len(seen) != total {
		t.Fatalf("b observed %d distinct producers, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("producer %s observed %d times, want exactly once", id, n)
		}
	}
}

func TestRoom_CreateTransportReturnsConnectionParameters(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")

	ti := mustCreateTransport(t, room, "a", DirectionSend)
	if ti.ID == "" {
		t.Fatalf("transport id empty")
	}
	if ti.ICEParameters.UsernameFragment == "" || ti.ICEParameters.Password == "" {
		t.Fatalf("ice parameters incomplete: %+v", ti.ICEParameters)
	}
	if len(ti.ICECandidates) == 0 {
		t.Fatalf("no ice candidates")
	}
	if len(ti.DTLSParameters.Fingerprints) == 0 {
		t.Fatalf("no dtls fingerprints")
	}
}

func TestRoom_CreateTransportUnknownPeer(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")

	_, err := room.CreateTransport(context.Background(), "ghost", DirectionSend)
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func clientDTLS() media.ConnectOptions {
	return media.ConnectOptions{
		DTLSParameters: media.DTLSParameters{
			Role:         media.DTLSRoleClient,
			Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB:CC"}},
		},
	}
}

func TestRoom_ConnectTransport(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	ti := mustCreateTransport(t, room, "a", DirectionSend)

	if err := room.ConnectTransport(context.Background(), "a", ti.ID, clientDTLS()); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}

	room.mu.Lock()
	ft := room.transports[ti.ID].transport.(*mediatest.Transport)
	room.mu.Unlock()
	if !ft.Connected() {
		t.Fatalf("engine transport not connected")
	}
	if got := ft.ConnectedWith().DTLSParameters.Fingerprints[0].Value; got != "AA:BB:CC" {
		t.Fatalf("engine saw fingerprint %q", got)
	}
}

func TestRoom_ConnectTransportErrors(t *testing.T) {
	_, room, eng := newTestRoom(t)
	join(t, room, "a")
	join(t, room, "b")
	ti := mustCreateTransport(t, room, "a", DirectionSend)

	if err := room.ConnectTransport(context.Background(), "a", "nope", clientDTLS()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown transport err = %v, want ErrNotFound", err)
	}
	if err := room.ConnectTransport(context.Background(), "b", ti.ID, clientDTLS()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign transport err = %v, want ErrNotFound", err)
	}

	eng.FailConnect(errors.New("dtls exploded"))
	if err := room.ConnectTransport(context.Background(), "a", ti.ID, clientDTLS()); !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("engine failure err = %v, want ErrEngineFailure", err)
	}
}

func TestRoom_ProduceAnnouncesToOthersOnly(t *testing.T) {
	_, room, _ := newTestRoom(t)
	sa, _ := join(t, room, "a")
	sb, _ := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)

	id := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))

	evs := sb.named(EventNewProducer)
	if len(evs) != 1 {
		t.Fatalf("b got %d newProducer events, want 1", len(evs))
	}
	data := evs[0].Data.(NewProducerData)
	if data.ProducerID != id || data.ProducerPeerID != "a" || data.Kind != media.MediaKindVideo {
		t.Fatalf("newProducer payload = %+v", data)
	}
	if n := sa.count(EventNewProducer); n != 0 {
		t.Fatalf("producer's own peer got %d newProducer events, want 0", n)
	}
}

func TestRoom_ProduceOnUnknownTransport(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")

	_, err := room.Produce(context.Background(), "a", "stale", media.MediaKindVideo, videoProducerParams(1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRoom_ProduceEngineFailureLeavesNoState(t *testing.T) {
	_, room, eng := newTestRoom(t)
	join(t, room, "a")
	sb, _ := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)

	eng.FailProduce(errors.New("srtp exploded"))
	_, err := room.Produce(context.Background(), "a", ta.ID, media.MediaKindVideo, videoProducerParams(1))
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("err = %v, want ErrEngineFailure", err)
	}
	if _, _, producers, _ := roomCounts(room); producers != 0 {
		t.Fatalf("producers = %d after failed produce, want 0", producers)
	}
	if n := sb.count(EventNewProducer); n != 0 {
		t.Fatalf("b got %d newProducer events after failed produce, want 0", n)
	}
}

func TestRoom_ConsumeReturnsPausedConsumer(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	_, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))

	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if info.ProducerID != pid || info.Kind != media.MediaKindVideo {
		t.Fatalf("consumer info = %+v", info)
	}
	if info.ProducerPaused {
		t.Fatalf("producerPaused = true for a live producer")
	}
	if info.Type != "simple" {
		t.Fatalf("consumer type = %q", info.Type)
	}
	if len(info.RTPParameters.Codecs) == 0 || len(info.RTPParameters.Encodings) == 0 {
		t.Fatalf("consumer rtp parameters incomplete: %+v", info.RTPParameters)
	}

	room.mu.Lock()
	fc := room.consumers[info.ID].consumer.(*mediatest.Consumer)
	room.mu.Unlock()
	if !fc.Paused() {
		t.Fatalf("consumer created unpaused")
	}
}

func TestRoom_ConsumeUnknownProducer(t *testing.T) {
	_, room, _ := newTestRoom(t)
	_, res := join(t, room, "a")
	ta := mustCreateTransport(t, room, "a", DirectionReceive)

	_, err := room.Consume(context.Background(), "a", ta.ID, "missing", res.RTPCapabilities)
	if !errors.Is(err, ErrProducerNotFound) {
		t.Fatalf("err = %v, want ErrProducerNotFound", err)
	}
}

func TestRoom_ConsumeIncompatibleCapabilities(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))

	audioOnly := media.RTPCapabilities{Codecs: []media.RTPCodecCapability{{
		Kind:                 media.MediaKindAudio,
		MimeType:             "audio/opus",
		PreferredPayloadType: 100,
		ClockRate:            48000,
		Channels:             2,
	}}}
	_, err := room.Consume(context.Background(), "b", tb.ID, pid, audioOnly)
	if !errors.Is(err, ErrIncompatibleCapabilities) {
		t.Fatalf("err = %v, want ErrIncompatibleCapabilities", err)
	}
	if _, _, _, consumers := roomCounts(room); consumers != 0 {
		t.Fatalf("consumers = %d after rejected consume, want 0", consumers)
	}
}

func TestRoom_ResumeConsumerIsIdempotent(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	_, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))

	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	room.mu.Lock()
	fc := room.consumers[info.ID].consumer.(*mediatest.Consumer)
	room.mu.Unlock()

	if err := room.ResumeConsumer("b", info.ID); err != nil {
		t.Fatalf("ResumeConsumer: %v", err)
	}
	if fc.Paused() {
		t.Fatalf("consumer still paused after resume")
	}
	if err := room.ResumeConsumer("b", info.ID); err != nil {
		t.Fatalf("second ResumeConsumer: %v", err)
	}
	if err := room.ResumeConsumer("a", info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign resume err = %v, want ErrNotFound", err)
	}

	if err := room.CloseProducer("a", pid); err != nil {
		t.Fatalf("CloseProducer: %v", err)
	}
	if err := room.ResumeConsumer("b", info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resume after close err = %v, want ErrNotFound", err)
	}
}

func TestRoom_PauseAndResumeConsumer(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	_, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))
	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := room.ResumeConsumer("b", info.ID); err != nil {
		t.Fatalf("ResumeConsumer: %v", err)
	}
	if err := room.PauseConsumer("b", info.ID); err != nil {
		t.Fatalf("PauseConsumer: %v", err)
	}
	room.mu.Lock()
	fc := room.consumers[info.ID].consumer.(*mediatest.Consumer)
	room.mu.Unlock()
	if !fc.Paused() {
		t.Fatalf("consumer not paused")
	}
}

func TestRoom_CloseProducerNotifiesConsumersExactlyOnce(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	sb, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))
	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := room.CloseProducer("a", pid); err != nil {
		t.Fatalf("CloseProducer: %v", err)
	}

	evs := sb.named(EventConsumerClosed)
	if len(evs) != 1 {
		t.Fatalf("b got %d consumerClosed events, want 1", len(evs))
	}
	if data := evs[0].Data.(ConsumerClosedData); data.ConsumerID != info.ID {
		t.Fatalf("consumerClosed payload = %+v", data)
	}

	// The engine close cascade also fires consumer callbacks asynchronously;
	// give them a chance to run and verify no duplicate event shows up.
	time.Sleep(50 * time.Millisecond)
	if n := sb.count(EventConsumerClosed); n != 1 {
		t.Fatalf("b got %d consumerClosed events after cascade, want 1", n)
	}

	if _, _, producers, consumers := roomCounts(room); producers != 0 || consumers != 0 {
		t.Fatalf("producers=%d consumers=%d after close, want 0/0", producers, consumers)
	}
	if err := room.CloseProducer("a", pid); !errors.Is(err, ErrProducerNotFound) {
		t.Fatalf("second close err = %v, want ErrProducerNotFound", err)
	}
}

func TestRoom_EngineSideProducerCloseCascades(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	sb, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))
	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	room.mu.Lock()
	producer := room.producers[pid].producer
	room.mu.Unlock()
	_ = producer.Close()

	waitUntil(t, "consumerClosed after engine-side producer close", func() bool {
		return sb.count(EventConsumerClosed) == 1
	})
	if data := sb.named(EventConsumerClosed)[0].Data.(ConsumerClosedData); data.ConsumerID != info.ID {
		t.Fatalf("consumerClosed payload = %+v", data)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sb.count(EventConsumerClosed); n != 1 {
		t.Fatalf("b got %d consumerClosed events, want 1", n)
	}
	waitUntil(t, "producer deregistered", func() bool {
		_, _, producers, _ := roomCounts(room)
		return producers == 0
	})
}

func TestRoom_PauseProducerNotifiesConsumersAndMutesRoster(t *testing.T) {
	_, room, _ := newTestRoom(t)
	join(t, room, "a")
	sb, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindAudio, audioProducerParams(2222))
	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := room.PauseProducer("a", pid); err != nil {
		t.Fatalf("PauseProducer: %v", err)
	}
	evs := sb.named(EventConsumerPaused)
	if len(evs) != 1 || evs[0].Data.(ConsumerPausedData).ConsumerID != info.ID {
		t.Fatalf("consumerPaused events = %+v", evs)
	}
	room.mu.Lock()
	muted := room.peers["a"].muted
	room.mu.Unlock()
	if !muted {
		t.Fatalf("audio pause did not mark peer muted")
	}

	// Pausing an already paused producer is a no-op.
	if err := room.PauseProducer("a", pid); err != nil {
		t.Fatalf("repeat PauseProducer: %v", err)
	}
	if n := sb.count(EventConsumerPaused); n != 1 {
		t.Fatalf("repeat pause pushed %d extra events", n-1)
	}

	// A peer joining now sees the producer's owner muted.
	_, resC := join(t, room, "c")
	var foundA bool
	for _, p := range resC.Peers {
		if p.ID == "a" {
			foundA = true
			if !p.Muted {
				t.Fatalf("roster entry for a not muted: %+v", p)
			}
		}
	}
	if !foundA {
		t.Fatalf("a missing from c's roster: %+v", resC.Peers)
	}

	if err := room.ResumeProducer("a", pid); err != nil {
		t.Fatalf("ResumeProducer: %v", err)
	}
	if n := sb.count(EventConsumerResumed); n != 1 {
		t.Fatalf("b got %d consumerResumed events, want 1", n)
	}
	room.mu.Lock()
	muted = room.peers["a"].muted
	room.mu.Unlock()
	if muted {
		t.Fatalf("peer still muted after resume")
	}

	// New consumers of a paused producer learn about it at consume time.
	if err := room.PauseProducer("a", pid); err != nil {
		t.Fatalf("PauseProducer: %v", err)
	}
	tc := mustCreateTransport(t, room, "c", DirectionReceive)
	infoC, err := room.Consume(context.Background(), "c", tc.ID, pid, resC.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume(c): %v", err)
	}
	if !infoC.ProducerPaused {
		t.Fatalf("producerPaused = false for a paused producer")
	}
}

func TestRoom_LeaveCascades(t *testing.T) {
	reg, room, eng := newTestRoom(t)
	join(t, room, "a")
	sb, resB := join(t, room, "b")
	ta := mustCreateTransport(t, room, "a", DirectionSend)
	tb := mustCreateTransport(t, room, "b", DirectionReceive)
	pid := mustProduce(t, room, "a", ta.ID, media.MediaKindVideo, videoProducerParams(1111))
	info, err := room.Consume(context.Background(), "b", tb.ID, pid, resB.RTPCapabilities)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	room.Leave("a")

	if n := sb.count(EventPeerLeft); n != 1 {
		t.Fatalf("b got %d peerLeft events, want 1", n)
	}
	if data := sb.named(EventPeerLeft)[0].Data.(PeerLeftData); data.PeerID != "a" {
		t.Fatalf("peerLeft payload = %+v", data)
	}
	closed := sb.named(EventConsumerClosed)
	if len(closed) != 1 || closed[0].Data.(ConsumerClosedData).ConsumerID != info.ID {
		t.Fatalf("consumerClosed events = %+v", closed)
	}

	// The dependent consumer teardown is reported before the peer departure.
	var iClosed, iLeft int
	for i, ev := range sb.all() {
		switch ev.Name {
		case EventConsumerClosed:
			iClosed = i
		case EventPeerLeft:
			iLeft = i
		}
	}
	if iClosed > iLeft {
		t.Fatalf("consumerClosed at %d after peerLeft at %d", iClosed, iLeft)
	}

	if peers, transports, producers, consumers := roomCounts(room); peers != 1 || transports != 1 || producers != 0 || consumers != 0 {
		t.Fatalf("room state after leave: peers=%d transports=%d producers=%d consumers=%d", peers, transports, producers, consumers)
	}
	if _, err := reg.Get(room.ID()); err != nil {
		t.Fatalf("room removed while b still present: %v", err)
	}

	// Redundant engine cascades must not duplicate the notification.
	time.Sleep(50 * time.Millisecond)
	if n := sb.count(EventConsumerClosed); n != 1 {
		t.Fatalf("b got %d consumerClosed events after cascade, want 1", n)
	}

	room.Leave("b")
	if reg.Len() != 0 {
		t.Fatalf("rooms = %d after last leave, want 0", reg.Len())
	}
	routers := eng.Routers()
	if len(routers) != 1 || !routers[0].Closed() {
		t.Fatalf("router not closed after room removal")
	}
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	reg, room, _ := newTestRoom(t)
	join(t, room, "a")
	sb, _ := join(t, room, "b")

	room.Leave("a")
	room.Leave("a")
	room.Leave("ghost")

	if n := sb.count(EventPeerLeft); n != 1 {
		t.Fatalf("b got %d peerLeft events, want 1", n)
	}
	if _, err := reg.Get(room.ID()); err != nil {
		t.Fatalf("room removed with b still present: %v", err)
	}
}

func TestRoom_EmptyRoomRemovedImmediately(t *testing.T) {
	reg, room, eng := newTestRoom(t)
	join(t, room, "a")
	room.Leave("a")

	if reg.Len() != 0 {
		t.Fatalf("rooms = %d, want 0", reg.Len())
	}
	if _, err := reg.Get(room.ID()); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Get err = %v, want ErrRoomNotFound", err)
	}
	if _, err := room.Join("b", "b", &recordingSender{}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("join closed room err = %v, want ErrRoomNotFound", err)
	}
	routers := eng.Routers()
	if len(routers) != 1 || !routers[0].Closed() {
		t.Fatalf("router not released with the room")
	}
}

func TestRoom_JoinRacingLastLeave(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	for i := 0; i < 100; i++ {
		room, err := reg.CreateRoom(context.Background())
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		join(t, room, "a")

		var wg sync.WaitGroup
		var joinErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			room.Leave("a")
		}()
		go func() {
			defer wg.Done()
			_, joinErr = room.Join("b", "b", &recordingSender{})
		}()
		wg.Wait()

		switch {
		case joinErr == nil:
			if _, err := reg.Get(room.ID()); err != nil {
				t.Fatalf("iteration %d: join won the race but room was removed", i)
			}
			room.Leave("b")
		case errors.Is(joinErr, ErrRoomNotFound):
			if _, err := reg.Get(room.ID()); err == nil {
				t.Fatalf("iteration %d: join lost the race but room still registered", i)
			}
		default:
			t.Fatalf("iteration %d: unexpected join error %v", i, joinErr)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("rooms = %d after race loop, want 0", reg.Len())
	}
}
