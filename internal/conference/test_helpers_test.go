package conference

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media/mediatest"
)

// recordingSender captures pushed events for assertions.
type recordingSender struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSender) Push(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSender) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSender) named(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSender) count(name string) int { return len(s.named(name)) }

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts RegistryOptions) (*Registry, *mediatest.Engine) {
	t.Helper()
	eng := mediatest.NewEngine()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	reg := NewRegistry(eng, opts)
	t.Cleanup(reg.Close)
	return reg, eng
}

func newTestRoom(t *testing.T) (*Registry, *Room, *mediatest.Engine) {
	t.Helper()
	reg, eng := newTestRegistry(t, RegistryOptions{})
	room, err := reg.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return reg, room, eng
}

func join(t *testing.T, r *Room, peerID string) (*recordingSender, JoinResult) {
	t.Helper()
	s := &recordingSender{}
	res, err := r.Join(peerID, "name-"+peerID, s)
	if err != nil {
		t.Fatalf("Join(%s): %v", peerID, err)
	}
	return s, res
}

func videoProducerParams(ssrc uint32) media.RTPParameters {
	return media.RTPParameters{
		MID: "0",
		Codecs: []media.RTPCodecParameters{{
			MimeType:    "video/VP8",
			PayloadType: 96,
			ClockRate:   90000,
		}},
		Encodings: []media.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      media.RTCPParameters{CNAME: "test-sender"},
	}
}

func audioProducerParams(ssrc uint32) media.RTPParameters {
	return media.RTPParameters{
		MID: "1",
		Codecs: []media.RTPCodecParameters{{
			MimeType:    "audio/opus",
			PayloadType: 111,
			ClockRate:   48000,
			Channels:    2,
		}},
		Encodings: []media.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      media.RTCPParameters{CNAME: "test-sender"},
	}
}

func mustCreateTransport(t *testing.T, r *Room, peerID string, dir Direction) TransportInfo {
	t.Helper()
	ti, err := r.CreateTransport(context.Background(), peerID, dir)
	if err != nil {
		t.Fatalf("CreateTransport(%s): %v", peerID, err)
	}
	return ti
}

func mustProduce(t *testing.T, r *Room, peerID, transportID string, kind media.MediaKind, params media.RTPParameters) string {
	t.Helper()
	id, err := r.Produce(context.Background(), peerID, transportID, kind, params)
	if err != nil {
		t.Fatalf("Produce(%s): %v", peerID, err)
	}
	return id
}

func roomCounts(r *Room) (peers, transports, producers, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers), len(r.transports), len(r.producers), len(r.consumers)
}
