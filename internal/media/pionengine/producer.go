package pionengine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Producer implements media.Producer. It binds an RTPReceiver to the SSRC
// the client advertised and fans incoming packets out to every attached
// consumer. The receive loop starts only after the owning transport's
// handshake completes; pausing gates forwarding without tearing the receiver
// down.
type Producer struct {
	engine    *Engine
	transport *Transport
	id        string
	kind      media.MediaKind
	params    media.RTPParameters
	ssrc      uint32
	receiver  *webrtc.RTPReceiver

	paused atomic.Bool
	stop   chan struct{}

	// Guarded by engine.mu.
	closed    bool
	consumers map[string]*Consumer
	onClose   []func()
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() media.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() media.RTPParameters { return p.params }
func (p *Producer) Paused() bool                       { return p.paused.Load() }

func (p *Producer) Pause() error {
	p.engine.mu.Lock()
	closed := p.closed
	p.engine.mu.Unlock()
	if closed {
		return fmt.Errorf("producer closed")
	}
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	p.engine.mu.Lock()
	closed := p.closed
	p.engine.mu.Unlock()
	if closed {
		return fmt.Errorf("producer closed")
	}
	p.paused.Store(false)
	return nil
}

func (p *Producer) OnClose(fn func()) {
	p.engine.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.engine.mu.Unlock()
}

func (p *Producer) Close() error {
	e := p.engine
	e.mu.Lock()
	if p.closed {
		e.mu.Unlock()
		return nil
	}
	var fns []func()
	p.closeLocked(&fns)
	e.mu.Unlock()

	fire(fns)
	return nil
}

// closeLocked cascades to every consumer fed by this producer, on whichever
// transport it lives.
func (p *Producer) closeLocked(fns *[]func()) {
	if p.closed {
		return
	}
	p.closed = true
	close(p.stop)
	for _, c := range p.consumers {
		c.closeLocked(fns)
	}
	p.consumers = nil
	delete(p.transport.producers, p.id)
	delete(p.transport.router.producers, p.id)
	*fns = append(*fns, p.onClose...)
	p.onClose = nil

	// Stopping the receiver unblocks the read loop.
	go func() { _ = p.receiver.Stop() }()
}

// run waits for the transport handshake, binds the receiver to the client's
// SSRC and forwards packets until the producer closes.
func (p *Producer) run() {
	select {
	case <-p.transport.connected:
	case <-p.stop:
		return
	}

	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(p.ssrc)},
		}},
	})
	if err != nil {
		p.engine.log.Warn("rtp receive failed",
			slog.String("producer_id", p.id),
			slog.String("error", err.Error()))
		return
	}

	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if p.paused.Load() {
			continue
		}
		for _, c := range p.snapshotConsumers() {
			c.forward(pkt)
		}
	}
}

func (p *Producer) snapshotConsumers() []*Consumer {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

// requestKeyFrame asks the sending client for a fresh keyframe with a PLI on
// the producer's own transport. Best effort: before the handshake finishes
// there is nowhere to send it.
func (p *Producer) requestKeyFrame(senderSSRC uint32) {
	select {
	case <-p.transport.connected:
	default:
		return
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: p.ssrc},
	})
	if err != nil {
		p.engine.log.Debug("pli write failed",
			slog.String("producer_id", p.id),
			slog.String("error", err.Error()))
	}
}
