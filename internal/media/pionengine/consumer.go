package pionengine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Consumer implements media.Consumer: one RTPSender carrying its producer's
// stream toward a receiving transport. The sender starts once the transport
// handshake completes; pause gates forwarding; resume of a video consumer
// nudges the producer for a keyframe so the receiver is not stuck waiting for
// one.
type Consumer struct {
	engine    *Engine
	transport *Transport
	producer  *Producer
	id        string
	kind      media.MediaKind
	params    media.RTPParameters

	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	sendParams webrtc.RTPSendParameters

	paused  atomic.Bool
	started atomic.Bool
	stop    chan struct{}

	// Guarded by engine.mu.
	closed  bool
	onClose []func()
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() media.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() media.RTPParameters { return c.params }
func (c *Consumer) Type() string                       { return "simple" }
func (c *Consumer) Paused() bool                       { return c.paused.Load() }
func (c *Consumer) ProducerPaused() bool               { return c.producer.paused.Load() }

func (c *Consumer) Pause() error {
	c.engine.mu.Lock()
	closed := c.closed
	c.engine.mu.Unlock()
	if closed {
		return fmt.Errorf("consumer closed")
	}
	c.paused.Store(true)
	return nil
}

func (c *Consumer) Resume() error {
	c.engine.mu.Lock()
	closed := c.closed
	c.engine.mu.Unlock()
	if closed {
		return fmt.Errorf("consumer closed")
	}
	wasPaused := c.paused.Swap(false)
	if wasPaused && c.kind == media.MediaKindVideo {
		c.producer.requestKeyFrame(c.params.Encodings[0].SSRC)
	}
	return nil
}

func (c *Consumer) OnClose(fn func()) {
	c.engine.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.engine.mu.Unlock()
}

func (c *Consumer) Close() error {
	e := c.engine
	e.mu.Lock()
	if c.closed {
		e.mu.Unlock()
		return nil
	}
	var fns []func()
	c.closeLocked(&fns)
	e.mu.Unlock()

	fire(fns)
	return nil
}

func (c *Consumer) closeLocked(fns *[]func()) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.stop)
	delete(c.transport.consumers, c.id)
	if c.producer.consumers != nil {
		delete(c.producer.consumers, c.id)
	}
	*fns = append(*fns, c.onClose...)
	c.onClose = nil

	go func() { _ = c.sender.Stop() }()
}

// run starts the RTPSender once the receiving transport is connected.
func (c *Consumer) run() {
	select {
	case <-c.transport.connected:
	case <-c.stop:
		return
	}
	if err := c.sender.Send(c.sendParams); err != nil {
		c.engine.log.Warn("rtp send failed",
			slog.String("consumer_id", c.id),
			slog.String("error", err.Error()))
		return
	}
	c.started.Store(true)
}

// forward writes one of the producer's packets to the consumer's track. The
// track binding rewrites SSRC and payload type, so the packet goes out as
// this consumer advertised it.
func (c *Consumer) forward(pkt *rtp.Packet) {
	if !c.started.Load() || c.paused.Load() {
		return
	}
	if err := c.track.WriteRTP(pkt); err != nil {
		c.engine.log.Debug("rtp forward failed",
			slog.String("consumer_id", c.id),
			slog.String("error", err.Error()))
	}
}

const idRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var idGen = randutil.NewMathRandomGenerator()

func cname() string {
	return "foyer-" + idGen.GenerateString(12, idRunes)
}

func streamID() string {
	return idGen.GenerateString(16, idRunes)
}
