package pionengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Transport implements media.Transport over an ORTC ICE+DTLS pair. Local
// parameters are fixed at creation; Connect feeds in the remote side and
// starts the handshake asynchronously. Producers and consumers created before
// the handshake finishes hold off their RTP work until it does.
type Transport struct {
	engine *Engine
	router *Router
	id     string

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	iceParams  media.ICEParameters
	candidates []media.ICECandidate
	dtlsParams media.DTLSParameters

	// connected is closed once ICE and DTLS are established.
	connected chan struct{}

	// Guarded by engine.mu.
	closed     bool
	connecting bool
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	onClose    []func()
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) ICEParameters() media.ICEParameters   { return t.iceParams }
func (t *Transport) ICECandidates() []media.ICECandidate  { return t.candidates }
func (t *Transport) DTLSParameters() media.DTLSParameters { return t.dtlsParams }

func (t *Transport) OnClose(fn func()) {
	t.engine.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.engine.mu.Unlock()
}

// Connect validates the remote parameters and starts the ICE/DTLS handshake
// in the background. This is a full-ICE engine, so the remote ICE credentials
// are required.
func (t *Transport) Connect(_ context.Context, opts media.ConnectOptions) error {
	if len(opts.DTLSParameters.Fingerprints) == 0 {
		return fmt.Errorf("no dtls fingerprints")
	}
	if opts.ICEParameters == nil || opts.ICEParameters.UsernameFragment == "" || opts.ICEParameters.Password == "" {
		return fmt.Errorf("remote ice parameters required")
	}

	t.engine.mu.Lock()
	if t.closed {
		t.engine.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.connecting {
		t.engine.mu.Unlock()
		return fmt.Errorf("transport already connecting")
	}
	t.connecting = true
	t.engine.mu.Unlock()

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: opts.ICEParameters.UsernameFragment,
		Password:         opts.ICEParameters.Password,
		ICELite:          opts.ICEParameters.ICELite,
	}
	remoteDTLS := webrtc.DTLSParameters{
		Role:         dtlsRoleToPion(opts.DTLSParameters.Role),
		Fingerprints: make([]webrtc.DTLSFingerprint, 0, len(opts.DTLSParameters.Fingerprints)),
	}
	for _, fp := range opts.DTLSParameters.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}

	go t.runHandshake(remoteICE, remoteDTLS)
	return nil
}

// runHandshake takes the controlled ICE role: the browser initiates
// connectivity checks, the service answers.
func (t *Transport) runHandshake(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		t.engine.log.Warn("ice start failed",
			slog.String("transport_id", t.id),
			slog.String("error", err.Error()))
		_ = t.Close()
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		t.engine.log.Warn("dtls start failed",
			slog.String("transport_id", t.id),
			slog.String("error", err.Error()))
		_ = t.Close()
		return
	}
	close(t.connected)
	t.engine.log.Debug("transport connected", slog.String("transport_id", t.id))
}

func (t *Transport) Produce(_ context.Context, opts media.ProducerOptions) (media.Producer, error) {
	if err := media.ValidateProducerRTPParameters(opts.Kind, opts.RTPParameters); err != nil {
		return nil, err
	}

	codecType := webrtc.RTPCodecTypeAudio
	if opts.Kind == media.MediaKindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.engine.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}

	p := &Producer{
		engine:    t.engine,
		transport: t,
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RTPParameters,
		ssrc:      opts.RTPParameters.Encodings[0].SSRC,
		receiver:  receiver,
		consumers: make(map[string]*Consumer),
		stop:      make(chan struct{}),
	}
	p.paused.Store(opts.Paused)

	t.engine.mu.Lock()
	if t.closed {
		t.engine.mu.Unlock()
		_ = receiver.Stop()
		return nil, fmt.Errorf("transport closed")
	}
	t.producers[p.id] = p
	t.router.producers[p.id] = p
	t.engine.mu.Unlock()

	go p.run()

	t.engine.log.Debug("producer created",
		slog.String("transport_id", t.id),
		slog.String("producer_id", p.id),
		slog.String("kind", string(opts.Kind)))
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	t.engine.mu.Lock()
	producer, ok := t.router.producers[opts.ProducerID]
	closed := t.closed
	t.engine.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("transport closed")
	}
	if !ok {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}

	// The advertised SSRC must be the one the RTPSender actually stamps on
	// outgoing packets, so the parameters are built first and patched with the
	// sender's SSRC once it exists.
	params, err := media.BuildConsumerParameters(producer.params, opts.RTPCapabilities, 0, cname())
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codecParametersToPion(params.Codecs[0]), uuid.NewString(), streamID())
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}

	sendParams := sender.GetParameters()
	if len(sendParams.Encodings) == 0 {
		_ = sender.Stop()
		return nil, fmt.Errorf("sender has no encodings")
	}
	params.Encodings[0].SSRC = uint32(sendParams.Encodings[0].SSRC)

	c := &Consumer{
		engine:     t.engine,
		transport:  t,
		producer:   producer,
		id:         uuid.NewString(),
		kind:       producer.kind,
		params:     params,
		track:      track,
		sender:     sender,
		sendParams: sendParams,
		stop:       make(chan struct{}),
	}
	c.paused.Store(opts.Paused)

	t.engine.mu.Lock()
	if t.closed || producer.closed {
		t.engine.mu.Unlock()
		_ = sender.Stop()
		return nil, fmt.Errorf("transport or producer closed")
	}
	t.consumers[c.id] = c
	producer.consumers[c.id] = c
	t.engine.mu.Unlock()

	go c.run()

	t.engine.log.Debug("consumer created",
		slog.String("transport_id", t.id),
		slog.String("consumer_id", c.id),
		slog.String("producer_id", producer.id))
	return c, nil
}

func (t *Transport) Close() error {
	e := t.engine
	e.mu.Lock()
	if t.closed {
		e.mu.Unlock()
		return nil
	}
	var fns []func()
	t.closeLocked(&fns)
	e.mu.Unlock()

	fire(fns)

	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()
	return nil
}

// closeLocked tears down the transport and everything riding on it,
// collecting callbacks to fire after the engine lock is released. The pion
// objects of producers/consumers are stopped by their own closeLocked.
func (t *Transport) closeLocked(fns *[]func()) {
	if t.closed {
		return
	}
	t.closed = true
	for _, p := range t.producers {
		p.closeLocked(fns)
	}
	for _, c := range t.consumers {
		c.closeLocked(fns)
	}
	delete(t.router.transports, t.id)
	*fns = append(*fns, t.onClose...)
	t.onClose = nil
}
