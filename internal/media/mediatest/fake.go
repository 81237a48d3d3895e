// Package mediatest provides an in-memory media.Engine for tests. It keeps
// the real capability matching from the media package but performs no
// networking, and every failure point can be scripted.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Engine implements media.Engine. The zero value is not usable; call
// NewEngine. All objects created through one Engine share one mutex, and
// lifecycle callbacks fire on fresh goroutines as the contract requires.
type Engine struct {
	mu      sync.Mutex
	closed  bool
	routers map[string]*Router

	nextSSRC uint32
	nextPort uint16

	createRouterErr    error
	createTransportErr error
	connectErr         error
	produceErr         error
	consumeErr         error
	resumeErr          error
}

func NewEngine() *Engine {
	return &Engine{
		routers:  make(map[string]*Router),
		nextSSRC: 5000,
		nextPort: 40000,
	}
}

// FailCreateRouter makes subsequent CreateRouter calls return err. Pass nil
// to clear. The other Fail helpers behave the same way for their operation.
func (e *Engine) FailCreateRouter(err error) { e.mu.Lock(); e.createRouterErr = err; e.mu.Unlock() }
func (e *Engine) FailCreateTransport(err error) { e.mu.Lock(); e.createTransportErr = err; e.mu.Unlock() }
func (e *Engine) FailConnect(err error) { e.mu.Lock(); e.connectErr = err; e.mu.Unlock() }
func (e *Engine) FailProduce(err error) { e.mu.Lock(); e.produceErr = err; e.mu.Unlock() }
func (e *Engine) FailConsume(err error) { e.mu.Lock(); e.consumeErr = err; e.mu.Unlock() }
func (e *Engine) FailResume(err error) { e.mu.Lock(); e.resumeErr = err; e.mu.Unlock() }

func (e *Engine) CreateRouter(_ context.Context, opts media.RouterOptions) (media.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}
	if e.createRouterErr != nil {
		return nil, e.createRouterErr
	}
	caps, err := media.GenerateRouterCapabilities(opts.Codecs)
	if err != nil {
		return nil, err
	}
	r := &Router{
		engine:     e,
		id:         uuid.NewString(),
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
	e.routers[r.id] = r
	return r, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	return nil
}

func (e *Engine) RouterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

// Routers returns every router ever created, closed ones included, in
// creation-independent order.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		out = append(out, r)
	}
	return out
}

// Router implements media.Router.
type Router struct {
	engine *Engine
	id     string
	caps   media.RTPCapabilities

	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer

	// CanConsumeFn overrides the codec-matching check when set.
	CanConsumeFn func(producerID string, caps media.RTPCapabilities) bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() media.RTPCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	r.engine.mu.Lock()
	fn := r.CanConsumeFn
	p, ok := r.producers[producerID]
	r.engine.mu.Unlock()
	if fn != nil {
		return fn(producerID, caps)
	}
	if !ok {
		return false
	}
	return media.CanConsume(p.params, caps)
}

func (r *Router) CreateTransport(_ context.Context) (media.Transport, error) {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createTransportErr != nil {
		return nil, e.createTransportErr
	}
	if r.closed {
		return nil, fmt.Errorf("router closed")
	}
	port := e.nextPort
	e.nextPort++
	t := &Transport{
		router: r,
		id:     uuid.NewString(),
		ice: media.ICEParameters{
			UsernameFragment: uuid.NewString()[:8],
			Password:         uuid.NewString(),
		},
		candidates: []media.ICECandidate{{
			Foundation: "fake0",
			Priority:   2130706431,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       port,
			Type:       "host",
		}},
		dtls: media.DTLSParameters{
			Role: media.DTLSRoleAuto,
			Fingerprints: []media.DTLSFingerprint{
				{Algorithm: "sha-256", Value: "F0:0F:" + uuid.NewString()[:5]},
			},
		},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) Close() error {
	e := r.engine
	e.mu.Lock()
	if r.closed {
		e.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	e.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	// Closed routers stay registered so tests can observe Closed() after the
	// release cascade, like transports and producers do.
	return nil
}

func (r *Router) Closed() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.closed
}

func (r *Router) TransportCount() int {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return len(r.transports)
}

func (r *Router) ProducerCount() int {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return len(r.producers)
}

func (r *Router) ConsumerCount() int {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return len(r.consumers)
}

// Transport implements media.Transport.
type Transport struct {
	router *Router
	id     string

	ice        media.ICEParameters
	candidates []media.ICECandidate
	dtls       media.DTLSParameters

	closed        bool
	connected     bool
	connectedWith media.ConnectOptions
	producers     map[string]*Producer
	consumers     map[string]*Consumer
	onClose       []func()
}

func (t *Transport) ID() string { return t.id }
func (t *Transport) ICEParameters() media.ICEParameters { return t.ice }
func (t *Transport) ICECandidates() []media.ICECandidate { return t.candidates }
func (t *Transport) DTLSParameters() media.DTLSParameters { return t.dtls }

func (t *Transport) OnClose(fn func()) {
	t.router.engine.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.router.engine.mu.Unlock()
}

func (t *Transport) Connect(_ context.Context, opts media.ConnectOptions) error {
	e := t.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return e.connectErr
	}
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if len(opts.DTLSParameters.Fingerprints) == 0 {
		return fmt.Errorf("no dtls fingerprints")
	}
	t.connected = true
	t.connectedWith = opts
	return nil
}

func (t *Transport) Produce(_ context.Context, opts media.ProducerOptions) (media.Producer, error) {
	e := t.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.produceErr != nil {
		return nil, e.produceErr
	}
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if err := media.ValidateProducerRTPParameters(opts.Kind, opts.RTPParameters); err != nil {
		return nil, err
	}
	p := &Producer{
		transport: t,
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    opts.RTPParameters,
		paused:    opts.Paused,
	}
	t.producers[p.id] = p
	t.router.producers[p.id] = p
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	e := t.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumeErr != nil {
		return nil, e.consumeErr
	}
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	p, ok := t.router.producers[opts.ProducerID]
	if !ok {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	ssrc := e.nextSSRC
	e.nextSSRC++
	params, err := media.BuildConsumerParameters(p.params, opts.RTPCapabilities, ssrc, "fake-cname")
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		transport: t,
		producer:  p,
		id:        uuid.NewString(),
		kind:      p.kind,
		params:    params,
		paused:    opts.Paused,
	}
	t.consumers[c.id] = c
	t.router.consumers[c.id] = c
	return c, nil
}

func (t *Transport) Close() error {
	e := t.router.engine
	e.mu.Lock()
	if t.closed {
		e.mu.Unlock()
		return nil
	}
	var fns []func()
	t.closeLocked(&fns)
	e.mu.Unlock()

	fire(fns)
	return nil
}

// closeLocked tears the transport down and collects the callbacks to fire
// once the engine lock is released.
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

func (t *Transport) Closed() bool {
	t.router.engine.mu.Lock()
	defer t.router.engine.mu.Unlock()
	return t.closed
}

func (t *Transport) Connected() bool {
	t.router.engine.mu.Lock()
	defer t.router.engine.mu.Unlock()
	return t.connected
}

// ConnectedWith returns the options the transport was connected with.
func (t *Transport) ConnectedWith() media.ConnectOptions {
	t.router.engine.mu.Lock()
	defer t.router.engine.mu.Unlock()
	return t.connectedWith
}

// Producer implements media.Producer.
type Producer struct {
	transport *Transport
	id        string
	kind      media.MediaKind
	params    media.RTPParameters

	closed  bool
	paused  bool
	onClose []func()
}

func (p *Producer) ID() string { return p.id }
func (p *Producer) Kind() media.MediaKind { return p.kind }
func (p *Producer) RTPParameters() media.RTPParameters { return p.params }

func (p *Producer) Paused() bool {
	p.transport.router.engine.mu.Lock()
	defer p.transport.router.engine.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() error {
	p.transport.router.engine.mu.Lock()
	defer p.transport.router.engine.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer closed")
	}
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.transport.router.engine.mu.Lock()
	defer p.transport.router.engine.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer closed")
	}
	p.paused = false
	return nil
}

func (p *Producer) OnClose(fn func()) {
	p.transport.router.engine.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.transport.router.engine.mu.Unlock()
}

func (p *Producer) Close() error {
	e := p.transport.router.engine
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

// closeLocked closes the producer and cascades to every consumer of it on
// any transport of the router.
func (p *Producer) closeLocked(fns *[]func()) {
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.transport.router.consumers {
		if c.producer == p {
			c.closeLocked(fns)
		}
	}
	delete(p.transport.producers, p.id)
	delete(p.transport.router.producers, p.id)
	*fns = append(*fns, p.onClose...)
	p.onClose = nil
}

func (p *Producer) Closed() bool {
	p.transport.router.engine.mu.Lock()
	defer p.transport.router.engine.mu.Unlock()
	return p.closed
}

// Consumer implements media.Consumer.
type Consumer struct {
	transport *Transport
	producer  *Producer
	id        string
	kind      media.MediaKind
	params    media.RTPParameters

	closed      bool
	paused      bool
	resumeCount int
	onClose     []func()
}

func (c *Consumer) ID() string { return c.id }
func (c *Consumer) ProducerID() string { return c.producer.id }
func (c *Consumer) Kind() media.MediaKind { return c.kind }
func (c *Consumer) RTPParameters() media.RTPParameters { return c.params }
func (c *Consumer) Type() string { return "simple" }

func (c *Consumer) Paused() bool {
	c.transport.router.engine.mu.Lock()
	defer c.transport.router.engine.mu.Unlock()
	return c.paused
}

func (c *Consumer) ProducerPaused() bool {
	c.transport.router.engine.mu.Lock()
	defer c.transport.router.engine.mu.Unlock()
	return c.producer.paused
}

func (c *Consumer) Pause() error {
	c.transport.router.engine.mu.Lock()
	defer c.transport.router.engine.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer closed")
	}
	c.paused = true
	return nil
}

func (c *Consumer) Resume() error {
	e := c.transport.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumeErr != nil {
		return e.resumeErr
	}
	if c.closed {
		return fmt.Errorf("consumer closed")
	}
	c.paused = false
	c.resumeCount++
	return nil
}

func (c *Consumer) OnClose(fn func()) {
	c.transport.router.engine.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.transport.router.engine.mu.Unlock()
}

func (c *Consumer) Close() error {
	e := c.transport.router.engine
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
	delete(c.transport.consumers, c.id)
	delete(c.transport.router.consumers, c.id)
	*fns = append(*fns, c.onClose...)
	c.onClose = nil
}

func (c *Consumer) Closed() bool {
	c.transport.router.engine.mu.Lock()
	defer c.transport.router.engine.mu.Unlock()
	return c.closed
}

func (c *Consumer) ResumeCount() int {
	c.transport.router.engine.mu.Lock()
	defer c.transport.router.engine.mu.Unlock()
	return c.resumeCount
}

// fire invokes lifecycle callbacks asynchronously, as the media.Engine
// contract requires.
func fire(fns []func()) {
	for _, fn := range fns {
		go fn()
	}
}
