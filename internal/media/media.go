package media

import "context"

// Engine creates routers. One engine instance serves the whole process.
//
// Lifecycle callbacks registered on engine objects (Transport.OnClose,
// Producer.OnClose, Consumer.OnClose) are invoked asynchronously on their own
// goroutine after the state change commits. Implementations must never invoke
// them synchronously from inside the call that triggered the change; callers
// hold locks across engine calls and rely on this.
type Engine interface {
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	Close() error
}

type RouterOptions struct {
	Codecs []RTPCodecCapability
}

// Router is one isolated media domain. Producers on a router can only be
// consumed through transports of the same router.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities

	// CanConsume reports whether an endpoint with the given capabilities can
	// receive the identified producer. Unknown producer ids report false.
	CanConsume(producerID string, caps RTPCapabilities) bool

	CreateTransport(ctx context.Context) (Transport, error)

	// Close tears down the router and every transport, producer and consumer
	// created through it.
	Close() error
}

// ConnectOptions carries the remote side's handshake parameters.
//
// ICEParameters is optional: engines that learn the remote credentials from
// inbound connectivity checks ignore it, while full-ICE engines require it
// and fail Connect without it.
type ConnectOptions struct {
	DTLSParameters DTLSParameters
	ICEParameters  *ICEParameters
}

type ProducerOptions struct {
	Kind          MediaKind
	RTPParameters RTPParameters
	Paused        bool
}

type ConsumerOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
}

// Transport is one ICE+DTLS endpoint between a peer and the engine. The
// local parameters are available immediately after creation; Connect delivers
// the remote parameters and starts the handshake without waiting for it to
// complete.
type Transport interface {
	ID() string
	ICEParameters() ICEParameters
	ICECandidates() []ICECandidate
	DTLSParameters() DTLSParameters

	Connect(ctx context.Context, opts ConnectOptions) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)

	Close() error
	OnClose(fn func())
}

// Producer is an inbound stream a peer sends into a router.
type Producer interface {
	ID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Pause() error
	Resume() error

	// Close also closes every consumer forwarding this producer.
	Close() error
	OnClose(fn func())
}

// Consumer forwards one producer to one receiving transport. Consumers are
// created paused when ConsumerOptions.Paused is set and start forwarding
// after Resume.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPParameters

	// Type describes the forwarding layout, e.g. "simple" for a single
	// encoding.
	Type() string

	Paused() bool
	ProducerPaused() bool
	Pause() error
	Resume() error

	Close() error
	OnClose(fn func())
}
