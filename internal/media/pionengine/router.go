package pionengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Router implements media.Router. It owns the codec capability set and the
// producer registry consumers resolve against.
type Router struct {
	engine *Engine
	id     string
	caps   media.RTPCapabilities

	// Guarded by engine.mu.
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() media.RTPCapabilities { return r.caps }

func (r *Router) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	r.engine.mu.Lock()
	p, ok := r.producers[producerID]
	r.engine.mu.Unlock()
	if !ok {
		return false
	}
	return media.CanConsume(p.params, caps)
}

// CreateTransport builds the ORTC stack for one endpoint: gather ICE
// candidates up front so the local parameters can be handed to the client in
// one round trip.
func (r *Router) CreateTransport(ctx context.Context) (media.Transport, error) {
	e := r.engine

	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice candidates: %w", err)
	}

	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	t := &Transport{
		engine:     e,
		router:     r,
		id:         uuid.NewString(),
		gatherer:   gatherer,
		ice:        ice,
		dtls:       dtls,
		iceParams:  iceParametersFromPion(iceParams),
		candidates: candidatesFromPion(candidates),
		dtlsParams: dtlsParametersFromPion(dtlsParams),
		connected:  make(chan struct{}),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}

	e.mu.Lock()
	if r.closed {
		e.mu.Unlock()
		_ = gatherer.Close()
		return nil, fmt.Errorf("router closed")
	}
	r.transports[t.id] = t
	e.mu.Unlock()

	e.log.Debug("transport created",
		slog.String("router_id", r.id),
		slog.String("transport_id", t.id),
		slog.Int("candidates", len(t.candidates)))
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

	e.mu.Lock()
	delete(e.routers, r.id)
	e.mu.Unlock()
	return nil
}

func iceParametersFromPion(p webrtc.ICEParameters) media.ICEParameters {
	return media.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func candidatesFromPion(cands []webrtc.ICECandidate) []media.ICECandidate {
	out := make([]media.ICECandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, media.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func dtlsParametersFromPion(p webrtc.DTLSParameters) media.DTLSParameters {
	fps := make([]media.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, media.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return media.DTLSParameters{Role: dtlsRoleFromPion(p.Role), Fingerprints: fps}
}

func dtlsRoleFromPion(role webrtc.DTLSRole) media.DTLSRole {
	switch role {
	case webrtc.DTLSRoleClient:
		return media.DTLSRoleClient
	case webrtc.DTLSRoleServer:
		return media.DTLSRoleServer
	default:
		return media.DTLSRoleAuto
	}
}

func dtlsRoleToPion(role media.DTLSRole) webrtc.DTLSRole {
	switch role {
	case media.DTLSRoleClient:
		return webrtc.DTLSRoleClient
	case media.DTLSRoleServer:
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}
