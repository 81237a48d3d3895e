// Package pionengine implements media.Engine in-process on pion/webrtc's
// ORTC API. One engine holds one webrtc.API; routers, transports, producers
// and consumers are thin state machines around pion's ICE/DTLS transports and
// RTP senders/receivers.
package pionengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Options configure the engine's network behavior. The zero value binds to
// all interfaces on OS-chosen ports.
type Options struct {
	Logger *slog.Logger

	// UDPPortMin/Max restrict the ephemeral port range used for ICE. Both
	// zero means no restriction.
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs are public addresses advertised in ICE candidates when the
	// service runs behind 1:1 NAT.
	NAT1To1IPs           []string
	NAT1To1CandidateType webrtc.ICECandidateType

	// ListenIP restricts candidate gathering to one local interface address.
	// Nil or unspecified means all interfaces.
	ListenIP net.IP

	// Net substitutes the network stack, used by tests to run transports over
	// a virtual network.
	Net transport.Net
}

// Engine implements media.Engine. All object state of one engine is guarded
// by a single mutex; lifecycle callbacks fire on fresh goroutines after the
// triggering transition commits.
type Engine struct {
	log *slog.Logger
	api *webrtc.API

	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
}

func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	caps, err := media.GenerateRouterCapabilities(media.DefaultCodecCapabilities())
	if err != nil {
		return nil, fmt.Errorf("generate codec table: %w", err)
	}
	for _, c := range caps.Codecs {
		codecType := webrtc.RTPCodecTypeAudio
		if c.Kind == media.MediaKindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapabilityToPion(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	se := webrtc.SettingEngine{
		LoggerFactory: slogLoggerFactory{log: log.With(slog.String("component", "pion"))},
	}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(opts.NAT1To1IPs) > 0 {
		candidateType := opts.NAT1To1CandidateType
		if candidateType == webrtc.ICECandidateType(0) {
			candidateType = webrtc.ICECandidateTypeHost
		}
		se.SetNAT1To1IPs(opts.NAT1To1IPs, candidateType)
	}
	// SettingEngine has no "bind to this address" toggle; restricting
	// candidate gathering via IPFilter has the same effect.
	if opts.ListenIP != nil && !opts.ListenIP.IsUnspecified() {
		listenIP := opts.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return &Engine{
		log:     log,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		routers: make(map[string]*Router),
	}, nil
}

func (e *Engine) CreateRouter(_ context.Context, opts media.RouterOptions) (media.Router, error) {
	caps, err := media.GenerateRouterCapabilities(opts.Codecs)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}
	r := &Router{
		engine:     e,
		id:         uuid.NewString(),
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	e.routers[r.id] = r
	e.log.Debug("router created", slog.String("router_id", r.id))
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

// fire invokes lifecycle callbacks asynchronously, as the media.Engine
// contract requires.
func fire(fns []func()) {
	for _, fn := range fns {
		go fn()
	}
}

func codecCapabilityToPion(c media.RTPCodecCapability) webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, f := range c.RTCPFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     uint16(c.Channels),
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: fb,
	}
}

func codecParametersToPion(c media.RTPCodecParameters) webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, f := range c.RTCPFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     uint16(c.Channels),
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: fb,
	}
}

// fmtpLine renders codec parameters in SDP fmtp form with deterministic
// ordering for the parameters this service uses.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := []string{"packetization-mode", "level-asymmetry-allowed", "profile-level-id", "minptime", "useinbandfec"}
	var parts []string
	seen := make(map[string]bool, len(params))
	for _, k := range keys {
		if v, ok := params[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			seen[k] = true
		}
	}
	for k, v := range params {
		if !seen[k] {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, ";")
}

// slogLoggerFactory bridges pion's logging into the service's slog handler.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.log.With(slog.String("scope", scope))}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) Trace(msg string)                  { l.log.Debug(msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Debug(msg string)                  { l.log.Debug(msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Info(msg string)                   { l.log.Info(msg) }
func (l slogLeveledLogger) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Warn(msg string)                   { l.log.Warn(msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l slogLeveledLogger) Error(msg string)                  { l.log.Error(msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
