// Package config loads the service configuration from environment variables
// and command-line flags. Environment values become flag defaults, so flags
// always win. Every knob is validated here; an invalid configuration is a
// startup failure.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

const (
	envVarMode            = "FOYER_SFU_SIGNALING_MODE"
	envVarListenAddr      = "FOYER_SFU_SIGNALING_LISTEN_ADDR"
	envVarLogFormat       = "FOYER_SFU_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "FOYER_SFU_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "FOYER_SFU_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "FOYER_SFU_SIGNALING_ALLOWED_ORIGINS"

	envVarMaxRooms        = "FOYER_SFU_SIGNALING_MAX_ROOMS"
	envVarMaxPeersPerRoom = "FOYER_SFU_SIGNALING_MAX_PEERS_PER_ROOM"

	envVarMaxSignalMessageBytes   = "FOYER_SFU_SIGNALING_MAX_SIGNAL_MESSAGE_BYTES"
	envVarSignalMessagesPerSecond = "FOYER_SFU_SIGNALING_SIGNAL_MESSAGES_PER_SECOND"
	envVarSignalMessagesBurst     = "FOYER_SFU_SIGNALING_SIGNAL_MESSAGES_BURST"
	envVarSendQueueSize           = "FOYER_SFU_SIGNALING_SEND_QUEUE_SIZE"
	envVarWSPingInterval          = "FOYER_SFU_SIGNALING_WS_PING_INTERVAL"
	envVarWSIdleTimeout           = "FOYER_SFU_SIGNALING_WS_IDLE_TIMEOUT"

	envVarMediaCodecs = "FOYER_SFU_SIGNALING_MEDIA_CODECS"

	envVarWebRTCUDPPortMin             = "FOYER_SFU_SIGNALING_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "FOYER_SFU_SIGNALING_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "FOYER_SFU_SIGNALING_WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "FOYER_SFU_SIGNALING_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "FOYER_SFU_SIGNALING_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

const (
	DefaultListenAddr                   = "127.0.0.1:8080"
	DefaultShutdown                     = 15 * time.Second
	DefaultMode                    Mode = ModeDev
	DefaultMaxSignalMessageBytes        = int64(64 * 1024)
	DefaultSignalMessagesPerSecond      = 50
	DefaultSignalMessagesBurst          = 100
	DefaultSendQueueSize                = 256
	DefaultWSPingInterval               = 20 * time.Second
	DefaultWSIdleTimeout                = 60 * time.Second
	DefaultWebRTCUDPListenIP            = "0.0.0.0"
	DefaultMediaCodecs                  = "audio/opus,video/VP8,video/H264"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Mode            Mode
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// MaxRooms and MaxPeersPerRoom cap admission; 0 means unlimited.
	MaxRooms        int
	MaxPeersPerRoom int

	// Signaling WebSocket hardening.
	MaxSignalMessageBytes   int64
	SignalMessagesPerSecond int
	SignalMessagesBurst     int
	SendQueueSize           int
	WSPingInterval          time.Duration
	WSIdleTimeout           time.Duration

	// MediaCodecs is the router codec set, resolved from the configured mime
	// type list against the supported table.
	MediaCodecs []media.RTPCodecCapability

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, the
	// engine uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures the engine to advertise these public IPs for
	// ICE when the service is behind NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE binds UDP
	// sockets to. 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	mediaCodecsStr := envOrDefault(lookup, envVarMediaCodecs, DefaultMediaCodecs)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	maxRooms, err := envIntOrDefault(lookup, envVarMaxRooms, 0)
	if err != nil {
		return Config{}, err
	}
	maxPeersPerRoom, err := envIntOrDefault(lookup, envVarMaxPeersPerRoom, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	if err != nil {
		return Config{}, err
	}
	signalMessagesPerSecond, err := envIntOrDefault(lookup, envVarSignalMessagesPerSecond, DefaultSignalMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalMessagesBurst, err := envIntOrDefault(lookup, envVarSignalMessagesBurst, DefaultSignalMessagesBurst)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network settings (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("foyer-sfu-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, '*' for any (env "+envVarAllowedOrigins+")")
	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Maximum concurrent rooms, 0 = unlimited (env "+envVarMaxRooms+")")
	fs.IntVar(&maxPeersPerRoom, "max-peers-per-room", maxPeersPerRoom, "Maximum peers per room, 0 = unlimited (env "+envVarMaxPeersPerRoom+")")
	fs.Int64Var(&maxSignalMessageBytes, "max-signal-message-bytes", maxSignalMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalMessageBytes+")")
	fs.IntVar(&signalMessagesPerSecond, "signal-messages-per-second", signalMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarSignalMessagesPerSecond+")")
	fs.IntVar(&signalMessagesBurst, "signal-messages-burst", signalMessagesBurst, "Signaling WS message rate limit burst (env "+envVarSignalMessagesBurst+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Outbound event queue size per connection (env "+envVarSendQueueSize+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Signaling WS ping interval, must be < --ws-idle-timeout (env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle signaling WS connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.StringVar(&mediaCodecsStr, "media-codecs", mediaCodecsStr, "Comma-separated router codec mime types (env "+envVarMediaCodecs+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE, 0 = unset (env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE, 0 = unset (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// A --mode flag changes the log defaults unless format/level were set
	// explicitly.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxRooms < 0 {
		return Config{}, fmt.Errorf("%s/--max-rooms must be >= 0 (0 = unlimited)", envVarMaxRooms)
	}
	if maxPeersPerRoom < 0 {
		return Config{}, fmt.Errorf("%s/--max-peers-per-room must be >= 0 (0 = unlimited)", envVarMaxPeersPerRoom)
	}
	if maxSignalMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signal-message-bytes must be > 0", envVarMaxSignalMessageBytes)
	}
	if signalMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--signal-messages-per-second must be > 0", envVarSignalMessagesPerSecond)
	}
	if signalMessagesBurst < signalMessagesPerSecond {
		return Config{}, fmt.Errorf("%s/--signal-messages-burst must be >= %s", envVarSignalMessagesBurst, envVarSignalMessagesPerSecond)
	}
	if sendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-size must be > 0", envVarSendQueueSize)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}

	codecs, err := media.CodecCapabilitiesForMimes(splitCommaList(mediaCodecsStr))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--media-codecs: %w", envVarMediaCodecs, err)
	}
	if len(codecs) == 0 {
		return Config{}, fmt.Errorf("%s/--media-codecs must not be empty", envVarMediaCodecs)
	}

	var portRange *UDPPortRange
	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if webrtcUDPPortMin != 0 {
		if webrtcUDPPortMin > webrtcUDPPortMax {
			return Config{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		portRange = &UDPPortRange{Min: uint16(webrtcUDPPortMin), Max: uint16(webrtcUDPPortMax)}
	}

	listenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	nat1To1IPs := splitCommaList(webrtcNAT1To1IPsStr)
	for _, ip := range nat1To1IPs {
		if net.ParseIP(ip) == nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips entry %q (must be a literal IP)", envVarWebRTCNAT1To1IPs, ip)
		}
	}
	candidateType, err := parseNAT1To1CandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Mode:            mode,
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaList(allowedOriginsStr),

		MaxRooms:        maxRooms,
		MaxPeersPerRoom: maxPeersPerRoom,

		MaxSignalMessageBytes:   maxSignalMessageBytes,
		SignalMessagesPerSecond: signalMessagesPerSecond,
		SignalMessagesBurst:     signalMessagesBurst,
		SendQueueSize:           sendQueueSize,
		WSPingInterval:          wsPingInterval,
		WSIdleTimeout:           wsIdleTimeout,

		MediaCodecs: codecs,

		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             nat1To1IPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
		WebRTCUDPListenIP:            listenIP,
	}, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// IsUnspecifiedIP reports whether ip is nil or the all-zeros address.
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePortString(raw string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be 1-65535")
	}
	return uint16(n), nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", raw)
	}
}

func parseNAT1To1CandidateType(raw string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("invalid NAT 1:1 IP candidate type %q (expected host or srflx)", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}
