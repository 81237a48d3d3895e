package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/conference"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/metrics"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/origin"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/ratelimit"
)

const wsWriteWait = 5 * time.Second

// Options carry the gateway's connection-level knobs. Zero values fall back
// to conservative defaults so tests can use a bare struct literal.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Origins is the upgrade-time Origin policy. Nil means same-host.
	Origins *origin.Allowlist

	MaxMessageBytes   int64
	MessagesPerSecond int
	MessagesBurst     int
	SendQueueSize     int
	PingInterval      time.Duration
	IdleTimeout       time.Duration
}

// Server upgrades signaling connections and runs one peerSession per
// connection until it disconnects or the server shuts down.
type Server struct {
	log   *slog.Logger
	met   *metrics.Metrics
	rooms *conference.Registry

	origins *origin.Allowlist

	maxMessageBytes   int64
	messagesPerSecond int64
	messagesBurst     int64
	sendQueueSize     int
	pingInterval      time.Duration
	idleTimeout       time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	sessions map[*peerSession]struct{}
}

func NewServer(rooms *conference.Registry, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	origins := opts.Origins
	if origins == nil {
		origins, _ = origin.NewAllowlist(nil)
	}
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	rate := int64(opts.MessagesPerSecond)
	if rate <= 0 {
		rate = 50
	}
	burst := int64(opts.MessagesBurst)
	if burst < rate {
		burst = rate
	}
	queue := opts.SendQueueSize
	if queue <= 0 {
		queue = 256
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 20 * time.Second
	}
	idle := opts.IdleTimeout
	if idle <= ping {
		idle = 3 * ping
	}

	return &Server{
		log:               log,
		met:               opts.Metrics,
		rooms:             rooms,
		origins:           origins,
		maxMessageBytes:   maxBytes,
		messagesPerSecond: rate,
		messagesBurst:     burst,
		sendQueueSize:     queue,
		pingInterval:      ping,
		idleTimeout:       idle,
		upgrader: websocket.Upgrader{
			// Origin is checked before Upgrade so rejections are a plain 403
			// instead of a failed handshake.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*peerSession]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.origins.Allow(r.Header.Get("Origin"), r.Host) {
		s.met.Event("ws_rejected_origin")
		s.log.Warn("rejected signaling upgrade",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peerSession{
		srv:     s,
		conn:    conn,
		peerID:  uuid.NewString(),
		limiter: ratelimit.NewBucket(ratelimit.RealClock{}, s.messagesBurst, s.messagesPerSecond),
		sendCh:  make(chan []byte, s.sendQueueSize),
		done:    make(chan struct{}),
	}
	p.log = s.log.With(slog.String("peer_id", p.peerID))

	if !s.track(p) {
		// Server is shutting down.
		_ = conn.Close()
		return
	}
	defer s.untrack(p)

	s.met.Event("ws_connections")
	p.log.Debug("signaling connection open", slog.String("remote_addr", r.RemoteAddr))

	p.run(r.Context())
	p.log.Debug("signaling connection closed")
}

func (s *Server) track(p *peerSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *peerSession) {
	s.mu.Lock()
	delete(s.sessions, p)
	s.mu.Unlock()
}

// Close tears down every live connection. Each session's read loop observes
// the closed socket and runs its normal leave path.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*peerSession, 0, len(s.sessions))
	for p := range s.sessions {
		sessions = append(sessions, p)
	}
	s.mu.Unlock()

	for _, p := range sessions {
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// peerSession owns one WebSocket connection. The read loop (run) is the only
// reader; writeLoop is the only writer and drains sendCh. Everything that can
// kill the connection funnels through teardown, and the room leave happens
// exactly once when run returns.
type peerSession struct {
	srv     *Server
	log     *slog.Logger
	conn    *websocket.Conn
	peerID  string
	limiter *ratelimit.Bucket

	sendCh chan []byte
	done   chan struct{}

	closeOnce sync.Once
	leaveOnce sync.Once

	mu   sync.Mutex
	room *conference.Room
}

// Push implements conference.Sender. It is called with the room lock held and
// must not block: a queue that cannot absorb the event means the client has
// stopped draining, so the connection is scheduled for teardown instead.
func (p *peerSession) Push(ev conference.Event) {
	payload, err := json.Marshal(eventEnvelope{Event: ev.Name, Data: ev.Data})
	if err != nil {
		p.log.Error("event marshal failed", slog.String("event", ev.Name), slog.String("error", err.Error()))
		return
	}
	p.enqueue(payload)
}

func (p *peerSession) enqueue(payload []byte) {
	select {
	case p.sendCh <- payload:
	case <-p.done:
	default:
		p.srv.met.Event("ws_send_overflow")
		p.log.Warn("send queue overflow, dropping connection")
		p.teardown()
	}
}

// teardown unblocks both loops. Safe to call from any goroutine, including
// with a room lock held: it never touches room state.
func (p *peerSession) teardown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// closeWith sends a close frame before tearing the connection down. Best
// effort; the client may already be gone.
func (p *peerSession) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	p.teardown()
}

func (p *peerSession) leave() {
	p.leaveOnce.Do(func() {
		p.mu.Lock()
		room := p.room
		p.room = nil
		p.mu.Unlock()
		if room != nil {
			room.Leave(p.peerID)
		}
	})
}

func (p *peerSession) currentRoom() *conference.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

func (p *peerSession) run(ctx context.Context) {
	defer p.leave()
	defer p.teardown()

	p.conn.SetReadLimit(p.srv.maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.srv.idleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.srv.idleTimeout))
	})

	go p.writeLoop()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			p.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.srv.idleTimeout))
		p.srv.met.Event("ws_messages_in")

		// Checked after the read: the frame has already been paid for, and
		// closing here (rather than stalling reads) tells the client why.
		if !p.limiter.Allow() {
			p.srv.met.Event("ws_rate_limited")
			p.closeWith(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		if !p.handleMessage(ctx, data) {
			return
		}
	}
}

func (p *peerSession) writeLoop() {
	ticker := time.NewTicker(p.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				p.teardown()
				return
			}
			p.srv.met.Event("ws_messages_out")
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.teardown()
				return
			}
		case <-p.done:
			return
		}
	}
}

// handleMessage parses and dispatches one request. It returns false when the
// connection should stop reading.
func (p *peerSession) handleMessage(ctx context.Context, data []byte) bool {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		p.closeWith(websocket.CloseUnsupportedData, "malformed request")
		return false
	}
	if req.ID == nil {
		p.closeWith(websocket.CloseUnsupportedData, "request id required")
		return false
	}
	id := *req.ID

	// Re-decode strictly now that the id is recoverable: unknown envelope
	// fields become an addressable error instead of a dropped connection.
	var strict request
	if err := decodeStrict(data, &strict); err != nil {
		p.replyErr(id, CodeBadRequest, "malformed request envelope")
		return true
	}

	p.dispatch(ctx, id, req.Method, req.Data)
	return true
}

func (p *peerSession) dispatch(ctx context.Context, id uint64, method string, data json.RawMessage) {
	switch method {
	case methodCreateRoom:
		p.handleCreateRoom(ctx, id, data)
	case methodJoinRoom:
		p.handleJoinRoom(id, data)
	case methodCreateTransport:
		p.handleCreateTransport(ctx, id, data)
	case methodConnectTransport:
		p.handleConnectTransport(ctx, id, data)
	case methodProduce:
		p.handleProduce(ctx, id, data)
	case methodConsume:
		p.handleConsume(ctx, id, data)
	case methodResumeConsumer:
		p.handleConsumerControl(id, data, (*conference.Room).ResumeConsumer)
	case methodPauseConsumer:
		p.handleConsumerControl(id, data, (*conference.Room).PauseConsumer)
	case methodPauseProducer:
		p.handleProducerControl(id, data, (*conference.Room).PauseProducer)
	case methodResumeProducer:
		p.handleProducerControl(id, data, (*conference.Room).ResumeProducer)
	case methodCloseProducer:
		p.handleProducerControl(id, data, (*conference.Room).CloseProducer)
	default:
		p.replyErr(id, CodeBadRequest, "unknown method "+method)
	}
}

func (p *peerSession) handleCreateRoom(ctx context.Context, id uint64, data json.RawMessage) {
	if err := decodeStrict(data, &emptyData{}); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid createRoom payload")
		return
	}
	room, err := p.srv.rooms.CreateRoom(ctx)
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, createRoomResponse{RoomID: room.ID()})
}

func (p *peerSession) handleJoinRoom(id uint64, data json.RawMessage) {
	var req joinRoomRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid joinRoom payload")
		return
	}
	if req.RoomID == "" {
		p.replyErr(id, CodeBadRequest, "roomId required")
		return
	}

	p.mu.Lock()
	if p.room != nil {
		p.mu.Unlock()
		p.replyErr(id, CodeAlreadyJoined, "peer already joined a room")
		return
	}
	p.mu.Unlock()

	room, err := p.srv.rooms.Get(req.RoomID)
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	res, err := room.Join(p.peerID, req.DisplayName, p)
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}

	p.mu.Lock()
	p.room = room
	p.mu.Unlock()

	// The reply is queued before the snapshot events, so the client always
	// learns its own peer id before the first newProducer arrives.
	p.reply(id, joinRoomResponse{
		PeerID:          p.peerID,
		RTPCapabilities: res.RTPCapabilities,
		Peers:           res.Peers,
	})
	for _, producer := range res.Producers {
		p.Push(conference.Event{Name: conference.EventNewProducer, Data: producer})
	}
}

func (p *peerSession) handleCreateTransport(ctx context.Context, id uint64, data json.RawMessage) {
	var req createTransportRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid createTransport payload")
		return
	}
	room := p.currentRoom()
	if room == nil {
		p.replyErr(id, CodeRoomNotFound, "not in a room")
		return
	}
	direction := conference.DirectionSend
	if req.Consumer {
		direction = conference.DirectionReceive
	}
	info, err := room.CreateTransport(ctx, p.peerID, direction)
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, createTransportResponse{Params: info})
}

func (p *peerSession) handleConnectTransport(ctx context.Context, id uint64, data json.RawMessage) {
	var req connectTransportRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid connectTransport payload")
		return
	}
	if req.TransportID == "" {
		p.replyErr(id, CodeBadRequest, "transportId required")
		return
	}
	room := p.currentRoom()
	if room == nil {
		p.replyErr(id, CodeRoomNotFound, "not in a room")
		return
	}
	err := room.ConnectTransport(ctx, p.peerID, req.TransportID, media.ConnectOptions{
		DTLSParameters: req.DTLSParameters,
		ICEParameters:  req.ICEParameters,
	})
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, emptyData{})
}

func (p *peerSession) handleProduce(ctx context.Context, id uint64, data json.RawMessage) {
	var req produceRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid produce payload")
		return
	}
	if req.TransportID == "" {
		p.replyErr(id, CodeBadRequest, "transportId required")
		return
	}
	if err := media.ValidateProducerRTPParameters(req.Kind, req.RTPParameters); err != nil {
		p.replyErr(id, CodeBadRequest, err.Error())
		return
	}
	room := p.currentRoom()
	if room == nil {
		p.replyErr(id, CodeRoomNotFound, "not in a room")
		return
	}
	producerID, err := room.Produce(ctx, p.peerID, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, produceResponse{ID: producerID})
}

func (p *peerSession) handleConsume(ctx context.Context, id uint64, data json.RawMessage) {
	var req consumeRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid consume payload")
		return
	}
	if req.TransportID == "" || req.ProducerID == "" {
		p.replyErr(id, CodeBadRequest, "transportId and producerId required")
		return
	}
	room := p.currentRoom()
	if room == nil {
		p.replyErr(id, CodeRoomNotFound, "not in a room")
		return
	}
	info, err := room.Consume(ctx, p.peerID, req.TransportID, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, info)
}

func (p *peerSession) handleConsumerControl(id uint64, data json.RawMessage, op func(*conference.Room, string, string) error) {
	var req consumerRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid payload")
		return
	}
	if req.ConsumerID == "" {
		p.replyErr(id, CodeBadRequest, "consumerId required")
		return
	}
	room := p.currentRoom()
	if room == nil {
		p.replyErr(id, CodeRoomNotFound, "not in a room")
		return
	}
	if err := op(room, p.peerID, req.ConsumerID); err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, emptyData{})
}

func (p *peerSession) handleProducerControl(id uint64, data json.RawMessage, op func(*conference.Room, string, string) error) {
	var req producerRequest
	if err := decodeStrict(data, &req); err != nil {
		p.replyErr(id, CodeBadRequest, "invalid payload")
		return
	}
	if req.ProducerID == "" {
		p.replyErr(id, CodeBadRequest, "producerId required")
		return
	}
	room := p.currentRoom()
	if room == nil {
		p.replyErr(id, CodeRoomNotFound, "not in a room")
		return
	}
	if err := op(room, p.peerID, req.ProducerID); err != nil {
		p.replyConferenceErr(id, err)
		return
	}
	p.reply(id, emptyData{})
}

func (p *peerSession) reply(id uint64, data any) {
	payload, err := json.Marshal(response{ID: id, OK: true, Data: data})
	if err != nil {
		p.log.Error("response marshal failed", slog.String("error", err.Error()))
		return
	}
	p.enqueue(payload)
}

func (p *peerSession) replyErr(id uint64, code, message string) {
	payload, err := json.Marshal(response{ID: id, OK: false, Error: &wireError{Code: code, Message: message}})
	if err != nil {
		p.log.Error("response marshal failed", slog.String("error", err.Error()))
		return
	}
	p.enqueue(payload)
}

func (p *peerSession) replyConferenceErr(id uint64, err error) {
	code := codeForError(err)
	if code == CodeEngineFailure {
		p.srv.met.Event("engine_failures")
	}
	p.replyErr(id, code, err.Error())
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, conference.ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, conference.ErrProducerNotFound):
		return CodeProducerNotFound
	case errors.Is(err, conference.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, conference.ErrIncompatibleCapabilities):
		return CodeIncompatibleCapabilities
	case errors.Is(err, conference.ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, conference.ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, conference.ErrTooManyRooms):
		return CodeTooManyRooms
	case errors.Is(err, conference.ErrEngineFailure):
		return CodeEngineFailure
	default:
		return CodeBadRequest
	}
}
