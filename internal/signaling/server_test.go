package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/conference"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media/mediatest"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/origin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *conference.Registry, *mediatest.Engine) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	eng := mediatest.NewEngine()
	reg := conference.NewRegistry(eng, conference.RegistryOptions{Logger: opts.Logger})
	srv := NewServer(reg, opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		reg.Close()
	})
	return hs, reg, eng
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

// wireMsg is the union of everything the server can send.
type wireMsg struct {
	ID    *uint64         `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *wireError      `json:"error"`
	Event string          `json:"event"`
}

// testClient wraps a client connection with a read pump that separates
// responses from events, so tests can wait for either independently.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID uint64

	responses chan wireMsg
	events    chan wireMsg
}

func dial(t *testing.T, hs *httptest.Server) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{
		t:         t,
		conn:      conn,
		responses: make(chan wireMsg, 64),
		events:    make(chan wireMsg, 64),
	}
	t.Cleanup(func() { _ = conn.Close() })
	go c.readPump()
	return c
}

func (c *testClient) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			close(c.responses)
			close(c.events)
			return
		}
		var msg wireMsg
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Event != "" {
			c.events <- msg
		} else {
			c.responses <- msg
		}
	}
}

func (c *testClient) send(id uint64, method string, data any) {
	c.t.Helper()
	req := map[string]any{"id": id, "method": method}
	if data != nil {
		req["data"] = data
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.t.Fatalf("write %s request: %v", method, err)
	}
}

func (c *testClient) call(method string, data any) wireMsg {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	c.send(id, method, data)
	select {
	case msg, ok := <-c.responses:
		if !ok {
			c.t.Fatalf("connection closed waiting for %s response", method)
		}
		if msg.ID == nil || *msg.ID != id {
			c.t.Fatalf("%s response id = %v, want %d", method, msg.ID, id)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for %s response", method)
	}
	return wireMsg{}
}

func (c *testClient) callOK(method string, data, out any) {
	c.t.Helper()
	msg := c.call(method, data)
	if !msg.OK {
		c.t.Fatalf("%s failed: %+v", method, msg.Error)
	}
	if out != nil {
		if err := json.Unmarshal(msg.Data, out); err != nil {
			c.t.Fatalf("decode %s response data: %v", method, err)
		}
	}
}

// callErr asserts the request fails and returns the error code.
func (c *testClient) callErr(method string, data any) string {
	c.t.Helper()
	msg := c.call(method, data)
	if msg.OK {
		c.t.Fatalf("%s succeeded, want error", method)
	}
	if msg.Error == nil {
		c.t.Fatalf("%s failed without error payload", method)
	}
	return msg.Error.Code
}

// expectEvent asserts the next pushed event has the given name.
func (c *testClient) expectEvent(name string) wireMsg {
	c.t.Helper()
	select {
	case msg, ok := <-c.events:
		if !ok {
			c.t.Fatalf("connection closed waiting for %s event", name)
		}
		if msg.Event != name {
			c.t.Fatalf("event = %q, want %q", msg.Event, name)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for %s event", name)
	}
	return wireMsg{}
}

func (c *testClient) waitClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatalf("connection still open")
		}
	}
}

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

func audioParams(ssrc uint32) media.RTPParameters {
	return media.RTPParameters{
		MID: "0",
		Codecs: []media.RTPCodecParameters{{
			MimeType:    "audio/opus",
			PayloadType: 111,
			ClockRate:   48000,
			Channels:    2,
		}},
		Encodings: []media.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      media.RTCPParameters{CNAME: "client"},
	}
}

func TestRejectsDisallowedOrigin(t *testing.T) {
	allow, err := origin.NewAllowlist([]string{"https://rooms.example.com"})
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	hs, _, _ := newTestServer(t, Options{Origins: allow})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(hs), header)
	if err == nil {
		t.Fatalf("dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %v, want 403", resp)
	}
}

func TestAllowsListedOrigin(t *testing.T) {
	allow, err := origin.NewAllowlist([]string{"https://rooms.example.com"})
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	hs, _, _ := newTestServer(t, Options{Origins: allow})

	header := http.Header{"Origin": []string{"https://rooms.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
}

func TestUnknownMethod(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	if code := c.callErr("fetchTheMoon", nil); code != CodeBadRequest {
		t.Fatalf("code = %q, want %q", code, CodeBadRequest)
	}
}

func TestMalformedJSONClosesConnection(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.waitClosed()
}

func TestMissingRequestIDClosesConnection(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"createRoom"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.waitClosed()
}

func TestUnknownEnvelopeFieldIsBadRequest(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	c.send(1, "createRoom", nil)
	// Drain the valid response first so ids stay in sync.
	<-c.responses

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"method":"createRoom","extra":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-c.responses:
		if msg.OK || msg.Error == nil || msg.Error.Code != CodeBadRequest {
			t.Fatalf("response = %+v, want BAD_REQUEST", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response")
	}
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.waitClosed()
}

func TestRateLimitClosesWithPolicyViolation(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{MessagesPerSecond: 1, MessagesBurst: 1})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 5; i++ {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"createRoom"}`))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, _, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("read error = %v, want close 1008", err)
			}
			return
		}
	}
}

func TestOperationsBeforeJoin(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	if code := c.callErr(methodCreateTransport, createTransportRequest{}); code != CodeRoomNotFound {
		t.Fatalf("createTransport code = %q, want %q", code, CodeRoomNotFound)
	}
	if code := c.callErr(methodProduce, produceRequest{TransportID: "t", Kind: media.MediaKindAudio, RTPParameters: audioParams(1)}); code != CodeRoomNotFound {
		t.Fatalf("produce code = %q, want %q", code, CodeRoomNotFound)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	if code := c.callErr(methodJoinRoom, joinRoomRequest{RoomID: "missing"}); code != CodeRoomNotFound {
		t.Fatalf("code = %q, want %q", code, CodeRoomNotFound)
	}
}

func TestSecondJoinRejected(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	var created createRoomResponse
	c.callOK(methodCreateRoom, nil, &created)
	c.callOK(methodJoinRoom, joinRoomRequest{RoomID: created.RoomID, DisplayName: "a"}, nil)

	if code := c.callErr(methodJoinRoom, joinRoomRequest{RoomID: created.RoomID}); code != CodeAlreadyJoined {
		t.Fatalf("code = %q, want %q", code, CodeAlreadyJoined)
	}
}

func TestProduceInvalidParameters(t *testing.T) {
	hs, _, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	var created createRoomResponse
	c.callOK(methodCreateRoom, nil, &created)
	c.callOK(methodJoinRoom, joinRoomRequest{RoomID: created.RoomID}, nil)

	// No encodings, so the parameters are rejected before reaching the engine.
	bad := audioParams(1)
	bad.Encodings = nil
	if code := c.callErr(methodProduce, produceRequest{TransportID: "t", Kind: media.MediaKindAudio, RTPParameters: bad}); code != CodeBadRequest {
		t.Fatalf("code = %q, want %q", code, CodeBadRequest)
	}
}

func TestEngineFailureSurfaced(t *testing.T) {
	hs, _, eng := newTestServer(t, Options{})
	c := dial(t, hs)

	eng.FailCreateRouter(io.ErrUnexpectedEOF)
	if code := c.callErr(methodCreateRoom, nil); code != CodeEngineFailure {
		t.Fatalf("code = %q, want %q", code, CodeEngineFailure)
	}

	eng.FailCreateRouter(nil)
	var created createRoomResponse
	c.callOK(methodCreateRoom, nil, &created)
	c.callOK(methodJoinRoom, joinRoomRequest{RoomID: created.RoomID}, nil)

	eng.FailCreateTransport(io.ErrUnexpectedEOF)
	if code := c.callErr(methodCreateTransport, createTransportRequest{}); code != CodeEngineFailure {
		t.Fatalf("code = %q, want %q", code, CodeEngineFailure)
	}
}

func TestDisconnectReapsPeer(t *testing.T) {
	hs, reg, _ := newTestServer(t, Options{})
	c := dial(t, hs)

	var created createRoomResponse
	c.callOK(methodCreateRoom, nil, &created)
	c.callOK(methodJoinRoom, joinRoomRequest{RoomID: created.RoomID}, nil)
	if reg.Len() != 1 {
		t.Fatalf("rooms = %d, want 1", reg.Len())
	}

	_ = c.conn.Close()

	// The last peer leaving removes the room.
	waitUntil(t, "room removal", func() bool { return reg.Len() == 0 })
}

func TestServerCloseTearsDownSessions(t *testing.T) {
	opts := Options{Logger: testLogger()}
	eng := mediatest.NewEngine()
	reg := conference.NewRegistry(eng, conference.RegistryOptions{Logger: opts.Logger})
	srv := NewServer(reg, opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() { hs.Close(); reg.Close() })

	c := dial(t, hs)
	var created createRoomResponse
	c.callOK(methodCreateRoom, nil, &created)
	c.callOK(methodJoinRoom, joinRoomRequest{RoomID: created.RoomID}, nil)

	srv.Close()
	c.waitClosed()
	waitUntil(t, "room removal", func() bool { return reg.Len() == 0 })
}
