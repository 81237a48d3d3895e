package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/conference"
	"github.com/foyerlabs/foyer/media/sfu-signaling/internal/media"
)

// Error codes carried in failure responses.
const (
	CodeRoomNotFound             = "ROOM_NOT_FOUND"
	CodeNotFound                 = "NOT_FOUND"
	CodeProducerNotFound         = "PRODUCER_NOT_FOUND"
	CodeIncompatibleCapabilities = "INCOMPATIBLE_CAPABILITIES"
	CodeAlreadyJoined            = "ALREADY_JOINED"
	CodeRoomFull                 = "ROOM_FULL"
	CodeTooManyRooms             = "TOO_MANY_ROOMS"
	CodeEngineFailure            = "ENGINE_FAILURE"
	CodeBadRequest               = "BAD_REQUEST"
)

const (
	methodCreateRoom       = "createRoom"
	methodJoinRoom         = "joinRoom"
	methodCreateTransport  = "createTransport"
	methodConnectTransport = "connectTransport"
	methodProduce          = "produce"
	methodConsume          = "consume"
	methodResumeConsumer   = "resumeConsumer"
	methodPauseConsumer    = "pauseConsumer"
	methodPauseProducer    = "pauseProducer"
	methodResumeProducer   = "resumeProducer"
	methodCloseProducer    = "closeProducer"
)

// request is the client->server envelope. ID is a pointer so a missing id can
// be told apart from id 0; a request whose id cannot be recovered gets no
// response and the connection is closed instead.
type request struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type response struct {
	ID    uint64     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinRoomRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

type createTransportRequest struct {
	Consumer bool `json:"consumer"`
}

type connectTransportRequest struct {
	TransportID    string               `json:"transportId"`
	DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *media.ICEParameters `json:"iceParameters,omitempty"`
}

type produceRequest struct {
	TransportID   string              `json:"transportId"`
	Kind          media.MediaKind     `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
}

type consumeRequest struct {
	TransportID     string                `json:"transportId"`
	ProducerID      string                `json:"producerId"`
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

type consumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

type joinRoomResponse struct {
	PeerID          string                `json:"peerId"`
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
	Peers           []conference.PeerInfo `json:"peers"`
}

type createTransportResponse struct {
	Params conference.TransportInfo `json:"params"`
}

type produceResponse struct {
	ID string `json:"id"`
}

// emptyData serializes as {} for requests and responses with no payload.
type emptyData struct{}

// decodeStrict unmarshals a request payload rejecting unknown fields and
// trailing data. A missing or null payload decodes like an empty object.
func decodeStrict(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}
