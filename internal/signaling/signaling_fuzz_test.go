package signaling

import (
	"encoding/json"
	"testing"
)

// FuzzRequestEnvelope exercises the envelope and payload decoders with
// arbitrary bytes. The decoders must never panic and must agree with the
// dispatch path's notion of a recoverable request id.
func FuzzRequestEnvelope(f *testing.F) {
	f.Add([]byte(`{"id":1,"method":"createRoom","data":{}}`))
	f.Add([]byte(`{"id":2,"method":"joinRoom","data":{"roomId":"r","displayName":"d"}}`))
	f.Add([]byte(`{"id":3,"method":"produce","data":{"transportId":"t","kind":"audio","rtpParameters":{"codecs":[],"encodings":[]}}}`))
	f.Add([]byte(`{"method":"createRoom"}`))
	f.Add([]byte(`{"id":null}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`{not json`))
	f.Add([]byte(``))

	f.Fuzz(func(t *testing.T, data []byte) {
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if req.ID == nil {
			return
		}

		var strict request
		_ = decodeStrict(data, &strict)

		// Payload decoders must tolerate whatever raw message survived the
		// envelope parse.
		for _, v := range []any{
			&joinRoomRequest{},
			&createTransportRequest{},
			&connectTransportRequest{},
			&produceRequest{},
			&consumeRequest{},
			&consumerRequest{},
			&producerRequest{},
			&emptyData{},
		} {
			_ = decodeStrict(req.Data, v)
		}
	})
}
