package ws

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// mediaFrame is the JSON framing used on the telephony websocket, both
// directions. Inbound events: start, media, stop, mark. Outbound: media, clear.
type mediaFrame struct {
	Event   string       `json:"event"`
	CallID  string       `json:"call_id,omitempty"`
	Caller  string       `json:"caller,omitempty"`
	Payload string       `json:"payload,omitempty"`
	Format  *mediaFormat `json:"media_format,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// mediaStream adapts a telephony websocket to the bridge's stream contract.
type mediaStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	callID string
	caller string

	closeOnce sync.Once
}

func newMediaStream(conn *websocket.Conn, callID, caller string) *mediaStream {
	return &mediaStream{conn: conn, callID: callID, caller: caller}
}

// ReadFrame returns the next inbound audio frame. A stop event or connection
// loss surfaces as io.EOF, which the bridge treats as hangup.
func (s *mediaStream) ReadFrame() ([]byte, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, io.EOF
		}
		var f mediaFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return []byte{}, nil // malformed frame: let the bridge count the drop
		}
		switch f.Event {
		case "media":
			payload, err := base64.StdEncoding.DecodeString(f.Payload)
			if err != nil {
				return []byte{}, nil
			}
			return payload, nil
		case "stop":
			return nil, io.EOF
		default:
			// mark and other bookkeeping events
		}
	}
}

func (s *mediaStream) WriteAudio(frame []byte) error {
	return s.writeFrame(mediaFrame{
		Event:   "media",
		Payload: base64.StdEncoding.EncodeToString(frame),
	})
}

// Clear tells the telephony side to drop any buffered outbound audio.
func (s *mediaStream) Clear() error {
	return s.writeFrame(mediaFrame{Event: "clear"})
}

func (s *mediaStream) writeFrame(f mediaFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *mediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

func (s *mediaStream) CallID() string { return s.callID }
func (s *mediaStream) Caller() string { return s.caller }
