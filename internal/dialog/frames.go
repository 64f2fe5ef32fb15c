package dialog

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is a carrier media-stream message. The carrier sends "start",
// "media", and "stop" events; we send "media", "mark", and "clear".
type Frame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload opens the stream and names the call it belongs to.
type StartPayload struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

// MediaPayload carries one chunk of base64-encoded mu-law audio.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// MarkPayload labels a point in the outbound audio queue. The carrier
// echoes the mark back once everything queued before it has played.
type MarkPayload struct {
	Name string `json:"name"`
}

// frameSize is the mu-law byte count of one 20 ms frame at 8 kHz.
const frameSize = 160

// Stream wraps the media-stream WebSocket with the write locking gorilla
// connections require and the carrier's frame encoding.
type Stream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSID string
}

// NewStream wraps an upgraded media-stream connection.
func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// ReadFrame blocks for the next inbound frame. Media payloads are decoded
// to raw mu-law bytes.
func (s *Stream) ReadFrame() (*Frame, []byte, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return nil, nil, fmt.Errorf("reading stream frame: %w", err)
	}
	if f.Event == "start" && f.Start != nil {
		s.mu.Lock()
		s.streamSID = f.Start.StreamSID
		s.mu.Unlock()
	}
	if f.Event != "media" || f.Media == nil {
		return &f, nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding media payload: %w", err)
	}
	return &f, audio, nil
}

// WriteAudio queues one chunk of mu-law audio on the outbound stream.
func (s *Stream) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(Frame{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(chunk)},
	})
}

// WriteMark queues a named mark after the audio already queued.
func (s *Stream) WriteMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(Frame{
		Event:     "mark",
		StreamSID: s.streamSID,
		Mark:      &MarkPayload{Name: name},
	})
}

// Clear drops any outbound audio the carrier has buffered but not played.
// Used when the caller barges in over a prompt.
func (s *Stream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(Frame{Event: "clear", StreamSID: s.streamSID})
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
