package stream

import (
	"encoding/binary"
	"fmt"
)

// Kind is a session's delivery mode, fixed at creation. Enhanced sessions
// stream mastered audio; normal sessions stream the original signal through
// the same chunked framing.
type Kind byte

const (
	KindNormal   Kind = 0
	KindEnhanced Kind = 1
)

// ParseKind maps the wire names onto Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "normal":
		return KindNormal, nil
	case "enhanced", "":
		return KindEnhanced, nil
	}
	return 0, fmt.Errorf("unknown stream kind %q", s)
}

func (k Kind) String() string {
	if k == KindEnhanced {
		return "enhanced"
	}
	return "normal"
}

// Chunk frames are length-prefixed binary:
//
//	[u64 sessionID][u32 chunkIndex][u8 kind][WAV payload]
//
// all big-endian. Control traffic (started/end/error) travels as JSON text
// messages beside them.
const frameHeaderSize = 13

// EncodeFrame builds a chunk frame.
func EncodeFrame(sessionID uint64, chunkIndex uint32, kind Kind, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], sessionID)
	binary.BigEndian.PutUint32(buf[8:12], chunkIndex)
	buf[12] = byte(kind)
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// DecodeFrame splits a chunk frame into its parts. The payload aliases buf.
func DecodeFrame(buf []byte) (sessionID uint64, chunkIndex uint32, kind Kind, payload []byte, err error) {
	if len(buf) < frameHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("frame too short: %d bytes", len(buf))
	}
	sessionID = binary.BigEndian.Uint64(buf[0:8])
	chunkIndex = binary.BigEndian.Uint32(buf[8:12])
	kind = Kind(buf[12])
	if kind != KindNormal && kind != KindEnhanced {
		return 0, 0, 0, nil, fmt.Errorf("unknown frame kind %d", buf[12])
	}
	return sessionID, chunkIndex, kind, buf[frameHeaderSize:], nil
}

// Control event codes for error frames.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeBusy       = "busy"
	CodeTimeout    = "timeout"
	CodeProcessing = "processing_failure"
	CodeRateLimit  = "rate_limited"
)

// Control is a JSON event on the stream: session start, clean end, or an
// error with enough detail for the client to stop or retry.
type Control struct {
	Type      string `json:"type"` // "started" | "end" | "error"
	SessionID uint64 `json:"session_id"`
	TrackID   string `json:"track_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Chunks    int    `json:"chunks,omitempty"` // total chunk count, on started
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Message is one outbound item on a session's queue: a binary chunk frame or
// a JSON control event.
type Message struct {
	Binary bool
	Data   []byte
}
