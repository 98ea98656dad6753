package stream

import (
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"lacquer/internal/audio"
)

// WebRTCHandler negotiates low-latency Opus monitoring of a live session:
// a client POSTs an SDP offer for a session id and hears that session's
// output in real time while it streams.
type WebRTCHandler struct {
	controller *Controller
	mu         sync.Mutex
	peers      []*webrtc.PeerConnection
}

// NewWebRTCHandler creates a session monitor handler.
func NewWebRTCHandler(controller *Controller) *WebRTCHandler {
	return &WebRTCHandler{controller: controller}
}

// PeerCount returns the number of connected monitor peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Handle answers an SDP offer for GET/POST /monitor/:id.
func (h *WebRTCHandler) Handle(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid session id"})
	}
	session, err := h.controller.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	var offer webrtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid SDP offer"})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "create peer connection failed"})
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"lacquer-monitor",
	)
	if err != nil {
		pc.Close()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "create audio track failed"})
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "add track failed"})
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "set remote description failed"})
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "create answer failed"})
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "set local description failed"})
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()

	log.Printf("Monitor peer connected to session %d (total: %d)", session.ID(), h.PeerCount())
	go h.streamToPeer(session, audioTrack)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			h.removePeer(pc)
			pc.Close()
			log.Printf("Monitor peer disconnected (remaining: %d)", h.PeerCount())
		}
	})

	return c.JSON(http.StatusOK, pc.LocalDescription())
}

func (h *WebRTCHandler) streamToPeer(session *Session, track *webrtc.TrackLocalStaticSample) {
	listener := session.Monitor().Subscribe()
	defer session.Monitor().Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		log.Printf("Monitor: opus encoder error: %v", err)
		return
	}
	enc.SetBitrate(128000)

	opusBuf := make([]byte, 4000)

	for {
		select {
		case <-session.Done():
			return
		case <-listener.done:
			return
		case frame, ok := <-listener.C:
			if !ok {
				return
			}
			n, err := enc.Encode(frame, opusBuf)
			if err != nil {
				log.Printf("Monitor: opus encode error: %v", err)
				continue
			}
			if err := track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: audio.FrameDuration,
			}); err != nil {
				return
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return
		}
	}
}
