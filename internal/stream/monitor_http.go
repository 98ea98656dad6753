package stream

import (
	"context"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/labstack/echo/v4"

	"lacquer/internal/audio"
)

// MP3Handler serves a session monitor as chunked HTTP MP3 for clients
// without WebRTC. Each request spawns an ffmpeg process encoding the
// session's paced PCM in real time.
type MP3Handler struct {
	controller *Controller
}

// NewMP3Handler creates the HTTP monitor handler.
func NewMP3Handler(controller *Controller) *MP3Handler {
	return &MP3Handler{controller: controller}
}

// Handle streams GET /monitor/:id/mp3.
func (h *MP3Handler) Handle(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid session id"})
	}
	session, err := h.controller.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}

	w := c.Response()
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// ffmpeg: PCM stdin -> MP3 stdout
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", "192k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Printf("MP3 monitor: stdin pipe error: %v", err)
		return nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("MP3 monitor: stdout pipe error: %v", err)
		return nil
	}
	if err := cmd.Start(); err != nil {
		log.Printf("MP3 monitor: ffmpeg start error: %v", err)
		return nil
	}

	listener := session.Monitor().Subscribe()
	defer session.Monitor().Unsubscribe(listener)

	log.Printf("MP3 monitor connected to session %d", session.ID())
	defer log.Printf("MP3 monitor disconnected from session %d", session.ID())

	// Feed PCM frames to ffmpeg
	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				return
			case <-listener.done:
				return
			case frame, ok := <-listener.C:
				if !ok {
					return
				}
				if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	// Read MP3 from ffmpeg and write to the response
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			w.Flush()
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("MP3 monitor: ffmpeg read error: %v", err)
			}
			break
		}
	}

	cmd.Wait()
	return nil
}
