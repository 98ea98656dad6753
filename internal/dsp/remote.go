package dsp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"lacquer/internal/audio"
)

// RemoteEngine masters audio by calling an external mastering service.
// One instance per settings fingerprint, like the built-in engines, so the
// service sees a stable configuration per connection pool.
type RemoteEngine struct {
	apiURL   string
	settings Settings
	http     *http.Client
}

// NewRemoteEngine creates a client for the mastering service at apiURL.
func NewRemoteEngine(apiURL string, s Settings) *RemoteEngine {
	return &RemoteEngine{
		apiURL:   apiURL,
		settings: s,
		http:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// WaitForHealthy blocks until the mastering service responds to health checks.
func (e *RemoteEngine) WaitForHealthy(ctx context.Context) error {
	log.Println("Waiting for mastering service to be ready...")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := e.http.Get(e.apiURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			log.Println("Mastering service is healthy")
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}

		log.Println("Mastering service not ready, retrying in 5s...")
		time.Sleep(5 * time.Second)
	}
}

type remoteError struct {
	Error string `json:"error"`
}

// Process POSTs the audio (and reference, when present) as WAV parts and
// decodes the mastered WAV from the response.
func (e *RemoteEngine) Process(ctx context.Context, pcm, reference []int16) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := part.Write(audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels)); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if len(reference) > 0 {
		ref, err := mw.CreateFormFile("reference", "reference.wav")
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if _, err := ref.Write(audio.EncodeWAV(reference, audio.SampleRate, audio.Channels)); err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
	}

	settings, _ := json.Marshal(e.settings)
	if err := mw.WriteField("settings", string(settings)); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.apiURL+"/v1/master", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mastering service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr remoteError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("mastering service (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("mastering service returned status %d", resp.StatusCode)
	}

	out, rate, channels, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decode mastered audio: %w", err)
	}
	if rate != audio.SampleRate || channels != audio.Channels {
		return nil, fmt.Errorf("mastering service returned %d Hz/%d ch, want %d/%d",
			rate, channels, audio.SampleRate, audio.Channels)
	}

	return out, nil
}
