// Package storage is the audio I/O capability: any container in via ffmpeg,
// WAV (or ffmpeg-transcoded formats) out. It owns no state beyond the paths
// it is handed.
package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"lacquer/internal/audio"
)

// LoadAudio decodes an audio file to interleaved int16 PCM at the pipeline
// rate and channel count, whatever container it arrives in.
func LoadAudio(ctx context.Context, path string) ([]int16, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(audio.SampleRate),
		"-ac", fmt.Sprint(audio.Channels),
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg decode %s: no audio data", path)
	}

	return audio.BytesToSamples(out), nil
}

// SaveAudio writes pcm to path. WAV is written natively; any other extension
// goes through ffmpeg. The file is staged next to the target and renamed into
// place, so a crashed or failed write never leaves a partial file that looks
// complete.
func SaveAudio(ctx context.Context, path string, pcm []int16) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lacquer-*.wav")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()

	_, werr := tmp.Write(audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpPath)
		if werr != nil {
			return fmt.Errorf("write output: %w", werr)
		}
		return fmt.Errorf("write output: %w", cerr)
	}

	if filepath.Ext(path) == ".wav" {
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("finalize output: %w", err)
		}
		return nil
	}

	// Non-WAV target: transcode the staged WAV, then swap it in.
	tmpOut := tmpPath + filepath.Ext(path)
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", tmpPath,
		"-loglevel", "error",
		tmpOut,
	)
	if err := cmd.Run(); err != nil {
		os.Remove(tmpPath)
		os.Remove(tmpOut)
		return fmt.Errorf("ffmpeg encode %s: %w", path, err)
	}
	os.Remove(tmpPath)

	if err := os.Rename(tmpOut, path); err != nil {
		os.Remove(tmpOut)
		return fmt.Errorf("finalize output: %w", err)
	}
	return nil
}
