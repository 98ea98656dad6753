// Package library is the narrow contract to the track catalog. The real
// product keeps tracks in a database; this core only needs "id in, path and
// duration out", so the interface stays that small and a directory-backed
// resolver makes the server runnable without the database.
package library

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrTrackNotFound is returned for ids the catalog does not know.
var ErrTrackNotFound = errors.New("library: track not found")

// Track is what the streaming and job machinery needs to know about a track.
type Track struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Path     string        `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Resolver maps track ids to playable files.
type Resolver interface {
	Resolve(id string) (Track, error)
	List() []Track
}

var audioExts = map[string]bool{
	".wav": true, ".flac": true, ".mp3": true,
	".ogg": true, ".m4a": true, ".aiff": true,
}

// DirResolver serves a flat directory of audio files. Ids are the file names
// without extension; durations come from ffprobe and default to zero when
// probing fails, which only degrades the listing, not playback.
type DirResolver struct {
	mu     sync.RWMutex
	tracks map[string]Track
}

// NewDirResolver scans dir once and returns a resolver over its audio files.
func NewDirResolver(ctx context.Context, dir string) (*DirResolver, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan library %s: %w", dir, err)
	}

	r := &DirResolver{tracks: make(map[string]Track)}
	for _, e := range entries {
		if e.IsDir() || !audioExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		path := filepath.Join(dir, e.Name())
		r.tracks[id] = Track{
			ID:       id,
			Title:    id,
			Path:     path,
			Duration: probeDuration(ctx, path),
		}
	}

	log.Printf("Library: %d tracks in %s", len(r.tracks), dir)
	return r, nil
}

// Resolve returns the track for id.
func (r *DirResolver) Resolve(id string) (Track, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	if !ok {
		return Track{}, ErrTrackNotFound
	}
	return t, nil
}

// List returns all tracks sorted by id.
func (r *DirResolver) List() []Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// probeDuration asks ffprobe for a file's duration. Failures log and return
// zero rather than making the track unplayable.
func probeDuration(ctx context.Context, path string) time.Duration {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		log.Printf("Library: ffprobe %s: %v", path, err)
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		log.Printf("Library: ffprobe %s: bad duration %q", path, out)
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
