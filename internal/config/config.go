package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port int

	// Catalog and job output locations
	LibraryDir string
	OutputDir  string

	// Chunk layout
	Window time.Duration // seconds of audio per processed window
	Hop    time.Duration // seconds each chunk advances; overlap = Window - Hop

	// Crossfade
	FadeCurve string // smoothstep, linear, equal-power

	// Processor cache
	ProcessorCacheSize int

	// Chunk result cache
	ChunkCacheSize int
	ChunkCacheTTL  time.Duration

	// Offline jobs
	JobWorkers    int
	JobQueueDepth int
	ExportFormat  string // default output format: wav, flac, mp3

	// DSP worker pool
	PoolWorkers int
	PoolDepth   int
	PoolWait    time.Duration // per-task result wait before timing out

	// Streaming
	MaxStreams       int
	StreamQueueDepth int // outbound messages buffered per session

	// External mastering service; empty runs the built-in engine.
	MasterAPIURL string
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port: envInt("LACQUER_PORT", 8080),

		LibraryDir: envStr("LACQUER_LIBRARY_DIR", "./library"),
		OutputDir:  envStr("LACQUER_OUTPUT_DIR", "./output"),

		Window: envSeconds("LACQUER_CHUNK_WINDOW", 15),
		Hop:    envSeconds("LACQUER_CHUNK_HOP", 10),

		FadeCurve: envStr("LACQUER_FADE_CURVE", "smoothstep"),

		ProcessorCacheSize: envInt("LACQUER_PROCESSOR_CACHE", 5),

		ChunkCacheSize: envInt("LACQUER_CHUNK_CACHE", 512),
		ChunkCacheTTL:  envSeconds("LACQUER_CHUNK_CACHE_TTL", 600),

		JobWorkers:    envInt("LACQUER_JOB_WORKERS", 2),
		JobQueueDepth: envInt("LACQUER_JOB_QUEUE", 10),
		ExportFormat:  envStr("LACQUER_EXPORT_FORMAT", "wav"),

		PoolWorkers: envInt("LACQUER_POOL_WORKERS", 4),
		PoolDepth:   envInt("LACQUER_POOL_QUEUE", 32),
		PoolWait:    envSeconds("LACQUER_POOL_WAIT", 30),

		MaxStreams:       envInt("LACQUER_MAX_STREAMS", 16),
		StreamQueueDepth: envInt("LACQUER_STREAM_QUEUE", 32),

		MasterAPIURL: envStr("LACQUER_MASTER_API_URL", ""),
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Hop <= 0 {
		return fmt.Errorf("chunk hop %v must be positive", c.Hop)
	}
	if c.Window <= c.Hop {
		return fmt.Errorf("chunk window %v must exceed hop %v", c.Window, c.Hop)
	}
	if c.ProcessorCacheSize < 1 {
		return fmt.Errorf("processor cache size %d must be at least 1", c.ProcessorCacheSize)
	}
	if c.ChunkCacheSize < 1 {
		return fmt.Errorf("chunk cache size %d must be at least 1", c.ChunkCacheSize)
	}
	if c.JobWorkers < 1 || c.JobQueueDepth < 1 {
		return fmt.Errorf("job workers %d and queue %d must be at least 1", c.JobWorkers, c.JobQueueDepth)
	}
	if c.PoolWorkers < 1 || c.PoolDepth < 1 {
		return fmt.Errorf("pool workers %d and queue %d must be at least 1", c.PoolWorkers, c.PoolDepth)
	}
	if c.MaxStreams < 1 || c.StreamQueueDepth < 1 {
		return fmt.Errorf("max streams %d and stream queue %d must be at least 1", c.MaxStreams, c.StreamQueueDepth)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
