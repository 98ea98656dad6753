package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"lacquer/internal/audio"
	"lacquer/internal/chunk"
	"lacquer/internal/config"
	"lacquer/internal/dsp"
	"lacquer/internal/handlers"
	"lacquer/internal/jobs"
	"lacquer/internal/library"
	"lacquer/internal/stream"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Bad configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("lacquer starting up...")

	// When an external mastering service is configured, wait for it the same
	// way a worker waits for its backend: no point accepting work it will
	// fail immediately.
	if cfg.MasterAPIURL != "" {
		probe := dsp.NewRemoteEngine(cfg.MasterAPIURL, dsp.DefaultSettings())
		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := probe.WaitForHealthy(healthCtx); err != nil {
			healthCancel()
			log.Fatalf("Mastering service not available: %v", err)
		}
		healthCancel()
		log.Printf("Mastering service ready: %s", cfg.MasterAPIURL)
	}

	layout, err := chunk.NewLayout(cfg.Window, cfg.Hop)
	if err != nil {
		log.Fatalf("Bad chunk layout: %v", err)
	}

	pool := dsp.NewPool(cfg.PoolWorkers, cfg.PoolDepth, cfg.PoolWait)
	go pool.Run(ctx)

	procs := dsp.NewCache(cfg.ProcessorCacheSize, dsp.DefaultFactory(cfg.MasterAPIURL))
	engine := chunk.NewEngine(layout,
		chunk.NewCache(cfg.ChunkCacheSize, cfg.ChunkCacheTTL),
		pool, audio.CurveByName(cfg.FadeCurve))

	resolver, err := library.NewDirResolver(ctx, cfg.LibraryDir)
	if err != nil {
		log.Fatalf("Library: %v", err)
	}

	scheduler := jobs.NewScheduler(cfg.JobWorkers, cfg.JobQueueDepth, cfg.OutputDir, procs, engine)
	go scheduler.Run(ctx)

	controller := stream.NewController(cfg.MaxStreams, cfg.StreamQueueDepth, engine, procs, resolver)

	jobHandler := handlers.NewJobHandler(scheduler, resolver)
	trackHandler := handlers.NewTrackHandler(resolver)
	healthHandler := handlers.NewHealthHandler(scheduler, controller)
	wsHandler := stream.NewWSHandler(controller)
	webrtcHandler := stream.NewWebRTCHandler(controller)
	mp3Handler := stream.NewMP3Handler(controller)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", healthHandler.Check)
	e.POST("/api/jobs", jobHandler.Submit)
	e.GET("/api/jobs/:id", jobHandler.Get)
	e.GET("/api/tracks", trackHandler.List)
	e.GET("/ws", wsHandler.Handle)
	e.POST("/monitor/:id", webrtcHandler.Handle)
	e.GET("/monitor/:id/mp3", mp3Handler.Handle)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("lacquerd live on %s", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
