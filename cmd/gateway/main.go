package main

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"minbar-cast/internal/api"
	"minbar-cast/internal/config"
	"minbar-cast/internal/convert"
	database "minbar-cast/internal/db"
	"minbar-cast/internal/encoder"
	"minbar-cast/internal/session"
	"minbar-cast/internal/state"
	"minbar-cast/internal/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting Broadcast Gateway...")

	// 1. Configuration
	cfg := config.Load()

	// 2. Infrastructure
	db := database.New(cfg)
	db.AutoMigrate()
	store := storage.New(cfg)

	// 3. Core components
	stateManager := state.NewManager(db.DB)
	enc := encoder.NewManager(cfg)
	arb := session.NewArbiter(stateManager, enc,
		time.Duration(cfg.Session.CleanupMinutes)*time.Minute)

	// A crash with nobody reconnecting must not leave a phantom live record
	arb.RecoverStale()

	// 4. Conversion queue
	transcoder := convert.NewFFmpegTranscoder(cfg.Conversion.Binary, cfg.Conversion.TargetBitrate)
	queue := convert.NewQueue(
		db.DB,
		store,
		transcoder,
		cfg.Server.TempDir,
		cfg.Conversion.ConcurrencyLimit,
		cfg.Conversion.MaxAttempts,
		time.Duration(cfg.Conversion.TickSeconds)*time.Second,
	)
	go queue.Run()

	// 5. Metrics
	encoder.RegisterMetrics()
	convert.RegisterMetrics()
	go func() {
		http.Handle("/_metrics", promhttp.Handler())
		log.Printf("📊 Metrics exposed at http://localhost%s/_metrics", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(cfg.Server.MetricsPort, nil); err != nil {
			log.Printf("⚠️ Metrics server error: %v", err)
		}
	}()

	// 6. HTTP + realtime server
	srv := api.New(cfg, arb, enc, queue)

	log.Printf("🚀 Gateway listening on %s", cfg.Server.Port)
	if err := srv.Start(cfg.Server.Port); err != nil {
		log.Fatalf("❌ Server failed to start: %v", err)
	}
}
