// cmd/engram-server runs the engram HTTP API with scheduled consolidation.
//
// Startup sequence:
//  1. Load configuration from the file named by -config (or $ENGRAM_CONFIG)
//     and the environment.
//  2. Open the stores and wire the engine.
//  3. Start the volume-trigger loop and the HTTP server.
//  4. Watch for writes announced by the CLI and run a consolidation tick
//     every server.tick_interval. Snapshot the database every
//     backup.interval when set.
//  5. On SIGINT/SIGTERM stop the schedulers, drain the engine and close the
//     stores.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/scrypster/engram/internal/bootstrap"
	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/notify"
	"github.com/scrypster/engram/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (default: $ENGRAM_CONFIG)")
	flag.Parse()

	log.SetPrefix("engram-server: ")
	log.SetFlags(log.LstdFlags)

	path := *configPath
	if path == "" {
		path = os.Getenv("ENGRAM_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("close error: %v", err)
		}
	}()

	if err := app.Engine.Start(ctx); err != nil {
		log.Fatalf("failed to start memory engine: %v", err)
	}

	srv, err := server.Start(ctx, cfg, app.Engine)
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	log.Printf("engram API running at http://%s", srv.Addr)

	// CLI invocations write to the same database; re-check the working cap
	// when they announce a write.
	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(evt notify.Event) {
		if evt.Type == notify.EventRemembered {
			app.Engine.CheckVolume(ctx)
		}
	})
	if err := watcher.Start(); err != nil {
		log.Printf("external write notifications disabled: %v", err)
	}
	defer watcher.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runTicker(ctx, app.Engine, cfg.Server.TickInterval)
	}()

	if cfg.Backup.Interval > 0 {
		snap, err := bootstrap.NewSnapshotter(cfg)
		if err != nil {
			log.Fatalf("failed to configure backups: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap.Run(ctx, cfg.Backup.Interval)
		}()
	}

	<-ctx.Done()
	log.Println("shutting down gracefully...")
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := app.Engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down memory engine: %v", err)
	}
	// In-flight requests finish before the deferred Close shuts the stores.
	<-srv.Done()
}

// runTicker is the external consolidation schedule.
func runTicker(ctx context.Context, e *engine.MemoryEngine, interval time.Duration) {
	if interval <= 0 {
		log.Printf("scheduled consolidation disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := e.RunConsolidationTick(ctx)
			if err != nil {
				log.Printf("consolidation tick failed: %v", err)
				continue
			}
			log.Printf("consolidation tick: evaluated=%d promoted=%d archived=%d purged=%d deferred=%d",
				report.Evaluated, report.Promoted, report.Archived, report.Purged, report.Deferred)
		}
	}
}
