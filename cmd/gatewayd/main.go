// gatewayd is the odds gateway daemon. It ingests sportsbook odds from
// the OpticOdds streaming API, derives EV and arbitrage signals and fans
// them out to websocket subscribers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vTajae/predictable/pkg/config"
	"github.com/vTajae/predictable/pkg/metrics"
	"github.com/vTajae/predictable/pkg/opticodds"
	"github.com/vTajae/predictable/pkg/server"
	"github.com/vTajae/predictable/pkg/stream"
)

var (
	httpAddr = flag.String("http", "", "HTTP listen address (default :$PORT)")
	verbose  = flag.Bool("verbose", false, "Verbose logging")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	if cfg.Trace && cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open trace file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}
	log.Println("Starting odds gateway")

	if cfg.APIKey == "" {
		log.Println("OPTICODDS_API_KEY not set - upstream requests will be rejected")
	}

	addr := *httpAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	m := metrics.Default()
	client := opticodds.NewClient(cfg.APIKey)
	hub := server.NewHub(server.Defaults{
		ProdType:     "all",
		OddsFormat:   cfg.OddsFormat,
		EVThreshold:  cfg.EVThreshold,
		ArbThreshold: cfg.ArbThreshold,
	}, m)

	srv := server.NewServer(hub, client, server.Options{
		IngestFilters:  cfg.IngestFilters,
		AllowedMarkets: cfg.AllowedMarkets,
		Manager: stream.ManagerConfig{
			MaxWorkers:            cfg.MaxWorkers,
			SportsbookChunkSize:   cfg.SportsbookChunkSize,
			LeagueChunkSize:       cfg.LeagueChunkSize,
			SoccerSportsbookChunk: cfg.SoccerSportsbookChunk,
			SoccerLeagueChunk:     cfg.SoccerLeagueChunk,
			IncludeFixtureUpdates: cfg.IncludeFixtureUpdates,
			Debug:                 cfg.WSDebug || *verbose,
		},
	}, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/stream", srv.ServeWS)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		log.Printf("WebSocket streaming available at ws://%s/stream", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("Goodbye!")
}
