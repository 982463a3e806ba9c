package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/straycat/straycat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.straycat/config.toml", "Path to config file")
	port := flag.Int("p", 0, "Port to listen on (overrides config)")
	maxConns := flag.Int("t", 0, "Maximum concurrent connections (overrides config)")
	noSSL := flag.Bool("no-ssl", false, "Serve plain TCP even when TLS is configured")
	logFile := flag.String("log-file", "", "Append logs to this file instead of stderr")
	metricsAddr := flag.String("metrics", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("straycat server %s\n", Version)
		os.Exit(0)
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override the config file.
	if *port != 0 {
		config.Server.Port = *port
	}
	if *maxConns != 0 {
		config.Server.MaxConnections = *maxConns
	}
	if *noSSL {
		config.Server.NoSSL = true
	}

	if err := os.MkdirAll(filepath.Dir(config.Server.DatabasePath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	srv, err := server.NewServer(config, Version)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		server.EnableDebugLogging(os.Stderr)
		log.Printf("Debug logging enabled")
	}

	srv.SetMetrics(server.NewMetrics())
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Printf("Metrics listening on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("straycat server %s started", Version)
	log.Printf("Port: %d", config.Server.Port)
	log.Printf("Max connections: %d", config.Server.MaxConnections)
	if config.Server.NoSSL {
		log.Printf("TLS disabled; serving plain TCP")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Printf("Received signal %v, shutting down...", sig)
	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Printf("Server stopped")
}
