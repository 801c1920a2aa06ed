// Command probe runs an ICE connectivity diagnostic: it fetches relay
// credentials, drives a throwaway peer connection through full gathering,
// and prints the resulting connectivity classification.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/infrastructure/ice"
	"meetmesh/pkg/config"
	"meetmesh/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		timeout    = flag.Duration("timeout", 10*time.Second, "gathering window")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()

	creds := ice.NewManager(cfg, zlog)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Prefer the list the backend publishes to clients; fall back to the
	// locally assembled credential + STUN list when the endpoint is absent.
	servers, err := creds.ServerList(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ice-servers endpoint unavailable (%v), assembling locally\n", err)
		servers = creds.ICEServers(ctx)
	}
	fmt.Printf("ICE servers: %d entries\n", len(servers))
	for _, s := range servers {
		for _, u := range s.URLs {
			fmt.Printf("  %s\n", u)
		}
	}

	result, err := ice.TestConnectivity(ctx, servers, zlog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("candidate types: %v\n", result.CandidateTypes)
	fmt.Printf("connectivity: %s\n", result.Class)

	if result.Class == domain.ConnectivityFailed {
		os.Exit(2)
	}
}
