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

	meshwebrtc "meetmesh/internal/infrastructure/webrtc"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/infrastructure/ice"
	"meetmesh/internal/infrastructure/monitoring"
	sigclient "meetmesh/internal/infrastructure/signal"
	"meetmesh/pkg/config"
	"meetmesh/pkg/events"
	"meetmesh/pkg/logger"
	"meetmesh/pkg/tracing"
	"meetmesh/pkg/utils"
	"meetmesh/pkg/validation"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		configPath    = flag.String("config", "configs/config.yaml", "path to config file")
		meetingID     = flag.String("meeting", "", "meeting to join (created when empty)")
		peerID        = flag.String("peer", "", "local peer id (generated when empty)")
		displayName   = flag.String("name", "", "display name announced on join")
		authenticated = flag.Bool("authenticated", false, "announce as an authenticated user")
	)
	flag.Parse()

	if *meetingID == "" {
		*meetingID = utils.GenerateMeetingID()
		log.Printf("no -meeting given, created %s", *meetingID)
	}
	if err := validation.ValidateMeetingID(*meetingID); err != nil {
		log.Fatalf("invalid -meeting flag: %v", err)
	}
	if *peerID != "" {
		if err := validation.ValidatePeerID(*peerID); err != nil {
			log.Fatalf("invalid -peer flag: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()
	sugar := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meetmesh",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		sugar.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	localID := domain.PeerID(*peerID)
	if localID == "" {
		if *authenticated {
			localID = domain.PeerID(utils.GeneratePeerID())
		} else {
			localID = domain.PeerID(utils.GenerateGuestID())
		}
	}
	name := *displayName
	if name == "" {
		name = utils.FallbackDisplayName(string(localID))
	}

	// Every component below logs under the local identity.
	idCtx := logger.WithMeeting(logger.WithPeer(context.Background(), string(localID)), *meetingID)
	zlog = logger.NewContextLogger(zlog).WithContext(idCtx)
	sugar = zlog.Sugar()

	bus := events.NewBus()
	metrics := monitoring.NewPrometheusCollector()

	creds := ice.NewManager(cfg, zlog)
	creds.Start()
	defer creds.Stop()

	transport := sigclient.NewClient(cfg, zlog)

	pool := meshwebrtc.NewAudioPool(meshwebrtc.AudioPoolConfig{
		Capacity:    cfg.AudioPool.Capacity,
		GracePeriod: cfg.AudioPool.GracePeriod,
		MaxAge:      cfg.AudioPool.MaxAge,
		SweepEvery:  cfg.AudioPool.SweepEvery,
	}, metrics, zlog)
	pool.Start()
	defer pool.Stop()

	factory := meshwebrtc.NewPionFactory(cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max, zlog)
	media := meshwebrtc.NewSilentAudioSource("audio0", "meetmesh", zlog)
	buffer := meshwebrtc.NewCandidateBuffer(zlog)

	orch := meshwebrtc.NewOrchestrator(meshwebrtc.OrchestratorConfig{
		LocalPeerID:        localID,
		MeetingID:          domain.MeetingID(*meetingID),
		DisplayName:        name,
		Authenticated:      *authenticated || !utils.IsGuestID(string(localID)),
		NegotiationTimeout: cfg.WebRTC.NegotiationTimeout,
		SoftRecoveryWindow: cfg.WebRTC.SoftRecoveryWindow,
		RebuildBudget:      cfg.WebRTC.RebuildBudget,
		InactivityTimeout:  cfg.WebRTC.InactivityTimeout,
	}, transport, creds, factory, media, pool, buffer, bus, metrics, zlog)

	monitor := meshwebrtc.NewQualityMonitor(
		cfg.Quality.SampleInterval, cfg.Quality.WindowSize,
		orch.StableConns, bus, metrics, zlog)

	bus.Subscribe(events.EventPeerLeft, func(ev events.Event) {
		monitor.Forget(domain.PeerID(ev.PeerID))
	})
	bus.Subscribe(events.EventPeerFailed, func(ev events.Event) {
		sugar.Errorw("peer connection lost", "remote_peer", ev.PeerID, "diagnostics", ev.Payload)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Start(ctx); err != nil {
		cancel()
		sugar.Fatalw("failed to start orchestration engine", "error", err)
	}
	cancel()
	monitor.Start()

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			sugar.Infow("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				sugar.Errorw("metrics server stopped", "error", err)
			}
		}()
	}

	sugar.Infow("meeting agent running", "name", name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	sugar.Info("shutting down")
	monitor.Stop()
	orch.Stop()
	transport.Close()
}
