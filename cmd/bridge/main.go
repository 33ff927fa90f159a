// Command bridge is the protocol bridge process: it loads configuration,
// connects to Home Assistant, and serves the Core-facing WebSocket API
// (spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/config"
	"github.com/corebridge/ha-integration/internal/haclient"
	"github.com/corebridge/ha-integration/internal/mdns"
	"github.com/corebridge/ha-integration/internal/metrics"
	"github.com/corebridge/ha-integration/internal/server"
	"github.com/corebridge/ha-integration/internal/setup"
	"github.com/corebridge/ha-integration/internal/store"
	"github.com/corebridge/ha-integration/internal/supervisor"
	"github.com/corebridge/ha-integration/pkg/logger"
	"github.com/corebridge/ha-integration/pkg/version"
)

const (
	defaultHeartbeat   = 30 * time.Second
	defaultPongTimeout = 45 * time.Second
	defaultMetricsAddr = ":9100"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	log := logger.New()
	log.WithField("version", version.GetVersion()).Info("starting ha-integration bridge")

	if err := run(log); err != nil {
		log.WithError(err).Fatal("fatal startup error")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	haCfg, err := config.LoadHAConfig(cfg.ConfigFilePath())
	if err != nil {
		return fmt.Errorf("load HA config: %w", err)
	}
	if haCfg == nil {
		empty := config.DefaultHAConfig()
		haCfg = &empty
	}
	if cfg.ApplyStaticOverride(haCfg) {
		log.Info("applied static HA URL/token override from environment")
	}

	st := store.New()
	client := haclient.NewClient(*haCfg, cfg.HassTracing, log)
	mcol := metrics.New()
	sv := supervisor.New(log, *haCfg, cfg.ConfigFilePath(), client, st, mcol)

	newSetup := func() *setup.Machine {
		return setup.New(log, haclient.Probe, cfg.ConfigFilePath(), sv.Reconfigure)
	}

	deps := &server.Deps{
		Logger:      log,
		Store:       st,
		HAClient:    client,
		AppVersion:  version.GetVersion(),
		NewSetup:    newSetup,
		HeartbeatIn: defaultHeartbeat,
		PongTimeout: defaultPongTimeout,
		OnDeviceState: func(state string) {
			sv.SetDeviceState(supervisor.DeviceState(state))
		},
	}
	srv := server.New(deps, cfg.ListenAddr, cfg.ListenAddrTLS, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go client.Run(ctx)
	go sv.Run(ctx)

	if !cfg.DisableMDNS {
		info := mdns.ServiceInfo{
			InstanceName: "ha-bridge",
			PlainPort:    portOf(cfg.ListenAddr, 8000),
			TLSPort:      portOf(cfg.ListenAddrTLS, 9443),
		}
		if err := sv.Advertise(info); err != nil {
			log.WithError(err).Warn("mDNS advertisement failed, continuing without it")
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(defaultMetricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics listener stopped")
		}
	}()

	log.WithField("addr", cfg.ListenAddr).Info("Core Server listening")
	err = srv.ListenAndServe(ctx)
	sv.Shutdown()
	return err
}

func portOf(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return fallback
	}
	return p
}
