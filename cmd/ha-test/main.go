// Command ha-test is a standalone diagnostic: it dials a Home Assistant
// instance, authenticates, pulls one full snapshot, and prints what it
// saw, without starting the Core-facing server (spec §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/config"
	"github.com/corebridge/ha-integration/internal/haclient"
)

func main() {
	var (
		haURL          = flag.String("u", "", "Home Assistant WebSocket URL (ws:// or wss://)")
		token          = flag.String("t", "", "long-lived access token")
		connectTimeout = flag.Duration("c", 10*time.Second, "connect timeout")
		requestTimeout = flag.Duration("r", 10*time.Second, "request timeout")
		disableCert    = flag.Bool("disable-cert-validation", false, "skip TLS certificate validation")
		trace          = flag.String("trace", "none", "frame tracing: in|out|all|none")
	)
	flag.Parse()

	if *haURL == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: ha-test -u <ws-url> -t <token> [-c timeout] [-r timeout] [--disable-cert-validation] [--trace in|out|all|none]")
		os.Exit(2)
	}

	tracePolicy := config.TracePolicy(*trace)
	switch tracePolicy {
	case config.TraceNone, config.TraceIn, config.TraceOut, config.TraceAll:
	default:
		fmt.Fprintf(os.Stderr, "invalid --trace value %q\n", *trace)
		os.Exit(2)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.DefaultHAConfig()
	cfg.URL = *haURL
	cfg.Token = *token
	cfg.ConnectionTimeout = *connectTimeout
	cfg.RequestTimeout = *requestTimeout
	cfg.DisableCertValidate = *disableCert

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("probing HA connection")
	probeCtx, cancel := context.WithTimeout(ctx, *connectTimeout+*requestTimeout)
	if err := haclient.Probe(probeCtx, cfg); err != nil {
		cancel()
		log.WithError(err).Fatal("probe failed")
	}
	cancel()
	log.Info("probe succeeded, opening full connection for a snapshot")

	client := haclient.NewClient(cfg, tracePolicy, log)
	runCtx, stopClient := context.WithCancel(ctx)
	defer stopClient()
	go client.Run(runCtx)

	select {
	case upd, ok := <-client.Updates():
		if !ok {
			log.Fatal("client closed before delivering a snapshot")
		}
		if upd.Full != nil {
			fmt.Printf("received full snapshot: %d entities\n", len(upd.Full))
			for _, snap := range upd.Full {
				fmt.Printf("  %-30s state=%-12s attrs=%d\n", snap.EntityID, snap.State, len(snap.Attributes))
			}
		}
	case <-time.After(*connectTimeout + *requestTimeout + 5*time.Second):
		log.Fatal("timed out waiting for snapshot")
	case <-ctx.Done():
		log.Fatal("interrupted")
	}

	client.Shutdown()
}
