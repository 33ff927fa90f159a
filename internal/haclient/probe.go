package haclient

import (
	"context"
	"crypto/tls"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/corebridge/ha-integration/internal/bridgeerr"
	"github.com/corebridge/ha-integration/internal/config"
)

// Probe opens a short-lived connection to HA and performs just the
// authentication handshake, for the Setup State Machine's HA probe step
// (spec §4.4). It never registers this connection as the live client.
func Probe(ctx context.Context, cfg config.HAConfig) error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectionTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.DisableCertValidate}, //nolint:gosec
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindUnavailable, "probe dial failed", err)
	}
	defer conn.Close()

	frames := make(chan inboundFrame, 2)
	errCh := make(chan error, 1)
	go (&Client{logger: logger}).readLoop(conn, frames, errCh)

	reason, ok := (&Client{logger: logger}).authenticate(ctx, conn, frames, cfg)
	if ok {
		return nil
	}
	if reason == reasonAuthFailed {
		return bridgeerr.New(bridgeerr.KindAuthFailed, "HA rejected token")
	}
	select {
	case err := <-errCh:
		return bridgeerr.Wrap(bridgeerr.KindUnavailable, "probe connection failed", err)
	default:
		return bridgeerr.New(bridgeerr.KindUnavailable, "probe authentication failed")
	}
}
