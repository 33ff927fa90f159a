// Package server implements the Core Server: the WebSocket listener Core
// clients connect to, including per-session request dispatch, the
// driver-setup flow, and event fan-out from the Entity Store (spec §4.5).
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server owns the plain and TLS listeners and accepts Core sessions onto
// them (spec §4.5 "Two TCP listeners").
type Server struct {
	deps *Deps

	plainAddr string
	tlsAddr   string
	tlsConfig *tls.Config

	mu       sync.Mutex
	sessions map[*session]struct{}

	plainSrv *http.Server
	tlsSrv   *http.Server
}

// New builds a Server. tlsConfig may be nil to skip the TLS listener.
func New(deps *Deps, plainAddr, tlsAddr string, tlsConfig *tls.Config) *Server {
	return &Server{
		deps:      deps,
		plainAddr: plainAddr,
		tlsAddr:   tlsAddr,
		tlsConfig: tlsConfig,
		sessions:  make(map[*session]struct{}),
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.WithError(err).Warn("Core WebSocket upgrade failed")
		return
	}

	sess := newSession(conn, s.deps)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		conn.Close()
	}()

	sess.run(r.Context())
}

// ListenAndServe runs both listeners and blocks until ctx is cancelled or
// either listener fails irrecoverably.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler := s.handler()

	s.plainSrv = &http.Server{Addr: s.plainAddr, Handler: handler}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.plainSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.tlsConfig != nil && s.tlsAddr != "" {
		s.tlsSrv = &http.Server{Addr: s.tlsAddr, Handler: handler, TLSConfig: s.tlsConfig}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.tlsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown()
		return err
	}

	s.shutdown()
	wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.plainSrv != nil {
		_ = s.plainSrv.Shutdown(shutdownCtx)
	}
	if s.tlsSrv != nil {
		_ = s.tlsSrv.Shutdown(shutdownCtx)
	}
}

// SessionCount reports the number of currently connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
