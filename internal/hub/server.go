package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/config"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server accepts websocket clients and feeds their channels into the
// request handler chain.
type Server struct {
	cfg    config.Config
	router connection.Router
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.Config, router connection.Router) *Server {
	s := &Server{
		cfg:    cfg,
		router: router,
		log:    logging.Component("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.log.Info().Str("remote", r.RemoteAddr).Msg("Client connected")
	conn := connection.New(ws, s.router)
	go func() {
		conn.Run()
		s.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected")
	}()
}

// Run serves until the context is cancelled. TLS is used when both
// certificate and key are configured.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			s.log.Info().Int("port", s.cfg.Port).Msg("Websocket server listening with TLS")
			err = s.http.ListenAndServeTLS(s.cfg.SSLCert, s.cfg.SSLKey)
		} else {
			s.log.Warn().Msg("Server will be started without SSL encryption")
			s.log.Info().Int("port", s.cfg.Port).Msg("Websocket server listening")
			err = s.http.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
