package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"mmoserver/pkg/logx"
)

// StatusFunc builds the /status document.
type StatusFunc func() any

// Server is the HTTP listener carrying /ws and /status.
type Server struct {
	addr   string
	hub    *Hub
	status StatusFunc
	log    logx.Logger

	srv *http.Server
	ln  net.Listener
}

func NewServer(addr string, hub *Hub, status StatusFunc, log logx.Logger) *Server {
	s := &Server{addr: addr, hub: hub, status: status, log: log.With(logx.String("comp", "http"))}
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/status", s.serveStatus)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Listen binds the address. Split from Serve so callers learn the bound
// port before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.hub.SetBaseContext(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll("server shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	return nil
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var doc any = s.hub.Stats()
	if s.status != nil {
		doc = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.log.Debug("status encode", logx.Err(err))
	}
}
