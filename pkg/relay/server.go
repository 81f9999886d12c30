package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerOptions struct {
	Conn ConnOptions
	// Ready is an optional readiness check, typically a store ping.
	Ready  func() error
	Logger *slog.Logger
}

// Server routes websocket upgrades on any path to the room named by that path. Plain requests
// get a fixed health response.
type Server struct {
	registry *Registry
	opts     ServerOptions
	upgrader websocket.Upgrader
	health   healthcheck.Handler
	log      *slog.Logger
}

func NewServer(registry *Registry, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = opts.Logger
	}
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(100000))
	if opts.Ready != nil {
		health.AddReadinessCheck("store", opts.Ready)
	}
	return &Server{
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		health: health,
		log:    opts.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Debug("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Path("/{room:.+}").MatcherFunc(isUpgrade).HandlerFunc(s.serveRoom)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	r.Methods(http.MethodGet).Path("/live").HandlerFunc(s.health.LiveEndpoint)
	r.Methods(http.MethodGet).Path("/ready").HandlerFunc(s.health.ReadyEndpoint)
	r.PathPrefix("/").HandlerFunc(okay)
	return r
}

func isUpgrade(request *http.Request, _ *mux.RouteMatch) bool {
	return websocket.IsWebSocketUpgrade(request)
}

func okay(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write([]byte("okay"))
}

func (s *Server) serveRoom(writer http.ResponseWriter, request *http.Request) {
	room := mux.Vars(request)["room"]
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade", "room", room, "err", err)
		return
	}
	NewConn(ws, room, s.opts.Conn).Serve(request.Context(), s.registry)
}

// Shutdown closes every connection and waits for their rooms to be flushed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll()
	return s.registry.Wait(ctx)
}
