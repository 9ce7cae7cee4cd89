// Package server exposes a running store over HTTP: health and stats
// endpoints, the update history, guarded manual applies, Prometheus
// metrics, and a WebSocket feed of configuration updates.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	conflux "github.com/conneroisu/conflux"
	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/metrics"
)

// Source is the store surface the server serves. *conflux.Store satisfies
// it; tests substitute a fake.
type Source interface {
	Stats() conflux.StoreStats
	Version() uint64
	Records() []conflux.UpdateRecord
	Bindings() []conflux.BindingInfo
	Paths() []string
	ApplyNow(ctx context.Context, paths ...string) (conflux.UpdateResult, error)
	Subscribe() <-chan conflux.UpdateEvent
	Unsubscribe(ch <-chan conflux.UpdateEvent)
}

// Options configures the HTTP server.
type Options struct {
	// Host and Port form the listen address. Host defaults to 127.0.0.1.
	// Port 0 binds an ephemeral port, readable from Addr once Start has
	// listened.
	Host string
	Port int

	// AllowedOrigins lists origins accepted for CORS and WebSocket
	// upgrades, in addition to the server's own host. Empty means only
	// same-host and localhost origins are accepted.
	AllowedOrigins []string

	// RateLimitRPS and RateLimitBurst bound requests per client IP.
	// Zero RPS disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// MaxConns caps concurrent TCP connections. Zero means no cap.
	MaxConns int

	// EnableMetrics mounts the Prometheus endpoint at /metrics.
	EnableMetrics bool
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.RateLimitBurst == 0 {
		o.RateLimitBurst = 20
	}

	return o
}

// Server serves one store.
type Server struct {
	opts   Options
	source Source
	log    logging.Logger

	httpServer *http.Server
	serverMu   sync.RWMutex
	listenAddr string

	hub *hub

	started      time.Time
	shutdownOnce sync.Once
}

// New creates a new Server for source. A nil logger keeps the server
// silent.
func New(source Source, opts Options, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}

	s := &Server{
		opts:   opts.withDefaults(),
		source: source,
		log:    log.WithComponent("server"),
	}
	s.hub = newHub(s)

	return s
}

// routes builds the endpoint mux wrapped in the middleware stack.
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/api/bindings", s.handleBindings)
	mux.HandleFunc("/api/apply", s.handleApply)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.opts.EnableMetrics {
		mux.Handle("/metrics", metrics.Handler(s.source))
	}

	return s.middleware(ctx, mux)
}

// Start listens and serves until ctx is cancelled or Shutdown is called.
// It blocks; the returned error is nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	handler := s.routes(ctx)

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}

	s.serverMu.Lock()
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.listenAddr = ln.Addr().String()
	s.serverMu.Unlock()
	s.started = time.Now()

	go s.hub.run(ctx)
	events := s.source.Subscribe()
	go s.forwardEvents(ctx, events)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	s.log.Info(ctx, "server listening", "addr", s.listenAddr, "metrics", s.opts.EnableMetrics)

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Addr returns the bound address once Start has listened. Useful when
// Port was 0.
func (s *Server) Addr() string {
	s.serverMu.RLock()
	defer s.serverMu.RUnlock()

	return s.listenAddr
}

// Shutdown drains in-flight requests and closes WebSocket clients. Safe to
// call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info(ctx, "server shutting down")
		s.hub.closeAll()

		s.serverMu.RLock()
		srv := s.httpServer
		s.serverMu.RUnlock()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
	})

	return err
}

// forwardEvents turns store update events into hub broadcasts.
func (s *Server) forwardEvents(ctx context.Context, events <-chan conflux.UpdateEvent) {
	defer s.source.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.broadcastEvent(ev)
		}
	}
}

// middleware wraps the mux with CORS, per-IP rate limiting, and request
// logging.
func (s *Server) middleware(ctx context.Context, next http.Handler) http.Handler {
	handler := next
	if s.opts.RateLimitRPS > 0 {
		handler = s.rateLimit(ctx, handler)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)

			return
		}

		start := time.Now()
		handler.ServeHTTP(w, r)
		s.log.Debug(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// rateLimit applies a token bucket per client IP. Idle buckets are swept
// so the map stays bounded.
func (s *Server) rateLimit(ctx context.Context, next http.Handler) http.Handler {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(s.opts.RateLimitRPS), s.opts.RateLimitBurst)}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		if !v.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "rate_limit_exceeded",
			})

			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin accepts the server's own host, localhost spellings of its
// bound port, and anything in AllowedOrigins.
func (s *Server) allowedOrigin(origin string) bool {
	for _, allowed := range s.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}

	port := strconv.Itoa(s.opts.Port)
	s.serverMu.RLock()
	addr := s.listenAddr
	s.serverMu.RUnlock()
	if addr != "" {
		if _, p, err := net.SplitHostPort(addr); err == nil {
			port = p
		}
	}

	hosts := []string{
		net.JoinHostPort(s.opts.Host, port),
		"localhost:" + port,
		"127.0.0.1:" + port,
	}
	for _, h := range hosts {
		if origin == "http://"+h || origin == "https://"+h {
			return true
		}
	}

	return false
}
