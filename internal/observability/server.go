package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "pillpal/internal/runtime/supervisor"
	logx "pillpal/pkg/logx"
)

// Config controls the ops HTTP server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	PprofPrefix   string
	EnablePprof   bool
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:9464"

// HealthFunc reports extra health fields. A non-nil error turns /healthz
// into a 503.
type HealthFunc func(ctx context.Context) (map[string]any, error)

type Server struct {
	log     logx.Logger
	metrics *Metrics
	health  HealthFunc

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func NewServer(cfg Config, metrics *Metrics, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, metrics: metrics, health: health, log: log.With(logx.String("comp", "ops_http"))}
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the server to match cfg.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		normalizePrefix(a.PprofPrefix) != normalizePrefix(b.PprofPrefix) ||
		a.EnablePprof != b.EnablePprof ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

// Start is idempotent. The server runs under its own restart loop so a
// listener failure heals without touching the rest of the process.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("ops http stopped with error", logx.Err(err))
	}
	s.log.Info("ops http stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := cur.listenAddr()
	if err := cur.CheckBind(); err != nil {
		s.log.Error("ops http refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return err
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("ops http running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.EnablePprof), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the mux for cfg. /healthz is never behind the token so
// that local probes keep working.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", withAuth(cfg.Token, s.metrics.Handler().ServeHTTP))
	}
	if cfg.EnablePprof {
		prefix := normalizePrefix(cfg.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		mux.HandleFunc(prefix, withAuth(cfg.Token, pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", withAuth(cfg.Token, hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", withAuth(cfg.Token, hpprof.Profile))
		mux.HandleFunc(base+"/symbol", withAuth(cfg.Token, hpprof.Symbol))
		mux.HandleFunc(base+"/trace", withAuth(cfg.Token, hpprof.Trace))
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		extra, err := s.health(ctx)
		cancel()
		for k, v := range extra {
			body[k] = v
		}
		if err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (c Config) listenAddr() string {
	if addr := strings.TrimSpace(c.Addr); addr != "" {
		return addr
	}
	return defaultAddr
}

// ErrInsecureBind is returned for a non-loopback bind without a token or
// AllowInsecure.
var ErrInsecureBind = errors.New("ops http: non-loopback addr requires token or allow_insecure")

// CheckBind validates the listen address. It never opens a socket.
func (c Config) CheckBind() error {
	addr := c.listenAddr()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("ops http addr %q: %w", addr, err)
	}
	if c.Token == "" && !c.AllowInsecure && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index expects paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
