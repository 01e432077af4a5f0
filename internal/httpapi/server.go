// Package httpapi is the HTTP surface of wagate: agent sends, provider
// webhooks, opt-out administration, reply locks and dead-letter handling.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"wagate/internal/campaign"
	"wagate/internal/compliance"
	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/message"
	"wagate/internal/replylock"
	"wagate/internal/retryq"
	"wagate/internal/sla"
	"wagate/internal/upstream"
	"wagate/pkg/logx"
)

type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	SubmitTemplate(ctx context.Context, req dispatch.TemplateRequest) (upstream.TemplateResult, error)
}

type OptOuts interface {
	OptOut(ctx context.Context, tenantID, recipient string, src compliance.Source, reason string) error
	OptIn(ctx context.Context, tenantID, recipient string, src compliance.Source) error
	HandleInbound(ctx context.Context, tenantID, recipient, text string) (compliance.KeywordAction, error)
	IsBlocked(ctx context.Context, tenantID, recipient string) bool
}

type Deadlines interface {
	SetDeadline(ctx context.Context, tenantID, conversationID string) (sla.Deadline, error)
	Get(ctx context.Context, conversationID string) (sla.Deadline, bool, error)
}

type Locks interface {
	Acquire(ctx context.Context, conversationID, holderID string) (replylock.Result, error)
	Release(ctx context.Context, conversationID, holderID string) (bool, error)
	Status(ctx context.Context, conversationID string) (replylock.Status, error)
}

type DeadLetters interface {
	DeadLetters(ctx context.Context, tenantID string, limit int) ([]retryq.Job, error)
	ResendDeadLetter(ctx context.Context, id, actor string) (retryq.Job, error)
}

type Campaigns interface {
	Pause(ctx context.Context, campaignID, reason string) error
	Resume(ctx context.Context, campaignID, actor string) error
	Get(ctx context.Context, campaignID string) (campaign.State, error)
}

// Launcher starts a campaign run in the background.
type Launcher interface {
	Launch(ctx context.Context, c campaign.Campaign, recipients []string) error
}

type Credentials interface {
	Put(ctx context.Context, tenantID, channelID, accountID, token string) error
	Rotate(ctx context.Context) (int, error)
}

// Deps are the services behind the routes. Optional ones leave their routes
// answering 501.
type Deps struct {
	Sender      Sender
	OptOuts     OptOuts
	Deadlines   Deadlines
	Locks       Locks
	DeadLetters DeadLetters
	Campaigns   Campaigns
	Launcher    Launcher
	Credentials Credentials
	Messages    message.Store
	Bus         eventbus.Bus
	// Health reports backing store reachability.
	Health func(ctx context.Context) error
	Log    logx.Logger
}

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

type Server struct {
	d   Deps
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	serveErr chan error
}

func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{d: d, cfg: cfg, log: log.With(logx.String("comp", "httpapi"))}
}

// Handler builds the router. It is what tests drive through httptest.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.health)
	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))
		r.Route("/v1", func(r chi.Router) {
			r.Route("/tenants/{tenant}", func(r chi.Router) {
				r.Post("/messages", s.sendMessage)
				r.Post("/templates", s.submitTemplate)
				r.Get("/messages", s.listMessages)
				r.Get("/optouts/{recipient}", s.getOptOut)
				r.Post("/optouts/{recipient}", s.optOut)
				r.Delete("/optouts/{recipient}", s.optIn)
				r.Get("/dead-letters", s.listDeadLetters)
				r.Put("/channels/{channel}/credential", s.putCredential)
			})
			r.Get("/messages/{id}", s.getMessage)
			r.Post("/webhooks/inbound", s.inbound)
			r.Post("/webhooks/status", s.status)
			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Put("/lock", s.acquireLock)
				r.Delete("/lock", s.releaseLock)
				r.Get("/lock", s.lockStatus)
				r.Get("/sla", s.slaStatus)
			})
			r.Post("/dead-letters/{id}/resend", s.resendDeadLetter)
			r.Route("/campaigns/{id}", func(r chi.Router) {
				r.Get("/", s.campaignState)
				r.Post("/pause", s.pauseCampaign)
				r.Post("/resume", s.resumeCampaign)
				r.Post("/run", s.runCampaign)
			})
			r.Post("/credentials/rotate", s.rotateCredentials)
		})
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("httpapi: non-loopback addr requires http.token or http.allow_insecure")
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	done := make(chan error, 1)

	s.mu.Lock()
	s.ln, s.srv, s.serveErr = ln, srv, done
	s.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped with error", logx.Err(err))
			done <- err
		}
		close(done)
	}()
	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx expires, then closes.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, done := s.srv, s.serveErr
	s.srv, s.ln, s.serveErr = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-done
	s.log.Info("api stopped")
}

// Apply swaps the config; a changed listener restarts the server.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()
	if !running || !needsRestart(prev, cfg) {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure {
		return true
	}
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout {
		return true
	}
	return strings.Join(a.CORSOrigins, ",") != strings.Join(b.CORSOrigins, ",")
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.d.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.d.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
