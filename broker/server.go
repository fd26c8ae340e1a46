package broker

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	HeaderRequestID = "X-Request-ID"
	HealthzPath     = "/healthz"
	MetricsPath     = "/metrics"
)

type serverOptions struct {
	client  Doer
	metrics *Metrics
}

type ServerOption func(*serverOptions)

// WithUpstreamClient replaces the fasthttp client used to reach the
// endpoint.
func WithUpstreamClient(client Doer) ServerOption {
	return func(o *serverOptions) {
		o.client = client
	}
}

func WithMetrics(m *Metrics) ServerOption {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// Server is the credential broker: the /session resource plus health and
// metrics endpoints.
type Server struct {
	logger  shared.LoggerAdapter
	cfg     Config
	metrics *Metrics
	scrape  fasthttp.RequestHandler
	limiter *clientLimiter
	session *sessionHandler
	srv     *fasthttp.Server
}

func NewServer(logger shared.LoggerAdapter, cfg Config, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	o := serverOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	upstream, err := NewUpstream(logger, o.client, cfg, o.metrics)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		metrics: o.metrics,
		scrape:  o.metrics.Handler(),
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		session: newSessionHandler(logger, cfg, upstream, o.metrics),
	}
	s.srv = &fasthttp.Server{
		Name:               "realtime-broker/" + shared.Version,
		Handler:            chain(s.route, s.recoverer, s.requestID, s.requestLogger),
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       cfg.UpstreamTimeout + 30*time.Second,
		MaxRequestBodySize: 1 << 20,
		Logger:             printfLogger{logger: logger},
	}
	return s, nil
}

// Handler returns the full middleware chain, for serving through another
// fasthttp server.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.srv.Handler
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("broker serving", zap.String("addr", ln.Addr().String()), zap.String("session_path", s.cfg.SessionPath))
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("broker listening", zap.String("addr", s.cfg.ListenAddr), zap.String("session_path", s.cfg.SessionPath))
	return s.srv.ListenAndServe(s.cfg.ListenAddr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case s.cfg.SessionPath:
		if !s.limiter.Allow(ctx.RemoteIP().String()) {
			s.metrics.observeRateLimited()
			s.session.writeJSON(ctx, fasthttp.StatusTooManyRequests, shared.ErrorResponse{Error: "Too many requests"})
			return
		}
		s.session.handle(ctx)
	case HealthzPath:
		if !ctx.IsGet() && !ctx.IsHead() {
			ctx.Response.Header.Set(fasthttp.HeaderAllow, "GET, HEAD")
			s.session.writeJSON(ctx, fasthttp.StatusMethodNotAllowed, shared.ErrorResponse{Error: "Method not allowed"})
			return
		}
		s.session.writeJSON(ctx, fasthttp.StatusOK, map[string]any{"ok": true, "version": shared.Version})
	case MetricsPath:
		s.scrape(ctx)
	default:
		s.session.writeJSON(ctx, fasthttp.StatusNotFound, shared.ErrorResponse{Error: "Not found"})
	}
}

type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

func chain(h fasthttp.RequestHandler, middlewares ...middleware) fasthttp.RequestHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func (s *Server) recoverer(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in http handler", fmt.Errorf("%v", rec), zap.ByteString("stack", debug.Stack()))
				ctx.Response.Reset()
				s.session.writeJSON(ctx, fasthttp.StatusInternalServerError, shared.ErrorResponse{Error: "Internal server error"})
			}
		}()
		next(ctx)
	}
}

func (s *Server) requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
			ctx.Request.Header.Set(HeaderRequestID, id)
		}
		next(ctx)
		ctx.Response.Header.Set(HeaderRequestID, id)
	}
}

func (s *Server) requestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		s.logger.Info(
			"http request",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Int("status", ctx.Response.StatusCode()),
			zap.Duration("took", time.Since(start)),
			zap.Stringer("remote_ip", ctx.RemoteIP()),
			zap.ByteString("request_id", ctx.Request.Header.Peek(HeaderRequestID)),
		)
	}
}

// printfLogger routes fasthttp's own diagnostics into the structured logger.
type printfLogger struct {
	logger shared.LoggerAdapter
}

func (l printfLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
