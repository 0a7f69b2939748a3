// Package server implements the HTTP front end: a host-based dispatcher that
// multiplexes the admin prep surface, the tenant-facing metadata database and
// the public CDN edge surface onto one listener, passing everything else to
// the next handler.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/swiftorigin/sos/pkg/origin"
)

const tracerName = "github.com/swiftorigin/sos/pkg/server"

// Authorizer is the hook invoked before every database request. It is set by
// an upstream identity layer; a nil Authorizer permits everything.
type Authorizer interface {
	// Authorize returns nil to let the request proceed, or a handler that
	// produces the rejection response.
	Authorize(r *http.Request) http.Handler
}

// Server is the main HTTP server.
type Server struct {
	base   *origin.Base
	router *chi.Mux

	tracer trace.Tracer

	next       http.Handler
	authorizer Authorizer
	gatherer   prometheus.Gatherer
}

// Option configures the Server.
type Option func(*Server)

// WithNextHandler sets the handler receiving requests that match none of the
// origin surfaces. Without it those requests get a plain 404.
func WithNextHandler(next http.Handler) Option {
	return func(s *Server) { s.next = next }
}

// WithAuthorizer installs the database authorization hook.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// WithPrometheusGatherer exposes the given gatherer on /metrics.
func WithPrometheusGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New returns a new server. The edge surface cannot be disabled: at least one
// CDN host suffix must be configured.
func New(base *origin.Base, opts ...Option) (*Server, error) {
	if len(base.Config().OriginCDNHostSuffixes) == 0 {
		return nil, fmt.Errorf("%w: please provide at least one origin_cdn_host_suffix",
			origin.ErrInvalidConfiguration)
	}

	s := &Server{
		base:   base,
		tracer: otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.createRouter()

	return s, nil
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)

	if s.base.Config().LogAccessRequests {
		s.router.Use(accessLogger)
	}

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.HandleFunc("/*", s.dispatch)
}

// dispatch classifies the request by Host header and path prefix and hands it
// to one of the three surfaces. Requests matching none are passed through.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(origin.WithStartTime(r.Context(), time.Now()))

	cfg := s.base.Config()
	host := stripPort(r.Host)

	for _, dbHost := range cfg.OriginDBHosts {
		if host == dbHost {
			s.serveDB(w, r)

			return
		}
	}

	for _, suffix := range cfg.OriginCDNHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			s.serveCDN(w, r)

			return
		}
	}

	if strings.HasPrefix(r.URL.Path, cfg.OriginPrefix) {
		s.serveAdmin(w, r)

		return
	}

	s.passThrough(w, r)
}

func (s *Server) passThrough(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	s.next.ServeHTTP(w, r)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return host
}

type requestSourceKey struct{}

// contextWithSource installs a mutable source marker so handlers can tag the
// request for the access log after the logger captured its context.
func contextWithSource(ctx context.Context, src *string) context.Context {
	return context.WithValue(ctx, requestSourceKey{}, src)
}

func setRequestSource(r *http.Request, source string) {
	if src, ok := r.Context().Value(requestSourceKey{}).(*string); ok {
		*src = source
	}
}

// accessLogger writes one structured line per handled request.
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("host", r.Host).
			Str("request-uri", r.RequestURI).
			Str("proto", r.Proto).
			Str("from", r.RemoteAddr).
			Str("client", clientIP(r)).
			Logger()

		if referer := r.Referer(); referer != "" {
			log = log.With().Str("referer", referer).Logger()
		}

		if ua := r.UserAgent(); ua != "" {
			log = log.With().Str("user-agent", ua).Logger()
		}

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		if span.SpanContext().HasSpanID() {
			log = log.
				With().
				Str("span-id", span.SpanContext().SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		source := new(string)

		defer func() {
			log = log.With().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()

			switch r.Method {
			case http.MethodHead, http.MethodGet:
				log = log.With().Int("bytes", ww.BytesWritten()).Logger()
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				log = log.With().Int64("bytes", r.ContentLength).Logger()
			}

			if *source != "" {
				log = log.With().Str("source", *source).Logger()
			}

			log.Info().Msg("handled request")
		}()

		// embed the modified logger in the request.
		ctx := log.WithContext(r.Context())
		ctx = contextWithSource(ctx, source)

		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

// clientIP is the address reported in the access log: the cluster-reported
// client if present, else the first forwarded hop, else the peer address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Cluster-Client-Ip"); ip != "" {
		return ip
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	return stripPort(r.RemoteAddr)
}
