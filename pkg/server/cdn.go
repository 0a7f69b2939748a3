package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swiftorigin/sos/pkg/origin"
	"github.com/swiftorigin/sos/pkg/store"
)

// requestSource is the marker recorded in the access log for edge requests
// served by this origin.
const requestSource = "SOS"

// requestHeaderAllowlist is copied from the edge request onto the backend
// sub-request.
var requestHeaderAllowlist = []string{
	"If-Modified-Since",
	"If-Match",
	"Range",
	"If-Range",
}

// responseHeaderAllowlist is copied from the backend response onto the edge
// response when streaming a body.
var responseHeaderAllowlist = []string{
	"Content-Range",
	"Content-Encoding",
	"Content-Disposition",
	"Accept-Ranges",
	"Content-Type",
	"ETag",
	"Last-Modified",
	"Content-Length",
}

type (
	cdnHashKey       struct{}
	cdnObjectNameKey struct{}
)

// WithCDNHash pre-populates the container key for an edge request, overriding
// regex extraction. Used by upstream middleware that already resolved it.
func WithCDNHash(ctx context.Context, hsh string) context.Context {
	return context.WithValue(ctx, cdnHashKey{}, hsh)
}

// WithCDNObjectName pre-populates the object name for an edge request.
func WithCDNObjectName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, cdnObjectNameKey{}, name)
}

// serveCDN handles the public edge surface: look up the container key, check
// the metadata record and proxy the object out of the backing store.
//
//nolint:cyclop
func (s *Server) serveCDN(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"serveCDN",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	cfg := s.base.Config()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.cacheHeaders(w, origin.BadURLCacheTTL)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

		return
	}

	if len(cfg.AllowedOriginRemoteIPs) > 0 && !s.remoteIPAllowed(r) {
		zerolog.Ctx(r.Context()).Debug().
			Str("from", r.RemoteAddr).
			Msg("edge request from a non-allowed address, passing through")

		s.passThrough(w, r)

		return
	}

	hsh, objectName := s.extractHash(r)
	if hsh == "" {
		s.cacheHeaders(w, origin.BadURLCacheTTL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	// strip the signed-hostname token prefix
	if i := strings.Index(hsh, "-"); i >= 0 {
		hsh = hsh[i+1:]
	}

	span.SetAttributes(attribute.String("cdn_hash", hsh))

	r = r.WithContext(
		zerolog.Ctx(r.Context()).
			With().
			Str("cdn-hash", hsh).
			Logger().
			WithContext(r.Context()))

	hashObjPath, err := s.base.HashObjectPath(hsh)
	if err != nil {
		s.cacheHeaders(w, origin.BadURLCacheTTL)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)

		return
	}

	hd := s.base.GetHashData(r.Context(), hashObjPath)
	if hd == nil || !hd.CDNEnabled {
		s.cacheHeaders(w, origin.NotFoundCacheTTL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	setRequestSource(r, requestSource)

	objPath := store.Quote("/v1/"+hd.Account+"/"+hd.Container+"/") + objectName

	hdrs := http.Header{}
	for _, key := range requestHeaderAllowlist {
		if v := r.Header.Get(key); v != "" {
			hdrs.Set(key, v)
		}
	}

	hdrs.Set("X-Web-Mode", "True")
	hdrs.Set("User-Agent", "SOS Origin")

	resp, err := s.base.Store().Do(r.Context(), r.Method, objPath, hdrs, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("path", objPath).
			Msg("error forwarding the edge request")

		s.cacheHeaders(w, origin.NotFoundCacheTTL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	// closed without draining: an oversize rejection must not read the body
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		s.streamObject(w, r, resp, hd.TTL)
	case http.StatusMovedPermanently:
		w.Header().Set("Location", resp.Header.Get("Location"))
		s.cacheHeaders(w, hd.TTL)
		w.WriteHeader(http.StatusMovedPermanently)
	case http.StatusNotModified:
		s.cacheHeaders(w, hd.TTL)
		w.WriteHeader(http.StatusNotModified)
	case http.StatusRequestedRangeNotSatisfiable:
		s.cacheHeaders(w, origin.NotFoundCacheTTL)
		http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable),
			http.StatusRequestedRangeNotSatisfiable)
	case http.StatusNotFound:
		s.cacheHeaders(w, origin.NotFoundCacheTTL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		zerolog.Ctx(r.Context()).Warn().
			Int("status", resp.StatusCode).
			Str("path", objPath).
			Str("trans-id", resp.Header.Get("X-Trans-Id")).
			Msg("unexpected backend status on the edge path")

		s.cacheHeaders(w, origin.NotFoundCacheTTL)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// streamObject relays a 200/206 backend response, enforcing the size cap.
func (s *Server) streamObject(w http.ResponseWriter, r *http.Request, resp *http.Response, ttl int64) {
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err == nil && size > s.base.Config().MaxCDNFileSize {
		zerolog.Ctx(r.Context()).Warn().
			Int64("size", size).
			Int64("max", s.base.Config().MaxCDNFileSize).
			Str("trans-id", resp.Header.Get("X-Trans-Id")).
			Msg("rejecting an oversize object")

		s.cacheHeaders(w, origin.NotFoundCacheTTL)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)

		return
	}

	h := w.Header()
	for _, key := range responseHeaderAllowlist {
		if v := resp.Header.Get(key); v != "" {
			h.Set(key, v)
		}
	}

	s.cacheHeaders(w, ttl)
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		// client went away mid-stream, nothing to send
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("error streaming the object")
	}
}

// extractHash returns the container key and object name for an edge request,
// honoring values pre-populated by upstream middleware before trying the
// configured URL patterns.
func (s *Server) extractHash(r *http.Request) (hsh, objectName string) {
	ctx := r.Context()

	if v, ok := ctx.Value(cdnHashKey{}).(string); ok {
		hsh = v
	}

	if v, ok := ctx.Value(cdnObjectNameKey{}).(string); ok {
		objectName = v
	}

	if hsh != "" {
		return hsh, objectName
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	fullURL := scheme + "://" + r.Host + r.URL.RequestURI()

	for _, rule := range s.base.Config().IncomingURLRegex {
		// rules describe the URL from its first byte; an occurrence further
		// into the URL is not a match
		loc := rule.Regexp.FindStringSubmatchIndex(fullURL)
		if loc == nil || loc[0] != 0 {
			continue
		}

		for i, name := range rule.Regexp.SubexpNames() {
			if loc[2*i] < 0 {
				continue
			}

			switch name {
			case "hash":
				hsh = fullURL[loc[2*i]:loc[2*i+1]]
			case "object_name":
				objectName = fullURL[loc[2*i]:loc[2*i+1]]
			}
		}

		if hsh != "" {
			return hsh, objectName
		}
	}

	return "", ""
}

func (s *Server) remoteIPAllowed(r *http.Request) bool {
	ip := stripPort(r.RemoteAddr)

	for _, allowed := range s.base.Config().AllowedOriginRemoteIPs {
		if ip == allowed {
			return true
		}
	}

	return false
}

// cacheHeaders stamps the edge caching policy for the given TTL in seconds.
func (s *Server) cacheHeaders(w http.ResponseWriter, ttl int64) {
	h := w.Header()
	h.Set("Expires", time.Now().Add(time.Duration(ttl)*time.Second).UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", fmt.Sprintf("max-age:%d, public", ttl))
}
