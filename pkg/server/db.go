package server

import (
	"bytes"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swiftorigin/sos/pkg/hashdata"
	"github.com/swiftorigin/sos/pkg/helper"
	"github.com/swiftorigin/sos/pkg/origin"
	"github.com/swiftorigin/sos/pkg/store"
)

const (
	headerTTL          = "X-TTL"
	headerCDNEnabled   = "X-CDN-Enabled"
	headerLogRetention = "X-Log-Retention"
)

// serveDB handles the tenant-facing metadata database:
// GET /<vsn>/<account> and HEAD|PUT|POST|DELETE /<vsn>/<account>/<container>.
func (s *Server) serveDB(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"serveDB",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	if s.authorizer != nil {
		if h := s.authorizer.Authorize(r); h != nil {
			h.ServeHTTP(w, r)

			return
		}
	}

	segs, err := helper.SplitPath(r.URL.Path, 2, 3, false)
	if err != nil {
		if errors.Is(err, helper.ErrInvalidUTF8) {
			http.Error(w, err.Error(), http.StatusPreconditionFailed)

			return
		}

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	account, container := segs[1], segs[2]

	span.SetAttributes(attribute.String("account", account))

	r = r.WithContext(
		zerolog.Ctx(ctx).
			With().
			Str("account", account).
			Str("container", container).
			Logger().
			WithContext(r.Context()))

	if container == "" {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

			return
		}

		s.dbList(w, r, account)

		return
	}

	switch r.Method {
	case http.MethodHead:
		s.dbHead(w, r, account, container)
	case http.MethodPut, http.MethodPost:
		s.dbPutPost(w, r, account, container)
	case http.MethodDelete:
		s.dbDelete(w, r, account, container)
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// listRow is one decoded row of the per-account listing container.
type listRow struct {
	name        string
	cdnEnabled  bool
	ttl         int64
	logsEnabled bool
}

func (s *Server) dbList(w http.ResponseWriter, r *http.Request, account string) {
	cfg := s.base.Config()

	q := r.URL.Query()
	marker := q.Get("marker")
	format := strings.ToLower(q.Get("format"))

	var enabledFilter *bool

	if q.Has("enabled") {
		v := helper.IsTrue(q.Get("enabled"))
		enabledFilter = &v
	}

	limit := 0

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		limit = n
	}

	var rows []listRow

	// requery with an advanced marker whenever a page was fully filtered out,
	// so filtering never stalls paging progress
	for len(rows) == 0 {
		entries, status, err := s.base.Store().ListContainer(r.Context(), cfg.OriginAccount, account, marker)
		if err != nil {
			s.dbFailure(w, r, err, "error listing the account")

			return
		}

		if status == http.StatusNotFound {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

			return
		}

		if status/100 != 2 {
			s.dbFailure(w, r, fmt.Errorf("%w: %d", store.ErrUnexpectedStatus, status),
				"error listing the account")

			return
		}

		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			cdnEnabled, ttl, logsEnabled, err := hashdata.ParseListingContentType(entry.ContentType)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().
					Err(err).
					Str("name", entry.Name).
					Msg("skipping a malformed listing row")

				continue
			}

			if enabledFilter != nil && *enabledFilter != cdnEnabled {
				continue
			}

			rows = append(rows, listRow{
				name:        entry.Name,
				cdnEnabled:  cdnEnabled,
				ttl:         ttl,
				logsEnabled: logsEnabled,
			})

			if limit > 0 && len(rows) == limit {
				break
			}
		}

		last := entries[len(entries)-1].Name
		if last <= marker {
			// the backend listing must collate after the marker; anything
			// else would make this loop spin forever
			s.dbFailure(w, r, fmt.Errorf("%w: marker did not advance: %q -> %q",
				store.ErrUnexpectedStatus, marker, last), "error listing the account")

			return
		}

		marker = last
	}

	switch format {
	case "json":
		s.writeJSONListing(w, r, account, rows)
	case "xml":
		s.writeXMLListing(w, r, account, rows)
	default:
		s.writeTextListing(w, rows)
	}
}

func (s *Server) writeTextListing(w http.ResponseWriter, rows []listRow) {
	var sb strings.Builder

	for _, row := range rows {
		sb.WriteString(row.name)
		sb.WriteByte('\n')
	}

	// an empty listing is a lone newline, never a zero-byte body
	if len(rows) == 0 {
		sb.WriteByte('\n')
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	//nolint:errcheck
	w.Write([]byte(sb.String()))
}

func (s *Server) writeJSONListing(w http.ResponseWriter, r *http.Request, account string, rows []listRow) {
	out := make([]map[string]any, 0, len(rows))

	for _, row := range rows {
		urls, err := s.base.CDNURLs(s.base.HashPath(account, row.name), http.MethodGet, "json")
		if err != nil {
			s.dbFailure(w, r, err, "error building the CDN URLs")

			return
		}

		m := map[string]any{
			"name":          row.name,
			"cdn_enabled":   row.cdnEnabled,
			"ttl":           row.ttl,
			"log_retention": row.logsEnabled,
		}

		for key, u := range urls {
			m[key] = u
		}

		out = append(out, m)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if err := json.NewEncoder(w).Encode(out); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing the response")
	}
}

func (s *Server) writeXMLListing(w http.ResponseWriter, r *http.Request, account string, rows []listRow) {
	var buf bytes.Buffer

	buf.WriteString(xml.Header)
	buf.WriteString(`<account name="` + xmlEscape(account) + "\">\n")

	for _, row := range rows {
		urls, err := s.base.CDNURLs(s.base.HashPath(account, row.name), http.MethodGet, "xml")
		if err != nil {
			s.dbFailure(w, r, err, "error building the CDN URLs")

			return
		}

		buf.WriteString("<container>\n")
		buf.WriteString("<name>" + xmlEscape(row.name) + "</name>\n")
		buf.WriteString("<cdn_enabled>" + helper.FormatBool(row.cdnEnabled) + "</cdn_enabled>\n")
		buf.WriteString("<ttl>" + strconv.FormatInt(row.ttl, 10) + "</ttl>\n")
		buf.WriteString("<log_retention>" + helper.FormatBool(row.logsEnabled) + "</log_retention>\n")

		keys := make([]string, 0, len(urls))
		for key := range urls {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		for _, key := range keys {
			buf.WriteString("<" + key + ">" + xmlEscape(urls[key]) + "</" + key + ">\n")
		}

		buf.WriteString("</container>\n")
	}

	buf.WriteString("</account>\n")

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")

	//nolint:errcheck
	w.Write(buf.Bytes())
}

func xmlEscape(s string) string {
	var buf bytes.Buffer

	//nolint:errcheck
	xml.EscapeText(&buf, []byte(s))

	return buf.String()
}

func (s *Server) dbHead(w http.ResponseWriter, r *http.Request, account, container string) {
	hsh := s.base.HashPath(account, container)

	hashObjPath, err := s.base.HashObjectPath(hsh)
	if err != nil {
		s.dbFailure(w, r, err, "error computing the hash object path")

		return
	}

	hd := s.base.GetHashData(r.Context(), hashObjPath)
	if hd == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	urls, err := s.base.CDNURLs(hsh, http.MethodHead, "")
	if err != nil {
		s.dbFailure(w, r, err, "error building the CDN URLs")

		return
	}

	h := w.Header()
	for key, u := range urls {
		h.Set(key, u)
	}

	h.Set(headerTTL, strconv.FormatInt(hd.TTL, 10))
	h.Set(headerCDNEnabled, helper.FormatBool(hd.CDNEnabled))
	h.Set(headerLogRetention, helper.FormatBool(hd.LogsEnabled))

	w.WriteHeader(http.StatusNoContent)
}

//nolint:cyclop
func (s *Server) dbPutPost(w http.ResponseWriter, r *http.Request, account, container string) {
	cfg := s.base.Config()

	// validate X-TTL before anything touches the backend
	var ttlHeader *int64

	if v := r.Header.Get(headerTTL); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid X-TTL", http.StatusBadRequest)

			return
		}

		if n < cfg.MinTTL || n > cfg.MaxTTL {
			http.Error(w,
				fmt.Sprintf("X-TTL must be between %d and %d", cfg.MinTTL, cfg.MaxTTL),
				http.StatusBadRequest)

			return
		}

		ttlHeader = &n
	}

	hsh := s.base.HashPath(account, container)

	hashObjPath, err := s.base.HashObjectPath(hsh)
	if err != nil {
		s.dbFailure(w, r, err, "error computing the hash object path")

		return
	}

	existing := s.base.GetHashData(r.Context(), hashObjPath)
	if existing == nil && r.Method == http.MethodPost {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	ttl, cdnEnabled, logsEnabled := cfg.DefaultTTL, true, false
	if existing != nil {
		ttl, cdnEnabled, logsEnabled = existing.TTL, existing.CDNEnabled, existing.LogsEnabled
	}

	if ttlHeader != nil {
		ttl = *ttlHeader
	}

	if v := r.Header.Get(headerCDNEnabled); v != "" {
		cdnEnabled = helper.IsTrue(v)
	}

	if v := r.Header.Get(headerLogRetention); v != "" {
		logsEnabled = helper.IsTrue(v)
	}

	// the effective ttl must satisfy the bounds even when it was inherited
	// from a record written under a looser configuration
	if ttl < cfg.MinTTL || ttl > cfg.MaxTTL {
		http.Error(w,
			fmt.Sprintf("X-TTL must be between %d and %d", cfg.MinTTL, cfg.MaxTTL),
			http.StatusBadRequest)

		return
	}

	metadataSet := ttlHeader != nil ||
		r.Header.Get(headerCDNEnabled) != "" ||
		r.Header.Get(headerLogRetention) != ""

	hd, err := hashdata.New(account, container, ttl, cdnEnabled, logsEnabled)
	if err != nil {
		http.Error(w, err.Error(), http.StatusPreconditionFailed)

		return
	}

	serialized := hd.JSON()
	sum := md5.Sum(serialized) //nolint:gosec

	hdrs := http.Header{}
	hdrs.Set("Etag", hex.EncodeToString(sum[:]))

	status, err := s.base.Store().Status(r.Context(), http.MethodPut, hashObjPath, hdrs, serialized)
	if err != nil || status/100 != 2 {
		s.dbFailure(w, r, statusErr(err, status), "error writing the hash object")

		return
	}

	s.base.CacheHashData(r.Context(), hashObjPath, serialized)

	if metadataSet {
		origin.LogInfo(r.Context(), "Set CDN metadata", account, container, hsh)
	}

	listingPath := store.Path(cfg.OriginAccount, account)

	status, err = s.base.Store().Status(r.Context(), http.MethodHead, listingPath, nil, nil)
	if err != nil {
		s.dbFailure(w, r, err, "error checking the listing container")

		return
	}

	if status == http.StatusNotFound {
		status, err = s.base.Store().Status(r.Context(), http.MethodPut, listingPath, nil, nil)
		if err != nil || status/100 != 2 {
			s.dbFailure(w, r, statusErr(err, status), "error creating the listing container")

			return
		}
	} else if status/100 != 2 {
		s.dbFailure(w, r, statusErr(nil, status), "error checking the listing container")

		return
	}

	childHdrs := http.Header{}
	childHdrs.Set("Content-Type", hashdata.ListingContentType(cdnEnabled, ttl, logsEnabled))

	status, err = s.base.Store().Status(
		r.Context(), r.Method, store.Path(cfg.OriginAccount, account, container), childHdrs, []byte{})
	if err != nil || status/100 != 2 {
		s.dbFailure(w, r, statusErr(err, status), "error writing the listing child")

		return
	}

	if cdnEnabled {
		origin.LogInfo(r.Context(), "CDN enable", account, container, hsh)
	}

	urls, err := s.base.CDNURLs(hsh, http.MethodHead, "")
	if err != nil {
		s.dbFailure(w, r, err, "error building the CDN URLs")

		return
	}

	h := w.Header()
	for key, u := range urls {
		h.Set(key, u)
	}

	if r.Method == http.MethodPut {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) dbDelete(w http.ResponseWriter, r *http.Request, account, container string) {
	cfg := s.base.Config()

	if !cfg.DeleteEnabled {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)

		return
	}

	hsh := s.base.HashPath(account, container)

	hashObjPath, err := s.base.HashObjectPath(hsh)
	if err != nil {
		s.dbFailure(w, r, err, "error computing the hash object path")

		return
	}

	// drop the cache entry before the backend writes so a concurrent read
	// cannot re-populate it from stale data
	s.base.InvalidateHashData(r.Context(), hashObjPath)

	hashStatus, err := s.base.Store().Status(r.Context(), http.MethodDelete, hashObjPath, nil, nil)
	if err != nil {
		s.dbFailure(w, r, err, "error deleting the hash object")

		return
	}

	if hashStatus/100 != 2 && hashStatus != http.StatusNotFound {
		s.dbFailure(w, r, statusErr(nil, hashStatus), "error deleting the hash object")

		return
	}

	childStatus, err := s.base.Store().Status(
		r.Context(), http.MethodDelete, store.Path(cfg.OriginAccount, account, container), nil, nil)
	if err != nil {
		s.dbFailure(w, r, err, "error deleting the listing child")

		return
	}

	if childStatus/100 != 2 && childStatus != http.StatusNotFound {
		s.dbFailure(w, r, statusErr(nil, childStatus), "error deleting the listing child")

		return
	}

	if hashStatus == http.StatusNotFound && childStatus == http.StatusNotFound {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	origin.LogInfo(r.Context(), "CDN delete", account, container, hsh)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dbFailure(w http.ResponseWriter, r *http.Request, err error, msg string) {
	zerolog.Ctx(r.Context()).Error().Err(err).Msg(msg)

	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func statusErr(err error, status int) error {
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %d", store.ErrUnexpectedStatus, status)
}
