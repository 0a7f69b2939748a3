package server_test

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftorigin/sos/pkg/hashdata"
	"github.com/swiftorigin/sos/pkg/origin"
	"github.com/swiftorigin/sos/pkg/server"
	"github.com/swiftorigin/sos/pkg/store/storetest"
)

// seedCDNContainer stores the metadata record for acct/cont and returns its
// container key.
func seedCDNContainer(t *testing.T, ts *storetest.Server, ttl int64, cdnEnabled bool) string {
	t.Helper()

	prepCluster(ts)

	hd, err := hashdata.New("acct", "cont", ttl, cdnEnabled, false)
	require.NoError(t, err)

	hsh := hashOf("acct", "cont")
	ts.PutObject(".origin", ".hash_0", hsh, storetest.Object{Data: hd.JSON()})

	return hsh
}

func newEdgeRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, "http://"+cdnHost+path, nil)
}

func TestEdgeGet(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 3600, true)
	ts.PutObject("acct", "cont", "obj.jpg", storetest.Object{
		Data:        []byte("hello"),
		ContentType: "image/jpeg",
	})

	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
	assert.NotEmpty(t, w.Header().Get("Etag"))
	assert.Equal(t, "max-age:3600, public", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("Expires"))

	// the backend saw the edge identity, not the client's
	var seen bool

	for _, req := range ts.Requests() {
		if req.Method == http.MethodGet && req.Path == "/v1/acct/cont/obj.jpg" {
			seen = true
		}
	}

	assert.True(t, seen)
}

func TestEdgeHead(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 3600, true)
	ts.PutObject("acct", "cont", "obj.jpg", storetest.Object{Data: []byte("hello")})

	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodHead, "/h/"+hsh+"/obj.jpg"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
}

func TestEdgeSignedTokenStripped(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 3600, true)
	ts.PutObject("acct", "cont", "obj.jpg", storetest.Object{Data: []byte("hello")})

	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/96a39ff2-"+hsh+"/obj.jpg"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEdgeDisabledContainer(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 3600, false)

	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "max-age:30, public", w.Header().Get("Cache-Control"))
}

func TestEdgeNegativeCache(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	prepCluster(ts)

	srv := newServer(t, ts, nil)

	hsh := hashOf("acct", "never")
	hashObjPath := "/v1/.origin/.hash_0/" + hsh

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "max-age:30, public", w.Header().Get("Cache-Control"))

	w = do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))
	require.Equal(t, http.StatusNotFound, w.Code)

	// the second lookup was answered by the negative cache entry
	assert.Equal(t, 1, ts.RequestCount(http.MethodGet, hashObjPath))
}

func TestEdgeOversize(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 3600, true)
	ts.PutObject("acct", "cont", "big.bin", storetest.Object{Data: []byte("too large")})

	srv := newServer(t, ts, func(cfg *origin.Config) {
		cfg.MaxCDNFileSize = 4
	})

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/big.bin"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "max-age:30, public", w.Header().Get("Cache-Control"))
	assert.NotContains(t, w.Body.String(), "too large")
}

func TestEdgeNotModified(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 900, true)

	ts.AddMaybeHandler(func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/v1/acct/cont/obj.jpg" {
			return false
		}

		// the conditional header made it through the allowlist
		if r.Header.Get("If-Modified-Since") == "" {
			w.WriteHeader(http.StatusInternalServerError)

			return true
		}

		w.WriteHeader(http.StatusNotModified)

		return true
	})

	srv := newServer(t, ts, nil)

	r := newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg")
	r.Header.Set("If-Modified-Since", "Mon, 02 Jan 2006 15:04:05 GMT")

	w := do(srv, r)

	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Equal(t, "max-age:900, public", w.Header().Get("Cache-Control"))
}

func TestEdgeRedirect(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 900, true)

	ts.AddMaybeHandler(func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/v1/acct/cont/obj.jpg" {
			return false
		}

		w.Header().Set("Location", "http://elsewhere.example.com/obj.jpg")
		w.WriteHeader(http.StatusMovedPermanently)

		return true
	})

	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))

	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "http://elsewhere.example.com/obj.jpg", w.Header().Get("Location"))
	assert.Equal(t, "max-age:900, public", w.Header().Get("Cache-Control"))
}

func TestEdgeBackendErrorMapsToNotFound(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 900, true)

	ts.AddMaybeHandler(func(w http.ResponseWriter, r *http.Request) bool {
		if !strings.HasPrefix(r.URL.Path, "/v1/acct/") {
			return false
		}

		w.WriteHeader(http.StatusServiceUnavailable)

		return true
	})

	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "max-age:30, public", w.Header().Get("Cache-Control"))
}

func TestEdgeMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	srv := newServer(t, ts, nil)

	w := do(srv, newEdgeRequest(http.MethodPost, "/h/abcdef/obj.jpg"))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "max-age:86400, public", w.Header().Get("Cache-Control"))
}

func TestEdgeBadURLs(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	srv := newServer(t, ts, nil)

	t.Run("no pattern matches", func(t *testing.T) {
		t.Parallel()

		w := do(srv, newEdgeRequest(http.MethodGet, "/unmatched"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "max-age:86400, public", w.Header().Get("Cache-Control"))
	})

	t.Run("non-hex hash", func(t *testing.T) {
		t.Parallel()

		// "deadbeef-" keeps only the empty string after token stripping
		w := do(srv, newEdgeRequest(http.MethodGet, "/h/deadbeef-/obj.jpg"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "max-age:86400, public", w.Header().Get("Cache-Control"))
	})
}

func TestEdgeRulesMatchFromURLStart(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	hsh := seedCDNContainer(t, ts, 3600, true)
	ts.PutObject("acct", "cont", "obj.jpg", storetest.Object{Data: []byte("hello")})

	t.Run("a mid-URL occurrence is not a match", func(t *testing.T) {
		t.Parallel()

		srv := newServer(t, ts, func(cfg *origin.Config) {
			cfg.IncomingURLRegex = []origin.IncomingRule{
				{
					Name:   "path_only",
					Regexp: regexp.MustCompile(`/h/(?P<hash>[0-9a-f-]+)/(?P<object_name>.*)$`),
				},
			}
		})

		w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "max-age:86400, public", w.Header().Get("Cache-Control"))
	})

	t.Run("an unanchored rule still matches at the first byte", func(t *testing.T) {
		t.Parallel()

		srv := newServer(t, ts, func(cfg *origin.Config) {
			cfg.IncomingURLRegex = []origin.IncomingRule{
				{
					Name:   "no_caret",
					Regexp: regexp.MustCompile(`https?://[^/]+/h/(?P<hash>[0-9a-f-]+)/(?P<object_name>.*)$`),
				},
			}
		})

		w := do(srv, newEdgeRequest(http.MethodGet, "/h/"+hsh+"/obj.jpg"))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestEdgeIPAllowlist(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)

	var passedThrough bool

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		passedThrough = true

		w.WriteHeader(http.StatusTeapot)
	})

	srv := newServer(t, ts, func(cfg *origin.Config) {
		cfg.AllowedOriginRemoteIPs = []string{"10.11.12.13"}
	}, server.WithNextHandler(next))

	// httptest requests come from 192.0.2.1, which is not allowed
	w := do(srv, newEdgeRequest(http.MethodGet, "/h/abcdef/obj.jpg"))

	assert.True(t, passedThrough)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
