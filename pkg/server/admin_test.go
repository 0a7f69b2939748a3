package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftorigin/sos/pkg/origin"
	"github.com/swiftorigin/sos/pkg/store/storetest"
)

func newPrepRequest(t *testing.T, user, key string) *http.Request {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, "http://"+adminHost+"/origin/.prep", nil)

	if user != "" {
		r.Header.Set("X-Origin-Admin-User", user)
	}

	if key != "" {
		r.Header.Set("X-Origin-Admin-Key", key)
	}

	return r
}

func TestPrep(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)

	srv := newServer(t, ts, func(cfg *origin.Config) {
		cfg.NumberHashIDContainers = 3
	})

	w := do(srv, newPrepRequest(t, ".origin_admin", adminKey))
	require.Equal(t, http.StatusNoContent, w.Code)

	reqs := ts.Requests()
	require.Len(t, reqs, 4)

	paths := make([]string, 0, len(reqs))

	for _, req := range reqs {
		assert.Equal(t, http.MethodPut, req.Method)

		paths = append(paths, req.Path)
	}

	assert.Equal(t, []string{
		"/v1/.origin",
		"/v1/.origin/.hash_0",
		"/v1/.origin/.hash_1",
		"/v1/.origin/.hash_2",
	}, paths)

	assert.True(t, ts.HasContainer(".origin", ".hash_2"))
}

func TestPrepGate(t *testing.T) {
	t.Parallel()

	t.Run("wrong admin key", func(t *testing.T) {
		t.Parallel()

		ts := storetest.NewServer(t)
		srv := newServer(t, ts, nil)

		w := do(srv, newPrepRequest(t, ".origin_admin", "wrong"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, ts.Requests())
	})

	t.Run("wrong admin user", func(t *testing.T) {
		t.Parallel()

		ts := storetest.NewServer(t)
		srv := newServer(t, ts, nil)

		w := do(srv, newPrepRequest(t, "someone", adminKey))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin surface is disabled without a configured key", func(t *testing.T) {
		t.Parallel()

		ts := storetest.NewServer(t)

		srv := newServer(t, ts, func(cfg *origin.Config) {
			cfg.OriginAdminKey = ""
		})

		w := do(srv, newPrepRequest(t, ".origin_admin", ""))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestAdminUnknownURI(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	srv := newServer(t, ts, nil)

	r := httptest.NewRequest(http.MethodPost, "http://"+adminHost+"/origin/.unknown", nil)
	r.Header.Set("X-Origin-Admin-User", ".origin_admin")
	r.Header.Set("X-Origin-Admin-Key", adminKey)

	w := do(srv, r)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// prep is POST-only
	r = httptest.NewRequest(http.MethodGet, "http://"+adminHost+"/origin/.prep", nil)
	r.Header.Set("X-Origin-Admin-User", ".origin_admin")
	r.Header.Set("X-Origin-Admin-Key", adminKey)

	w = do(srv, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
