package store_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftorigin/sos/pkg/store"
	"github.com/swiftorigin/sos/pkg/store/storetest"
)

func newClient(t *testing.T, ts *storetest.Server) *store.Client {
	t.Helper()

	c, err := store.New(store.Config{
		URL:      ts.URL,
		AuthURL:  ts.AuthURL(),
		AuthUser: "admin:admin",
		AuthKey:  "admin",
	})
	require.NoError(t, err)

	return c
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := store.New(store.Config{})
	require.ErrorIs(t, err, store.ErrClusterURLRequired)

	_, err = store.New(store.Config{URL: "swift.internal:8080"})
	require.ErrorIs(t, err, store.ErrClusterURLNotValid)
}

func TestAuthAndStatus(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	ts.RequireToken()

	c := newClient(t, ts)

	status, err := c.Status(t.Context(), http.MethodPut, store.Path(".origin"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	status, err = c.Status(t.Context(), http.MethodHead, store.Path(".origin"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestPutGetObject(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)
	ts.PutContainer(".origin", ".hash_0")

	c := newClient(t, ts)

	hdrs := http.Header{}
	hdrs.Set("Etag", "d41d8cd98f00b204e9800998ecf8427e")

	status, err := c.Status(
		t.Context(), http.MethodPut, store.Path(".origin", ".hash_0", "abc"), hdrs, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	resp, err := c.Do(t.Context(), http.MethodGet, store.Path(".origin", ".hash_0", "abc"), nil, nil)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
}

func TestListContainer(t *testing.T) {
	t.Parallel()

	ts := storetest.NewServer(t)

	for _, name := range []string{"alpha", "beta", "gamma"} {
		ts.PutObject(".origin", "acct", name, storetest.Object{ContentType: "x-cdn/True-60-False"})
	}

	c := newClient(t, ts)

	entries, status, err := c.ListContainer(t.Context(), ".origin", "acct", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, "x-cdn/True-60-False", entries[0].ContentType)

	entries, status, err = c.ListContainer(t.Context(), ".origin", "acct", "alpha")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, entries, 2)
	assert.Equal(t, "beta", entries[0].Name)

	_, status, err = c.ListContainer(t.Context(), ".origin", "nope", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPathEscaping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/v1/.origin/.hash_42/abcdef", store.Path(".origin", ".hash_42", "abcdef"))
	assert.Equal(t, "/v1/acct/a%20b", store.Path("acct", "a b"))
	assert.Equal(t, "/v1/acct/a%20b/o", store.Quote("/v1/acct/a b/o"))
}
