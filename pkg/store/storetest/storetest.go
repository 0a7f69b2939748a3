// Package storetest provides an in-memory object-storage cluster for tests.
// It speaks the /v1 subset the origin server uses: account, container and
// object PUT/POST/HEAD/DELETE, object GET, JSON container listings with
// markers, and v1.0 token authentication.
package storetest

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Token is the auth token issued by the fake cluster.
const Token = "AUTH_tk_storetest"

// Object is a stored object.
type Object struct {
	Data         []byte
	ContentType  string
	LastModified time.Time
}

// Request is one recorded backend request.
type Request struct {
	Method   string
	Path     string
	RawQuery string
}

// MaybeHandlerFunc gets the first shot at a request; returning true means it
// produced the response.
type MaybeHandlerFunc func(http.ResponseWriter, *http.Request) bool

// Server is the fake cluster.
type Server struct {
	*httptest.Server

	mu            sync.RWMutex
	accounts      map[string]map[string]map[string]*Object
	requests      []Request
	maybeHandlers []MaybeHandlerFunc
	requireToken  bool
}

// NewServer starts a new fake cluster. It is shut down with the test.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{accounts: make(map[string]map[string]map[string]*Object)}
	s.Server = httptest.NewServer(s.handler())

	t.Cleanup(s.Close)

	return s
}

// AuthURL returns the v1.0 auth endpoint.
func (s *Server) AuthURL() string { return s.URL + "/auth/v1.0" }

// RequireToken makes the cluster reject /v1 requests lacking the issued token.
func (s *Server) RequireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requireToken = true
}

// AddMaybeHandler installs a scripted response handler.
func (s *Server) AddMaybeHandler(h MaybeHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeHandlers = append(s.maybeHandlers, h)
}

// Requests returns a copy of all recorded /v1 requests.
func (s *Server) Requests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Request(nil), s.requests...)
}

// RequestCount returns how many recorded requests match method and path prefix.
func (s *Server) RequestCount(method, pathPrefix string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int

	for _, r := range s.requests {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			n++
		}
	}

	return n
}

// PutAccount creates an account.
func (s *Server) PutAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putAccount(account)
}

// PutContainer creates a container, creating the account if needed.
func (s *Server) PutContainer(account, container string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putAccount(account)
	if _, ok := s.accounts[account][container]; !ok {
		s.accounts[account][container] = make(map[string]*Object)
	}
}

// PutObject stores an object, creating the account and container if needed.
func (s *Server) PutObject(account, container, name string, obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putAccount(account)
	if _, ok := s.accounts[account][container]; !ok {
		s.accounts[account][container] = make(map[string]*Object)
	}

	if obj.LastModified.IsZero() {
		obj.LastModified = time.Now().UTC()
	}

	s.accounts[account][container][name] = &obj
}

// GetObject returns a stored object.
func (s *Server) GetObject(account, container, name string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cont, ok := s.accounts[account][container]
	if !ok {
		return Object{}, false
	}

	obj, ok := cont[name]
	if !ok {
		return Object{}, false
	}

	return *obj, true
}

// HasContainer reports whether the container exists.
func (s *Server) HasContainer(account, container string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.accounts[account][container]

	return ok
}

func (s *Server) putAccount(account string) {
	if _, ok := s.accounts[account]; !ok {
		s.accounts[account] = make(map[string]map[string]*Object)
	}
}

func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1.0" {
			s.handleAuth(w, r)

			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		})
		handlers := append([]MaybeHandlerFunc(nil), s.maybeHandlers...)
		requireToken := s.requireToken
		s.mu.Unlock()

		for _, handler := range handlers {
			if handler(w, r) {
				return
			}
		}

		if requireToken && r.Header.Get("X-Auth-Token") != Token {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		segs := splitV1Path(r.URL.Path)
		if segs == nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		switch len(segs) {
		case 1:
			s.handleAccount(w, r, segs[0])
		case 2:
			s.handleContainer(w, r, segs[0], segs[1])
		default:
			s.handleObject(w, r, segs[0], segs[1], segs[2])
		}
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Auth-User") == "" || r.Header.Get("X-Auth-Key") == "" {
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	w.Header().Set("X-Auth-Token", Token)
	w.Header().Set("X-Storage-Url", s.URL+"/v1/AUTH_test")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, account string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		s.putAccount(account)
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead:
		if _, ok := s.accounts[account]; !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request, account, container string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, acctOK := s.accounts[account]
	cont, contOK := acct[container]

	switch r.Method {
	case http.MethodPut:
		if !acctOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		if !contOK {
			acct[container] = make(map[string]*Object)
		}

		w.WriteHeader(http.StatusCreated)
	case http.MethodHead:
		if !contOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		if !contOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		s.writeListing(w, r, cont)
	case http.MethodDelete:
		if !contOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		delete(acct, container)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type listingRow struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Bytes        int64  `json:"bytes"`
	Hash         string `json:"hash"`
	LastModified string `json:"last_modified"`
}

func (s *Server) writeListing(w http.ResponseWriter, r *http.Request, cont map[string]*Object) {
	marker := r.URL.Query().Get("marker")

	names := make([]string, 0, len(cont))
	for name := range cont {
		if name > marker {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	rows := make([]listingRow, 0, len(names))

	for _, name := range names {
		obj := cont[name]
		sum := md5.Sum(obj.Data) //nolint:gosec
		rows = append(rows, listingRow{
			Name:         name,
			ContentType:  obj.ContentType,
			Bytes:        int64(len(obj.Data)),
			Hash:         hex.EncodeToString(sum[:]),
			LastModified: obj.LastModified.Format("2006-01-02T15:04:05.000000"),
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	//nolint:errcheck
	json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, account, container, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cont, contOK := s.accounts[account][container]

	if !contOK {
		w.WriteHeader(http.StatusNotFound)

		return
	}

	obj, objOK := cont[name]

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		cont[name] = &Object{
			Data:         data,
			ContentType:  r.Header.Get("Content-Type"),
			LastModified: time.Now().UTC(),
		}

		w.WriteHeader(http.StatusCreated)
	case http.MethodPost:
		if !objOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		if ct := r.Header.Get("Content-Type"); ct != "" {
			obj.ContentType = ct
		}

		w.WriteHeader(http.StatusAccepted)
	case http.MethodGet, http.MethodHead:
		if !objOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		sum := md5.Sum(obj.Data) //nolint:gosec

		h := w.Header()
		h.Set("Content-Type", obj.ContentType)
		h.Set("Content-Length", strconv.Itoa(len(obj.Data)))
		h.Set("Etag", hex.EncodeToString(sum[:]))
		h.Set("Last-Modified", obj.LastModified.Format(http.TimeFormat))

		if r.Method == http.MethodGet {
			//nolint:errcheck
			w.Write(obj.Data)
		}
	case http.MethodDelete:
		if !objOK {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		delete(cont, name)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func splitV1Path(path string) []string {
	if !strings.HasPrefix(path, "/v1/") {
		return nil
	}

	// r.URL.Path is already percent-decoded by net/http
	segs := strings.SplitN(strings.TrimPrefix(path, "/v1/"), "/", 3)
	if segs[0] == "" {
		return nil
	}

	return segs
}
