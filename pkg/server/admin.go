package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/swiftorigin/sos/pkg/helper"
	"github.com/swiftorigin/sos/pkg/store"
)

const (
	adminUserHeader = "X-Origin-Admin-User"
	adminKeyHeader  = "X-Origin-Admin-Key"

	// adminUser is the only identity accepted on the admin surface.
	adminUser = ".origin_admin"
)

// serveAdmin handles the cluster preparation surface under the origin prefix.
// The only operation is POST <origin_prefix>.prep.
func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(
		r.Context(),
		"serveAdmin",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r = r.WithContext(ctx)

	cfg := s.base.Config()

	// an unset admin key disables the surface entirely
	if cfg.OriginAdminKey == "" ||
		r.Header.Get(adminUserHeader) != adminUser ||
		r.Header.Get(adminKeyHeader) != cfg.OriginAdminKey {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)

		return
	}

	segs, err := helper.SplitPath(r.URL.Path, 2, 2, true)
	if err != nil {
		if errors.Is(err, helper.ErrInvalidUTF8) {
			http.Error(w, err.Error(), http.StatusPreconditionFailed)

			return
		}

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if r.Method != http.MethodPost || segs[1] != ".prep" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	s.prep(w, r)
}

// prep creates the origin account and every hash container. It is idempotent
// and safe to re-run after raising number_hash_id_containers.
func (s *Server) prep(w http.ResponseWriter, r *http.Request) {
	cfg := s.base.Config()
	st := s.base.Store()

	paths := make([]string, 0, cfg.NumberHashIDContainers+1)
	paths = append(paths, store.Path(cfg.OriginAccount))

	for i := range cfg.NumberHashIDContainers {
		paths = append(paths, store.Path(cfg.OriginAccount, fmt.Sprintf(".hash_%d", i)))
	}

	for _, path := range paths {
		status, err := st.Status(r.Context(), http.MethodPut, path, nil, nil)
		if err != nil || status/100 != 2 {
			zerolog.Ctx(r.Context()).Error().
				Err(err).
				Str("path", path).
				Int("status", status).
				Msg("error creating an origin container")

			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

			return
		}
	}

	zerolog.Ctx(r.Context()).Info().
		Int("hash-containers", cfg.NumberHashIDContainers).
		Msg("origin cluster prepared")

	w.WriteHeader(http.StatusNoContent)
}
