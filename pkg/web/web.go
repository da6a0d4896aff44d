// Package web exposes the cache service over HTTP. Every response
// carries the operation result as JSON, including the result code, so
// clients never have to reverse-engineer outcomes from HTTP statuses
// alone.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/dlogger"
	"github.com/cascached/cascached/pkg/model"
	"github.com/cascached/cascached/pkg/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handlers serves the remote operation surface of a cache server
type Handlers struct {
	srv *service.Server
	l   *zap.Logger
}

// Option configures the HTTP layer
type Option func(*Handlers)

// Logger sets a logger for the HTTP layer
func Logger(l *zap.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.l = l
		}
	}
}

// New builds the HTTP handlers over a cache server
func New(srv *service.Server, opts ...Option) *Handlers {
	h := &Handlers{
		srv: srv,
		l:   dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(h)
	}
	return h
}

// Router assembles the chi routing tree
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(correlate)
	r.Use(requestLogger(h.l))

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/caches", h.listCaches)
		r.Post("/caches/{cache}/sessions", h.createSession)
		r.Delete("/sessions/{sessionID}", h.shutdownSession)
		r.Route("/sessions/{sessionID}/blobs", func(r chi.Router) {
			r.Post("/", h.put)
			r.Post("/file", h.putFile)
			r.Post("/{digest}/place", h.place)
			r.Delete("/{digest}", h.remove)
			r.Post("/{digest}/pin", h.pin)
			r.Delete("/{digest}/pin", h.unpin)
		})
	})
	return r
}

type sessionRequest struct {
	Name          string              `json:"name"`
	PinningPolicy model.PinningPolicy `json:"pinningPolicy"`
}

type putFileRequest struct {
	Path        string                `json:"path"`
	Digest      string                `json:"digest"`
	Realization model.RealizationMode `json:"realization"`
}

type placeRequest struct {
	Path        string                `json:"path"`
	Access      model.AccessMode      `json:"access"`
	Replacement model.ReplacementMode `json:"replacement"`
	Realization model.RealizationMode `json:"realization"`
}

type cacheInfo struct {
	Name       string `json:"name"`
	UsedBytes  int64  `json:"usedBytes"`
	MaxBytes   int64  `json:"maxBytes"`
	Entries    int64  `json:"entries"`
	PinnedKeys int64  `json:"pinnedKeys"`
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handlers) listCaches(w http.ResponseWriter, _ *http.Request) {
	names := h.srv.CacheNames()
	infos := make([]cacheInfo, 0, len(names))
	for _, name := range names {
		stats, ok := h.srv.CacheStats(name)
		if !ok {
			continue
		}
		infos = append(infos, cacheInfo{
			Name:       name,
			UsedBytes:  stats.UsedBytes,
			MaxBytes:   stats.MaxBytes,
			Entries:    stats.Entries,
			PinnedKeys: stats.PinnedKeys,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondSession(w, model.SessionResult{
				Result: model.Failed(model.MalformedInput, err),
			})
			return
		}
	}
	res := h.srv.CreateSession(r.Context(), chi.URLParam(r, "cache"), req.Name, req.PinningPolicy)
	h.respondSession(w, res)
}

func (h *Handlers) shutdownSession(w http.ResponseWriter, r *http.Request) {
	res := h.srv.ShutdownSession(r.Context(), chi.URLParam(r, "sessionID"))
	h.respondSession(w, res)
}

func (h *Handlers) put(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	var expected *digest.Digest
	if raw := r.URL.Query().Get("digest"); raw != "" {
		d, err := digest.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, model.PutResult{
				Result: model.Failed(model.MalformedInput, err),
			})
			return
		}
		expected = &d
	}
	res := h.srv.Put(r.Context(), chi.URLParam(r, "sessionID"), r.Body, expected)
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) putFile(w http.ResponseWriter, r *http.Request) {
	var req putFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.PutResult{
			Result: model.Failed(model.MalformedInput, err),
		})
		return
	}
	var expected *digest.Digest
	if req.Digest != "" {
		d, err := digest.Parse(req.Digest)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, model.PutResult{
				Result: model.Failed(model.MalformedInput, err),
			})
			return
		}
		expected = &d
	}
	if req.Realization == "" {
		req.Realization = model.RealizeCopy
	}
	res := h.srv.PutFile(r.Context(), chi.URLParam(r, "sessionID"), req.Path, expected, req.Realization)
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) place(w http.ResponseWriter, r *http.Request) {
	d, ok := h.digestParam(w, r)
	if !ok {
		return
	}
	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.PlaceResult{
			Result: model.Failed(model.MalformedInput, err),
			Digest: d,
		})
		return
	}
	if req.Access == "" {
		req.Access = model.AccessReadOnly
	}
	if req.Replacement == "" {
		req.Replacement = model.FailIfExists
	}
	if req.Realization == "" {
		req.Realization = model.RealizeCopy
	}
	res := h.srv.Place(r.Context(), chi.URLParam(r, "sessionID"), d, req.Path,
		req.Access, req.Replacement, req.Realization)
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) remove(w http.ResponseWriter, r *http.Request) {
	d, ok := h.digestParam(w, r)
	if !ok {
		return
	}
	localOnly, _ := strconv.ParseBool(r.URL.Query().Get("localOnly"))
	res := h.srv.Delete(r.Context(), chi.URLParam(r, "sessionID"), d, localOnly)
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) pin(w http.ResponseWriter, r *http.Request) {
	d, ok := h.digestParam(w, r)
	if !ok {
		return
	}
	res := h.srv.Pin(r.Context(), chi.URLParam(r, "sessionID"), d)
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) unpin(w http.ResponseWriter, r *http.Request) {
	d, ok := h.digestParam(w, r)
	if !ok {
		return
	}
	res := h.srv.Unpin(r.Context(), chi.URLParam(r, "sessionID"), d)
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) respondSession(w http.ResponseWriter, res model.SessionResult) {
	writeJSON(w, statusFor(res.Succeeded(), res.Code), res)
}

func (h *Handlers) digestParam(w http.ResponseWriter, r *http.Request) (digest.Digest, bool) {
	d, err := digest.Parse(chi.URLParam(r, "digest"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.Result{
			Code:   model.MalformedInput,
			Detail: err.Error(),
		})
		return digest.Digest{}, false
	}
	return d, true
}

// statusFor maps a result code to an HTTP status. Succeeded results are
// always 200 even when the code is not Success, e.g. deleting content
// that was never present.
func statusFor(succeeded bool, code model.Code) int {
	if succeeded {
		return http.StatusOK
	}
	switch code {
	case model.CacheNotFound, model.SessionNotFound,
		model.ContentNotFound, model.NotPlacedContentNotFound:
		return http.StatusNotFound
	case model.HashMismatch, model.MalformedInput:
		return http.StatusBadRequest
	case model.QuotaExceeded:
		return http.StatusInsufficientStorage
	case model.ContentNotDeleted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
