package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobeaver/metafs"
)

// Handler translates HTTP requests into Service and Dispatcher calls.
type Handler struct {
	svc          *metafs.Service
	log          *slog.Logger
	maxBodyBytes int64
	maxWatch     time.Duration
}

// NewHandler creates a Handler. maxBodyBytes limits JSON request bodies and
// maxWatch caps the long-poll timeout of watch requests.
func NewHandler(svc *metafs.Service, log *slog.Logger, maxBodyBytes int64, maxWatch time.Duration) *Handler {
	return &Handler{svc: svc, log: log, maxBodyBytes: maxBodyBytes, maxWatch: maxWatch}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error           string `json:"error"`
	Kind            string `json:"kind"`
	DeleteAttempted *bool  `json:"deleteAttempted,omitempty"`
}

// RenameRequest is the body of PATCH /api/contents/{path}.
type RenameRequest struct {
	Path string `json:"path"`
}

// CopyRequest is the body of POST /api/contents/{path}.
type CopyRequest struct {
	CopyFrom string `json:"copy_from"`
}

// WatchResponse is the body of GET /api/watch/{pattern}.
type WatchResponse struct {
	Changed bool `json:"changed"`
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(kind metafs.Kind) int {
	switch kind {
	case metafs.KindMalformedPath, metafs.KindHiddenAccessDenied, metafs.KindNotADirectory, metafs.KindInvalid:
		return http.StatusBadRequest
	case metafs.KindNotFound:
		return http.StatusNotFound
	case metafs.KindRegistrationDenied, metafs.KindPermission:
		return http.StatusForbidden
	case metafs.KindConflict, metafs.KindExists:
		return http.StatusConflict
	case metafs.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case metafs.KindNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := metafs.KindOf(err)
	code := StatusCode(kind)
	resp := ErrorResponse{Error: err.Error(), Kind: kind.String()}

	var crossErr *metafs.CrossResourceMoveError
	if errors.As(err, &crossErr) {
		attempted := crossErr.DeleteAttempted
		resp.DeleteAttempted = &attempted
	}
	if code >= http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err, "kind", kind.String(), "method", r.Method, "path", r.URL.Path)
	}
	h.writeJSON(w, code, resp)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: metafs.KindInvalid.String()})
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large", Kind: metafs.KindInvalid.String()})
			return false
		}
		h.badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// targetPath returns the namespaced path in the wildcard segment.
func targetPath(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	p, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", metafs.ErrMalformedPath, err)
	}
	return p, nil
}

func queryFlag(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// HandleListResources returns the resources visible to callers.
//
// URL format: GET /metafs/resources
func (h *Handler) HandleListResources(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Resources())
}

// HandleRegisterResources registers caller resources and returns every
// resource available afterwards.
//
// URL format: POST /metafs/resources
// Request body: metafs.RegistrationRequest
func (h *Handler) HandleRegisterResources(w http.ResponseWriter, r *http.Request) {
	var req metafs.RegistrationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.RegisterResources(r.Context(), req))
}

// HandleDeregisterResource removes a caller resource.
//
// URL format: DELETE /metafs/resources/{selector}
func (h *Handler) HandleDeregisterResource(w http.ResponseWriter, r *http.Request) {
	selector := chi.URLParam(r, "selector")
	removed, err := h.svc.DeregisterResource(selector)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !removed {
		h.writeError(w, r, fmt.Errorf("resource %q: %w", selector, metafs.ErrNotExist))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSnippets returns the configured code snippets, limited to those
// whose pattern matches the optional path query parameter.
//
// URL format: GET /metafs/snippets?path=d1:data/a.csv
func (h *Handler) HandleSnippets(w http.ResponseWriter, r *http.Request) {
	snippets := h.svc.Snippets(r.URL.Query().Get("path"))
	h.writeJSON(w, http.StatusOK, map[string]any{"snippets": snippets})
}

// HandleGet returns the model of an entry.
//
// URL format: GET /api/contents/{path}?content=1&type=file&format=text&hash=1
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	opts := metafs.GetOptions{
		Content: q.Get("content") == "" || queryFlag(r, "content"),
		Type:    metafs.EntryType(q.Get("type")),
		Format:  metafs.ContentFormat(q.Get("format")),
		Hash:    queryFlag(r, "hash"),
	}
	m, err := h.svc.Dispatcher().Get(r.Context(), p, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// HandleSave writes a file, a notebook or a directory.
//
// URL format: PUT /api/contents/{path}
// Request body: metafs.ContentModel
func (h *Handler) HandleSave(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var model metafs.ContentModel
	if !h.decodeBody(w, r, &model) {
		return
	}
	saved, err := h.svc.Dispatcher().Save(r.Context(), p, &model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, saved)
}

// HandleRename moves an entry, possibly to another resource.
//
// URL format: PATCH /api/contents/{path}
// Request body: {"path": "selector:new/path"}
func (h *Handler) HandleRename(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req RenameRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		h.badRequest(w, "missing destination path")
		return
	}
	m, err := h.svc.Dispatcher().Rename(r.Context(), p, req.Path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// HandleCopy copies copy_from to the path. When the path is a directory the
// entry is copied into it.
//
// URL format: POST /api/contents/{path}
// Request body: {"copy_from": "selector:src/path"}
func (h *Handler) HandleCopy(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req CopyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.CopyFrom == "" {
		h.badRequest(w, "missing copy_from")
		return
	}
	m, err := h.svc.Dispatcher().Copy(r.Context(), req.CopyFrom, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, m)
}

// HandleDelete removes an entry.
//
// URL format: DELETE /api/contents/{path}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Dispatcher().Delete(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFind lists every entry below a directory matching a glob.
//
// URL format: GET /api/find/{path}?glob=**.ipynb&depth=2
func (h *Handler) HandleFind(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q := r.URL.Query()

	var matchers []metafs.EntryMatcher
	if pattern := q.Get("glob"); pattern != "" {
		m, err := metafs.Glob(pattern)
		if err != nil {
			h.badRequest(w, fmt.Sprintf("invalid glob: %v", err))
			return
		}
		matchers = append(matchers, m)
	}
	if raw := q.Get("depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 1 {
			h.badRequest(w, "depth must be a positive integer")
			return
		}
		np, err := metafs.ParsePath(p)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		matchers = append(matchers, metafs.Depth(np.Clean(), depth))
	}

	models, err := h.svc.Dispatcher().Find(r.Context(), p, metafs.And(matchers...))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if models == nil {
		models = []*metafs.ContentModel{}
	}
	h.writeJSON(w, http.StatusOK, models)
}

// HandleWatch blocks until an entry matching the pattern changes or the
// timeout passes.
//
// URL format: GET /api/watch/{selector:pattern}?timeout=30s
func (h *Handler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	p, err := targetPath(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	timeout := h.maxWatch
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.badRequest(w, "invalid timeout")
			return
		}
		timeout = min(d, h.maxWatch)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	token, err := h.svc.Dispatcher().Watch(ctx, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if s, ok := token.(interface{ Stop() }); ok {
		defer s.Stop()
	}

	changed := make(chan struct{}, 1)
	unregister := token.RegisterChangeCallback(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unregister()

	if token.HasChanged() {
		h.writeJSON(w, http.StatusOK, WatchResponse{Changed: true})
		return
	}
	select {
	case <-changed:
		h.writeJSON(w, http.StatusOK, WatchResponse{Changed: true})
	case <-ctx.Done():
		if r.Context().Err() != nil {
			return
		}
		h.writeJSON(w, http.StatusOK, WatchResponse{Changed: false})
	}
}
