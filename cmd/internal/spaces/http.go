package spaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loom/cmd/internal/auth"
	"loom/cmd/internal/docstore"
	"loom/cmd/internal/doctree"
	"loom/cmd/internal/realtime"
)

const maxBodyBytes = 16 << 10

// Handler exposes the coordinator over HTTP.
type Handler struct {
	log      *slog.Logger
	coord    *Coordinator
	resolver auth.Resolver
	authz    auth.Authorizer
}

// NewHandler builds the sidebar API.
func NewHandler(log *slog.Logger, coord *Coordinator, resolver auth.Resolver, authz auth.Authorizer) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if authz == nil {
		authz = auth.AllowAll{}
	}
	return &Handler{log: log, coord: coord, resolver: resolver, authz: authz}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/workspaces/{workspaceID}/pages", h.handleCreate)
	mux.HandleFunc("POST /api/pages/{pageID}/move", h.handleMove)
	mux.HandleFunc("DELETE /api/pages/{pageID}", h.handleDelete)
	mux.HandleFunc("POST /api/pages/{pageID}/restore", h.handleRestore)
}

type createRequest struct {
	ParentID string `json:"parent_id"`
	Title    string `json:"title"`
}

type moveRequest struct {
	ParentID string `json:"parent_id"`
}

type pageResponse struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Title       string     `json:"title"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

func toPageResponse(p docstore.Page) pageResponse {
	return pageResponse{
		ID:          p.ID,
		WorkspaceID: p.WorkspaceID,
		ParentID:    p.ParentID,
		Title:       p.Title,
		CreatedAt:   p.CreatedAt,
		DeletedAt:   p.DeletedAt,
	}
}

// ---- handlers ----

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	workspaceID := strings.TrimSpace(r.PathValue("workspaceID"))

	var req createRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	req.ParentID = strings.TrimSpace(req.ParentID)
	req.Title = strings.TrimSpace(req.Title)

	if !h.allowWorkspace(w, r, id.UserID, workspaceID) {
		return
	}
	if req.ParentID != "" && !h.allowEdit(w, r, id.UserID, req.ParentID) {
		return
	}

	page, err := h.coord.CreatePage(r.Context(), workspaceID, req.ParentID, req.Title, id.UserID)
	if err != nil {
		h.writeOpError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPageResponse(page))
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	pageID := strings.TrimSpace(r.PathValue("pageID"))

	var req moveRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	req.ParentID = strings.TrimSpace(req.ParentID)

	page, ok := h.loadPage(w, r, pageID)
	if !ok {
		return
	}
	for _, touched := range []string{page.ID, page.ParentID, req.ParentID} {
		if touched != "" && !h.allowEdit(w, r, id.UserID, touched) {
			return
		}
	}

	if err := h.coord.MovePage(r.Context(), pageID, req.ParentID, id.UserID); err != nil {
		h.writeOpError(w, "move", err)
		return
	}
	page.ParentID = req.ParentID
	writeJSON(w, http.StatusOK, toPageResponse(page))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	page, ok := h.loadPage(w, r, strings.TrimSpace(r.PathValue("pageID")))
	if !ok {
		return
	}
	if page.Deleted() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, touched := range []string{page.ID, page.ParentID} {
		if touched != "" && !h.allowEdit(w, r, id.UserID, touched) {
			return
		}
	}

	if err := h.coord.DeletePage(r.Context(), page.ID, id.UserID); err != nil {
		h.writeOpError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	page, ok := h.loadPage(w, r, strings.TrimSpace(r.PathValue("pageID")))
	if !ok {
		return
	}
	// A trashed page is not editable, so restoring needs workspace
	// membership plus edit rights on a parent that is still live.
	if !h.allowWorkspace(w, r, id.UserID, page.WorkspaceID) {
		return
	}
	if page.ParentID != "" {
		parent, err := h.coord.Page(r.Context(), page.ParentID)
		if err == nil && !parent.Deleted() && !h.allowEdit(w, r, id.UserID, parent.ID) {
			return
		}
	}

	if err := h.coord.RestorePage(r.Context(), page.ID, id.UserID); err != nil {
		h.writeOpError(w, "restore", err)
		return
	}
	restored, err := h.coord.Page(r.Context(), page.ID)
	if err != nil {
		h.writeOpError(w, "restore", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageResponse(restored))
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := auth.BearerToken(r)
	if token == "" || h.resolver == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return auth.Identity{}, false
	}
	id, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return auth.Identity{}, false
	}
	return id, true
}

func (h *Handler) loadPage(w http.ResponseWriter, r *http.Request, pageID string) (docstore.Page, bool) {
	page, err := h.coord.Page(r.Context(), pageID)
	if err != nil {
		h.writeOpError(w, "lookup", err)
		return docstore.Page{}, false
	}
	return page, true
}

func (h *Handler) allowEdit(w http.ResponseWriter, r *http.Request, userID, pageID string) bool {
	return h.allow(r.Context(), w, "page", pageID, func(ctx context.Context) (bool, error) {
		return h.authz.CanEdit(ctx, userID, pageID)
	})
}

func (h *Handler) allowWorkspace(w http.ResponseWriter, r *http.Request, userID, workspaceID string) bool {
	return h.allow(r.Context(), w, "workspace", workspaceID, func(ctx context.Context) (bool, error) {
		return h.authz.IsWorkspaceMember(ctx, userID, workspaceID)
	})
}

func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, kind, id string, check func(context.Context) (bool, error)) bool {
	ok, err := check(ctx)
	if err != nil {
		h.log.Error("spaces.authz.fail", "kind", kind, "id", id, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "authorization unavailable")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
		return false
	}
	return true
}

func (h *Handler) writeOpError(w http.ResponseWriter, op string, err error) {
	var se *doctree.StructuralError
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "page not found")
	case errors.Is(err, ErrCycle), errors.Is(err, ErrInvalidParent), errors.Is(err, ErrPageDeleted):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, docstore.ErrInvalid):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid page")
	case errors.As(err, &se):
		h.log.Error("spaces."+op+".structural", "err", err)
		writeError(w, http.StatusConflict, "structural_error", "parent document rejected the change")
	case errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, realtime.ErrBackpressure),
		errors.Is(err, realtime.ErrRoomStale),
		errors.Is(err, context.DeadlineExceeded):
		h.log.Warn("spaces."+op+".unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "try again")
	default:
		h.log.Error("spaces."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
