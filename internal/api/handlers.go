package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/othala/internal/graph"
)

// Handler holds the API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// nodeName extracts the node name from a wildcard route, decoding
// percent-escapes so clients can address any name.
func nodeName(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListNodes handles GET /nodes?type=.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = "*"
	}
	names, err := h.svc.List(typ)
	if err != nil {
		respondError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: names, Total: len(names)})
}

// GetNode handles GET /nodes/*.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	name := nodeName(r)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	node, err := h.svc.Node(name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// CreateNode handles POST /nodes.
func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req WriteNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	node, err := h.svc.Create(req.Name, req.Content)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// UpdateNode handles PUT /nodes/*.
func (h *Handler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	name := nodeName(r)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	var req WriteNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	node, err := h.svc.Write(name, req.Content)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// DeleteNode handles DELETE /nodes/*.
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	name := nodeName(r)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	if err := h.svc.Delete(name); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveNode handles POST /mv.
func (h *Handler) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("from and to are required"))
		return
	}
	if err := h.svc.Move(req.From, req.To); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CopyNode handles POST /cp.
func (h *Handler) CopyNode(w http.ResponseWriter, r *http.Request) {
	var req CopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("from and to are required"))
		return
	}
	if err := h.svc.Copy(req.From, req.To); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadNode handles GET /read/*?depth=N.
func (h *Handler) ReadNode(w http.ResponseWriter, r *http.Request) {
	name := nodeName(r)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	sections, err := h.svc.Read(name, depth)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": sections})
}

// Backlinks handles GET /backlinks/*.
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	name := nodeName(r)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	backlinks, err := h.svc.Graph().Backlinks(name)
	if err != nil {
		respondError(w, err)
		return
	}
	if backlinks == nil {
		backlinks = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backlinks": backlinks})
}

// GraphData handles GET /graph.
func (h *Handler) GraphData(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.GraphData()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Find handles GET /find?name=&type=.
func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.Graph().Find(r.URL.Query().Get("name"), r.URL.Query().Get("type"))
	if err != nil {
		respondError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: names, Total: len(names)})
}

// Grep handles GET /grep?pattern=&type=&content=&ignore_case=&invert=&lines=.
func (h *Handler) Grep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("pattern is required"))
		return
	}
	opts := graph.GrepOptions{
		Type:       q.Get("type"),
		Content:    q.Get("content") == "true",
		IgnoreCase: q.Get("ignore_case") == "true",
		Invert:     q.Get("invert") == "true",
		Lines:      q.Get("lines") == "true",
	}
	matches, err := h.svc.Graph().Grep(pattern, opts)
	if err != nil {
		respondError(w, err)
		return
	}
	if matches == nil {
		matches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "total": len(matches)})
}

// Tags handles GET /tags.
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.svc.Graph().Tags()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// Schema handles GET /schema.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	schema, err := h.svc.Graph().Schema()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": schema})
}

// Tree handles GET /tree.
func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.svc.Graph().Tree()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

// ListTypes handles GET /types.
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.svc.Graph().Types()
	if err != nil {
		respondError(w, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

// AddType handles POST /types.
func (h *Handler) AddType(w http.ResponseWriter, r *http.Request) {
	var req TypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}
	if err := h.svc.Graph().AddType(req.Name); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// RemoveType handles DELETE /types/{name}.
func (h *Handler) RemoveType(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Graph().RemoveType(name); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Changelog handles GET /changelog?since=&limit=.
func (h *Handler) Changelog(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.Graph().Changelog(since, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Push handles POST /push.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	result, err := h.svc.Push(req.Since)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Pull handles POST /pull.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.Pull()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

// Query handles POST /query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("sql is required"))
		return
	}
	cols, rows, err := h.svc.Graph().Query(req.SQL, req.Params...)
	if err != nil {
		respondError(w, err)
		return
	}
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Columns: cols, Rows: rows})
}
