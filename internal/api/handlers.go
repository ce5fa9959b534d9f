package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/monitor"
	"csv-chat-sandbox/internal/pipeline"
	"csv-chat-sandbox/internal/storage"
)

// Asker runs one chat turn. *pipeline.Pipeline implements it.
type Asker interface {
	Ask(ctx context.Context, req pipeline.Request) *pipeline.Response
}

// RunStore reads the audit log. *storage.DB implements it.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	asker          Asker
	tables         *dataset.Store
	runs           RunStore
	metrics        *monitor.Metrics
	maxUploadBytes int64
	sampleRows     int
}

func NewHandlers(asker Asker, tables *dataset.Store, runs RunStore, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		asker:          asker,
		tables:         tables,
		runs:           runs,
		metrics:        metrics,
		maxUploadBytes: 16 << 20,
		sampleRows:     5,
	}
}

// WithTableLimits sets the upload size cap and the sample size shown for a
// table. Zero values keep the defaults.
func (h *Handlers) WithTableLimits(maxUploadBytes int64, sampleRows int) *Handlers {
	if maxUploadBytes > 0 {
		h.maxUploadBytes = maxUploadBytes
	}
	if sampleRows > 0 {
		h.sampleRows = sampleRows
	}
	return h
}

// HandleUploadTable accepts a CSV body or a multipart form with a "file" field.
func (h *Handlers) HandleUploadTable(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	name := r.URL.Query().Get("name")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			writeError(w, "invalid multipart form: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, "multipart field \"file\" is required", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		defer file.Close()
		body = file
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
		}
	}
	if name == "" {
		name = "table"
	}

	tbl, err := dataset.ReadCSV(body, name)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "upload too large", "PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return
		}
		writeError(w, "invalid CSV: "+err.Error(), "INVALID_CSV", http.StatusBadRequest, r)
		return
	}

	entry := h.tables.Put(tbl)
	h.metrics.TablesStored.Set(float64(h.tables.Len()))

	log.Info().
		Str("table_id", entry.ID).
		Str("name", name).
		Int("rows", tbl.NumRows()).
		Int("columns", len(tbl.Columns)).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("table uploaded")

	writeJSON(w, http.StatusCreated, h.tableResponse(entry))
}

func (h *Handlers) HandleGetTable(w http.ResponseWriter, r *http.Request) {
	entry, err := h.tables.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, "table not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, h.tableResponse(entry))
}

func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chatRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.asker.Ask(r.Context(), req))
}

// HandleChatStream runs a chat turn and reports progress as Server-Sent
// Events, ending with a "done" event carrying the full response.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.chatRequest(w, r)
	if !ok {
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	req.Progress = func(ev pipeline.Event) {
		if ev.Stage == pipeline.StageDone {
			return
		}
		if err := sse.SendJSON(ev.Stage, ev); err != nil {
			log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("client gone, dropping progress event")
		}
	}

	resp := h.asker.Ask(r.Context(), req)
	if err := sse.SendJSON(pipeline.StageDone, resp); err != nil {
		log.Debug().Err(err).Msg("failed to send done event")
	}
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.RunFilter{Status: q.Get("status"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing runs failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrRunNotFound) {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("fetching run failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// chatRequest decodes and resolves a chat request, writing the error response
// itself when it fails.
func (h *Handlers) chatRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return pipeline.Request{}, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, "question is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return pipeline.Request{}, false
	}
	if req.TableID == "" {
		writeError(w, "table_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return pipeline.Request{}, false
	}
	entry, err := h.tables.Get(req.TableID)
	if err != nil {
		writeError(w, "table not found", "NOT_FOUND", http.StatusNotFound, r)
		return pipeline.Request{}, false
	}

	return pipeline.Request{
		Table:      entry.Table,
		TableName:  entry.Table.Name,
		Question:   req.Question,
		History:    req.History,
		RequestIP:  clientIP(r),
		APIKeyHash: APIKeyHashFromContext(r.Context()),
	}, true
}

func (h *Handlers) tableResponse(e dataset.Entry) TableResponse {
	return TableResponse{
		ID:        e.ID,
		Name:      e.Table.Name,
		Rows:      e.Table.NumRows(),
		Schema:    e.Table.Schema(),
		Sample:    e.Table.Head(h.sampleRows).Records(),
		CreatedAt: e.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
