package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"csv-chat-sandbox/internal/classify"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/monitor"
	"csv-chat-sandbox/internal/pipeline"
	"csv-chat-sandbox/internal/storage"
)

// mockAsker implements Asker for handler tests.
type mockAsker struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	resp *pipeline.Response
}

func (m *mockAsker) Ask(_ context.Context, req pipeline.Request) *pipeline.Response {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if req.Progress != nil {
		req.Progress(pipeline.Event{Stage: pipeline.StagePrompt, Attempt: 1})
		req.Progress(pipeline.Event{Stage: pipeline.StageExecuted, Attempt: 1, Status: m.resp.Status})
		req.Progress(pipeline.Event{Stage: pipeline.StageDone, Status: m.resp.Status})
	}
	return m.resp
}

func (m *mockAsker) last() pipeline.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

// mockRuns implements RunStore.
type mockRuns struct {
	runs   []storage.Run
	filter storage.RunFilter
	err    error
}

func (m *mockRuns) GetRun(_ context.Context, id string) (*storage.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, storage.ErrRunNotFound
}

func (m *mockRuns) ListRuns(_ context.Context, f storage.RunFilter) ([]storage.Run, error) {
	m.filter = f
	return m.runs, m.err
}

func (m *mockRuns) Healthy(context.Context) bool { return m.err == nil }

func okResponse() *pipeline.Response {
	return &pipeline.Response{
		RunID:   "run-1",
		Status:  pipeline.StatusOK,
		Message: "Result: 35",
		Result:  classify.Renderable{Kind: classify.KindScalar, Value: 35.0, Text: "35"},
		History: pipeline.NewHistory(),
	}
}

func newTestHandlers(asker Asker, runs RunStore) *Handlers {
	return NewHandlers(asker, dataset.NewStore(8), runs, monitor.NewMetrics())
}

const salesCSV = "region,amount\nnorth,10\nsouth,20\nnorth,5\n"

func upload(t *testing.T, h *Handlers, body string) TableResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/tables?name=sales", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.HandleUploadTable(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	var resp TableResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleUploadTable_CSV(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil)
	resp := upload(t, h, salesCSV)

	if resp.ID == "" || resp.Name != "sales" || resp.Rows != 3 {
		t.Errorf("resp = %+v, want sales with 3 rows", resp)
	}
	if len(resp.Schema) != 2 || resp.Schema[1].Type != dataset.TypeNumber {
		t.Errorf("Schema = %+v, want amount as number", resp.Schema)
	}
	if len(resp.Sample) != 3 {
		t.Errorf("Sample has %d rows, want 3", len(resp.Sample))
	}
}

func TestHandleUploadTable_Multipart(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "orders.csv")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(salesCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/tables", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.HandleUploadTable(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp TableResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Name != "orders" || resp.Rows != 3 {
		t.Errorf("resp = %+v, want orders with 3 rows", resp)
	}
}

func TestHandleUploadTable_Errors(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil).WithTableLimits(64, 0)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"ragged rows", "a,b\n1,2\n3\n", http.StatusBadRequest, "INVALID_CSV"},
		{"too large", "a\n" + strings.Repeat("1\n", 100), http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/tables", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleUploadTable(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleUploadTable_HeaderOnlyIsStored(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil)
	resp := upload(t, h, "region,amount\n")
	if resp.Rows != 0 {
		t.Errorf("Rows = %d, want 0", resp.Rows)
	}
}

func TestHandleGetTable(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil).WithTableLimits(0, 2)
	uploaded := upload(t, h, salesCSV)

	req := httptest.NewRequest(http.MethodGet, "/tables/"+uploaded.ID, nil)
	req.SetPathValue("id", uploaded.ID)
	rec := httptest.NewRecorder()
	h.HandleGetTable(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp TableResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ID != uploaded.ID || len(resp.Sample) != 2 {
		t.Errorf("resp = %+v, want 2 sample rows", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/tables/missing", nil)
	req.SetPathValue("id", "missing")
	rec = httptest.NewRecorder()
	h.HandleGetTable(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing table status = %d, want 404", rec.Code)
	}
}

func TestHandleChat(t *testing.T) {
	asker := &mockAsker{resp: okResponse()}
	h := newTestHandlers(asker, nil)
	table := upload(t, h, salesCSV)

	history := pipeline.NewHistory()
	rec := postJSON(t, h.HandleChat, "/chat", ChatRequest{TableID: table.ID, Question: "total?", History: history})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp pipeline.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != pipeline.StatusOK || resp.Result.Kind != classify.KindScalar {
		t.Errorf("resp = %+v", resp)
	}

	got := asker.last()
	if got.Question != "total?" || got.TableName != "sales" || got.Table.NumRows() != 3 {
		t.Errorf("pipeline request = %+v", got)
	}
	if len(got.History) != 1 {
		t.Errorf("History = %+v, want the greeting passed through", got.History)
	}
}

func TestHandleChat_FailureIsStillOK(t *testing.T) {
	resp := &pipeline.Response{Status: pipeline.StatusRejected, Message: "blocked", Reasons: []string{"a", "b"}}
	h := newTestHandlers(&mockAsker{resp: resp}, nil)
	table := upload(t, h, salesCSV)

	rec := postJSON(t, h.HandleChat, "/chat", ChatRequest{TableID: table.ID, Question: "rm -rf"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with a structured failure", rec.Code)
	}
	var got pipeline.Response
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Status != pipeline.StatusRejected || len(got.Reasons) != 2 {
		t.Errorf("resp = %+v", got)
	}
}

func TestHandleChat_ValidationErrors(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil)
	table := upload(t, h, salesCSV)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"empty body", map[string]string{}, http.StatusBadRequest},
		{"missing question", ChatRequest{TableID: table.ID}, http.StatusBadRequest},
		{"missing table", ChatRequest{Question: "q"}, http.StatusBadRequest},
		{"unknown table", ChatRequest{TableID: "nope", Question: "q"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleChat, "/chat", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatStream(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil)
	table := upload(t, h, salesCSV)

	rec := postJSON(t, h.HandleChatStream, "/chat/stream", ChatRequest{TableID: table.ID, Question: "total?"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: prompt\n", "event: executed\n", "event: done\n", `"run_id":"run-1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if n := strings.Count(body, "event: done\n"); n != 1 {
		t.Errorf("done sent %d times, want 1", n)
	}
}

func TestHandleRuns_NoDatabase(t *testing.T) {
	h := newTestHandlers(&mockAsker{resp: okResponse()}, nil)

	for _, handler := range []http.HandlerFunc{h.HandleListRuns, h.HandleGetRun} {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	}
}

func TestHandleListRuns(t *testing.T) {
	runs := &mockRuns{runs: []storage.Run{{ID: "r1", Status: "ok"}}}
	h := newTestHandlers(&mockAsker{resp: okResponse()}, runs)

	req := httptest.NewRequest(http.MethodGet, "/runs?status=ok&limit=5&offset=10&since=2026-01-02T15:04:05Z", nil)
	rec := httptest.NewRecorder()
	h.HandleListRuns(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if f := runs.filter; f.Status != "ok" || f.Limit != 5 || f.Offset != 10 || f.Since == nil {
		t.Errorf("filter = %+v", f)
	}
	var got []storage.Run
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got) != 1 || got[0].ID != "r1" {
		t.Errorf("runs = %+v", got)
	}

	for _, q := range []string{"limit=0", "offset=-1", "since=yesterday"} {
		req := httptest.NewRequest(http.MethodGet, "/runs?"+q, nil)
		rec := httptest.NewRecorder()
		h.HandleListRuns(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}

	runs.err = errors.New("connection refused")
	rec = httptest.NewRecorder()
	h.HandleListRuns(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("query failure status = %d, want 500", rec.Code)
	}
}

func TestHandleGetRun(t *testing.T) {
	runs := &mockRuns{runs: []storage.Run{{ID: "r1", Status: "timeout"}}}
	h := newTestHandlers(&mockAsker{resp: okResponse()}, runs)

	tests := []struct {
		id         string
		wantStatus int
	}{
		{"r1", http.StatusOK},
		{"r2", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/runs/"+tt.id, nil)
			req.SetPathValue("id", tt.id)
			rec := httptest.NewRecorder()
			h.HandleGetRun(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
