package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/reelcast-backend/internal/controller"
	"github.com/unclebandit/reelcast-backend/internal/db"
	"github.com/unclebandit/reelcast-backend/internal/queue"
	"github.com/unclebandit/reelcast-backend/internal/repository"
	"github.com/unclebandit/reelcast-backend/internal/service"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.CampaignJob
	tops []string
}

func (q *fakeQueue) Publish(topic string, job queue.CampaignJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tops = append(q.tops, topic)
	q.jobs = append(q.jobs, job)
	return nil
}
func (q *fakeQueue) Subscribe(string, queue.Handler) error { return nil }
func (q *fakeQueue) Close() error                          { return nil }

func newRouter(t *testing.T) (http.Handler, *fakeQueue) {
	t.Helper()
	conn, err := db.Open(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "api.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	q := &fakeQueue{}
	svc := &service.CampaignService{
		CampaignRepo: &repository.CampaignRepository{DB: conn},
		ItemRepo:     &repository.CampaignItemRepository{DB: conn},
		Queue:        q,
		LinkBase:     "https://go.example/l/",
		Log:          zerolog.Nop(),
	}
	ctrl := &controller.CampaignController{CampaignService: svc, Log: zerolog.Nop()}

	r := chi.NewRouter()
	ctrl.Routes(r)
	return r, q
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func createBody() map[string]any {
	return map[string]any{
		"name":             "Launch",
		"artifact_kind":    "VIDEO",
		"message_template": "Hi {first_name}, watch {link}",
		"template_ref":     "tpl-9",
		"recipients": []map[string]any{
			{"name": "Amina Otieno", "phone": "+254700000001"},
			{"name": "Brian", "phone": "not-a-phone"},
			{"name": "Chloe", "phone": "0044 7700 900123"},
		},
	}
}

func TestCreateCampaignHandler(t *testing.T) {
	r, q := newRouter(t)

	w := do(t, r, http.MethodPost, "/campaigns/", createBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Campaign struct {
			ID         int64  `json:"id"`
			Status     string `json:"status"`
			TotalCount int    `json:"total_count"`
		} `json:"campaign"`
		Accepted int `json:"accepted"`
		Rejected []struct {
			RowIndex int    `json:"row_index"`
			Field    string `json:"field"`
		} `json:"rejected"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 2 || resp.Campaign.TotalCount != 2 || resp.Campaign.Status != "PENDING" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].RowIndex != 1 || resp.Rejected[0].Field != "phone" {
		t.Fatalf("unexpected rejections %+v", resp.Rejected)
	}
	if len(q.tops) != 1 || q.tops[0] != queue.TopicGenerate || q.jobs[0].CampaignID != resp.Campaign.ID {
		t.Fatalf("expected generate job, got %v %v", q.tops, q.jobs)
	}

	items := do(t, r, http.MethodGet, "/campaigns/"+strconv.FormatInt(resp.Campaign.ID, 10)+"/items", nil)
	if items.Code != http.StatusOK {
		t.Fatalf("items: %d", items.Code)
	}
	var list struct {
		Items []struct {
			RecipientPhone string `json:"recipient_phone"`
			GenStatus      string `json:"gen_status"`
			WaStatus       string `json:"wa_status"`
		} `json:"items"`
	}
	json.NewDecoder(items.Body).Decode(&list)
	if len(list.Items) != 2 || list.Items[1].RecipientPhone != "+447700900123" || list.Items[0].WaStatus != "PENDING" {
		t.Fatalf("unexpected items %+v", list.Items)
	}
}

func TestCreateCampaignHandlerRejections(t *testing.T) {
	r, _ := newRouter(t)

	body := createBody()
	body["recipients"] = []map[string]any{{"name": "Brian", "phone": "nope"}}
	w := do(t, r, http.MethodPost, "/campaigns/", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if rejected, _ := resp["rejected"].([]any); len(rejected) != 1 {
		t.Fatalf("expected row rejections in body, got %v", resp)
	}

	body = createBody()
	body["artifact_kind"] = "GIF"
	w = do(t, r, http.MethodPost, "/campaigns/", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad kind, got %d", w.Code)
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["field"] != "artifact_kind" {
		t.Fatalf("expected artifact_kind field, got %v", resp)
	}

	req := httptest.NewRequest(http.MethodPost, "/campaigns/", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestListCampaignsHandler(t *testing.T) {
	r, _ := newRouter(t)
	for i := 0; i < 3; i++ {
		if w := do(t, r, http.MethodPost, "/campaigns/", createBody()); w.Code != http.StatusCreated {
			t.Fatalf("create: %d", w.Code)
		}
	}

	w := do(t, r, http.MethodGet, "/campaigns/?page=2&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data       []map[string]any `json:"data"`
		Pagination map[string]int   `json:"pagination"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Pagination["total_count"] != 3 || resp.Pagination["total_pages"] != 2 {
		t.Fatalf("unexpected page %+v", resp)
	}

	if w := do(t, r, http.MethodGet, "/campaigns/?status=BOGUS", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}
	w = do(t, r, http.MethodGet, "/campaigns/?status=COMPLETED", nil)
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Data) != 0 {
		t.Fatalf("expected no completed campaigns, got %d", len(resp.Data))
	}
}

func TestCampaignDetailsAndDelete(t *testing.T) {
	r, q := newRouter(t)
	do(t, r, http.MethodPost, "/campaigns/", createBody())
	id := strconv.FormatInt(q.jobs[0].CampaignID, 10)

	w := do(t, r, http.MethodGet, "/campaigns/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("details: %d", w.Code)
	}
	var details struct {
		ID    int64 `json:"id"`
		Stats struct {
			Total      int            `json:"total"`
			Generation map[string]int `json:"generation"`
		} `json:"stats"`
	}
	json.NewDecoder(w.Body).Decode(&details)
	if details.Stats.Total != 2 || details.Stats.Generation["PENDING"] != 2 {
		t.Fatalf("unexpected details %+v", details)
	}

	if w := do(t, r, http.MethodGet, "/campaigns/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/campaigns/"+id, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/campaigns/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/campaigns/"+id+"/items", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 items after delete, got %d", w.Code)
	}
}

func TestRunTriggers(t *testing.T) {
	r, q := newRouter(t)
	do(t, r, http.MethodPost, "/campaigns/", createBody())
	id := q.jobs[0].CampaignID
	path := "/campaigns/" + strconv.FormatInt(id, 10)

	if w := do(t, r, http.MethodPost, path+"/dispatch", nil); w.Code != http.StatusAccepted {
		t.Fatalf("dispatch: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, path+"/generate", nil); w.Code != http.StatusAccepted {
		t.Fatalf("generate: %d", w.Code)
	}
	if len(q.tops) != 3 || q.tops[1] != queue.TopicDispatch || q.tops[2] != queue.TopicGenerate {
		t.Fatalf("unexpected jobs %v", q.tops)
	}

	if w := do(t, r, http.MethodPost, "/campaigns/999/dispatch", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown campaign, got %d", w.Code)
	}
}
