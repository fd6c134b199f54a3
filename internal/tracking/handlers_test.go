package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter() (*gin.Engine, *Service, *MemoryStore) {
	gin.SetMode(gin.TestMode)
	svc, store := newTestService()
	router := gin.New()
	NewHandler(svc, discardLogger()).RegisterRoutes(router.Group("/v1"))
	return router, svc, store
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_Register(t *testing.T) {
	router, _, _ := setupRouter()

	w := doJSON(router, "POST", "/v1/tracked", gin.H{
		"subscriberId": "chat-1",
		"chain":        "eth",
		"address":      wallet,
		"label":        "hot",
		"minAmount":    "1.5",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Tracked TrackedAddress `json:"tracked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Tracked.ID == "" || resp.Tracked.Label != "hot" || resp.Tracked.MinAmount.String() != "1.5" {
		t.Errorf("unexpected tracked %+v", resp.Tracked)
	}

	w = doJSON(router, "POST", "/v1/tracked", gin.H{
		"subscriberId": "chat-1", "chain": "eth", "address": wallet,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", w.Code)
	}
}

func TestHandler_RegisterValidation(t *testing.T) {
	router, _, _ := setupRouter()

	tests := []struct {
		name  string
		body  gin.H
		code  int
		error string
	}{
		{"missing fields", gin.H{"chain": "eth"}, http.StatusBadRequest, "validation_error"},
		{"bad address", gin.H{"subscriberId": "1", "chain": "eth", "address": "0xnope"}, http.StatusBadRequest, "validation_error"},
		{"negative amount", gin.H{"subscriberId": "1", "chain": "eth", "address": wallet, "minAmount": "-2"}, http.StatusBadRequest, "validation_error"},
		{"bad mode", gin.H{"subscriberId": "1", "chain": "eth", "address": wallet, "mode": "all"}, http.StatusBadRequest, "validation_error"},
		{"unsupported chain", gin.H{"subscriberId": "1", "chain": "doge", "address": wallet}, http.StatusBadRequest, "unsupported_chain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, "POST", "/v1/tracked", tt.body)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			var resp map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["error"] != tt.error {
				t.Errorf("expected error %q, got %v", tt.error, resp["error"])
			}
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/tracked", bytes.NewBufferString("{not json")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestHandler_ListAndDeactivate(t *testing.T) {
	router, svc, _ := setupRouter()
	tr, err := svc.RegisterTracked(context.Background(), RegisterRequest{
		SubscriberID: "chat-1", Chain: "avax", Address: wallet,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, "GET", "/v1/subscribers/chat-1/tracked", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Tracked []TrackedAddress `json:"tracked"`
		Count   int              `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Tracked[0].ID != tr.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	w = doJSON(router, "DELETE", "/v1/subscribers/someone-else/tracked/"+tr.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for foreign record, got %d", w.Code)
	}

	w = doJSON(router, "DELETE", "/v1/subscribers/chat-1/tracked/"+tr.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := svc.Get(context.Background(), tr.ID)
	if got.Active {
		t.Error("expected record to be inactive")
	}
}

func TestHandler_ListAlerts(t *testing.T) {
	router, svc, store := setupRouter()
	tr, err := svc.RegisterTracked(context.Background(), RegisterRequest{
		SubscriberID: "chat-1", Chain: "eth", Address: wallet,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"0x01", "0x02"} {
		if _, err := store.InsertAlertEvent(context.Background(), testAlert(tr.ID, h)); err != nil {
			t.Fatal(err)
		}
	}

	w := doJSON(router, "GET", "/v1/tracked/"+tr.ID+"/alerts?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Alerts     []AlertEvent `json:"alerts"`
		Count      int          `json:"count"`
		NextCursor string       `json:"nextCursor"`
		HasMore    bool         `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || !resp.HasMore || resp.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", resp)
	}
	first := resp.Alerts[0].ID

	w = doJSON(router, "GET", "/v1/tracked/"+tr.ID+"/alerts?limit=1&cursor="+resp.NextCursor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for second page, got %d", w.Code)
	}
	resp.NextCursor = ""
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.HasMore || resp.Alerts[0].ID == first {
		t.Errorf("unexpected second page %+v", resp)
	}

	w = doJSON(router, "GET", "/v1/tracked/"+tr.ID+"/alerts?cursor=%25%25", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cursor, got %d", w.Code)
	}

	w = doJSON(router, "GET", "/v1/tracked/"+tr.ID+"/alerts?limit=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}

	w = doJSON(router, "GET", "/v1/tracked/trk_missing/alerts", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
