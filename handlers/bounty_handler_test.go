package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/models"
	"bountyboard-backend/services"
	bstore "bountyboard-backend/storage/bounty"
)

var (
	creator = bounty.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	workerB = bounty.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	workerC = bounty.Address("0xcccccccccccccccccccccccccccccccccccccccc")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	clock  *clock
	ledger *ledger.Ledger
	store  *bstore.MemoryStore
	recon  *services.Reconciler
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	l, err := ledger.Open(ledger.Config{
		Genesis: map[bounty.Address]int64{creator: 10_000},
		Now:     c.Now,
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	store := bstore.NewMemoryStore()
	gw := services.NewGatewayService(store, l.Source(), services.GatewayConfig{
		BacklogDelay: 15 * time.Minute,
		Decimals:     2,
		Limiter:      bstore.NewRateLimiter(2, 1),
		Now:          c.Now,
	})
	health := services.NewHealthService()
	health.Register("store", func(ctx context.Context) error { return nil })

	mux := http.NewServeMux()
	NewBountyHandler(gw, services.NewQRCodeService("https://board.example")).RegisterRoutes(mux, NewHealthHandler(health))
	return &testServer{clock: c, ledger: l, store: store, recon: services.NewReconciler(store, l.Source()), mux: mux}
}

func (s *testServer) createOnLedger(t *testing.T, amount int64) bounty.ID {
	t.Helper()
	ctx := context.Background()
	if err := s.ledger.Approve(ctx, creator, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	id, err := s.ledger.Create(ctx, creator, amount)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func (s *testServer) reconcile(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	cursor, _ := s.recon.Cursor(ctx)
	evts, err := s.ledger.Source().Range(ctx, bounty.EventFilter{From: cursor})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	for _, evt := range evts {
		if err := s.recon.Apply(ctx, evt); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) doAs(t *testing.T, who bounty.Address, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdentityHeader, string(who))
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func (s *testServer) attach(t *testing.T, id bounty.ID, title string) {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/bounty", models.CreateBountyRequest{
		ID: string(id), Title: title, Description: "do " + title,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("attach: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateBountyMetadata(t *testing.T) {
	s := newTestServer(t)
	id := s.createOnLedger(t, 500)
	amount := int64(500)
	wrongAmount := int64(1)

	unknown := bounty.ID("0x" + strings.Repeat("ab", 32))
	tests := []struct {
		name string
		req  interface{}
		want int
	}{
		{"malformed json", "not an object", http.StatusBadRequest},
		{"bad id", models.CreateBountyRequest{ID: "0x12", Title: "t", Description: "d"}, http.StatusBadRequest},
		{"missing title", models.CreateBountyRequest{ID: string(id), Description: "d"}, http.StatusBadRequest},
		{"not on ledger", models.CreateBountyRequest{ID: string(unknown), Title: "t", Description: "d"}, http.StatusNotFound},
		{"amount mismatch", models.CreateBountyRequest{ID: string(id), Title: "t", Description: "d", Amount: &wrongAmount}, http.StatusConflict},
		{"first write", models.CreateBountyRequest{ID: string(id), Title: "Translate", Description: "d", Amount: &amount, CreatorAddress: string(creator)}, http.StatusCreated},
		{"second write", models.CreateBountyRequest{ID: string(id), Title: "Again", Description: "d"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/api/bounty", tt.req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if rr.Code >= 400 {
				var body map[string]string
				decode(t, rr, &body)
				if body["error"] == "" {
					t.Fatalf("expected error message, got %s", rr.Body.String())
				}
			}
		})
	}

	// Replaying Created after metadata arrived keeps one record.
	s.reconcile(t)
	s.reconcile(t)
	var got bounty.Metadata
	rr := s.do(t, http.MethodGet, "/api/bounty/"+string(id), nil)
	decode(t, rr, &got)
	if got.Title != "Translate" || got.Amount != 500 || got.AmountDisplay != 5 || got.MetadataPending {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestBacklogAndByIDPaths(t *testing.T) {
	s := newTestServer(t)
	id := s.createOnLedger(t, 100)
	s.reconcile(t)

	rr := s.do(t, http.MethodGet, "/api/bounty/"+string(id), nil)
	var pending bounty.Metadata
	decode(t, rr, &pending)
	if rr.Code != http.StatusOK || !pending.MetadataPending {
		t.Fatalf("expected pending record, got %d %+v", rr.Code, pending)
	}

	s.attach(t, id, "Summarize")
	s.clock.Advance(time.Second)

	var list models.BountyListResponse
	decode(t, s.do(t, http.MethodGet, "/api/bounties", nil), &list)
	if list.Total != 0 {
		t.Fatalf("expected empty backlog before the delay, got %+v", list)
	}
	rr = s.do(t, http.MethodGet, "/api/bounty/"+string(id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("by-id should see a fresh bounty, got %d", rr.Code)
	}

	decode(t, s.do(t, http.MethodGet, "/api/my-bounties/"+string(creator), nil), &list)
	if list.Total != 1 {
		t.Fatalf("creator listing ignores the delay, got %+v", list)
	}

	s.clock.Advance(15 * time.Minute)
	decode(t, s.do(t, http.MethodGet, "/api/bounties?limit=10", nil), &list)
	if list.Total != 1 || list.Bounties[0].ID != id {
		t.Fatalf("expected bounty in backlog after the delay, got %+v", list)
	}

	var first models.BountyListResponse
	decode(t, s.do(t, http.MethodGet, "/api/bounties?limit=1", nil), &first)
	if first.Total != 1 || first.Next == "" {
		t.Fatalf("a full page should carry a next key, got %+v", first)
	}
	var rest models.BountyListResponse
	decode(t, s.do(t, http.MethodGet, "/api/bounties?limit=1&before="+url.QueryEscape(first.Next), nil), &rest)
	if rest.Total != 0 || rest.Next != "" {
		t.Fatalf("expected the listing to end after one record, got %+v", rest)
	}
	if rr := s.do(t, http.MethodGet, "/api/bounties?before=yesterday", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed page key, got %d", rr.Code)
	}

	if rr := s.do(t, http.MethodGet, "/api/bounties?limit=zero", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/api/bounty/0x"+strings.Repeat("0", 64), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/api/bounty/nothex", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rr.Code)
	}
}

func TestSubmitFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := s.createOnLedger(t, 300)
	s.reconcile(t)
	s.attach(t, id, "Label images")

	for _, w := range []bounty.Address{workerB, workerC} {
		rr := s.do(t, http.MethodPost, "/api/bounty/"+string(id)+"/submit", models.SubmitWorkRequest{WalletAddress: string(w), Result: "done by " + string(w)})
		if rr.Code != http.StatusCreated {
			t.Fatalf("submit from %s: expected 201, got %d: %s", w, rr.Code, rr.Body.String())
		}
	}
	if rr := s.do(t, http.MethodPost, "/api/bounty/"+string(id)+"/submit", models.SubmitWorkRequest{WalletAddress: "nope", Result: "x"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wallet, got %d", rr.Code)
	}

	if err := s.ledger.Release(ctx, creator, id, workerC); err != nil {
		t.Fatalf("release: %v", err)
	}
	s.clock.Advance(time.Second)

	// Before the reconciler sees the release the cache still says Open.
	rr := s.do(t, http.MethodPost, "/api/bounty/"+string(id)+"/submit", models.SubmitWorkRequest{WalletAddress: string(workerB), Result: "late"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected lagging acceptance, got %d", rr.Code)
	}

	s.reconcile(t)
	rr = s.do(t, http.MethodPost, "/api/bounty/"+string(id)+"/submit", models.SubmitWorkRequest{WalletAddress: string(workerC), Result: "again"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 after resolution, got %d", rr.Code)
	}

	var subs models.SubmissionsResponse
	decode(t, s.do(t, http.MethodGet, "/api/bounty/"+string(id)+"/submissions", nil), &subs)
	if subs.Status != bounty.StatusCompleted || subs.Total != 3 || subs.ResolvedAt == nil {
		t.Fatalf("unexpected submissions response %+v", subs)
	}
	if subs.Submissions[0].AfterResolution || !subs.Submissions[2].AfterResolution {
		t.Fatalf("expected only the late submission flagged, got %+v", subs.Submissions)
	}

	if err := s.ledger.Release(ctx, creator, id, workerB); !errors.Is(err, bounty.ErrNotOpen) {
		t.Fatalf("expected NotOpen on second release, got %v", err)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	s := newTestServer(t)
	id := s.createOnLedger(t, 100)
	s.reconcile(t)
	s.attach(t, id, "Spam target")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := s.do(t, http.MethodPost, "/api/bounty/"+string(id)+"/submit", models.SubmitWorkRequest{WalletAddress: string(workerB), Result: fmt.Sprintf("try %d", i)})
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusCreated || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 201 201 429, got %v", codes)
	}
}

func TestUpdateBounty(t *testing.T) {
	s := newTestServer(t)
	id := s.createOnLedger(t, 100)
	s.attach(t, id, "Old")

	rr := s.do(t, http.MethodPut, "/api/bounty/"+string(id), models.UpdateBountyRequest{Title: "New", Description: "d", CreatorAddress: string(workerB)})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodPut, "/api/bounty/"+string(id), models.UpdateBountyRequest{Title: "New", Description: "d", CreatorAddress: string(creator)})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var m bounty.Metadata
	decode(t, rr, &m)
	if m.Title != "New" {
		t.Fatalf("expected updated title, got %q", m.Title)
	}

	path := "/api/bounty/" + string(id)
	tests := []struct {
		name string
		who  bounty.Address
		body models.UpdateBountyRequest
		want int
	}{
		{"header identifies a non-creator", workerB, models.UpdateBountyRequest{Title: "X", Description: "d"}, http.StatusForbidden},
		{"body cannot override the header", workerB, models.UpdateBountyRequest{Title: "X", Description: "d", CreatorAddress: string(creator)}, http.StatusBadRequest},
		{"header alone is enough", creator, models.UpdateBountyRequest{Title: "Header", Description: "d"}, http.StatusOK},
		{"matching header and body", creator, models.UpdateBountyRequest{Title: "Both", Description: "d", CreatorAddress: string(creator)}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := s.doAs(t, tt.who, http.MethodPut, path, tt.body); rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
	if rr := s.do(t, http.MethodPut, path, models.UpdateBountyRequest{Title: "Anon", Description: "d"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without any identity, got %d", rr.Code)
	}
}

func TestAuxiliaryRoutes(t *testing.T) {
	s := newTestServer(t)
	id := s.createOnLedger(t, 100)
	s.attach(t, id, "Share me")

	t.Run("qrcode", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/bounty/"+string(id)+"/qrcode?size=128", nil)
		if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
			t.Fatalf("expected png, got %d %s", rr.Code, rr.Header().Get("Content-Type"))
		}
		if !bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")) {
			t.Fatal("body is not a PNG")
		}
	})

	t.Run("health", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/healthz", nil)
		var h models.HealthResponse
		decode(t, rr, &h)
		if rr.Code != http.StatusOK || h.Checks["store"] != "ok" {
			t.Fatalf("unexpected health %d %+v", rr.Code, h)
		}
	})

	t.Run("openapi", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/api/docs/openapi.json", nil)
		var doc map[string]interface{}
		decode(t, rr, &doc)
		paths, _ := doc["paths"].(map[string]interface{})
		if _, ok := paths["/api/bounty/{id}/submit"]; !ok {
			t.Fatalf("submit path missing from docs: %v", doc)
		}
	})

	t.Run("index and unknown", func(t *testing.T) {
		if rr := s.do(t, http.MethodGet, "/", nil); rr.Code != http.StatusOK {
			t.Fatalf("expected index, got %d", rr.Code)
		}
		if rr := s.do(t, http.MethodGet, "/nope", nil); rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
		if rr := s.do(t, http.MethodDelete, "/api/bounty/"+string(id), nil); rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rr.Code)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{bounty.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", bounty.ErrAlreadyExists), http.StatusConflict},
		{bounty.ErrLedgerMismatch, http.StatusConflict},
		{bounty.ErrNotOpen, http.StatusConflict},
		{bounty.ErrNotCreator, http.StatusForbidden},
		{bounty.ErrInsufficientFunds, http.StatusPaymentRequired},
		{bounty.ErrCursorTooOld, http.StatusGone},
		{bounty.ErrRateLimited, http.StatusTooManyRequests},
		{bounty.ErrInvalidAddress, http.StatusBadRequest},
		{bounty.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
