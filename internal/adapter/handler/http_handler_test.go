package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbpe/kiosk/internal/core/domain"
	"github.com/dbpe/kiosk/internal/core/service"
	"github.com/dbpe/kiosk/internal/port"
)

// In-memory session repository with compare-and-swap semantics, enough to
// drive the real service behind the handler.
type stubSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newStubSessionRepo() *stubSessionRepo {
	return &stubSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (s *stubSessionRepo) Create(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *stubSessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *stubSessionRepo) TryMarkFormOpened(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != domain.StatusPending || sess.RetireSent {
		return nil, nil
	}
	sess.RetireSent = true
	sess.Status = domain.StatusFormShown
	sess.FormOpenedAt = time.Now().UTC()
	cp := *sess
	return &cp, nil
}

func (s *stubSessionRepo) TryStartProcessing(ctx context.Context, id, slug string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Slug != slug || sess.Processing {
		return nil, nil
	}
	if sess.Status != domain.StatusPending && sess.Status != domain.StatusFormShown {
		return nil, nil
	}
	sess.Processing = true
	sess.Status = domain.StatusProcessing
	cp := *sess
	return &cp, nil
}

func (s *stubSessionRepo) Finalize(ctx context.Context, id string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Status = status
		sess.Processing = false
		sess.CompletedAt = time.Now().UTC()
	}
	return nil
}

type stubInventory struct {
	mu       sync.Mutex
	quantity int
	total    int
}

func (s *stubInventory) Get(ctx context.Context) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.InventoryRecord{CurrentQuantity: s.quantity, TotalDispensed: s.total}, nil
}

func (s *stubInventory) RecordDispense(ctx context.Context) (int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.quantity
	if s.quantity > 0 {
		s.quantity--
	}
	s.total++
	return old, s.quantity, s.total, nil
}

func (s *stubInventory) ApplyExternalUpdate(ctx context.Context, upd domain.InventoryUpdate) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := domain.InventoryRecord{PreviousQuantity: s.quantity}
	if upd.CurrentQuantity != nil {
		s.quantity = *upd.CurrentQuantity
	}
	rec.CurrentQuantity = s.quantity
	rec.TotalDispensed = s.total
	rec.QuantityChange = rec.CurrentQuantity - rec.PreviousQuantity
	return &rec, nil
}

type stubSerial struct {
	mu       sync.Mutex
	response string
	commands []string
}

func (s *stubSerial) Send(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *stubSerial) Exchange(ctx context.Context, cmd string, timeout time.Duration, accept ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.response == "" {
		return "", port.ErrSerialTimeout
	}
	return s.response, nil
}

type stubNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (s *stubNotifier) Send(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return true
}

func (s *stubNotifier) SendWithConfirmation(msg string, maxAttempts int) bool {
	return s.Send(msg)
}

type stubLinker struct{}

func (stubLinker) CreateShortLink(ctx context.Context, longURL, name string) (string, string, error) {
	return "slug123", "https://sho.rt/slug123", nil
}

type testServer struct {
	srv      *httptest.Server
	sessions *stubSessionRepo
	serial   *stubSerial
	notifier *stubNotifier
	inv      *stubInventory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		sessions: newStubSessionRepo(),
		serial:   &stubSerial{response: "dropped"},
		notifier: &stubNotifier{},
		inv:      &stubInventory{quantity: 10},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewDispenseService(service.Config{
		RegistrationBaseURL: "http://localhost/form",
		DropTimeout:         50 * time.Millisecond,
		WarmUpTimeout:       50 * time.Millisecond,
	}, ts.sessions, ts.inv, ts.serial, ts.notifier, stubLinker{}, log)

	mux := http.NewServeMux()
	NewHTTPHandler(svc, log).Register(mux)
	ts.srv = httptest.NewServer(mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) seedSession(t *testing.T, id, slug string) {
	t.Helper()
	err := ts.sessions.Create(context.Background(), domain.Session{
		ID: id, Slug: slug, Status: domain.StatusPending, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (ts *testServer) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCompleteSession_OK(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSession(t, "s1", "abc")

	resp := ts.postJSON(t, "/api/kiosk/session/complete", SessionCompleteRequest{SessionID: "s1", Slug: "abc"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["status"] != "ok" || body["session_id"] != "s1" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestCompleteSession_TimeoutStillOK(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSession(t, "s1", "abc")
	ts.serial.response = "" // silent device, exchange times out

	// A timed-out drop fails the session, but the caller still gets ok;
	// the terminal outcome is queryable.
	resp := ts.postJSON(t, "/api/kiosk/session/complete", SessionCompleteRequest{SessionID: "s1", Slug: "abc"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	sess, _ := ts.sessions.Get(context.Background(), "s1")
	if sess.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", sess.Status)
	}
}

func TestCompleteSession_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSession(t, "s1", "abc")

	cases := []struct {
		name string
		req  SessionCompleteRequest
		want int
	}{
		{"unknown session", SessionCompleteRequest{SessionID: "nope", Slug: "abc"}, http.StatusNotFound},
		{"slug mismatch", SessionCompleteRequest{SessionID: "s1", Slug: "wrong"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.postJSON(t, "/api/kiosk/session/complete", tc.req)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestCompleteSession_Conflict(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSession(t, "s1", "abc")

	resp := ts.postJSON(t, "/api/kiosk/session/complete", SessionCompleteRequest{SessionID: "s1", Slug: "abc"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", resp.StatusCode)
	}

	resp = ts.postJSON(t, "/api/kiosk/session/complete", SessionCompleteRequest{SessionID: "s1", Slug: "abc"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second call: expected 409, got %d", resp.StatusCode)
	}

	ts.serial.mu.Lock()
	drops := 0
	for _, c := range ts.serial.commands {
		if c == "drop" {
			drops++
		}
	}
	ts.serial.mu.Unlock()
	if drops != 1 {
		t.Errorf("expected exactly 1 drop command, got %d", drops)
	}
}

func TestCompleteSession_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/kiosk/session/complete", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}

	resp = ts.postJSON(t, "/api/kiosk/session/complete", SessionCompleteRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty fields, got %d", resp.StatusCode)
	}
}

func TestInitQRCode(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/api/kiosk/qrcode/init", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["slug"] != "slug123" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["session_id"] == "" {
		t.Error("missing session_id")
	}
}

func TestOpenForm_Flow(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSession(t, "s1", "abc")

	resp, err := http.Get(ts.srv.URL + "/api/kiosk/form?sid=s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["view"] != "form" {
		t.Errorf("first open: expected form view, got %v", body)
	}

	resp, err = http.Get(ts.srv.URL + "/api/kiosk/form?sid=s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body = decodeJSON(t, resp)
	if body["view"] != "used" {
		t.Errorf("second open: expected used view, got %v", body)
	}

	resp, err = http.Get(ts.srv.URL + "/api/kiosk/form?sid=unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", resp.StatusCode)
	}

	ts.notifier.mu.Lock()
	retires := 0
	for _, m := range ts.notifier.messages {
		if m == "retire" {
			retires++
		}
	}
	ts.notifier.mu.Unlock()
	if retires != 1 {
		t.Errorf("expected exactly 1 retire signal, got %d", retires)
	}
}

func TestGetSession(t *testing.T) {
	ts := newTestServer(t)
	ts.seedSession(t, "s1", "abc")

	resp, err := http.Get(ts.srv.URL + "/api/kiosk/session/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["session_id"] != "s1" || body["status"] != "pending" {
		t.Errorf("unexpected body: %v", body)
	}

	resp, err = http.Get(ts.srv.URL + "/api/kiosk/session/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWarmUpResponses(t *testing.T) {
	ts := newTestServer(t)
	ts.serial.response = "start"

	resp, err := http.Get(ts.srv.URL + "/api/kiosk/on")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["status"] != "start_received" {
		t.Errorf("expected start_received, got %v", body)
	}
}

func TestPowerOff(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/api/kiosk/off")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["status"] != "machine_turned_off" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/api/kiosk/admin/dispense", nil)
	body := decodeJSON(t, resp)
	if body["status"] != "completed" {
		t.Errorf("unexpected dispense body: %v", body)
	}

	resp = ts.postJSON(t, "/api/kiosk/admin/inventory", map[string]int{"current_quantity": 42})
	body = decodeJSON(t, resp)
	if body["status"] != "inventory_updated" {
		t.Errorf("unexpected update body: %v", body)
	}

	resp, err := http.Get(ts.srv.URL + "/api/kiosk/admin/inventory")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body = decodeJSON(t, resp)
	if body["current_quantity"].(float64) != 42 {
		t.Errorf("unexpected inventory body: %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/api/kiosk/qrcode/init")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
