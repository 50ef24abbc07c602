package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"outbound-voice/internal/audit"
	"outbound-voice/internal/auth"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
	"outbound-voice/internal/config"
	"outbound-voice/internal/llm"
	"outbound-voice/internal/reporting"
	"outbound-voice/internal/session"
	"outbound-voice/internal/turn"
)

type nopCarrier struct{}

func (nopCarrier) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	return "CA" + req.CallID[:8], nil
}
func (nopCarrier) Hangup(ctx context.Context, sid string) error { return nil }

type api struct {
	router    *gin.Engine
	auth      *auth.Manager
	callRepo  *calls.MemoryRepo
	campRepo  *campaigns.MemoryRepo
	auditRepo *audit.MemoryRepo
}

func newAPI(t *testing.T, checks map[string]Check) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	callRepo := calls.NewMemoryRepo()
	callRepo.PutAgent(calls.Agent{ID: "agent-1", Name: "Ava", Active: true})
	callSvc := calls.NewService(callRepo, callRepo)
	campRepo := campaigns.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()

	sess := session.NewService(session.Deps{
		Calls:   callSvc,
		Agents:  callRepo,
		Turns:   turn.NewProcessor(callSvc, nil, llm.Unavailable{}, nil),
		Carrier: nopCarrier{},
	}, session.DefaultConfig())

	h := Handlers{
		Auth:       m,
		AllowLogin: true,
		Campaigns:  campaigns.NewService(campRepo, campaigns.DefaultSettings()),
		Calls:      callSvc,
		Analyses:   callRepo,
		Dialer:     sess,
		Reporting:  reporting.NewService(campRepo, callRepo),
		Audit:      audit.NewService(auditRepo, nil),
		Checks:     checks,
	}
	r := gin.New()
	h.Register(r)
	return &api{router: r, auth: m, callRepo: callRepo, campRepo: campRepo, auditRepo: auditRepo}
}

func (a *api) token(t *testing.T, userID, role string) string {
	t.Helper()
	p, err := a.auth.IssuePair(time.Now(), userID, role)
	if err != nil {
		t.Fatal(err)
	}
	return p.AccessToken
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestLoginAndMe(t *testing.T) {
	a := newAPI(t, nil)

	w := a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "u1", "role": "operator"})
	if w.Code != http.StatusOK {
		t.Fatalf("login code = %d body = %s", w.Code, w.Body.String())
	}
	tok := decode[map[string]string](t, w)["access_token"]

	w = a.do(t, http.MethodGet, "/v1/me", tok, nil)
	me := decode[map[string]any](t, w)
	if me["user_id"] != "u1" || me["role"] != "operator" || me["sees_all"] != false {
		t.Fatalf("me = %v", me)
	}

	if w := a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"user_id": "u1", "role": "root"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown role login code = %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, "/v1/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me code = %d", w.Code)
	}
}

func TestLoginDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := auth.NewManager(config.AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	r := gin.New()
	Handlers{Auth: m}.Register(r)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestCampaigns_OwnershipAndRoles(t *testing.T) {
	a := newAPI(t, nil)
	alice := a.token(t, "alice", "operator")
	bob := a.token(t, "bob", "owner")
	ana := a.token(t, "ana", "analyst")

	w := a.do(t, http.MethodPost, "/v1/campaigns", alice, gin.H{
		"name":     "Spring cleanings",
		"agent_id": "agent-1",
		"settings": gin.H{"pacing": gin.H{"delay_seconds": 10}},
		"contacts": []gin.H{{"phone": "+15550000001", "name": "Sam"}, {"phone": "+15550000002"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create code = %d body = %s", w.Code, w.Body.String())
	}
	camp := decode[campaigns.Campaign](t, w)
	if camp.OwnerUserID != "alice" || camp.State != campaigns.StatePending || camp.Settings.Pacing.Seconds() != 10 {
		t.Fatalf("campaign = %+v", camp)
	}

	if w := a.do(t, http.MethodPost, "/v1/campaigns", ana, gin.H{"name": "x", "agent_id": "agent-1"}); w.Code != http.StatusForbidden {
		t.Fatalf("analyst create code = %d", w.Code)
	}

	list := decode[map[string][]campaigns.Campaign](t, a.do(t, http.MethodGet, "/v1/campaigns", bob, nil))
	if len(list["campaigns"]) != 0 {
		t.Fatalf("bob sees %d campaigns", len(list["campaigns"]))
	}
	list = decode[map[string][]campaigns.Campaign](t, a.do(t, http.MethodGet, "/v1/campaigns", ana, nil))
	if len(list["campaigns"]) != 1 {
		t.Fatalf("analyst sees %d campaigns", len(list["campaigns"]))
	}

	if w := a.do(t, http.MethodGet, "/v1/campaigns/"+camp.ID, bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign campaign code = %d", w.Code)
	}
	w = a.do(t, http.MethodGet, "/v1/campaigns/"+camp.ID, alice, nil)
	got := decode[campaigns.Campaign](t, w)
	if got.Stats.Total != 2 || got.Stats.Pending != 2 {
		t.Fatalf("stats = %+v", got.Stats)
	}

	w = a.do(t, http.MethodPost, "/v1/campaigns/"+camp.ID+"/contacts", alice, gin.H{"contacts": []gin.H{{"phone": "555-1234"}}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad phone code = %d", w.Code)
	}
	w = a.do(t, http.MethodPost, "/v1/campaigns/"+camp.ID+"/contacts", alice, gin.H{"contacts": []gin.H{{"phone": "+15550000003"}}})
	if w.Code != http.StatusCreated || decode[map[string]int](t, w)["added"] != 1 {
		t.Fatalf("add contacts = %d %s", w.Code, w.Body.String())
	}

	events := decode[map[string][]audit.Event](t, a.do(t, http.MethodGet, "/v1/campaigns/"+camp.ID+"/events", alice, nil))
	if len(events["events"]) != 2 || events["events"][0].Actor != "alice" {
		t.Fatalf("events = %+v", events)
	}
}

func TestCreateCampaign_InvalidSettings(t *testing.T) {
	a := newAPI(t, nil)
	tok := a.token(t, "alice", "owner")
	w := a.do(t, http.MethodPost, "/v1/campaigns", tok, gin.H{
		"name":     "Bad tz",
		"agent_id": "agent-1",
		"settings": gin.H{"timezone": "Mars/Olympus"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d body = %s", w.Code, w.Body.String())
	}
}

func TestCalls_PlaceAndGet(t *testing.T) {
	a := newAPI(t, nil)
	alice := a.token(t, "alice", "operator")
	bob := a.token(t, "bob", "operator")

	w := a.do(t, http.MethodPost, "/v1/calls", alice, gin.H{"agent_id": "agent-1", "to": "+15557654321"})
	if w.Code != http.StatusCreated {
		t.Fatalf("place code = %d body = %s", w.Code, w.Body.String())
	}
	call := decode[calls.Call](t, w)
	if call.CarrierCallID == "" || call.Metadata[MetaRequestedBy] != "alice" {
		t.Fatalf("call = %+v", call)
	}

	if err := a.callRepo.SaveAnalysis(context.Background(), calls.Analysis{CallID: call.ID, Summary: "Declined", Outcome: "not_interested"}); err != nil {
		t.Fatal(err)
	}
	w = a.do(t, http.MethodGet, "/v1/calls/"+call.ID, alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get code = %d", w.Code)
	}
	resp := decode[callResponse](t, w)
	if resp.Call.ID != call.ID || resp.Transcript == nil || resp.Analysis == nil || resp.Analysis.Outcome != "not_interested" {
		t.Fatalf("response = %+v", resp)
	}

	if w := a.do(t, http.MethodGet, "/v1/calls/"+call.ID, bob, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign call code = %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/v1/calls", alice, gin.H{"agent_id": "agent-x", "to": "+15557654321"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown agent code = %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/v1/calls", alice, gin.H{"agent_id": "agent-1", "to": "12"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad number code = %d", w.Code)
	}
}

func TestCallsReport_ScopedCallersNeedCampaign(t *testing.T) {
	a := newAPI(t, nil)
	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	w := a.do(t, http.MethodGet, "/v1/reports/calls?from="+from+"&to="+to, a.token(t, "alice", "operator"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("operator without campaign code = %d", w.Code)
	}
	w = a.do(t, http.MethodGet, "/v1/reports/calls?from="+from+"&to="+to, a.token(t, "root", "super_admin"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("super admin code = %d body = %s", w.Code, w.Body.String())
	}
	if w := a.do(t, http.MethodGet, "/v1/reports/calls?from=yesterday&to="+to, a.token(t, "root", "super_admin"), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad range code = %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	a := newAPI(t, map[string]Check{
		"store":   func(context.Context) error { return nil },
		"carrier": func(context.Context) error { return errors.New("twilio unreachable") },
	})
	w := a.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", w.Code)
	}
	body := decode[struct {
		Checks map[string]string `json:"checks"`
	}](t, w)
	if body.Checks["store"] != "ok" || body.Checks["carrier"] != "twilio unreachable" {
		t.Fatalf("checks = %v", body.Checks)
	}

	a = newAPI(t, nil)
	if w := a.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("empty checks code = %d", w.Code)
	}
}
