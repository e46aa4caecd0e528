package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/habitlevel/internal/clock"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/events"
	"github.com/habitlevel/internal/handler"
	"github.com/habitlevel/internal/logger"
	"github.com/habitlevel/internal/router"
	"github.com/habitlevel/internal/scheduler"
	"github.com/habitlevel/internal/service"
)

const baseURL = "http://habitlevel.test"

type e2eSuite struct {
	handler   http.Handler
	public    httpClient
	admin     httpClient
	clock     *clock.Fixed
	recorder  *events.Recorder
	adminPass string
}

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type localClient struct {
	handler http.Handler
	jar     http.CookieJar
}

func newLocalClient(handler http.Handler, withJar bool) *localClient {
	var jar http.CookieJar
	if withJar {
		if j, err := cookiejar.New(nil); err == nil {
			jar = j
		}
	}
	return &localClient{handler: handler, jar: jar}
}

func (c *localClient) Do(req *http.Request) (*http.Response, error) {
	if c.jar != nil {
		for _, cookie := range c.jar.Cookies(req.URL) {
			req.AddCookie(cookie)
		}
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	resp := w.Result()
	if c.jar != nil {
		c.jar.SetCookies(req.URL, resp.Cookies())
	}
	return resp, nil
}

func newE2ESuite(t *testing.T, start time.Time) *e2eSuite {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.SetOutput(io.Discard)

	gdb, err := db.Open(db.Options{
		Path:  fmt.Sprintf("file:e2e-%d?mode=memory&cache=shared", time.Now().UnixNano()),
		Quiet: true,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	suite := &e2eSuite{
		clock:     clock.NewFixed(start),
		recorder:  &events.Recorder{},
		adminPass: "e2e-secret",
	}
	if err := db.EnsureUser(gdb, "admin", suite.adminPass); err != nil {
		t.Fatalf("failed to seed admin: %v", err)
	}

	store := db.NewGormStore(gdb)
	ledger := service.NewStreakLedger(store,
		service.WithLedgerClock(suite.clock),
		service.WithLedgerPublisher(suite.recorder),
	)
	sched := scheduler.New(store, ledger, scheduler.Options{Publisher: suite.recorder})

	suite.handler = router.SetupRouter(handler.NewAPI(gdb, ledger, sched), "e2e-session")
	suite.public = newLocalClient(suite.handler, false)
	suite.admin = newLocalClient(suite.handler, true)
	return suite
}

func (s *e2eSuite) doJSON(t *testing.T, client httpClient, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, raw)
	}

	decoded := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return decoded
}

func (s *e2eSuite) loginAdmin(t *testing.T) {
	t.Helper()

	form := url.Values{"username": {"admin"}, "password": {s.adminPass}}
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/admin/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.admin.Do(req)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed with status %d", resp.StatusCode)
	}
}

func idOf(t *testing.T, body map[string]any, key string) uint {
	t.Helper()
	obj, ok := body[key].(map[string]any)
	if !ok {
		t.Fatalf("missing %q in %v", key, body)
	}
	return uint(obj["id"].(float64))
}

func todayCompletion(t *testing.T, s *e2eSuite, userID uint) map[string]any {
	t.Helper()
	body := s.doJSON(t, s.public, http.MethodGet, fmt.Sprintf("/api/completions/today?user_id=%d", userID), nil, http.StatusOK)
	items := body["completions"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected exactly one completion today, got %d", len(items))
	}
	return items[0].(map[string]any)
}

func TestDailyLifecycleAcrossTimezones(t *testing.T) {
	// 纽约 2025-06-01 20:00
	s := newE2ESuite(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	s.loginAdmin(t)

	user := s.doJSON(t, s.public, http.MethodPost, "/api/users", map[string]any{
		"username": "nina", "timezone": "America/New_York",
	}, http.StatusCreated)
	userID := idOf(t, user, "user")

	habit := s.doJSON(t, s.public, http.MethodPost, "/api/habits", map[string]any{
		"user_id": userID, "name": "Read", "type": "GOOD", "base_xp_value": 50,
	}, http.StatusCreated)
	habitID := idOf(t, habit, "habit")
	completion := map[string]any{"habit_id": habitID, "user_id": userID}

	// 首次扫描：从未重置过，立即重置
	sweep := s.doJSON(t, s.admin, http.MethodPost, "/admin/api/reset", nil, http.StatusOK)
	if got := sweep["result"].(map[string]any)["reset_count"].(float64); got != 1 {
		t.Fatalf("expected first sweep to reset the user, got %v", got)
	}

	res := s.doJSON(t, s.public, http.MethodPost, "/api/completions/increment", completion, http.StatusOK)
	if res["xp_delta"].(float64) != 50 {
		t.Fatalf("expected full xp on day one, got %v", res["xp_delta"])
	}

	// UTC 已过午夜但纽约还没有
	s.clock.Set(time.Date(2025, 6, 2, 3, 59, 0, 0, time.UTC))
	sweep = s.doJSON(t, s.admin, http.MethodPost, "/admin/api/reset", nil, http.StatusOK)
	if got := sweep["result"].(map[string]any)["reset_count"].(float64); got != 0 {
		t.Fatalf("expected no reset before New York midnight, got %v", got)
	}

	// 纽约 2025-06-02 00:01
	s.clock.Set(time.Date(2025, 6, 2, 4, 1, 0, 0, time.UTC))
	status := s.doJSON(t, s.admin, http.MethodGet, "/admin/api/reset-status", nil, http.StatusOK)
	users := status["users"].([]any)
	var nina map[string]any
	for _, raw := range users {
		if entry := raw.(map[string]any); entry["username"] == "nina" {
			nina = entry
		}
	}
	if nina == nil || nina["needs_reset"] != true || nina["local_time"] != "2025-06-02 00:01:00" {
		t.Fatalf("unexpected status: %v", nina)
	}

	trigger := s.doJSON(t, s.admin, http.MethodPost, fmt.Sprintf("/admin/api/reset/%d", userID), nil, http.StatusOK)
	if trigger["result"].(map[string]any)["performed"] != true {
		t.Fatalf("expected manual trigger to reset, got %v", trigger)
	}
	trigger = s.doJSON(t, s.admin, http.MethodPost, fmt.Sprintf("/admin/api/reset/%d", userID), nil, http.StatusOK)
	if trigger["result"].(map[string]any)["performed"] != false {
		t.Fatalf("expected second trigger to be a no-op, got %v", trigger)
	}

	today := todayCompletion(t, s, userID)
	if today["current_streak"].(float64) != 1 || today["completion_count"].(float64) != 0 {
		t.Fatalf("expected streak 1 and a blank record, got %v", today)
	}

	// round(50 × 0.95) = 48
	res = s.doJSON(t, s.public, http.MethodPost, "/api/completions/increment", completion, http.StatusOK)
	if res["xp_delta"].(float64) != 48 {
		t.Fatalf("expected decayed xp 48, got %v", res["xp_delta"])
	}
	if res["user"].(map[string]any)["total_xp"].(float64) != 98 {
		t.Fatalf("expected total xp 98, got %v", res["user"])
	}

	res = s.doJSON(t, s.public, http.MethodPost, "/api/completions/increment", completion, http.StatusOK)
	userPayload := res["user"].(map[string]any)
	if userPayload["leveled_up"] != true || userPayload["level"].(float64) != 2 {
		t.Fatalf("expected level up to 2, got %v", userPayload)
	}
	if len(s.recorder.OfType(events.TypeLeveledUp)) != 1 {
		t.Fatal("expected a level up event")
	}
	if len(s.recorder.OfType(events.TypeDayReset)) != 2 {
		t.Fatalf("expected two day reset events, got %d", len(s.recorder.OfType(events.TypeDayReset)))
	}

	stats := s.doJSON(t, s.public, http.MethodGet, fmt.Sprintf("/api/users/%d/stats", userID), nil, http.StatusOK)
	if stats["completion_rate"].(float64) != 100 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestAdminEndpointsRequireLogin(t *testing.T) {
	s := newE2ESuite(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))

	s.doJSON(t, s.public, http.MethodPost, "/admin/api/reset", nil, http.StatusUnauthorized)
	s.doJSON(t, s.public, http.MethodGet, "/admin/api/reset-status", nil, http.StatusUnauthorized)

	s.loginAdmin(t)
	s.doJSON(t, s.admin, http.MethodPost, "/admin/logout", nil, http.StatusOK)
	s.doJSON(t, s.admin, http.MethodGet, "/admin/api/reset-status", nil, http.StatusUnauthorized)
}
