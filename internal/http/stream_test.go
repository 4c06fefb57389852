package http

import (
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	appsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/apps"
	buildsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/data/repos/testutil"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	httpH "github.com/yungbote/appbuild-orchestrator/internal/http/handlers"
	"github.com/yungbote/appbuild-orchestrator/internal/jobs/orchestrator"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime"
	"github.com/yungbote/appbuild-orchestrator/internal/services"
)

func newStreamRouter(t *testing.T) (*gin.Engine, *gorm.DB, *realtime.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := buildsrepo.NewBuildJobRepo(db, log)
	apps := appsrepo.NewAppRecordRepo(db, log)
	engine := orchestrator.NewEngine(orchestrator.DefaultConfig(), log, jobs, apps, nil, nil, nil)
	svc := services.NewBuildService(log, jobs, apps, engine, nil, 0)
	hub := realtime.NewHub(log)
	testutil.SeedApp(t, db, "app_1", "user_1")

	r := NewRouter(RouterConfig{
		Log:           log,
		StreamHandler: httpH.NewStreamHandler(svc, hub),
	})
	return r, db, hub
}

func TestBuildEventsTerminalSnapshot(t *testing.T) {
	r, db, _ := newStreamRouter(t)
	done := time.Now().UTC()
	testutil.SeedJob(t, db, &types.BuildJob{
		ID: "build_done", AppID: "app_1", UserID: "user_1", Status: types.StatusCompleted,
		Progress: 100, AndroidURL: testutil.PtrString("https://a/x.apk"), CompletedAt: &done,
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/api/builds/build_done/events", nil))
	body := rec.Body.String()
	if rec.Code != nethttp.StatusOK || !strings.Contains(body, "event:snapshot") || !strings.Contains(body, "COMPLETED") {
		t.Fatalf("status=%d body=%s", rec.Code, body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestBuildEventsStreamsUntilTerminal(t *testing.T) {
	r, db, hub := newStreamRouter(t)
	testutil.SeedJob(t, db, &types.BuildJob{
		ID: "build_s", AppID: "app_1", UserID: "user_1", Status: types.StatusBuilding, Progress: 40,
	})

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for hub.Subscribers("build_s") == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		hub.Broadcast(types.BuildEvent{JobID: "build_s", Status: types.StatusBuilding, Progress: 65})
		hub.Broadcast(types.BuildEvent{JobID: "build_s", Status: types.StatusFailed, Error: "CI run concluded with failure"})
	}()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/api/builds/build_s/events", nil))
	body := rec.Body.String()
	if strings.Count(body, "event:update") != 2 || !strings.Contains(body, "FAILED") {
		t.Fatalf("unexpected stream body: %s", body)
	}
	if n := hub.Subscribers("build_s"); n != 0 {
		t.Fatalf("subscriber leaked: %d", n)
	}
}

func TestBuildEventsUnknownBuild(t *testing.T) {
	r, _, _ := newStreamRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/api/builds/build_nope/events", nil))
	if rec.Code != nethttp.StatusNotFound {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
