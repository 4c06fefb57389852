package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/appbuild-orchestrator/internal/clients/ci"
	appsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/apps"
	buildsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/data/repos/testutil"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/appbuild-orchestrator/internal/pkg/errors"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/httpx"
	"github.com/yungbote/appbuild-orchestrator/internal/realtime/bus"
)

type fakeProvider struct {
	mu         sync.Mutex
	dispatches map[string]int
	polls      int
	nextRun    int

	dispatchErr error
	onDispatch  func(req ci.DispatchRequest)
	status      ci.RunStatus
	pollErr     error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{dispatches: map[string]int{}, nextRun: 100}
}

func (f *fakeProvider) Dispatch(_ context.Context, req ci.DispatchRequest) (ci.DispatchResult, error) {
	f.mu.Lock()
	f.dispatches[req.JobID]++
	hook := f.onDispatch
	err := f.dispatchErr
	f.nextRun++
	run := f.nextRun
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err != nil {
		return ci.DispatchResult{}, err
	}
	return ci.DispatchResult{RunID: fmt.Sprint(run), RunURL: fmt.Sprintf("https://ci.example/runs/%d", run)}, nil
}

func (f *fakeProvider) PollStatus(_ context.Context, _ string) (ci.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return ci.RunStatus{}, f.pollErr
	}
	return f.status, nil
}

func (f *fakeProvider) set(st ci.RunStatus, err error) {
	f.mu.Lock()
	f.status, f.pollErr = st, err
	f.mu.Unlock()
}

func (f *fakeProvider) dispatchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches[id]
}

func (f *fakeProvider) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type harness struct {
	db       *gorm.DB
	jobs     buildsrepo.BuildJobRepo
	provider *fakeProvider
	events   *bus.MemoryBus
	engine   *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := buildsrepo.NewBuildJobRepo(db, log)
	h := &harness{
		db:       db,
		jobs:     jobs,
		provider: newFakeProvider(),
		events:   bus.NewMemoryBus(),
	}
	h.engine = NewEngine(cfg, log, jobs, appsrepo.NewAppRecordRepo(db, log), h.provider, h.events, nil)
	testutil.SeedApp(t, db, "app_1", "user_1")
	return h
}

func (h *harness) job(t *testing.T, id string) *types.BuildJob {
	t.Helper()
	j, err := h.jobs.GetByID(dbctx.Background(context.Background()), id)
	if err != nil || j == nil {
		t.Fatalf("load %s: err=%v job=%v", id, err, j)
	}
	return j
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	return cfg
}

func TestSuccessfulAndroidBuild(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{ID: "build_j1", AppID: "app_1", UserID: "user_1"})

	n, err := h.engine.ClaimTick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClaimTick: n=%d err=%v", n, err)
	}
	j := h.job(t, "build_j1")
	if j.Status != types.StatusBuilding || j.Progress != types.ProgressDispatched || j.RunID() == "" {
		t.Fatalf("after dispatch: status=%s progress=%d run=%q", j.Status, j.Progress, j.RunID())
	}
	if len(j.DispatchInputs) == 0 || !strings.Contains(string(j.DispatchInputs), "com.b1appbuilder.cornerbakery") {
		t.Fatalf("dispatch inputs not recorded: %s", j.DispatchInputs)
	}

	h.provider.set(ci.RunStatus{Phase: ci.PhaseRunning}, nil)
	if err := h.engine.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	if j = h.job(t, "build_j1"); j.Progress != types.ProgressCIRunning {
		t.Fatalf("expected progress 65, got %d", j.Progress)
	}

	url := "https://ci.example/artifacts/android.apk"
	h.provider.set(ci.RunStatus{
		Phase:      ci.PhaseCompleted,
		Conclusion: ci.ConclusionSuccess,
		Artifacts:  map[types.Platform]string{types.PlatformAndroid: url},
	}, nil)
	if err := h.engine.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	j = h.job(t, "build_j1")
	if j.Status != types.StatusCompleted || j.Progress != types.ProgressDone || j.ResultURL(types.PlatformAndroid) != url {
		t.Fatalf("expected COMPLETED/100/url, got %s/%d/%q", j.Status, j.Progress, j.ResultURL(types.PlatformAndroid))
	}
	if j.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	var statuses []types.Status
	for _, ev := range h.events.Events() {
		statuses = append(statuses, ev.Status)
	}
	if len(statuses) < 3 || statuses[0] != types.StatusRunning || statuses[len(statuses)-1] != types.StatusCompleted {
		t.Fatalf("unexpected event sequence: %v", statuses)
	}
}

func TestDispatchRetriesAreBounded(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.provider.dispatchErr = &httpx.StatusError{StatusCode: 422, Body: "bad inputs"}
	testutil.SeedJob(t, h.db, &types.BuildJob{ID: "build_j2", AppID: "app_1", UserID: "user_1"})

	if _, err := h.engine.ClaimTick(ctx); err != nil {
		t.Fatalf("ClaimTick #1: %v", err)
	}
	j := h.job(t, "build_j2")
	if j.Status != types.StatusPending || j.RetryCount != 1 || j.ClaimToken != nil {
		t.Fatalf("after first failure: status=%s retry=%d token=%v", j.Status, j.RetryCount, j.ClaimToken)
	}

	if _, err := h.engine.ClaimTick(ctx); err != nil {
		t.Fatalf("ClaimTick #2: %v", err)
	}
	j = h.job(t, "build_j2")
	if j.Status != types.StatusFailed || !strings.Contains(j.ErrorMessage(), "retries exhausted") {
		t.Fatalf("expected FAILED with retries exhausted, got %s %q", j.Status, j.ErrorMessage())
	}
	if j.ExternalRunID != nil {
		t.Fatalf("external run id must stay empty, got %q", *j.ExternalRunID)
	}

	if n, _ := h.engine.ClaimTick(ctx); n != 0 {
		t.Fatalf("terminal job must not be claimed again")
	}
	if got := h.provider.dispatchCount("build_j2"); got != 2 {
		t.Fatalf("expected MaxRetries+1=2 dispatch attempts, got %d", got)
	}
}

func TestMissingAppFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	testutil.SeedJob(t, h.db, &types.BuildJob{ID: "build_orphan", AppID: "app_gone", UserID: "user_1"})

	if _, err := h.engine.ClaimTick(context.Background()); err != nil {
		t.Fatalf("ClaimTick: %v", err)
	}
	j := h.job(t, "build_orphan")
	if j.Status != types.StatusFailed || !strings.Contains(j.ErrorMessage(), "not found") {
		t.Fatalf("expected FAILED app not found, got %s %q", j.Status, j.ErrorMessage())
	}
	if h.provider.dispatchCount("build_orphan") != 0 {
		t.Fatalf("provider must not be called without an app record")
	}
}

func TestTimeoutFailsRegardlessOfPoll(t *testing.T) {
	h := newHarness(t, testConfig())
	old := time.Now().UTC().Add(-31 * time.Minute)
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_slow", AppID: "app_1", UserID: "user_1",
		Status: types.StatusBuilding, ExternalRunID: testutil.PtrString("500"), CreatedAt: old,
	})
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_slow_running", AppID: "app_1", UserID: "user_1",
		Status: types.StatusRunning, ClaimToken: testutil.PtrString("tok"), ClaimedAt: testutil.PtrTime(time.Now().UTC()), CreatedAt: old,
	})
	h.provider.set(ci.RunStatus{Phase: ci.PhaseRunning}, nil)

	if err := h.engine.PollTick(context.Background()); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	for _, id := range []string{"build_slow", "build_slow_running"} {
		j := h.job(t, id)
		if j.Status != types.StatusFailed || j.ErrorMessage() != "build timed out after 30m0s" {
			t.Fatalf("%s: expected timeout failure, got %s %q", id, j.Status, j.ErrorMessage())
		}
	}
	if h.provider.pollCount() != 0 {
		t.Fatalf("timed out jobs must not be polled")
	}
}

func TestStuckRunningRecovery(t *testing.T) {
	h := newHarness(t, testConfig())
	now := time.Now().UTC()
	stale := now.Add(-5 * time.Minute)
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_crashed", AppID: "app_1", UserID: "user_1", Status: types.StatusRunning,
		ClaimToken: testutil.PtrString("dead-worker"), ClaimedAt: testutil.PtrTime(stale), CreatedAt: stale,
	})
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_crashed_twice", AppID: "app_1", UserID: "user_1", Status: types.StatusRunning, RetryCount: 1,
		ClaimToken: testutil.PtrString("dead-worker-2"), ClaimedAt: testutil.PtrTime(stale), CreatedAt: stale,
	})
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_inflight", AppID: "app_1", UserID: "user_1", Status: types.StatusRunning,
		ClaimToken: testutil.PtrString("live-worker"), ClaimedAt: testutil.PtrTime(now), CreatedAt: now,
	})

	if err := h.engine.PollTick(context.Background()); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	if j := h.job(t, "build_crashed"); j.Status != types.StatusPending || j.RetryCount != 1 || j.ClaimedAt != nil {
		t.Fatalf("build_crashed: expected PENDING retry 1, got %s retry=%d", j.Status, j.RetryCount)
	}
	if j := h.job(t, "build_crashed_twice"); j.Status != types.StatusFailed || j.ErrorMessage() != "dispatch never completed" {
		t.Fatalf("build_crashed_twice: expected FAILED, got %s %q", j.Status, j.ErrorMessage())
	}
	if j := h.job(t, "build_inflight"); j.Status != types.StatusRunning {
		t.Fatalf("build_inflight: recent claim must be left alone, got %s", j.Status)
	}

	// The recovered job is dispatched normally on the next claim tick.
	if _, err := h.engine.ClaimTick(context.Background()); err != nil {
		t.Fatalf("ClaimTick: %v", err)
	}
	if j := h.job(t, "build_crashed"); j.Status != types.StatusBuilding {
		t.Fatalf("expected recovered job to be dispatched, got %s", j.Status)
	}
}

func TestTerminalStatesAreStable(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	done := time.Now().UTC()
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_done", AppID: "app_1", UserID: "user_1", Status: types.StatusCompleted, Progress: 100,
		ExternalRunID: testutil.PtrString("9"), AndroidURL: testutil.PtrString("https://a/1.apk"), CompletedAt: &done,
	})

	h.provider.set(ci.RunStatus{Phase: ci.PhaseCompleted, Conclusion: "failure"}, nil)
	if err := h.engine.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	applied, _, err := h.engine.CompletePlatform(ctx, "build_done", types.PlatformAndroid, "https://a/other.apk")
	if err != nil || applied {
		t.Fatalf("CompletePlatform on terminal: applied=%v err=%v", applied, err)
	}
	applied, _, err = h.engine.FailFromProvider(ctx, "build_done", "late failure")
	if err != nil || applied {
		t.Fatalf("FailFromProvider on terminal: applied=%v err=%v", applied, err)
	}
	if _, err := h.engine.Cancel(ctx, "build_done"); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("Cancel on terminal: expected invalid argument, got %v", err)
	}

	j := h.job(t, "build_done")
	if j.Status != types.StatusCompleted || j.ResultURL(types.PlatformAndroid) != "https://a/1.apk" || j.Error != nil {
		t.Fatalf("terminal job mutated: %s %q %q", j.Status, j.ResultURL(types.PlatformAndroid), j.ErrorMessage())
	}
}

func TestSuccessRequiresEveryArtifact(t *testing.T) {
	h := newHarness(t, testConfig())
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_both", AppID: "app_1", UserID: "user_1", Platform: types.PlatformBoth,
		Status: types.StatusBuilding, ExternalRunID: testutil.PtrString("77"),
	})
	h.provider.set(ci.RunStatus{
		Phase:      ci.PhaseCompleted,
		Conclusion: ci.ConclusionSuccess,
		Artifacts:  map[types.Platform]string{types.PlatformAndroid: "https://a/app.apk"},
	}, nil)

	if err := h.engine.PollTick(context.Background()); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	j := h.job(t, "build_both")
	if j.Status != types.StatusFailed || !strings.Contains(j.ErrorMessage(), "without artifact for IOS") {
		t.Fatalf("expected FAILED missing ios artifact, got %s %q", j.Status, j.ErrorMessage())
	}
}

func TestFailedConclusion(t *testing.T) {
	h := newHarness(t, testConfig())
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_red", AppID: "app_1", UserID: "user_1",
		Status: types.StatusBuilding, ExternalRunID: testutil.PtrString("78"),
	})
	h.provider.set(ci.RunStatus{Phase: ci.PhaseCompleted, Conclusion: "failure"}, nil)
	if err := h.engine.PollTick(context.Background()); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	if j := h.job(t, "build_red"); j.Status != types.StatusFailed || j.ErrorMessage() != "CI run concluded with failure" {
		t.Fatalf("unexpected result %s %q", j.Status, j.ErrorMessage())
	}
}

func TestPollErrorsAndNotFoundAreNeutral(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_flaky", AppID: "app_1", UserID: "user_1",
		Status: types.StatusBuilding, Progress: 40, ExternalRunID: testutil.PtrString("79"),
	})

	h.provider.set(ci.RunStatus{}, &httpx.StatusError{StatusCode: 502})
	if err := h.engine.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	h.provider.set(ci.RunStatus{Phase: ci.PhaseNotFound}, nil)
	if err := h.engine.PollTick(ctx); err != nil {
		t.Fatalf("PollTick: %v", err)
	}
	j := h.job(t, "build_flaky")
	if j.Status != types.StatusBuilding || j.RetryCount != 0 || j.Progress != 40 {
		t.Fatalf("expected unchanged job, got %s retry=%d progress=%d", j.Status, j.RetryCount, j.Progress)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_prog", AppID: "app_1", UserID: "user_1",
		Status: types.StatusBuilding, Progress: 25, ExternalRunID: testutil.PtrString("80"),
	})
	h.provider.set(ci.RunStatus{Phase: ci.PhaseRunning}, nil)
	_ = h.engine.PollTick(ctx)
	h.provider.set(ci.RunStatus{Phase: ci.PhaseQueued}, nil)
	_ = h.engine.PollTick(ctx)
	if j := h.job(t, "build_prog"); j.Progress != types.ProgressCIRunning {
		t.Fatalf("progress regressed to %d", j.Progress)
	}
}

func TestWebhookCompletionIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_hook", AppID: "app_1", UserID: "user_1", Platform: types.PlatformBoth,
		Status: types.StatusBuilding, Progress: 65, ExternalRunID: testutil.PtrString("81"),
	})

	applied, j, err := h.engine.CompletePlatform(ctx, "build_hook", types.PlatformAndroid, "https://a/app.apk")
	if err != nil || !applied || j.Status != types.StatusBuilding {
		t.Fatalf("android completion: applied=%v err=%v status=%v", applied, err, j)
	}
	applied, j, err = h.engine.CompletePlatform(ctx, "build_hook", types.PlatformIOS, "https://a/app.ipa")
	if err != nil || !applied || j.Status != types.StatusCompleted || j.Progress != 100 {
		t.Fatalf("ios completion: applied=%v err=%v job=%+v", applied, err, j)
	}
	applied, j, err = h.engine.CompletePlatform(ctx, "build_hook", types.PlatformIOS, "https://a/app.ipa")
	if err != nil || applied || j.Status != types.StatusCompleted {
		t.Fatalf("replay: applied=%v err=%v", applied, err)
	}

	if _, _, err := h.engine.CompletePlatform(ctx, "build_missing", types.PlatformIOS, "https://x"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWebhookBeforeDispatchConfirmed(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{ID: "build_early", AppID: "app_1", UserID: "user_1"})

	if _, _, err := h.engine.CompletePlatform(ctx, "build_early", types.PlatformAndroid, "https://a/app.apk"); !errors.Is(err, pkgerrors.ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if _, _, err := h.engine.CompletePlatform(ctx, "build_early", types.PlatformIOS, "https://a/app.ipa"); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid platform, got %v", err)
	}
}

func TestWebhookFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{
		ID: "build_fail_hook", AppID: "app_1", UserID: "user_1",
		Status: types.StatusBuilding, ExternalRunID: testutil.PtrString("82"),
	})
	applied, j, err := h.engine.FailFromProvider(ctx, "build_fail_hook", "gradle assembleRelease failed")
	if err != nil || !applied || j.Status != types.StatusFailed || j.ErrorMessage() != "gradle assembleRelease failed" {
		t.Fatalf("FailFromProvider: applied=%v err=%v job=%+v", applied, err, j)
	}
	applied, _, err = h.engine.FailFromProvider(ctx, "build_fail_hook", "gradle assembleRelease failed")
	if err != nil || applied {
		t.Fatalf("replay: applied=%v err=%v", applied, err)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{ID: "build_cancel", AppID: "app_1", UserID: "user_1"})

	j, err := h.engine.Cancel(ctx, "build_cancel")
	if err != nil || j.Status != types.StatusCancelled || j.ErrorMessage() != "Cancelled by user" {
		t.Fatalf("Cancel: err=%v job=%+v", err, j)
	}
	if n, _ := h.engine.ClaimTick(ctx); n != 0 {
		t.Fatalf("cancelled job must not be claimed")
	}
	if _, err := h.engine.Cancel(ctx, "build_nope"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelDuringDispatchWins(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	testutil.SeedJob(t, h.db, &types.BuildJob{ID: "build_race", AppID: "app_1", UserID: "user_1"})
	h.provider.onDispatch = func(req ci.DispatchRequest) {
		if _, err := h.engine.Cancel(ctx, req.JobID); err != nil {
			t.Errorf("cancel mid-dispatch: %v", err)
		}
	}

	if _, err := h.engine.ClaimTick(ctx); err != nil {
		t.Fatalf("ClaimTick: %v", err)
	}
	j := h.job(t, "build_race")
	if j.Status != types.StatusCancelled || j.ExternalRunID != nil {
		t.Fatalf("expected CANCELLED without run id, got %s run=%q", j.Status, j.RunID())
	}
}

func TestConcurrentEnginesDispatchAtMostOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	const jobs = 6
	for i := 0; i < jobs; i++ {
		testutil.SeedJob(t, h.db, &types.BuildJob{
			ID: fmt.Sprintf("build_c%d", i), AppID: "app_1", UserID: "user_1",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
	}

	cfg := testConfig()
	cfg.ClaimBatch = jobs
	log := testutil.Logger(t)
	apps := appsrepo.NewAppRecordRepo(h.db, log)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for w := 0; w < 4; w++ {
		eng := NewEngine(cfg, log, buildsrepo.NewBuildJobRepo(h.db, log), apps, h.provider, h.events, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := eng.ClaimTick(context.Background())
			if err != nil {
				t.Errorf("ClaimTick: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != jobs {
		t.Fatalf("expected %d claims across engines, got %d", jobs, total)
	}
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("build_c%d", i)
		if got := h.provider.dispatchCount(id); got != 1 {
			t.Fatalf("%s dispatched %d times", id, got)
		}
		if j := h.job(t, id); j.Status != types.StatusBuilding {
			t.Fatalf("%s: expected BUILDING, got %s", id, j.Status)
		}
	}
}

func TestStuckGraceCoversDispatchTimeout(t *testing.T) {
	cfg := Config{PollInterval: time.Second, DispatchTimeout: 20 * time.Second, StuckGraceMultiplier: 3}
	if g := cfg.StuckGrace(); g < cfg.DispatchTimeout {
		t.Fatalf("grace %s shorter than dispatch timeout", g)
	}
	if g := DefaultConfig().StuckGrace(); g != 30*time.Second {
		t.Fatalf("default grace=%s want 30s", g)
	}
}
