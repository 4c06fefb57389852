package builds

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/appbuild-orchestrator/internal/data/repos/testutil"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
)

func TestBuildJobRepo(t *testing.T) {
	db := testutil.DB(t)
	dbc := dbctx.Background(context.Background())
	repo := NewBuildJobRepo(db, testutil.Logger(t))

	now := time.Now().UTC()
	older := testutil.SeedJob(t, db, &types.BuildJob{ID: "build_old", AppID: "app_1", UserID: "user_1", CreatedAt: now.Add(-2 * time.Hour)})
	newer := testutil.SeedJob(t, db, &types.BuildJob{ID: "build_new", AppID: "app_1", UserID: "user_1", CreatedAt: now.Add(-1 * time.Hour)})
	testutil.SeedJob(t, db, &types.BuildJob{ID: "build_other", AppID: "app_2", UserID: "user_2", Status: types.StatusBuilding, CreatedAt: now})

	got, err := repo.GetByID(dbc, older.ID)
	if err != nil || got == nil || got.AppID != "app_1" {
		t.Fatalf("GetByID: err=%v got=%v", err, got)
	}
	missing, err := repo.GetByID(dbc, "build_missing")
	if err != nil || missing != nil {
		t.Fatalf("GetByID missing: err=%v got=%v", err, missing)
	}

	// NextPending is FIFO by creation time.
	next, err := repo.NextPending(dbc)
	if err != nil || next == nil || next.ID != older.ID {
		t.Fatalf("NextPending: err=%v got=%v", err, next)
	}

	history, err := repo.ListByApp(dbc, "app_1", 10)
	if err != nil {
		t.Fatalf("ListByApp: %v", err)
	}
	if len(history) != 2 || history[0].ID != newer.ID {
		t.Fatalf("ListByApp: expected newest first, got %d rows", len(history))
	}

	building, err := repo.ListByStatus(dbc, []types.Status{types.StatusBuilding}, 0)
	if err != nil || len(building) != 1 || building[0].ID != "build_other" {
		t.Fatalf("ListByStatus: err=%v len=%d", err, len(building))
	}

	// Claim succeeds once, then the row is no longer PENDING.
	ok, err := repo.Claim(dbc, older.ID, "tok-1")
	if err != nil || !ok {
		t.Fatalf("Claim #1: ok=%v err=%v", ok, err)
	}
	ok, err = repo.Claim(dbc, older.ID, "tok-2")
	if err != nil || ok {
		t.Fatalf("Claim #2: expected lost claim, ok=%v err=%v", ok, err)
	}
	claimed, _ := repo.GetByID(dbc, older.ID)
	if claimed.Status != types.StatusRunning || claimed.ClaimToken == nil || *claimed.ClaimToken != "tok-1" || claimed.ClaimedAt == nil {
		t.Fatalf("Claim: unexpected row %+v", claimed)
	}

	// Confirmation writes are fenced by the claim token.
	applied, err := repo.UpdateFieldsIfClaimed(dbc, older.ID, "tok-2", map[string]interface{}{"status": types.StatusBuilding})
	if err != nil || applied {
		t.Fatalf("UpdateFieldsIfClaimed wrong token: applied=%v err=%v", applied, err)
	}
	applied, err = repo.UpdateFieldsIfClaimed(dbc, older.ID, "tok-1", map[string]interface{}{
		"status":          types.StatusBuilding,
		"external_run_id": "42",
		"progress":        types.ProgressDispatched,
	})
	if err != nil || !applied {
		t.Fatalf("UpdateFieldsIfClaimed: applied=%v err=%v", applied, err)
	}

	// Progress is monotonic.
	if ok, err := repo.AdvanceProgress(dbc, older.ID, 65); err != nil || !ok {
		t.Fatalf("AdvanceProgress 65: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.AdvanceProgress(dbc, older.ID, 40); err != nil || ok {
		t.Fatalf("AdvanceProgress 40 should not regress: ok=%v err=%v", ok, err)
	}
	row, _ := repo.GetByID(dbc, older.ID)
	if row.Progress != 65 {
		t.Fatalf("progress=%d want 65", row.Progress)
	}

	// Terminal CAS only applies from the allowed statuses.
	applied, err = repo.UpdateFieldsIfStatus(dbc, older.ID, []types.Status{types.StatusBuilding}, map[string]interface{}{"status": types.StatusFailed, "error": "boom"})
	if err != nil || !applied {
		t.Fatalf("UpdateFieldsIfStatus: applied=%v err=%v", applied, err)
	}
	applied, err = repo.UpdateFieldsIfStatus(dbc, older.ID, []types.Status{types.StatusBuilding}, map[string]interface{}{"status": types.StatusCompleted})
	if err != nil || applied {
		t.Fatalf("UpdateFieldsIfStatus on terminal row: applied=%v err=%v", applied, err)
	}
	if ok, _ := repo.AdvanceProgress(dbc, older.ID, 100); ok {
		t.Fatalf("AdvanceProgress must not touch terminal rows")
	}

	count, err := repo.CountByUserSince(dbc, "user_1", now.Add(-90*time.Minute))
	if err != nil || count != 1 {
		t.Fatalf("CountByUserSince: count=%d err=%v", count, err)
	}

	if err := repo.UpdateFields(dbc, newer.ID, map[string]interface{}{"retry_count": 1}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	row, _ = repo.GetByID(dbc, newer.ID)
	if row.RetryCount != 1 || !row.UpdatedAt.After(newer.UpdatedAt) {
		t.Fatalf("UpdateFields: retry=%d updated_at=%v", row.RetryCount, row.UpdatedAt)
	}
}

func TestClaimExclusivity(t *testing.T) {
	db := testutil.DB(t)
	repo := NewBuildJobRepo(db, testutil.Logger(t))
	job := testutil.SeedJob(t, db, &types.BuildJob{ID: "build_race", AppID: "app_1", UserID: "user_1"})

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.Claim(dbctx.Background(context.Background()), job.ID, fmt.Sprintf("tok-%d", i))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}
