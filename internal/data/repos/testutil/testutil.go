package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/appbuild-orchestrator/internal/data/db"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.Nop()
}

// DB opens a migrated SQLite database private to the test. A single
// connection serialises writers the way row locks would in Postgres.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "appbuild_test.db")
	gdb, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrateAll(gdb); err != nil {
		tb.Fatalf("automigrate: %v", err)
	}
	return gdb
}

func SeedApp(tb testing.TB, gdb *gorm.DB, id, userID string) *types.AppRecord {
	tb.Helper()
	app := &types.AppRecord{
		ID:         id,
		UserID:     userID,
		AppName:    "Corner Bakery",
		WebsiteURL: "https://bakery.example.com",
		IconURL:    "https://bakery.example.com/icon.png",
	}
	if err := gdb.Create(app).Error; err != nil {
		tb.Fatalf("seed app: %v", err)
	}
	return app
}

func SeedJob(tb testing.TB, gdb *gorm.DB, job *types.BuildJob) *types.BuildJob {
	tb.Helper()
	if job.Status == "" {
		job.Status = types.StatusPending
	}
	if job.Platform == "" {
		job.Platform = types.PlatformAndroid
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if err := gdb.Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}

func PtrString(v string) *string { return &v }

func PtrTime(v time.Time) *time.Time { return &v }
