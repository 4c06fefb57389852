package db

import (
	"gorm.io/gorm"

	"github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// Read-only collaborator table; migrated so local/dev databases have it.
		&builds.AppRecord{},
		&builds.BuildJob{},
	)
}
