package app

import (
	"gorm.io/gorm"

	appsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/apps"
	buildsrepo "github.com/yungbote/appbuild-orchestrator/internal/data/repos/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

type Repos struct {
	Builds buildsrepo.BuildJobRepo
	Apps   appsrepo.AppRecordRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Builds: buildsrepo.NewBuildJobRepo(db, log),
		Apps:   appsrepo.NewAppRecordRepo(db, log),
	}
}
