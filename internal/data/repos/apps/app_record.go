package apps

import (
	"gorm.io/gorm"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

// AppRecordRepo reads app records owned by the CRUD layer.
type AppRecordRepo interface {
	GetByID(dbc dbctx.Context, id string) (*types.AppRecord, error)
	Upsert(dbc dbctx.Context, app *types.AppRecord) error
}

type appRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAppRecordRepo(db *gorm.DB, baseLog *logger.Logger) AppRecordRepo {
	return &appRecordRepo{
		db:  db,
		log: baseLog.With("repo", "AppRecordRepo"),
	}
}

func (r *appRecordRepo) GetByID(dbc dbctx.Context, id string) (*types.AppRecord, error) {
	if id == "" {
		return nil, nil
	}
	var app types.AppRecord
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&app).Error; err != nil {
		return nil, err
	}
	if app.ID == "" {
		return nil, nil
	}
	return &app, nil
}

// Upsert exists for seeding local databases and tests; production rows are
// written by the CRUD layer.
func (r *appRecordRepo) Upsert(dbc dbctx.Context, app *types.AppRecord) error {
	return dbc.DB(r.db).Save(app).Error
}
