package builds

import (
	"errors"
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

// BuildJobRepo is the job store. It is the only shared mutable state between
// orchestrator instances; every ownership decision is a conditional UPDATE.
type BuildJobRepo interface {
	Create(dbc dbctx.Context, job *types.BuildJob) (*types.BuildJob, error)
	GetByID(dbc dbctx.Context, id string) (*types.BuildJob, error)
	ListByStatus(dbc dbctx.Context, statuses []types.Status, limit int) ([]*types.BuildJob, error)
	ListByApp(dbc dbctx.Context, appID string, limit int) ([]*types.BuildJob, error)
	NextPending(dbc dbctx.Context) (*types.BuildJob, error)
	Claim(dbc dbctx.Context, id string, token string) (bool, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
	UpdateFieldsIfStatus(dbc dbctx.Context, id string, allowed []types.Status, updates map[string]interface{}) (bool, error)
	UpdateFieldsIfClaimed(dbc dbctx.Context, id string, token string, updates map[string]interface{}) (bool, error)
	AdvanceProgress(dbc dbctx.Context, id string, progress int) (bool, error)
	CountByUserSince(dbc dbctx.Context, userID string, since time.Time) (int64, error)
}

type buildJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewBuildJobRepo(db *gorm.DB, baseLog *logger.Logger) BuildJobRepo {
	return &buildJobRepo{
		db:  db,
		log: baseLog.With("repo", "BuildJobRepo"),
		now: time.Now,
	}
}

func (r *buildJobRepo) Create(dbc dbctx.Context, job *types.BuildJob) (*types.BuildJob, error) {
	if job == nil {
		return nil, errors.New("nil build job")
	}
	now := r.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = types.StatusPending
	}
	if err := dbc.DB(r.db).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *buildJobRepo) GetByID(dbc dbctx.Context, id string) (*types.BuildJob, error) {
	if id == "" {
		return nil, nil
	}
	var job types.BuildJob
	err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

func (r *buildJobRepo) ListByStatus(dbc dbctx.Context, statuses []types.Status, limit int) ([]*types.BuildJob, error) {
	var out []*types.BuildJob
	if len(statuses) == 0 {
		return out, nil
	}
	q := dbc.DB(r.db).Where("status IN ?", statuses).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildJobRepo) ListByApp(dbc dbctx.Context, appID string, limit int) ([]*types.BuildJob, error) {
	var out []*types.BuildJob
	if appID == "" {
		return out, nil
	}
	q := dbc.DB(r.db).Where("app_id = ?", appID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *buildJobRepo) NextPending(dbc dbctx.Context) (*types.BuildJob, error) {
	var job types.BuildJob
	err := dbc.DB(r.db).
		Where("status = ?", types.StatusPending).
		Order("created_at ASC").
		Order("id ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Claim moves a job PENDING -> RUNNING iff it is still PENDING. Exactly one of
// any number of concurrent callers observes true.
func (r *buildJobRepo) Claim(dbc dbctx.Context, id string, token string) (bool, error) {
	if id == "" || token == "" {
		return false, nil
	}
	now := r.now().UTC()
	res := dbc.DB(r.db).
		Model(&types.BuildJob{}).
		Where("id = ? AND status = ?", id, types.StatusPending).
		Updates(map[string]interface{}{
			"status":      types.StatusRunning,
			"claim_token": token,
			"claimed_at":  now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *buildJobRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	if id == "" {
		return nil
	}
	updates = r.withUpdatedAt(updates)
	return dbc.DB(r.db).
		Model(&types.BuildJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *buildJobRepo) UpdateFieldsIfStatus(dbc dbctx.Context, id string, allowed []types.Status, updates map[string]interface{}) (bool, error) {
	if id == "" || len(allowed) == 0 {
		return false, nil
	}
	updates = r.withUpdatedAt(updates)
	q := dbc.DB(r.db).Model(&types.BuildJob{}).Where("id = ?", id)
	if len(allowed) == 1 {
		q = q.Where("status = ?", allowed[0])
	} else {
		q = q.Where("status IN ?", allowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *buildJobRepo) UpdateFieldsIfClaimed(dbc dbctx.Context, id string, token string, updates map[string]interface{}) (bool, error) {
	if id == "" || token == "" {
		return false, nil
	}
	updates = r.withUpdatedAt(updates)
	res := dbc.DB(r.db).
		Model(&types.BuildJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, types.StatusRunning, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AdvanceProgress only ever raises progress, and only while the job is BUILDING.
func (r *buildJobRepo) AdvanceProgress(dbc dbctx.Context, id string, progress int) (bool, error) {
	if id == "" {
		return false, nil
	}
	res := dbc.DB(r.db).
		Model(&types.BuildJob{}).
		Where("id = ? AND status = ? AND progress < ?", id, types.StatusBuilding, progress).
		Updates(map[string]interface{}{
			"progress":   progress,
			"updated_at": r.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *buildJobRepo) CountByUserSince(dbc dbctx.Context, userID string, since time.Time) (int64, error) {
	if userID == "" {
		return 0, nil
	}
	var count int64
	err := dbc.DB(r.db).
		Model(&types.BuildJob{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *buildJobRepo) withUpdatedAt(updates map[string]interface{}) map[string]interface{} {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = r.now().UTC()
	}
	return updates
}
