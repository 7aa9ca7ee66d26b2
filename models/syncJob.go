package models

import (
	"context"
	"errors"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/gorm"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	JobTypeReleaseSync = "release_sync"
	JobTypeIssueSync   = "issue_sync"
	JobTypeAutoTagging = "auto_tagging"
)

// JobErrorCap bounds the per-job error list. Past the cap a single synthetic
// row records the truncation and further failures only bump failed_items.
const JobErrorCap = 100

const jobErrorTruncatedMarker = "error_list_truncated"

var ErrJobNotCancellable = errors.New("job is already terminal")

// SyncJob is the generic progress-tracked batch operation, shared by bulk
// release/issue sync and AI auto-tagging. Completed means "finished running",
// not "fully successful"; callers inspect failed_items separately. Failed is
// reserved for the driver itself dying (credential loss, cancellation).
type SyncJob struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	OrganizationId  string     `gorm:"size:64;not null;index" json:"organization_id"`
	ConnectionId    uint       `gorm:"not null;index" json:"connection_id"`
	JobType         string     `gorm:"size:30;not null" json:"job_type"`
	Status          string     `gorm:"size:20;not null;index" json:"status"`
	TotalItems      int        `gorm:"not null" json:"total_items"`
	ProcessedItems  int        `gorm:"not null;default:0" json:"processed_items"`
	SuccessfulItems int        `gorm:"not null;default:0" json:"successful_items"`
	FailedItems     int        `gorm:"not null;default:0" json:"failed_items"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncJobError is one per-item failure inside a job. The batch never aborts on
// these; they exist so partial failure stays observable.
type SyncJobError struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	SyncJobId uint      `gorm:"not null;index" json:"sync_job_id"`
	ItemId    string    `gorm:"size:128" json:"item_id"`
	ErrorCode string    `gorm:"size:64" json:"error_code"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (j *SyncJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func CreateSyncJob(ctx context.Context, organizationId string, connectionId uint, jobType string, totalItems int) (*SyncJob, error) {
	job := &SyncJob{
		OrganizationId: organizationId,
		ConnectionId:   connectionId,
		JobType:        jobType,
		Status:         JobStatusPending,
		TotalItems:     totalItems,
	}
	if err := config.GetDB().WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func GetSyncJob(ctx context.Context, jobId uint) (*SyncJob, error) {
	var job SyncJob
	err := config.GetDB().WithContext(ctx).
		Where("id = ?", jobId).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func ListSyncJobs(ctx context.Context, connectionId uint, limit int) ([]SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var jobs []SyncJob
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ?", connectionId).
		Order("id desc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func ListSyncJobErrors(ctx context.Context, jobId uint) ([]SyncJobError, error) {
	var errs []SyncJobError
	err := config.GetDB().WithContext(ctx).
		Where("sync_job_id = ?", jobId).
		Order("id").
		Find(&errs).Error
	return errs, err
}

// StartJob moves pending → processing. A no-op re-delivery of an already
// started job is reported via the bool.
func StartJob(ctx context.Context, jobId uint) (bool, error) {
	now := time.Now()
	result := config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ? AND status = ?", jobId, JobStatusPending).
		Updates(map[string]interface{}{
			"status":     JobStatusProcessing,
			"started_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetJobTotal fixes the batch size once the item set is known.
func SetJobTotal(ctx context.Context, jobId uint, total int) error {
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ?", jobId).
		Update("total_items", total).Error
}

// UpdateJobProgress records incremental progress. The clamp runs inside the
// UPDATE itself, so counters only ever move forward even under concurrent
// writers; a stale writer cannot roll them back.
func UpdateJobProgress(ctx context.Context, jobId uint, processed, successful, failed int) error {
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ?", jobId).
		Updates(map[string]interface{}{
			"processed_items":  gorm.Expr("GREATEST(processed_items, ?)", processed),
			"successful_items": gorm.Expr("GREATEST(successful_items, ?)", successful),
			"failed_items":     gorm.Expr("GREATEST(failed_items, ?)", failed),
		}).Error
}

// CompleteJob seals a finished run. Completion is about having run to the end,
// regardless of how many items failed.
func CompleteJob(ctx context.Context, jobId uint, processed, successful, failed int) error {
	if err := UpdateJobProgress(ctx, jobId, processed, successful, failed); err != nil {
		return err
	}
	now := time.Now()
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ? AND status = ?", jobId, JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       JobStatusCompleted,
			"completed_at": now,
		}).Error
}

// FailJob marks a driver-level abort (auth loss, cancellation, crash).
func FailJob(ctx context.Context, jobId uint, message string) error {
	now := time.Now()
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ? AND status IN ?", jobId, []string{JobStatusPending, JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       JobStatusFailed,
			"last_error":   message,
			"completed_at": now,
		}).Error
}

// CancelSyncJob soft-cancels: the job flips to failed with a cancelled marker
// and the driver stops dispatching new items when it next checks.
func CancelSyncJob(ctx context.Context, jobId uint) error {
	result := config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ? AND status IN ?", jobId, []string{JobStatusPending, JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     JobStatusFailed,
			"last_error": "cancelled",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotCancellable
	}
	return nil
}

// JobCancelled is the between-items check used by batch drivers. In-flight
// item work is not interrupted.
func JobCancelled(ctx context.Context, jobId uint) bool {
	job, err := GetSyncJob(ctx, jobId)
	if err != nil || job == nil {
		return false
	}
	return job.Status == JobStatusFailed
}

// AppendJobError records one per-item failure, bounded by JobErrorCap.
func AppendJobError(ctx context.Context, jobId uint, itemId, code, message string) error {
	db := config.GetDB().WithContext(ctx)

	var count int64
	if err := db.Model(&SyncJobError{}).
		Where("sync_job_id = ?", jobId).
		Count(&count).Error; err != nil {
		return err
	}
	if count >= JobErrorCap {
		if count == JobErrorCap {
			// The cap row itself, written exactly once.
			return db.Create(&SyncJobError{
				SyncJobId: jobId,
				ErrorCode: jobErrorTruncatedMarker,
				Message:   "further per-item errors were dropped to bound storage",
			}).Error
		}
		return nil
	}
	return db.Create(&SyncJobError{
		SyncJobId: jobId,
		ItemId:    itemId,
		ErrorCode: code,
		Message:   message,
	}).Error
}
