package models

import (
	"context"
	"errors"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/gorm"
)

// ErrStaleMirror is returned by the optimistic mirror updates when another
// writer bumped lock_version first. Callers re-read and retry once.
var ErrStaleMirror = errors.New("mirror row was modified concurrently")

// ExternalRelease is the locally-cached copy of a GitHub release. Mirrors are
// written only by the reconciler, never by user edits; the stored fields are
// the external values as of last_synced_at and double as the change-detection
// snapshot.
type ExternalRelease struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	ConnectionId       uint       `gorm:"not null;uniqueIndex:uniq_ext_release,priority:1" json:"connection_id"`
	ExternalReleaseId  int64      `gorm:"not null;uniqueIndex:uniq_ext_release,priority:2" json:"external_release_id"`
	TagName            string     `gorm:"size:255;not null" json:"tag_name"`
	Name               string     `gorm:"size:255" json:"name"`
	Body               string     `gorm:"type:text" json:"body"`
	Draft              bool       `gorm:"default:false" json:"draft"`
	Prerelease         bool       `gorm:"default:false" json:"prerelease"`
	PublishedAt        *time.Time `json:"published_at"`
	ExternalUpdatedAt  time.Time  `json:"external_updated_at"`
	ReleaseId          *uint      `gorm:"uniqueIndex:uniq_ext_release_link" json:"release_id"`
	LastSyncedAt       time.Time  `json:"last_synced_at"`
	LockVersion        int        `gorm:"not null;default:0" json:"lock_version"`
	LastConflictAt     *time.Time `json:"last_conflict_at"`
	LastConflictFields string     `gorm:"size:255" json:"last_conflict_fields"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetExternalRelease(ctx context.Context, connectionId uint, externalReleaseId int64) (*ExternalRelease, error) {
	var mirror ExternalRelease
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ? AND external_release_id = ?", connectionId, externalReleaseId).
		Take(&mirror).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mirror, nil
}

func GetExternalReleaseByCanonical(ctx context.Context, connectionId uint, releaseId uint) (*ExternalRelease, error) {
	var mirror ExternalRelease
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ? AND release_id = ?", connectionId, releaseId).
		Take(&mirror).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mirror, nil
}

func CreateExternalRelease(ctx context.Context, mirror *ExternalRelease) error {
	mirror.LastSyncedAt = time.Now()
	return config.GetDB().WithContext(ctx).Create(mirror).Error
}

// UpdateExternalRelease applies updates guarded by the mirror's lock_version.
// A webhook-triggered sync racing a manual sync loses here instead of silently
// overwriting; the loser re-reads and retries once.
func UpdateExternalRelease(ctx context.Context, mirror *ExternalRelease, updates map[string]interface{}) error {
	updates["lock_version"] = mirror.LockVersion + 1
	updates["last_synced_at"] = time.Now()
	result := config.GetDB().WithContext(ctx).
		Model(&ExternalRelease{}).
		Where("id = ? AND lock_version = ?", mirror.ID, mirror.LockVersion).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleMirror
	}
	return nil
}

// RecordReleaseConflict notes that locally-modified canonical fields were
// preserved over an external change. Routine, not a failure.
func RecordReleaseConflict(ctx context.Context, mirrorId uint, fields string) error {
	now := time.Now()
	return config.GetDB().WithContext(ctx).
		Model(&ExternalRelease{}).
		Where("id = ?", mirrorId).
		Updates(map[string]interface{}{
			"last_conflict_at":     now,
			"last_conflict_fields": fields,
		}).Error
}

func ListExternalReleases(ctx context.Context, connectionId uint) ([]ExternalRelease, error) {
	var mirrors []ExternalRelease
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ?", connectionId).
		Order("id").
		Find(&mirrors).Error
	return mirrors, err
}
