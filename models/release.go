package models

import (
	"context"
	"errors"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"github.com/damien-schneider/reflet-backend/utils"
	"gorm.io/gorm"
)

const (
	ReleaseStatusDraft     = "draft"
	ReleaseStatusPublished = "published"
)

// Release is the canonical changelog entry. Ones created from GitHub keep
// SyncedFromExternal set so the UI can distinguish imported entries.
type Release struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	OrganizationId     string     `gorm:"size:64;not null;uniqueIndex:uniq_release_tag,priority:1" json:"organization_id"`
	Title              string     `gorm:"size:255;not null" json:"title"`
	Body               string     `gorm:"type:text" json:"body"`
	TagName            string     `gorm:"size:255;uniqueIndex:uniq_release_tag,priority:2" json:"tag_name"`
	Status             string     `gorm:"size:20;not null;default:draft" json:"status"`
	PublishedAt        *time.Time `json:"published_at"`
	SyncedFromExternal bool       `gorm:"not null;default:false" json:"synced_from_external"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetRelease(ctx context.Context, releaseId uint) (*Release, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	var release Release
	err := config.GetDB().WithContext(ctx).
		Where("id = ? AND organization_id = ?", releaseId, organizationId).
		Take(&release).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &release, nil
}

func GetReleaseByID(ctx context.Context, releaseId uint) (*Release, error) {
	var release Release
	err := config.GetDB().WithContext(ctx).
		Where("id = ?", releaseId).
		Take(&release).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &release, nil
}

// FindReleaseByTagName matches a canonical release candidate for linking an
// external one with the same tag. Returns nil, nil when there is none.
func FindReleaseByTagName(ctx context.Context, organizationId, tagName string) (*Release, error) {
	if tagName == "" {
		return nil, nil
	}
	var release Release
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ? AND tag_name = ?", organizationId, tagName).
		Take(&release).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &release, nil
}

func CreateRelease(ctx context.Context, release *Release) error {
	return config.GetDB().WithContext(ctx).Create(release).Error
}

// UpdateReleaseFields applies a partial field update coming out of conflict
// resolution. An empty map is a no-op.
func UpdateReleaseFields(ctx context.Context, releaseId uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).
		Model(&Release{}).
		Where("id = ?", releaseId).
		Updates(updates).Error
}

func ListReleases(ctx context.Context, organizationId string) ([]Release, error) {
	var releases []Release
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("id desc").
		Find(&releases).Error
	return releases, err
}

// ListPublishedReleasesSince feeds the outbound publish flow.
func ListPublishedReleasesSince(ctx context.Context, organizationId string, since *time.Time) ([]Release, error) {
	query := config.GetDB().WithContext(ctx).
		Where("organization_id = ? AND status = ?", organizationId, ReleaseStatusPublished)
	if since != nil {
		query = query.Where("updated_at > ?", *since)
	}
	var releases []Release
	err := query.Order("id").Find(&releases).Error
	return releases, err
}
