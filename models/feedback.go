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
	FeedbackStateOpen   = "open"
	FeedbackStateClosed = "closed"
)

// Feedback is the canonical user-feedback item that imported GitHub issues
// materialize into.
type Feedback struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	OrganizationId     string    `gorm:"size:64;not null;index" json:"organization_id"`
	Title              string    `gorm:"size:500;not null" json:"title"`
	Body               string    `gorm:"type:text" json:"body"`
	State              string    `gorm:"size:20;not null;default:open" json:"state"`
	Status             string    `gorm:"size:50" json:"status"`
	SyncedFromExternal bool      `gorm:"not null;default:false" json:"synced_from_external"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetFeedback(ctx context.Context, feedbackId uint) (*Feedback, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	var feedback Feedback
	err := config.GetDB().WithContext(ctx).
		Where("id = ? AND organization_id = ?", feedbackId, organizationId).
		Take(&feedback).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &feedback, nil
}

func GetFeedbackByID(ctx context.Context, feedbackId uint) (*Feedback, error) {
	var feedback Feedback
	err := config.GetDB().WithContext(ctx).
		Where("id = ?", feedbackId).
		Take(&feedback).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &feedback, nil
}

func CreateFeedback(ctx context.Context, feedback *Feedback) error {
	return config.GetDB().WithContext(ctx).Create(feedback).Error
}

// UpdateFeedbackFields applies a partial field update coming out of conflict
// resolution. An empty map is a no-op.
func UpdateFeedbackFields(ctx context.Context, feedbackId uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return config.GetDB().WithContext(ctx).
		Model(&Feedback{}).
		Where("id = ?", feedbackId).
		Updates(updates).Error
}

func ListFeedback(ctx context.Context, organizationId string) ([]Feedback, error) {
	var items []Feedback
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("id desc").
		Find(&items).Error
	return items, err
}

// ListUntaggedFeedback finds candidates for the auto-tagging job: feedback
// with no tag attached yet.
func ListUntaggedFeedback(ctx context.Context, organizationId string, limit int) ([]Feedback, error) {
	if limit <= 0 {
		limit = 200
	}
	var items []Feedback
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Where("id NOT IN (?)", config.GetDB().Model(&FeedbackTag{}).Select("feedback_id")).
		Order("id").
		Limit(limit).
		Find(&items).Error
	return items, err
}
