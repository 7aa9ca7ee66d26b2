package models

import (
	"context"
	"errors"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tag is an org-scoped feedback tag. Label mappings and the auto-tagger both
// point feedback at these.
type Tag struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;not null;uniqueIndex:uniq_tag_name,priority:1" json:"organization_id"`
	Name           string    `gorm:"size:100;not null;uniqueIndex:uniq_tag_name,priority:2" json:"name"`
	Color          string    `gorm:"size:20" json:"color"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FeedbackTag is the feedback↔tag join. Attaching is idempotent.
type FeedbackTag struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	FeedbackId uint      `gorm:"not null;uniqueIndex:uniq_feedback_tag,priority:1" json:"feedback_id"`
	TagId      uint      `gorm:"not null;uniqueIndex:uniq_feedback_tag,priority:2" json:"tag_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetTagByID(ctx context.Context, tagId uint) (*Tag, error) {
	var tag Tag
	err := config.GetDB().WithContext(ctx).
		Where("id = ?", tagId).
		Take(&tag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tag, nil
}

func FindTagByName(ctx context.Context, organizationId, name string) (*Tag, error) {
	var tag Tag
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ? AND name = ?", organizationId, name).
		Take(&tag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tag, nil
}

// GetOrCreateTag resolves a tag by name, creating it on first use. Racing
// creators converge on one row via the unique index.
func GetOrCreateTag(ctx context.Context, organizationId, name string) (*Tag, error) {
	tag, err := FindTagByName(ctx, organizationId, name)
	if err != nil {
		return nil, err
	}
	if tag != nil {
		return tag, nil
	}
	tag = &Tag{OrganizationId: organizationId, Name: name}
	err = config.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(tag).Error
	if err != nil {
		return nil, err
	}
	if tag.ID == 0 {
		// Lost the race; reload the winner's row.
		return FindTagByName(ctx, organizationId, name)
	}
	return tag, nil
}

// AttachTagToFeedback links a tag; repeated attachment is a no-op.
func AttachTagToFeedback(ctx context.Context, feedbackId, tagId uint) error {
	return config.GetDB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&FeedbackTag{FeedbackId: feedbackId, TagId: tagId}).Error
}

func ListTags(ctx context.Context, organizationId string) ([]Tag, error) {
	var tags []Tag
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("name").
		Find(&tags).Error
	return tags, err
}

func ListFeedbackTags(ctx context.Context, feedbackId uint) ([]Tag, error) {
	var tags []Tag
	err := config.GetDB().WithContext(ctx).
		Joins("JOIN feedback_tags ON feedback_tags.tag_id = tags.id").
		Where("feedback_tags.feedback_id = ?", feedbackId).
		Find(&tags).Error
	return tags, err
}
