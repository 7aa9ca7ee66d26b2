package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/gorm"
)

// ExternalIssue is the locally-cached copy of a GitHub issue, optionally linked
// to a canonical feedback item. Written only by the reconciler.
type ExternalIssue struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	ConnectionId       uint       `gorm:"not null;uniqueIndex:uniq_ext_issue,priority:1" json:"connection_id"`
	ExternalIssueId    int64      `gorm:"not null;uniqueIndex:uniq_ext_issue,priority:2" json:"external_issue_id"`
	Number             int        `gorm:"not null" json:"number"`
	Title              string     `gorm:"size:512;not null" json:"title"`
	Body               string     `gorm:"type:text" json:"body"`
	State              string     `gorm:"size:20;not null" json:"state"`
	LabelsJSON         []byte     `gorm:"type:json" json:"labels"`
	ExternalUpdatedAt  time.Time  `json:"external_updated_at"`
	FeedbackId         *uint      `gorm:"uniqueIndex:uniq_ext_issue_link" json:"feedback_id"`
	LastSyncedAt       time.Time  `json:"last_synced_at"`
	LockVersion        int        `gorm:"not null;default:0" json:"lock_version"`
	LastConflictAt     *time.Time `json:"last_conflict_at"`
	LastConflictFields string     `gorm:"size:255" json:"last_conflict_fields"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *ExternalIssue) Labels() []string {
	return DecodeLabels(i.LabelsJSON)
}

func DecodeLabels(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil
	}
	return labels
}

func EncodeLabels(labels []string) []byte {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return b
}

func GetExternalIssue(ctx context.Context, connectionId uint, externalIssueId int64) (*ExternalIssue, error) {
	var mirror ExternalIssue
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ? AND external_issue_id = ?", connectionId, externalIssueId).
		Take(&mirror).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mirror, nil
}

func CreateExternalIssue(ctx context.Context, mirror *ExternalIssue) error {
	mirror.LastSyncedAt = time.Now()
	return config.GetDB().WithContext(ctx).Create(mirror).Error
}

// UpdateExternalIssue applies updates guarded by lock_version, same contract
// as UpdateExternalRelease.
func UpdateExternalIssue(ctx context.Context, mirror *ExternalIssue, updates map[string]interface{}) error {
	updates["lock_version"] = mirror.LockVersion + 1
	updates["last_synced_at"] = time.Now()
	result := config.GetDB().WithContext(ctx).
		Model(&ExternalIssue{}).
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

func RecordIssueConflict(ctx context.Context, mirrorId uint, fields string) error {
	now := time.Now()
	return config.GetDB().WithContext(ctx).
		Model(&ExternalIssue{}).
		Where("id = ?", mirrorId).
		Updates(map[string]interface{}{
			"last_conflict_at":     now,
			"last_conflict_fields": fields,
		}).Error
}

func ListExternalIssues(ctx context.Context, connectionId uint) ([]ExternalIssue, error) {
	var mirrors []ExternalIssue
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ?", connectionId).
		Order("id").
		Find(&mirrors).Error
	return mirrors, err
}
