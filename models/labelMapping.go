package models

import (
	"context"
	"errors"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/gorm"
)

// LabelMapping is one external-label → internal-tag rule. Precedence between
// matching rules follows creation order (id asc).
type LabelMapping struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	ConnectionId     uint      `gorm:"not null;uniqueIndex:uniq_label_mapping,priority:1" json:"connection_id"`
	LabelName        string    `gorm:"size:255;not null;uniqueIndex:uniq_label_mapping,priority:2" json:"label_name"`
	TargetTagId      *uint     `json:"target_tag_id"`
	AutoSync         bool      `gorm:"default:true" json:"auto_sync"`
	SyncClosedIssues bool      `gorm:"default:false" json:"sync_closed_issues"`
	DefaultStatus    string    `gorm:"size:50" json:"default_status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListLabelMappings(ctx context.Context, connectionId uint) ([]LabelMapping, error) {
	var mappings []LabelMapping
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ?", connectionId).
		Order("id").
		Find(&mappings).Error
	return mappings, err
}

func CreateLabelMapping(ctx context.Context, mapping *LabelMapping) error {
	if mapping.LabelName == "" {
		return errors.New("label name is required")
	}
	return config.GetDB().WithContext(ctx).Create(mapping).Error
}

func UpdateLabelMapping(ctx context.Context, connectionId uint, id uint, updates map[string]interface{}) error {
	result := config.GetDB().WithContext(ctx).
		Model(&LabelMapping{}).
		Where("id = ? AND connection_id = ?", id, connectionId).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func DeleteLabelMapping(ctx context.Context, connectionId uint, id uint) error {
	result := config.GetDB().WithContext(ctx).
		Where("id = ? AND connection_id = ?", id, connectionId).
		Delete(&LabelMapping{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
