package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/gorm"
)

// WebhookPayloadLimit bounds stored payloads so a hostile or oversized delivery
// cannot bloat the audit table.
const WebhookPayloadLimit = 64 * 1024

var ErrDuplicateDelivery = errors.New("webhook delivery already recorded")

// WebhookEvent is the audit record of one inbound delivery. Immutable once
// processed_at is set.
type WebhookEvent struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	ConnectionId     uint       `gorm:"not null;uniqueIndex:uniq_webhook_dedup,priority:1" json:"connection_id"`
	DedupKey         string     `gorm:"size:128;not null;uniqueIndex:uniq_webhook_dedup,priority:2" json:"dedup_key"`
	EventType        string     `gorm:"size:50;not null" json:"event_type"`
	Action           string     `gorm:"size:50" json:"action"`
	DeliveryId       string     `gorm:"size:128" json:"delivery_id"`
	// Stored as an opaque blob: truncation can cut a payload mid-token,
	// which a json column would reject.
	Payload          []byte     `gorm:"type:mediumblob" json:"payload"`
	PayloadTruncated bool       `gorm:"default:false" json:"payload_truncated"`
	ProcessedAt      *time.Time `json:"processed_at"`
	Error            *string    `gorm:"type:text" json:"error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// CreateWebhookEvent persists a delivery record. Returns ErrDuplicateDelivery
// when the dedup key already exists for the connection; the unique index is the
// arbiter under concurrent replays.
func CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	if len(event.Payload) > WebhookPayloadLimit {
		event.Payload = event.Payload[:WebhookPayloadLimit]
		event.PayloadTruncated = true
	}
	err := config.GetDB().WithContext(ctx).Create(event).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateDelivery
	}
	return err
}

// FindProcessedWebhookEvent returns the processed event for a dedup key, or nil.
// Used for the idempotent-replay short-circuit before any side effect.
func FindProcessedWebhookEvent(ctx context.Context, connectionId uint, dedupKey string) (*WebhookEvent, error) {
	var event WebhookEvent
	err := config.GetDB().WithContext(ctx).
		Where("connection_id = ? AND dedup_key = ? AND processed_at IS NOT NULL", connectionId, dedupKey).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// MarkWebhookEventProcessed seals the event with its outcome. Ingestion is not
// rolled back on reconciliation failure; the record keeps the error for audit.
func MarkWebhookEventProcessed(ctx context.Context, eventId uint, processErr error) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at": now,
	}
	if processErr != nil {
		updates["error"] = processErr.Error()
	}
	return config.GetDB().WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("id = ?", eventId).
		Updates(updates).Error
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// MySQL 1062; the mysql driver error string is stable enough to match on.
	return strings.Contains(err.Error(), "Duplicate entry")
}
