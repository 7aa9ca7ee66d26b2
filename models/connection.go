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
	ConnectionStatusConnected = "connected"
	ConnectionStatusPending   = "pending"
	ConnectionStatusError     = "error"
)

const (
	SyncDirectionExternalFirst = "external_first"
	SyncDirectionInternalFirst = "internal_first"
	SyncDirectionBidirectional = "bidirectional"
	SyncDirectionNone          = "none"
)

const (
	ConflictPolicyExternalWins = "external_wins"
	ConflictPolicyInternalWins = "internal_wins"
)

const (
	LastSyncStatusIdle    = "idle"
	LastSyncStatusSyncing = "syncing"
	LastSyncStatusSuccess = "success"
	LastSyncStatusError   = "error"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSyncInProgress     = errors.New("a sync is already in progress for this connection")
	ErrNotConnected       = errors.New("github is not connected")
)

// Connection links one organization to exactly one GitHub repository.
type Connection struct {
	ID                  uint       `gorm:"primary_key" json:"id"`
	OrganizationId      string     `gorm:"size:64;not null;uniqueIndex:uniq_connection_org" json:"organization_id"`
	InstallationId      int64      `gorm:"not null" json:"installation_id"`
	RepositoryId        int64      `json:"repository_id"`
	RepositoryFullName  string     `gorm:"size:255" json:"repository_full_name"`
	Status              string     `gorm:"size:20;not null" json:"status"`
	SyncDirection       string     `gorm:"size:20;not null;default:external_first" json:"sync_direction"`
	TargetBranch        string     `gorm:"size:255" json:"target_branch"`
	AutoPublishReleases bool       `gorm:"default:false" json:"auto_publish_releases"`
	AutoSyncIssues      bool       `gorm:"default:true" json:"auto_sync_issues"`
	ConflictPolicy      string     `gorm:"size:20;not null;default:external_wins" json:"conflict_policy"`
	WebhookSecret       string     `gorm:"size:255" json:"-"`
	LastSyncAt          *time.Time `json:"last_sync_at"`
	LastSyncStatus      string     `gorm:"size:20;not null;default:idle" json:"last_sync_status"`
	LastSyncError       *string    `gorm:"type:text" json:"last_sync_error"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// InboundEnabled reports whether external changes may flow to canonical entities.
func (c *Connection) InboundEnabled() bool {
	return c.SyncDirection == SyncDirectionExternalFirst || c.SyncDirection == SyncDirectionBidirectional
}

// OutboundEnabled reports whether canonical changes may be pushed externally.
func (c *Connection) OutboundEnabled() bool {
	return c.SyncDirection == SyncDirectionInternalFirst || c.SyncDirection == SyncDirectionBidirectional
}

// GetConnection returns the organization's connection, or nil when none exists.
func GetConnection(ctx context.Context) (*Connection, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	var conn Connection
	err := config.GetDB().WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func GetConnectionByID(ctx context.Context, id uint) (*Connection, error) {
	var conn Connection
	err := config.GetDB().WithContext(ctx).
		Where("id = ?", id).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return &conn, nil
}

// FindConnectionByRepositoryId locates the connection a webhook delivery belongs to.
func FindConnectionByRepositoryId(ctx context.Context, repositoryId int64) (*Connection, error) {
	var conn Connection
	err := config.GetDB().WithContext(ctx).
		Where("repository_id = ?", repositoryId).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

type NewConnection struct {
	InstallationId     int64
	RepositoryId       int64
	RepositoryFullName string
	WebhookSecret      string
}

// ConnectGitHub creates or re-activates the organization's connection after a
// successful installation authorization. Repository may still be zero; the
// connection stays pending until one is chosen.
func ConnectGitHub(ctx context.Context, input *NewConnection) (*Connection, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	db := config.GetDB().WithContext(ctx)

	status := ConnectionStatusPending
	if input.RepositoryId != 0 {
		status = ConnectionStatusConnected
	}

	conn, err := GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		conn = &Connection{
			OrganizationId:     organizationId,
			InstallationId:     input.InstallationId,
			RepositoryId:       input.RepositoryId,
			RepositoryFullName: input.RepositoryFullName,
			Status:             status,
			SyncDirection:      SyncDirectionExternalFirst,
			ConflictPolicy:     ConflictPolicyExternalWins,
			WebhookSecret:      input.WebhookSecret,
			LastSyncStatus:     LastSyncStatusIdle,
		}
		if err := db.Create(conn).Error; err != nil {
			return nil, err
		}
		return conn, nil
	}

	updates := map[string]interface{}{
		"installation_id":      input.InstallationId,
		"repository_id":        input.RepositoryId,
		"repository_full_name": input.RepositoryFullName,
		"status":               status,
		"last_sync_error":      nil,
	}
	if input.WebhookSecret != "" {
		updates["webhook_secret"] = input.WebhookSecret
	}
	if err := db.Model(conn).Updates(updates).Error; err != nil {
		return nil, err
	}
	return GetConnection(ctx)
}

// ChangeRepository switches the connection to a different repository.
// Rejected while any job for this connection is still processing, since mirrors
// of the old repository would race with the new one.
func ChangeRepository(ctx context.Context, connectionId uint, repositoryId int64, repositoryFullName string) error {
	db := config.GetDB().WithContext(ctx)

	var processing int64
	if err := db.Model(&SyncJob{}).
		Where("connection_id = ? AND status = ?", connectionId, JobStatusProcessing).
		Count(&processing).Error; err != nil {
		return err
	}
	if processing > 0 {
		return ErrSyncInProgress
	}

	return db.Model(&Connection{}).
		Where("id = ?", connectionId).
		Updates(map[string]interface{}{
			"repository_id":        repositoryId,
			"repository_full_name": repositoryFullName,
			"status":               ConnectionStatusConnected,
			"last_sync_at":         nil,
			"last_sync_status":     LastSyncStatusIdle,
			"last_sync_error":      nil,
		}).Error
}

type SyncSettings struct {
	SyncDirection       string
	TargetBranch        string
	AutoPublishReleases bool
	AutoSyncIssues      bool
	ConflictPolicy      string
}

func UpdateSyncSettings(ctx context.Context, connectionId uint, settings SyncSettings) error {
	switch settings.SyncDirection {
	case SyncDirectionExternalFirst, SyncDirectionInternalFirst, SyncDirectionBidirectional, SyncDirectionNone:
	default:
		return errors.New("invalid sync direction")
	}
	switch settings.ConflictPolicy {
	case "":
		settings.ConflictPolicy = ConflictPolicyExternalWins
	case ConflictPolicyExternalWins, ConflictPolicyInternalWins:
	default:
		return errors.New("invalid conflict policy")
	}

	return config.GetDB().WithContext(ctx).
		Model(&Connection{}).
		Where("id = ?", connectionId).
		Updates(map[string]interface{}{
			"sync_direction":        settings.SyncDirection,
			"target_branch":         settings.TargetBranch,
			"auto_publish_releases": settings.AutoPublishReleases,
			"auto_sync_issues":      settings.AutoSyncIssues,
			"conflict_policy":       settings.ConflictPolicy,
		}).Error
}

// Disconnect soft-retires the connection. Mirrors are retained for audit but
// their canonical links are cleared.
func Disconnect(ctx context.Context, connectionId uint) error {
	db := config.GetDB().WithContext(ctx)

	if err := db.Model(&Connection{}).
		Where("id = ?", connectionId).
		Updates(map[string]interface{}{
			"status":           ConnectionStatusPending,
			"installation_id":  0,
			"webhook_secret":   "",
			"last_sync_status": LastSyncStatusIdle,
		}).Error; err != nil {
		return err
	}

	if err := db.Model(&ExternalRelease{}).
		Where("connection_id = ?", connectionId).
		Update("release_id", nil).Error; err != nil {
		return err
	}
	return db.Model(&ExternalIssue{}).
		Where("connection_id = ?", connectionId).
		Update("feedback_id", nil).Error
}

// BeginFullSync flips last_sync_status to syncing, failing with
// ErrSyncInProgress when another full sync already holds the flag. The
// conditional update makes the flag itself the mutual-exclusion primitive.
func BeginFullSync(ctx context.Context, connectionId uint) error {
	result := config.GetDB().WithContext(ctx).
		Model(&Connection{}).
		Where("id = ? AND last_sync_status <> ?", connectionId, LastSyncStatusSyncing).
		Update("last_sync_status", LastSyncStatusSyncing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSyncInProgress
	}
	return nil
}

// RecordSyncOutcome clears the syncing flag and records the outcome. Writing
// status=error with a message is the only way sync failures surface to callers.
func RecordSyncOutcome(ctx context.Context, connectionId uint, success bool, message string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"last_sync_at": now,
	}
	if success {
		updates["last_sync_status"] = LastSyncStatusSuccess
		updates["last_sync_error"] = nil
	} else {
		updates["last_sync_status"] = LastSyncStatusError
		updates["last_sync_error"] = message
	}
	return config.GetDB().WithContext(ctx).
		Model(&Connection{}).
		Where("id = ?", connectionId).
		Updates(updates).Error
}

// MarkConnectionAuthError records a credential failure. Not retried; the
// connection surfaces the error until the installation is re-authorized.
func MarkConnectionAuthError(ctx context.Context, connectionId uint, message string) error {
	return config.GetDB().WithContext(ctx).
		Model(&Connection{}).
		Where("id = ?", connectionId).
		Updates(map[string]interface{}{
			"status":           ConnectionStatusError,
			"last_sync_status": LastSyncStatusError,
			"last_sync_error":  message,
		}).Error
}
