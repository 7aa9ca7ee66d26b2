package githubsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/damien-schneider/reflet-backend/config"
	"github.com/damien-schneider/reflet-backend/models"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NOTE: These tests run the whole ingestion path against an in-memory sqlite
// database: gin handler, dedup, reconciliation and the rows it leaves behind.

func newSyncTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// A single connection keeps every session on the same :memory: database.
	sqlDB.SetMaxOpenConns(1)
	config.SetDB(db)
	models.MigrateTable()
	t.Cleanup(func() {
		config.SetDB(nil)
		sqlDB.Close()
	})
	return db
}

func newWebhookRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/github", HandleWebhook)
	return r
}

func seedConnection(t *testing.T, db *gorm.DB, secret string) *models.Connection {
	t.Helper()
	connection := &models.Connection{
		OrganizationId:      "org-1",
		InstallationId:      10,
		RepositoryId:        4242,
		RepositoryFullName:  "acme/widgets",
		Status:              models.ConnectionStatusConnected,
		SyncDirection:       models.SyncDirectionExternalFirst,
		AutoPublishReleases: true,
		AutoSyncIssues:      true,
		ConflictPolicy:      models.ConflictPolicyExternalWins,
		LastSyncStatus:      models.LastSyncStatusIdle,
		WebhookSecret:       secret,
	}
	if err := db.Create(connection).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return connection
}

func postWebhook(r *gin.Engine, event, delivery string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var releasePublishedBody = []byte(`{
	"action": "published",
	"repository": {"id": 4242},
	"release": {
		"id": 99,
		"tag_name": "v1.2.0",
		"name": "Widgets 1.2",
		"body": "notes",
		"draft": false,
		"prerelease": false,
		"created_at": "2026-06-01T10:00:00Z",
		"published_at": "2026-06-01T12:00:00Z"
	}
}`)

func TestHandleWebhook_ReleasePublishedCreatesLinkedPair(t *testing.T) {
	db := newSyncTestDB(t)
	connection := seedConnection(t, db, "")
	r := newWebhookRouter()

	if w := postWebhook(r, "release", "delivery-1", releasePublishedBody, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	ctx := context.Background()
	mirror, err := models.GetExternalRelease(ctx, connection.ID, 99)
	if err != nil || mirror == nil {
		t.Fatalf("expected one mirror, got %v (%v)", mirror, err)
	}
	if mirror.TagName != "v1.2.0" || mirror.ReleaseId == nil {
		t.Fatalf("mirror not linked: %+v", mirror)
	}

	canonical, err := models.FindReleaseByTagName(ctx, connection.OrganizationId, "v1.2.0")
	if err != nil || canonical == nil {
		t.Fatalf("expected one canonical release, got %v (%v)", canonical, err)
	}
	if !canonical.SyncedFromExternal {
		t.Fatal("canonical release must carry the synced_from_external marker")
	}
	if canonical.Status != models.ReleaseStatusPublished {
		t.Fatalf("auto-publish should publish the canonical release, got %q", canonical.Status)
	}
	if *mirror.ReleaseId != canonical.ID {
		t.Fatalf("mirror links release %d, canonical is %d", *mirror.ReleaseId, canonical.ID)
	}
}

func TestHandleWebhook_ReplayCreatesNothing(t *testing.T) {
	db := newSyncTestDB(t)
	seedConnection(t, db, "")
	r := newWebhookRouter()

	if w := postWebhook(r, "release", "delivery-1", releasePublishedBody, ""); w.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d", w.Code)
	}
	if w := postWebhook(r, "release", "delivery-1", releasePublishedBody, ""); w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w.Code)
	}

	var mirrors, releases, events int64
	db.Model(&models.ExternalRelease{}).Count(&mirrors)
	db.Model(&models.Release{}).Count(&releases)
	db.Model(&models.WebhookEvent{}).Count(&events)
	if mirrors != 1 || releases != 1 || events != 1 {
		t.Fatalf("replay must be a no-op: mirrors=%d releases=%d events=%d", mirrors, releases, events)
	}
}

func TestHandleWebhook_BadSignatureRejectedButRecorded(t *testing.T) {
	db := newSyncTestDB(t)
	seedConnection(t, db, "s3cret")
	r := newWebhookRouter()

	w := postWebhook(r, "release", "delivery-1", releasePublishedBody, "sha256=deadbeef")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// The rejected delivery is still on the audit trail, sealed with its
	// error, and produced no entities.
	var event models.WebhookEvent
	if err := db.Take(&event).Error; err != nil {
		t.Fatalf("expected one recorded event: %v", err)
	}
	if event.ProcessedAt == nil || event.Error == nil {
		t.Fatalf("rejected event must be sealed with an error: %+v", event)
	}
	if event.DeliveryId != "delivery-1" {
		t.Fatalf("unexpected delivery id %q", event.DeliveryId)
	}

	var mirrors int64
	db.Model(&models.ExternalRelease{}).Count(&mirrors)
	if mirrors != 0 {
		t.Fatalf("rejected delivery must not reconcile, got %d mirrors", mirrors)
	}
}

func TestHandleWebhook_OversizedPayloadTruncatedNotDropped(t *testing.T) {
	db := newSyncTestDB(t)
	seedConnection(t, db, "")
	r := newWebhookRouter()

	big := bytes.Repeat([]byte("a"), models.WebhookPayloadLimit+500)
	body := []byte(fmt.Sprintf(`{
		"action": "published",
		"repository": {"id": 4242},
		"release": {
			"id": 100,
			"tag_name": "v9.9.9",
			"body": %q,
			"created_at": "2026-06-01T10:00:00Z"
		}
	}`, big))

	if w := postWebhook(r, "release", "delivery-big", body, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var event models.WebhookEvent
	if err := db.Take(&event).Error; err != nil {
		t.Fatalf("expected one recorded event: %v", err)
	}
	if !event.PayloadTruncated {
		t.Fatal("oversized payload must be stored truncated")
	}
	if len(event.Payload) != models.WebhookPayloadLimit {
		t.Fatalf("expected payload cut at the limit, got %d bytes", len(event.Payload))
	}
}

func TestGetConnectionByID_NotFound(t *testing.T) {
	newSyncTestDB(t)

	connection, err := models.GetConnectionByID(context.Background(), 424242)
	if !errors.Is(err, models.ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v (%v)", err, connection)
	}
}
