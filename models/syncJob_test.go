package models

import (
	"context"
	"testing"

	"github.com/damien-schneider/reflet-backend/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NOTE: These tests run against an in-memory sqlite database so the
// forward-only counter clamp is exercised where it actually lives, inside the
// UPDATE statement.

func newJobTestDB(t *testing.T) {
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
	if err := db.AutoMigrate(&SyncJob{}, &SyncJobError{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(nil)
		sqlDB.Close()
	})
}

func TestUpdateJobProgress_ForwardOnly(t *testing.T) {
	newJobTestDB(t)
	ctx := context.Background()

	job, err := CreateSyncJob(ctx, "org-1", 1, JobTypeReleaseSync, 20)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := UpdateJobProgress(ctx, job.ID, 12, 8, 4); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, err := GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ProcessedItems != 12 || got.SuccessfulItems != 8 || got.FailedItems != 4 {
		t.Fatalf("forward progress must apply: got %d/%d/%d",
			got.ProcessedItems, got.SuccessfulItems, got.FailedItems)
	}
}

func TestUpdateJobProgress_StaleWriterCannotRollBack(t *testing.T) {
	newJobTestDB(t)
	ctx := context.Background()

	job, err := CreateSyncJob(ctx, "org-1", 1, JobTypeReleaseSync, 20)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := UpdateJobProgress(ctx, job.ID, 10, 7, 3); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// A lagging writer reports smaller counters after a fresher one landed.
	if err := UpdateJobProgress(ctx, job.ID, 5, 2, 1); err != nil {
		t.Fatalf("stale progress: %v", err)
	}
	got, err := GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ProcessedItems != 10 || got.SuccessfulItems != 7 || got.FailedItems != 3 {
		t.Fatalf("stale writer must not roll counters back: got %d/%d/%d",
			got.ProcessedItems, got.SuccessfulItems, got.FailedItems)
	}
}

func TestUpdateJobProgress_ClampsEachCounterIndependently(t *testing.T) {
	newJobTestDB(t)
	ctx := context.Background()

	job, err := CreateSyncJob(ctx, "org-1", 1, JobTypeIssueSync, 20)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := UpdateJobProgress(ctx, job.ID, 10, 7, 3); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// One counter moves forward while another lags.
	if err := UpdateJobProgress(ctx, job.ID, 15, 6, 3); err != nil {
		t.Fatalf("mixed progress: %v", err)
	}
	got, err := GetSyncJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.ProcessedItems != 15 || got.SuccessfulItems != 7 || got.FailedItems != 3 {
		t.Fatalf("independent clamping expected: got %d/%d/%d",
			got.ProcessedItems, got.SuccessfulItems, got.FailedItems)
	}
}

func TestSyncJobTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		JobStatusPending:    false,
		JobStatusProcessing: false,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
	} {
		job := SyncJob{Status: status}
		if job.Terminal() != want {
			t.Fatalf("Terminal() for %q = %v, want %v", status, job.Terminal(), want)
		}
	}
}
