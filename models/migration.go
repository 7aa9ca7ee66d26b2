package models

import (
	"log"

	"github.com/damien-schneider/reflet-backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Connection{},
		&ExternalRelease{}, &ExternalIssue{},
		&LabelMapping{},
		&Release{}, &Feedback{}, &Tag{}, &FeedbackTag{},
		&SyncJob{}, &SyncJobError{},
		&WebhookEvent{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
