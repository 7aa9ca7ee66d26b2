package githubsync

import (
	"context"
	"time"

	"github.com/damien-schneider/reflet-backend/models"
)

// BuildSyncStatus assembles the linkage picture shown on the integration
// settings page: how many mirrors have no canonical counterpart, how many
// canonical records have no mirror, and how many pairs are linked.
func BuildSyncStatus(ctx context.Context, connection *models.Connection) (*SyncStatusResponse, error) {
	releaseMirrors, err := models.ListExternalReleases(ctx, connection.ID)
	if err != nil {
		return nil, err
	}
	releases, err := models.ListReleases(ctx, connection.OrganizationId)
	if err != nil {
		return nil, err
	}

	issueMirrors, err := models.ListExternalIssues(ctx, connection.ID)
	if err != nil {
		return nil, err
	}
	feedback, err := models.ListFeedback(ctx, connection.OrganizationId)
	if err != nil {
		return nil, err
	}

	resp := &SyncStatusResponse{
		Connection: connectionResponse(connection),
	}

	linkedReleases := make(map[uint]bool)
	for _, mirror := range releaseMirrors {
		if mirror.ReleaseId != nil {
			linkedReleases[*mirror.ReleaseId] = true
			resp.Releases.Linked++
		} else {
			resp.Releases.MirrorsOnly++
		}
	}
	for _, release := range releases {
		if !linkedReleases[release.ID] {
			resp.Releases.CanonicalOnly++
		}
	}

	linkedFeedback := make(map[uint]bool)
	for _, mirror := range issueMirrors {
		if mirror.FeedbackId != nil {
			linkedFeedback[*mirror.FeedbackId] = true
			resp.Issues.Linked++
		} else {
			resp.Issues.MirrorsOnly++
		}
	}
	for _, item := range feedback {
		if !linkedFeedback[item.ID] {
			resp.Issues.CanonicalOnly++
		}
	}

	return resp, nil
}

func connectionResponse(connection *models.Connection) ConnectionResponse {
	resp := ConnectionResponse{
		ID:                  connection.ID,
		Status:              connection.Status,
		RepositoryId:        connection.RepositoryId,
		RepositoryFullName:  connection.RepositoryFullName,
		SyncDirection:       connection.SyncDirection,
		TargetBranch:        connection.TargetBranch,
		AutoPublishReleases: connection.AutoPublishReleases,
		AutoSyncIssues:      connection.AutoSyncIssues,
		ConflictPolicy:      connection.ConflictPolicy,
		LastSyncStatus:      connection.LastSyncStatus,
		LastSyncError:       connection.LastSyncError,
	}
	if connection.LastSyncAt != nil {
		formatted := connection.LastSyncAt.Format(time.RFC3339)
		resp.LastSyncAt = &formatted
	}
	return resp
}

func syncJobResponse(job *models.SyncJob) SyncJobResponse {
	resp := SyncJobResponse{
		ID:              job.ID,
		JobType:         job.JobType,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		ProcessedItems:  job.ProcessedItems,
		SuccessfulItems: job.SuccessfulItems,
		FailedItems:     job.FailedItems,
		LastError:       job.LastError,
	}
	if job.StartedAt != nil {
		formatted := job.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &formatted
	}
	if job.CompletedAt != nil {
		formatted := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &formatted
	}
	return resp
}
