package githubsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"github.com/damien-schneider/reflet-backend/models"
	"github.com/damien-schneider/reflet-backend/utils"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
)

// releaseData is the normalized external release shape, shared by the full
// sync (API fetch) and the webhook path (payload decode).
type releaseData struct {
	ExternalReleaseId int64
	TagName           string
	Name              string
	Body              string
	Draft             bool
	Prerelease        bool
	PublishedAt       *time.Time
	ExternalUpdatedAt time.Time
}

type issueData struct {
	ExternalIssueId   int64
	Number            int
	Title             string
	Body              string
	State             string
	Labels            []string
	ExternalUpdatedAt time.Time
}

// releaseDataFromGitHub normalizes an API or webhook release. Releases carry
// no updated_at, so the later of created_at and published_at stands in as the
// revision marker.
func releaseDataFromGitHub(ext *github.RepositoryRelease) releaseData {
	data := releaseData{
		ExternalReleaseId: ext.GetID(),
		TagName:           ext.GetTagName(),
		Name:              ext.GetName(),
		Body:              ext.GetBody(),
		Draft:             ext.GetDraft(),
		Prerelease:        ext.GetPrerelease(),
		ExternalUpdatedAt: ext.GetCreatedAt().Time,
	}
	if ext.PublishedAt != nil {
		t := ext.PublishedAt.Time
		data.PublishedAt = &t
		if t.After(data.ExternalUpdatedAt) {
			data.ExternalUpdatedAt = t
		}
	}
	return data
}

func issueDataFromGitHub(issue *github.Issue) issueData {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return issueData{
		ExternalIssueId:   issue.GetID(),
		Number:            issue.GetNumber(),
		Title:             issue.GetTitle(),
		Body:              issue.GetBody(),
		State:             issue.GetState(),
		Labels:            labels,
		ExternalUpdatedAt: issue.GetUpdatedAt().Time,
	}
}

// locallyModified reports whether the canonical side changed since the last
// sync. Ties resolve toward the external side by default; internal_wins
// treats an equal timestamp as a local edit.
func locallyModified(canonicalUpdatedAt, lastSyncedAt time.Time, conflictPolicy string) bool {
	if conflictPolicy == models.ConflictPolicyInternalWins {
		return !canonicalUpdatedAt.Before(lastSyncedAt)
	}
	return canonicalUpdatedAt.After(lastSyncedAt)
}

// resolveFieldUpdates computes the canonical-side field writes for an inbound
// change. ext holds the incoming values, snapshot the mirror's last-synced
// values, canonical the current local values. Fields the external side did
// not touch are skipped; when the record was locally modified, only fields
// the local side left at the snapshot value are overwritten and the rest are
// preserved and reported.
func resolveFieldUpdates(ext, snapshot, canonical map[string]string, recordModified bool) (map[string]string, []string) {
	apply := make(map[string]string)
	var preserved []string
	for field, extValue := range ext {
		if extValue == snapshot[field] {
			continue
		}
		if !recordModified || canonical[field] == snapshot[field] {
			apply[field] = extValue
			continue
		}
		preserved = append(preserved, field)
	}
	sort.Strings(preserved)
	return apply, preserved
}

// ReconcileRelease runs the inbound algorithm for one external release.
// Mirror writes always happen; canonical-side effects only when the
// connection's direction permits inbound flow.
func ReconcileRelease(ctx context.Context, connection *models.Connection, ext releaseData) error {
	logger := config.GetLogger()

	mirror, err := models.GetExternalRelease(ctx, connection.ID, ext.ExternalReleaseId)
	if err != nil {
		return err
	}

	if mirror == nil {
		return createReleaseMirror(ctx, connection, ext)
	}

	if !ext.ExternalUpdatedAt.After(mirror.ExternalUpdatedAt) {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = applyReleaseChange(ctx, connection, mirror, ext)
		if !errors.Is(err, models.ErrStaleMirror) {
			return err
		}
		// Lost the optimistic race; reload and try once more.
		mirror, err = models.GetExternalRelease(ctx, connection.ID, ext.ExternalReleaseId)
		if err != nil {
			return err
		}
		if mirror == nil || !ext.ExternalUpdatedAt.After(mirror.ExternalUpdatedAt) {
			return nil
		}
	}

	logger.WithFields(logrus.Fields{
		"connectionId":      connection.ID,
		"externalReleaseId": ext.ExternalReleaseId,
	}).Warn("release mirror stayed stale after retry; recording conflict")
	return models.RecordReleaseConflict(ctx, mirror.ID, "lock_version")
}

func createReleaseMirror(ctx context.Context, connection *models.Connection, ext releaseData) error {
	mirror := &models.ExternalRelease{
		ConnectionId:      connection.ID,
		ExternalReleaseId: ext.ExternalReleaseId,
		TagName:           ext.TagName,
		Name:              ext.Name,
		Body:              ext.Body,
		Draft:             ext.Draft,
		Prerelease:        ext.Prerelease,
		PublishedAt:       ext.PublishedAt,
		ExternalUpdatedAt: ext.ExternalUpdatedAt,
	}

	if connection.InboundEnabled() {
		canonical, err := models.FindReleaseByTagName(ctx, connection.OrganizationId, ext.TagName)
		if err != nil {
			return err
		}
		if canonical == nil {
			status := models.ReleaseStatusDraft
			var publishedAt *time.Time
			if connection.AutoPublishReleases && !ext.Draft {
				status = models.ReleaseStatusPublished
				publishedAt = ext.PublishedAt
			}
			canonical = &models.Release{
				OrganizationId:     connection.OrganizationId,
				Title:              releaseTitle(ext),
				Body:               ext.Body,
				TagName:            ext.TagName,
				Status:             status,
				PublishedAt:        publishedAt,
				SyncedFromExternal: true,
			}
			if err := models.CreateRelease(ctx, canonical); err != nil {
				return err
			}
		}
		mirror.ReleaseId = &canonical.ID
	}

	return models.CreateExternalRelease(ctx, mirror)
}

func applyReleaseChange(ctx context.Context, connection *models.Connection, mirror *models.ExternalRelease, ext releaseData) error {
	if connection.InboundEnabled() && mirror.ReleaseId != nil {
		canonical, err := models.GetReleaseByID(ctx, *mirror.ReleaseId)
		if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
			return err
		}
		if canonical != nil {
			modified := locallyModified(canonical.UpdatedAt, mirror.LastSyncedAt, connection.ConflictPolicy)
			apply, preserved := resolveFieldUpdates(
				map[string]string{"title": releaseTitle(ext), "body": ext.Body},
				map[string]string{"title": releaseTitle(mirrorReleaseData(mirror)), "body": mirror.Body},
				map[string]string{"title": canonical.Title, "body": canonical.Body},
				modified,
			)
			updates := make(map[string]interface{}, len(apply))
			for field, value := range apply {
				updates[field] = value
			}
			if err := models.UpdateReleaseFields(ctx, canonical.ID, updates); err != nil {
				return err
			}
			if len(preserved) > 0 {
				if err := models.RecordReleaseConflict(ctx, mirror.ID, strings.Join(preserved, ",")); err != nil {
					return err
				}
				config.GetLogger().WithFields(logrus.Fields{
					"connectionId": connection.ID,
					"releaseId":    canonical.ID,
					"fields":       preserved,
				}).Info("preserved locally modified release fields")
			}
		}
	}

	return models.UpdateExternalRelease(ctx, mirror, map[string]interface{}{
		"tag_name":            ext.TagName,
		"name":                ext.Name,
		"body":                ext.Body,
		"draft":               ext.Draft,
		"prerelease":          ext.Prerelease,
		"published_at":        ext.PublishedAt,
		"external_updated_at": ext.ExternalUpdatedAt,
	})
}

func mirrorReleaseData(mirror *models.ExternalRelease) releaseData {
	return releaseData{
		TagName: mirror.TagName,
		Name:    mirror.Name,
	}
}

func releaseTitle(ext releaseData) string {
	if ext.Name != "" {
		return ext.Name
	}
	return ext.TagName
}

// ReconcileIssue runs the inbound algorithm for one external issue. Labels go
// through the mapper before any canonical write.
func ReconcileIssue(ctx context.Context, connection *models.Connection, ext issueData, mappings []models.LabelMapping) error {
	mirror, err := models.GetExternalIssue(ctx, connection.ID, ext.ExternalIssueId)
	if err != nil {
		return err
	}

	decision := ResolveLabels(ext.Labels, mappings, ext.State == models.FeedbackStateClosed)

	if mirror == nil {
		return createIssueMirror(ctx, connection, ext, decision)
	}

	if !ext.ExternalUpdatedAt.After(mirror.ExternalUpdatedAt) {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = applyIssueChange(ctx, connection, mirror, ext, decision)
		if !errors.Is(err, models.ErrStaleMirror) {
			return err
		}
		mirror, err = models.GetExternalIssue(ctx, connection.ID, ext.ExternalIssueId)
		if err != nil {
			return err
		}
		if mirror == nil || !ext.ExternalUpdatedAt.After(mirror.ExternalUpdatedAt) {
			return nil
		}
	}

	config.GetLogger().WithFields(logrus.Fields{
		"connectionId":    connection.ID,
		"externalIssueId": ext.ExternalIssueId,
	}).Warn("issue mirror stayed stale after retry; recording conflict")
	return models.RecordIssueConflict(ctx, mirror.ID, "lock_version")
}

func createIssueMirror(ctx context.Context, connection *models.Connection, ext issueData, decision LabelDecision) error {
	mirror := &models.ExternalIssue{
		ConnectionId:      connection.ID,
		ExternalIssueId:   ext.ExternalIssueId,
		Number:            ext.Number,
		Title:             ext.Title,
		Body:              ext.Body,
		State:             ext.State,
		LabelsJSON:        models.EncodeLabels(ext.Labels),
		ExternalUpdatedAt: ext.ExternalUpdatedAt,
	}

	if connection.InboundEnabled() && connection.AutoSyncIssues && decision.ShouldSync {
		feedback := &models.Feedback{
			OrganizationId:     connection.OrganizationId,
			Title:              ext.Title,
			Body:               ext.Body,
			State:              ext.State,
			Status:             decision.DefaultStatus,
			SyncedFromExternal: true,
		}
		if err := models.CreateFeedback(ctx, feedback); err != nil {
			return err
		}
		for _, tagId := range decision.TagIds {
			if err := models.AttachTagToFeedback(ctx, feedback.ID, tagId); err != nil {
				return err
			}
		}
		mirror.FeedbackId = &feedback.ID
	}

	return models.CreateExternalIssue(ctx, mirror)
}

func applyIssueChange(ctx context.Context, connection *models.Connection, mirror *models.ExternalIssue, ext issueData, decision LabelDecision) error {
	if connection.InboundEnabled() && mirror.FeedbackId != nil {
		feedback, err := models.GetFeedbackByID(ctx, *mirror.FeedbackId)
		if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
			return err
		}
		if feedback != nil {
			modified := locallyModified(feedback.UpdatedAt, mirror.LastSyncedAt, connection.ConflictPolicy)
			apply, preserved := resolveFieldUpdates(
				map[string]string{"title": ext.Title, "body": ext.Body, "state": ext.State},
				map[string]string{"title": mirror.Title, "body": mirror.Body, "state": mirror.State},
				map[string]string{"title": feedback.Title, "body": feedback.Body, "state": feedback.State},
				modified,
			)
			updates := make(map[string]interface{}, len(apply))
			for field, value := range apply {
				updates[field] = value
			}
			if err := models.UpdateFeedbackFields(ctx, feedback.ID, updates); err != nil {
				return err
			}
			if len(preserved) > 0 {
				if err := models.RecordIssueConflict(ctx, mirror.ID, strings.Join(preserved, ",")); err != nil {
					return err
				}
				config.GetLogger().WithFields(logrus.Fields{
					"connectionId": connection.ID,
					"feedbackId":   feedback.ID,
					"fields":       preserved,
				}).Info("preserved locally modified feedback fields")
			}
			for _, tagId := range decision.TagIds {
				if err := models.AttachTagToFeedback(ctx, feedback.ID, tagId); err != nil {
					return err
				}
			}
		}
	}

	return models.UpdateExternalIssue(ctx, mirror, map[string]interface{}{
		"number":              ext.Number,
		"title":               ext.Title,
		"body":                ext.Body,
		"state":               ext.State,
		"labels_json":         models.EncodeLabels(ext.Labels),
		"external_updated_at": ext.ExternalUpdatedAt,
	})
}

// PushCanonicalRelease is the outbound path: publish or update one canonical
// release on the external side, creating or refreshing its mirror.
func PushCanonicalRelease(ctx context.Context, connection *models.Connection, releaseId uint) error {
	if !connection.OutboundEnabled() {
		return errors.New("connection direction does not permit outbound sync")
	}
	client, err := newInstallationClient(ctx, connection.InstallationId, connection.RepositoryFullName)
	if err != nil {
		return err
	}
	return pushCanonicalRelease(ctx, connection, client, releaseId)
}

func pushCanonicalRelease(ctx context.Context, connection *models.Connection, client *githubClient, releaseId uint) error {
	release, err := models.GetReleaseByID(ctx, releaseId)
	if err != nil {
		return err
	}
	if release.OrganizationId != connection.OrganizationId {
		return utils.ErrorRecordNotFound
	}

	mirror, err := models.GetExternalReleaseByCanonical(ctx, connection.ID, release.ID)
	if err != nil {
		return err
	}

	body := release.Body
	if body == "" && mirror == nil {
		// A release pushed without notes gets a body seeded from the
		// commits since the previous tag.
		seeded, err := buildReleaseNotes(ctx, client, connection, release.TagName)
		if err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"connectionId": connection.ID,
				"tagName":      release.TagName,
			}).WithError(err).Warn("could not seed release notes")
		} else {
			body = seeded
		}
	}

	payload := &github.RepositoryRelease{
		TagName: github.String(release.TagName),
		Name:    github.String(release.Title),
		Body:    github.String(body),
		Draft:   github.Bool(release.Status != models.ReleaseStatusPublished),
	}
	if connection.TargetBranch != "" {
		payload.TargetCommitish = github.String(connection.TargetBranch)
	}

	if mirror == nil {
		created, err := client.CreateRelease(ctx, payload)
		if err != nil {
			return err
		}
		ext := releaseDataFromGitHub(created)
		newMirror := &models.ExternalRelease{
			ConnectionId:      connection.ID,
			ExternalReleaseId: ext.ExternalReleaseId,
			TagName:           ext.TagName,
			Name:              ext.Name,
			Body:              ext.Body,
			Draft:             ext.Draft,
			Prerelease:        ext.Prerelease,
			PublishedAt:       ext.PublishedAt,
			ExternalUpdatedAt: ext.ExternalUpdatedAt,
			ReleaseId:         &release.ID,
		}
		return models.CreateExternalRelease(ctx, newMirror)
	}

	edited, err := client.EditRelease(ctx, mirror.ExternalReleaseId, payload)
	if err != nil {
		return err
	}
	ext := releaseDataFromGitHub(edited)
	return models.UpdateExternalRelease(ctx, mirror, map[string]interface{}{
		"tag_name":            ext.TagName,
		"name":                ext.Name,
		"body":                ext.Body,
		"draft":               ext.Draft,
		"prerelease":          ext.Prerelease,
		"published_at":        ext.PublishedAt,
		"external_updated_at": ext.ExternalUpdatedAt,
	})
}

// ImportExternalRelease links or creates the canonical counterpart for one
// already-mirrored release, regardless of sync direction. Used by the manual
// import action.
func ImportExternalRelease(ctx context.Context, connection *models.Connection, externalReleaseId int64, autoPublish bool) (*models.Release, error) {
	mirror, err := models.GetExternalRelease(ctx, connection.ID, externalReleaseId)
	if err != nil {
		return nil, err
	}
	if mirror == nil {
		return nil, utils.ErrorRecordNotFound
	}
	if mirror.ReleaseId != nil {
		return models.GetReleaseByID(ctx, *mirror.ReleaseId)
	}

	canonical, err := models.FindReleaseByTagName(ctx, connection.OrganizationId, mirror.TagName)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		status := models.ReleaseStatusDraft
		var publishedAt *time.Time
		if autoPublish && !mirror.Draft {
			status = models.ReleaseStatusPublished
			publishedAt = mirror.PublishedAt
		}
		title := mirror.Name
		if title == "" {
			title = mirror.TagName
		}
		canonical = &models.Release{
			OrganizationId:     connection.OrganizationId,
			Title:              title,
			Body:               mirror.Body,
			TagName:            mirror.TagName,
			Status:             status,
			PublishedAt:        publishedAt,
			SyncedFromExternal: true,
		}
		if err := models.CreateRelease(ctx, canonical); err != nil {
			return nil, err
		}
	}

	err = models.UpdateExternalRelease(ctx, mirror, map[string]interface{}{
		"release_id": canonical.ID,
	})
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// needsOutboundPush reports whether a canonical release must go out: it has no
// mirror yet, or it changed locally since the mirror was last synced.
func needsOutboundPush(mirror *models.ExternalRelease, canonicalUpdatedAt time.Time, conflictPolicy string) bool {
	if mirror == nil {
		return true
	}
	return locallyModified(canonicalUpdatedAt, mirror.LastSyncedAt, conflictPolicy)
}

// collectOutboundReleases scans the published canonical releases for ones the
// external side has not seen yet. Runs after the inbound pass so mirrors
// already reflect the external state.
func collectOutboundReleases(ctx context.Context, connection *models.Connection) ([]models.Release, error) {
	releases, err := models.ListPublishedReleasesSince(ctx, connection.OrganizationId, nil)
	if err != nil {
		return nil, err
	}
	var out []models.Release
	for _, release := range releases {
		mirror, err := models.GetExternalReleaseByCanonical(ctx, connection.ID, release.ID)
		if err != nil {
			return nil, err
		}
		if needsOutboundPush(mirror, release.UpdatedAt, connection.ConflictPolicy) {
			out = append(out, release)
		}
	}
	return out, nil
}

// collectOutboundIssues scans linked issue mirrors for feedback that changed
// locally since the last sync.
func collectOutboundIssues(ctx context.Context, connection *models.Connection) ([]models.ExternalIssue, error) {
	mirrors, err := models.ListExternalIssues(ctx, connection.ID)
	if err != nil {
		return nil, err
	}
	var out []models.ExternalIssue
	for _, mirror := range mirrors {
		if mirror.FeedbackId == nil {
			continue
		}
		feedback, err := models.GetFeedbackByID(ctx, *mirror.FeedbackId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				continue
			}
			return nil, err
		}
		if locallyModified(feedback.UpdatedAt, mirror.LastSyncedAt, connection.ConflictPolicy) {
			out = append(out, mirror)
		}
	}
	return out, nil
}

// pushFeedbackUpdate surfaces a local feedback change on the linked external
// issue as a comment, then refreshes the mirror's sync marker so the same
// change is not announced twice.
func pushFeedbackUpdate(ctx context.Context, connection *models.Connection, client *githubClient, mirror *models.ExternalIssue) error {
	if mirror.FeedbackId == nil {
		return nil
	}
	feedback, err := models.GetFeedbackByID(ctx, *mirror.FeedbackId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil
		}
		return err
	}
	if err := client.CreateIssueComment(ctx, mirror.Number, feedbackCommentBody(feedback)); err != nil {
		return err
	}
	return models.UpdateExternalIssue(ctx, mirror, map[string]interface{}{})
}

func feedbackCommentBody(feedback *models.Feedback) string {
	body := fmt.Sprintf("The linked feedback item %q was updated: state is %s", feedback.Title, feedback.State)
	if feedback.Status != "" {
		body += fmt.Sprintf(", status is %s", feedback.Status)
	}
	return body + "."
}
