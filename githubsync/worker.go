package githubsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/damien-schneider/reflet-backend/config"
	"github.com/damien-schneider/reflet-backend/models"
	"github.com/damien-schneider/reflet-backend/utils"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
)

const moduleWorker = "githubsync.worker"

const (
	defaultSyncWorkers = 5
	maxSyncWorkers     = 10
	syncLeaseTTL       = 10 * time.Minute
	progressEvery      = 10
)

func syncWorkerCount() int {
	n := defaultSyncWorkers
	if v := strings.TrimSpace(os.Getenv("GITHUB_SYNC_WORKERS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > maxSyncWorkers {
		n = maxSyncWorkers
	}
	return n
}

// batchResult is what one runBatch pass produced.
type batchResult struct {
	Processed  int
	Successful int
	Failed     int
}

// itemError pairs a failed item with its classified error.
type itemError struct {
	ItemId string
	Code   string
	Err    error
}

// runBatch processes items with a bounded worker pool. Per-item failures are
// collected, not fatal; cancelled() is checked before dispatching each item
// and stops new work without interrupting in-flight items. onProgress is
// invoked from a single goroutine as results arrive.
func runBatch[T any](ctx context.Context, items []T, workers int,
	process func(ctx context.Context, item T) (string, error),
	onProgress func(done batchResult, failures []itemError),
	cancelled func() bool) batchResult {

	if workers < 1 {
		workers = 1
	}
	type outcome struct {
		itemId string
		err    error
	}
	work := make(chan T)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				itemId, err := process(ctx, item)
				results <- outcome{itemId: itemId, err: err}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, item := range items {
			if cancelled != nil && cancelled() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case work <- item:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var total batchResult
	var pendingFailures []itemError
	sinceFlush := 0
	for res := range results {
		total.Processed++
		if res.err != nil {
			total.Failed++
			pendingFailures = append(pendingFailures, itemError{
				ItemId: res.itemId,
				Code:   classifyError(res.err),
				Err:    res.err,
			})
		} else {
			total.Successful++
		}
		sinceFlush++
		if onProgress != nil && sinceFlush >= progressEvery {
			onProgress(total, pendingFailures)
			pendingFailures = nil
			sinceFlush = 0
		}
	}
	if onProgress != nil && sinceFlush > 0 {
		onProgress(total, pendingFailures)
	}
	return total
}

// RunSyncDispatch executes one queued sync dispatch: the release job, then
// the issue job, then the connection-level outcome. Called from the Pub/Sub
// push handler or the in-process fallback.
func RunSyncDispatch(ctx context.Context, payload SyncDispatchPayload) error {
	logger := config.GetLogger()
	ctx = utils.SetOrganizationIdInContext(ctx, payload.OrganizationId)

	connection, err := models.GetConnectionByID(ctx, payload.ConnectionId)
	if err != nil {
		return err
	}

	// Redis lease on top of the status flag, when Redis is configured.
	// Losing the lease means another runner holds this connection.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("github-sync:%d", connection.ID), syncLeaseTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				logger.WithFields(logrus.Fields{"connectionId": connection.ID}).
					Warn("sync lease held elsewhere; dropping dispatch")
				return nil
			}
			return err
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	if payload.TaggingJobId != 0 {
		return RunAutoTaggingJob(ctx, connection, payload.TaggingJobId)
	}

	var failures []string
	if payload.ReleaseJobId != 0 {
		if err := runReleaseSyncJob(ctx, connection, payload.ReleaseJobId); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if payload.IssueJobId != 0 {
		if err := runIssueSyncJob(ctx, connection, payload.IssueJobId); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return models.RecordSyncOutcome(ctx, connection.ID, false, strings.Join(failures, "; "))
	}
	return models.RecordSyncOutcome(ctx, connection.ID, true, "")
}

func runReleaseSyncJob(ctx context.Context, connection *models.Connection, jobId uint) error {
	started, err := models.StartJob(ctx, jobId)
	if err != nil {
		return err
	}
	if !started {
		// Re-delivered dispatch for a job that already ran.
		return nil
	}

	client, err := newInstallationClient(ctx, connection.InstallationId, connection.RepositoryFullName)
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}
	releases, err := client.ListReleases(ctx)
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}
	if err := models.SetJobTotal(ctx, jobId, len(releases)); err != nil {
		return err
	}

	inbound := runBatch(ctx, releases, syncWorkerCount(),
		func(ctx context.Context, ext *github.RepositoryRelease) (string, error) {
			data := releaseDataFromGitHub(ext)
			return fmt.Sprintf("release:%d", data.ExternalReleaseId), ReconcileRelease(ctx, connection, data)
		},
		jobProgressSink(ctx, jobId, batchResult{}),
		func() bool { return models.JobCancelled(ctx, jobId) },
	)

	total := inbound
	if connection.OutboundEnabled() && !models.JobCancelled(ctx, jobId) {
		// Outbound half: canonical releases the repository has not seen.
		// Runs after the inbound pass so mirrors already carry the
		// external state and dirty-local detection is accurate.
		candidates, err := collectOutboundReleases(ctx, connection)
		if err != nil {
			return abortJob(ctx, connection, jobId, err)
		}
		if err := models.SetJobTotal(ctx, jobId, len(releases)+len(candidates)); err != nil {
			return err
		}
		outbound := runBatch(ctx, candidates, syncWorkerCount(),
			func(ctx context.Context, release models.Release) (string, error) {
				return fmt.Sprintf("release-push:%d", release.ID), pushCanonicalRelease(ctx, connection, client, release.ID)
			},
			jobProgressSink(ctx, jobId, inbound),
			func() bool { return models.JobCancelled(ctx, jobId) },
		)
		total.Processed += outbound.Processed
		total.Successful += outbound.Successful
		total.Failed += outbound.Failed
	}

	if models.JobCancelled(ctx, jobId) {
		return errors.New("release sync cancelled")
	}
	return models.CompleteJob(ctx, jobId, total.Processed, total.Successful, total.Failed)
}

func runIssueSyncJob(ctx context.Context, connection *models.Connection, jobId uint) error {
	started, err := models.StartJob(ctx, jobId)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	client, err := newInstallationClient(ctx, connection.InstallationId, connection.RepositoryFullName)
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}
	issues, err := client.ListIssues(ctx, time.Time{})
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}
	if err := models.SetJobTotal(ctx, jobId, len(issues)); err != nil {
		return err
	}

	mappings, err := models.ListLabelMappings(ctx, connection.ID)
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}

	inbound := runBatch(ctx, issues, syncWorkerCount(),
		func(ctx context.Context, issue *github.Issue) (string, error) {
			data := issueDataFromGitHub(issue)
			return fmt.Sprintf("issue:%d", data.ExternalIssueId), ReconcileIssue(ctx, connection, data, mappings)
		},
		jobProgressSink(ctx, jobId, batchResult{}),
		func() bool { return models.JobCancelled(ctx, jobId) },
	)

	total := inbound
	if connection.OutboundEnabled() && !models.JobCancelled(ctx, jobId) {
		// Outbound half: feedback edited locally since the last sync is
		// surfaced on the linked issue as a comment.
		candidates, err := collectOutboundIssues(ctx, connection)
		if err != nil {
			return abortJob(ctx, connection, jobId, err)
		}
		if err := models.SetJobTotal(ctx, jobId, len(issues)+len(candidates)); err != nil {
			return err
		}
		outbound := runBatch(ctx, candidates, syncWorkerCount(),
			func(ctx context.Context, mirror models.ExternalIssue) (string, error) {
				return fmt.Sprintf("issue-push:%d", mirror.ExternalIssueId), pushFeedbackUpdate(ctx, connection, client, &mirror)
			},
			jobProgressSink(ctx, jobId, inbound),
			func() bool { return models.JobCancelled(ctx, jobId) },
		)
		total.Processed += outbound.Processed
		total.Successful += outbound.Successful
		total.Failed += outbound.Failed
	}

	if models.JobCancelled(ctx, jobId) {
		return errors.New("issue sync cancelled")
	}
	return models.CompleteJob(ctx, jobId, total.Processed, total.Successful, total.Failed)
}

// jobProgressSink flushes counters and per-item failures to the job row. base
// carries the counters of any batch that already ran under the same job, so
// the row always receives absolute values.
func jobProgressSink(ctx context.Context, jobId uint, base batchResult) func(batchResult, []itemError) {
	logger := config.GetLogger()
	return func(done batchResult, failures []itemError) {
		if err := models.UpdateJobProgress(ctx, jobId,
			base.Processed+done.Processed,
			base.Successful+done.Successful,
			base.Failed+done.Failed); err != nil {
			config.LogError(logger, moduleWorker, "jobProgressSink", "update progress", nil, err)
		}
		for _, failure := range failures {
			if err := models.AppendJobError(ctx, jobId, failure.ItemId, failure.Code, failure.Err.Error()); err != nil {
				config.LogError(logger, moduleWorker, "jobProgressSink", "append error", nil, err)
			}
		}
	}
}

// abortJob handles driver-level failures. Credential rejection also flips the
// connection to error status so the UI surfaces it.
func abortJob(ctx context.Context, connection *models.Connection, jobId uint, cause error) error {
	if errors.Is(cause, ErrAuthRevoked) || classifyError(cause) == errKindAuth {
		if err := models.MarkConnectionAuthError(ctx, connection.ID, cause.Error()); err != nil {
			config.LogError(config.GetLogger(), moduleWorker, "abortJob", "mark auth error", nil, err)
		}
	}
	if err := models.FailJob(ctx, jobId, cause.Error()); err != nil {
		return err
	}
	return cause
}
