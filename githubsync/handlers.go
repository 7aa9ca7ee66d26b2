package githubsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/damien-schneider/reflet-backend/models"
	"github.com/damien-schneider/reflet-backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// resolveOrganizationID identifies the caller's organization. Authentication
// itself lives upstream; the gateway injects the header after validating the
// session.
func resolveOrganizationID(c *gin.Context) (string, error) {
	organizationId := strings.TrimSpace(c.GetHeader("X-Organization-Id"))
	if organizationId == "" {
		return "", errors.New("unauthorized")
	}
	return organizationId, nil
}

func orgContext(c *gin.Context) (context.Context, string, bool) {
	organizationId, err := resolveOrganizationID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, "", false
	}
	return utils.SetOrganizationIdInContext(c.Request.Context(), organizationId), organizationId, true
}

// requireConnection loads the caller's connection or answers 404.
func requireConnection(c *gin.Context, ctx context.Context) (*models.Connection, bool) {
	connection, err := models.GetConnection(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if connection == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no github connection"})
		return nil, false
	}
	return connection, true
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		connection, err := models.GetConnection(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if connection == nil {
			c.JSON(http.StatusOK, SyncStatusResponse{
				Connection: ConnectionResponse{Status: "disconnected"},
			})
			return
		}
		status, err := BuildSyncStatus(ctx, connection)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, err := models.ConnectGitHub(ctx, &models.NewConnection{
			InstallationId:     req.InstallationId,
			RepositoryId:       req.RepositoryId,
			RepositoryFullName: req.RepositoryFullName,
			WebhookSecret:      req.WebhookSecret,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, connectionResponse(connection))
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		if err := models.Disconnect(ctx, connection.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
	}
}

func ChangeRepositoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var req ChangeRepositoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		err := models.ChangeRepository(ctx, connection.ID, req.RepositoryId, req.RepositoryFullName)
		if errors.Is(err, models.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync is still running; retry once it finishes"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}

		settings := models.SyncSettings{
			SyncDirection:       connection.SyncDirection,
			TargetBranch:        connection.TargetBranch,
			AutoPublishReleases: connection.AutoPublishReleases,
			AutoSyncIssues:      connection.AutoSyncIssues,
			ConflictPolicy:      connection.ConflictPolicy,
		}
		if req.SyncDirection != nil {
			settings.SyncDirection = *req.SyncDirection
		}
		if req.TargetBranch != nil {
			settings.TargetBranch = *req.TargetBranch
		}
		if req.AutoPublishReleases != nil {
			settings.AutoPublishReleases = *req.AutoPublishReleases
		}
		if req.AutoSyncIssues != nil {
			settings.AutoSyncIssues = *req.AutoSyncIssues
		}
		if req.ConflictPolicy != nil {
			settings.ConflictPolicy = *req.ConflictPolicy
		}

		if err := models.UpdateSyncSettings(ctx, connection.ID, settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// TriggerSyncHandler starts a full sync: one release job plus one issue job,
// serialized per connection by the syncing flag.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, organizationId, ok := orgContext(c)
		if !ok {
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		if connection.Status != models.ConnectionStatusConnected {
			c.JSON(http.StatusBadRequest, gin.H{"error": models.ErrNotConnected.Error()})
			return
		}

		if err := models.BeginFullSync(ctx, connection.ID); err != nil {
			if errors.Is(err, models.ErrSyncInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running; retry later"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		releaseJob, err := models.CreateSyncJob(ctx, organizationId, connection.ID, models.JobTypeReleaseSync, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		issueJob, err := models.CreateSyncJob(ctx, organizationId, connection.ID, models.JobTypeIssueSync, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		err = PublishSyncDispatch(ctx, SyncDispatchPayload{
			OrganizationId: organizationId,
			ConnectionId:   connection.ID,
			ReleaseJobId:   releaseJob.ID,
			IssueJobId:     issueJob.ID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, TriggerSyncResponse{
			ReleaseJobId: releaseJob.ID,
			IssueJobId:   issueJob.ID,
		})
	}
}

func ImportReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var req ImportReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		release, err := ImportExternalRelease(ctx, connection, req.ExternalReleaseId, req.AutoPublish)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "external release not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, release)
	}
}

func PushReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var req PushReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		if err := PushCanonicalRelease(ctx, connection, req.ReleaseId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "release not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pushed"})
	}
}

func ListLabelMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		mappings, err := models.ListLabelMappings(ctx, connection.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": mappings})
	}
}

func CreateLabelMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var req LabelMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		mapping := &models.LabelMapping{
			ConnectionId:  connection.ID,
			LabelName:     req.LabelName,
			TargetTagId:   req.TargetTagId,
			AutoSync:      true,
			DefaultStatus: req.DefaultStatus,
		}
		if req.AutoSync != nil {
			mapping.AutoSync = *req.AutoSync
		}
		if req.SyncClosedIssues != nil {
			mapping.SyncClosedIssues = *req.SyncClosedIssues
		}
		if err := models.CreateLabelMapping(ctx, mapping); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, mapping)
	}
}

func UpdateLabelMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		mappingId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping id"})
			return
		}
		var req LabelMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		updates := map[string]interface{}{
			"label_name":     req.LabelName,
			"target_tag_id":  req.TargetTagId,
			"default_status": req.DefaultStatus,
		}
		if req.AutoSync != nil {
			updates["auto_sync"] = *req.AutoSync
		}
		if req.SyncClosedIssues != nil {
			updates["sync_closed_issues"] = *req.SyncClosedIssues
		}
		err = models.UpdateLabelMapping(ctx, connection.ID, uint(mappingId), updates)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func DeleteLabelMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		mappingId, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mapping id"})
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		err = models.DeleteLabelMapping(ctx, connection.ID, uint(mappingId))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func ListJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		jobs, err := models.ListSyncJobs(ctx, connection.ID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncJobResponse, 0, len(jobs))
		for i := range jobs {
			items = append(items, syncJobResponse(&jobs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func GetJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, organizationId, ok := orgContext(c)
		if !ok {
			return
		}
		job, ok := requireJob(c, ctx, organizationId)
		if !ok {
			return
		}
		jobErrors, err := models.ListSyncJobErrors(ctx, job.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		detail := SyncJobDetailResponse{SyncJobResponse: syncJobResponse(job)}
		for _, e := range jobErrors {
			detail.Errors = append(detail.Errors, SyncJobErrorResponse{
				ID:        e.ID,
				ItemId:    e.ItemId,
				ErrorCode: e.ErrorCode,
				Message:   e.Message,
			})
		}
		c.JSON(http.StatusOK, detail)
	}
}

func CancelJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, organizationId, ok := orgContext(c)
		if !ok {
			return
		}
		job, ok := requireJob(c, ctx, organizationId)
		if !ok {
			return
		}
		err := models.CancelSyncJob(ctx, job.ID)
		if errors.Is(err, models.ErrJobNotCancellable) {
			c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}

func requireJob(c *gin.Context, ctx context.Context, organizationId string) (*models.SyncJob, bool) {
	jobId, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return nil, false
	}
	job, err := models.GetSyncJob(ctx, uint(jobId))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if job == nil || job.OrganizationId != organizationId {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	return job, true
}

// StartTaggingHandler queues an auto-tagging batch over untagged feedback.
func StartTaggingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, organizationId, ok := orgContext(c)
		if !ok {
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		job, err := models.CreateSyncJob(ctx, organizationId, connection.ID, models.JobTypeAutoTagging, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		err = PublishSyncDispatch(ctx, SyncDispatchPayload{
			OrganizationId: organizationId,
			ConnectionId:   connection.ID,
			TaggingJobId:   job.ID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
	}
}

// ListRepositoriesHandler backs the repository picker. Works from the stored
// installation, or from ?installation_id during first-time setup.
func ListRepositoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		var installationId int64
		if v := strings.TrimSpace(c.Query("installation_id")); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid installation id"})
				return
			}
			installationId = parsed
		} else {
			connection, ok := requireConnection(c, ctx)
			if !ok {
				return
			}
			installationId = connection.InstallationId
		}

		repos, err := ListInstallationRepositories(ctx, installationId)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		items := make([]RepositoryResponse, 0, len(repos))
		for _, repo := range repos {
			items = append(items, RepositoryResponse{
				ID:       repo.GetID(),
				FullName: repo.GetFullName(),
				Private:  repo.GetPrivate(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func ListBranchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _, ok := orgContext(c)
		if !ok {
			return
		}
		connection, ok := requireConnection(c, ctx)
		if !ok {
			return
		}
		client, err := newInstallationClient(ctx, connection.InstallationId, connection.RepositoryFullName)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		branches, err := client.ListBranches(ctx)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		items := make([]BranchResponse, 0, len(branches))
		for _, branch := range branches {
			items = append(items, BranchResponse{
				Name:      branch.GetName(),
				Protected: branch.GetProtected(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// RegisterRoutes mounts the integration API, the webhook endpoint and the
// Pub/Sub push endpoint.
func RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/integrations/github")
	{
		api.GET("/status", StatusHandler())
		api.POST("/connect", ConnectHandler())
		api.POST("/disconnect", DisconnectHandler())
		api.POST("/repository", ChangeRepositoryHandler())
		api.POST("/settings", UpdateSettingsHandler())
		api.POST("/sync", TriggerSyncHandler())
		api.POST("/releases/import", ImportReleaseHandler())
		api.POST("/releases/push", PushReleaseHandler())
		api.GET("/label-mappings", ListLabelMappingsHandler())
		api.POST("/label-mappings", CreateLabelMappingHandler())
		api.PUT("/label-mappings/:id", UpdateLabelMappingHandler())
		api.DELETE("/label-mappings/:id", DeleteLabelMappingHandler())
		api.GET("/jobs", ListJobsHandler())
		api.GET("/jobs/:id", GetJobHandler())
		api.POST("/jobs/:id/cancel", CancelJobHandler())
		api.POST("/tagging", StartTaggingHandler())
		api.GET("/repositories", ListRepositoriesHandler())
		api.GET("/branches", ListBranchesHandler())
	}

	r.POST("/webhooks/github", HandleWebhook)
	r.POST("/pubsub/github-sync", PubSubPushHandler())
}
