package githubsync

type ConnectRequest struct {
	InstallationId     int64  `json:"installationId" binding:"required"`
	RepositoryId       int64  `json:"repositoryId" binding:"required"`
	RepositoryFullName string `json:"repositoryFullName" binding:"required"`
	WebhookSecret      string `json:"webhookSecret"`
}

type ChangeRepositoryRequest struct {
	RepositoryId       int64  `json:"repositoryId" binding:"required"`
	RepositoryFullName string `json:"repositoryFullName" binding:"required"`
}

type UpdateSettingsRequest struct {
	SyncDirection       *string `json:"syncDirection"`
	TargetBranch        *string `json:"targetBranch"`
	AutoPublishReleases *bool   `json:"autoPublishReleases"`
	AutoSyncIssues      *bool   `json:"autoSyncIssues"`
	ConflictPolicy      *string `json:"conflictPolicy"`
}

type LabelMappingRequest struct {
	LabelName        string `json:"labelName" binding:"required"`
	TargetTagId      *uint  `json:"targetTagId"`
	AutoSync         *bool  `json:"autoSync"`
	SyncClosedIssues *bool  `json:"syncClosedIssues"`
	DefaultStatus    string `json:"defaultStatus"`
}

type ImportReleaseRequest struct {
	ExternalReleaseId int64 `json:"externalReleaseId" binding:"required"`
	AutoPublish       bool  `json:"autoPublish"`
}

type PushReleaseRequest struct {
	ReleaseId uint `json:"releaseId" binding:"required"`
}

type ConnectionResponse struct {
	ID                  uint    `json:"id"`
	Status              string  `json:"status"`
	RepositoryId        int64   `json:"repositoryId"`
	RepositoryFullName  string  `json:"repositoryFullName"`
	SyncDirection       string  `json:"syncDirection"`
	TargetBranch        string  `json:"targetBranch"`
	AutoPublishReleases bool    `json:"autoPublishReleases"`
	AutoSyncIssues      bool    `json:"autoSyncIssues"`
	ConflictPolicy      string  `json:"conflictPolicy"`
	LastSyncAt          *string `json:"lastSyncAt"`
	LastSyncStatus      string  `json:"lastSyncStatus"`
	LastSyncError       *string `json:"lastSyncError"`
}

type RepositoryResponse struct {
	ID       int64  `json:"id"`
	FullName string `json:"fullName"`
	Private  bool   `json:"private"`
}

type BranchResponse struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
}

type SyncJobResponse struct {
	ID              uint    `json:"id"`
	JobType         string  `json:"jobType"`
	Status          string  `json:"status"`
	TotalItems      int     `json:"totalItems"`
	ProcessedItems  int     `json:"processedItems"`
	SuccessfulItems int     `json:"successfulItems"`
	FailedItems     int     `json:"failedItems"`
	LastError       *string `json:"lastError"`
	StartedAt       *string `json:"startedAt"`
	CompletedAt     *string `json:"completedAt"`
}

type SyncJobDetailResponse struct {
	SyncJobResponse
	Errors []SyncJobErrorResponse `json:"errors"`
}

type SyncJobErrorResponse struct {
	ID        uint   `json:"id"`
	ItemId    string `json:"itemId"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// SyncStatusResponse is the three-way linkage picture: mirrors with no
// canonical counterpart, canonical records with no mirror, and linked pairs.
type SyncStatusResponse struct {
	Connection ConnectionResponse `json:"connection"`
	Releases   EntityLinkSummary  `json:"releases"`
	Issues     EntityLinkSummary  `json:"issues"`
}

type EntityLinkSummary struct {
	MirrorsOnly   int `json:"mirrorsOnly"`
	CanonicalOnly int `json:"canonicalOnly"`
	Linked        int `json:"linked"`
}

type TriggerSyncResponse struct {
	ReleaseJobId uint `json:"releaseJobId"`
	IssueJobId   uint `json:"issueJobId"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncDispatchPayload struct {
	OrganizationId string `json:"organization_id"`
	ConnectionId   uint   `json:"connection_id"`
	ReleaseJobId   uint   `json:"release_job_id,omitempty"`
	IssueJobId     uint   `json:"issue_job_id,omitempty"`
	TaggingJobId   uint   `json:"tagging_job_id,omitempty"`
}
