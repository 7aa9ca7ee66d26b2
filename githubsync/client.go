package githubsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	jwt "github.com/dgrijalva/jwt-go"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Error kinds drive retry behavior: transient failures back off and retry,
// everything else surfaces immediately.
const (
	errKindTransient  = "transient"
	errKindAuth       = "auth"
	errKindValidation = "validation"
	errKindNotFound   = "not_found"
)

const maxAttempts = 3

var ErrAuthRevoked = errors.New("github app installation credentials rejected")

// githubClient wraps the installation-scoped API client. One instance per
// sync run; the installation token it carries is short-lived.
type githubClient struct {
	client *github.Client
	owner  string
	repo   string
}

// appTransport holds the GitHub App credentials used to mint installation
// tokens. Loaded once from env.
type appCredentials struct {
	appID      string
	privateKey []byte
}

func loadAppCredentials() (*appCredentials, error) {
	appID := strings.TrimSpace(os.Getenv("GITHUB_APP_ID"))
	if appID == "" {
		return nil, errors.New("GITHUB_APP_ID is empty")
	}
	pem := os.Getenv("GITHUB_APP_PRIVATE_KEY")
	if strings.TrimSpace(pem) == "" {
		return nil, errors.New("GITHUB_APP_PRIVATE_KEY is empty")
	}
	// Keys passed through env often arrive with escaped newlines.
	pem = strings.ReplaceAll(pem, `\n`, "\n")
	return &appCredentials{appID: appID, privateKey: []byte(pem)}, nil
}

// mintAppJWT signs the short-lived RS256 token GitHub requires for
// app-level endpoints. Issued-at is backdated a minute to absorb clock skew.
func (c *appCredentials) mintAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}
	now := time.Now()
	claims := jwt.StandardClaims{
		IssuedAt:  now.Add(-60 * time.Second).Unix(),
		ExpiresAt: now.Add(9 * time.Minute).Unix(),
		Issuer:    c.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

// newInstallationClient exchanges the App JWT for an installation token and
// returns a client scoped to that installation's repositories.
func newInstallationClient(ctx context.Context, installationId int64, repositoryFullName string) (*githubClient, error) {
	creds, err := loadAppCredentials()
	if err != nil {
		return nil, err
	}
	appJWT, err := creds.mintAppJWT()
	if err != nil {
		return nil, err
	}

	appClient := github.NewClient(nil).WithAuthToken(appJWT)
	instToken, resp, err := appClient.Apps.CreateInstallationToken(ctx, installationId, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound) {
			return nil, ErrAuthRevoked
		}
		return nil, fmt.Errorf("create installation token: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: instToken.GetToken()})
	tc := oauth2.NewClient(ctx, ts)

	owner, repo, err := splitRepositoryFullName(repositoryFullName)
	if err != nil {
		return nil, err
	}
	return &githubClient{
		client: github.NewClient(tc),
		owner:  owner,
		repo:   repo,
	}, nil
}

func splitRepositoryFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repository full name %q", fullName)
	}
	return parts[0], parts[1], nil
}

// ListInstallationRepositories enumerates repositories the installation can
// see, for the repository picker during connection setup.
func ListInstallationRepositories(ctx context.Context, installationId int64) ([]*github.Repository, error) {
	creds, err := loadAppCredentials()
	if err != nil {
		return nil, err
	}
	appJWT, err := creds.mintAppJWT()
	if err != nil {
		return nil, err
	}
	appClient := github.NewClient(nil).WithAuthToken(appJWT)
	instToken, _, err := appClient.Apps.CreateInstallationToken(ctx, installationId, nil)
	if err != nil {
		return nil, fmt.Errorf("create installation token: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: instToken.GetToken()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	var all []*github.Repository
	opts := &github.ListOptions{PerPage: 100}
	for {
		repos, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, classifyWrap(err, "list installation repositories")
		}
		all = append(all, repos.Repositories...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *githubClient) ListBranches(ctx context.Context) ([]*github.Branch, error) {
	var all []*github.Branch
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := c.client.Repositories.ListBranches(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classifyWrap(err, "list branches")
		}
		all = append(all, branches...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *githubClient) ListReleases(ctx context.Context) ([]*github.RepositoryRelease, error) {
	var all []*github.RepositoryRelease
	opts := &github.ListOptions{PerPage: 100}
	for {
		releases, resp, err := c.client.Repositories.ListReleases(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classifyWrap(err, "list releases")
		}
		all = append(all, releases...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *githubClient) CreateRelease(ctx context.Context, release *github.RepositoryRelease) (*github.RepositoryRelease, error) {
	var created *github.RepositoryRelease
	err := withRetry(ctx, "create release", func() error {
		var err error
		created, _, err = c.client.Repositories.CreateRelease(ctx, c.owner, c.repo, release)
		return err
	})
	return created, err
}

func (c *githubClient) EditRelease(ctx context.Context, releaseId int64, release *github.RepositoryRelease) (*github.RepositoryRelease, error) {
	var edited *github.RepositoryRelease
	err := withRetry(ctx, "edit release", func() error {
		var err error
		edited, _, err = c.client.Repositories.EditRelease(ctx, c.owner, c.repo, releaseId, release)
		return err
	})
	return edited, err
}

// ListIssues returns non-PR issues sorted by update time. The issues API
// mixes pull requests in; they are filtered here.
func (c *githubClient) ListIssues(ctx context.Context, since time.Time) ([]*github.Issue, error) {
	var all []*github.Issue
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = since
	}
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classifyWrap(err, "list issues")
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, issue)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *githubClient) ListTags(ctx context.Context) ([]*github.RepositoryTag, error) {
	var all []*github.RepositoryTag
	opts := &github.ListOptions{PerPage: 100}
	for {
		tags, resp, err := c.client.Repositories.ListTags(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classifyWrap(err, "list tags")
		}
		all = append(all, tags...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CompareCommits returns the commits reachable from head but not from base.
func (c *githubClient) CompareCommits(ctx context.Context, base, head string) ([]*github.RepositoryCommit, error) {
	var all []*github.RepositoryCommit
	opts := &github.ListOptions{PerPage: 100}
	for {
		comparison, resp, err := c.client.Repositories.CompareCommits(ctx, c.owner, c.repo, base, head, opts)
		if err != nil {
			return nil, classifyWrap(err, "compare commits")
		}
		all = append(all, comparison.Commits...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ListCommits returns the most recent commits on sha (a branch name, or the
// default branch when empty), capped at limit.
func (c *githubClient) ListCommits(ctx context.Context, sha string, limit int) ([]*github.RepositoryCommit, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	opts := &github.CommitsListOptions{
		SHA:         sha,
		ListOptions: github.ListOptions{PerPage: limit},
	}
	commits, _, err := c.client.Repositories.ListCommits(ctx, c.owner, c.repo, opts)
	if err != nil {
		return nil, classifyWrap(err, "list commits")
	}
	return commits, nil
}

func (c *githubClient) CreateIssueComment(ctx context.Context, issueNumber int, body string) error {
	return withRetry(ctx, "create issue comment", func() error {
		_, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, issueNumber,
			&github.IssueComment{Body: github.String(body)})
		return err
	})
}

// classifyError buckets an API error for retry and reporting decisions.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return errKindTransient
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return errKindTransient
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return errKindAuth
		case code == http.StatusNotFound:
			return errKindNotFound
		case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
			return errKindValidation
		case code >= 500:
			return errKindTransient
		}
	}
	// Network-level failures (timeouts, resets) come through as plain errors.
	return errKindTransient
}

func classifyWrap(err error, op string) error {
	return fmt.Errorf("%s (%s): %w", op, classifyError(err), err)
}

// withRetry runs fn up to maxAttempts times, backing off on transient
// failures. Rate-limit errors wait for the reported reset instead.
func withRetry(ctx context.Context, op string, fn func() error) error {
	logger := config.GetLogger()
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<attempt) * time.Second
			var rateErr *github.RateLimitError
			if errors.As(err, &rateErr) {
				until := time.Until(rateErr.Rate.Reset.Time)
				if until > wait {
					wait = until
				}
			}
			logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("retrying github call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if classifyError(err) != errKindTransient {
			return classifyWrap(err, op)
		}
	}
	return classifyWrap(err, op)
}
