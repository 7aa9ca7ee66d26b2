package githubsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/damien-schneider/reflet-backend/models"
)

// TagSuggester is the black-box text-classification service that proposes
// tag names for a piece of feedback.
type TagSuggester interface {
	SuggestTags(ctx context.Context, title, body string) ([]string, error)
}

type httpSuggester struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newHTTPSuggester() (*httpSuggester, error) {
	baseURL := strings.TrimSpace(os.Getenv("AI_TAGGER_URL"))
	if baseURL == "" {
		return nil, errors.New("AI_TAGGER_URL is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("AI_TAGGER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &httpSuggester{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(os.Getenv("AI_TAGGER_API_KEY")),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(time.Second),
	}, nil
}

type suggestRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type suggestResponse struct {
	Tags []string `json:"tags"`
}

func (s *httpSuggester) SuggestTags(ctx context.Context, title, body string) ([]string, error) {
	<-s.limiter
	payload, err := json.Marshal(suggestRequest{Title: title, Body: body})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/suggest-tags", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set(s.apiKeyHdr, s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tagger error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed suggestResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed.Tags, nil
}

// RunAutoTaggingJob tags untagged feedback in a batch under the generic job
// machinery: same counters, error list and cancellation as the sync jobs.
func RunAutoTaggingJob(ctx context.Context, connection *models.Connection, jobId uint) error {
	started, err := models.StartJob(ctx, jobId)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	suggester, err := newHTTPSuggester()
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}

	items, err := models.ListUntaggedFeedback(ctx, connection.OrganizationId, 0)
	if err != nil {
		return abortJob(ctx, connection, jobId, err)
	}
	if err := models.SetJobTotal(ctx, jobId, len(items)); err != nil {
		return err
	}

	result := runBatch(ctx, items, syncWorkerCount(),
		func(ctx context.Context, feedback models.Feedback) (string, error) {
			itemId := fmt.Sprintf("feedback:%d", feedback.ID)
			return itemId, tagOneFeedback(ctx, suggester, connection.OrganizationId, feedback)
		},
		jobProgressSink(ctx, jobId, batchResult{}),
		func() bool { return models.JobCancelled(ctx, jobId) },
	)

	if models.JobCancelled(ctx, jobId) {
		return errors.New("auto tagging cancelled")
	}
	return models.CompleteJob(ctx, jobId, result.Processed, result.Successful, result.Failed)
}

func tagOneFeedback(ctx context.Context, suggester TagSuggester, organizationId string, feedback models.Feedback) error {
	names, err := suggester.SuggestTags(ctx, feedback.Title, feedback.Body)
	if err != nil {
		return err
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tag, err := models.GetOrCreateTag(ctx, organizationId, name)
		if err != nil {
			return err
		}
		if err := models.AttachTagToFeedback(ctx, feedback.ID, tag.ID); err != nil {
			return err
		}
	}
	return nil
}
