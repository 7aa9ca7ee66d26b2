package githubsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/damien-schneider/reflet-backend/config"
	"github.com/damien-schneider/reflet-backend/models"
	"github.com/damien-schneider/reflet-backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
)

const moduleWebhook = "githubsync.webhook"

// webhookDedupKey derives the per-connection dedup key. The delivery id is
// authoritative when present; otherwise a digest of event type, payload and
// the current hour bucket stands in, so replays of the same payload within
// the hour collapse.
func webhookDedupKey(deliveryId, eventType string, body []byte, now time.Time) string {
	if deliveryId != "" {
		return deliveryId
	}
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write(body)
	h.Write([]byte(now.UTC().Format("2006-01-02T15")))
	return hex.EncodeToString(h.Sum(nil))
}

// repositoryPeek is the minimal payload shape needed to route a delivery to
// its connection before signature validation.
type repositoryPeek struct {
	Repository struct {
		ID int64 `json:"id"`
	} `json:"repository"`
	Action string `json:"action"`
}

// HandleWebhook ingests one GitHub webhook delivery. Everything except a bad
// signature answers 2xx; processing failures are recorded on the event, not
// surfaced to the sender, so GitHub does not retry what we already stored.
func HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	logger := config.GetLogger()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}

	var peek repositoryPeek
	if err := json.Unmarshal(body, &peek); err != nil || peek.Repository.ID == 0 {
		// Not a repository-scoped delivery; nothing to route it to.
		c.Status(http.StatusNoContent)
		return
	}

	connection, err := models.FindConnectionByRepositoryId(ctx, peek.Repository.ID)
	if err != nil {
		config.LogError(logger, moduleWebhook, "HandleWebhook", "lookup connection", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	if connection == nil || connection.Status != models.ConnectionStatusConnected {
		c.Status(http.StatusNoContent)
		return
	}

	eventType := c.GetHeader("X-GitHub-Event")
	deliveryId := c.GetHeader("X-GitHub-Delivery")
	dedupKey := webhookDedupKey(deliveryId, eventType, body, time.Now())

	if connection.WebhookSecret != "" {
		signature := c.GetHeader("X-Hub-Signature-256")
		if signature == "" {
			signature = c.GetHeader("X-Hub-Signature")
		}
		if err := github.ValidateSignature(signature, body, []byte(connection.WebhookSecret)); err != nil {
			// The rejected delivery is still recorded for audit, sealed
			// with its error. The key is prefixed so a forged delivery
			// cannot occupy the dedup slot of the genuine one.
			rejected := &models.WebhookEvent{
				ConnectionId: connection.ID,
				DedupKey:     "rejected:" + dedupKey,
				EventType:    eventType,
				Action:       peek.Action,
				DeliveryId:   deliveryId,
				Payload:      body,
			}
			if createErr := models.CreateWebhookEvent(ctx, rejected); createErr == nil {
				if sealErr := models.MarkWebhookEventProcessed(ctx, rejected.ID, errors.New("invalid webhook signature")); sealErr != nil {
					config.LogError(logger, moduleWebhook, "HandleWebhook", "seal rejected event", nil, sealErr)
				}
			} else if !errors.Is(createErr, models.ErrDuplicateDelivery) {
				config.LogError(logger, moduleWebhook, "HandleWebhook", "record rejected event", nil, createErr)
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
	}

	// Replay short-circuit: an already-processed delivery is acknowledged
	// without touching any entity.
	existing, err := models.FindProcessedWebhookEvent(ctx, connection.ID, dedupKey)
	if err != nil {
		config.LogError(logger, moduleWebhook, "HandleWebhook", "dedup lookup", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	if existing != nil {
		c.Status(http.StatusOK)
		return
	}

	event := &models.WebhookEvent{
		ConnectionId: connection.ID,
		DedupKey:     dedupKey,
		EventType:    eventType,
		Action:       peek.Action,
		DeliveryId:   deliveryId,
		Payload:      body,
	}
	if err := models.CreateWebhookEvent(ctx, event); err != nil {
		if errors.Is(err, models.ErrDuplicateDelivery) {
			c.Status(http.StatusOK)
			return
		}
		config.LogError(logger, moduleWebhook, "HandleWebhook", "record event", nil, err)
		c.Status(http.StatusNoContent)
		return
	}

	processErr := processWebhookEvent(ctx, connection, eventType, body)
	if processErr != nil {
		config.LogError(logger, moduleWebhook, "HandleWebhook", "process event", map[string]interface{}{
			"eventType": eventType,
			"dedupKey":  dedupKey,
		}, processErr)
	}
	if err := models.MarkWebhookEventProcessed(ctx, event.ID, processErr); err != nil {
		config.LogError(logger, moduleWebhook, "HandleWebhook", "seal event", nil, err)
	}

	c.Status(http.StatusOK)
}

// processWebhookEvent runs the narrow single-entity reconciliation for the
// event kinds that carry an entity. Push events are audit-only.
func processWebhookEvent(ctx context.Context, connection *models.Connection, eventType string, body []byte) error {
	ctx = utils.SetOrganizationIdInContext(ctx, connection.OrganizationId)

	switch eventType {
	case "release":
		var payload github.ReleaseEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode release event: %w", err)
		}
		if payload.Release == nil {
			return errors.New("release event without release")
		}
		return ReconcileRelease(ctx, connection, releaseDataFromGitHub(payload.Release))

	case "issues":
		var payload github.IssuesEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode issues event: %w", err)
		}
		if payload.Issue == nil {
			return errors.New("issues event without issue")
		}
		if payload.Issue.IsPullRequest() {
			return nil
		}
		mappings, err := models.ListLabelMappings(ctx, connection.ID)
		if err != nil {
			return err
		}
		return ReconcileIssue(ctx, connection, issueDataFromGitHub(payload.Issue), mappings)

	case "push", "ping":
		return nil

	default:
		config.GetLogger().WithFields(logrus.Fields{
			"connectionId": connection.ID,
			"eventType":    eventType,
		}).Debug("ignoring webhook event type")
		return nil
	}
}
