package githubsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/damien-schneider/reflet-backend/config"
	"github.com/gin-gonic/gin"
)

const moduleDispatch = "githubsync.dispatch"

// PublishSyncDispatch queues a sync dispatch on Pub/Sub. Without a configured
// project the dispatch degrades to an in-process goroutine, which keeps
// single-instance deployments working with no queue at all.
func PublishSyncDispatch(ctx context.Context, payload SyncDispatchPayload) error {
	topicName := strings.TrimSpace(os.Getenv("GITHUB_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "github-sync"
	}

	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		runDispatchInProcess(payload)
		return nil
	}

	topic := client.Topic(topicName)
	if envBoolDefault("GITHUB_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

func runDispatchInProcess(payload SyncDispatchPayload) {
	go func() {
		ctx := context.Background()
		if err := RunSyncDispatch(ctx, payload); err != nil {
			config.LogError(config.GetLogger(), moduleDispatch, "runDispatchInProcess", "run dispatch", map[string]interface{}{
				"connectionId": payload.ConnectionId,
			}, err)
		}
	}()
}

// PubSubPushHandler receives push deliveries. Malformed envelopes are acked
// and dropped so the subscription does not redeliver garbage forever.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_GITHUB_SYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncDispatchPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.ConnectionId == 0 || payload.OrganizationId == "" {
			c.Status(204)
			return
		}

		if err := RunSyncDispatch(c.Request.Context(), payload); err != nil {
			config.LogError(config.GetLogger(), moduleDispatch, "PubSubPushHandler", "run dispatch", map[string]interface{}{
				"connectionId": payload.ConnectionId,
			}, err)
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
