package githubsync

import (
	"testing"
	"time"
)

func TestWebhookDedupKey_DeliveryIdWins(t *testing.T) {
	now := time.Now()
	key := webhookDedupKey("delivery-abc", "release", []byte(`{"a":1}`), now)
	if key != "delivery-abc" {
		t.Fatalf("delivery id must be used verbatim, got %q", key)
	}
}

func TestWebhookDedupKey_StableWithinHour(t *testing.T) {
	base := time.Date(2026, 5, 1, 14, 5, 0, 0, time.UTC)
	body := []byte(`{"action":"published"}`)

	first := webhookDedupKey("", "release", body, base)
	replay := webhookDedupKey("", "release", body, base.Add(20*time.Minute))
	if first != replay {
		t.Fatal("replay of the same payload within the hour must collapse to one key")
	}

	nextHour := webhookDedupKey("", "release", body, base.Add(time.Hour))
	if first == nextHour {
		t.Fatal("a new hour bucket must produce a new key")
	}
}

func TestWebhookDedupKey_DiscriminatesEventAndPayload(t *testing.T) {
	now := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	body := []byte(`{"action":"opened"}`)

	byEvent := webhookDedupKey("", "issues", body, now)
	byOther := webhookDedupKey("", "release", body, now)
	if byEvent == byOther {
		t.Fatal("different event types must not collide")
	}

	byPayload := webhookDedupKey("", "issues", []byte(`{"action":"closed"}`), now)
	if byEvent == byPayload {
		t.Fatal("different payloads must not collide")
	}
}
