package githubsync

import (
	"reflect"
	"testing"
	"time"

	"github.com/damien-schneider/reflet-backend/models"
	"github.com/google/go-github/v57/github"
)

// NOTE: These tests are intentionally DB-free. They validate the comparison
// primitives the reconciler is built on; full DB integration tests need a
// MySQL instance.

func TestLocallyModified_ExternalWinsTie(t *testing.T) {
	now := time.Now()

	if locallyModified(now.Add(-time.Minute), now, models.ConflictPolicyExternalWins) {
		t.Fatal("older canonical update is not a local modification")
	}
	if !locallyModified(now.Add(time.Minute), now, models.ConflictPolicyExternalWins) {
		t.Fatal("newer canonical update is a local modification")
	}
	// Equal timestamps resolve toward the external side.
	if locallyModified(now, now, models.ConflictPolicyExternalWins) {
		t.Fatal("tie must resolve external under external_wins")
	}
}

func TestLocallyModified_InternalWinsTie(t *testing.T) {
	now := time.Now()

	if !locallyModified(now, now, models.ConflictPolicyInternalWins) {
		t.Fatal("tie must resolve internal under internal_wins")
	}
	if locallyModified(now.Add(-time.Second), now, models.ConflictPolicyInternalWins) {
		t.Fatal("older canonical update is not a local modification")
	}
}

func TestResolveFieldUpdates_UnchangedFieldsSkipped(t *testing.T) {
	apply, preserved := resolveFieldUpdates(
		map[string]string{"title": "same", "body": "new body"},
		map[string]string{"title": "same", "body": "old body"},
		map[string]string{"title": "same", "body": "old body"},
		false,
	)
	if len(preserved) != 0 {
		t.Fatalf("nothing should be preserved, got %v", preserved)
	}
	if !reflect.DeepEqual(apply, map[string]string{"body": "new body"}) {
		t.Fatalf("only the changed field should apply, got %v", apply)
	}
}

func TestResolveFieldUpdates_LocalEditsPreserved(t *testing.T) {
	// External changed title and body; the local side edited the body since
	// the last sync. Title flows in, body is preserved and reported.
	apply, preserved := resolveFieldUpdates(
		map[string]string{"title": "ext title", "body": "ext body"},
		map[string]string{"title": "old title", "body": "old body"},
		map[string]string{"title": "old title", "body": "local edit"},
		true,
	)
	if !reflect.DeepEqual(apply, map[string]string{"title": "ext title"}) {
		t.Fatalf("untouched-locally field should apply, got %v", apply)
	}
	if !reflect.DeepEqual(preserved, []string{"body"}) {
		t.Fatalf("locally edited field should be preserved, got %v", preserved)
	}
}

func TestResolveFieldUpdates_NotModifiedAppliesAll(t *testing.T) {
	apply, preserved := resolveFieldUpdates(
		map[string]string{"title": "ext", "body": "ext"},
		map[string]string{"title": "old", "body": "old"},
		map[string]string{"title": "anything", "body": "anything"},
		false,
	)
	if len(apply) != 2 || len(preserved) != 0 {
		t.Fatalf("without local modification all changed fields apply: apply=%v preserved=%v", apply, preserved)
	}
}

func TestResolveFieldUpdates_PreservedSorted(t *testing.T) {
	_, preserved := resolveFieldUpdates(
		map[string]string{"title": "x", "body": "y", "state": "z"},
		map[string]string{"title": "a", "body": "b", "state": "c"},
		map[string]string{"title": "local", "body": "local", "state": "local"},
		true,
	)
	if !reflect.DeepEqual(preserved, []string{"body", "state", "title"}) {
		t.Fatalf("preserved fields must be sorted, got %v", preserved)
	}
}

func TestResolveFieldUpdates_Idempotent(t *testing.T) {
	// Re-running with ext == snapshot produces no writes: the second pass of
	// the same external state is a no-op.
	apply, preserved := resolveFieldUpdates(
		map[string]string{"title": "v2", "body": "v2"},
		map[string]string{"title": "v2", "body": "v2"},
		map[string]string{"title": "v2", "body": "v2"},
		false,
	)
	if len(apply) != 0 || len(preserved) != 0 {
		t.Fatalf("re-reconcile of synced state must be a no-op: apply=%v preserved=%v", apply, preserved)
	}
}

func TestReleaseDataRevisionMarker(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	published := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	ext := releaseDataFromGitHub(&github.RepositoryRelease{
		ID:          github.Int64(11),
		TagName:     github.String("v1.0.0"),
		CreatedAt:   &github.Timestamp{Time: created},
		PublishedAt: &github.Timestamp{Time: published},
	})
	if !ext.ExternalUpdatedAt.Equal(published) {
		t.Fatalf("revision marker should be the later timestamp, got %v", ext.ExternalUpdatedAt)
	}

	// Draft releases have no published_at; created_at stands in.
	draft := releaseDataFromGitHub(&github.RepositoryRelease{
		ID:        github.Int64(12),
		Draft:     github.Bool(true),
		CreatedAt: &github.Timestamp{Time: created},
	})
	if !draft.ExternalUpdatedAt.Equal(created) {
		t.Fatalf("draft revision marker should be created_at, got %v", draft.ExternalUpdatedAt)
	}
	if draft.PublishedAt != nil {
		t.Fatal("draft should have no published_at")
	}
}

func TestIssueDataFromGitHub(t *testing.T) {
	updated := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	data := issueDataFromGitHub(&github.Issue{
		ID:     github.Int64(5),
		Number: github.Int(42),
		Title:  github.String("crash on save"),
		State:  github.String("open"),
		Labels: []*github.Label{
			{Name: github.String("bug")},
			{Name: github.String("p1")},
		},
		UpdatedAt: &github.Timestamp{Time: updated},
	})

	if data.ExternalIssueId != 5 || data.Number != 42 {
		t.Fatalf("unexpected identifiers: %+v", data)
	}
	if !reflect.DeepEqual(data.Labels, []string{"bug", "p1"}) {
		t.Fatalf("unexpected labels: %v", data.Labels)
	}
	if !data.ExternalUpdatedAt.Equal(updated) {
		t.Fatalf("unexpected revision marker: %v", data.ExternalUpdatedAt)
	}
}

func TestReleaseTitleFallsBackToTag(t *testing.T) {
	if got := releaseTitle(releaseData{Name: "Release One", TagName: "v1"}); got != "Release One" {
		t.Fatalf("expected name, got %q", got)
	}
	if got := releaseTitle(releaseData{TagName: "v1"}); got != "v1" {
		t.Fatalf("expected tag fallback, got %q", got)
	}
}

func TestNeedsOutboundPush(t *testing.T) {
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	if !needsOutboundPush(nil, base, models.ConflictPolicyExternalWins) {
		t.Fatal("a release with no mirror must always be pushed")
	}

	synced := &models.ExternalRelease{LastSyncedAt: base}
	if needsOutboundPush(synced, base.Add(-time.Minute), models.ConflictPolicyExternalWins) {
		t.Fatal("an unchanged release must not be re-pushed")
	}
	if !needsOutboundPush(synced, base.Add(time.Minute), models.ConflictPolicyExternalWins) {
		t.Fatal("a locally edited release must be pushed")
	}
	// The tie follows the conflict policy, same as the inbound side.
	if needsOutboundPush(synced, base, models.ConflictPolicyExternalWins) {
		t.Fatal("tie under external_wins is not a local edit")
	}
	if !needsOutboundPush(synced, base, models.ConflictPolicyInternalWins) {
		t.Fatal("tie under internal_wins is a local edit")
	}
}

func TestFeedbackCommentBody(t *testing.T) {
	got := feedbackCommentBody(&models.Feedback{Title: "Dark mode", State: "closed", Status: "shipped"})
	if got != `The linked feedback item "Dark mode" was updated: state is closed, status is shipped.` {
		t.Fatalf("unexpected comment body: %q", got)
	}

	got = feedbackCommentBody(&models.Feedback{Title: "Dark mode", State: "open"})
	if got != `The linked feedback item "Dark mode" was updated: state is open.` {
		t.Fatalf("status should be omitted when empty: %q", got)
	}
}
