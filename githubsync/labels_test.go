package githubsync

import (
	"reflect"
	"testing"

	"github.com/damien-schneider/reflet-backend/models"
)

func uintPtr(v uint) *uint { return &v }

func TestResolveLabels_NoMatches(t *testing.T) {
	mappings := []models.LabelMapping{
		{LabelName: "bug", AutoSync: true, TargetTagId: uintPtr(1)},
	}

	decision := ResolveLabels([]string{"enhancement"}, mappings, false)
	if !decision.ShouldSync {
		t.Fatal("open issue with no matching mapping should still sync")
	}
	if len(decision.TagIds) != 0 || decision.DefaultStatus != "" {
		t.Fatalf("expected no tags or status, got %+v", decision)
	}
}

func TestResolveLabels_SkipRequiresAllThreeConditions(t *testing.T) {
	// An issue is skipped only when every matching mapping disables
	// auto-sync AND the issue is closed AND no matching mapping opts
	// into closed issues. Relaxing any one condition keeps it syncing.
	off := []models.LabelMapping{
		{LabelName: "wontfix", AutoSync: false},
		{LabelName: "duplicate", AutoSync: false},
	}

	if d := ResolveLabels([]string{"wontfix", "duplicate"}, off, true); d.ShouldSync {
		t.Fatal("closed issue matched only by auto_sync=false mappings should be skipped")
	}
	if d := ResolveLabels([]string{"wontfix", "duplicate"}, off, false); !d.ShouldSync {
		t.Fatal("open issue should sync even when every matching mapping disables auto-sync")
	}

	// A closed issue matched by an auto-sync mapping still syncs.
	on := append(off, models.LabelMapping{LabelName: "bug", AutoSync: true})
	if d := ResolveLabels([]string{"wontfix", "bug"}, on, true); !d.ShouldSync {
		t.Fatal("one auto-sync mapping in the match set should keep a closed issue syncing")
	}

	// The closed-issue opt-in rescues an otherwise skipped issue.
	optIn := []models.LabelMapping{
		{LabelName: "wontfix", AutoSync: false, SyncClosedIssues: true},
	}
	if d := ResolveLabels([]string{"wontfix"}, optIn, true); !d.ShouldSync {
		t.Fatal("sync_closed_issues on a matching mapping should keep a closed issue syncing")
	}
}

func TestResolveLabels_FirstMatchStatusWins(t *testing.T) {
	mappings := []models.LabelMapping{
		{LabelName: "bug", AutoSync: true, DefaultStatus: "triage", TargetTagId: uintPtr(1)},
		{LabelName: "p1", AutoSync: true, DefaultStatus: "urgent", TargetTagId: uintPtr(2)},
	}

	decision := ResolveLabels([]string{"p1", "bug"}, mappings, false)
	if decision.DefaultStatus != "triage" {
		t.Fatalf("expected creation-order precedence (triage), got %q", decision.DefaultStatus)
	}
	if !reflect.DeepEqual(decision.TagIds, []uint{1, 2}) {
		t.Fatalf("expected both tags in mapping order, got %v", decision.TagIds)
	}
}

func TestResolveLabels_TagDedup(t *testing.T) {
	mappings := []models.LabelMapping{
		{LabelName: "bug", AutoSync: true, TargetTagId: uintPtr(7)},
		{LabelName: "crash", AutoSync: true, TargetTagId: uintPtr(7)},
	}

	decision := ResolveLabels([]string{"bug", "crash"}, mappings, false)
	if !reflect.DeepEqual(decision.TagIds, []uint{7}) {
		t.Fatalf("expected deduplicated tag list, got %v", decision.TagIds)
	}
}

func TestResolveLabels_CaseSensitive(t *testing.T) {
	mappings := []models.LabelMapping{
		{LabelName: "Bug", AutoSync: true, TargetTagId: uintPtr(1)},
	}

	decision := ResolveLabels([]string{"bug"}, mappings, false)
	if len(decision.TagIds) != 0 {
		t.Fatal("matching must be case-sensitive")
	}
}

func TestResolveLabels_Deterministic(t *testing.T) {
	mappings := []models.LabelMapping{
		{LabelName: "a", AutoSync: true, TargetTagId: uintPtr(1), DefaultStatus: "one"},
		{LabelName: "b", AutoSync: true, TargetTagId: uintPtr(2), DefaultStatus: "two"},
	}
	first := ResolveLabels([]string{"b", "a"}, mappings, false)
	for i := 0; i < 50; i++ {
		again := ResolveLabels([]string{"b", "a"}, mappings, false)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution not deterministic: %+v vs %+v", first, again)
		}
	}
}
