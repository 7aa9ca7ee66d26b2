package githubsync

import (
	"strings"
	"testing"
)

func TestPreviousTag(t *testing.T) {
	// Most-recent-first, the way the tags API returns them.
	tags := []string{"v1.2.0", "v1.1.0", "v1.0.0"}

	if got := previousTag(tags, "v1.2.0"); got != "v1.1.0" {
		t.Fatalf("expected the tag after the current one, got %q", got)
	}
	if got := previousTag(tags, "v1.3.0"); got != "v1.2.0" {
		t.Fatalf("unknown tag should diff against the newest existing tag, got %q", got)
	}
	if got := previousTag(tags, "v1.0.0"); got != "" {
		t.Fatalf("oldest tag has nothing to diff against, got %q", got)
	}
	if got := previousTag(nil, "v1.0.0"); got != "" {
		t.Fatalf("no tags means no base, got %q", got)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("fix: handle empty tag\n\nlonger body here"); got != "fix: handle empty tag" {
		t.Fatalf("expected subject line only, got %q", got)
	}
	if got := firstLine("  spaced  "); got != "spaced" {
		t.Fatalf("expected trimmed message, got %q", got)
	}
	if got := firstLine(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFormatReleaseNotes(t *testing.T) {
	if got := formatReleaseNotes(nil); got != "" {
		t.Fatalf("no commits should produce no body, got %q", got)
	}

	body := formatReleaseNotes([]string{"fix: a", "feat: b"})
	if !strings.HasPrefix(body, "## Changes\n") {
		t.Fatalf("expected changelog heading, got %q", body)
	}
	if !strings.Contains(body, "- fix: a\n") || !strings.Contains(body, "- feat: b\n") {
		t.Fatalf("expected one bullet per commit, got %q", body)
	}
}

func TestFormatReleaseNotes_CapsBulletCount(t *testing.T) {
	messages := make([]string, releaseNotesCommitCap+10)
	for i := range messages {
		messages[i] = "commit"
	}
	body := formatReleaseNotes(messages)
	if got := strings.Count(body, "- commit\n"); got != releaseNotesCommitCap {
		t.Fatalf("expected %d bullets, got %d", releaseNotesCommitCap, got)
	}
}
