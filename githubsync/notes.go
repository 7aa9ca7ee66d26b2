package githubsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/damien-schneider/reflet-backend/models"
	"github.com/google/go-github/v57/github"
)

const releaseNotesCommitCap = 30

// buildReleaseNotes assembles a changelog body for a release that is being
// pushed without one. The commit range is previous tag to the connection's
// target branch; without a previous tag (or a target branch to compare
// against) the most recent commits stand in.
func buildReleaseNotes(ctx context.Context, client *githubClient, connection *models.Connection, tagName string) (string, error) {
	tags, err := client.ListTags(ctx)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.GetName())
	}
	prev := previousTag(names, tagName)

	var commits []*github.RepositoryCommit
	if prev != "" && connection.TargetBranch != "" {
		commits, err = client.CompareCommits(ctx, prev, connection.TargetBranch)
	} else {
		commits, err = client.ListCommits(ctx, connection.TargetBranch, releaseNotesCommitCap)
	}
	if err != nil {
		return "", err
	}

	messages := make([]string, 0, len(commits))
	for _, c := range commits {
		if msg := firstLine(c.GetCommit().GetMessage()); msg != "" {
			messages = append(messages, msg)
		}
	}
	return formatReleaseNotes(messages), nil
}

// previousTag picks the tag a new release should be diffed against. The tag
// list arrives most-recent-first; the previous tag is the one after the
// current tag when present, otherwise the newest existing tag.
func previousTag(tags []string, current string) string {
	for i, tag := range tags {
		if tag == current {
			if i+1 < len(tags) {
				return tags[i+1]
			}
			return ""
		}
	}
	if len(tags) > 0 {
		return tags[0]
	}
	return ""
}

func firstLine(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	return strings.TrimSpace(message)
}

func formatReleaseNotes(messages []string) string {
	if len(messages) == 0 {
		return ""
	}
	if len(messages) > releaseNotesCommitCap {
		messages = messages[:releaseNotesCommitCap]
	}
	var b strings.Builder
	b.WriteString("## Changes\n\n")
	for _, msg := range messages {
		fmt.Fprintf(&b, "- %s\n", msg)
	}
	return b.String()
}
