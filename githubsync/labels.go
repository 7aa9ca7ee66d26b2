package githubsync

import "github.com/damien-schneider/reflet-backend/models"

// LabelDecision is the outcome of running an issue's label set through the
// connection's mappings.
type LabelDecision struct {
	ShouldSync    bool
	TagIds        []uint
	DefaultStatus string
}

// ResolveLabels applies label mappings to an external issue's labels.
// Matching is exact and case-sensitive. Mappings must be in creation order;
// the first matching mapping with a default status wins, and every matching
// mapping with a target tag contributes it. An issue is skipped only when
// every matching mapping disables auto-sync, the issue is closed, and no
// matching mapping opts into closed issues.
func ResolveLabels(labels []string, mappings []models.LabelMapping, issueClosed bool) LabelDecision {
	labelSet := make(map[string]bool, len(labels))
	for _, name := range labels {
		labelSet[name] = true
	}

	var matches []models.LabelMapping
	for _, m := range mappings {
		if labelSet[m.LabelName] {
			matches = append(matches, m)
		}
	}

	decision := LabelDecision{ShouldSync: true}

	if len(matches) > 0 {
		autoSync := false
		closedAllowed := false
		for _, m := range matches {
			if m.AutoSync {
				autoSync = true
			}
			if m.SyncClosedIssues {
				closedAllowed = true
			}
		}
		if !autoSync && issueClosed && !closedAllowed {
			decision.ShouldSync = false
		}
	}

	seen := make(map[uint]bool)
	for _, m := range matches {
		if m.TargetTagId != nil && !seen[*m.TargetTagId] {
			seen[*m.TargetTagId] = true
			decision.TagIds = append(decision.TagIds, *m.TargetTagId)
		}
		if decision.DefaultStatus == "" && m.DefaultStatus != "" {
			decision.DefaultStatus = m.DefaultStatus
		}
	}

	return decision
}
