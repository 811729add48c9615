package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ClusterSource supplies expertise clusters as group name -> member tags.
type ClusterSource interface {
	TagGroups(ctx context.Context) (map[string][]string, error)
}

// StaticClusters serves tag groups from configuration.
type StaticClusters map[string][]string

func (s StaticClusters) TagGroups(ctx context.Context) (map[string][]string, error) {
	return s, nil
}

// clusterOf assigns a contact to the tag group sharing the most tags with it,
// ties going to the lexically smaller group. A contact matching no group is
// its own cluster keyed by its smallest tag; a contact without tags is
// unclustered and never capped.
func clusterOf(tags []string, groups map[string][]string) string {
	own := make(map[string]bool, len(tags))
	for _, t := range tags {
		own[strings.ToLower(strings.TrimSpace(t))] = true
	}
	delete(own, "")
	if len(own) == 0 {
		return ""
	}

	best, bestOverlap := "", 0
	for name, members := range groups {
		overlap := 0
		for _, m := range members {
			if own[strings.ToLower(m)] {
				overlap++
			}
		}
		if overlap > bestOverlap || (overlap == bestOverlap && overlap > 0 && name < best) {
			best, bestOverlap = name, overlap
		}
	}
	if best != "" {
		return best
	}

	sorted := make([]string, 0, len(own))
	for t := range own {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	return "tag:" + sorted[0]
}

// diversify walks the ranked candidates greedily, deferring any candidate
// whose cluster already holds MaxPerCluster slots. Deferred candidates fill
// remaining slots in rank order when backfill is enabled.
func (e *Engine) diversify(ranked []candidate, k int) ([]candidate, map[string]bool) {
	backfilled := make(map[string]bool)
	if e.cfg.MaxPerCluster <= 0 {
		if len(ranked) > k {
			ranked = ranked[:k]
		}
		return ranked, backfilled
	}

	selected := make([]candidate, 0, k)
	var deferred []candidate
	perCluster := make(map[string]int)
	for _, c := range ranked {
		if len(selected) == k {
			break
		}
		if c.cluster != "" && perCluster[c.cluster] >= e.cfg.MaxPerCluster {
			deferred = append(deferred, c)
			continue
		}
		perCluster[c.cluster]++
		selected = append(selected, c)
	}

	if e.cfg.BackfillClusters {
		for _, c := range deferred {
			if len(selected) == k {
				break
			}
			backfilled[c.contact.ID] = true
			selected = append(selected, c)
		}
	}
	return selected, backfilled
}

func reasons(c candidate, backfilled bool, now time.Time) []string {
	var out []string
	if c.embedded {
		out = append(out, fmt.Sprintf("expertise similarity %.2f", c.components.Similarity))
	} else if len(c.shared) > 0 {
		out = append(out, "shared tags: "+strings.Join(c.shared, ", "))
	} else {
		out = append(out, "no expertise overlap")
	}

	out = append(out, fmt.Sprintf("trust %.2f", c.components.Trust))
	out = append(out, fmt.Sprintf("response rate %.0f%%", c.contact.ResponseRate*100))

	if c.contact.LastContactedAt == nil {
		out = append(out, "not contacted before")
	} else {
		out = append(out, fmt.Sprintf("last contacted %s ago", now.Sub(*c.contact.LastContactedAt).Round(time.Minute)))
	}

	if c.cluster != "" {
		out = append(out, "cluster "+c.cluster)
	}
	if backfilled {
		out = append(out, "backfilled past cluster cap")
	}
	return out
}
