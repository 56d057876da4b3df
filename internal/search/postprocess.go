package search

import (
	"sort"
	"strconv"
	"strings"
)

// sortResults orders results by score descending, ties by id ascending.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// AggregateBySessions caps how many results any one session contributes and
// interleaves sessions round-robin so a single verbose session cannot crowd
// the rest out. When fewer than minSessions distinct sessions are present,
// the per-session cap doubles. Results without a session are appended after
// the capped ones; the final ordering is by score.
func AggregateBySessions(results []Result, maxPerSession, minSessions int) []Result {
	if maxPerSession <= 0 {
		maxPerSession = 1
	}

	bySession := make(map[string][]Result)
	sessionOrder := make([]string, 0)
	var noSession []Result

	for _, r := range results {
		sid, _ := r.Payload["session_id"].(string)
		if sid == "" {
			noSession = append(noSession, r)
			continue
		}
		if _, ok := bySession[sid]; !ok {
			sessionOrder = append(sessionOrder, sid)
		}
		bySession[sid] = append(bySession[sid], r)
	}

	effectiveLimit := maxPerSession
	if len(sessionOrder) < minSessions {
		effectiveLimit *= 2
	}

	for _, sid := range sessionOrder {
		sortResults(bySession[sid])
		if len(bySession[sid]) > effectiveLimit {
			bySession[sid] = bySession[sid][:effectiveLimit]
		}
	}

	// Round-robin across sessions: one result per session per pass.
	out := make([]Result, 0, len(results))
	for taken := 0; ; taken++ {
		advanced := false
		for _, sid := range sessionOrder {
			if taken < len(bySession[sid]) {
				out = append(out, bySession[sid][taken])
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}

	out = append(out, noSession...)
	sortResults(out)
	return out
}

// Deduplicate drops repeated results: later occurrences of an already-seen
// id, and later occurrences whose content fingerprint matches an earlier
// kept result. Results are score-ordered first so the best copy survives.
func Deduplicate(results []Result) []Result {
	sorted := make([]Result, len(results))
	copy(sorted, results)
	sortResults(sorted)

	seenIDs := make(map[string]bool, len(sorted))
	seenPrints := make(map[string]bool, len(sorted))
	out := make([]Result, 0, len(sorted))

	for _, r := range sorted {
		if seenIDs[r.ID] {
			continue
		}
		print := fingerprint(r.Content())
		if print != "" && seenPrints[print] {
			continue
		}
		seenIDs[r.ID] = true
		if print != "" {
			seenPrints[print] = true
		}
		out = append(out, r)
	}
	return out
}

// fingerprint identifies near-identical content: the lowercased, trimmed
// first hundred characters joined with the full content length.
func fingerprint(content string) string {
	if content == "" {
		return ""
	}
	head := strings.ToLower(strings.TrimSpace(content))
	if runes := []rune(head); len(runes) > 100 {
		head = string(runes[:100])
	}
	return head + "_" + strconv.Itoa(len(content))
}
