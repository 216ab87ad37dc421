// Package roles maps role names to dispatch priorities. Lower numbers win
// ties when more than one waiting agent could receive a broadcast message.
package roles

import "sort"

const defaultPriority = 100

var priorities = map[string]int{
	"planner":   10,
	"architect": 20,
	"builder":   30,
	"reviewer":  40,
	"tester":    50,
	"user":      90,
}

// Priority returns the dispatch priority for a role. Unknown roles get the
// default priority and only win when nothing better is waiting.
func Priority(role string) int {
	if p, ok := priorities[role]; ok {
		return p
	}
	return defaultPriority
}

// HighestPriority returns the best-ranked role of the given set, breaking
// priority ties by name so selection is deterministic. Empty input returns "".
func HighestPriority(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := Priority(sorted[i]), Priority(sorted[j])
		if pi != pj {
			return pi < pj
		}
		return sorted[i] < sorted[j]
	})
	return sorted[0]
}
